package server

import (
	"net/http"

	"github.com/coder/websocket"

	"deplight/internal/gateway"
	"deplight/internal/model"
)

// MaxMessageBytes caps one inbound websocket message.
const MaxMessageBytes = 64 << 10

// HandleWebsocket authenticates the upgrade request and runs a session.
// A missing or invalid token is refused with 401 before the upgrade.
func (s *Server) HandleWebsocket(w http.ResponseWriter, r *http.Request) {
	identity, err := s.opts.Gateway.Authenticate(r.Context(), gateway.TokenFromRequest(r))
	if err != nil {
		s.respondJSON(w, http.StatusUnauthorized, map[string]string{"error": model.PublicMessage(err)})
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.opts.AllowedOrigins})
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "identity", identity, "error", err)
		return
	}
	ws.SetReadLimit(MaxMessageBytes)

	s.sessions.Add(1)
	defer s.sessions.Done()

	conn := s.opts.Gateway.Connect(identity)
	sess := newSession(s, ws, conn)
	sess.run(s.sessionCtx)
}
