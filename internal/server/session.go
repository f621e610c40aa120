package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"golang.org/x/time/rate"

	"deplight/internal/deployment"
	"deplight/internal/model"
	"deplight/internal/realtime"
	"deplight/internal/security"
)

// Client-sent event names.
const (
	EventJoinWorkspace  = "join-workspace"
	EventLeaveWorkspace = "leave-workspace"
	EventStartDeploy    = "start-deploy"
	EventStartRollback  = "start-rollback"
	EventSlackReaction  = "slack-reaction"
	EventRunCommand     = "run-command"
)

// Server-sent event names owned by the session.
const (
	EventNewPlant      = "new-plant"
	EventErrorMessage  = "error-message"
	EventReactionAdded = "reaction-added"
)

const writeTimeout = 10 * time.Second

var errRateLimited = errors.New("too many commands, slow down")

type inbound struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type startDeployPayload struct {
	WorkspaceID string `json:"workspaceId"`
	GitURL      string `json:"gitUrl"`
	Branch      string `json:"branch"`
	Version     string `json:"version"`
	Description string `json:"description"`
	IsWakeUp    bool   `json:"isWakeUp"`
	ID          string `json:"id"`
}

type startRollbackPayload struct {
	PlantID string `json:"plantId"`
}

type reactionPayload struct {
	ID    string `json:"id"`
	Emoji string `json:"emoji"`
}

// ReactionEvent is broadcast to the room after a reaction is stored.
type ReactionEvent struct {
	ID        string   `json:"id"`
	Emoji     string   `json:"emoji"`
	Reactions []string `json:"reactions"`
}

// session serves one websocket connection: a read loop dispatching
// commands and a writer draining the connection's outbox.
type session struct {
	srv     *Server
	ws      *websocket.Conn
	conn    *realtime.Conn
	limiter *rate.Limiter
	logger  *slog.Logger
}

func newSession(srv *Server, ws *websocket.Conn, conn *realtime.Conn) *session {
	return &session{
		srv:     srv,
		ws:      ws,
		conn:    conn,
		limiter: rate.NewLimiter(srv.opts.CommandRate, srv.opts.CommandBurst),
		logger:  srv.logger.With("conn_id", conn.ID(), "identity", conn.Identity()),
	}
}

func (ss *session) run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer cancel()
		ss.writeLoop(ctx)
	}()

	for {
		var msg inbound
		if err := wsjson.Read(ctx, ss.ws, &msg); err != nil {
			if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && ctx.Err() == nil {
				ss.logger.Debug("websocket read ended", "error", err)
			}
			break
		}
		ss.handle(ctx, msg)
	}

	cancel()
	ss.srv.opts.Gateway.Disconnect(ss.conn)
	<-writerDone
	ss.ws.Close(websocket.StatusNormalClosure, "")
	ss.logger.Info("session closed", "dropped_events", ss.conn.Dropped())
}

func (ss *session) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-ss.conn.Done():
			return
		case env := <-ss.conn.Outbox():
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, ss.ws, env)
			cancel()
			if err != nil {
				ss.logger.Debug("websocket write failed", "event", env.Event, "error", err)
				return
			}
		}
	}
}

func (ss *session) handle(ctx context.Context, msg inbound) {
	if !ss.limiter.Allow() {
		ss.logger.Warn("command rate limit exceeded", "event", msg.Event)
		ss.send(EventErrorMessage, errRateLimited.Error())
		return
	}

	var err error
	switch msg.Event {
	case EventJoinWorkspace:
		err = ss.joinWorkspace(ctx, msg.Data)
	case EventLeaveWorkspace:
		err = ss.leaveWorkspace(msg.Data)
	case EventStartDeploy:
		err = ss.startDeploy(ctx, msg.Data)
	case EventStartRollback:
		err = ss.startRollback(ctx, msg.Data)
	case EventSlackReaction:
		err = ss.addReaction(ctx, msg.Data)
	case EventRunCommand:
		err = ss.runCommand(ctx, msg.Data)
	default:
		err = model.Validationf("unknown event %q", msg.Event)
	}
	if err != nil {
		ss.fail(msg.Event, err)
	}
}

// fail reports err to this connection only.
func (ss *session) fail(event string, err error) {
	msg := model.PublicMessage(err)
	if msg == "internal error" {
		ss.logger.Error("command failed", "event", event, "error", err)
	} else {
		ss.logger.Info("command refused", "event", event, "error", err)
	}
	ss.send(EventErrorMessage, msg)
}

func (ss *session) send(event string, payload any) {
	if err := ss.srv.opts.Rooms.Send(ss.conn, event, payload); err != nil {
		ss.logger.Warn("failed to queue event", "event", event, "error", err)
	}
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return model.Validationf("missing payload")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return model.Validationf("malformed payload")
	}
	return nil
}

func (ss *session) joinWorkspace(ctx context.Context, data json.RawMessage) error {
	var workspaceID string
	if err := decode(data, &workspaceID); err != nil {
		return err
	}
	if err := security.ValidateID("workspaceId", workspaceID); err != nil {
		return err
	}
	return ss.srv.opts.Gateway.JoinWorkspace(ctx, ss.conn, workspaceID)
}

func (ss *session) leaveWorkspace(data json.RawMessage) error {
	var workspaceID string
	if err := decode(data, &workspaceID); err != nil {
		return err
	}
	if err := security.ValidateID("workspaceId", workspaceID); err != nil {
		return err
	}
	ss.srv.opts.Gateway.LeaveWorkspace(ss.conn, workspaceID)
	return nil
}

// authorizeDeployment checks membership in the deployment's workspace.
// Unknown deployments are reported like foreign ones.
func (ss *session) authorizeDeployment(ctx context.Context, id string) (model.Deployment, error) {
	d, err := ss.srv.opts.Store.GetDeployment(ctx, id)
	if errors.Is(err, model.ErrNotFound) {
		return model.Deployment{}, fmt.Errorf("%w: deployment %s", model.ErrAuthorization, id)
	}
	if err != nil {
		return model.Deployment{}, err
	}
	if _, err := ss.srv.opts.Gateway.Authorize(ctx, ss.conn.Identity(), d.WorkspaceID); err != nil {
		return model.Deployment{}, fmt.Errorf("%w: deployment %s", model.ErrAuthorization, id)
	}
	return d, nil
}

func (p startDeployPayload) validate() error {
	if p.ID != "" {
		if err := security.ValidateID("id", p.ID); err != nil {
			return err
		}
	} else if err := security.ValidateID("workspaceId", p.WorkspaceID); err != nil {
		return err
	}
	if p.GitURL != "" {
		if err := security.ValidateGitURL(p.GitURL); err != nil {
			return err
		}
	}
	if p.Branch != "" {
		if err := security.ValidateBranchName(p.Branch); err != nil {
			return err
		}
	}
	if err := security.ValidateText("version", p.Version, security.MaxTextLength); err != nil {
		return err
	}
	return security.ValidateText("description", p.Description, security.MaxTextLength)
}

func (ss *session) startDeploy(ctx context.Context, data json.RawMessage) error {
	var p startDeployPayload
	if err := decode(data, &p); err != nil {
		return err
	}
	if err := p.validate(); err != nil {
		return err
	}

	req := deployment.DeployRequest{
		WorkspaceID: p.WorkspaceID,
		GitURL:      p.GitURL,
		Branch:      p.Branch,
		Version:     p.Version,
		Description: p.Description,
		ID:          p.ID,
		IsWakeUp:    p.IsWakeUp,
		Actor:       ss.conn.Identity(),
	}

	if p.ID != "" {
		d, err := ss.authorizeDeployment(ctx, p.ID)
		if err != nil {
			return err
		}
		req.WorkspaceID = d.WorkspaceID
	} else if _, err := ss.srv.opts.Gateway.Authorize(ctx, ss.conn.Identity(), p.WorkspaceID); err != nil {
		return err
	}

	d, err := ss.srv.opts.Deployer.StartDeploy(ctx, req)
	if err != nil {
		return err
	}
	if p.ID == "" {
		ss.send(EventNewPlant, d)
	}
	ss.logger.Info("deploy started", "deployment_id", d.ID, "workspace_id", d.WorkspaceID, "wake", p.IsWakeUp)
	return nil
}

func (ss *session) startRollback(ctx context.Context, data json.RawMessage) error {
	var p startRollbackPayload
	if err := decode(data, &p); err != nil {
		return err
	}
	if err := security.ValidateID("plantId", p.PlantID); err != nil {
		return err
	}
	if _, err := ss.authorizeDeployment(ctx, p.PlantID); err != nil {
		return err
	}

	if _, err := ss.srv.opts.Rollback.StartRollback(ctx, p.PlantID, ss.conn.Identity()); err != nil {
		return err
	}
	ss.logger.Info("rollback started", "deployment_id", p.PlantID)
	return nil
}

func (ss *session) addReaction(ctx context.Context, data json.RawMessage) error {
	var p reactionPayload
	if err := decode(data, &p); err != nil {
		return err
	}
	if err := security.ValidateID("id", p.ID); err != nil {
		return err
	}
	if err := security.ValidateEmoji(p.Emoji); err != nil {
		return err
	}
	if _, err := ss.authorizeDeployment(ctx, p.ID); err != nil {
		return err
	}

	d, err := ss.srv.opts.Store.UpdateDeployment(ctx, p.ID, func(d *model.Deployment) error {
		d.AddReaction(p.Emoji)
		return nil
	})
	if err != nil {
		return err
	}
	return ss.srv.opts.Rooms.Broadcast(d.WorkspaceID, EventReactionAdded, ReactionEvent{
		ID:        d.ID,
		Emoji:     p.Emoji,
		Reactions: d.Reactions,
	})
}

func (ss *session) runCommand(ctx context.Context, data json.RawMessage) error {
	var cmd string
	if err := decode(data, &cmd); err != nil {
		return err
	}
	if err := security.ValidateCommand(cmd); err != nil {
		return err
	}
	ss.srv.opts.Console.Run(ctx, cmd, func(entry model.LogEntry) {
		ss.send(deployment.EventNewLog, deployment.LogEvent{Log: entry})
	})
	return nil
}
