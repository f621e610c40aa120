// Package gateway authenticates real-time sessions and authorizes their
// workspace operations against the membership store.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"deplight/internal/model"
	"deplight/internal/realtime"
	"deplight/internal/store"
)

// Gateway is the entry point for every session: it authenticates the
// connection once and checks membership for every workspace-scoped command.
type Gateway struct {
	auth       Authenticator
	workspaces store.WorkspaceStore
	rooms      *realtime.Broadcaster
	bridge     *realtime.Bridge
	logger     *slog.Logger
}

// New creates a gateway.
func New(auth Authenticator, workspaces store.WorkspaceStore, rooms *realtime.Broadcaster, bridge *realtime.Bridge, logger *slog.Logger) *Gateway {
	return &Gateway{
		auth:       auth,
		workspaces: workspaces,
		rooms:      rooms,
		bridge:     bridge,
		logger:     logger,
	}
}

// Authenticate resolves token to an identity. Every failure wraps
// model.ErrAuth; the reason is logged, not returned to the client.
func (g *Gateway) Authenticate(ctx context.Context, token string) (string, error) {
	identity, err := g.auth.Authenticate(ctx, token)
	if err != nil {
		g.logger.Warn("authentication failed", "error", err)
		return "", model.ErrAuth
	}
	return identity, nil
}

// Connect registers a new session for an authenticated identity.
func (g *Gateway) Connect(identity string) *realtime.Conn {
	c := realtime.NewConn(identity)
	g.rooms.Register(c)
	g.logger.Info("session connected", "conn_id", c.ID(), "identity", identity)
	return c
}

// Authorize returns the workspace if identity is a member of it. Unknown
// workspaces are reported the same way as non-membership.
func (g *Gateway) Authorize(ctx context.Context, identity, workspaceID string) (model.Workspace, error) {
	ws, err := g.workspaces.GetWorkspace(ctx, workspaceID)
	if errors.Is(err, model.ErrNotFound) {
		return model.Workspace{}, fmt.Errorf("%w: workspace %s", model.ErrAuthorization, workspaceID)
	}
	if err != nil {
		return model.Workspace{}, fmt.Errorf("load workspace %s: %w", workspaceID, err)
	}
	if !ws.HasMember(identity) {
		return model.Workspace{}, fmt.Errorf("%w: workspace %s", model.ErrAuthorization, workspaceID)
	}
	return ws, nil
}

// JoinWorkspace enrolls c in the workspace room and opens its watch. On an
// authorization failure nothing is changed.
func (g *Gateway) JoinWorkspace(ctx context.Context, c *realtime.Conn, workspaceID string) error {
	if _, err := g.Authorize(ctx, c.Identity(), workspaceID); err != nil {
		return err
	}
	g.rooms.Join(c, workspaceID)
	if err := g.bridge.Open(c, workspaceID); err != nil {
		g.rooms.Leave(c, workspaceID)
		return fmt.Errorf("open watch: %w", err)
	}
	g.logger.Info("joined workspace", "conn_id", c.ID(), "workspace_id", workspaceID)
	return nil
}

// LeaveWorkspace releases the watch and the room enrollment for one workspace.
func (g *Gateway) LeaveWorkspace(c *realtime.Conn, workspaceID string) {
	g.bridge.Close(c, workspaceID)
	g.rooms.Leave(c, workspaceID)
	g.logger.Info("left workspace", "conn_id", c.ID(), "workspace_id", workspaceID)
}

// Disconnect tears down every subscription and enrollment held by c.
func (g *Gateway) Disconnect(c *realtime.Conn) {
	c.Close()
	g.bridge.CloseAll(c)
	g.rooms.Disconnect(c)
	g.logger.Info("session disconnected", "conn_id", c.ID(), "dropped", c.Dropped())
}
