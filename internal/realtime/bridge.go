package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"deplight/internal/model"
	"deplight/internal/store"
)

// EventCurrentShelf carries the full deployment list of one workspace.
const EventCurrentShelf = "current-shelf"

// ErrConnClosed is returned when a subscription is opened for a connection
// that has already disconnected.
var ErrConnClosed = errors.New("connection closed")

// Bridge turns store watches into current-shelf broadcasts. It holds exactly
// one subscription per (connection, workspace) pair.
type Bridge struct {
	store  store.DeploymentStore
	rooms  *Broadcaster
	logger *slog.Logger

	mu   sync.Mutex
	subs map[string]map[string]*store.Subscription // conn id -> workspace -> sub
	wg   sync.WaitGroup
}

// NewBridge creates a bridge publishing through rooms.
func NewBridge(st store.DeploymentStore, rooms *Broadcaster, logger *slog.Logger) *Bridge {
	return &Bridge{
		store:  st,
		rooms:  rooms,
		logger: logger,
		subs:   make(map[string]map[string]*store.Subscription),
	}
}

// Open starts the standing query for workspaceID on behalf of c. A second
// Open for the same pair is a no-op.
func (b *Bridge) Open(c *Conn, workspaceID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.Closed() {
		return ErrConnClosed
	}
	if _, ok := b.subs[c.ID()][workspaceID]; ok {
		return nil
	}

	sub, err := b.store.Watch(context.Background(), workspaceID)
	if err != nil {
		return fmt.Errorf("watch workspace %s: %w", workspaceID, err)
	}
	if b.subs[c.ID()] == nil {
		b.subs[c.ID()] = make(map[string]*store.Subscription)
	}
	b.subs[c.ID()][workspaceID] = sub

	b.wg.Add(1)
	go b.pump(c.ID(), sub)
	return nil
}

// Close cancels the subscription for one pair, if any.
func (b *Bridge) Close(c *Conn, workspaceID string) {
	b.mu.Lock()
	sub := b.subs[c.ID()][workspaceID]
	if sub != nil {
		delete(b.subs[c.ID()], workspaceID)
		if len(b.subs[c.ID()]) == 0 {
			delete(b.subs, c.ID())
		}
	}
	b.mu.Unlock()

	if sub != nil {
		sub.Cancel()
	}
}

// CloseAll cancels every subscription owned by c.
func (b *Bridge) CloseAll(c *Conn) {
	b.mu.Lock()
	subs := b.subs[c.ID()]
	delete(b.subs, c.ID())
	b.mu.Unlock()

	for _, sub := range subs {
		sub.Cancel()
	}
}

// Count returns the number of live subscriptions owned by c.
func (b *Bridge) Count(c *Conn) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[c.ID()])
}

// Wait blocks until every pump goroutine has exited.
func (b *Bridge) Wait() {
	b.wg.Wait()
}

func (b *Bridge) pump(connID string, sub *store.Subscription) {
	defer b.wg.Done()
	ws := sub.WorkspaceID()
	for {
		select {
		case <-sub.Done():
			return
		case <-sub.C:
		}

		snapshot, err := b.store.ListDeployments(context.Background(), store.Filter{WorkspaceID: ws})
		if err != nil {
			b.logger.Error("snapshot query failed",
				"workspace_id", ws,
				"conn_id", connID,
				"error", err)
			continue
		}
		if snapshot == nil {
			snapshot = []model.Deployment{}
		}

		// A cancel that raced the query wins.
		select {
		case <-sub.Done():
			return
		default:
		}
		if err := b.rooms.Broadcast(ws, EventCurrentShelf, snapshot); err != nil {
			b.logger.Error("snapshot broadcast failed", "workspace_id", ws, "error", err)
		}
	}
}
