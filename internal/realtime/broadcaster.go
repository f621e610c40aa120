package realtime

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
)

// Broadcaster maps workspaces to the connections enrolled in them.
type Broadcaster struct {
	mu     sync.Mutex
	conns  map[string]*Conn
	rooms  map[string]map[string]*Conn // workspace -> conn id -> conn
	joined map[string]map[string]struct{}
	logger *slog.Logger
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	return &Broadcaster{
		conns:  make(map[string]*Conn),
		rooms:  make(map[string]map[string]*Conn),
		joined: make(map[string]map[string]struct{}),
		logger: logger,
	}
}

// Register makes c reachable by BroadcastAll.
func (b *Broadcaster) Register(c *Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conns[c.ID()] = c
}

// Join enrolls c in a workspace room. Joining twice is a no-op.
func (b *Broadcaster) Join(c *Conn, workspaceID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conns[c.ID()] = c
	if b.rooms[workspaceID] == nil {
		b.rooms[workspaceID] = make(map[string]*Conn)
	}
	b.rooms[workspaceID][c.ID()] = c
	if b.joined[c.ID()] == nil {
		b.joined[c.ID()] = make(map[string]struct{})
	}
	b.joined[c.ID()][workspaceID] = struct{}{}
}

// Leave removes c from one workspace room.
func (b *Broadcaster) Leave(c *Conn, workspaceID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.leaveLocked(c.ID(), workspaceID)
}

func (b *Broadcaster) leaveLocked(connID, workspaceID string) {
	if room := b.rooms[workspaceID]; room != nil {
		delete(room, connID)
		if len(room) == 0 {
			delete(b.rooms, workspaceID)
		}
	}
	if ws := b.joined[connID]; ws != nil {
		delete(ws, workspaceID)
		if len(ws) == 0 {
			delete(b.joined, connID)
		}
	}
}

// Disconnect tears down every enrollment of c.
func (b *Broadcaster) Disconnect(c *Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ws := range b.joined[c.ID()] {
		b.leaveLocked(c.ID(), ws)
	}
	delete(b.conns, c.ID())
}

// Broadcast delivers an event to every connection enrolled in workspaceID.
func (b *Broadcaster) Broadcast(workspaceID, event string, payload any) error {
	env, err := encode(event, payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	b.mu.Lock()
	targets := make([]*Conn, 0, len(b.rooms[workspaceID]))
	for _, c := range b.rooms[workspaceID] {
		targets = append(targets, c)
	}
	b.mu.Unlock()

	b.deliver(targets, env)
	return nil
}

// BroadcastAll delivers a workspace-independent event to every registered
// connection. Deployment state must go through Broadcast instead.
func (b *Broadcaster) BroadcastAll(event string, payload any) error {
	env, err := encode(event, payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	b.mu.Lock()
	targets := make([]*Conn, 0, len(b.conns))
	for _, c := range b.conns {
		targets = append(targets, c)
	}
	b.mu.Unlock()

	b.deliver(targets, env)
	return nil
}

// Send delivers an event to exactly one connection.
func (b *Broadcaster) Send(c *Conn, event string, payload any) error {
	env, err := encode(event, payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	b.deliver([]*Conn{c}, env)
	return nil
}

func (b *Broadcaster) deliver(targets []*Conn, env Envelope) {
	for _, c := range targets {
		if !c.enqueue(env) && !c.Closed() {
			b.logger.Warn("outbox full, event dropped",
				"conn_id", c.ID(),
				"event", env.Event,
				"dropped", c.Dropped())
		}
	}
}

// Rooms returns the workspaces c is enrolled in, sorted.
func (b *Broadcaster) Rooms(c *Conn) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.joined[c.ID()]))
	for ws := range b.joined[c.ID()] {
		out = append(out, ws)
	}
	slices.Sort(out)
	return out
}

// Members returns the ids of connections enrolled in workspaceID, sorted.
func (b *Broadcaster) Members(workspaceID string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.rooms[workspaceID]))
	for id := range b.rooms[workspaceID] {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Connections returns the number of registered connections.
func (b *Broadcaster) Connections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}
