// Package realtime fans events out to connected sessions. A Broadcaster
// tracks which connections are enrolled in which workspace, and a Bridge
// keeps each workspace's deployment snapshot current by republishing a
// store watch through the Broadcaster.
package realtime

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// OutboxSize is the number of queued events a connection may hold before
// new events are dropped.
const OutboxSize = 256

// Envelope is the wire frame for every server-sent event.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Conn is one authenticated session. Events are queued on a bounded outbox
// that a single writer goroutine drains to the socket.
type Conn struct {
	id       string
	identity string
	out      chan Envelope
	dropped  atomic.Int64
	done     chan struct{}
	once     sync.Once
}

// NewConn creates a connection for an authenticated identity.
func NewConn(identity string) *Conn {
	return &Conn{
		id:       uuid.NewString(),
		identity: identity,
		out:      make(chan Envelope, OutboxSize),
		done:     make(chan struct{}),
	}
}

func (c *Conn) ID() string       { return c.id }
func (c *Conn) Identity() string { return c.identity }

// Outbox is drained by the connection's writer.
func (c *Conn) Outbox() <-chan Envelope { return c.out }

// Dropped returns how many events were discarded because the outbox was full.
func (c *Conn) Dropped() int64 { return c.dropped.Load() }

// Done is closed once the connection has been closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Closed reports whether Close has been called.
func (c *Conn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Close marks the connection closed. Queued events stay readable.
func (c *Conn) Close() {
	c.once.Do(func() { close(c.done) })
}

// enqueue never blocks. A full outbox means a slow reader; the next
// current-shelf snapshot resyncs it.
func (c *Conn) enqueue(env Envelope) bool {
	if c.Closed() {
		return false
	}
	select {
	case c.out <- env:
		return true
	default:
		c.dropped.Add(1)
		return false
	}
}

func encode(event string, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Event: event, Data: data}, nil
}
