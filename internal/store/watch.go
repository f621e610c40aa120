package store

import (
	"context"
	"sync"
)

// Subscription is a standing query on one workspace's deployment set. A
// signal arrives on C once right after Watch and again after every change;
// pending signals coalesce, so a reader always recomputes the full set.
type Subscription struct {
	C <-chan struct{}

	workspaceID string
	ch          chan struct{}
	done        chan struct{}
	once        sync.Once
	hub         *watchHub
}

// WorkspaceID returns the workspace the subscription watches.
func (s *Subscription) WorkspaceID() string { return s.workspaceID }

// Done is closed once the subscription has been cancelled.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Cancel releases the subscription. It is safe to call more than once.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.hub.remove(s)
		close(s.done)
	})
}

func (s *Subscription) signal() {
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

// watchHub tracks open subscriptions per workspace. Both store
// implementations notify it after committing a change.
type watchHub struct {
	mu   sync.Mutex
	subs map[string]map[*Subscription]struct{}
}

func newWatchHub() *watchHub {
	return &watchHub{subs: make(map[string]map[*Subscription]struct{})}
}

func (h *watchHub) watch(ctx context.Context, workspaceID string) *Subscription {
	ch := make(chan struct{}, 1)
	sub := &Subscription{
		C:           ch,
		workspaceID: workspaceID,
		ch:          ch,
		done:        make(chan struct{}),
		hub:         h,
	}

	h.mu.Lock()
	if h.subs[workspaceID] == nil {
		h.subs[workspaceID] = make(map[*Subscription]struct{})
	}
	h.subs[workspaceID][sub] = struct{}{}
	h.mu.Unlock()

	sub.signal()

	if ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				sub.Cancel()
			case <-sub.done:
			}
		}()
	}
	return sub
}

func (h *watchHub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.subs[sub.workspaceID]
	delete(subs, sub)
	if len(subs) == 0 {
		delete(h.subs, sub.workspaceID)
	}
}

func (h *watchHub) notify(workspaceID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs[workspaceID] {
		sub.signal()
	}
}

func (h *watchHub) count(workspaceID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[workspaceID])
}
