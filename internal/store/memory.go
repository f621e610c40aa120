package store

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"deplight/internal/model"
)

// Memory is an in-process Store used by tests.
type Memory struct {
	mu          sync.RWMutex
	workspaces  map[string]model.Workspace
	deployments map[string]model.Deployment
	logs        map[string][]model.LogEntry
	now         func() time.Time
	hub         *watchHub
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		workspaces:  make(map[string]model.Workspace),
		deployments: make(map[string]model.Deployment),
		logs:        make(map[string][]model.LogEntry),
		now:         time.Now,
		hub:         newWatchHub(),
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) CreateWorkspace(ctx context.Context, w model.Workspace) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workspaces[w.ID]; ok {
		return fmt.Errorf("workspace %q: %w", w.ID, model.ErrAlreadyExists)
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = m.now().UTC()
	}
	w.Members = slices.Clone(w.Members)
	m.workspaces[w.ID] = w
	return nil
}

func (m *Memory) GetWorkspace(ctx context.Context, id string) (model.Workspace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.workspaces[id]
	if !ok {
		return model.Workspace{}, fmt.Errorf("workspace %q: %w", id, model.ErrNotFound)
	}
	w.Members = slices.Clone(w.Members)
	return w, nil
}

func (m *Memory) ListWorkspaces(ctx context.Context) ([]model.Workspace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Workspace, 0, len(m.workspaces))
	for _, w := range m.workspaces {
		w.Members = slices.Clone(w.Members)
		out = append(out, w)
	}
	slices.SortFunc(out, func(a, b model.Workspace) int {
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return out, nil
}

func (m *Memory) AddMember(ctx context.Context, workspaceID, identity string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workspaces[workspaceID]
	if !ok {
		return fmt.Errorf("workspace %q: %w", workspaceID, model.ErrNotFound)
	}
	if !slices.Contains(w.Members, identity) {
		w.Members = append(slices.Clone(w.Members), identity)
		m.workspaces[workspaceID] = w
	}
	return nil
}

func (m *Memory) CreateDeployment(ctx context.Context, d model.Deployment) error {
	m.mu.Lock()
	if _, ok := m.deployments[d.ID]; ok {
		m.mu.Unlock()
		return fmt.Errorf("deployment %q: %w", d.ID, model.ErrAlreadyExists)
	}
	now := m.now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = d.CreatedAt
	}
	m.deployments[d.ID] = d.Clone()
	m.mu.Unlock()

	m.hub.notify(d.WorkspaceID)
	return nil
}

func (m *Memory) GetDeployment(ctx context.Context, id string) (model.Deployment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.deployments[id]
	if !ok {
		return model.Deployment{}, fmt.Errorf("deployment %q: %w", id, model.ErrNotFound)
	}
	return d.Clone(), nil
}

func (m *Memory) ListDeployments(ctx context.Context, filter Filter) ([]model.Deployment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Deployment
	for _, d := range m.deployments {
		if filter.Match(d) {
			out = append(out, d.Clone())
		}
	}
	sortDeployments(out)
	return out, nil
}

func (m *Memory) UpdateDeployment(ctx context.Context, id string, mutate func(*model.Deployment) error) (model.Deployment, error) {
	m.mu.Lock()
	current, ok := m.deployments[id]
	if !ok {
		m.mu.Unlock()
		return model.Deployment{}, fmt.Errorf("deployment %q: %w", id, model.ErrNotFound)
	}
	next := current.Clone()
	if err := mutate(&next); err != nil {
		m.mu.Unlock()
		return current.Clone(), err
	}
	next.ID = current.ID
	next.WorkspaceID = current.WorkspaceID
	next.CreatedAt = current.CreatedAt
	next.UpdatedAt = m.now().UTC()
	m.deployments[id] = next.Clone()
	m.mu.Unlock()

	m.hub.notify(next.WorkspaceID)
	return next, nil
}

func (m *Memory) AppendLog(ctx context.Context, deploymentID string, entry model.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.deployments[deploymentID]; !ok {
		return fmt.Errorf("deployment %q: %w", deploymentID, model.ErrNotFound)
	}
	m.logs[deploymentID] = append(m.logs[deploymentID], entry)
	return nil
}

func (m *Memory) ListLogs(ctx context.Context, deploymentID string, limit int) ([]model.LogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	logs := m.logs[deploymentID]
	if limit > 0 && len(logs) > limit {
		logs = logs[len(logs)-limit:]
	}
	return slices.Clone(logs), nil
}

func (m *Memory) Watch(ctx context.Context, workspaceID string) (*Subscription, error) {
	return m.hub.watch(ctx, workspaceID), nil
}

// Watchers returns the number of open subscriptions on a workspace.
func (m *Memory) Watchers(workspaceID string) int {
	return m.hub.count(workspaceID)
}
