// Package store holds the workspace membership records and the deployment
// records the core orchestrates, behind repository interfaces with an
// in-memory and a SQLite implementation.
package store

import (
	"context"
	"slices"
	"time"

	"deplight/internal/model"
)

// WorkspaceStore persists workspaces and their member sets.
type WorkspaceStore interface {
	CreateWorkspace(ctx context.Context, w model.Workspace) error
	GetWorkspace(ctx context.Context, id string) (model.Workspace, error)
	ListWorkspaces(ctx context.Context) ([]model.Workspace, error)
	AddMember(ctx context.Context, workspaceID, identity string) error
}

// DeploymentStore persists deployments and their logs.
type DeploymentStore interface {
	CreateDeployment(ctx context.Context, d model.Deployment) error
	GetDeployment(ctx context.Context, id string) (model.Deployment, error)
	ListDeployments(ctx context.Context, filter Filter) ([]model.Deployment, error)

	// UpdateDeployment loads the deployment, applies mutate and writes the
	// result as one atomic step. If mutate returns an error nothing is
	// written and that error is returned.
	UpdateDeployment(ctx context.Context, id string, mutate func(*model.Deployment) error) (model.Deployment, error)

	AppendLog(ctx context.Context, deploymentID string, entry model.LogEntry) error
	ListLogs(ctx context.Context, deploymentID string, limit int) ([]model.LogEntry, error)

	// Watch opens a standing query on the deployments of one workspace.
	Watch(ctx context.Context, workspaceID string) (*Subscription, error)
}

// Store is the full record store used by the server.
type Store interface {
	WorkspaceStore
	DeploymentStore
	Close() error
}

// Filter selects deployments. Zero fields match everything.
type Filter struct {
	WorkspaceID   string
	Statuses      []model.Status
	UpdatedBefore time.Time
}

// Match reports whether d satisfies the filter.
func (f Filter) Match(d model.Deployment) bool {
	if f.WorkspaceID != "" && d.WorkspaceID != f.WorkspaceID {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, d.Status) {
		return false
	}
	if !f.UpdatedBefore.IsZero() && !d.UpdatedAt.Before(f.UpdatedBefore) {
		return false
	}
	return true
}

func sortDeployments(ds []model.Deployment) {
	slices.SortStableFunc(ds, func(a, b model.Deployment) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
}
