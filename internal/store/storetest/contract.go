// Package storetest provides contract tests for [store.Store]
// implementations.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"deplight/internal/model"
	"deplight/internal/store"
)

// Factory creates a fresh, empty [store.Store] for each test.
type Factory func(t *testing.T) store.Store

// Run exercises the [store.Store] contract.
func Run(t *testing.T, factory Factory) {
	seed := func(t *testing.T, s store.Store) {
		t.Helper()
		ctx := context.Background()
		if err := s.CreateWorkspace(ctx, model.Workspace{ID: "W1", Name: "Team One", Members: []string{"alice"}}); err != nil {
			t.Fatalf("CreateWorkspace: %v", err)
		}
	}
	sample := func(id string) model.Deployment {
		return model.Deployment{
			ID:            id,
			WorkspaceID:   "W1",
			Version:       "v1.0",
			Description:   "first",
			GitURL:        "https://github.com/acme/app",
			Status:        model.StatusHealthy,
			PipelineSteps: model.NewSteps([]model.StepKind{model.StepLint, model.StepBuild}, map[model.StepKind]string{model.StepLint: "Lint", model.StepBuild: "Build"}),
		}
	}

	t.Run("WorkspaceCreateAndGet", func(t *testing.T) {
		s := factory(t)
		seed(t, s)

		got, err := s.GetWorkspace(context.Background(), "W1")
		if err != nil {
			t.Fatalf("GetWorkspace: %v", err)
		}
		if got.Name != "Team One" {
			t.Errorf("Name = %q, want %q", got.Name, "Team One")
		}
		if !got.HasMember("alice") {
			t.Errorf("Members = %v, want alice", got.Members)
		}
		if got.CreatedAt.IsZero() {
			t.Error("CreatedAt not set")
		}
	})

	t.Run("WorkspaceDuplicate", func(t *testing.T) {
		s := factory(t)
		seed(t, s)
		err := s.CreateWorkspace(context.Background(), model.Workspace{ID: "W1", Name: "again"})
		if !errors.Is(err, model.ErrAlreadyExists) {
			t.Fatalf("second CreateWorkspace: got %v, want ErrAlreadyExists", err)
		}
	})

	t.Run("WorkspaceNotFound", func(t *testing.T) {
		s := factory(t)
		_, err := s.GetWorkspace(context.Background(), "missing")
		if !errors.Is(err, model.ErrNotFound) {
			t.Fatalf("GetWorkspace: got %v, want ErrNotFound", err)
		}
	})

	t.Run("AddMember", func(t *testing.T) {
		s := factory(t)
		seed(t, s)
		ctx := context.Background()

		if err := s.AddMember(ctx, "W1", "bob"); err != nil {
			t.Fatalf("AddMember: %v", err)
		}
		if err := s.AddMember(ctx, "W1", "bob"); err != nil {
			t.Fatalf("AddMember twice: %v", err)
		}
		got, _ := s.GetWorkspace(ctx, "W1")
		if len(got.Members) != 2 || !got.HasMember("bob") {
			t.Errorf("Members = %v, want [alice bob]", got.Members)
		}
		if err := s.AddMember(ctx, "nope", "bob"); !errors.Is(err, model.ErrNotFound) {
			t.Errorf("AddMember unknown workspace: got %v, want ErrNotFound", err)
		}
	})

	t.Run("ListWorkspaces", func(t *testing.T) {
		s := factory(t)
		seed(t, s)
		ctx := context.Background()
		_ = s.CreateWorkspace(ctx, model.Workspace{ID: "W0", Name: "Zero"})

		got, err := s.ListWorkspaces(ctx)
		if err != nil {
			t.Fatalf("ListWorkspaces: %v", err)
		}
		if len(got) != 2 || got[0].ID != "W0" || got[1].ID != "W1" {
			t.Fatalf("ListWorkspaces = %+v, want W0, W1", got)
		}
	})

	t.Run("DeploymentCreateAndGet", func(t *testing.T) {
		s := factory(t)
		seed(t, s)
		ctx := context.Background()

		if err := s.CreateDeployment(ctx, sample("p1")); err != nil {
			t.Fatalf("CreateDeployment: %v", err)
		}
		got, err := s.GetDeployment(ctx, "p1")
		if err != nil {
			t.Fatalf("GetDeployment: %v", err)
		}
		if got.Status != model.StatusHealthy {
			t.Errorf("Status = %q, want HEALTHY", got.Status)
		}
		if len(got.PipelineSteps) != 2 || got.PipelineSteps[1].ID != model.StepBuild {
			t.Errorf("PipelineSteps = %+v", got.PipelineSteps)
		}
		if got.AIInsight != nil {
			t.Errorf("AIInsight = %q, want nil", *got.AIInsight)
		}
		if got.GitURL != "https://github.com/acme/app" {
			t.Errorf("GitURL = %q", got.GitURL)
		}
	})

	t.Run("DeploymentDuplicate", func(t *testing.T) {
		s := factory(t)
		seed(t, s)
		ctx := context.Background()
		_ = s.CreateDeployment(ctx, sample("p1"))
		if err := s.CreateDeployment(ctx, sample("p1")); !errors.Is(err, model.ErrAlreadyExists) {
			t.Fatalf("second CreateDeployment: got %v, want ErrAlreadyExists", err)
		}
	})

	t.Run("DeploymentNotFound", func(t *testing.T) {
		s := factory(t)
		if _, err := s.GetDeployment(context.Background(), "nope"); !errors.Is(err, model.ErrNotFound) {
			t.Fatalf("GetDeployment: got %v, want ErrNotFound", err)
		}
	})

	t.Run("ListDeploymentsFilter", func(t *testing.T) {
		s := factory(t)
		seed(t, s)
		ctx := context.Background()
		_ = s.CreateWorkspace(ctx, model.Workspace{ID: "W2", Name: "Two"})

		base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
		a := sample("a")
		a.CreatedAt = base
		b := sample("b")
		b.Status = model.StatusDeploying
		b.CreatedAt = base.Add(time.Minute)
		c := sample("c")
		c.WorkspaceID = "W2"
		c.CreatedAt = base.Add(2 * time.Minute)
		for _, d := range []model.Deployment{b, c, a} {
			if err := s.CreateDeployment(ctx, d); err != nil {
				t.Fatalf("CreateDeployment(%s): %v", d.ID, err)
			}
		}

		got, err := s.ListDeployments(ctx, store.Filter{WorkspaceID: "W1"})
		if err != nil {
			t.Fatalf("ListDeployments: %v", err)
		}
		if len(got) != 2 || got[0].ID != "a" || got[1].ID != "b" {
			t.Errorf("workspace filter = %v, want [a b]", ids(got))
		}

		got, _ = s.ListDeployments(ctx, store.Filter{Statuses: []model.Status{model.StatusDeploying}})
		if len(got) != 1 || got[0].ID != "b" {
			t.Errorf("status filter = %v, want [b]", ids(got))
		}

		got, _ = s.ListDeployments(ctx, store.Filter{UpdatedBefore: base.Add(90 * time.Second)})
		if len(got) != 2 {
			t.Errorf("updated-before filter = %v, want [a b]", ids(got))
		}
	})

	t.Run("UpdateDeployment", func(t *testing.T) {
		s := factory(t)
		seed(t, s)
		ctx := context.Background()
		d := sample("p1")
		d.CreatedAt = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
		_ = s.CreateDeployment(ctx, d)

		got, err := s.UpdateDeployment(ctx, "p1", func(d *model.Deployment) error {
			d.Status = model.StatusDeploying
			d.WorkspaceID = "elsewhere"
			d.SetInsight("looks fine")
			d.AddReaction("🚀")
			return nil
		})
		if err != nil {
			t.Fatalf("UpdateDeployment: %v", err)
		}
		if got.Status != model.StatusDeploying {
			t.Errorf("Status = %q, want DEPLOYING", got.Status)
		}
		if got.WorkspaceID != "W1" {
			t.Errorf("WorkspaceID = %q, want W1 (immutable)", got.WorkspaceID)
		}
		if !got.UpdatedAt.After(d.CreatedAt) {
			t.Errorf("UpdatedAt = %v, want after %v", got.UpdatedAt, d.CreatedAt)
		}

		reread, _ := s.GetDeployment(ctx, "p1")
		if reread.AIInsight == nil || *reread.AIInsight != "looks fine" {
			t.Errorf("AIInsight = %v, want looks fine", reread.AIInsight)
		}
		if len(reread.Reactions) != 1 || reread.Reactions[0] != "🚀" {
			t.Errorf("Reactions = %v", reread.Reactions)
		}
	})

	t.Run("UpdateDeploymentMutateError", func(t *testing.T) {
		s := factory(t)
		seed(t, s)
		ctx := context.Background()
		_ = s.CreateDeployment(ctx, sample("p1"))

		_, err := s.UpdateDeployment(ctx, "p1", func(d *model.Deployment) error {
			d.Status = model.StatusFailed
			return model.ErrConflict
		})
		if !errors.Is(err, model.ErrConflict) {
			t.Fatalf("UpdateDeployment: got %v, want ErrConflict", err)
		}
		got, _ := s.GetDeployment(ctx, "p1")
		if got.Status != model.StatusHealthy {
			t.Errorf("Status = %q, want HEALTHY (unchanged)", got.Status)
		}
	})

	t.Run("UpdateDeploymentNotFound", func(t *testing.T) {
		s := factory(t)
		_, err := s.UpdateDeployment(context.Background(), "nope", func(*model.Deployment) error { return nil })
		if !errors.Is(err, model.ErrNotFound) {
			t.Fatalf("UpdateDeployment: got %v, want ErrNotFound", err)
		}
	})

	t.Run("Logs", func(t *testing.T) {
		s := factory(t)
		seed(t, s)
		ctx := context.Background()
		_ = s.CreateDeployment(ctx, sample("p1"))

		now := time.Now().UTC()
		for i, msg := range []string{"one", "two", "three"} {
			entry := model.LogEntry{Time: now.Add(time.Duration(i) * time.Second), Message: msg, Channel: model.ChannelStep, Step: model.StepLint}
			if err := s.AppendLog(ctx, "p1", entry); err != nil {
				t.Fatalf("AppendLog: %v", err)
			}
		}

		all, err := s.ListLogs(ctx, "p1", 0)
		if err != nil {
			t.Fatalf("ListLogs: %v", err)
		}
		if len(all) != 3 || all[0].Message != "one" || all[2].Message != "three" {
			t.Errorf("ListLogs = %+v", all)
		}

		tail, _ := s.ListLogs(ctx, "p1", 2)
		if len(tail) != 2 || tail[0].Message != "two" || tail[1].Message != "three" {
			t.Errorf("ListLogs(limit 2) = %+v", tail)
		}
		if tail[1].Step != model.StepLint || tail[1].Channel != model.ChannelStep {
			t.Errorf("entry = %+v", tail[1])
		}

		if err := s.AppendLog(ctx, "nope", model.LogEntry{Message: "x"}); !errors.Is(err, model.ErrNotFound) {
			t.Errorf("AppendLog unknown deployment: got %v, want ErrNotFound", err)
		}
	})

	t.Run("WatchSignals", func(t *testing.T) {
		s := factory(t)
		seed(t, s)
		ctx := context.Background()

		sub, err := s.Watch(ctx, "W1")
		if err != nil {
			t.Fatalf("Watch: %v", err)
		}
		defer sub.Cancel()

		expectSignal(t, sub, "initial")

		_ = s.CreateDeployment(ctx, sample("p1"))
		expectSignal(t, sub, "after create")

		_, _ = s.UpdateDeployment(ctx, "p1", func(d *model.Deployment) error {
			d.Status = model.StatusSleeping
			return nil
		})
		expectSignal(t, sub, "after update")
	})

	t.Run("WatchCancelledByContext", func(t *testing.T) {
		s := factory(t)
		seed(t, s)
		ctx, cancel := context.WithCancel(context.Background())

		sub, err := s.Watch(ctx, "W1")
		if err != nil {
			t.Fatalf("Watch: %v", err)
		}
		cancel()

		select {
		case <-sub.Done():
		case <-time.After(2 * time.Second):
			t.Fatal("subscription not cancelled with its context")
		}
		sub.Cancel()
	})
}

func expectSignal(t *testing.T, sub *store.Subscription, what string) {
	t.Helper()
	select {
	case <-sub.C:
	case <-time.After(2 * time.Second):
		t.Fatalf("no watch signal %s", what)
	}
}

func ids(ds []model.Deployment) []string {
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = d.ID
	}
	return out
}
