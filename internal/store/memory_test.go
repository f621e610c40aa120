package store_test

import (
	"context"
	"testing"

	"deplight/internal/model"
	"deplight/internal/store"
	"deplight/internal/store/storetest"
)

func TestMemory(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return store.NewMemory()
	})
}

func TestMemoryReturnsCopies(t *testing.T) {
	s := store.NewMemory()
	ctx := context.Background()
	_ = s.CreateWorkspace(ctx, model.Workspace{ID: "W1", Name: "One"})
	_ = s.CreateDeployment(ctx, model.Deployment{
		ID:            "p1",
		WorkspaceID:   "W1",
		Status:        model.StatusHealthy,
		PipelineSteps: model.NewSteps([]model.StepKind{model.StepLint}, map[model.StepKind]string{model.StepLint: "Lint"}),
	})

	got, _ := s.GetDeployment(ctx, "p1")
	got.PipelineSteps[0].Status = model.StepFailed

	again, _ := s.GetDeployment(ctx, "p1")
	if again.PipelineSteps[0].Status != model.StepPending {
		t.Fatalf("store state aliased by caller: %q", again.PipelineSteps[0].Status)
	}
}

func TestMemoryWatchers(t *testing.T) {
	s := store.NewMemory()
	sub, _ := s.Watch(context.Background(), "W1")
	if n := s.Watchers("W1"); n != 1 {
		t.Fatalf("Watchers = %d, want 1", n)
	}
	sub.Cancel()
	sub.Cancel()
	if n := s.Watchers("W1"); n != 0 {
		t.Fatalf("Watchers after cancel = %d, want 0", n)
	}
}
