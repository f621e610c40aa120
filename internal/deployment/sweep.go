package deployment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"deplight/internal/model"
	"deplight/internal/store"
)

// Sweeper puts idle HEALTHY deployments to sleep. Run one per process.
type Sweeper struct {
	store     store.Store
	pub       Publisher
	locks     *LockManager
	interval  time.Duration
	threshold time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewSweeper creates a sweeper that checks every interval for deployments
// untouched for longer than threshold.
func NewSweeper(deps Deps, interval, threshold time.Duration) *Sweeper {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:     deps.Store,
		pub:       deps.Publisher,
		locks:     deps.Locks,
		interval:  interval,
		threshold: threshold,
		logger:    logger,
		now:       time.Now,
	}
}

// Run sweeps on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.SweepOnce(ctx); err != nil {
				s.logger.Error("hibernation sweep failed", "error", err)
			} else if n > 0 {
				s.logger.Info("hibernation sweep", "slept", n)
			}
		}
	}
}

// SweepOnce performs one pass and returns how many deployments went to sleep.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.threshold)
	idle, err := s.store.ListDeployments(ctx, store.Filter{
		Statuses:      []model.Status{model.StatusHealthy},
		UpdatedBefore: cutoff,
	})
	if err != nil {
		return 0, fmt.Errorf("list idle deployments: %w", err)
	}

	slept := 0
	for _, d := range idle {
		ok, err := s.hibernate(ctx, d.ID, cutoff)
		if err != nil {
			s.logger.Error("failed to hibernate deployment", "deployment_id", d.ID, "error", err)
			continue
		}
		if ok {
			slept++
		}
	}
	return slept, nil
}

func (s *Sweeper) hibernate(ctx context.Context, id string, cutoff time.Time) (bool, error) {
	// A run starting now owns the deployment; skip it this pass.
	if !s.locks.TryLock(id) {
		return false, nil
	}
	defer s.locks.Unlock(id)

	d, err := s.store.UpdateDeployment(ctx, id, func(d *model.Deployment) error {
		if d.Status != model.StatusHealthy || !d.UpdatedAt.Before(cutoff) {
			return errSkip
		}
		d.Status = model.StatusSleeping
		return nil
	})
	if errors.Is(err, errSkip) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	entry := model.LogEntry{
		Time:    s.now().UTC(),
		Message: fmt.Sprintf("%s went to sleep after %s idle", d.Version, s.threshold),
		Channel: model.ChannelSystem,
	}
	if err := s.store.AppendLog(ctx, d.ID, entry); err != nil {
		s.logger.Warn("failed to append log", "deployment_id", d.ID, "error", err)
	}
	if err := s.pub.Broadcast(d.WorkspaceID, EventNewLog, LogEvent{ID: d.ID, Log: entry}); err != nil {
		s.logger.Error("broadcast failed", "deployment_id", d.ID, "error", err)
	}
	return true, nil
}
