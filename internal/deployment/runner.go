package deployment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"deplight/internal/history"
	"deplight/internal/model"
	"deplight/internal/store"
	"deplight/pkg/cmdutil"
)

// Config tunes run timing and failure injection.
type Config struct {
	StepDuration     time.Duration
	ProgressTicks    int
	FailureRate      float64
	StepFailureRates map[model.StepKind]float64
	WakeDelay        time.Duration
	CallTimeout      time.Duration
	// ProgressNotices sends a chat notice after every completed step.
	ProgressNotices bool
	// CIPollInterval and CIWatchTimeout pace and bound the CI run watch.
	CIPollInterval time.Duration
	CIWatchTimeout time.Duration
}

// DefaultConfig returns the timings used by `serve` when nothing is configured.
func DefaultConfig() Config {
	return Config{
		StepDuration:   2 * time.Second,
		ProgressTicks:  4,
		WakeDelay:      time.Second,
		CallTimeout:    10 * time.Second,
		CIPollInterval: 5 * time.Second,
		CIWatchTimeout: 30 * time.Minute,
	}
}

// Recorder persists run outcomes.
type Recorder interface {
	Start(ctx context.Context, rec history.RunRecord) (int64, error)
	Finish(ctx context.Context, id int64, status history.RunStatus, runErr error) error
	Record(ctx context.Context, rec history.RunRecord) (int64, error)
}

// Observer is told when runs start and finish.
type Observer interface {
	RunStarted(kind history.RunKind)
	RunFinished(kind history.RunKind, status history.RunStatus)
}

// Deps are the collaborators shared by the engine and the rollback
// controller. Store, Publisher and Locks are required.
type Deps struct {
	Store     store.Store
	Publisher Publisher
	Locks     *LockManager
	History   Recorder
	Observer  Observer
	Logger    *slog.Logger
	// Secrets are masked in collaborator errors before they reach a log.
	Secrets []string
}

// runner holds what every run needs: persistence, event publishing and
// bookkeeping of the goroutines it starts.
type runner struct {
	store    store.Store
	pub      Publisher
	locks    *LockManager
	history  Recorder
	observer Observer
	logger   *slog.Logger
	secrets  []string
	cfg      Config
	now      func() time.Time
	wg       sync.WaitGroup
}

func newRunner(deps Deps, cfg Config) runner {
	if cfg.ProgressTicks <= 0 {
		cfg.ProgressTicks = 1
	}
	if cfg.CIWatchTimeout <= 0 {
		cfg.CIWatchTimeout = 30 * time.Minute
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return runner{
		store:    deps.Store,
		pub:      deps.Publisher,
		locks:    deps.Locks,
		history:  deps.History,
		observer: deps.Observer,
		logger:   logger,
		secrets:  deps.Secrets,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Wait blocks until every run started so far has finished.
func (r *runner) Wait() {
	r.wg.Wait()
}

func (r *runner) redact(text string) string {
	return cmdutil.SanitizeOutput(text, r.secrets)
}

// rejected records an attempt refused at the boundary.
func (r *runner) rejected(ctx context.Context, kind history.RunKind, d model.Deployment, actor string, err error) {
	if r.history == nil {
		return
	}
	msg := err.Error()
	_, herr := r.history.Record(ctx, history.RunRecord{
		DeploymentID: d.ID,
		WorkspaceID:  d.WorkspaceID,
		Kind:         kind,
		Status:       history.StatusRejected,
		Actor:        actor,
		Version:      d.Version,
		ErrorMessage: &msg,
	})
	if herr != nil {
		r.logger.Warn("failed to record rejected run", "deployment_id", d.ID, "error", herr)
	}
}

// claim takes the in-process lock and flips the deployment into an
// in-flight status with one atomic store update. The caller owns the
// lock on success.
func (r *runner) claim(ctx context.Context, kind history.RunKind, id, actor string, mutate func(*model.Deployment) error) (model.Deployment, error) {
	current, err := r.store.GetDeployment(ctx, id)
	if err != nil {
		return model.Deployment{}, err
	}
	// Resolve the owner before touching status so a dangling reference
	// is refused instead of ending in ERROR.
	if _, err := r.store.GetWorkspace(ctx, current.WorkspaceID); err != nil {
		return model.Deployment{}, fmt.Errorf("deployment %s: %w", id, err)
	}

	if !r.locks.TryLock(id) {
		err := fmt.Errorf("%w: deployment %s is %s", model.ErrConflict, id, current.Status)
		r.rejected(ctx, kind, current, actor, err)
		return model.Deployment{}, err
	}

	d, err := r.store.UpdateDeployment(ctx, id, func(d *model.Deployment) error {
		if d.Status.InFlight() {
			return fmt.Errorf("%w: deployment %s is %s", model.ErrConflict, d.ID, d.Status)
		}
		return mutate(d)
	})
	if err != nil {
		r.locks.Unlock(id)
		if errors.Is(err, model.ErrConflict) {
			r.rejected(ctx, kind, d, actor, err)
		}
		return model.Deployment{}, err
	}
	return d, nil
}

// run is the state of one deploy, wake or rollback invocation. Its step
// array is scratch state owned by the goroutine executing the run.
type run struct {
	*runner
	ctx     context.Context
	kind    history.RunKind
	d       model.Deployment
	actor   string
	recID   int64
	started time.Time
}

func (r *runner) begin(kind history.RunKind, d model.Deployment, actor string) *run {
	ctx := context.Background()
	rn := &run{runner: r, ctx: ctx, kind: kind, d: d, actor: actor, started: r.now()}
	if r.history != nil {
		id, err := r.history.Start(ctx, history.RunRecord{
			DeploymentID: d.ID,
			WorkspaceID:  d.WorkspaceID,
			Kind:         kind,
			Actor:        actor,
			Version:      d.Version,
		})
		if err != nil {
			r.logger.Warn("failed to record run start", "deployment_id", d.ID, "error", err)
		}
		rn.recID = id
	}
	if r.observer != nil {
		r.observer.RunStarted(kind)
	}
	r.logger.Info("run started",
		"deployment_id", d.ID,
		"workspace_id", d.WorkspaceID,
		"kind", kind,
		"actor", actor)
	return rn
}

// finish releases the deployment and closes the history record.
func (rn *run) finish(status history.RunStatus, runErr error) {
	defer rn.locks.Unlock(rn.d.ID)

	if rn.history != nil && rn.recID != 0 {
		if err := rn.history.Finish(rn.ctx, rn.recID, status, runErr); err != nil {
			rn.logger.Warn("failed to record run result", "deployment_id", rn.d.ID, "error", err)
		}
	}
	if rn.observer != nil {
		rn.observer.RunFinished(rn.kind, status)
	}
	rn.logger.Info("run finished",
		"deployment_id", rn.d.ID,
		"kind", rn.kind,
		"status", status,
		"duration_ms", rn.now().Sub(rn.started).Milliseconds())
}

// persist applies mutate to the stored deployment and keeps the result.
func (rn *run) persist(mutate func(*model.Deployment)) error {
	d, err := rn.store.UpdateDeployment(rn.ctx, rn.d.ID, func(d *model.Deployment) error {
		mutate(d)
		return nil
	})
	if err != nil {
		return err
	}
	rn.d = d
	return nil
}

// saveSteps writes the scratch step array, and status if non-empty.
func (rn *run) saveSteps(steps []model.PipelineStep, status model.Status) error {
	return rn.persist(func(d *model.Deployment) {
		d.PipelineSteps = append([]model.PipelineStep(nil), steps...)
		if status != "" {
			d.Status = status
		}
	})
}

// log appends an entry to the deployment's log and streams it to the room.
func (rn *run) log(channel model.LogChannel, step model.StepKind, msg string) error {
	return rn.appendLog(rn.d.ID, rn.d.WorkspaceID, channel, step, msg)
}

func (r *runner) appendLog(id, workspaceID string, channel model.LogChannel, step model.StepKind, msg string) error {
	entry := model.LogEntry{Time: r.now().UTC(), Message: msg, Channel: channel, Step: step}
	if err := r.store.AppendLog(context.Background(), id, entry); err != nil {
		return err
	}
	if err := r.pub.Broadcast(workspaceID, EventNewLog, LogEvent{ID: id, Log: entry}); err != nil {
		r.logger.Error("broadcast failed", "deployment_id", id, "event", EventNewLog, "error", err)
	}
	return nil
}

func (rn *run) progress(steps []model.PipelineStep, msg string) {
	rn.publish(EventPipelineUpdate, PipelineUpdate{
		ID:              rn.d.ID,
		Steps:           append([]model.PipelineStep(nil), steps...),
		OverallProgress: model.OverallProgress(steps),
		Message:         msg,
	})
}

func (rn *run) publish(event string, payload any) {
	if err := rn.pub.Broadcast(rn.d.WorkspaceID, event, payload); err != nil {
		rn.logger.Error("broadcast failed",
			"deployment_id", rn.d.ID,
			"event", event,
			"error", err)
	}
}

// checkOwner re-resolves the owning workspace before a step starts.
func (rn *run) checkOwner() error {
	if _, err := rn.store.GetWorkspace(rn.ctx, rn.d.WorkspaceID); err != nil {
		return fmt.Errorf("resolve workspace %s: %w", rn.d.WorkspaceID, err)
	}
	return nil
}

// fault aborts the run: any active step is failed and the deployment is
// left in ERROR.
func (rn *run) fault(err error) {
	fault := &model.InternalFault{DeploymentID: rn.d.ID, Err: err}
	rn.logger.Error("run aborted", "deployment_id", rn.d.ID, "kind", rn.kind, "error", fault)

	perr := rn.persist(func(d *model.Deployment) {
		for i := range d.PipelineSteps {
			if d.PipelineSteps[i].Status == model.StepActive {
				d.PipelineSteps[i].Status = model.StepFailed
			}
		}
		d.Status = model.StatusError
	})
	if perr != nil {
		rn.logger.Error("failed to mark deployment ERROR", "deployment_id", rn.d.ID, "error", perr)
	} else {
		rn.progress(rn.d.PipelineSteps, "internal error, run aborted")
		rn.publish(EventPipelineComplete, StatusEvent{ID: rn.d.ID, Status: model.StatusError})
		if lerr := rn.log(model.ChannelError, "", "Run aborted: internal error"); lerr != nil {
			rn.logger.Warn("failed to append log", "deployment_id", rn.d.ID, "error", lerr)
		}
	}
	rn.finish(history.StatusError, fault)
}

// sleepStep spreads a step's duration over the configured progress ticks,
// calling tick after each slice with the new progress. It returns without
// sleeping once the next tick would pass stopAt.
func (rn *run) sleepStep(spec StepSpec, stopAt int, tick func(progress int)) {
	ticks := rn.cfg.ProgressTicks
	slice := spec.Duration / time.Duration(ticks)
	for i := 1; i <= ticks; i++ {
		p := i * 100 / ticks
		if p > stopAt {
			return
		}
		sleepFor(slice)
		tick(p)
	}
}

func sleepFor(d time.Duration) {
	if d > 0 {
		time.Sleep(d)
	}
}
