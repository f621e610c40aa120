// Package deployment runs the deploy pipeline, the wake shortcut, the
// rollback sequence and the hibernation sweep against the record store.
package deployment

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"deplight/internal/history"
	"deplight/internal/model"
	"deplight/internal/store"
)

// CITrigger starts an external CI run for a deployment and returns its URL.
type CITrigger interface {
	Trigger(ctx context.Context, d model.Deployment) (string, error)
}

// CIJob is one job of an external CI run.
type CIJob struct {
	Name       string
	Status     string
	Conclusion string
}

// CIStatus is a snapshot of an external CI run. Status is queued,
// in_progress or completed; Conclusion is set once completed.
type CIStatus struct {
	Status     string
	Conclusion string
	Jobs       []CIJob
}

// Completed reports whether the run has concluded.
func (s CIStatus) Completed() bool {
	return s.Status == "completed"
}

// Summary renders the status as one log line.
func (s CIStatus) Summary() string {
	var b strings.Builder
	b.WriteString("CI run ")
	b.WriteString(s.Status)
	if s.Conclusion != "" {
		b.WriteString(": ")
		b.WriteString(s.Conclusion)
	}
	for i, job := range s.Jobs {
		if i == 0 {
			b.WriteString(" [")
		} else {
			b.WriteString(", ")
		}
		state := job.Status
		if job.Conclusion != "" {
			state = job.Conclusion
		}
		fmt.Fprintf(&b, "%s=%s", job.Name, state)
		if i == len(s.Jobs)-1 {
			b.WriteString("]")
		}
	}
	return b.String()
}

// CIWatcher reports the state of a CI run by the URL Trigger returned.
type CIWatcher interface {
	RunStatus(ctx context.Context, runURL string) (CIStatus, error)
}

// NoticeKind is the lifecycle moment a chat notice reports.
type NoticeKind string

const (
	NoticeStarted    NoticeKind = "started"
	NoticeProgress   NoticeKind = "progress"
	NoticeSucceeded  NoticeKind = "succeeded"
	NoticeFailed     NoticeKind = "failed"
	NoticeRolledBack NoticeKind = "rolled_back"
)

// Notice is one chat notification.
type Notice struct {
	Kind       NoticeKind
	Deployment model.Deployment
	Step       model.StepKind
	Actor      string
}

// ChatNotifier posts deployment notices to a team channel.
type ChatNotifier interface {
	Notify(ctx context.Context, n Notice) error
}

// InsightProvider explains a problem in plain language.
type InsightProvider interface {
	Insight(ctx context.Context, d model.Deployment, problem string) (string, error)
}

// Integrations are optional external collaborators of the engine.
type Integrations struct {
	CI      CITrigger
	CIWatch CIWatcher
	Chat    ChatNotifier
	Insight InsightProvider
}

// DeployRequest is a start-deploy command after validation and
// authorization. A non-empty ID targets an existing deployment.
type DeployRequest struct {
	WorkspaceID string
	GitURL      string
	Branch      string
	Version     string
	Description string
	ID          string
	IsWakeUp    bool
	Actor       string
}

// DefaultVersion is used when a deploy request names no version.
const DefaultVersion = "latest"

// Engine is the deployment state machine.
type Engine struct {
	runner
	integrations Integrations
	rand         func() float64
	newID        func() string

	watchCtx  context.Context
	stopWatch context.CancelFunc
	watchers  sync.WaitGroup
}

// NewEngine creates an engine.
func NewEngine(deps Deps, integrations Integrations, cfg Config) *Engine {
	watchCtx, stopWatch := context.WithCancel(context.Background())
	return &Engine{
		runner:       newRunner(deps, cfg),
		integrations: integrations,
		rand:         rand.Float64,
		newID:        uuid.NewString,
		watchCtx:     watchCtx,
		stopWatch:    stopWatch,
	}
}

// Close stops the CI watchers and waits for them. Runs are not affected;
// use Wait for those.
func (e *Engine) Close() {
	e.stopWatch()
	e.watchers.Wait()
}

// StartDeploy creates a new deployment and starts its pipeline, or, when
// req.ID is set, redeploys or wakes that deployment.
func (e *Engine) StartDeploy(ctx context.Context, req DeployRequest) (model.Deployment, error) {
	if req.ID != "" {
		if req.IsWakeUp {
			return e.Wake(ctx, req.ID, req.Actor)
		}
		return e.Redeploy(ctx, req)
	}

	ws, err := e.store.GetWorkspace(ctx, req.WorkspaceID)
	if err != nil {
		return model.Deployment{}, fmt.Errorf("resolve workspace: %w", err)
	}
	if len(ws.Members) == 0 {
		return model.Deployment{}, model.Validationf("workspace %s has no members", ws.ID)
	}

	specs := DefaultPipeline(e.cfg)
	d := model.Deployment{
		ID:            e.newID(),
		WorkspaceID:   ws.ID,
		Version:       req.Version,
		Description:   req.Description,
		GitURL:        req.GitURL,
		Branch:        req.Branch,
		CreatedBy:     req.Actor,
		Status:        model.StatusDeploying,
		PipelineSteps: initialSteps(specs),
		Reactions:     []string{},
	}
	if d.Version == "" {
		d.Version = DefaultVersion
	}

	if !e.locks.TryLock(d.ID) {
		return model.Deployment{}, fmt.Errorf("%w: deployment %s", model.ErrConflict, d.ID)
	}
	if err := e.store.CreateDeployment(ctx, d); err != nil {
		e.locks.Unlock(d.ID)
		return model.Deployment{}, fmt.Errorf("create deployment: %w", err)
	}
	created, err := e.store.GetDeployment(ctx, d.ID)
	if err != nil {
		e.locks.Unlock(d.ID)
		return model.Deployment{}, fmt.Errorf("reload deployment: %w", err)
	}

	e.launch(created, specs, req.Actor)
	return created, nil
}

// Redeploy runs the pipeline again on an existing deployment.
func (e *Engine) Redeploy(ctx context.Context, req DeployRequest) (model.Deployment, error) {
	specs := DefaultPipeline(e.cfg)
	d, err := e.claim(ctx, history.KindDeploy, req.ID, req.Actor, func(d *model.Deployment) error {
		d.Status = model.StatusDeploying
		d.PipelineSteps = initialSteps(specs)
		d.AIInsight = nil
		d.CIRunURL = ""
		if req.Version != "" {
			d.Version = req.Version
		}
		if req.Description != "" {
			d.Description = req.Description
		}
		if req.GitURL != "" {
			d.GitURL = req.GitURL
		}
		if req.Branch != "" {
			d.Branch = req.Branch
		}
		return nil
	})
	if err != nil {
		return model.Deployment{}, err
	}

	e.launch(d, specs, req.Actor)
	return d, nil
}

// Wake brings a SLEEPING or FAILED deployment back to HEALTHY without
// running the steps.
func (e *Engine) Wake(ctx context.Context, id, actor string) (model.Deployment, error) {
	d, err := e.claim(ctx, history.KindWake, id, actor, func(d *model.Deployment) error {
		if d.Status != model.StatusSleeping && d.Status != model.StatusFailed {
			return model.Validationf("deployment %s is %s; only SLEEPING or FAILED deployments can be woken", d.ID, d.Status)
		}
		model.CompleteAll(d.PipelineSteps)
		d.Status = model.StatusDeploying
		return nil
	})
	if err != nil {
		return model.Deployment{}, err
	}

	rn := e.begin(history.KindWake, d, actor)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runWake(rn)
	}()
	return d, nil
}

func (e *Engine) launch(d model.Deployment, specs []StepSpec, actor string) {
	rn := e.begin(history.KindDeploy, d, actor)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runPipeline(rn, specs)
	}()
}

func (e *Engine) runWake(rn *run) {
	if err := rn.log(model.ChannelDeploy, "", fmt.Sprintf("Waking %s", rn.d.Version)); err != nil {
		rn.fault(err)
		return
	}
	rn.progress(rn.d.PipelineSteps, "waking up")

	sleepFor(e.cfg.WakeDelay)

	if err := rn.checkOwner(); err != nil {
		rn.fault(err)
		return
	}
	if err := rn.persist(func(d *model.Deployment) { d.Status = model.StatusHealthy }); err != nil {
		rn.fault(err)
		return
	}
	if err := rn.log(model.ChannelDeploy, "", fmt.Sprintf("%s is awake", rn.d.Version)); err != nil {
		rn.fault(err)
		return
	}
	rn.publish(EventPipelineComplete, StatusEvent{ID: rn.d.ID, Status: model.StatusHealthy})
	rn.finish(history.StatusSuccess, nil)
}

// runPipeline executes the steps in order. Step k+1 is activated only by
// the same write that completes step k.
func (e *Engine) runPipeline(rn *run, specs []StepSpec) {
	steps := append([]model.PipelineStep(nil), rn.d.PipelineSteps...)

	if err := rn.log(model.ChannelDeploy, "", fmt.Sprintf("Deploying %s", rn.d.Version)); err != nil {
		rn.fault(err)
		return
	}
	e.notify(rn, NoticeStarted, "")
	e.triggerCI(rn)

	for i, spec := range specs {
		if err := rn.checkOwner(); err != nil {
			rn.fault(err)
			return
		}
		if err := rn.log(model.ChannelStep, spec.Kind, spec.Message); err != nil {
			rn.fault(err)
			return
		}
		rn.progress(steps, spec.Name)

		failed := spec.FailureRate > 0 && e.rand() < spec.FailureRate
		stopAt := 100
		if failed {
			stopAt = 50
		}
		rn.sleepStep(spec, stopAt, func(p int) {
			steps[i].Progress = p
			rn.progress(steps, fmt.Sprintf("%s %d%%", spec.Name, p))
		})

		if failed {
			e.failStep(rn, steps, i, spec)
			return
		}

		steps[i].Status = model.StepCompleted
		steps[i].Progress = 100
		status := model.Status("")
		if i+1 < len(steps) {
			steps[i+1].Status = model.StepActive
		} else {
			status = model.StatusHealthy
		}
		if err := rn.saveSteps(steps, status); err != nil {
			rn.fault(err)
			return
		}
		if err := rn.log(model.ChannelStep, spec.Kind, spec.Name+" completed"); err != nil {
			rn.fault(err)
			return
		}
		rn.progress(steps, spec.Name+" completed")
		if e.cfg.ProgressNotices {
			e.notify(rn, NoticeProgress, spec.Kind)
		}
	}

	if err := rn.log(model.ChannelDeploy, "", fmt.Sprintf("%s is live", rn.d.Version)); err != nil {
		rn.fault(err)
		return
	}
	rn.publish(EventPipelineComplete, StatusEvent{ID: rn.d.ID, Status: model.StatusHealthy})
	e.notify(rn, NoticeSucceeded, "")
	rn.finish(history.StatusSuccess, nil)
}

// failStep records a modeled step failure and stops at the approval gate.
func (e *Engine) failStep(rn *run, steps []model.PipelineStep, i int, spec StepSpec) {
	failure := &model.StepFailure{Step: spec.Kind}
	steps[i].Status = model.StepFailed

	if err := rn.saveSteps(steps, model.StatusFailed); err != nil {
		rn.fault(err)
		return
	}
	if err := rn.log(model.ChannelError, spec.Kind, fmt.Sprintf("%s failed", spec.Name)); err != nil {
		rn.fault(err)
		return
	}
	e.explain(rn, fmt.Sprintf("The %s step failed while deploying %s.", spec.Kind, rn.d.Version))

	rn.progress(steps, "awaiting rollback approval")
	rn.publish(EventRollbackRequired, StatusEvent{ID: rn.d.ID, Status: model.StatusFailed})
	e.notify(rn, NoticeFailed, spec.Kind)
	rn.finish(history.StatusFailed, failure)
}

func (e *Engine) triggerCI(rn *run) {
	if e.integrations.CI == nil || rn.d.GitURL == "" {
		return
	}
	ctx, cancel := context.WithTimeout(rn.ctx, e.cfg.CallTimeout)
	defer cancel()

	url, err := e.integrations.CI.Trigger(ctx, rn.d)
	if err != nil {
		e.integrationFailed(rn, "ci", err)
		return
	}
	if url == "" {
		_ = rn.log(model.ChannelIntegration, "", "CI workflow dispatched; run not visible yet")
		return
	}
	if err := rn.persist(func(d *model.Deployment) { d.CIRunURL = url }); err != nil {
		rn.logger.Warn("failed to store CI run URL", "deployment_id", rn.d.ID, "error", err)
		return
	}
	_ = rn.log(model.ChannelIntegration, "", "CI run started: "+url)

	if e.integrations.CIWatch != nil {
		id, workspaceID := rn.d.ID, rn.d.WorkspaceID
		e.watchers.Add(1)
		go func() {
			defer e.watchers.Done()
			e.watchCI(id, workspaceID, url)
		}()
	}
}

// watchCI polls the CI run and appends an INTEGRATION entry whenever its
// state changes, until it concludes, fails to answer, or the watch times out.
// It outlives the pipeline run, so it never touches the run's state.
func (e *Engine) watchCI(id, workspaceID, runURL string) {
	ctx, cancel := context.WithTimeout(e.watchCtx, e.cfg.CIWatchTimeout)
	defer cancel()

	interval := e.cfg.CIPollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	last := ""
	for {
		callCtx, callCancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
		status, err := e.integrations.CIWatch.RunStatus(callCtx, runURL)
		callCancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.logger.Warn("integration failed", "deployment_id", id, "service", "ci", "error", e.redact(err.Error()))
			failure := &model.IntegrationFailure{Service: "ci", Err: err}
			if lerr := e.appendLog(id, workspaceID, model.ChannelIntegration, "", e.redact(failure.Error())); lerr != nil {
				e.logger.Warn("failed to append log", "deployment_id", id, "error", lerr)
			}
			return
		}

		if line := status.Summary(); line != last {
			last = line
			if err := e.appendLog(id, workspaceID, model.ChannelIntegration, "", line); err != nil {
				e.logger.Warn("failed to append log", "deployment_id", id, "error", err)
				return
			}
		}
		if status.Completed() {
			return
		}

		timer := time.NewTimer(interval)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

func (e *Engine) notify(rn *run, kind NoticeKind, step model.StepKind) {
	if e.integrations.Chat == nil {
		return
	}
	ctx, cancel := context.WithTimeout(rn.ctx, e.cfg.CallTimeout)
	defer cancel()

	n := Notice{Kind: kind, Deployment: rn.d.Clone(), Step: step, Actor: rn.actor}
	if err := e.integrations.Chat.Notify(ctx, n); err != nil {
		e.integrationFailed(rn, "chat", err)
	}
}

// integrationFailed records a collaborator error. The run continues.
func (e *Engine) integrationFailed(rn *run, service string, err error) {
	failure := &model.IntegrationFailure{Service: service, Err: err}
	rn.logger.Warn("integration failed", "deployment_id", rn.d.ID, "service", service, "error", e.redact(err.Error()))
	if lerr := rn.log(model.ChannelIntegration, "", e.redact(failure.Error())); lerr != nil {
		rn.logger.Warn("failed to append log", "deployment_id", rn.d.ID, "error", lerr)
	}
	e.explain(rn, e.redact(fmt.Sprintf("The %s integration failed: %v", service, err)))
}

// explain asks the insight provider about a problem and stores the answer.
func (e *Engine) explain(rn *run, problem string) {
	if e.integrations.Insight == nil {
		return
	}
	ctx, cancel := context.WithTimeout(rn.ctx, e.cfg.CallTimeout)
	defer cancel()

	text, err := e.integrations.Insight.Insight(ctx, rn.d, problem)
	if err != nil {
		rn.logger.Warn("insight unavailable", "deployment_id", rn.d.ID, "error", err)
		_ = rn.log(model.ChannelIntegration, "", e.redact((&model.IntegrationFailure{Service: "insight", Err: err}).Error()))
		return
	}
	if err := rn.persist(func(d *model.Deployment) { d.SetInsight(text) }); err != nil {
		rn.logger.Warn("failed to store insight", "deployment_id", rn.d.ID, "error", err)
		return
	}
	_ = rn.log(model.ChannelInsight, "", text)
}

// Recover marks deployments left in flight by a previous process as ERROR.
// It must run before any new run starts.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	stale, err := e.store.ListDeployments(ctx, store.Filter{
		Statuses: []model.Status{model.StatusDeploying, model.StatusRollback},
	})
	if err != nil {
		return 0, fmt.Errorf("list in-flight deployments: %w", err)
	}
	n := 0
	for _, d := range stale {
		if e.locks.Held(d.ID) {
			continue
		}
		_, err := e.store.UpdateDeployment(ctx, d.ID, func(d *model.Deployment) error {
			if !d.Status.InFlight() {
				return errSkip
			}
			for i := range d.PipelineSteps {
				if d.PipelineSteps[i].Status == model.StepActive {
					d.PipelineSteps[i].Status = model.StepFailed
				}
			}
			d.Status = model.StatusError
			return nil
		})
		if errors.Is(err, errSkip) {
			continue
		}
		if err != nil {
			return n, fmt.Errorf("recover deployment %s: %w", d.ID, err)
		}
		e.logger.Warn("interrupted run marked ERROR", "deployment_id", d.ID, "status", d.Status)
		n++
	}
	return n, nil
}

var errSkip = errors.New("skip")
