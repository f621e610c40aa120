package deployment

import (
	"context"
	"fmt"

	"deplight/internal/history"
	"deplight/internal/model"
)

// RollbackController reverts a deployment to its previous release. It only
// runs on an explicit request, never as a side effect of a failed step.
type RollbackController struct {
	runner
	chat ChatNotifier
}

// NewRollbackController creates a controller. Pass the engine's LockManager
// in deps so a rollback and a deploy can never own the same deployment.
func NewRollbackController(deps Deps, chat ChatNotifier, cfg Config) *RollbackController {
	return &RollbackController{runner: newRunner(deps, cfg), chat: chat}
}

// StartRollback begins the rollback sequence. It fails with
// model.ErrConflict while a deploy or rollback is in flight.
func (c *RollbackController) StartRollback(ctx context.Context, id, actor string) (model.Deployment, error) {
	specs := RollbackSequence(c.cfg)
	d, err := c.claim(ctx, history.KindRollback, id, actor, func(d *model.Deployment) error {
		d.Status = model.StatusRollback
		d.PipelineSteps = initialSteps(specs)
		return nil
	})
	if err != nil {
		return model.Deployment{}, err
	}

	rn := c.begin(history.KindRollback, d, actor)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(rn, specs)
	}()
	return d, nil
}

func (c *RollbackController) run(rn *run, specs []StepSpec) {
	steps := append([]model.PipelineStep(nil), rn.d.PipelineSteps...)

	if err := rn.log(model.ChannelDeploy, "", fmt.Sprintf("Rolling back %s", rn.d.Version)); err != nil {
		rn.fault(err)
		return
	}

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

		rn.sleepStep(spec, 100, func(p int) {
			steps[i].Progress = p
			rn.progress(steps, fmt.Sprintf("%s %d%%", spec.Name, p))
		})

		steps[i].Status = model.StepCompleted
		steps[i].Progress = 100
		last := i+1 == len(steps)
		if !last {
			steps[i+1].Status = model.StepActive
		}
		err := rn.persist(func(d *model.Deployment) {
			d.PipelineSteps = append([]model.PipelineStep(nil), steps...)
			if last {
				d.Status = model.StatusHealthy
				d.Version = model.AnnotateRolledBack(d.Version)
			}
		})
		if err != nil {
			rn.fault(err)
			return
		}
		if err := rn.log(model.ChannelStep, spec.Kind, spec.Name+" completed"); err != nil {
			rn.fault(err)
			return
		}
		rn.progress(steps, spec.Name+" completed")
	}

	if err := rn.log(model.ChannelDeploy, "", fmt.Sprintf("Rollback complete, now serving %s", rn.d.Version)); err != nil {
		rn.fault(err)
		return
	}
	rn.publish(EventPipelineComplete, StatusEvent{ID: rn.d.ID, Status: model.StatusHealthy})

	if c.chat != nil {
		ctx, cancel := context.WithTimeout(rn.ctx, c.cfg.CallTimeout)
		err := c.chat.Notify(ctx, Notice{Kind: NoticeRolledBack, Deployment: rn.d.Clone(), Actor: rn.actor})
		cancel()
		if err != nil {
			rn.logger.Warn("integration failed", "deployment_id", rn.d.ID, "service", "chat", "error", rn.redact(err.Error()))
			_ = rn.log(model.ChannelIntegration, "", rn.redact((&model.IntegrationFailure{Service: "chat", Err: err}).Error()))
		}
	}
	rn.finish(history.StatusSuccess, nil)
}
