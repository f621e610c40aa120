package deployment

import (
	"time"

	"deplight/internal/model"
)

// StepSpec describes one stage of a run.
type StepSpec struct {
	Kind        model.StepKind
	Name        string
	Message     string
	Duration    time.Duration
	FailureRate float64
}

// DefaultPipeline is lint, test, build, deploy, route. Per-step failure
// rates override the global rate.
func DefaultPipeline(cfg Config) []StepSpec {
	specs := []StepSpec{
		{Kind: model.StepLint, Name: "Linting", Message: "Running linters"},
		{Kind: model.StepTest, Name: "Testing", Message: "Running the test suite"},
		{Kind: model.StepBuild, Name: "Building", Message: "Building the release image"},
		{Kind: model.StepDeploy, Name: "Deploying", Message: "Deploying the green release"},
		{Kind: model.StepRoute, Name: "Routing", Message: "Shifting traffic to green"},
	}
	for i := range specs {
		specs[i].Duration = cfg.StepDuration
		specs[i].FailureRate = cfg.FailureRate
		if rate, ok := cfg.StepFailureRates[specs[i].Kind]; ok {
			specs[i].FailureRate = rate
		}
	}
	return specs
}

// RollbackSequence is rollback-initiate, traffic-cutover, cleanup. Rollback
// steps never fail.
func RollbackSequence(cfg Config) []StepSpec {
	specs := []StepSpec{
		{Kind: model.StepRollbackInitiate, Name: "Initiating rollback", Message: "Restoring the previous release"},
		{Kind: model.StepTrafficCutover, Name: "Traffic cutover", Message: "Moving traffic back to blue"},
		{Kind: model.StepCleanup, Name: "Cleanup", Message: "Tearing down the green release"},
	}
	for i := range specs {
		specs[i].Duration = cfg.StepDuration
	}
	return specs
}

// initialSteps returns the step array for a fresh run with the first
// step already active.
func initialSteps(specs []StepSpec) []model.PipelineStep {
	steps := make([]model.PipelineStep, len(specs))
	for i, s := range specs {
		steps[i] = model.PipelineStep{ID: s.Kind, Name: s.Name, Status: model.StepPending}
	}
	if len(steps) > 0 {
		steps[0].Status = model.StepActive
	}
	return steps
}
