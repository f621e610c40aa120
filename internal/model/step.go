package model

import "fmt"

// StepKind identifies one stage of the deploy or rollback state machine.
type StepKind string

const (
	StepLint   StepKind = "lint"
	StepTest   StepKind = "test"
	StepBuild  StepKind = "build"
	StepDeploy StepKind = "deploy"
	StepRoute  StepKind = "route"

	StepRollbackInitiate StepKind = "rollback_initiate"
	StepTrafficCutover   StepKind = "traffic_cutover"
	StepCleanup          StepKind = "cleanup"
)

// StepStatus is the state of a single pipeline step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepActive    StepStatus = "active"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// PipelineStep is one ordered stage with its progress (0-100).
type PipelineStep struct {
	ID       StepKind   `json:"id"`
	Name     string     `json:"name"`
	Status   StepStatus `json:"status"`
	Progress int        `json:"progress"`
}

// OverallProgress is completed*100 plus the active step's progress, over the
// step count. It never decreases while steps advance in order.
func OverallProgress(steps []PipelineStep) int {
	if len(steps) == 0 {
		return 0
	}
	total := 0
	for _, s := range steps {
		switch s.Status {
		case StepCompleted:
			total += 100
		case StepActive, StepFailed:
			total += clampProgress(s.Progress)
		}
	}
	return total / len(steps)
}

// ActiveStep returns the index of the active step, or -1.
func ActiveStep(steps []PipelineStep) int {
	for i, s := range steps {
		if s.Status == StepActive {
			return i
		}
	}
	return -1
}

// CompleteAll marks every step completed at 100%.
func CompleteAll(steps []PipelineStep) {
	for i := range steps {
		steps[i].Status = StepCompleted
		steps[i].Progress = 100
	}
}

// CheckConsistency verifies the status/step invariants of a deployment.
func CheckConsistency(d Deployment) error {
	active := 0
	allCompleted := true
	failedAt := -1
	for i, s := range d.PipelineSteps {
		if s.Progress < 0 || s.Progress > 100 {
			return fmt.Errorf("step %s: progress %d out of range", s.ID, s.Progress)
		}
		switch s.Status {
		case StepActive:
			active++
		case StepFailed:
			if failedAt < 0 {
				failedAt = i
			}
		}
		if s.Status != StepCompleted {
			allCompleted = false
		}
		if failedAt >= 0 && i > failedAt && s.Status != StepPending {
			return fmt.Errorf("step %s ran after failed step %s", s.ID, d.PipelineSteps[failedAt].ID)
		}
	}
	if active > 1 {
		return fmt.Errorf("%d steps active, want at most one", active)
	}
	switch d.Status {
	case StatusDeploying:
		if active == 0 && !allCompleted {
			return fmt.Errorf("status %s with no active step", d.Status)
		}
	case StatusHealthy, StatusFailed, StatusError:
		if active != 0 {
			return fmt.Errorf("status %s with an active step", d.Status)
		}
	}
	return nil
}

func clampProgress(p int) int {
	return max(0, min(100, p))
}
