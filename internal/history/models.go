package history

import "time"

// RunKind is the operation a run performed.
type RunKind string

const (
	KindDeploy   RunKind = "deploy"
	KindWake     RunKind = "wake"
	KindRollback RunKind = "rollback"
)

// RunStatus is the outcome of a run.
type RunStatus string

const (
	StatusInProgress RunStatus = "in_progress"
	StatusSuccess    RunStatus = "success"
	StatusFailed     RunStatus = "failed"
	StatusError      RunStatus = "error"
	StatusRejected   RunStatus = "rejected"
)

// RunRecord is one deploy, wake or rollback run, or a rejected attempt.
type RunRecord struct {
	ID              int64      `json:"id"`
	DeploymentID    string     `json:"deployment_id"`
	WorkspaceID     string     `json:"workspace_id"`
	Kind            RunKind    `json:"kind"`
	Status          RunStatus  `json:"status"`
	Actor           string     `json:"actor,omitempty"`
	Version         string     `json:"version,omitempty"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	DurationSeconds *float64   `json:"duration_seconds,omitempty"`
	ErrorMessage    *string    `json:"error_message,omitempty"`
}
