package deployment

import (
	"deplight/internal/model"
)

// Server-sent event names.
const (
	EventPipelineUpdate   = "pipeline-update"
	EventPipelineComplete = "pipeline-complete"
	EventRollbackRequired = "rollback-required"
	EventNewLog           = "new-log"
)

// PipelineUpdate is broadcast on every step transition and progress tick.
type PipelineUpdate struct {
	ID              string               `json:"id"`
	Steps           []model.PipelineStep `json:"steps"`
	OverallProgress int                  `json:"overallProgress"`
	Message         string               `json:"message"`
}

// StatusEvent is the payload of the terminal signals.
type StatusEvent struct {
	ID     string       `json:"id"`
	Status model.Status `json:"status"`
}

// LogEvent carries one log entry. ID is empty for global entries.
type LogEvent struct {
	ID  string         `json:"id"`
	Log model.LogEntry `json:"log"`
}

// Publisher delivers events to the sessions enrolled in a workspace.
type Publisher interface {
	Broadcast(workspaceID, event string, payload any) error
}
