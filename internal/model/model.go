// Package model defines the workspace and deployment records shared by the
// store, the real-time layer and the pipeline engine.
package model

import (
	"slices"
	"time"
)

// Status is the deployment-level lifecycle state.
type Status string

const (
	StatusHealthy   Status = "HEALTHY"
	StatusSleeping  Status = "SLEEPING"
	StatusDeploying Status = "DEPLOYING"
	StatusRollback  Status = "ROLLBACK"
	StatusFailed    Status = "FAILED"
	StatusError     Status = "ERROR"
)

// InFlight reports whether a deploy or rollback owns the deployment.
func (s Status) InFlight() bool {
	return s == StatusDeploying || s == StatusRollback
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusHealthy, StatusSleeping, StatusDeploying, StatusRollback, StatusFailed, StatusError:
		return true
	}
	return false
}

// Workspace is a team-scoped container of deployments and members.
type Workspace struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Members   []string  `json:"members"`
	CreatedAt time.Time `json:"createdAt"`
}

// HasMember reports whether identity belongs to the workspace.
func (w Workspace) HasMember(identity string) bool {
	return identity != "" && slices.Contains(w.Members, identity)
}

// Deployment is the unit under orchestration (a "plant" on the client side).
type Deployment struct {
	ID            string         `json:"id"`
	WorkspaceID   string         `json:"workspaceId"`
	Version       string         `json:"version"`
	Description   string         `json:"description"`
	GitURL        string         `json:"gitUrl,omitempty"`
	Branch        string         `json:"branch,omitempty"`
	CreatedBy     string         `json:"createdBy,omitempty"`
	Status        Status         `json:"status"`
	PipelineSteps []PipelineStep `json:"pipelineSteps"`
	Reactions     []string       `json:"reactions"`
	AIInsight     *string        `json:"aiInsight"`
	CIRunURL      string         `json:"ciRunUrl,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

// Clone returns a deep copy so callers can mutate without aliasing store state.
func (d Deployment) Clone() Deployment {
	c := d
	c.PipelineSteps = slices.Clone(d.PipelineSteps)
	c.Reactions = slices.Clone(d.Reactions)
	if d.AIInsight != nil {
		insight := *d.AIInsight
		c.AIInsight = &insight
	}
	return c
}

// SetInsight replaces the generated insight text.
func (d *Deployment) SetInsight(text string) {
	d.AIInsight = &text
}

// LogEntry is one line of a deployment's (or the global) log stream.
type LogEntry struct {
	Time    time.Time  `json:"time"`
	Message string     `json:"message"`
	Channel LogChannel `json:"status"`
	Step    StepKind   `json:"step,omitempty"`
}

// LogChannel tags a log entry for routing and rendering.
type LogChannel string

const (
	ChannelStep         LogChannel = "STEP"
	ChannelDeploy       LogChannel = "DEPLOY"
	ChannelError        LogChannel = "ERROR"
	ChannelInsight      LogChannel = "INSIGHT"
	ChannelIntegration  LogChannel = "INTEGRATION"
	ChannelCommand      LogChannel = "COMMAND"
	ChannelConsole      LogChannel = "CONSOLE"
	ChannelConsoleError LogChannel = "CONSOLE_ERROR"
	ChannelTrafficHit   LogChannel = "TRAFFIC_HIT"
	ChannelSystem       LogChannel = "SYSTEM"
)

// Global reports whether entries on this channel belong to the
// workspace-independent stream rather than to one deployment.
func (c LogChannel) Global() bool {
	switch c {
	case ChannelCommand, ChannelConsole, ChannelConsoleError, ChannelTrafficHit:
		return true
	}
	return false
}
