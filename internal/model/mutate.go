package model

import "strings"

// RolledBackMarker is appended to a version once it has been rolled back.
const RolledBackMarker = " (rolled back)"

// AnnotateRolledBack appends the rollback marker unless already present.
func AnnotateRolledBack(version string) string {
	if strings.HasSuffix(version, RolledBackMarker) {
		return version
	}
	return version + RolledBackMarker
}

// NewSteps builds a pending step array from (kind, name) pairs.
func NewSteps(kinds []StepKind, names map[StepKind]string) []PipelineStep {
	steps := make([]PipelineStep, len(kinds))
	for i, k := range kinds {
		name := names[k]
		if name == "" {
			name = string(k)
		}
		steps[i] = PipelineStep{ID: k, Name: name, Status: StepPending}
	}
	return steps
}

// AddReaction appends an emoji reaction.
func (d *Deployment) AddReaction(emoji string) {
	d.Reactions = append(d.Reactions, emoji)
}
