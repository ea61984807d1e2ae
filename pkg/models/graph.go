// Package models defines the pipeline domain: stage graphs, their execution records and GitOps environments.
package models

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// ErrInvalidGraph is the root cause of every stage graph validation failure.
var ErrInvalidGraph = errors.New("invalid stage graph")

// TaskType identifies what a stage does when it becomes current.
type TaskType string

const (
	TaskTypeAutoDeploy   TaskType = "auto-deploy"  // Precondition check, then deploy
	TaskTypeManualAudit  TaskType = "manual-audit" // Suspends until a candidate decides
	TaskTypeNotification TaskType = "notification" // Publishes a notification and passes
)

// Valid reports whether t is a known task type.
func (t TaskType) Valid() bool {
	switch t {
	case TaskTypeAutoDeploy, TaskTypeManualAudit, TaskTypeNotification:
		return true
	default:
		return false
	}
}

// IsAutomatic reports whether the engine runs the stage without a human decision.
func (t TaskType) IsAutomatic() bool {
	return t != TaskTypeManualAudit
}

// DeploySpec describes what an auto-deploy stage rolls out and where.
type DeploySpec struct {
	EnvironmentID string         `json:"environment_id" validate:"required"`
	Application   string         `json:"application"    validate:"required"`
	Version       string         `json:"version"        validate:"required"`
	Values        map[string]any `json:"values,omitempty"`
}

// NotifySpec describes a notification stage.
type NotifySpec struct {
	Recipients []string `json:"recipients,omitempty"`
	Message    string   `json:"message"`
}

// StageDef is one ordered stage of a StageGraph.
type StageDef struct {
	SequenceNo          int         `json:"sequence_no"                    validate:"min=1"`
	Name                string      `json:"name"                           validate:"required"`
	TaskType            TaskType    `json:"task_type"                      validate:"required,oneof=auto-deploy manual-audit notification"`
	CandidatePrincipals []string    `json:"candidate_principals,omitempty"`
	Deploy              *DeploySpec `json:"deploy,omitempty"`
	Notify              *NotifySpec `json:"notify,omitempty"`
}

// StageGraph is the immutable template a PipelineRecord is executed from.
type StageGraph struct {
	ID        string     `json:"id"`
	ProjectID string     `json:"project_id" validate:"required"`
	Name      string     `json:"name"       validate:"required,min=1,max=255"`
	Enabled   bool       `json:"enabled"`
	Stages    []StageDef `json:"stages"     validate:"required,min=1,dive"`
	CreatedBy string     `json:"created_by,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Validate checks the structural invariants of the graph.
func (g *StageGraph) Validate() error {
	if strings.TrimSpace(g.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidGraph)
	}

	if len(g.Stages) == 0 {
		return fmt.Errorf("%w: at least one stage is required", ErrInvalidGraph)
	}

	for i, stage := range g.Stages {
		if !stage.TaskType.Valid() {
			return fmt.Errorf("%w: stage %d has unknown task type %q", ErrInvalidGraph, stage.SequenceNo, stage.TaskType)
		}

		if i > 0 && stage.SequenceNo <= g.Stages[i-1].SequenceNo {
			return fmt.Errorf("%w: sequence numbers must be strictly increasing (%d after %d)",
				ErrInvalidGraph, stage.SequenceNo, g.Stages[i-1].SequenceNo)
		}

		switch stage.TaskType {
		case TaskTypeManualAudit:
			if len(stage.CandidatePrincipals) == 0 {
				return fmt.Errorf("%w: manual-audit stage %d has no candidate principals", ErrInvalidGraph, stage.SequenceNo)
			}
		case TaskTypeAutoDeploy:
			if stage.Deploy == nil || stage.Deploy.EnvironmentID == "" {
				return fmt.Errorf("%w: auto-deploy stage %d has no deploy target", ErrInvalidGraph, stage.SequenceNo)
			}
		case TaskTypeNotification:
		}
	}

	return nil
}

// SnapshotForExecution returns a deep copy of the ordered stage list.
// Later edits to the graph never reach the returned slice.
func (g *StageGraph) SnapshotForExecution() []StageDef {
	snapshot := make([]StageDef, len(g.Stages))
	for i, stage := range g.Stages {
		snapshot[i] = stage.Clone()
	}

	return snapshot
}

// Clone returns a deep copy of the graph.
func (g *StageGraph) Clone() *StageGraph {
	if g == nil {
		return nil
	}

	clone := *g
	clone.Stages = g.SnapshotForExecution()

	return &clone
}

// Clone returns a deep copy of the stage definition.
func (s StageDef) Clone() StageDef {
	clone := s
	clone.CandidatePrincipals = slices.Clone(s.CandidatePrincipals)
	clone.Deploy = s.Deploy.Clone()

	if s.Notify != nil {
		notify := *s.Notify
		notify.Recipients = slices.Clone(s.Notify.Recipients)
		clone.Notify = &notify
	}

	return clone
}

// Clone returns a deep copy of the deploy spec.
func (d *DeploySpec) Clone() *DeploySpec {
	if d == nil {
		return nil
	}

	clone := *d
	clone.Values = CloneMap(d.Values)

	return &clone
}

// CloneMap deep-copies JSON-like maps.
func CloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}

	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}

	return out
}

func cloneValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		return CloneMap(typed)
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = cloneValue(item)
		}

		return out
	default:
		return v
	}
}
