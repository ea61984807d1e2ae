package models

import (
	"slices"
	"time"
)

// RecordStatus is the overall state of a PipelineRecord.
type RecordStatus string

const (
	RecordStatusPending       RecordStatus = "pending"
	RecordStatusRunning       RecordStatus = "running"
	RecordStatusStageAuditing RecordStatus = "stage_auditing"
	RecordStatusSuccess       RecordStatus = "success"
	RecordStatusFailed        RecordStatus = "failed"
	RecordStatusStopped       RecordStatus = "stopped"
)

// StageStatus is the state of a single StageRecord.
type StageStatus string

const (
	StageStatusWaiting  StageStatus = "waiting"
	StageStatusRunning  StageStatus = "running"
	StageStatusAuditing StageStatus = "auditing"
	StageStatusPassed   StageStatus = "passed"
	StageStatusFailed   StageStatus = "failed"
	StageStatusSkipped  StageStatus = "skipped"
)

// Decision is a principal's vote on an auditing stage.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// Valid reports whether d is approve or reject.
func (d Decision) Valid() bool {
	return d == DecisionApprove || d == DecisionReject
}

// AuditDecision is immutable once recorded. Attempt ties the vote to one audit round of the stage.
type AuditDecision struct {
	Principal string    `json:"principal"`
	Decision  Decision  `json:"decision"`
	Attempt   int       `json:"attempt"`
	Comment   string    `json:"comment,omitempty"`
	DecidedAt time.Time `json:"decided_at"`
}

// StageRecord is the execution of one StageDef inside one PipelineRecord.
type StageRecord struct {
	SequenceNo          int             `json:"sequence_no"`
	Name                string          `json:"name"`
	TaskType            TaskType        `json:"task_type"`
	CandidatePrincipals []string        `json:"candidate_principals,omitempty"`
	Deploy              *DeploySpec     `json:"deploy,omitempty"`
	Notify              *NotifySpec     `json:"notify,omitempty"`
	Status              StageStatus     `json:"status"`
	Attempt             int             `json:"attempt"`
	StartedAt           *time.Time      `json:"started_at,omitempty"`
	FinishedAt          *time.Time      `json:"finished_at,omitempty"`
	Result              map[string]any  `json:"result,omitempty"`
	FailureReason       string          `json:"failure_reason,omitempty"`
	Decisions           []AuditDecision `json:"decisions,omitempty"`
}

// PipelineRecord is one execution instance of a StageGraph. Stages is a snapshot taken at creation.
type PipelineRecord struct {
	ID          string         `json:"id"`
	GraphID     string         `json:"graph_id"`
	GraphName   string         `json:"graph_name"`
	ProjectID   string         `json:"project_id"`
	Status      RecordStatus   `json:"status"`
	Current     int            `json:"current"` // index into Stages, -1 before the first execute
	Stages      []*StageRecord `json:"stages"`
	TriggeredBy string         `json:"triggered_by"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	FinishedAt  *time.Time     `json:"finished_at,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// NewStageRecords seeds WAITING stage records from a graph snapshot.
func NewStageRecords(defs []StageDef) []*StageRecord {
	stages := make([]*StageRecord, len(defs))
	for i, def := range defs {
		def = def.Clone()
		stages[i] = &StageRecord{
			SequenceNo:          def.SequenceNo,
			Name:                def.Name,
			TaskType:            def.TaskType,
			CandidatePrincipals: def.CandidatePrincipals,
			Deploy:              def.Deploy,
			Notify:              def.Notify,
			Status:              StageStatusWaiting,
		}
	}

	return stages
}

// IsActive reports whether the record is RUNNING or STAGE_AUDITING.
func (r *PipelineRecord) IsActive() bool {
	return r.Status == RecordStatusRunning || r.Status == RecordStatusStageAuditing
}

// CurrentStage returns the stage the pointer is on, or nil.
func (r *PipelineRecord) CurrentStage() *StageRecord {
	if r.Current < 0 || r.Current >= len(r.Stages) {
		return nil
	}

	return r.Stages[r.Current]
}

// FirstWaiting returns the index of the first WAITING stage, or -1.
func (r *PipelineRecord) FirstWaiting() int {
	return slices.IndexFunc(r.Stages, func(s *StageRecord) bool {
		return s.Status == StageStatusWaiting
	})
}

// FailedStage returns the index of the first FAILED stage, or -1.
func (r *PipelineRecord) FailedStage() int {
	return slices.IndexFunc(r.Stages, func(s *StageRecord) bool {
		return s.Status == StageStatusFailed
	})
}

// StageIndex returns the index of the stage with the given sequence number, or -1.
func (r *PipelineRecord) StageIndex(sequenceNo int) int {
	return slices.IndexFunc(r.Stages, func(s *StageRecord) bool {
		return s.SequenceNo == sequenceNo
	})
}

// InFlightCount counts stages that are RUNNING or AUDITING.
func (r *PipelineRecord) InFlightCount() int {
	count := 0

	for _, stage := range r.Stages {
		if stage.Status == StageStatusRunning || stage.Status == StageStatusAuditing {
			count++
		}
	}

	return count
}

// Clone returns a deep copy of the record.
func (r *PipelineRecord) Clone() *PipelineRecord {
	if r == nil {
		return nil
	}

	clone := *r
	clone.StartedAt = cloneTime(r.StartedAt)
	clone.FinishedAt = cloneTime(r.FinishedAt)
	clone.Stages = make([]*StageRecord, len(r.Stages))

	for i, stage := range r.Stages {
		clone.Stages[i] = stage.Clone()
	}

	return &clone
}

// Clone returns a deep copy of the stage record.
func (s *StageRecord) Clone() *StageRecord {
	if s == nil {
		return nil
	}

	clone := *s
	clone.CandidatePrincipals = slices.Clone(s.CandidatePrincipals)
	clone.Deploy = s.Deploy.Clone()
	clone.StartedAt = cloneTime(s.StartedAt)
	clone.FinishedAt = cloneTime(s.FinishedAt)
	clone.Result = CloneMap(s.Result)
	clone.Decisions = slices.Clone(s.Decisions)

	if s.Notify != nil {
		notify := *s.Notify
		notify.Recipients = slices.Clone(s.Notify.Recipients)
		clone.Notify = &notify
	}

	return &clone
}

// CurrentDecisions returns the decisions cast during the stage's current attempt.
func (s *StageRecord) CurrentDecisions() []AuditDecision {
	var current []AuditDecision

	for _, decision := range s.Decisions {
		if decision.Attempt == s.Attempt {
			current = append(current, decision)
		}
	}

	return current
}

// DecisionBy returns the principal's decision in the current attempt.
func (s *StageRecord) DecisionBy(principal string) (AuditDecision, bool) {
	for _, decision := range s.CurrentDecisions() {
		if decision.Principal == principal {
			return decision, true
		}
	}

	return AuditDecision{}, false
}

// Resolution returns the first decisive vote of the current attempt, if any.
func (s *StageRecord) Resolution() (AuditDecision, bool) {
	current := s.CurrentDecisions()
	if len(current) == 0 {
		return AuditDecision{}, false
	}

	return current[0], true
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}

	clone := *t

	return &clone
}
