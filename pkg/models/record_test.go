package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStageRecords(t *testing.T) {
	stages := NewStageRecords(validGraph().SnapshotForExecution())

	require.Len(t, stages, 2)

	for _, stage := range stages {
		assert.Equal(t, StageStatusWaiting, stage.Status)
		assert.Zero(t, stage.Attempt)
	}

	assert.Equal(t, TaskTypeManualAudit, stages[1].TaskType)
}

func TestPipelineRecord_Pointers(t *testing.T) {
	record := &PipelineRecord{Current: -1, Stages: NewStageRecords(validGraph().SnapshotForExecution())}

	assert.Nil(t, record.CurrentStage())
	assert.Equal(t, 0, record.FirstWaiting())
	assert.Equal(t, -1, record.FailedStage())
	assert.Equal(t, 1, record.StageIndex(2))
	assert.Equal(t, -1, record.StageIndex(9))

	record.Stages[0].Status = StageStatusPassed
	record.Stages[1].Status = StageStatusFailed
	record.Current = 1

	assert.Equal(t, 2, record.CurrentStage().SequenceNo)
	assert.Equal(t, -1, record.FirstWaiting())
	assert.Equal(t, 1, record.FailedStage())
	assert.Zero(t, record.InFlightCount())
}

func TestStageRecord_DecisionsPerAttempt(t *testing.T) {
	now := time.Now().UTC()
	stage := &StageRecord{
		TaskType: TaskTypeManualAudit,
		Attempt:  2,
		Decisions: []AuditDecision{
			{Principal: "user-a", Decision: DecisionReject, Attempt: 1, DecidedAt: now},
			{Principal: "user-b", Decision: DecisionApprove, Attempt: 2, DecidedAt: now},
		},
	}

	_, votedBefore := stage.DecisionBy("user-a")
	assert.False(t, votedBefore, "votes from earlier attempts do not count")

	decision, ok := stage.DecisionBy("user-b")
	require.True(t, ok)
	assert.Equal(t, DecisionApprove, decision.Decision)

	resolution, resolved := stage.Resolution()
	require.True(t, resolved)
	assert.Equal(t, "user-b", resolution.Principal)
}

func TestPipelineRecord_CloneIsDeep(t *testing.T) {
	started := time.Now().UTC()
	record := &PipelineRecord{
		ID:        "record-1",
		StartedAt: &started,
		Stages:    NewStageRecords(validGraph().SnapshotForExecution()),
	}
	record.Stages[0].Result = map[string]any{"artifact": "a-1"}

	clone := record.Clone()
	clone.Stages[0].Status = StageStatusPassed
	clone.Stages[0].Result["artifact"] = "changed"
	clone.Stages[1].Decisions = append(clone.Stages[1].Decisions, AuditDecision{Principal: "x"})

	assert.Equal(t, StageStatusWaiting, record.Stages[0].Status)
	assert.Equal(t, "a-1", record.Stages[0].Result["artifact"])
	assert.Empty(t, record.Stages[1].Decisions)
	assert.NotSame(t, record.StartedAt, clone.StartedAt)
}

func TestIsCandidate(t *testing.T) {
	owner := Principal{ID: "42", Roles: []string{"project-owner"}}
	member := Principal{ID: "7", Roles: []string{"project-member"}}
	candidates := []string{"13", "role:project-owner"}

	assert.True(t, IsCandidate(candidates, owner))
	assert.False(t, IsCandidate(candidates, member))
	assert.True(t, IsCandidate([]string{"7"}, member))
	assert.False(t, IsCandidate([]string{"role:"}, Principal{ID: "role:"}))
}

func TestPreconditionReport(t *testing.T) {
	report := PreconditionReport{OK: true}
	report.Merge(PreconditionReport{OK: true})
	assert.True(t, report.OK)

	report.Fail("environment unreachable")
	report.Merge(PreconditionReport{OK: false, Reasons: []string{"deploy in flight"}})

	assert.False(t, report.OK)
	assert.Equal(t, []string{"environment unreachable", "deploy in flight"}, report.Reasons)
}
