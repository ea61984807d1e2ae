package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/dukex/conveyor/pkg/events"
	"github.com/dukex/conveyor/pkg/keylock"
	"github.com/dukex/conveyor/pkg/models"
	"github.com/dukex/conveyor/pkg/otelhelper"
	"github.com/dukex/conveyor/pkg/services"
	"github.com/dukex/conveyor/pkg/template"
)

// job is an automatic stage action waiting to run outside the record's critical section.
type job struct {
	recordID  string
	projectID string
	stage     *models.StageRecord
	data      map[string]any // message data of notification stages
}

type outcome struct {
	result map[string]any
	err    error
}

// launch runs j in a driver goroutine and applies its outcome under the record's key.
func (e *Engine) launch(ctx context.Context, j *job) {
	e.mu.Lock()
	if e.shutdown {
		e.mu.Unlock()
		e.logger.WarnContext(ctx, "Engine closed, stage left running for recovery",
			"record_id", j.recordID, "stage_seq", j.stage.SequenceNo)

		return
	}
	e.drivers.Add(1)
	e.mu.Unlock()

	ctx = context.WithoutCancel(ctx)

	go func() {
		defer e.drivers.Done()

		if !e.stillCurrent(ctx, j) {
			e.logger.InfoContext(ctx, "Stage no longer current, action not started",
				"record_id", j.recordID, "stage_seq", j.stage.SequenceNo, "attempt", j.stage.Attempt)

			return
		}

		out := e.run(ctx, j)
		e.complete(ctx, j, out)
	}()
}

// stillCurrent re-reads the record under its key. A Stop, or a newer attempt, applied between the launching
// transition and now means the action must not start.
func (e *Engine) stillCurrent(ctx context.Context, j *job) bool {
	current := false

	err := e.serializer.RunExclusive(ctx, keylock.PipelineKey(j.recordID), func(ctx context.Context) error {
		record, err := e.records.GetByID(ctx, j.recordID)
		if err != nil {
			return err
		}

		_, current = runningStage(record, j)

		return nil
	})
	if err != nil {
		e.logger.ErrorContext(ctx, "Failed to check stage before running it", "record_id", j.recordID,
			"stage_seq", j.stage.SequenceNo, "error", err)

		return false
	}

	return current
}

// runningStage returns the stage of j when the record is still running it under the same attempt.
func runningStage(record *models.PipelineRecord, j *job) (*models.StageRecord, bool) {
	idx := record.StageIndex(j.stage.SequenceNo)
	if idx < 0 {
		return nil, false
	}

	stage := record.Stages[idx]

	return stage, record.Status == models.RecordStatusRunning &&
		stage.Status == models.StageStatusRunning &&
		stage.Attempt == j.stage.Attempt
}

// run performs the stage action until the stage deadline, StartedAt plus the stage timeout. An action that
// outlives it is abandoned and reported as failed; it is never interrupted by Stop.
func (e *Engine) run(ctx context.Context, j *job) outcome {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "pipeline.stage",
		attribute.String(otelhelper.RecordIDKey, j.recordID),
		attribute.Int(otelhelper.StageSequenceKey, j.stage.SequenceNo),
		attribute.String(otelhelper.StageTaskTypeKey, string(j.stage.TaskType)),
		attribute.Int(otelhelper.StageAttemptKey, j.stage.Attempt))
	defer span.End()

	ctx, cancel := context.WithDeadline(ctx, e.deadline(j.stage))
	defer cancel()

	done := make(chan outcome, 1)

	e.drivers.Add(1)

	go func() {
		defer e.drivers.Done()

		result, err := e.perform(ctx, j)
		done <- outcome{result: result, err: err}
	}()

	var out outcome

	select {
	case out = <-done:
	case <-ctx.Done():
		out = outcome{err: services.NewError("RunStage", services.ErrExternalCallFailed,
			fmt.Sprintf("stage timed out after %s", e.stageTimeout))}
	}

	otelhelper.SetError(span, out.err)

	return out
}

// deadline bounds every attempt of a stage, so no instance can still be running it after deadline.
func (e *Engine) deadline(stage *models.StageRecord) time.Time {
	if stage.StartedAt == nil {
		return time.Now().Add(e.stageTimeout)
	}

	return stage.StartedAt.Add(e.stageTimeout)
}

func (e *Engine) perform(ctx context.Context, j *job) (map[string]any, error) {
	switch j.stage.TaskType {
	case models.TaskTypeAutoDeploy:
		return e.deploy(ctx, j)
	case models.TaskTypeNotification:
		return e.notify(ctx, j)
	case models.TaskTypeManualAudit:
	}

	return nil, fmt.Errorf("stage %d: task type %s has no automatic action", j.stage.SequenceNo, j.stage.TaskType)
}

func (e *Engine) deploy(ctx context.Context, j *job) (map[string]any, error) {
	spec := *j.stage.Deploy

	if holder, ok := e.claim(spec.EnvironmentID, j.recordID); !ok {
		return nil, services.NewError("Deploy", services.ErrPreconditionFailed,
			fmt.Sprintf("deploy to %s already in flight by record %s", spec.EnvironmentID, holder))
	}
	defer e.unclaim(spec.EnvironmentID, j.recordID)

	report, err := e.deployer.CheckPreconditions(ctx, spec)
	if err != nil {
		return nil, externalError("CheckPreconditions", err)
	}

	if !report.OK {
		return nil, services.NewError("Deploy", services.ErrPreconditionFailed,
			"deploy preconditions failed: "+strings.Join(report.Reasons, "; "))
	}

	result, err := e.deployer.Deploy(ctx, spec)
	if err != nil {
		return nil, externalError("Deploy", err)
	}

	return map[string]any{
		"environment_id": spec.EnvironmentID,
		"application":    spec.Application,
		"version":        spec.Version,
		"artifact_ref":   result.ArtifactRef,
	}, nil
}

func (e *Engine) notify(ctx context.Context, j *job) (map[string]any, error) {
	var notify models.NotifySpec
	if j.stage.Notify != nil {
		notify = *j.stage.Notify
	}

	if notify.Message == "" {
		notify.Message = "stage " + j.stage.Name + " reached"
	}

	if template.NeedsTemplating(notify.Message) {
		message, err := template.Render(notify.Message, j.data)
		if err != nil {
			return nil, services.NewError("Notify", services.ErrInvalidGraph, err.Error())
		}

		notify.Message = message
	}

	if e.publisher != nil {
		event := events.StageNotification{
			BaseEvent:  events.NewBaseEvent(events.StageNotificationEvent),
			RecordID:   j.recordID,
			ProjectID:  j.projectID,
			SequenceNo: j.stage.SequenceNo,
			Recipients: notify.Recipients,
			Message:    notify.Message,
		}

		if err := e.publisher.Publish(ctx, j.recordID, event); err != nil {
			return nil, externalError("Notify", err)
		}
	}

	return map[string]any{"recipients": len(notify.Recipients), "message": notify.Message}, nil
}

// complete applies out if the stage is still the one that was launched. Results for a stage that was
// stopped, or re-run under a newer attempt, are discarded.
func (e *Engine) complete(ctx context.Context, j *job, out outcome) {
	logger := e.logger.With("record_id", j.recordID, "stage_seq", j.stage.SequenceNo, "attempt", j.stage.Attempt)

	_, err := e.transition(ctx, "Complete", j.recordID, func(_ context.Context, t *transition) error {
		stage, ok := runningStage(t.record, j)
		if stage == nil {
			return nil
		}

		if !ok {
			logger.InfoContext(ctx, "Discarding stage result", "record_status", t.record.Status,
				"stage_status", stage.Status)

			return nil
		}

		if out.err != nil {
			logger.WarnContext(ctx, "Stage failed", "error", out.err)
			e.failStage(t, stage, out.err)

			return nil
		}

		logger.InfoContext(ctx, "Stage passed")
		e.passStage(t, stage, out.result)

		return nil
	})
	if err != nil {
		logger.ErrorContext(ctx, "Failed to apply stage result", "error", err)
	}
}

// CheckDeployPreconditions checks the next deploy stage of a record without changing anything: the stage
// running now, the failed one, or the first waiting auto-deploy stage.
func (e *Engine) CheckDeployPreconditions(ctx context.Context, recordID string) (models.PreconditionReport, error) {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "pipeline.check_deploy_preconditions",
		attribute.String(otelhelper.RecordIDKey, recordID))
	defer span.End()

	record, err := e.GetRecord(ctx, recordID)
	if err != nil {
		return models.PreconditionReport{}, err
	}

	stage := nextDeployStage(record)
	if stage == nil {
		return models.PreconditionReport{}, services.NewError("CheckDeployPreconditions", services.ErrStageNotFound,
			"pipeline record "+recordID+" has no pending auto-deploy stage")
	}

	report := models.PreconditionReport{OK: true}

	if holder, busy := e.deployInFlight(stage.Deploy.EnvironmentID, recordID); busy {
		report.Fail(fmt.Sprintf("deploy to %s already in flight by record %s", stage.Deploy.EnvironmentID, holder))
	}

	remote, err := e.deployer.CheckPreconditions(ctx, *stage.Deploy)
	if err != nil {
		otelhelper.SetError(span, err)

		return models.PreconditionReport{}, externalError("CheckDeployPreconditions", err)
	}

	report.Merge(remote)

	return report, nil
}

func nextDeployStage(record *models.PipelineRecord) *models.StageRecord {
	for _, stage := range record.Stages {
		if stage.TaskType != models.TaskTypeAutoDeploy || stage.Deploy == nil {
			continue
		}

		switch stage.Status {
		case models.StageStatusWaiting, models.StageStatusRunning, models.StageStatusFailed:
			return stage
		case models.StageStatusAuditing, models.StageStatusPassed, models.StageStatusSkipped:
		}
	}

	return nil
}

// claim marks environmentID as being deployed by recordID. It fails when another record holds it.
func (e *Engine) claim(environmentID, recordID string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if holder, ok := e.deploys[environmentID]; ok && holder != recordID {
		return holder, false
	}

	e.deploys[environmentID] = recordID

	return recordID, true
}

func (e *Engine) unclaim(environmentID, recordID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.deploys[environmentID] == recordID {
		delete(e.deploys, environmentID)
	}
}

func (e *Engine) deployInFlight(environmentID, recordID string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	holder, ok := e.deploys[environmentID]

	return holder, ok && holder != recordID
}

func externalError(op string, err error) error {
	return &services.ServiceError{
		Op:      op,
		Code:    services.Code(services.ErrExternalCallFailed),
		Message: err.Error(),
		Err:     errors.Join(services.ErrExternalCallFailed, err),
	}
}

// publishTransition publishes the overall status change, if any. Failures are logged; the transition is
// already durable.
func (e *Engine) publishTransition(ctx context.Context, t *transition) {
	if e.publisher == nil || t.record.Status == t.from {
		return
	}

	event := events.RecordStatusChanged{
		BaseEvent: events.NewBaseEvent(events.RecordStatusChangedEvent),
		RecordID:  t.record.ID,
		GraphID:   t.record.GraphID,
		ProjectID: t.record.ProjectID,
		From:      t.from,
		To:        t.record.Status,
		Reason:    t.reason,
	}

	if stage := t.record.CurrentStage(); stage != nil {
		event.SequenceNo = stage.SequenceNo
	}

	if err := e.publisher.Publish(ctx, t.record.ID, event); err != nil {
		e.logger.WarnContext(ctx, "Failed to publish pipeline event", "record_id", t.record.ID,
			"event_type", event.GetType(), "error", err)
	}
}
