// Package pipeline is the execution engine: it drives pipeline records through their stages, suspends on
// audit gates and applies every state transition under the record's resource key.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dukex/conveyor/pkg/deploy"
	"github.com/dukex/conveyor/pkg/eventbus"
	"github.com/dukex/conveyor/pkg/identity"
	"github.com/dukex/conveyor/pkg/keylock"
	"github.com/dukex/conveyor/pkg/models"
	"github.com/dukex/conveyor/pkg/otelhelper"
	"github.com/dukex/conveyor/pkg/persistence"
	"github.com/dukex/conveyor/pkg/services"
	"github.com/dukex/conveyor/pkg/template"
)

// DefaultStageTimeout bounds a stage action when Config.StageTimeout is not set.
const DefaultStageTimeout = 5 * time.Minute

// recoveryGrace is how long past its deadline a RUNNING stage may wait for its result to be saved before
// Recover treats it as abandoned.
const recoveryGrace = 30 * time.Second

// Config holds the collaborators of an Engine. Publisher and Tracer are optional.
type Config struct {
	Persistence  persistence.Persistence
	Serializer   keylock.Serializer
	Deployer     deploy.Deployer
	Directory    identity.Directory
	Publisher    eventbus.EventPublisher
	Logger       *slog.Logger
	Tracer       trace.Tracer
	StageTimeout time.Duration
}

// Engine executes pipeline records.
type Engine struct {
	graphs       persistence.GraphRepository
	records      persistence.RecordRepository
	serializer   keylock.Serializer
	deployer     deploy.Deployer
	directory    identity.Directory
	publisher    eventbus.EventPublisher
	logger       *slog.Logger
	tracer       trace.Tracer
	stageTimeout time.Duration

	// drivers tracks stage actions running outside the record's critical section.
	drivers sync.WaitGroup

	mu       sync.Mutex
	deploys  map[string]string // environment id -> record id with a deploy in flight
	shutdown bool
}

// NewEngine validates cfg and builds an engine.
func NewEngine(cfg Config) (*Engine, error) {
	switch {
	case cfg.Persistence == nil:
		return nil, errors.New("pipeline: persistence is required")
	case cfg.Serializer == nil:
		return nil, errors.New("pipeline: serializer is required")
	case cfg.Deployer == nil:
		return nil, errors.New("pipeline: deployer is required")
	case cfg.Directory == nil:
		return nil, errors.New("pipeline: identity directory is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otelhelper.Tracer()
	}

	timeout := cfg.StageTimeout
	if timeout <= 0 {
		timeout = DefaultStageTimeout
	}

	return &Engine{
		graphs:       cfg.Persistence.GraphRepository(),
		records:      cfg.Persistence.RecordRepository(),
		serializer:   cfg.Serializer,
		deployer:     cfg.Deployer,
		directory:    cfg.Directory,
		publisher:    cfg.Publisher,
		logger:       logger.With("module", "pipeline_engine"),
		tracer:       tracer,
		stageTimeout: timeout,
		deploys:      make(map[string]string),
	}, nil
}

// CreateRequest creates a record from a graph of a project.
type CreateRequest struct {
	ProjectID   string `json:"project_id"   validate:"required"`
	GraphID     string `json:"graph_id"     validate:"required"`
	TriggeredBy string `json:"triggered_by"`
}

// Create builds a PENDING record from a snapshot of the graph's stages.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (*models.PipelineRecord, error) {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "pipeline.create",
		attribute.String(otelhelper.ProjectIDKey, req.ProjectID),
		attribute.String(otelhelper.GraphIDKey, req.GraphID))
	defer span.End()

	graph, err := e.graphs.GetByID(ctx, req.GraphID)
	if err != nil {
		if persistence.IsGraphNotFound(err) {
			return nil, services.NewError("Create", services.ErrGraphNotFound, "stage graph "+req.GraphID+" not found")
		}

		otelhelper.SetError(span, err)

		return nil, fmt.Errorf("failed to load stage graph: %w", err)
	}

	if graph.ProjectID != req.ProjectID {
		return nil, services.NewError("Create", services.ErrGraphNotFound, "stage graph "+req.GraphID+" not found")
	}

	if !graph.Enabled {
		return nil, services.NewError("Create", services.ErrGraphDisabled, "stage graph "+graph.Name+" is disabled")
	}

	now := time.Now().UTC()
	record := &models.PipelineRecord{
		ID:          uuid.New().String(),
		GraphID:     graph.ID,
		GraphName:   graph.Name,
		ProjectID:   graph.ProjectID,
		Status:      models.RecordStatusPending,
		Current:     -1,
		Stages:      models.NewStageRecords(graph.SnapshotForExecution()),
		TriggeredBy: req.TriggeredBy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := e.records.Save(ctx, record); err != nil {
		otelhelper.SetError(span, err)

		return nil, fmt.Errorf("failed to save pipeline record: %w", err)
	}

	e.logger.InfoContext(ctx, "Created pipeline record", "record_id", record.ID, "graph_id", graph.ID,
		"stages", len(record.Stages))

	return record, nil
}

// Execute starts a PENDING record, resumes a STOPPED one by re-running the stage it was stopped at, or
// re-runs the failed stage of a FAILED one.
func (e *Engine) Execute(ctx context.Context, recordID, actor string) (*models.PipelineRecord, error) {
	return e.transition(ctx, "Execute", recordID, func(ctx context.Context, t *transition) error {
		switch t.record.Status {
		case models.RecordStatusRunning, models.RecordStatusStageAuditing:
			return services.NewError("Execute", services.ErrAlreadyRunning, "pipeline record "+recordID+" is already running")
		case models.RecordStatusSuccess:
			return services.NewError("Execute", services.ErrAlreadyFinished, "pipeline record "+recordID+" already succeeded")
		case models.RecordStatusFailed:
			resetFailed(t.record)
		case models.RecordStatusStopped:
			resetStopped(t.record)
		case models.RecordStatusPending:
		}

		e.logger.InfoContext(ctx, "Executing pipeline record", "record_id", recordID, "actor", actor)
		e.start(t)

		return nil
	})
}

// Retry re-runs the failed stage of a FAILED record. Stages that already passed are not touched.
func (e *Engine) Retry(ctx context.Context, recordID, actor string) (*models.PipelineRecord, error) {
	return e.transition(ctx, "Retry", recordID, func(ctx context.Context, t *transition) error {
		if t.record.Status != models.RecordStatusFailed {
			return services.NewError("Retry", services.ErrNotRetryable,
				fmt.Sprintf("pipeline record %s is %s, only failed records can be retried", recordID, t.record.Status))
		}

		e.logger.InfoContext(ctx, "Retrying pipeline record", "record_id", recordID, "actor", actor)
		resetFailed(t.record)
		e.start(t)

		return nil
	})
}

// Stop marks the current stage SKIPPED and the record STOPPED. A stage action still in flight finishes, and
// its result is discarded. Stopping a stopped record is a no-op.
func (e *Engine) Stop(ctx context.Context, recordID, actor string) (*models.PipelineRecord, error) {
	return e.transition(ctx, "Stop", recordID, func(ctx context.Context, t *transition) error {
		record := t.record

		switch record.Status {
		case models.RecordStatusStopped:
			return nil
		case models.RecordStatusRunning, models.RecordStatusStageAuditing:
		case models.RecordStatusPending, models.RecordStatusSuccess, models.RecordStatusFailed:
			return services.NewError("Stop", services.ErrNotRunning,
				fmt.Sprintf("pipeline record %s is %s", recordID, record.Status))
		}

		now := time.Now().UTC()

		if stage := record.CurrentStage(); stage != nil {
			stage.Status = models.StageStatusSkipped
			stage.FinishedAt = &now
		}

		t.setStatus(models.RecordStatusStopped, "stopped by "+actorName(actor))
		record.FinishedAt = &now

		e.logger.InfoContext(ctx, "Stopped pipeline record", "record_id", recordID, "actor", actor)

		return nil
	})
}

// GetRecord returns a record with its stages and decisions.
func (e *Engine) GetRecord(ctx context.Context, recordID string) (*models.PipelineRecord, error) {
	record, err := e.records.GetByID(ctx, recordID)
	if err != nil {
		if persistence.IsRecordNotFound(err) {
			return nil, services.NewError("GetRecord", services.ErrRecordNotFound, "pipeline record "+recordID+" not found")
		}

		return nil, fmt.Errorf("failed to load pipeline record: %w", err)
	}

	return record, nil
}

// ListRecordsRequest filters the records of a project.
type ListRecordsRequest struct {
	ProjectID string
	GraphID   string
	Statuses  []models.RecordStatus
	Limit     int
	Offset    int
}

// ListRecords returns one page of records, newest first.
func (e *Engine) ListRecords(ctx context.Context, req ListRecordsRequest) (*persistence.RecordListResult, error) {
	if req.ProjectID == "" {
		return nil, services.NewValidationError("ListRecords", "INVALID_REQUEST", "project id is required",
			services.ErrInvalidRequest)
	}

	result, err := e.records.List(ctx, persistence.ListRecordsOptions{
		ProjectID: req.ProjectID,
		GraphID:   req.GraphID,
		Statuses:  req.Statuses,
		Limit:     persistence.NormalizeLimit(req.Limit),
		Offset:    max(req.Offset, 0),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list pipeline records: %w", err)
	}

	return result, nil
}

// Recover fails RUNNING stages whose deadline passed more than a grace period ago. A live engine, here or
// in another process sharing the store, saves every result before the deadline plus grace, so such stages
// were abandoned by a process that stopped. Their outcome is unknown; they are not re-run, callers retry
// them explicitly. Stages still within their deadline are left alone, so Recover is safe to run
// periodically from every instance.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	recovered := 0
	offset := 0
	now := time.Now()

	for {
		result, err := e.records.List(ctx, persistence.ListRecordsOptions{
			Statuses: []models.RecordStatus{models.RecordStatusRunning},
			Limit:    persistence.MaxLimit,
			Offset:   offset,
		})
		if err != nil {
			return recovered, fmt.Errorf("failed to list running records: %w", err)
		}

		progressed := 0

		for _, record := range result.Records {
			_, err := e.transition(ctx, "Recover", record.ID, func(_ context.Context, t *transition) error {
				stage := t.record.CurrentStage()
				if t.record.Status != models.RecordStatusRunning || stage == nil || stage.Status != models.StageStatusRunning {
					return nil
				}

				if now.Before(e.deadline(stage).Add(recoveryGrace)) {
					return nil
				}

				e.failStage(t, stage, errors.New("interrupted by engine restart"))
				progressed++

				return nil
			})
			if err != nil {
				return recovered, err
			}
		}

		recovered += progressed

		if !result.HasNextPage {
			return recovered, nil
		}

		// Recovered records left the RUNNING set; the others still occupy their place in it.
		offset += len(result.Records) - progressed
	}
}

// Wait blocks until every stage action started so far has been applied, or ctx ends.
func (e *Engine) Wait(ctx context.Context) error {
	done := make(chan struct{})

	go func() {
		e.drivers.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops launching stage actions and waits for the running ones.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	e.shutdown = true
	e.mu.Unlock()

	return e.Wait(ctx)
}

// transition is one state change applied under the record's key.
type transition struct {
	record *models.PipelineRecord
	from   models.RecordStatus
	reason string
	job    *job
	dirty  bool
}

func (t *transition) setStatus(status models.RecordStatus, reason string) {
	t.record.Status = status
	t.reason = reason
	t.dirty = true
}

// transition loads the record under its key, applies fn, saves the result, then publishes lifecycle events
// and launches the next stage action outside the critical section.
func (e *Engine) transition(
	ctx context.Context,
	op, recordID string,
	fn func(ctx context.Context, t *transition) error,
) (*models.PipelineRecord, error) {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "pipeline."+op,
		attribute.String(otelhelper.RecordIDKey, recordID))
	defer span.End()

	var applied *transition

	err := e.serializer.RunExclusive(ctx, keylock.PipelineKey(recordID), func(ctx context.Context) error {
		record, err := e.records.GetByID(ctx, recordID)
		if err != nil {
			if persistence.IsRecordNotFound(err) {
				return services.NewError(op, services.ErrRecordNotFound, "pipeline record "+recordID+" not found")
			}

			return fmt.Errorf("failed to load pipeline record: %w", err)
		}

		t := &transition{record: record, from: record.Status}
		if err := fn(ctx, t); err != nil {
			return err
		}

		applied = t

		if !t.dirty {
			return nil
		}

		record.UpdatedAt = time.Now().UTC()

		if err := e.records.Save(ctx, record); err != nil {
			return fmt.Errorf("failed to save pipeline record: %w", err)
		}

		return nil
	})
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	span.SetAttributes(attribute.String(otelhelper.RecordStatusKey, string(applied.record.Status)))

	e.publishTransition(ctx, applied)

	if applied.job != nil {
		e.launch(ctx, applied.job)
	}

	return applied.record, nil
}

// start moves the record to RUNNING and advances to the first waiting stage.
func (e *Engine) start(t *transition) {
	now := time.Now().UTC()

	if t.record.StartedAt == nil {
		t.record.StartedAt = &now
	}

	t.record.FinishedAt = nil
	t.setStatus(models.RecordStatusRunning, "executed")
	e.advance(t)
}

// advance makes the first waiting stage current. Automatic stages are marked RUNNING and returned as a job;
// audit stages suspend the record. Without a waiting stage the record succeeds.
func (e *Engine) advance(t *transition) {
	record := t.record
	now := time.Now().UTC()

	idx := record.FirstWaiting()
	if idx < 0 {
		record.FinishedAt = &now
		t.setStatus(models.RecordStatusSuccess, "all stages passed")

		return
	}

	stage := record.Stages[idx]
	record.Current = idx
	stage.Attempt++
	stage.StartedAt = &now
	stage.FinishedAt = nil
	stage.FailureReason = ""
	stage.Result = nil

	if stage.TaskType == models.TaskTypeManualAudit {
		stage.Status = models.StageStatusAuditing
		t.setStatus(models.RecordStatusStageAuditing, "awaiting audit of stage "+stage.Name)

		return
	}

	stage.Status = models.StageStatusRunning
	record.Status = models.RecordStatusRunning
	t.dirty = true
	t.job = &job{
		recordID:  record.ID,
		projectID: record.ProjectID,
		stage:     stage.Clone(),
	}

	if stage.TaskType == models.TaskTypeNotification {
		t.job.data = template.RecordData(record, stage)
	}
}

// resetStopped returns the stage a record was stopped at to WAITING, so resuming re-runs it. Its earlier
// audit decisions belong to the previous attempt.
func resetStopped(record *models.PipelineRecord) {
	stage := record.CurrentStage()
	if stage == nil || stage.Status != models.StageStatusSkipped {
		return
	}

	stage.Status = models.StageStatusWaiting
	stage.FailureReason = ""
	stage.Result = nil
	stage.FinishedAt = nil
}

func actorName(actor string) string {
	if actor == "" {
		return "unknown"
	}

	return actor
}

// resetFailed returns the failed stage, and only that one, to WAITING.
func resetFailed(record *models.PipelineRecord) {
	idx := record.FailedStage()
	if idx < 0 {
		return
	}

	stage := record.Stages[idx]
	stage.Status = models.StageStatusWaiting
	stage.FailureReason = ""
	stage.Result = nil
	stage.FinishedAt = nil
}

// failStage records err as the terminal reason of stage and fails the record.
func (e *Engine) failStage(t *transition, stage *models.StageRecord, err error) {
	now := time.Now().UTC()

	stage.Status = models.StageStatusFailed
	stage.FailureReason = err.Error()
	stage.FinishedAt = &now
	stage.Result = map[string]any{"error_code": services.Code(err)}

	t.record.FinishedAt = &now
	t.setStatus(models.RecordStatusFailed, fmt.Sprintf("stage %d failed: %s", stage.SequenceNo, err))
}

// passStage records result on stage and advances the record.
func (e *Engine) passStage(t *transition, stage *models.StageRecord, result map[string]any) {
	now := time.Now().UTC()

	stage.Status = models.StageStatusPassed
	stage.Result = result
	stage.FinishedAt = &now

	t.setStatus(models.RecordStatusRunning, fmt.Sprintf("stage %d passed", stage.SequenceNo))
	e.advance(t)
}
