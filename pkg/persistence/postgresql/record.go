package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/dukex/conveyor/pkg/models"
	"github.com/dukex/conveyor/pkg/persistence"
)

const recordColumns = `
	id
  , graph_id
  , graph_name
  , project_id
  , status
  , current_stage
  , triggered_by
  , started_at
  , finished_at
  , created_at
  , updated_at
`

// RecordRepository handles pipeline records, their stage records and audit decisions.
type RecordRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewRecordRepository creates a new pipeline record repository.
func NewRecordRepository(db *sql.DB, logger *slog.Logger) *RecordRepository {
	return &RecordRepository{db: db, logger: logger}
}

func (r *RecordRepository) GetByID(ctx context.Context, id string) (*models.PipelineRecord, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+recordColumns+" FROM pipeline_records WHERE id = $1", id)

	record, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewRepositoryError("GetByID", "record", id, persistence.ErrRecordNotFound)
		}

		return nil, persistence.NewRepositoryError("GetByID", "record", id, err)
	}

	if err := r.loadStages(ctx, record); err != nil {
		return nil, persistence.NewRepositoryError("GetByID", "record", id, err)
	}

	return record, nil
}

// List returns records newest first, each with its stages and decisions.
func (r *RecordRepository) List(ctx context.Context, opts persistence.ListRecordsOptions) (*persistence.RecordListResult, error) {
	var (
		conditions []string
		args       []any
	)

	if opts.ProjectID != "" {
		args = append(args, opts.ProjectID)
		conditions = append(conditions, "project_id = $"+strconv.Itoa(len(args)))
	}

	if opts.GraphID != "" {
		args = append(args, opts.GraphID)
		conditions = append(conditions, "graph_id = $"+strconv.Itoa(len(args)))
	}

	if len(opts.Statuses) > 0 {
		statuses := make([]string, len(opts.Statuses))
		for i, status := range opts.Statuses {
			statuses[i] = string(status)
		}

		args = append(args, pq.Array(statuses))
		conditions = append(conditions, "status = ANY($"+strconv.Itoa(len(args))+")")
	}

	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	var total int64

	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM pipeline_records"+where, args...).Scan(&total)
	if err != nil {
		return nil, persistence.NewRepositoryError("List", "record", "", fmt.Errorf("failed to count records: %w", err))
	}

	limit := persistence.NormalizeLimit(opts.Limit)
	offset := max(opts.Offset, 0)
	args = append(args, limit, offset)

	query := fmt.Sprintf("SELECT %s FROM pipeline_records%s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d",
		recordColumns, where, len(args)-1, len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, persistence.NewRepositoryError("List", "record", "", fmt.Errorf("failed to query records: %w", err))
	}

	records := make([]*models.PipelineRecord, 0)

	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			closeRows(ctx, r.logger, rows)

			return nil, persistence.NewRepositoryError("List", "record", "", fmt.Errorf("failed to scan record: %w", err))
		}

		records = append(records, record)
	}

	err = rows.Err()
	closeRows(ctx, r.logger, rows)

	if err != nil {
		return nil, persistence.NewRepositoryError("List", "record", "", fmt.Errorf("error iterating records: %w", err))
	}

	for _, record := range records {
		if err := r.loadStages(ctx, record); err != nil {
			return nil, persistence.NewRepositoryError("List", "record", record.ID, err)
		}
	}

	return &persistence.RecordListResult{
		Records:     records,
		TotalCount:  total,
		HasNextPage: int64(offset+len(records)) < total,
	}, nil
}

// Save upserts the record and its stages in one transaction. Decisions are inserted with ON CONFLICT DO
// NOTHING so a stored vote is never rewritten.
func (r *RecordRepository) Save(ctx context.Context, record *models.PipelineRecord) (err error) {
	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}

	record.UpdatedAt = now

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return persistence.NewRepositoryError("Save", "record", record.ID, fmt.Errorf("failed to begin transaction: %w", err))
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO pipeline_records (id, graph_id, graph_name, project_id, status, current_stage, triggered_by,
			started_at, finished_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			current_stage = EXCLUDED.current_stage,
			started_at = EXCLUDED.started_at,
			finished_at = EXCLUDED.finished_at,
			updated_at = EXCLUDED.updated_at
	`,
		record.ID,
		record.GraphID,
		record.GraphName,
		record.ProjectID,
		record.Status,
		record.Current,
		record.TriggeredBy,
		nullTime(record.StartedAt),
		nullTime(record.FinishedAt),
		record.CreatedAt,
		record.UpdatedAt,
	)
	if err != nil {
		return persistence.NewRepositoryError("Save", "record", record.ID, fmt.Errorf("failed to save record: %w", err))
	}

	for position, stage := range record.Stages {
		if err = saveStage(ctx, tx, record.ID, position, stage); err != nil {
			return persistence.NewRepositoryError("Save", "record", record.ID, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return persistence.NewRepositoryError("Save", "record", record.ID, fmt.Errorf("failed to commit: %w", err))
	}

	return nil
}

func (r *RecordRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM pipeline_records WHERE id = $1", id)
	if err != nil {
		return persistence.NewRepositoryError("Delete", "record", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewRepositoryError("Delete", "record", id, err)
	}

	if affected == 0 {
		return persistence.NewRepositoryError("Delete", "record", id, persistence.ErrRecordNotFound)
	}

	return nil
}

func saveStage(ctx context.Context, tx *sql.Tx, recordID string, position int, stage *models.StageRecord) error {
	candidates, err := json.Marshal(stage.CandidatePrincipals)
	if err != nil {
		return fmt.Errorf("failed to marshal candidates: %w", err)
	}

	deploy, err := nullableJSON(stage.Deploy)
	if err != nil {
		return fmt.Errorf("failed to marshal deploy spec: %w", err)
	}

	notify, err := nullableJSON(stage.Notify)
	if err != nil {
		return fmt.Errorf("failed to marshal notify spec: %w", err)
	}

	result, err := nullableJSON(stage.Result)
	if err != nil {
		return fmt.Errorf("failed to marshal stage result: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO stage_records (record_id, sequence_no, position, name, task_type, candidate_principals, deploy,
			notify, status, attempt, started_at, finished_at, result, failure_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (record_id, sequence_no) DO UPDATE SET
			status = EXCLUDED.status,
			attempt = EXCLUDED.attempt,
			started_at = EXCLUDED.started_at,
			finished_at = EXCLUDED.finished_at,
			result = EXCLUDED.result,
			failure_reason = EXCLUDED.failure_reason
	`,
		recordID,
		stage.SequenceNo,
		position,
		stage.Name,
		stage.TaskType,
		candidates,
		deploy,
		notify,
		stage.Status,
		stage.Attempt,
		nullTime(stage.StartedAt),
		nullTime(stage.FinishedAt),
		result,
		stage.FailureReason,
	)
	if err != nil {
		return fmt.Errorf("failed to save stage %d: %w", stage.SequenceNo, err)
	}

	for _, decision := range stage.Decisions {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO audit_decisions (record_id, sequence_no, attempt, principal, decision, comment, decided_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT DO NOTHING
		`,
			recordID,
			stage.SequenceNo,
			decision.Attempt,
			decision.Principal,
			decision.Decision,
			decision.Comment,
			decision.DecidedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to save decision of %s on stage %d: %w", decision.Principal, stage.SequenceNo, err)
		}
	}

	return nil
}

func (r *RecordRepository) loadStages(ctx context.Context, record *models.PipelineRecord) error {
	rows, err := r.db.QueryContext(ctx, `
		SELECT sequence_no, name, task_type, candidate_principals, deploy, notify, status, attempt,
			started_at, finished_at, result, failure_reason
		FROM stage_records
		WHERE record_id = $1
		ORDER BY position ASC
	`, record.ID)
	if err != nil {
		return fmt.Errorf("failed to query stages: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	record.Stages = make([]*models.StageRecord, 0)
	bySequence := make(map[int]*models.StageRecord)

	for rows.Next() {
		var (
			stage                           models.StageRecord
			candidates, deploy, notify, res []byte
			startedAt, finishedAt           sql.NullTime
		)

		err := rows.Scan(&stage.SequenceNo, &stage.Name, &stage.TaskType, &candidates, &deploy, &notify,
			&stage.Status, &stage.Attempt, &startedAt, &finishedAt, &res, &stage.FailureReason)
		if err != nil {
			return fmt.Errorf("failed to scan stage: %w", err)
		}

		if err := unmarshalNullable(candidates, &stage.CandidatePrincipals); err != nil {
			return err
		}

		if err := unmarshalNullable(deploy, &stage.Deploy); err != nil {
			return err
		}

		if err := unmarshalNullable(notify, &stage.Notify); err != nil {
			return err
		}

		if err := unmarshalNullable(res, &stage.Result); err != nil {
			return err
		}

		stage.StartedAt = timePtr(startedAt)
		stage.FinishedAt = timePtr(finishedAt)

		record.Stages = append(record.Stages, &stage)
		bySequence[stage.SequenceNo] = &stage
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating stages: %w", err)
	}

	return r.loadDecisions(ctx, record.ID, bySequence)
}

func (r *RecordRepository) loadDecisions(ctx context.Context, recordID string, stages map[int]*models.StageRecord) error {
	rows, err := r.db.QueryContext(ctx, `
		SELECT sequence_no, attempt, principal, decision, comment, decided_at
		FROM audit_decisions
		WHERE record_id = $1
		ORDER BY decided_at ASC, attempt ASC
	`, recordID)
	if err != nil {
		return fmt.Errorf("failed to query decisions: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	for rows.Next() {
		var (
			sequenceNo int
			decision   models.AuditDecision
		)

		err := rows.Scan(&sequenceNo, &decision.Attempt, &decision.Principal, &decision.Decision,
			&decision.Comment, &decision.DecidedAt)
		if err != nil {
			return fmt.Errorf("failed to scan decision: %w", err)
		}

		decision.DecidedAt = decision.DecidedAt.UTC()

		if stage, ok := stages[sequenceNo]; ok {
			stage.Decisions = append(stage.Decisions, decision)
		}
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating decisions: %w", err)
	}

	return nil
}

func scanRecord(row scanner) (*models.PipelineRecord, error) {
	var (
		record                models.PipelineRecord
		startedAt, finishedAt sql.NullTime
	)

	err := row.Scan(
		&record.ID,
		&record.GraphID,
		&record.GraphName,
		&record.ProjectID,
		&record.Status,
		&record.Current,
		&record.TriggeredBy,
		&startedAt,
		&finishedAt,
		&record.CreatedAt,
		&record.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	record.StartedAt = timePtr(startedAt)
	record.FinishedAt = timePtr(finishedAt)
	record.CreatedAt = record.CreatedAt.UTC()
	record.UpdatedAt = record.UpdatedAt.UTC()

	return &record, nil
}

// nullableJSON marshals v, mapping nil pointers and maps to SQL NULL.
func nullableJSON(v any) ([]byte, error) {
	switch value := v.(type) {
	case *models.DeploySpec:
		if value == nil {
			return nil, nil
		}
	case *models.NotifySpec:
		if value == nil {
			return nil, nil
		}
	case map[string]any:
		if value == nil {
			return nil, nil
		}
	}

	return json.Marshal(v)
}

func unmarshalNullable(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal stage column: %w", err)
	}

	return nil
}
