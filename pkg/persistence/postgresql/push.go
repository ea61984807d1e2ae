package postgresql

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/dukex/conveyor/pkg/models"
	"github.com/dukex/conveyor/pkg/persistence"
)

// PushRepository is the processed-push ledger table.
type PushRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPushRepository creates a new processed-push repository.
func NewPushRepository(db *sql.DB, logger *slog.Logger) *PushRepository {
	return &PushRepository{db: db, logger: logger}
}

func (r *PushRepository) IsProcessed(ctx context.Context, repository, commit, environmentID string) (bool, error) {
	var exists bool

	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM processed_pushes
			WHERE environment_id = $1 AND repository = $2 AND commit_sha = $3
		)
	`, environmentID, repository, commit).Scan(&exists)
	if err != nil {
		return false, persistence.NewRepositoryError("IsProcessed", "push", commit, err)
	}

	return exists, nil
}

func (r *PushRepository) MarkProcessed(ctx context.Context, push *models.ProcessedPush) error {
	if push.ProcessedAt.IsZero() {
		push.ProcessedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO processed_pushes (environment_id, repository, commit_sha, processed_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT DO NOTHING
	`, push.EnvironmentID, push.Repository, push.Commit, push.ProcessedAt)
	if err != nil {
		return persistence.NewRepositoryError("MarkProcessed", "push", push.Commit, err)
	}

	return nil
}

func (r *PushRepository) PruneBefore(ctx context.Context, t time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, "DELETE FROM processed_pushes WHERE processed_at < $1", t)
	if err != nil {
		return 0, persistence.NewRepositoryError("PruneBefore", "push", "", err)
	}

	removed, err := result.RowsAffected()
	if err != nil {
		return 0, persistence.NewRepositoryError("PruneBefore", "push", "", err)
	}

	return removed, nil
}
