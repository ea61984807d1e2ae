package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/conveyor/pkg/models"
	"github.com/dukex/conveyor/pkg/persistence"
)

const environmentColumns = `
	id
  , project_id
  , name
  , repository
  , ref
  , last_commit
  , created_at
  , updated_at
`

// EnvironmentRepository handles GitOps environments and their synced resources.
type EnvironmentRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewEnvironmentRepository creates a new environment repository.
func NewEnvironmentRepository(db *sql.DB, logger *slog.Logger) *EnvironmentRepository {
	return &EnvironmentRepository{db: db, logger: logger}
}

func (r *EnvironmentRepository) GetByID(ctx context.Context, id string) (*models.Environment, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+environmentColumns+" FROM environments WHERE id = $1", id)

	environment, err := scanEnvironment(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewRepositoryError("GetByID", "environment", id, persistence.ErrEnvironmentNotFound)
		}

		return nil, persistence.NewRepositoryError("GetByID", "environment", id, err)
	}

	return environment, nil
}

func (r *EnvironmentRepository) FindByRepository(ctx context.Context, repository, ref string) ([]*models.Environment, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+environmentColumns+" FROM environments WHERE repository = $1 AND ref = $2 ORDER BY id ASC",
		repository, ref)
	if err != nil {
		return nil, persistence.NewRepositoryError("FindByRepository", "environment", repository, err)
	}

	defer closeRows(ctx, r.logger, rows)

	environments := make([]*models.Environment, 0)

	for rows.Next() {
		environment, err := scanEnvironment(rows)
		if err != nil {
			return nil, persistence.NewRepositoryError("FindByRepository", "environment", repository, err)
		}

		environments = append(environments, environment)
	}

	if err := rows.Err(); err != nil {
		return nil, persistence.NewRepositoryError("FindByRepository", "environment", repository, err)
	}

	return environments, nil
}

func (r *EnvironmentRepository) Save(ctx context.Context, environment *models.Environment) error {
	now := time.Now().UTC()
	if environment.CreatedAt.IsZero() {
		environment.CreatedAt = now
	}

	environment.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO environments (id, project_id, name, repository, ref, last_commit, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			project_id = EXCLUDED.project_id,
			name = EXCLUDED.name,
			repository = EXCLUDED.repository,
			ref = EXCLUDED.ref,
			last_commit = EXCLUDED.last_commit,
			updated_at = EXCLUDED.updated_at
	`,
		environment.ID,
		environment.ProjectID,
		environment.Name,
		environment.Repository,
		environment.Ref,
		environment.LastCommit,
		environment.CreatedAt,
		environment.UpdatedAt,
	)
	if err != nil {
		return persistence.NewRepositoryError("Save", "environment", environment.ID, err)
	}

	return nil
}

func (r *EnvironmentRepository) Resources(ctx context.Context, environmentID string) ([]*models.EnvironmentResource, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT environment_id, path, kind, name, namespace, checksum, commit_sha, updated_at
		FROM environment_resources
		WHERE environment_id = $1
		ORDER BY path ASC
	`, environmentID)
	if err != nil {
		return nil, persistence.NewRepositoryError("Resources", "environment", environmentID, err)
	}

	defer closeRows(ctx, r.logger, rows)

	resources := make([]*models.EnvironmentResource, 0)

	for rows.Next() {
		var resource models.EnvironmentResource

		err := rows.Scan(&resource.EnvironmentID, &resource.Path, &resource.Kind, &resource.Name,
			&resource.Namespace, &resource.Checksum, &resource.Commit, &resource.UpdatedAt)
		if err != nil {
			return nil, persistence.NewRepositoryError("Resources", "environment", environmentID,
				fmt.Errorf("failed to scan resource: %w", err))
		}

		resource.UpdatedAt = resource.UpdatedAt.UTC()
		resources = append(resources, &resource)
	}

	if err := rows.Err(); err != nil {
		return nil, persistence.NewRepositoryError("Resources", "environment", environmentID, err)
	}

	return resources, nil
}

func (r *EnvironmentRepository) SaveResource(ctx context.Context, resource *models.EnvironmentResource) error {
	if resource.UpdatedAt.IsZero() {
		resource.UpdatedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO environment_resources (environment_id, path, kind, name, namespace, checksum, commit_sha, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (environment_id, path) DO UPDATE SET
			kind = EXCLUDED.kind,
			name = EXCLUDED.name,
			namespace = EXCLUDED.namespace,
			checksum = EXCLUDED.checksum,
			commit_sha = EXCLUDED.commit_sha,
			updated_at = EXCLUDED.updated_at
	`,
		resource.EnvironmentID,
		resource.Path,
		resource.Kind,
		resource.Name,
		resource.Namespace,
		resource.Checksum,
		resource.Commit,
		resource.UpdatedAt,
	)
	if err != nil {
		return persistence.NewRepositoryError("SaveResource", "environment", resource.EnvironmentID, err)
	}

	return nil
}

func (r *EnvironmentRepository) DeleteResource(ctx context.Context, environmentID, path string) error {
	_, err := r.db.ExecContext(ctx,
		"DELETE FROM environment_resources WHERE environment_id = $1 AND path = $2", environmentID, path)
	if err != nil {
		return persistence.NewRepositoryError("DeleteResource", "environment", environmentID, err)
	}

	return nil
}

func scanEnvironment(row scanner) (*models.Environment, error) {
	var environment models.Environment

	err := row.Scan(
		&environment.ID,
		&environment.ProjectID,
		&environment.Name,
		&environment.Repository,
		&environment.Ref,
		&environment.LastCommit,
		&environment.CreatedAt,
		&environment.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	environment.CreatedAt = environment.CreatedAt.UTC()
	environment.UpdatedAt = environment.UpdatedAt.UTC()

	return &environment, nil
}
