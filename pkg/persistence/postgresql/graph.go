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

	"github.com/dukex/conveyor/pkg/models"
	"github.com/dukex/conveyor/pkg/persistence"
)

const graphColumns = `
	id
  , project_id
  , name
  , enabled
  , stages
  , created_by
  , created_at
  , updated_at
`

// GraphRepository handles stage graph database operations. Stages are stored as a JSONB snapshot.
type GraphRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewGraphRepository creates a new stage graph repository.
func NewGraphRepository(db *sql.DB, logger *slog.Logger) *GraphRepository {
	return &GraphRepository{db: db, logger: logger}
}

func (r *GraphRepository) GetByID(ctx context.Context, id string) (*models.StageGraph, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+graphColumns+" FROM stage_graphs WHERE id = $1", id)

	graph, err := scanGraph(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewRepositoryError("GetByID", "graph", id, persistence.ErrGraphNotFound)
		}

		return nil, persistence.NewRepositoryError("GetByID", "graph", id, err)
	}

	return graph, nil
}

func (r *GraphRepository) GetByName(ctx context.Context, projectID, name string) (*models.StageGraph, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+graphColumns+" FROM stage_graphs WHERE project_id = $1 AND name = $2", projectID, name)

	graph, err := scanGraph(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewRepositoryError("GetByName", "graph", name, persistence.ErrGraphNotFound)
		}

		return nil, persistence.NewRepositoryError("GetByName", "graph", name, err)
	}

	return graph, nil
}

// List returns paginated graphs ordered by name.
func (r *GraphRepository) List(ctx context.Context, opts persistence.ListGraphsOptions) (*persistence.GraphListResult, error) {
	var (
		conditions []string
		args       []any
	)

	if opts.ProjectID != "" {
		args = append(args, opts.ProjectID)
		conditions = append(conditions, "project_id = $"+strconv.Itoa(len(args)))
	}

	if opts.Name != "" {
		args = append(args, "%"+opts.Name+"%")
		conditions = append(conditions, "name LIKE $"+strconv.Itoa(len(args)))
	}

	if opts.Enabled != nil {
		args = append(args, *opts.Enabled)
		conditions = append(conditions, "enabled = $"+strconv.Itoa(len(args)))
	}

	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	var total int64

	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM stage_graphs"+where, args...).Scan(&total)
	if err != nil {
		return nil, persistence.NewRepositoryError("List", "graph", "", fmt.Errorf("failed to count graphs: %w", err))
	}

	limit := persistence.NormalizeLimit(opts.Limit)
	offset := max(opts.Offset, 0)
	args = append(args, limit, offset)

	query := fmt.Sprintf("SELECT %s FROM stage_graphs%s ORDER BY name ASC LIMIT $%d OFFSET $%d",
		graphColumns, where, len(args)-1, len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, persistence.NewRepositoryError("List", "graph", "", fmt.Errorf("failed to query graphs: %w", err))
	}

	defer closeRows(ctx, r.logger, rows)

	graphs := make([]*models.StageGraph, 0)

	for rows.Next() {
		graph, err := scanGraph(rows)
		if err != nil {
			return nil, persistence.NewRepositoryError("List", "graph", "", fmt.Errorf("failed to scan graph: %w", err))
		}

		graphs = append(graphs, graph)
	}

	if err := rows.Err(); err != nil {
		return nil, persistence.NewRepositoryError("List", "graph", "", fmt.Errorf("error iterating graphs: %w", err))
	}

	return &persistence.GraphListResult{
		Graphs:      graphs,
		TotalCount:  total,
		HasNextPage: int64(offset+len(graphs)) < total,
	}, nil
}

// Save upserts a stage graph. A duplicate (project, name) yields ErrGraphNameTaken.
func (r *GraphRepository) Save(ctx context.Context, graph *models.StageGraph) error {
	now := time.Now().UTC()
	if graph.CreatedAt.IsZero() {
		graph.CreatedAt = now
	}

	graph.UpdatedAt = now

	stagesJSON, err := json.Marshal(graph.Stages)
	if err != nil {
		return persistence.NewRepositoryError("Save", "graph", graph.ID, fmt.Errorf("failed to marshal stages: %w", err))
	}

	query := `
		INSERT INTO stage_graphs (id, project_id, name, enabled, stages, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			enabled = EXCLUDED.enabled,
			stages = EXCLUDED.stages,
			updated_at = EXCLUDED.updated_at
	`

	_, err = r.db.ExecContext(ctx, query,
		graph.ID,
		graph.ProjectID,
		graph.Name,
		graph.Enabled,
		stagesJSON,
		graph.CreatedBy,
		graph.CreatedAt,
		graph.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return persistence.NewRepositoryError("Save", "graph", graph.ID, persistence.ErrGraphNameTaken)
		}

		return persistence.NewRepositoryError("Save", "graph", graph.ID, err)
	}

	return nil
}

func (r *GraphRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM stage_graphs WHERE id = $1", id)
	if err != nil {
		return persistence.NewRepositoryError("Delete", "graph", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewRepositoryError("Delete", "graph", id, err)
	}

	if affected == 0 {
		return persistence.NewRepositoryError("Delete", "graph", id, persistence.ErrGraphNotFound)
	}

	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanGraph(row scanner) (*models.StageGraph, error) {
	var (
		graph      models.StageGraph
		stagesJSON []byte
	)

	err := row.Scan(
		&graph.ID,
		&graph.ProjectID,
		&graph.Name,
		&graph.Enabled,
		&stagesJSON,
		&graph.CreatedBy,
		&graph.CreatedAt,
		&graph.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(stagesJSON, &graph.Stages); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stages: %w", err)
	}

	graph.CreatedAt = graph.CreatedAt.UTC()
	graph.UpdatedAt = graph.UpdatedAt.UTC()

	return &graph, nil
}
