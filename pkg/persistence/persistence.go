// Package persistence provides the data storage abstraction for stage graphs, pipeline records and GitOps
// environment state.
package persistence

import (
	"context"
	"time"

	"github.com/dukex/conveyor/pkg/models"
)

// Persistence groups the repositories of one storage backend.
type Persistence interface {
	GraphRepository() GraphRepository
	RecordRepository() RecordRepository
	EnvironmentRepository() EnvironmentRepository
	PushRepository() PushRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// GraphRepository stores stage graphs.
type GraphRepository interface {
	// GetByID returns ErrGraphNotFound when no graph has the id.
	GetByID(ctx context.Context, id string) (*models.StageGraph, error)
	// GetByName returns ErrGraphNotFound when the project has no graph with that name.
	GetByName(ctx context.Context, projectID, name string) (*models.StageGraph, error)
	List(ctx context.Context, opts ListGraphsOptions) (*GraphListResult, error)
	Save(ctx context.Context, graph *models.StageGraph) error
	// Delete returns ErrGraphNotFound when no graph has the id.
	Delete(ctx context.Context, id string) error
}

// RecordRepository stores pipeline records together with their stage records and audit decisions.
type RecordRepository interface {
	// GetByID returns ErrRecordNotFound when no record has the id.
	GetByID(ctx context.Context, id string) (*models.PipelineRecord, error)
	List(ctx context.Context, opts ListRecordsOptions) (*RecordListResult, error)
	// Save writes the whole record. Audit decisions already stored are never rewritten.
	Save(ctx context.Context, record *models.PipelineRecord) error
	// Delete removes the record and, transitively, its stages and decisions.
	Delete(ctx context.Context, id string) error
}

// EnvironmentRepository stores GitOps-managed environments and the resources synced into them.
type EnvironmentRepository interface {
	// GetByID returns ErrEnvironmentNotFound when no environment has the id.
	GetByID(ctx context.Context, id string) (*models.Environment, error)
	// FindByRepository returns the environments tracking repository at ref.
	FindByRepository(ctx context.Context, repository, ref string) ([]*models.Environment, error)
	Save(ctx context.Context, environment *models.Environment) error

	Resources(ctx context.Context, environmentID string) ([]*models.EnvironmentResource, error)
	SaveResource(ctx context.Context, resource *models.EnvironmentResource) error
	DeleteResource(ctx context.Context, environmentID, path string) error
}

// PushRepository is the ledger of GitOps pushes already applied to an environment.
type PushRepository interface {
	IsProcessed(ctx context.Context, repository, commit, environmentID string) (bool, error)
	MarkProcessed(ctx context.Context, push *models.ProcessedPush) error
	// PruneBefore deletes ledger entries processed before t and returns how many were removed.
	PruneBefore(ctx context.Context, t time.Time) (int64, error)
}

// ListGraphsOptions filters and pages stage graphs of one project.
type ListGraphsOptions struct {
	ProjectID string
	Name      string // substring match
	Enabled   *bool
	Limit     int
	Offset    int
}

// GraphListResult is one page of stage graphs.
type GraphListResult struct {
	Graphs      []*models.StageGraph `json:"graphs"`
	TotalCount  int64                `json:"total_count"`
	HasNextPage bool                 `json:"has_next_page"`
}

// ListRecordsOptions filters and pages pipeline records, newest first.
type ListRecordsOptions struct {
	ProjectID string
	GraphID   string
	Statuses  []models.RecordStatus
	Limit     int
	Offset    int
}

// RecordListResult is one page of pipeline records.
type RecordListResult struct {
	Records     []*models.PipelineRecord `json:"records"`
	TotalCount  int64                    `json:"total_count"`
	HasNextPage bool                     `json:"has_next_page"`
}

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// NormalizeLimit applies the default page size and caps it.
func NormalizeLimit(limit int) int {
	if limit <= 0 || limit > MaxLimit {
		return DefaultLimit
	}

	return limit
}
