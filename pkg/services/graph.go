package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/dukex/conveyor/pkg/identity"
	"github.com/dukex/conveyor/pkg/models"
	"github.com/dukex/conveyor/pkg/persistence"
	"github.com/dukex/conveyor/pkg/template"
)

// Graphs manages the stage graphs of projects.
type Graphs struct {
	persistence persistence.Persistence
	directory   identity.Directory
	validate    *validator.Validate
	logger      *slog.Logger
}

// NewGraphs creates a new stage graph service.
func NewGraphs(persistence persistence.Persistence, directory identity.Directory, logger *slog.Logger) *Graphs {
	return &Graphs{
		persistence: persistence,
		directory:   directory,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		logger:      logger.With("module", "graph_service"),
	}
}

// HealthCheck checks the health of the persistence layer.
func (g *Graphs) HealthCheck(ctx context.Context) (string, bool) {
	if g.persistence == nil {
		return "Persistence layer not initialized", false
	}

	if err := g.persistence.HealthCheck(ctx); err != nil {
		return "Persistence layer is unhealthy: " + err.Error(), false
	}

	return "Persistence layer is healthy", true
}

// GraphRequest carries the editable fields of a stage graph.
type GraphRequest struct {
	Name    string            `json:"name"    validate:"required,min=1,max=255"`
	Enabled *bool             `json:"enabled"`
	Stages  []models.StageDef `json:"stages"  validate:"required,min=1,dive"`
	Actor   string            `json:"-"`
}

// ListGraphsRequest contains options for listing the graphs of a project.
type ListGraphsRequest struct {
	ProjectID string
	Name      string
	Enabled   *bool
	Limit     int
	Offset    int
}

// Create validates and stores a new stage graph in projectID. Graphs are enabled unless the request says
// otherwise.
func (g *Graphs) Create(ctx context.Context, projectID string, req GraphRequest) (*models.StageGraph, error) {
	now := time.Now().UTC()

	graph := &models.StageGraph{
		ID:        uuid.New().String(),
		ProjectID: projectID,
		Name:      strings.TrimSpace(req.Name),
		Enabled:   req.Enabled == nil || *req.Enabled,
		Stages:    req.Stages,
		CreatedBy: req.Actor,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := g.check(ctx, "Create", graph); err != nil {
		return nil, err
	}

	if err := g.save(ctx, "Create", graph); err != nil {
		return nil, err
	}

	g.logger.InfoContext(ctx, "Created stage graph", "graph_id", graph.ID, "project_id", projectID,
		"stages", len(graph.Stages))

	return graph, nil
}

// Update replaces name, stages and, when given, the enabled flag of a graph. Records already created from
// the graph keep their snapshot.
func (g *Graphs) Update(ctx context.Context, projectID, id string, req GraphRequest) (*models.StageGraph, error) {
	existing, err := g.Get(ctx, projectID, id)
	if err != nil {
		return nil, err
	}

	graph := existing.Clone()
	graph.Name = strings.TrimSpace(req.Name)
	graph.Stages = req.Stages
	graph.UpdatedAt = time.Now().UTC()

	if req.Enabled != nil {
		graph.Enabled = *req.Enabled
	}

	if err := g.check(ctx, "Update", graph); err != nil {
		return nil, err
	}

	if err := g.save(ctx, "Update", graph); err != nil {
		return nil, err
	}

	return graph, nil
}

// Delete removes a graph. Records created from it survive through their snapshot.
func (g *Graphs) Delete(ctx context.Context, projectID, id string) error {
	if _, err := g.Get(ctx, projectID, id); err != nil {
		return err
	}

	if err := g.persistence.GraphRepository().Delete(ctx, id); err != nil {
		if persistence.IsGraphNotFound(err) {
			return NewError("Delete", ErrGraphNotFound, "stage graph "+id+" not found")
		}

		return fmt.Errorf("failed to delete stage graph: %w", err)
	}

	g.logger.InfoContext(ctx, "Deleted stage graph", "graph_id", id, "project_id", projectID)

	return nil
}

// Enable allows new records to be created from the graph.
func (g *Graphs) Enable(ctx context.Context, projectID, id string) (*models.StageGraph, error) {
	return g.setEnabled(ctx, projectID, id, true)
}

// Disable stops new records from being created. Running records are not affected.
func (g *Graphs) Disable(ctx context.Context, projectID, id string) (*models.StageGraph, error) {
	return g.setEnabled(ctx, projectID, id, false)
}

func (g *Graphs) setEnabled(ctx context.Context, projectID, id string, enabled bool) (*models.StageGraph, error) {
	graph, err := g.Get(ctx, projectID, id)
	if err != nil {
		return nil, err
	}

	if graph.Enabled == enabled {
		return graph, nil
	}

	graph.Enabled = enabled
	graph.UpdatedAt = time.Now().UTC()

	if err := g.save(ctx, "SetEnabled", graph); err != nil {
		return nil, err
	}

	return graph, nil
}

// Get returns a graph of the project.
func (g *Graphs) Get(ctx context.Context, projectID, id string) (*models.StageGraph, error) {
	graph, err := g.persistence.GraphRepository().GetByID(ctx, id)
	if err != nil {
		if persistence.IsGraphNotFound(err) {
			return nil, NewError("Get", ErrGraphNotFound, "stage graph "+id+" not found")
		}

		return nil, fmt.Errorf("failed to get stage graph: %w", err)
	}

	if graph.ProjectID != projectID {
		return nil, NewError("Get", ErrGraphNotFound, "stage graph "+id+" not found")
	}

	return graph, nil
}

// List returns one page of the project's graphs.
func (g *Graphs) List(ctx context.Context, req ListGraphsRequest) (*persistence.GraphListResult, error) {
	if strings.TrimSpace(req.ProjectID) == "" {
		return nil, NewValidationError("List", "INVALID_REQUEST", "project id is required", ErrInvalidRequest)
	}

	result, err := g.persistence.GraphRepository().List(ctx, persistence.ListGraphsOptions{
		ProjectID: req.ProjectID,
		Name:      req.Name,
		Enabled:   req.Enabled,
		Limit:     persistence.NormalizeLimit(req.Limit),
		Offset:    max(req.Offset, 0),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list stage graphs: %w", err)
	}

	return result, nil
}

// CheckName returns ErrNameConflict when another graph of the project, other than excludeID, uses name.
func (g *Graphs) CheckName(ctx context.Context, projectID, name, excludeID string) error {
	existing, err := g.persistence.GraphRepository().GetByName(ctx, projectID, strings.TrimSpace(name))
	if err != nil {
		if persistence.IsGraphNotFound(err) {
			return nil
		}

		return fmt.Errorf("failed to check stage graph name: %w", err)
	}

	if existing.ID == excludeID {
		return nil
	}

	return NewError("CheckName", ErrNameConflict, fmt.Sprintf("name %q is already used in project %s", name, projectID))
}

// ListProjectUsers returns the principals that may be named as audit candidates in the project.
func (g *Graphs) ListProjectUsers(ctx context.Context, projectID string) ([]models.Principal, error) {
	members, err := g.directory.QueryUsersEligibleForProject(ctx, projectID)
	if err != nil {
		return nil, &ServiceError{
			Op:      "ListProjectUsers",
			Code:    Code(ErrExternalCallFailed),
			Message: "identity service: " + err.Error(),
			Err:     errors.Join(ErrExternalCallFailed, err),
		}
	}

	return members, nil
}

func (g *Graphs) check(ctx context.Context, op string, graph *models.StageGraph) error {
	if err := g.validate.Struct(graph); err != nil {
		return NewValidationError(op, Code(ErrInvalidGraph), err.Error(), fmt.Errorf("%w: %w", ErrInvalidGraph, err))
	}

	if err := graph.Validate(); err != nil {
		return NewValidationError(op, Code(ErrInvalidGraph), err.Error(), err)
	}

	for _, stage := range graph.Stages {
		if stage.Notify == nil {
			continue
		}

		if err := template.Validate(stage.Notify.Message); err != nil {
			return NewValidationError(op, Code(ErrInvalidGraph),
				fmt.Sprintf("stage %d: %v", stage.SequenceNo, err),
				fmt.Errorf("%w: stage %d message: %w", ErrInvalidGraph, stage.SequenceNo, err))
		}
	}

	if err := g.CheckName(ctx, graph.ProjectID, graph.Name, graph.ID); err != nil {
		return err
	}

	return g.checkCandidates(ctx, op, graph)
}

// checkCandidates makes sure every candidate principal resolves to at least one project member.
func (g *Graphs) checkCandidates(ctx context.Context, op string, graph *models.StageGraph) error {
	var candidates []string

	for _, stage := range graph.Stages {
		candidates = append(candidates, stage.CandidatePrincipals...)
	}

	if len(candidates) == 0 {
		return nil
	}

	members, err := g.ListProjectUsers(ctx, graph.ProjectID)
	if err != nil {
		return err
	}

	if _, unmatched := identity.ResolveCandidates(members, candidates); len(unmatched) > 0 {
		return NewValidationError(op, Code(ErrInvalidGraph),
			"candidate principals are not project members: "+strings.Join(unmatched, ", "),
			fmt.Errorf("%w: unknown candidates %v", ErrInvalidGraph, unmatched))
	}

	return nil
}

func (g *Graphs) save(ctx context.Context, op string, graph *models.StageGraph) error {
	if err := g.persistence.GraphRepository().Save(ctx, graph); err != nil {
		if errors.Is(err, persistence.ErrGraphNameTaken) {
			return NewError(op, ErrNameConflict, fmt.Sprintf("name %q is already used in project %s", graph.Name,
				graph.ProjectID))
		}

		return fmt.Errorf("failed to save stage graph: %w", err)
	}

	return nil
}
