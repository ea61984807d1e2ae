package file

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/dukex/conveyor/pkg/models"
	"github.com/dukex/conveyor/pkg/persistence"
)

// GraphRepository handles stage graph file operations.
type GraphRepository struct {
	p *Persistence
}

// GetByID retrieves a stage graph by its ID from the file system.
func (gr *GraphRepository) GetByID(_ context.Context, id string) (*models.StageGraph, error) {
	gr.p.mu.RLock()
	defer gr.p.mu.RUnlock()

	var graph models.StageGraph

	found, err := gr.p.read(gr.p.path(graphsDir, id), &graph)
	if err != nil {
		return nil, persistence.NewRepositoryError("GetByID", "graph", id, err)
	}

	if !found {
		return nil, persistence.NewRepositoryError("GetByID", "graph", id, persistence.ErrGraphNotFound)
	}

	return &graph, nil
}

// GetByName finds the graph of a project by name.
func (gr *GraphRepository) GetByName(_ context.Context, projectID, name string) (*models.StageGraph, error) {
	gr.p.mu.RLock()
	defer gr.p.mu.RUnlock()

	graphs, err := list[models.StageGraph](gr.p, graphsDir)
	if err != nil {
		return nil, persistence.NewRepositoryError("GetByName", "graph", name, err)
	}

	for _, graph := range graphs {
		if graph.ProjectID == projectID && graph.Name == name {
			return graph, nil
		}
	}

	return nil, persistence.NewRepositoryError("GetByName", "graph", name, persistence.ErrGraphNotFound)
}

// List returns paginated and filtered graphs of a project sorted by name.
func (gr *GraphRepository) List(_ context.Context, opts persistence.ListGraphsOptions) (*persistence.GraphListResult, error) {
	gr.p.mu.RLock()
	defer gr.p.mu.RUnlock()

	graphs, err := list[models.StageGraph](gr.p, graphsDir)
	if err != nil {
		return nil, persistence.NewRepositoryError("List", "graph", "", err)
	}

	filtered := make([]*models.StageGraph, 0, len(graphs))

	for _, graph := range graphs {
		if opts.ProjectID != "" && graph.ProjectID != opts.ProjectID {
			continue
		}

		if opts.Name != "" && !strings.Contains(graph.Name, opts.Name) {
			continue
		}

		if opts.Enabled != nil && graph.Enabled != *opts.Enabled {
			continue
		}

		filtered = append(filtered, graph)
	}

	sort.Slice(filtered, func(i, j int) bool {
		return filtered[i].Name < filtered[j].Name
	})

	items, hasNext := page(filtered, opts.Limit, opts.Offset)

	return &persistence.GraphListResult{
		Graphs:      items,
		TotalCount:  int64(len(filtered)),
		HasNextPage: hasNext,
	}, nil
}

// Save saves a stage graph, enforcing name uniqueness within the project.
func (gr *GraphRepository) Save(_ context.Context, graph *models.StageGraph) error {
	gr.p.mu.Lock()
	defer gr.p.mu.Unlock()

	graphs, err := list[models.StageGraph](gr.p, graphsDir)
	if err != nil {
		return persistence.NewRepositoryError("Save", "graph", graph.ID, err)
	}

	for _, other := range graphs {
		if other.ID != graph.ID && other.ProjectID == graph.ProjectID && other.Name == graph.Name {
			return persistence.NewRepositoryError("Save", "graph", graph.ID, persistence.ErrGraphNameTaken)
		}
	}

	now := time.Now().UTC()
	if graph.CreatedAt.IsZero() {
		graph.CreatedAt = now
	}

	graph.UpdatedAt = now

	if err := gr.p.write(gr.p.path(graphsDir, graph.ID), graph); err != nil {
		return persistence.NewRepositoryError("Save", "graph", graph.ID, err)
	}

	return nil
}

// Delete removes a stage graph by its ID.
func (gr *GraphRepository) Delete(_ context.Context, id string) error {
	gr.p.mu.Lock()
	defer gr.p.mu.Unlock()

	found, err := gr.p.remove(gr.p.path(graphsDir, id))
	if err != nil {
		return persistence.NewRepositoryError("Delete", "graph", id, err)
	}

	if !found {
		return persistence.NewRepositoryError("Delete", "graph", id, persistence.ErrGraphNotFound)
	}

	return nil
}
