package file

import (
	"context"
	"sort"
	"time"

	"github.com/dukex/conveyor/pkg/models"
	"github.com/dukex/conveyor/pkg/persistence"
)

// EnvironmentRepository handles environment files. Resources of one environment share a single file keyed
// by manifest path.
type EnvironmentRepository struct {
	p *Persistence
}

// GetByID retrieves an environment by its ID.
func (er *EnvironmentRepository) GetByID(_ context.Context, id string) (*models.Environment, error) {
	er.p.mu.RLock()
	defer er.p.mu.RUnlock()

	var environment models.Environment

	found, err := er.p.read(er.p.path(environmentsDir, id), &environment)
	if err != nil {
		return nil, persistence.NewRepositoryError("GetByID", "environment", id, err)
	}

	if !found {
		return nil, persistence.NewRepositoryError("GetByID", "environment", id, persistence.ErrEnvironmentNotFound)
	}

	return &environment, nil
}

// FindByRepository returns environments tracking repository at ref, ordered by id.
func (er *EnvironmentRepository) FindByRepository(_ context.Context, repository, ref string) ([]*models.Environment, error) {
	er.p.mu.RLock()
	defer er.p.mu.RUnlock()

	environments, err := list[models.Environment](er.p, environmentsDir)
	if err != nil {
		return nil, persistence.NewRepositoryError("FindByRepository", "environment", repository, err)
	}

	matched := make([]*models.Environment, 0)

	for _, environment := range environments {
		if environment.Repository == repository && environment.Ref == ref {
			matched = append(matched, environment)
		}
	}

	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })

	return matched, nil
}

// Save saves an environment.
func (er *EnvironmentRepository) Save(_ context.Context, environment *models.Environment) error {
	er.p.mu.Lock()
	defer er.p.mu.Unlock()

	now := time.Now().UTC()
	if environment.CreatedAt.IsZero() {
		environment.CreatedAt = now
	}

	environment.UpdatedAt = now

	if err := er.p.write(er.p.path(environmentsDir, environment.ID), environment); err != nil {
		return persistence.NewRepositoryError("Save", "environment", environment.ID, err)
	}

	return nil
}

// Resources returns the resources of an environment ordered by path.
func (er *EnvironmentRepository) Resources(_ context.Context, environmentID string) ([]*models.EnvironmentResource, error) {
	er.p.mu.RLock()
	defer er.p.mu.RUnlock()

	resources, err := er.loadResources(environmentID)
	if err != nil {
		return nil, persistence.NewRepositoryError("Resources", "environment", environmentID, err)
	}

	out := make([]*models.EnvironmentResource, 0, len(resources))
	for _, resource := range resources {
		out = append(out, resource)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })

	return out, nil
}

// SaveResource upserts a resource by (environment, path).
func (er *EnvironmentRepository) SaveResource(_ context.Context, resource *models.EnvironmentResource) error {
	er.p.mu.Lock()
	defer er.p.mu.Unlock()

	resources, err := er.loadResources(resource.EnvironmentID)
	if err != nil {
		return persistence.NewRepositoryError("SaveResource", "environment", resource.EnvironmentID, err)
	}

	if resource.UpdatedAt.IsZero() {
		resource.UpdatedAt = time.Now().UTC()
	}

	resources[resource.Path] = resource

	if err := er.p.write(er.p.path(resourcesDir, resource.EnvironmentID), resources); err != nil {
		return persistence.NewRepositoryError("SaveResource", "environment", resource.EnvironmentID, err)
	}

	return nil
}

// DeleteResource removes a resource; removing a missing one is not an error.
func (er *EnvironmentRepository) DeleteResource(_ context.Context, environmentID, path string) error {
	er.p.mu.Lock()
	defer er.p.mu.Unlock()

	resources, err := er.loadResources(environmentID)
	if err != nil {
		return persistence.NewRepositoryError("DeleteResource", "environment", environmentID, err)
	}

	if _, ok := resources[path]; !ok {
		return nil
	}

	delete(resources, path)

	if err := er.p.write(er.p.path(resourcesDir, environmentID), resources); err != nil {
		return persistence.NewRepositoryError("DeleteResource", "environment", environmentID, err)
	}

	return nil
}

func (er *EnvironmentRepository) loadResources(environmentID string) (map[string]*models.EnvironmentResource, error) {
	resources := make(map[string]*models.EnvironmentResource)

	if _, err := er.p.read(er.p.path(resourcesDir, environmentID), &resources); err != nil {
		return nil, err
	}

	return resources, nil
}
