package gitops

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dukex/conveyor/pkg/models"
	"github.com/dukex/conveyor/pkg/persistence"
)

// Applier applies a push to the state of one environment.
type Applier interface {
	Apply(ctx context.Context, environment *models.Environment, push models.PushEvent) (ApplyResult, error)
}

// ApplierFunc adapts a function to Applier.
type ApplierFunc func(ctx context.Context, environment *models.Environment, push models.PushEvent) (ApplyResult, error)

func (f ApplierFunc) Apply(ctx context.Context, environment *models.Environment, push models.PushEvent) (ApplyResult, error) {
	return f(ctx, environment, push)
}

// ApplyResult summarizes one applied push.
type ApplyResult struct {
	Upserted []string
	Removed  []string
	Skipped  []string
}

// manifest is the subset of a Kubernetes-style manifest an environment resource records.
type manifest struct {
	APIVersion string `yaml:"apiVersion"`
	Kind       string `yaml:"kind"`
	Metadata   struct {
		Name      string `yaml:"name"`
		Namespace string `yaml:"namespace"`
	} `yaml:"metadata"`
}

// ManifestApplier syncs the YAML manifests touched by a push into the environment's resources. Only paths
// listed in the push are read. Files deleted by the push remove their resource; unchanged content is not
// rewritten, so applying a push twice leaves the same state.
type ManifestApplier struct {
	source       Source
	environments persistence.EnvironmentRepository
	logger       *slog.Logger
}

func NewManifestApplier(source Source, environments persistence.EnvironmentRepository, logger *slog.Logger) *ManifestApplier {
	return &ManifestApplier{
		source:       source,
		environments: environments,
		logger:       logger.With("module", "manifest_applier"),
	}
}

type change struct {
	path     string
	resource *models.EnvironmentResource // nil removes the path
}

// Apply reads and parses every changed manifest before writing anything, so a broken file leaves the
// environment untouched.
func (a *ManifestApplier) Apply(
	ctx context.Context,
	environment *models.Environment,
	push models.PushEvent,
) (ApplyResult, error) {
	var (
		result  ApplyResult
		changes []change
	)

	now := time.Now().UTC()

	for _, p := range changedManifests(push.ChangedPaths) {
		if !isManifest(p) {
			result.Skipped = append(result.Skipped, p)

			continue
		}

		data, err := a.source.ReadFile(ctx, environment.Repository, push.Commit, p)
		if errors.Is(err, ErrFileNotFound) {
			changes = append(changes, change{path: p})

			continue
		}

		if err != nil {
			return ApplyResult{}, err
		}

		resource, err := parseManifest(data)
		if err != nil {
			return ApplyResult{}, fmt.Errorf("%s at %s: %w", p, push.Commit, err)
		}

		resource.EnvironmentID = environment.ID
		resource.Path = p
		resource.Commit = push.Commit
		resource.UpdatedAt = now

		changes = append(changes, change{path: p, resource: resource})
	}

	existing, err := a.current(ctx, environment.ID)
	if err != nil {
		return ApplyResult{}, err
	}

	for _, c := range changes {
		if c.resource == nil {
			if _, ok := existing[c.path]; !ok {
				continue
			}

			if err := a.environments.DeleteResource(ctx, environment.ID, c.path); err != nil {
				return result, fmt.Errorf("failed to remove %s: %w", c.path, err)
			}

			result.Removed = append(result.Removed, c.path)

			continue
		}

		if prev, ok := existing[c.path]; ok && prev.Checksum == c.resource.Checksum {
			continue
		}

		if err := a.environments.SaveResource(ctx, c.resource); err != nil {
			return result, fmt.Errorf("failed to save %s: %w", c.path, err)
		}

		result.Upserted = append(result.Upserted, c.path)
	}

	if environment.LastCommit != push.Commit {
		environment.LastCommit = push.Commit
		environment.UpdatedAt = now

		if err := a.environments.Save(ctx, environment); err != nil {
			return result, fmt.Errorf("failed to save environment: %w", err)
		}
	}

	a.logger.InfoContext(ctx, "Applied push", "environment_id", environment.ID, "commit", push.Commit,
		"upserted", len(result.Upserted), "removed", len(result.Removed), "skipped", len(result.Skipped))

	return result, nil
}

func (a *ManifestApplier) current(ctx context.Context, environmentID string) (map[string]*models.EnvironmentResource, error) {
	resources, err := a.environments.Resources(ctx, environmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load resources of %s: %w", environmentID, err)
	}

	byPath := make(map[string]*models.EnvironmentResource, len(resources))
	for _, resource := range resources {
		byPath[resource.Path] = resource
	}

	return byPath, nil
}

// changedManifests cleans, deduplicates and sorts the changed paths.
func changedManifests(paths []string) []string {
	cleaned := make([]string, 0, len(paths))

	for _, p := range paths {
		p = strings.TrimPrefix(path.Clean("/"+p), "/")
		if p == "" || p == "." {
			continue
		}

		cleaned = append(cleaned, p)
	}

	slices.Sort(cleaned)

	return slices.Compact(cleaned)
}

func isManifest(p string) bool {
	ext := strings.ToLower(path.Ext(p))

	return ext == ".yaml" || ext == ".yml"
}

// parseManifest reads the first document of a YAML manifest. The checksum covers the whole file.
func parseManifest(data []byte) (*models.EnvironmentResource, error) {
	var m manifest

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	if err := decoder.Decode(&m); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}

	if m.Kind == "" || m.Metadata.Name == "" {
		return nil, errors.New("invalid manifest: kind and metadata.name are required")
	}

	sum := sha256.Sum256(data)

	return &models.EnvironmentResource{
		Kind:      m.Kind,
		Name:      m.Metadata.Name,
		Namespace: m.Metadata.Namespace,
		Checksum:  hex.EncodeToString(sum[:]),
	}, nil
}
