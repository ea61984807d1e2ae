// Package deploy is the contract with the deployment collaborator that auto-deploy stages call out to.
package deploy

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/dukex/conveyor/pkg/models"
	"github.com/dukex/conveyor/pkg/remote"
)

// Result is the outcome of a successful deploy.
type Result struct {
	ArtifactRef string `json:"artifact_ref"`
}

// Deployer checks and performs deployments of one application version into an environment.
type Deployer interface {
	CheckPreconditions(ctx context.Context, spec models.DeploySpec) (models.PreconditionReport, error)
	Deploy(ctx context.Context, spec models.DeploySpec) (Result, error)
}

// HTTPDeployer calls the deployment service API.
type HTTPDeployer struct {
	client *remote.Client
	logger *slog.Logger
}

// NewHTTPDeployer creates a deployer for the service at cfg.BaseURL.
func NewHTTPDeployer(cfg remote.Config, logger *slog.Logger) *HTTPDeployer {
	if cfg.Name == "" {
		cfg.Name = "deploy"
	}

	return &HTTPDeployer{
		client: remote.NewClient(cfg, logger),
		logger: logger.With("module", "http_deployer"),
	}
}

func (d *HTTPDeployer) CheckPreconditions(ctx context.Context, spec models.DeploySpec) (models.PreconditionReport, error) {
	var report models.PreconditionReport

	path := "/v1/environments/" + url.PathEscape(spec.EnvironmentID) + "/preconditions"
	if err := d.client.Do(ctx, http.MethodPost, path, spec, &report); err != nil {
		return models.PreconditionReport{}, fmt.Errorf("failed to check preconditions of %s: %w", spec.EnvironmentID, err)
	}

	return report, nil
}

func (d *HTTPDeployer) Deploy(ctx context.Context, spec models.DeploySpec) (Result, error) {
	var result Result

	path := "/v1/environments/" + url.PathEscape(spec.EnvironmentID) + "/deployments"
	if err := d.client.Do(ctx, http.MethodPost, path, spec, &result); err != nil {
		return Result{}, fmt.Errorf("failed to deploy %s %s to %s: %w", spec.Application, spec.Version, spec.EnvironmentID, err)
	}

	d.logger.InfoContext(ctx, "Deployed",
		"environment_id", spec.EnvironmentID,
		"application", spec.Application,
		"version", spec.Version,
		"artifact_ref", result.ArtifactRef)

	return result, nil
}

// DryRun accepts every deploy without calling anything. It backs local setups without a deployment
// service.
type DryRun struct {
	logger *slog.Logger
}

func NewDryRun(logger *slog.Logger) *DryRun {
	return &DryRun{logger: logger.With("module", "dry_run_deployer")}
}

func (d *DryRun) CheckPreconditions(_ context.Context, _ models.DeploySpec) (models.PreconditionReport, error) {
	return models.PreconditionReport{OK: true}, nil
}

func (d *DryRun) Deploy(ctx context.Context, spec models.DeploySpec) (Result, error) {
	d.logger.InfoContext(ctx, "Dry-run deploy", "environment_id", spec.EnvironmentID, "application", spec.Application,
		"version", spec.Version)

	return Result{ArtifactRef: "dry-run:" + spec.Application + ":" + spec.Version}, nil
}
