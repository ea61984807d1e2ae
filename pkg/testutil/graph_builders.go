// Package testutil provides test data builders and utilities for testing.
package testutil

import (
	"time"

	"github.com/google/uuid"

	"github.com/dukex/conveyor/pkg/models"
)

// CreateTestGraph creates an enabled StageGraph with a single audit stage. Overrides are applied in order.
func CreateTestGraph(overrides ...func(*models.StageGraph)) *models.StageGraph {
	now := time.Now().UTC()

	graph := &models.StageGraph{
		ID:        uuid.NewString(),
		ProjectID: "p1",
		Name:      "release",
		Enabled:   true,
		Stages:    []models.StageDef{AuditStage("alice")},
		CreatedAt: now,
		UpdatedAt: now,
	}

	for _, override := range overrides {
		override(graph)
	}

	numberStages(graph.Stages)

	return graph
}

// WithID sets the graph ID.
func WithID(id string) func(*models.StageGraph) {
	return func(g *models.StageGraph) {
		g.ID = id
	}
}

// WithProject sets the owning project.
func WithProject(projectID string) func(*models.StageGraph) {
	return func(g *models.StageGraph) {
		g.ProjectID = projectID
	}
}

// WithName sets the graph name.
func WithName(name string) func(*models.StageGraph) {
	return func(g *models.StageGraph) {
		g.Name = name
	}
}

// WithEnabled sets whether records can be created from the graph.
func WithEnabled(enabled bool) func(*models.StageGraph) {
	return func(g *models.StageGraph) {
		g.Enabled = enabled
	}
}

// WithStages replaces the stages. Stages without a sequence number are numbered 10, 20, 30...
func WithStages(stages ...models.StageDef) func(*models.StageGraph) {
	return func(g *models.StageGraph) {
		g.Stages = stages
	}
}

// DeployStage creates an auto-deploy stage rolling api 1.0.0 out to env.
func DeployStage(env string) models.StageDef {
	return models.StageDef{
		Name:     "deploy " + env,
		TaskType: models.TaskTypeAutoDeploy,
		Deploy:   &models.DeploySpec{EnvironmentID: env, Application: "api", Version: "1.0.0"},
	}
}

// AuditStage creates a manual-audit stage decided by candidates.
func AuditStage(candidates ...string) models.StageDef {
	return models.StageDef{Name: "approve", TaskType: models.TaskTypeManualAudit, CandidatePrincipals: candidates}
}

// NotifyStage creates a notification stage addressed to team@example.com.
func NotifyStage(message string) models.StageDef {
	return models.StageDef{
		Name:     "notify",
		TaskType: models.TaskTypeNotification,
		Notify:   &models.NotifySpec{Recipients: []string{"team@example.com"}, Message: message},
	}
}

func numberStages(stages []models.StageDef) {
	for i := range stages {
		if stages[i].SequenceNo == 0 {
			stages[i].SequenceNo = (i + 1) * 10
		}
	}
}
