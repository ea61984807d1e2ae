//go:build integration
// +build integration

package postgresql_test

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/dukex/conveyor/pkg/models"
	"github.com/dukex/conveyor/pkg/persistence"
	"github.com/dukex/conveyor/pkg/persistence/postgresql"
	"github.com/dukex/conveyor/pkg/testutil"
)

var postgresContainer *postgres.PostgresContainer

func TestMain(m *testing.M) {
	code := m.Run()

	if postgresContainer != nil {
		_ = postgresContainer.Terminate(context.Background())
	}

	os.Exit(code)
}

func dropDb(ctx context.Context, t *testing.T, databaseURL string) {
	t.Helper()

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	// Children first, parents last
	for _, table := range []string{
		"processed_pushes", "environment_resources", "environments",
		"audit_decisions", "stage_records", "pipeline_records", "stage_graphs", "schema_migrations",
	} {
		_, err = db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table+" CASCADE")
		require.NoError(t, err)
	}

	require.NoError(t, db.Close())
}

func setupTestDB(t *testing.T) (*postgresql.Persistence, context.Context, string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)

	if postgresContainer == nil || !postgresContainer.IsRunning() {
		var err error

		postgresContainer, err = postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("conveyor_test"),
			postgres.WithUsername("conveyor"),
			postgres.WithPassword("conveyor"),
			postgres.BasicWaitStrategies(),
		)
		require.NoError(t, err)
	}

	databaseURL, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	dropDb(ctx, t, databaseURL)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	p, err := postgresql.NewPersistence(ctx, logger, databaseURL)
	require.NoError(t, err)

	t.Cleanup(func() {
		dropDb(ctx, t, databaseURL)
		require.NoError(t, p.Close(ctx))
		cancel()
	})

	return p, ctx, databaseURL
}

func auditGraph(projectID, name string) *models.StageGraph {
	return testutil.CreateTestGraph(
		testutil.WithProject(projectID),
		testutil.WithName(name),
		testutil.WithStages(testutil.DeployStage("env-1"), testutil.AuditStage("alice", "bob")),
	)
}

func TestNewPersistence_Migrations(t *testing.T) {
	p, ctx, databaseURL := setupTestDB(t)

	require.NoError(t, p.HealthCheck(ctx))

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	defer db.Close()

	var version int
	require.NoError(t, db.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_migrations").Scan(&version))
	assert.Equal(t, 2, version)
}

func TestGraphRepository(t *testing.T) {
	p, ctx, _ := setupTestDB(t)
	repo := p.GraphRepository()

	graph := auditGraph("p1", "release")
	require.NoError(t, repo.Save(ctx, graph))

	got, err := repo.GetByID(ctx, graph.ID)
	require.NoError(t, err)
	assert.Equal(t, graph.Name, got.Name)
	require.Len(t, got.Stages, 2)
	assert.Equal(t, "1.0.0", got.Stages[0].Deploy.Version)
	assert.Equal(t, []string{"alice", "bob"}, got.Stages[1].CandidatePrincipals)

	byName, err := repo.GetByName(ctx, "p1", "release")
	require.NoError(t, err)
	assert.Equal(t, graph.ID, byName.ID)

	err = repo.Save(ctx, auditGraph("p1", "release"))
	require.ErrorIs(t, err, persistence.ErrGraphNameTaken)

	got.Enabled = false
	require.NoError(t, repo.Save(ctx, got))

	disabled := false
	list, err := repo.List(ctx, persistence.ListGraphsOptions{ProjectID: "p1", Enabled: &disabled})
	require.NoError(t, err)
	assert.Equal(t, int64(1), list.TotalCount)

	require.NoError(t, repo.Delete(ctx, graph.ID))

	_, err = repo.GetByID(ctx, graph.ID)
	require.ErrorIs(t, err, persistence.ErrGraphNotFound)
	require.ErrorIs(t, repo.Delete(ctx, graph.ID), persistence.ErrGraphNotFound)
}

func TestGraphRepository_ListPaging(t *testing.T) {
	p, ctx, _ := setupTestDB(t)
	repo := p.GraphRepository()

	for i := range 5 {
		require.NoError(t, repo.Save(ctx, auditGraph("p1", fmt.Sprintf("pipeline-%d", i))))
	}

	page, err := repo.List(ctx, persistence.ListGraphsOptions{ProjectID: "p1", Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(5), page.TotalCount)
	assert.True(t, page.HasNextPage)
	require.Len(t, page.Graphs, 2)
	assert.Equal(t, "pipeline-2", page.Graphs[0].Name)

	filtered, err := repo.List(ctx, persistence.ListGraphsOptions{ProjectID: "p1", Name: "-4"})
	require.NoError(t, err)
	require.Len(t, filtered.Graphs, 1)
}

func TestRecordRepository_DecisionsAreAppendOnly(t *testing.T) {
	p, ctx, _ := setupTestDB(t)
	repo := p.RecordRepository()

	graph := auditGraph("p1", "release")
	record := &models.PipelineRecord{
		ID:        uuid.NewString(),
		GraphID:   graph.ID,
		GraphName: graph.Name,
		ProjectID: graph.ProjectID,
		Status:    models.RecordStatusPending,
		Current:   -1,
		Stages:    models.NewStageRecords(graph.SnapshotForExecution()),
	}
	require.NoError(t, repo.Save(ctx, record))

	now := time.Now().UTC().Truncate(time.Millisecond)
	record.Status = models.RecordStatusStageAuditing
	record.Current = 1
	record.StartedAt = &now
	record.Stages[0].Status = models.StageStatusPassed
	record.Stages[0].Result = map[string]any{"artifact_ref": "api:1.0.0"}
	record.Stages[1].Status = models.StageStatusAuditing
	record.Stages[1].Attempt = 1
	record.Stages[1].Decisions = []models.AuditDecision{
		{Principal: "alice", Decision: models.DecisionReject, Attempt: 1, DecidedAt: now},
	}
	require.NoError(t, repo.Save(ctx, record))

	// A rewritten vote must not replace the stored one.
	record.Stages[1].Decisions[0].Decision = models.DecisionApprove
	record.Stages[1].Decisions = append(record.Stages[1].Decisions,
		models.AuditDecision{Principal: "bob", Decision: models.DecisionApprove, Attempt: 2, DecidedAt: now.Add(time.Second)})
	require.NoError(t, repo.Save(ctx, record))

	got, err := repo.GetByID(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RecordStatusStageAuditing, got.Status)
	assert.Equal(t, 1, got.Current)
	require.NotNil(t, got.StartedAt)
	assert.Equal(t, "api:1.0.0", got.Stages[0].Result["artifact_ref"])
	require.Len(t, got.Stages[1].Decisions, 2)
	assert.Equal(t, models.DecisionReject, got.Stages[1].Decisions[0].Decision)
	assert.Equal(t, "bob", got.Stages[1].Decisions[1].Principal)

	list, err := repo.List(ctx, persistence.ListRecordsOptions{
		GraphID:  graph.ID,
		Statuses: []models.RecordStatus{models.RecordStatusStageAuditing},
	})
	require.NoError(t, err)
	require.Len(t, list.Records, 1)
	require.Len(t, list.Records[0].Stages, 2)

	require.NoError(t, repo.Delete(ctx, record.ID))

	_, err = repo.GetByID(ctx, record.ID)
	require.ErrorIs(t, err, persistence.ErrRecordNotFound)
}

func TestEnvironmentAndPushRepositories(t *testing.T) {
	p, ctx, _ := setupTestDB(t)
	environments := p.EnvironmentRepository()
	pushes := p.PushRepository()

	env := &models.Environment{ID: "env-1", ProjectID: "p1", Name: "staging", Repository: "https://git/app.git", Ref: "refs/heads/main"}
	require.NoError(t, environments.Save(ctx, env))

	found, err := environments.FindByRepository(ctx, env.Repository, env.Ref)
	require.NoError(t, err)
	require.Len(t, found, 1)

	resource := &models.EnvironmentResource{EnvironmentID: "env-1", Path: "deploy.yaml", Kind: "Deployment", Name: "api", Checksum: "abc", Commit: "1234567"}
	require.NoError(t, environments.SaveResource(ctx, resource))

	resource.Checksum = "def"
	require.NoError(t, environments.SaveResource(ctx, resource))

	resources, err := environments.Resources(ctx, "env-1")
	require.NoError(t, err)
	require.Len(t, resources, 1)
	assert.Equal(t, "def", resources[0].Checksum)

	require.NoError(t, environments.DeleteResource(ctx, "env-1", "deploy.yaml"))

	resources, err = environments.Resources(ctx, "env-1")
	require.NoError(t, err)
	assert.Empty(t, resources)

	push := &models.ProcessedPush{Repository: env.Repository, Commit: "1234567", EnvironmentID: "env-1",
		ProcessedAt: time.Now().Add(-72 * time.Hour)}
	require.NoError(t, pushes.MarkProcessed(ctx, push))
	require.NoError(t, pushes.MarkProcessed(ctx, push))

	processed, err := pushes.IsProcessed(ctx, env.Repository, "1234567", "env-1")
	require.NoError(t, err)
	assert.True(t, processed)

	removed, err := pushes.PruneBefore(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
}
