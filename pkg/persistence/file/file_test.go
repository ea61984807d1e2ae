package file

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukex/conveyor/pkg/models"
	"github.com/dukex/conveyor/pkg/persistence"
	"github.com/dukex/conveyor/pkg/testutil"
)

func newGraph(id, project, name string) *models.StageGraph {
	graph := testutil.CreateTestGraph(testutil.WithID(id), testutil.WithProject(project), testutil.WithName(name))
	graph.CreatedAt = time.Time{}

	return graph
}

func TestPersistence_HealthCheck(t *testing.T) {
	p := NewPersistence("file://" + t.TempDir())
	require.NoError(t, p.HealthCheck(context.Background()))

	missing := NewPersistence(t.TempDir() + "/missing")
	require.Error(t, missing.HealthCheck(context.Background()))
}

func TestGraphRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewPersistence(t.TempDir()).GraphRepository()

	_, err := repo.GetByID(ctx, "nope")
	require.ErrorIs(t, err, persistence.ErrGraphNotFound)

	graph := newGraph("g1", "p1", "release")
	require.NoError(t, repo.Save(ctx, graph))
	assert.False(t, graph.CreatedAt.IsZero())

	got, err := repo.GetByID(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, "release", got.Name)
	assert.Len(t, got.Stages, 1)

	byName, err := repo.GetByName(ctx, "p1", "release")
	require.NoError(t, err)
	assert.Equal(t, "g1", byName.ID)

	_, err = repo.GetByName(ctx, "p2", "release")
	require.ErrorIs(t, err, persistence.ErrGraphNotFound)

	err = repo.Save(ctx, newGraph("g2", "p1", "release"))
	require.ErrorIs(t, err, persistence.ErrGraphNameTaken)

	require.NoError(t, repo.Save(ctx, newGraph("g3", "p2", "release")))

	require.NoError(t, repo.Delete(ctx, "g1"))
	require.ErrorIs(t, repo.Delete(ctx, "g1"), persistence.ErrGraphNotFound)
}

func TestGraphRepository_List(t *testing.T) {
	ctx := context.Background()
	repo := NewPersistence(t.TempDir()).GraphRepository()

	for i := range 5 {
		graph := newGraph(fmt.Sprintf("g%d", i), "p1", fmt.Sprintf("pipeline-%d", i))
		graph.Enabled = i%2 == 0
		require.NoError(t, repo.Save(ctx, graph))
	}

	require.NoError(t, repo.Save(ctx, newGraph("other", "p2", "pipeline-x")))

	result, err := repo.List(ctx, persistence.ListGraphsOptions{ProjectID: "p1", Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(5), result.TotalCount)
	assert.True(t, result.HasNextPage)
	require.Len(t, result.Graphs, 2)
	assert.Equal(t, "pipeline-0", result.Graphs[0].Name)

	enabled := true
	result, err = repo.List(ctx, persistence.ListGraphsOptions{ProjectID: "p1", Enabled: &enabled})
	require.NoError(t, err)
	assert.Equal(t, int64(3), result.TotalCount)

	result, err = repo.List(ctx, persistence.ListGraphsOptions{ProjectID: "p1", Name: "-4"})
	require.NoError(t, err)
	require.Len(t, result.Graphs, 1)
	assert.Equal(t, "g4", result.Graphs[0].ID)

	result, err = repo.List(ctx, persistence.ListGraphsOptions{ProjectID: "p1", Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, result.Graphs)
	assert.False(t, result.HasNextPage)
}

func TestRecordRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewPersistence(t.TempDir()).RecordRepository()

	_, err := repo.GetByID(ctx, "missing")
	require.ErrorIs(t, err, persistence.ErrRecordNotFound)

	base := time.Now().UTC()

	for i := range 3 {
		record := &models.PipelineRecord{
			ID:        fmt.Sprintf("r%d", i),
			GraphID:   "g1",
			ProjectID: "p1",
			Status:    models.RecordStatusPending,
			Current:   -1,
			Stages:    models.NewStageRecords(newGraph("g1", "p1", "x").SnapshotForExecution()),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		if i == 2 {
			record.GraphID = "g2"
			record.Status = models.RecordStatusFailed
		}

		require.NoError(t, repo.Save(ctx, record))
	}

	got, err := repo.GetByID(ctx, "r0")
	require.NoError(t, err)
	require.Len(t, got.Stages, 1)
	assert.Equal(t, models.StageStatusWaiting, got.Stages[0].Status)
	assert.Equal(t, -1, got.Current)

	got.Stages[0].Status = models.StageStatusAuditing
	got.Stages[0].Decisions = append(got.Stages[0].Decisions, models.AuditDecision{
		Principal: "alice", Decision: models.DecisionApprove, DecidedAt: base,
	})
	require.NoError(t, repo.Save(ctx, got))

	got, err = repo.GetByID(ctx, "r0")
	require.NoError(t, err)
	require.Len(t, got.Stages[0].Decisions, 1)
	assert.Equal(t, "alice", got.Stages[0].Decisions[0].Principal)

	all, err := repo.List(ctx, persistence.ListRecordsOptions{ProjectID: "p1"})
	require.NoError(t, err)
	require.Len(t, all.Records, 3)
	assert.Equal(t, "r2", all.Records[0].ID)

	byGraph, err := repo.List(ctx, persistence.ListRecordsOptions{GraphID: "g1"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), byGraph.TotalCount)

	failed, err := repo.List(ctx, persistence.ListRecordsOptions{Statuses: []models.RecordStatus{models.RecordStatusFailed}})
	require.NoError(t, err)
	require.Len(t, failed.Records, 1)
	assert.Equal(t, "r2", failed.Records[0].ID)

	require.NoError(t, repo.Delete(ctx, "r0"))
	require.ErrorIs(t, repo.Delete(ctx, "r0"), persistence.ErrRecordNotFound)
}

func TestEnvironmentRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewPersistence(t.TempDir()).EnvironmentRepository()

	_, err := repo.GetByID(ctx, "env-1")
	require.ErrorIs(t, err, persistence.ErrEnvironmentNotFound)

	require.NoError(t, repo.Save(ctx, &models.Environment{ID: "env-1", Repository: "git@x:app.git", Ref: "refs/heads/main"}))
	require.NoError(t, repo.Save(ctx, &models.Environment{ID: "env-2", Repository: "git@x:app.git", Ref: "refs/heads/dev"}))

	found, err := repo.FindByRepository(ctx, "git@x:app.git", "refs/heads/main")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "env-1", found[0].ID)

	require.NoError(t, repo.SaveResource(ctx, &models.EnvironmentResource{EnvironmentID: "env-1", Path: "b.yaml", Kind: "Service"}))
	require.NoError(t, repo.SaveResource(ctx, &models.EnvironmentResource{EnvironmentID: "env-1", Path: "a.yaml", Kind: "Deployment"}))
	require.NoError(t, repo.SaveResource(ctx, &models.EnvironmentResource{EnvironmentID: "env-1", Path: "a.yaml", Kind: "StatefulSet"}))

	resources, err := repo.Resources(ctx, "env-1")
	require.NoError(t, err)
	require.Len(t, resources, 2)
	assert.Equal(t, "a.yaml", resources[0].Path)
	assert.Equal(t, "StatefulSet", resources[0].Kind)

	require.NoError(t, repo.DeleteResource(ctx, "env-1", "a.yaml"))
	require.NoError(t, repo.DeleteResource(ctx, "env-1", "a.yaml"))

	resources, err = repo.Resources(ctx, "env-1")
	require.NoError(t, err)
	require.Len(t, resources, 1)

	empty, err := repo.Resources(ctx, "env-2")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestPushRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewPersistence(t.TempDir()).PushRepository()

	processed, err := repo.IsProcessed(ctx, "repo", "abc1234", "env-1")
	require.NoError(t, err)
	assert.False(t, processed)

	old := time.Now().Add(-48 * time.Hour).UTC()
	require.NoError(t, repo.MarkProcessed(ctx, &models.ProcessedPush{Repository: "repo", Commit: "abc1234", EnvironmentID: "env-1", ProcessedAt: old}))
	require.NoError(t, repo.MarkProcessed(ctx, &models.ProcessedPush{Repository: "repo", Commit: "def5678", EnvironmentID: "env-1"}))

	processed, err = repo.IsProcessed(ctx, "repo", "abc1234", "env-1")
	require.NoError(t, err)
	assert.True(t, processed)

	processed, err = repo.IsProcessed(ctx, "repo", "abc1234", "env-2")
	require.NoError(t, err)
	assert.False(t, processed)

	removed, err := repo.PruneBefore(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	processed, err = repo.IsProcessed(ctx, "repo", "abc1234", "env-1")
	require.NoError(t, err)
	assert.False(t, processed)

	processed, err = repo.IsProcessed(ctx, "repo", "def5678", "env-1")
	require.NoError(t, err)
	assert.True(t, processed)
}
