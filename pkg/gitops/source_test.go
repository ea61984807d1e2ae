package gitops

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukex/conveyor/pkg/log"
	"github.com/dukex/conveyor/pkg/models"
)

type testRepo struct {
	dir      string
	worktree *git.Worktree
}

func initRepo(t *testing.T) *testRepo {
	t.Helper()

	dir := t.TempDir()

	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	worktree, err := repo.Worktree()
	require.NoError(t, err)

	return &testRepo{dir: dir, worktree: worktree}
}

func (r *testRepo) write(t *testing.T, path, content string) {
	t.Helper()

	full := filepath.Join(r.dir, path)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))

	_, err := r.worktree.Add(path)
	require.NoError(t, err)
}

func (r *testRepo) remove(t *testing.T, path string) {
	t.Helper()

	_, err := r.worktree.Remove(path)
	require.NoError(t, err)
}

func (r *testRepo) commit(t *testing.T, message string) string {
	t.Helper()

	hash, err := r.worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{Name: "ci", Email: "ci@example.com", When: time.Now()},
	})
	require.NoError(t, err)

	return hash.String()
}

func TestGitSource_ReadFile(t *testing.T) {
	repo := initRepo(t)
	repo.write(t, "apps/api/deployment.yaml", deployment)
	first := repo.commit(t, "add api")

	repo.remove(t, "apps/api/deployment.yaml")
	repo.write(t, "apps/api/service.yaml", service)
	second := repo.commit(t, "replace api")

	source := NewGitSource(t.TempDir(), log.Discard())

	data, err := source.ReadFile(t.Context(), repo.dir, first, "apps/api/deployment.yaml")
	require.NoError(t, err)
	assert.Equal(t, deployment, string(data))

	data, err = source.ReadFile(t.Context(), repo.dir, second, "/apps/api/service.yaml")
	require.NoError(t, err)
	assert.Equal(t, service, string(data))

	_, err = source.ReadFile(t.Context(), repo.dir, second, "apps/api/deployment.yaml")
	require.ErrorIs(t, err, ErrFileNotFound)

	_, err = source.ReadFile(t.Context(), repo.dir, "0123456789abcdef0123456789abcdef01234567", "apps/api/service.yaml")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrFileNotFound)
}

func TestGitSource_AppliesThroughHandler(t *testing.T) {
	repo := initRepo(t)
	repo.write(t, "apps/api/deployment.yaml", deployment)
	commit := repo.commit(t, "add api")

	f := newFixture(t)
	require.NoError(t, f.handler.HandleEnvironmentCreate(t.Context(), models.EnvironmentCreate{
		ProjectID: "p1", EnvironmentID: "local", Name: "Local", Repository: repo.dir, Ref: ref,
	}))

	applier := NewManifestApplier(NewGitSource(t.TempDir(), log.Discard()), f.persistence.EnvironmentRepository(), log.Discard())
	f.handler.applier = applier

	require.NoError(t, f.handler.HandlePush(t.Context(), models.PushEvent{
		Repository:   repo.dir,
		Ref:          ref,
		Commit:       commit,
		ChangedPaths: []string{"apps/api/deployment.yaml"},
	}))

	resources := f.resources(t, "local")
	require.Len(t, resources, 1)
	assert.Equal(t, "Deployment", resources["apps/api/deployment.yaml"].Kind)
}

func TestMirrorName(t *testing.T) {
	tests := map[string]string{
		"https://git.example.com/platform/envs.git": "git.example.com_platform_envs.git",
		"https://git.example.com/platform/envs":     "git.example.com_platform_envs.git",
		"git@github.com:org/repo.git":               "git_github.com_org_repo.git",
	}

	for repository, want := range tests {
		assert.Equal(t, want, mirrorName(repository), repository)
	}
}
