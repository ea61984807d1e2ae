package gitops

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// ErrFileNotFound is returned when the path does not exist at the commit, i.e. the push deleted it.
var ErrFileNotFound = errors.New("file not found at commit")

// Source reads repository files at a commit.
type Source interface {
	ReadFile(ctx context.Context, repository, commit, path string) ([]byte, error)
}

// GitSource reads files with go-git. Remote repositories are mirrored as bare clones under cacheDir and
// fetched when a commit is not known yet; local repository paths are opened in place.
type GitSource struct {
	cacheDir string
	logger   *slog.Logger

	mu    sync.Mutex
	repos map[string]*git.Repository
}

func NewGitSource(cacheDir string, logger *slog.Logger) *GitSource {
	return &GitSource{
		cacheDir: cacheDir,
		logger:   logger.With("module", "git_source"),
		repos:    make(map[string]*git.Repository),
	}
}

func (s *GitSource) ReadFile(ctx context.Context, repository, commit, path string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	repo, err := s.open(ctx, repository)
	if err != nil {
		return nil, err
	}

	hash := plumbing.NewHash(commit)

	c, err := repo.CommitObject(hash)
	if errors.Is(err, plumbing.ErrObjectNotFound) {
		if err := s.fetch(ctx, repo, repository); err != nil {
			return nil, err
		}

		c, err = repo.CommitObject(hash)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to resolve commit %s in %s: %w", commit, repository, err)
	}

	file, err := c.File(strings.TrimPrefix(path, "/"))
	if err != nil {
		if errors.Is(err, object.ErrFileNotFound) {
			return nil, ErrFileNotFound
		}

		return nil, fmt.Errorf("failed to read %s at %s: %w", path, commit, err)
	}

	contents, err := file.Contents()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s at %s: %w", path, commit, err)
	}

	return []byte(contents), nil
}

func (s *GitSource) open(ctx context.Context, repository string) (*git.Repository, error) {
	if repo, ok := s.repos[repository]; ok {
		return repo, nil
	}

	if isLocalPath(repository) {
		repo, err := git.PlainOpen(repository)
		if err != nil {
			return nil, fmt.Errorf("failed to open repository %s: %w", repository, err)
		}

		s.repos[repository] = repo

		return repo, nil
	}

	dir := filepath.Join(s.cacheDir, mirrorName(repository))

	repo, err := git.PlainOpen(dir)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		s.logger.InfoContext(ctx, "Cloning repository mirror", "repository", repository, "dir", dir)

		if err := os.MkdirAll(s.cacheDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create git cache: %w", err)
		}

		repo, err = git.PlainCloneContext(ctx, dir, true, &git.CloneOptions{URL: repository})
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open mirror of %s: %w", repository, err)
	}

	s.repos[repository] = repo

	return repo, nil
}

func (s *GitSource) fetch(ctx context.Context, repo *git.Repository, repository string) error {
	if isLocalPath(repository) {
		return nil
	}

	s.logger.DebugContext(ctx, "Fetching repository", "repository", repository)

	err := repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: git.DefaultRemoteName,
		RefSpecs:   []config.RefSpec{"+refs/heads/*:refs/heads/*"},
		Force:      true,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("failed to fetch %s: %w", repository, err)
	}

	return nil
}

// isLocalPath reports whether repository is a path to a repository on this machine.
func isLocalPath(repository string) bool {
	return filepath.IsAbs(repository)
}

// mirrorName turns a repository URL into a directory name.
func mirrorName(repository string) string {
	name := strings.TrimSuffix(repository, ".git")
	if u, err := url.Parse(name); err == nil && u.Host != "" {
		name = u.Host + u.Path
	}

	replacer := strings.NewReplacer("/", "_", ":", "_", "@", "_", "\\", "_")

	return replacer.Replace(strings.Trim(name, "/")) + ".git"
}
