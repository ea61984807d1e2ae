// Package file provides file-based persistence for stage graphs, pipeline records and GitOps state.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dukex/conveyor/pkg/persistence"
)

const (
	graphsDir       = "graphs"
	recordsDir      = "records"
	environmentsDir = "environments"
	resourcesDir    = "resources"
	pushesDir       = "pushes"
)

// Persistence implements the persistence.Persistence interface using JSON files under a root directory.
type Persistence struct {
	root string
	mu   sync.RWMutex

	graphRepo       *GraphRepository
	recordRepo      *RecordRepository
	environmentRepo *EnvironmentRepository
	pushRepo        *PushRepository
}

// NewPersistence creates a new instance of Persistence with the specified root directory.
func NewPersistence(root string) *Persistence {
	cleanRoot := strings.Replace(root, "file://", "", 1)

	p := &Persistence{root: cleanRoot}
	p.graphRepo = &GraphRepository{p: p}
	p.recordRepo = &RecordRepository{p: p}
	p.environmentRepo = &EnvironmentRepository{p: p}
	p.pushRepo = &PushRepository{p: p}

	return p
}

// Close performs any necessary cleanup. For file-based persistence, there is nothing to clean up.
func (fp *Persistence) Close(_ context.Context) error {
	return nil
}

// HealthCheck checks if the file persistence layer is healthy by verifying the root directory exists.
func (fp *Persistence) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(fp.root); os.IsNotExist(err) {
		return os.ErrNotExist
	}

	return nil
}

func (fp *Persistence) GraphRepository() persistence.GraphRepository {
	return fp.graphRepo
}

func (fp *Persistence) RecordRepository() persistence.RecordRepository {
	return fp.recordRepo
}

func (fp *Persistence) EnvironmentRepository() persistence.EnvironmentRepository {
	return fp.environmentRepo
}

func (fp *Persistence) PushRepository() persistence.PushRepository {
	return fp.pushRepo
}

func (fp *Persistence) path(dir, id string) string {
	return filepath.Join(fp.root, dir, url.PathEscape(id)+".json")
}

// read decodes the file into v and reports whether it existed. Callers hold mu.
func (fp *Persistence) read(path string, v any) (bool, error) {
	body, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}

		return false, fmt.Errorf("failed to read %s: %w", path, err)
	}

	if err := json.Unmarshal(body, v); err != nil {
		return false, fmt.Errorf("failed to unmarshal %s: %w", path, err)
	}

	return true, nil
}

// write replaces the file atomically. Callers hold mu.
func (fp *Persistence) write(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", path, err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}

	return os.Rename(tmp, path)
}

// remove deletes the file and reports whether it existed. Callers hold mu.
func (fp *Persistence) remove(path string) (bool, error) {
	err := os.Remove(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}

		return false, fmt.Errorf("failed to delete %s: %w", path, err)
	}

	return true, nil
}

// list returns the decoded contents of every JSON file in dir. Callers hold mu.
func list[T any](fp *Persistence, dir string) ([]*T, error) {
	files, err := fs.Glob(os.DirFS(filepath.Join(fp.root, dir)), "*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}

	items := make([]*T, 0, len(files))

	for _, name := range files {
		var item T

		found, err := fp.read(filepath.Join(fp.root, dir, name), &item)
		if err != nil {
			return nil, err
		}

		if found {
			items = append(items, &item)
		}
	}

	return items, nil
}

func page[T any](items []T, limit, offset int) ([]T, bool) {
	limit = persistence.NormalizeLimit(limit)
	if offset < 0 {
		offset = 0
	}

	if offset >= len(items) {
		return make([]T, 0), false
	}

	end := min(offset+limit, len(items))

	return items[offset:end], end < len(items)
}
