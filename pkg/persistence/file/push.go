package file

import (
	"context"
	"time"

	"github.com/dukex/conveyor/pkg/models"
	"github.com/dukex/conveyor/pkg/persistence"
)

// PushRepository keeps one file per (environment, commit) ledger entry.
type PushRepository struct {
	p *Persistence
}

func (pr *PushRepository) entryPath(environmentID, commit string) string {
	return pr.p.path(pushesDir, environmentID+"@"+commit)
}

// IsProcessed reports whether the push was already applied to the environment.
func (pr *PushRepository) IsProcessed(_ context.Context, repository, commit, environmentID string) (bool, error) {
	pr.p.mu.RLock()
	defer pr.p.mu.RUnlock()

	var push models.ProcessedPush

	found, err := pr.p.read(pr.entryPath(environmentID, commit), &push)
	if err != nil {
		return false, persistence.NewRepositoryError("IsProcessed", "push", commit, err)
	}

	return found && push.Repository == repository, nil
}

// MarkProcessed records the push in the ledger.
func (pr *PushRepository) MarkProcessed(_ context.Context, push *models.ProcessedPush) error {
	pr.p.mu.Lock()
	defer pr.p.mu.Unlock()

	if push.ProcessedAt.IsZero() {
		push.ProcessedAt = time.Now().UTC()
	}

	if err := pr.p.write(pr.entryPath(push.EnvironmentID, push.Commit), push); err != nil {
		return persistence.NewRepositoryError("MarkProcessed", "push", push.Commit, err)
	}

	return nil
}

// PruneBefore deletes ledger entries processed before t.
func (pr *PushRepository) PruneBefore(_ context.Context, t time.Time) (int64, error) {
	pr.p.mu.Lock()
	defer pr.p.mu.Unlock()

	pushes, err := list[models.ProcessedPush](pr.p, pushesDir)
	if err != nil {
		return 0, persistence.NewRepositoryError("PruneBefore", "push", "", err)
	}

	var removed int64

	for _, push := range pushes {
		if !push.ProcessedAt.Before(t) {
			continue
		}

		found, err := pr.p.remove(pr.entryPath(push.EnvironmentID, push.Commit))
		if err != nil {
			return removed, persistence.NewRepositoryError("PruneBefore", "push", push.Commit, err)
		}

		if found {
			removed++
		}
	}

	return removed, nil
}
