package file

import (
	"context"
	"slices"
	"sort"
	"time"

	"github.com/dukex/conveyor/pkg/models"
	"github.com/dukex/conveyor/pkg/persistence"
)

// RecordRepository handles pipeline record file operations. A record file holds its stages and decisions.
type RecordRepository struct {
	p *Persistence
}

// GetByID retrieves a pipeline record by its ID.
func (rr *RecordRepository) GetByID(_ context.Context, id string) (*models.PipelineRecord, error) {
	rr.p.mu.RLock()
	defer rr.p.mu.RUnlock()

	var record models.PipelineRecord

	found, err := rr.p.read(rr.p.path(recordsDir, id), &record)
	if err != nil {
		return nil, persistence.NewRepositoryError("GetByID", "record", id, err)
	}

	if !found {
		return nil, persistence.NewRepositoryError("GetByID", "record", id, persistence.ErrRecordNotFound)
	}

	return &record, nil
}

// List returns filtered records, newest first.
func (rr *RecordRepository) List(_ context.Context, opts persistence.ListRecordsOptions) (*persistence.RecordListResult, error) {
	rr.p.mu.RLock()
	defer rr.p.mu.RUnlock()

	records, err := list[models.PipelineRecord](rr.p, recordsDir)
	if err != nil {
		return nil, persistence.NewRepositoryError("List", "record", "", err)
	}

	filtered := make([]*models.PipelineRecord, 0, len(records))

	for _, record := range records {
		if opts.ProjectID != "" && record.ProjectID != opts.ProjectID {
			continue
		}

		if opts.GraphID != "" && record.GraphID != opts.GraphID {
			continue
		}

		if len(opts.Statuses) > 0 && !slices.Contains(opts.Statuses, record.Status) {
			continue
		}

		filtered = append(filtered, record)
	}

	sort.Slice(filtered, func(i, j int) bool {
		if filtered[i].CreatedAt.Equal(filtered[j].CreatedAt) {
			return filtered[i].ID > filtered[j].ID
		}

		return filtered[i].CreatedAt.After(filtered[j].CreatedAt)
	})

	items, hasNext := page(filtered, opts.Limit, opts.Offset)

	return &persistence.RecordListResult{
		Records:     items,
		TotalCount:  int64(len(filtered)),
		HasNextPage: hasNext,
	}, nil
}

// Save writes the whole record.
func (rr *RecordRepository) Save(_ context.Context, record *models.PipelineRecord) error {
	rr.p.mu.Lock()
	defer rr.p.mu.Unlock()

	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}

	record.UpdatedAt = now

	if err := rr.p.write(rr.p.path(recordsDir, record.ID), record); err != nil {
		return persistence.NewRepositoryError("Save", "record", record.ID, err)
	}

	return nil
}

// Delete removes a record with its stages and decisions.
func (rr *RecordRepository) Delete(_ context.Context, id string) error {
	rr.p.mu.Lock()
	defer rr.p.mu.Unlock()

	found, err := rr.p.remove(rr.p.path(recordsDir, id))
	if err != nil {
		return persistence.NewRepositoryError("Delete", "record", id, err)
	}

	if !found {
		return persistence.NewRepositoryError("Delete", "record", id, persistence.ErrRecordNotFound)
	}

	return nil
}
