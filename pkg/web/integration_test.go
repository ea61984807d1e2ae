//go:build integration

package web_test

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/dukex/conveyor/pkg/log"
	"github.com/dukex/conveyor/pkg/models"
	"github.com/dukex/conveyor/pkg/persistence/postgresql"
	"github.com/dukex/conveyor/pkg/web"
)

func setupTestDB(t *testing.T) string {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("conveyor_web"),
		postgres.WithUsername("conveyor"),
		postgres.WithPassword("conveyor"),
		postgres.BasicWaitStrategies(),
	)
	require.NoError(t, err)

	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	databaseURL, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	return databaseURL
}

func TestRecordFlow_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	p, err := postgresql.NewPersistence(t.Context(), log.Discard(), setupTestDB(t))
	require.NoError(t, err)

	t.Cleanup(func() { _ = p.Close(context.Background()) })

	a := newTestApp(t, p)
	a.bus.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	graph := a.createGraph(t, releaseGraph("release"))
	record := a.createRecord(t, graph.ID)
	base := "/v1/projects/p1/records/" + record.ID

	status, body := a.do(t, http.MethodPost, base+"/execute", nil)
	require.Equal(t, http.StatusOK, status, string(body))

	// Two principals race on the audit; exactly one decision is stored.
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		statuses []int
	)

	for _, decision := range []string{"approve", "reject"} {
		wg.Add(1)

		go func() {
			defer wg.Done()

			status, _ := a.do(t, http.MethodPost, base+"/audit", web.AuditDecisionRequest{Principal: "alice", Decision: decision})

			mu.Lock()
			statuses = append(statuses, status)
			mu.Unlock()
		}()
	}

	wg.Wait()
	assert.ElementsMatch(t, []int{http.StatusOK, http.StatusConflict}, statuses)

	a.settle(t)

	status, body = a.do(t, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(body, record))
	require.Len(t, record.Stages[0].Decisions, 1)
	assert.Contains(t, []models.RecordStatus{models.RecordStatusSuccess, models.RecordStatusFailed}, record.Status)
}
