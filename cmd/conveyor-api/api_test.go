package main

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukex/conveyor/pkg/deploy"
	"github.com/dukex/conveyor/pkg/identity"
	"github.com/dukex/conveyor/pkg/keylock"
	"github.com/dukex/conveyor/pkg/log"
	"github.com/dukex/conveyor/pkg/mocks"
	"github.com/dukex/conveyor/pkg/persistence/file"
	"github.com/dukex/conveyor/pkg/pipeline"
	"github.com/dukex/conveyor/pkg/services"
)

func setupTestApp(t *testing.T) *fiber.App {
	t.Helper()

	persistence := file.NewPersistence(t.TempDir())
	directory := identity.NewStatic()

	engine, err := pipeline.NewEngine(pipeline.Config{
		Persistence:  persistence,
		Serializer:   keylock.NewLocal(log.Discard()),
		Deployer:     deploy.NewDryRun(log.Discard()),
		Directory:    directory,
		Logger:       log.Discard(),
		StageTimeout: time.Second,
	})
	require.NoError(t, err)

	api := NewAPI(log.Discard(), services.NewGraphs(persistence, directory, log.Discard()), engine, &mocks.MockEventBus{})

	return api.App()
}

func get(t *testing.T, app *fiber.App, path string) (int, string) {
	t.Helper()

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, path, nil))
	require.NoError(t, err)

	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp.StatusCode, string(body)
}

func TestAPI_RootEndpoint(t *testing.T) {
	status, body := get(t, setupTestApp(t), "/")

	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Conveyor API", body)
}

func TestAPI_HealthCheck(t *testing.T) {
	app := setupTestApp(t)

	status, body := get(t, app, "/livez")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "OK", body)

	status, body = get(t, app, "/health")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, `"healthy"`)
}

func TestAPI_ListGraphs_Empty(t *testing.T) {
	status, body := get(t, setupTestApp(t), "/v1/projects/p1/pipelines")

	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, `"total_count":0`)
}
