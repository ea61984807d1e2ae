package remote

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukex/conveyor/pkg/log"
)

func TestClient_Do(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"name":"alice"}`))
		case "/missing":
			http.Error(w, "no such user", http.StatusNotFound)
		default:
			http.Error(w, "boom", http.StatusInternalServerError)
		}
	}))
	defer server.Close()

	client := NewClient(Config{Name: "test", BaseURL: server.URL + "/"}, log.Discard())

	var out struct {
		Name string `json:"name"`
	}

	require.NoError(t, client.Do(context.Background(), http.MethodGet, "/ok", nil, &out))
	assert.Equal(t, "alice", out.Name)

	err := client.Do(context.Background(), http.MethodGet, "/missing", nil, nil)
	require.Error(t, err)
	assert.True(t, IsStatus(err, http.StatusNotFound))
	assert.Contains(t, err.Error(), "no such user")

	err = client.Do(context.Background(), http.MethodGet, "/fail", nil, nil)
	assert.True(t, IsStatus(err, http.StatusInternalServerError))
}

func TestClient_BreakerOpensOnServerErrors(t *testing.T) {
	var calls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewClient(Config{Name: "test", BaseURL: server.URL, Trip: 2, Cooldown: time.Minute}, log.Discard())

	for range 2 {
		_ = client.Do(context.Background(), http.MethodGet, "/", nil, nil)
	}

	err := client.Do(context.Background(), http.MethodGet, "/", nil, nil)
	require.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClient_NotFoundDoesNotTrip(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.NotFound(w, nil)
	}))
	defer server.Close()

	client := NewClient(Config{Name: "test", BaseURL: server.URL, Trip: 1}, log.Discard())

	for range 3 {
		err := client.Do(context.Background(), http.MethodGet, "/", nil, nil)
		assert.True(t, IsStatus(err, http.StatusNotFound))
	}
}

func TestClient_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer server.Close()

	client := NewClient(Config{Name: "test", BaseURL: server.URL, Timeout: 20 * time.Millisecond}, log.Discard())

	err := client.Do(context.Background(), http.MethodGet, "/", nil, nil)
	require.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
