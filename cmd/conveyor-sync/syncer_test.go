package main

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukex/conveyor/pkg/channels/gochannel"
	"github.com/dukex/conveyor/pkg/eventbus"
	"github.com/dukex/conveyor/pkg/events"
	"github.com/dukex/conveyor/pkg/gitops"
	"github.com/dukex/conveyor/pkg/keylock"
	"github.com/dukex/conveyor/pkg/log"
	"github.com/dukex/conveyor/pkg/models"
	"github.com/dukex/conveyor/pkg/persistence/file"
)

func TestSyncer_StartAndPrune(t *testing.T) {
	persistence := file.NewPersistence(t.TempDir())
	applier := gitops.ApplierFunc(func(context.Context, *models.Environment, models.PushEvent) (gitops.ApplyResult, error) {
		return gitops.ApplyResult{}, nil
	})
	handler := gitops.NewHandler(persistence, keylock.NewLocal(log.Discard()), applier, log.Discard(), nil)

	pub, sub, err := gochannel.CreateChannel(watermill.NopLogger{})
	require.NoError(t, err)

	bus := eventbus.NewWatermillEventBus(pub, sub, eventbus.WithLogger(log.Discard()))
	t.Cleanup(func() { _ = bus.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	syncer := NewSyncer(handler, bus, "@every 1s", time.Hour, log.Discard())
	require.NoError(t, syncer.Start(ctx))
	t.Cleanup(syncer.Stop)

	pushes := persistence.PushRepository()
	require.NoError(t, pushes.MarkProcessed(ctx, &models.ProcessedPush{
		Repository:    "repo",
		Commit:        "abc1234",
		EnvironmentID: "staging",
		ProcessedAt:   time.Now().UTC().Add(-2 * time.Hour),
	}))

	require.NoError(t, bus.Publish(ctx, "staging", events.EnvironmentCreate{
		BaseEvent: events.NewBaseEvent(events.EnvironmentCreateEvent),
		Environment: models.EnvironmentCreate{
			ProjectID: "p1", EnvironmentID: "staging", Name: "Staging", Repository: "repo", Ref: "refs/heads/main",
		},
	}))

	assert.Eventually(t, func() bool {
		processed, err := pushes.IsProcessed(ctx, "repo", "abc1234", "staging")

		return err == nil && !processed
	}, 5*time.Second, 50*time.Millisecond)

	assert.Eventually(t, func() bool {
		_, err := persistence.EnvironmentRepository().GetByID(ctx, "staging")

		return err == nil
	}, 5*time.Second, 50*time.Millisecond)
}

func TestSyncer_InvalidSchedule(t *testing.T) {
	persistence := file.NewPersistence(t.TempDir())
	handler := gitops.NewHandler(persistence, keylock.NewLocal(log.Discard()), nil, log.Discard(), nil)

	syncer := NewSyncer(handler, nil, "not a schedule", time.Hour, log.Discard())
	require.Error(t, syncer.Start(t.Context()))
}
