package eventbus_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukex/conveyor/pkg/channels/gochannel"
	"github.com/dukex/conveyor/pkg/eventbus"
	"github.com/dukex/conveyor/pkg/events"
	"github.com/dukex/conveyor/pkg/log"
	"github.com/dukex/conveyor/pkg/models"
)

func newBus(t *testing.T) *eventbus.WatermillEventBus {
	t.Helper()

	pub, sub, err := gochannel.CreateChannel(watermill.NopLogger{})
	require.NoError(t, err)

	bus := eventbus.NewWatermillEventBus(pub, sub, eventbus.WithLogger(log.Discard()), eventbus.WithWorkers(2))
	t.Cleanup(func() { _ = bus.Close() })

	return bus
}

func TestWatermillEventBus_DeliversTypedEvents(t *testing.T) {
	bus := newBus(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan *events.GitOpsPush, 1)

	require.NoError(t, bus.Handle(events.GitOpsPushEvent, func(_ context.Context, event any) error {
		push, ok := event.(*events.GitOpsPush)
		if !ok {
			return errors.New("unexpected event type")
		}

		received <- push

		return nil
	}))
	require.NoError(t, bus.Subscribe(ctx))

	push := events.GitOpsPush{
		BaseEvent: events.NewBaseEvent(events.GitOpsPushEvent),
		Push:      models.PushEvent{Repository: "repo", Ref: "refs/heads/main", Commit: "abcdef1"},
	}
	require.NoError(t, bus.Publish(ctx, "repo", push))

	select {
	case got := <-received:
		assert.Equal(t, push.ID, got.ID)
		assert.Equal(t, "abcdef1", got.Push.Commit)
	case <-time.After(2 * time.Second):
		t.Fatal("event was not delivered")
	}
}

func TestWatermillEventBus_IgnoresUnhandledTypes(t *testing.T) {
	bus := newBus(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu       sync.Mutex
		statuses []models.RecordStatus
	)

	done := make(chan struct{})

	require.NoError(t, bus.Handle(events.RecordStatusChangedEvent, func(_ context.Context, event any) error {
		mu.Lock()
		defer mu.Unlock()

		statuses = append(statuses, event.(*events.RecordStatusChanged).To)
		close(done)

		return nil
	}))
	require.NoError(t, bus.Subscribe(ctx))

	require.NoError(t, bus.Publish(ctx, "r1", events.StageNotification{BaseEvent: events.NewBaseEvent(events.StageNotificationEvent)}))
	require.NoError(t, bus.Publish(ctx, "r1", events.RecordStatusChanged{
		BaseEvent: events.NewBaseEvent(events.RecordStatusChangedEvent),
		RecordID:  "r1",
		To:        models.RecordStatusSuccess,
	}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("event was not delivered")
	}

	mu.Lock()
	defer mu.Unlock()

	assert.Equal(t, []models.RecordStatus{models.RecordStatusSuccess}, statuses)
}

func TestWatermillEventBus_GenerateID(t *testing.T) {
	bus := newBus(t)

	assert.NotEmpty(t, bus.GenerateID())
	assert.NotEqual(t, bus.GenerateID(), bus.GenerateID())
}
