//go:build integration
// +build integration

package kafka

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	kafkaTc "github.com/testcontainers/testcontainers-go/modules/kafka"
)

func TestCreateChannel_RoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	container, err := kafkaTc.Run(ctx, "confluentinc/confluent-local:7.7.0")
	require.NoError(t, err)

	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	brokers, err := container.Brokers(ctx)
	require.NoError(t, err)

	publisher, subscriber, err := CreateChannel(watermill.NopLogger{}, brokers, "conveyor-test")
	require.NoError(t, err)

	defer publisher.Close()
	defer subscriber.Close()

	messages, err := subscriber.Subscribe(ctx, "conveyor.test")
	require.NoError(t, err)

	msg := message.NewMessage(watermill.NewUUID(), []byte(`{"ok":true}`))
	msg.Metadata.Set(metadataKey, "env-1")
	require.NoError(t, publisher.Publish("conveyor.test", msg))

	select {
	case received := <-messages:
		assert.JSONEq(t, `{"ok":true}`, string(received.Payload))
		assert.Equal(t, "env-1", received.Metadata.Get(metadataKey))
		received.Ack()
	case <-ctx.Done():
		t.Fatal("message was not delivered")
	}
}
