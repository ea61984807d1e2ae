package eventbus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/dukex/conveyor/pkg/events"
)

const defaultWorkers = 4

type WatermillEventBus struct {
	publisher  message.Publisher
	subscriber message.Subscriber
	logger     *slog.Logger
	workers    int

	mu            sync.RWMutex
	subscriptions map[events.EventType]EventHandler
}

// Option configures a WatermillEventBus.
type Option func(*WatermillEventBus)

// WithWorkers sets how many messages are handled concurrently. Handlers that need per-resource ordering
// serialize themselves.
func WithWorkers(n int) Option {
	return func(eb *WatermillEventBus) {
		if n > 0 {
			eb.workers = n
		}
	}
}

// WithLogger sets the logger used for dropped or failed messages.
func WithLogger(logger *slog.Logger) Option {
	return func(eb *WatermillEventBus) {
		eb.logger = logger.With("module", "eventbus")
	}
}

func NewWatermillEventBus(pub message.Publisher, sub message.Subscriber, opts ...Option) *WatermillEventBus {
	eb := &WatermillEventBus{
		publisher:     pub,
		subscriber:    sub,
		logger:        slog.Default().With("module", "eventbus"),
		workers:       defaultWorkers,
		subscriptions: make(map[events.EventType]EventHandler),
	}

	for _, opt := range opts {
		opt(eb)
	}

	return eb
}

func (eb *WatermillEventBus) GenerateID() string {
	return watermill.NewULID()
}

func (eb *WatermillEventBus) Publish(ctx context.Context, key string, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	msg := message.NewMessage("msg-"+eb.GenerateID(), payload)
	msg.SetContext(ctx)
	msg.Metadata.Set(events.EventMetadataKey, key)
	msg.Metadata.Set(events.EventTypeMetadataKey, string(event.GetType()))

	return eb.publisher.Publish(events.Topic, msg)
}

func (eb *WatermillEventBus) Subscribe(ctx context.Context) error {
	messages, err := eb.subscriber.Subscribe(ctx, events.Topic)
	if err != nil {
		return err
	}

	for range eb.workers {
		go func() {
			for msg := range messages {
				eb.dispatch(ctx, msg)
			}
		}()
	}

	return nil
}

func (eb *WatermillEventBus) dispatch(ctx context.Context, msg *message.Message) {
	eventType := events.EventType(msg.Metadata.Get(events.EventTypeMetadataKey))

	eb.mu.RLock()
	handler, exists := eb.subscriptions[eventType]
	eb.mu.RUnlock()

	if !exists {
		msg.Ack()

		return
	}

	event := decodeTarget(eventType)
	if event == nil {
		eb.logger.WarnContext(ctx, "Unknown event type", "event_type", eventType, "message_id", msg.UUID)
		msg.Nack()

		return
	}

	if err := json.Unmarshal(msg.Payload, event); err != nil {
		eb.logger.ErrorContext(ctx, "Failed to decode event", "event_type", eventType, "error", err)
		msg.Nack()

		return
	}

	if err := handler(ctx, event); err != nil {
		eb.logger.ErrorContext(ctx, "Event handler failed",
			"event_type", eventType,
			"key", msg.Metadata.Get(events.EventMetadataKey),
			"error", err)
		msg.Nack()

		return
	}

	msg.Ack()
}

func decodeTarget(eventType events.EventType) any {
	switch eventType {
	case events.RecordStatusChangedEvent:
		return &events.RecordStatusChanged{}
	case events.StageNotificationEvent:
		return &events.StageNotification{}
	case events.GitOpsPushEvent:
		return &events.GitOpsPush{}
	case events.EnvironmentCreateEvent:
		return &events.EnvironmentCreate{}
	default:
		return nil
	}
}

func (eb *WatermillEventBus) Handle(eventType events.EventType, handler EventHandler) error {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscriptions[eventType] = handler

	return nil
}

func (eb *WatermillEventBus) Close() error {
	err := eb.publisher.Close()
	if err != nil {
		return err
	}

	return eb.subscriber.Close()
}
