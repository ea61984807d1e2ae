// Package eventbus provides the event-driven plumbing between the pipeline engine, the GitOps sync handler
// and external producers.
package eventbus

import (
	"context"

	"github.com/dukex/conveyor/pkg/events"
)

type Event interface {
	GetType() events.EventType
}

type EventPublisher interface {
	// Publish sends event with key as the partitioning key.
	Publish(ctx context.Context, key string, event Event) error
}

type EventSubscriber interface {
	Handle(eventType events.EventType, handler EventHandler) error
	Subscribe(ctx context.Context) error
}

type EventHandler func(ctx context.Context, event any) error

type EventBus interface {
	EventPublisher
	EventSubscriber
	Close() error
	GenerateID() string
}
