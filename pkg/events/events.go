// Package events defines the event types exchanged on the bus: pipeline lifecycle notifications and
// inbound GitOps events.
package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/dukex/conveyor/pkg/models"
)

type EventType string

// Kafka topic shared by every event type; consumers dispatch on the event_type metadata.
const Topic = "conveyor.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Pipeline lifecycle events.
	RecordStatusChangedEvent EventType = "record.status_changed"
	StageNotificationEvent   EventType = "stage.notification"

	// Inbound GitOps events.
	GitOpsPushEvent        EventType = "gitops.push"
	EnvironmentCreateEvent EventType = "environment.create"
)

type BaseEvent struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// NewBaseEvent stamps a new event of the given type.
func NewBaseEvent(eventType EventType) BaseEvent {
	return BaseEvent{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
	}
}

// RecordStatusChanged is published after every overall status transition of a pipeline record.
type RecordStatusChanged struct {
	BaseEvent

	RecordID   string              `json:"record_id"`
	GraphID    string              `json:"graph_id"`
	ProjectID  string              `json:"project_id"`
	From       models.RecordStatus `json:"from"`
	To         models.RecordStatus `json:"to"`
	SequenceNo int                 `json:"sequence_no,omitempty"`
	Reason     string              `json:"reason,omitempty"`
}

func (e RecordStatusChanged) GetType() EventType {
	return RecordStatusChangedEvent
}

// StageNotification is the action of a notification stage.
type StageNotification struct {
	BaseEvent

	RecordID   string   `json:"record_id"`
	ProjectID  string   `json:"project_id"`
	SequenceNo int      `json:"sequence_no"`
	Recipients []string `json:"recipients,omitempty"`
	Message    string   `json:"message"`
}

func (e StageNotification) GetType() EventType {
	return StageNotificationEvent
}

// GitOpsPush carries a repository push, delivered at least once.
type GitOpsPush struct {
	BaseEvent

	Push models.PushEvent `json:"push"`
}

func (e GitOpsPush) GetType() EventType {
	return GitOpsPushEvent
}

// EnvironmentCreate registers a GitOps-managed environment.
type EnvironmentCreate struct {
	BaseEvent

	Environment models.EnvironmentCreate `json:"environment"`
}

func (e EnvironmentCreate) GetType() EventType {
	return EnvironmentCreateEvent
}
