package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukex/conveyor/pkg/models"
)

func TestNewBaseEvent(t *testing.T) {
	base := NewBaseEvent(GitOpsPushEvent)

	assert.NotEmpty(t, base.ID)
	assert.Equal(t, GitOpsPushEvent, base.Type)
	assert.False(t, base.Timestamp.IsZero())
	assert.NotEqual(t, base.ID, NewBaseEvent(GitOpsPushEvent).ID)
}

func TestEventTypes(t *testing.T) {
	assert.Equal(t, RecordStatusChangedEvent, RecordStatusChanged{}.GetType())
	assert.Equal(t, StageNotificationEvent, StageNotification{}.GetType())
	assert.Equal(t, GitOpsPushEvent, GitOpsPush{}.GetType())
	assert.Equal(t, EnvironmentCreateEvent, EnvironmentCreate{}.GetType())
}

func TestRecordStatusChanged_JSONShape(t *testing.T) {
	event := RecordStatusChanged{
		BaseEvent: NewBaseEvent(RecordStatusChangedEvent),
		RecordID:  "r1",
		From:      models.RecordStatusRunning,
		To:        models.RecordStatusFailed,
		Reason:    "deploy failed",
	}

	data, err := json.Marshal(event)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, "record.status_changed", decoded["type"])
	assert.Equal(t, "running", decoded["from"])
	assert.Equal(t, "failed", decoded["to"])
	assert.Equal(t, "deploy failed", decoded["reason"])
}
