package nats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/capitalize-ai/live-conversations/internal/model"
)

func TestDedupID(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	msg := model.ChangeEvent{
		Kind:       model.ChangeMessageInserted,
		Key:        "s1",
		Message:    &model.Message{ID: "m1"},
		OccurredAt: at,
	}
	assert.Equal(t, "message_inserted:m1", dedupID(msg))

	other := msg
	other.Key = "c9"
	other.OccurredAt = at.Add(time.Second)
	assert.Equal(t, dedupID(msg), dedupID(other), "same message from either store")

	touched := model.ChangeEvent{Kind: model.ChangeConversationTouched, Key: "c1", OccurredAt: at}
	later := touched
	later.OccurredAt = at.Add(time.Nanosecond)
	assert.NotEqual(t, dedupID(touched), dedupID(later))
}
