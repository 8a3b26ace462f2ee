package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/live-conversations/internal/livetest"
	"github.com/capitalize-ai/live-conversations/internal/model"
	"github.com/capitalize-ai/live-conversations/pkg/logger"
)

var now = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestDecodeNotification(t *testing.T) {
	t.Run("message payload", func(t *testing.T) {
		ev, err := DecodeNotification("live_messages",
			`{"message":{"id":"m1","conversation_key":"s1","origin":"subject","body":"oi","created_at":"2024-03-01T11:59:00Z"}}`, now)
		require.NoError(t, err)
		assert.Equal(t, model.ChangeMessageInserted, ev.Kind)
		assert.Equal(t, "s1", ev.Key)
		assert.Equal(t, model.OriginSubject, ev.Message.Origin)
		assert.Equal(t, now, ev.OccurredAt)
	})

	t.Run("subject payload with assignment", func(t *testing.T) {
		ev, err := DecodeNotification("live_subjects",
			`{"key":"s1","changed_fields":["executive_id"],"assignment":{"executive_id":"E2","team_id":"T1"},"occurred_at":"2024-03-01T11:00:00Z"}`, now)
		require.NoError(t, err)
		assert.Equal(t, model.ChangeSubjectUpdated, ev.Kind)
		require.NotNil(t, ev.Assignment)
		assert.Equal(t, "E2", ev.Assignment.ExecutiveID)
		assert.Equal(t, time.Date(2024, 3, 1, 11, 0, 0, 0, time.UTC), ev.OccurredAt)
	})

	t.Run("kind comes from the channel", func(t *testing.T) {
		ev, err := DecodeNotification("live_conversations", `{"kind":"subject_updated","key":"c1","patch":{"unread_count":0}}`, now)
		require.NoError(t, err)
		assert.Equal(t, model.ChangeConversationTouched, ev.Kind)
		require.NotNil(t, ev.Patch.UnreadCount)
		assert.Zero(t, *ev.Patch.UnreadCount)
	})

	for name, tc := range map[string]struct{ channel, payload string }{
		"unknown channel": {"other", `{"key":"x"}`},
		"bad json":        {"live_messages", `{`},
		"missing key":     {"live_conversations", `{}`},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeNotification(tc.channel, tc.payload, now)
			assert.Error(t, err)
		})
	}
}

func TestBridgeForward(t *testing.T) {
	feed := livetest.NewFeed()
	var got []model.ChangeEvent
	_, err := feed.Subscribe(context.Background(), model.ChangeConversationTouched, "", func(ev model.ChangeEvent) {
		got = append(got, ev)
	})
	require.NoError(t, err)

	b := NewBridge("postgres://localhost/live", feed, logger.NewNop())
	b.forward(context.Background(), &pq.Notification{Channel: "live_conversations", Extra: `{"key":"c1"}`})
	b.forward(context.Background(), &pq.Notification{Channel: "live_conversations", Extra: `not json`})

	require.Len(t, got, 1)
	assert.Equal(t, "c1", got[0].Key)
}

func TestNormalizeDSN(t *testing.T) {
	assert.Equal(t, "postgresql://u:p@h/db", normalizeDSN(" postgresql+asyncpg://u:p@h/db "))
	assert.Equal(t, "postgres://u@h/db", normalizeDSN("postgres+pgx://u@h/db"))
	assert.Equal(t, "postgres://u@h/db", normalizeDSN("postgres://u@h/db"))
}
