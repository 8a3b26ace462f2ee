package source_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/live-conversations/internal/livetest"
	"github.com/capitalize-ai/live-conversations/internal/model"
	"github.com/capitalize-ai/live-conversations/internal/source"
	"github.com/capitalize-ai/live-conversations/pkg/logger"
)

var at = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestChatPlatformNormalize(t *testing.T) {
	a := source.NewChatPlatform(livetest.NewStore())

	t.Run("linked subject takes over id", func(t *testing.T) {
		c, err := a.Normalize(source.RawRecord{Chat: &source.ChatRecord{
			ConversationID: "chat-1",
			SubjectID:      "s1",
			CustomerPhone:  "5511999990000",
			LastMessageAt:  &at,
			MessageCount:   3,
			UnreadCount:    -2,
			Subject:        &source.SubjectRecord{ID: "s1", FullName: "Ana", ExecutiveID: "E1", TeamID: "T1"},
		}})
		require.NoError(t, err)
		assert.Equal(t, "s1", c.ID)
		assert.Equal(t, "Ana", c.DisplayName)
		assert.Equal(t, 0, c.UnreadCount)
		assert.Equal(t, model.Assignment{ExecutiveID: "E1", TeamID: "T1"}, c.Assignment)
		assert.Equal(t, "chat-1", c.Refs[model.SourceChatPlatform])
		assert.Equal(t, model.SourceChatPlatform, c.Source)
	})

	t.Run("falls back to updated_at and phone", func(t *testing.T) {
		c, err := a.Normalize(source.RawRecord{Chat: &source.ChatRecord{
			ConversationID: "chat-2",
			CustomerPhone:  "5511",
			UpdatedAt:      &at,
		}})
		require.NoError(t, err)
		assert.Equal(t, "chat-2", c.ID)
		assert.Equal(t, "5511", c.DisplayName)
		assert.Equal(t, at, c.LastActivityAt)
		assert.True(t, c.Assignment.IsEmpty())
	})

	t.Run("mismatched subject join is ignored", func(t *testing.T) {
		c, err := a.Normalize(source.RawRecord{Chat: &source.ChatRecord{
			ConversationID: "chat-3",
			SubjectID:      "s1",
			LastMessageAt:  &at,
			Subject:        &source.SubjectRecord{ID: "s2", ExecutiveID: "E2"},
		}})
		require.NoError(t, err)
		assert.True(t, c.Assignment.IsEmpty())
	})

	for name, rec := range map[string]source.RawRecord{
		"nil record":  {},
		"missing id":  {Chat: &source.ChatRecord{LastMessageAt: &at}},
		"no activity": {Chat: &source.ChatRecord{ConversationID: "x"}},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := a.Normalize(rec)
			assert.True(t, errors.Is(err, source.ErrMalformed))
		})
	}
}

func TestMessagingRPCNormalize(t *testing.T) {
	a := source.NewMessagingRPC(livetest.NewStore())

	c, err := a.Normalize(source.RawRecord{Messaging: &source.MessagingRecord{
		SubjectID:      "s1",
		Phone:          "5511",
		LastMessageAt:  &at,
		TotalMessages:  9,
		UnreadMessages: 2,
		Subject:        &source.SubjectRecord{ID: "s1", WhatsAppName: "ana wa", ExecutiveID: "E1"},
	}})
	require.NoError(t, err)
	assert.Equal(t, "s1", c.ID)
	assert.Equal(t, "ana wa", c.DisplayName)
	assert.Equal(t, 9, c.MessageCount)
	assert.Equal(t, 2, c.UnreadCount)
	assert.Equal(t, "E1", c.Assignment.ExecutiveID)

	_, err = a.Normalize(source.RawRecord{Messaging: &source.MessagingRecord{LastMessageAt: &at}})
	assert.ErrorIs(t, err, source.ErrMalformed)
	_, err = a.Normalize(source.RawRecord{Messaging: &source.MessagingRecord{SubjectID: "s1"}})
	assert.ErrorIs(t, err, source.ErrMalformed)
}

func TestNormalizeAllSkipsMalformed(t *testing.T) {
	store := livetest.NewStore()
	store.AddMessaging(
		source.MessagingRecord{SubjectID: "s1", LastMessageAt: &at},
		source.MessagingRecord{SubjectID: "", LastMessageAt: &at},
		source.MessagingRecord{SubjectID: "s2"},
	)
	a := source.NewMessagingRPC(store)

	recs, err := a.List(context.Background(), model.Actor{ID: "A1", Role: model.RoleAdmin}, 10)
	require.NoError(t, err)
	require.Len(t, recs, 3)

	convs := source.NormalizeAll(a, recs, logger.NewNop())
	require.Len(t, convs, 1)
	assert.Equal(t, "s1", convs[0].ID)
}

func TestFetchNotFound(t *testing.T) {
	a := source.NewChatPlatform(livetest.NewStore())
	_, err := a.Fetch(context.Background(), model.Actor{}, "missing")
	assert.ErrorIs(t, err, source.ErrNotFound)
}
