package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/live-conversations/internal/model"
	"github.com/capitalize-ai/live-conversations/pkg/logger"
)

func TestHubReplaysLatestSnapshot(t *testing.T) {
	h := NewHub(logger.NewNop())
	h.OnView(model.LiveView{Status: model.ViewLoading})
	h.OnView(model.LiveView{Status: model.ViewReady})

	events, cancel := h.Subscribe(4)
	defer cancel()

	ev := <-events
	assert.Equal(t, EventSnapshot, ev.Type)
	assert.Equal(t, model.ViewReady, ev.Data.(model.LiveView).Status)
}

func TestHubDropsForLaggingSubscriber(t *testing.T) {
	h := NewHub(logger.NewNop())
	events, cancel := h.Subscribe(1)
	defer cancel()

	h.OnRevoked(model.Revocation{ConversationID: "c1"})
	require.NoError(t, h.Notify(context.Background(), "inbound_message", model.Notification{MessageID: "m1"}))

	ev := <-events
	assert.Equal(t, EventRevoked, ev.Type)
	select {
	case ev := <-events:
		t.Fatalf("unexpected event %s", ev.Type)
	default:
	}
}

func TestHubUnsubscribeAndClose(t *testing.T) {
	h := NewHub(logger.NewNop())
	a, cancelA := h.Subscribe(1)
	b, cancelB := h.Subscribe(1)
	assert.Equal(t, 2, h.Subscribers())

	cancelA()
	cancelA()
	_, ok := <-a
	assert.False(t, ok)
	assert.Equal(t, 1, h.Subscribers())

	h.Close()
	_, ok = <-b
	assert.False(t, ok)
	cancelB()

	late, _ := h.Subscribe(1)
	_, ok = <-late
	assert.False(t, ok)
}
