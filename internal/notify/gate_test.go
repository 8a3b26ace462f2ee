package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/live-conversations/internal/model"
	"github.com/capitalize-ai/live-conversations/pkg/logger"
)

type recorder struct {
	mu   sync.Mutex
	got  []string
	err  error
	boom bool
}

func (r *recorder) Notify(_ context.Context, kind string, payload model.Notification) error {
	if r.boom {
		panic("sink exploded")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, kind+":"+payload.MessageID)
	return r.err
}

func syncDispatch() Option {
	return WithDispatcher(func(f func()) { f() })
}

func newGate(t *testing.T, sink Sink, capacity int) *Gate {
	t.Helper()
	g, err := NewGate(sink, capacity, logger.NewNop(), syncDispatch())
	require.NoError(t, err)
	return g
}

func TestNotifyOnceDeliversAtMostOnce(t *testing.T) {
	rec := &recorder{}
	g := newGate(t, rec, 10)

	assert.True(t, g.NotifyOnce("m1", model.Notification{MessageID: "m1"}))
	assert.False(t, g.NotifyOnce("m1", model.Notification{MessageID: "m1"}))
	assert.True(t, g.NotifyOnce("m2", model.Notification{MessageID: "m2"}))

	assert.Equal(t, []string{KindInboundMessage + ":m1", KindInboundMessage + ":m2"}, rec.got)
}

func TestMarkSeenSuppresses(t *testing.T) {
	rec := &recorder{}
	g := newGate(t, rec, 10)

	g.MarkSeen("m1", "", "m2")
	assert.True(t, g.Seen("m1"))
	assert.False(t, g.Seen(""))
	assert.Equal(t, 2, g.Len())

	assert.False(t, g.NotifyOnce("m1", model.Notification{MessageID: "m1"}))
	assert.Empty(t, rec.got)
}

func TestEmptyIDNeverNotifies(t *testing.T) {
	rec := &recorder{}
	g := newGate(t, rec, 10)
	assert.False(t, g.NotifyOnce("", model.Notification{}))
	assert.Empty(t, rec.got)
}

func TestCapacityEvictsOldest(t *testing.T) {
	rec := &recorder{}
	g := newGate(t, rec, 3)

	for i := 0; i < 4; i++ {
		id := fmt.Sprintf("m%d", i)
		require.True(t, g.NotifyOnce(id, model.Notification{MessageID: id}))
	}
	assert.Equal(t, 3, g.Len())
	assert.False(t, g.Seen("m0"))
	assert.True(t, g.Seen("m3"))
}

func TestSinkFailureIsContained(t *testing.T) {
	rec := &recorder{err: errors.New("push service down")}
	g := newGate(t, rec, 10)
	assert.True(t, g.NotifyOnce("m1", model.Notification{MessageID: "m1"}))
	assert.False(t, g.NotifyOnce("m1", model.Notification{MessageID: "m1"}))

	panicky := newGate(t, &recorder{boom: true}, 10)
	assert.NotPanics(t, func() {
		panicky.NotifyOnce("m1", model.Notification{MessageID: "m1"})
	})
}

func TestSinkFunc(t *testing.T) {
	var got string
	g := newGate(t, SinkFunc(func(_ context.Context, _ string, p model.Notification) error {
		got = p.Preview
		return nil
	}), 0)
	g.NotifyOnce("m1", model.Notification{MessageID: "m1", Preview: "oi"})
	assert.Equal(t, "oi", got)
}
