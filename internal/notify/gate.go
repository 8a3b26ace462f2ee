// Package notify gates user-visible notifications so each inbound message
// fires at most once.
package notify

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/capitalize-ai/live-conversations/internal/model"
	"github.com/capitalize-ai/live-conversations/pkg/logger"
	"github.com/capitalize-ai/live-conversations/pkg/metrics"
)

// KindInboundMessage is the notification kind for a new subject message.
const KindInboundMessage = "inbound_message"

// DefaultCapacity bounds the seen-message set.
const DefaultCapacity = 1000

// Sink delivers notifications. Failures are logged and otherwise ignored.
type Sink interface {
	Notify(ctx context.Context, kind string, payload model.Notification) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, kind string, payload model.Notification) error

// Notify calls f.
func (f SinkFunc) Notify(ctx context.Context, kind string, payload model.Notification) error {
	return f(ctx, kind, payload)
}

// Option configures a Gate.
type Option func(*Gate)

// WithDispatcher replaces the goroutine used to call the sink. Tests pass a
// synchronous dispatcher.
func WithDispatcher(dispatch func(func())) Option {
	return func(g *Gate) { g.dispatch = dispatch }
}

// WithTimeout bounds each sink call.
func WithTimeout(d time.Duration) Option {
	return func(g *Gate) { g.timeout = d }
}

// Gate remembers recently seen message ids in a bounded LRU and only
// invokes the sink the first time an id is seen. Not safe for concurrent
// use; the owning processor serializes calls.
type Gate struct {
	seen     *lru.Cache[string, struct{}]
	sink     Sink
	logger   *logger.Logger
	dispatch func(func())
	timeout  time.Duration
}

// NewGate creates a gate holding at most capacity ids.
func NewGate(sink Sink, capacity int, log *logger.Logger, opts ...Option) (*Gate, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	seen, err := lru.New[string, struct{}](capacity)
	if err != nil {
		return nil, err
	}
	g := &Gate{
		seen:     seen,
		sink:     sink,
		logger:   log,
		dispatch: func(f func()) { go f() },
		timeout:  5 * time.Second,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// MarkSeen records ids as already notified.
func (g *Gate) MarkSeen(ids ...string) {
	for _, id := range ids {
		if id != "" {
			g.seen.Add(id, struct{}{})
		}
	}
}

// Seen reports whether id has been recorded.
func (g *Gate) Seen(id string) bool {
	return g.seen.Contains(id)
}

// NotifyOnce hands payload to the sink if messageID has not been seen and
// reports whether it did.
func (g *Gate) NotifyOnce(messageID string, payload model.Notification) bool {
	if messageID == "" {
		return false
	}
	if ok, _ := g.seen.ContainsOrAdd(messageID, struct{}{}); ok {
		return false
	}
	if g.sink == nil {
		return true
	}

	metrics.NotificationsTotal.Inc()
	sink, timeout, log := g.sink, g.timeout, g.logger
	g.dispatch(func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error("notification sink panicked", zap.Any("panic", r), zap.String("message_id", messageID))
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := sink.Notify(ctx, KindInboundMessage, payload); err != nil {
			log.Warn("notification sink failed", zap.Error(err), zap.String("message_id", messageID))
		}
	})
	return true
}

// Len returns the number of remembered ids.
func (g *Gate) Len() int {
	return g.seen.Len()
}
