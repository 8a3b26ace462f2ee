package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/capitalize-ai/live-conversations/internal/changefeed"
	"github.com/capitalize-ai/live-conversations/internal/model"
	"github.com/capitalize-ai/live-conversations/pkg/logger"
	"github.com/capitalize-ai/live-conversations/pkg/metrics"
)

// Channels maps each NOTIFY channel raised by the row triggers to the
// change kind it carries.
var Channels = map[string]model.ChangeKind{
	"live_messages":      model.ChangeMessageInserted,
	"live_conversations": model.ChangeConversationTouched,
	"live_subjects":      model.ChangeSubjectUpdated,
}

// DecodeNotification turns a trigger payload on channel into a change event.
func DecodeNotification(channel, payload string, now time.Time) (model.ChangeEvent, error) {
	kind, ok := Channels[channel]
	if !ok {
		return model.ChangeEvent{}, fmt.Errorf("unknown channel %q", channel)
	}
	var ev model.ChangeEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return model.ChangeEvent{}, fmt.Errorf("failed to decode %s payload: %w", channel, err)
	}
	ev.Kind = kind
	if ev.Key == "" && ev.Message != nil {
		ev.Key = ev.Message.ConversationKey
	}
	if ev.Key == "" {
		return model.ChangeEvent{}, fmt.Errorf("%s payload without key", channel)
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = now
	}
	return ev, nil
}

// Bridge listens for row-change notifications and republishes them on the
// change feed.
type Bridge struct {
	dsn       string
	publisher changefeed.Publisher
	logger    *logger.Logger
	timeout   time.Duration
}

// NewBridge creates a bridge reading from the database at dsn.
func NewBridge(dsn string, publisher changefeed.Publisher, log *logger.Logger) *Bridge {
	return &Bridge{
		dsn:       normalizeDSN(dsn),
		publisher: publisher,
		logger:    log.Named("bridge"),
		timeout:   5 * time.Second,
	}
}

// Run listens until ctx is done.
func (b *Bridge) Run(ctx context.Context) error {
	l := pq.NewListener(b.dsn, 10*time.Second, time.Minute, b.onEvent)
	defer l.Close()

	for channel := range Channels {
		if err := l.Listen(channel); err != nil {
			return fmt.Errorf("failed to listen on %s: %w", channel, err)
		}
	}
	b.logger.Info("bridge listening", zap.Int("channels", len(Channels)))

	ping := time.NewTicker(90 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-l.Notify:
			if n == nil {
				// Reconnected; anything raised meanwhile is picked up by
				// the engines' periodic reconciliation.
				b.logger.Warn("listener reconnected, notifications may have been missed")
				continue
			}
			b.forward(ctx, n)
		case <-ping.C:
			go func() {
				if err := l.Ping(); err != nil {
					b.logger.Warn("listener ping failed", zap.Error(err))
				}
			}()
		}
	}
}

func (b *Bridge) forward(ctx context.Context, n *pq.Notification) {
	ev, err := DecodeNotification(n.Channel, n.Extra, time.Now())
	if err != nil {
		metrics.BridgeForwardedTotal.WithLabelValues(n.Channel, "malformed").Inc()
		b.logger.Warn("dropping notification", zap.String("channel", n.Channel), zap.Error(err))
		return
	}

	pctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	if err := b.publisher.Publish(pctx, ev); err != nil {
		metrics.BridgeForwardedTotal.WithLabelValues(n.Channel, "error").Inc()
		b.logger.Error("failed to publish change",
			zap.String("channel", n.Channel), zap.String("key", ev.Key), zap.Error(err))
		return
	}
	metrics.BridgeForwardedTotal.WithLabelValues(n.Channel, "ok").Inc()
}

func (b *Bridge) onEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventConnected:
		b.logger.Info("listener connected")
	case pq.ListenerEventDisconnected:
		b.logger.Warn("listener disconnected", zap.Error(err))
	case pq.ListenerEventReconnected:
		b.logger.Info("listener reconnected")
	case pq.ListenerEventConnectionAttemptFailed:
		b.logger.Warn("listener connection attempt failed", zap.Error(err))
	}
}
