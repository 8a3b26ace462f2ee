package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/capitalize-ai/live-conversations/internal/changefeed"
	"github.com/capitalize-ai/live-conversations/internal/model"
	"github.com/capitalize-ai/live-conversations/pkg/logger"
)

const (
	// StreamName is the name of the live change stream.
	StreamName = "LIVE_CHANGES"

	// MaxAge bounds how long change events are retained. Consumers only
	// ever read new events; reconciliation covers anything older.
	MaxAge = 24 * time.Hour
)

// StreamManager publishes and consumes change events on JetStream.
type StreamManager struct {
	client *Client
	logger *logger.Logger
}

// NewStreamManager creates a new stream manager.
func NewStreamManager(client *Client, log *logger.Logger) *StreamManager {
	return &StreamManager{client: client, logger: log.Named("changefeed")}
}

// EnsureStream ensures the change stream exists with proper configuration.
func (m *StreamManager) EnsureStream(ctx context.Context) error {
	js := m.client.JetStream()

	_, err := js.Stream(ctx, StreamName)
	if err == nil {
		return nil
	}
	if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up stream: %w", err)
	}

	_, err = js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{changefeed.SubjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      MaxAge,
		MaxBytes:    1024 * 1024 * 1024,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Compression: jetstream.S2Compression,
		Duplicates:  2 * time.Minute,
		Description: "Row-level changes feeding live conversation views",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	m.logger.Info("created stream", zap.String("stream", StreamName))
	return nil
}

// Publish publishes a change event. Events with the same kind, key and
// occurrence time are de-duplicated by the server.
func (m *StreamManager) Publish(ctx context.Context, ev model.ChangeEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal change: %w", err)
	}

	_, err = m.client.JetStream().Publish(ctx, changefeed.Subject(ev.Kind, ev.Key), data, jetstream.WithMsgID(dedupID(ev)))
	if err != nil {
		return fmt.Errorf("failed to publish change: %w", err)
	}
	return nil
}

// dedupID identifies ev for JetStream duplicate detection. Inserted
// messages dedupe on the message id regardless of which store raised them.
func dedupID(ev model.ChangeEvent) string {
	if ev.Message != nil && ev.Message.ID != "" {
		return fmt.Sprintf("%s:%s", ev.Kind, ev.Message.ID)
	}
	return fmt.Sprintf("%s:%s:%d", ev.Kind, ev.Key, ev.OccurredAt.UnixNano())
}

// Subscribe starts an ordered consumer delivering new events of kind,
// optionally restricted to one key.
func (m *StreamManager) Subscribe(ctx context.Context, kind model.ChangeKind, filter string, cb func(model.ChangeEvent)) (changefeed.Subscription, error) {
	cons, err := m.client.JetStream().OrderedConsumer(ctx, StreamName, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{changefeed.Subject(kind, filter)},
		DeliverPolicy:  jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	log := m.logger.With(zap.String("kind", string(kind)))
	cc, err := cons.Consume(func(msg jetstream.Msg) {
		var ev model.ChangeEvent
		if err := json.Unmarshal(msg.Data(), &ev); err != nil {
			log.Warn("dropping undecodable change", zap.String("subject", msg.Subject()), zap.Error(err))
			return
		}
		if meta, err := msg.Metadata(); err == nil {
			ev.Sequence = meta.Sequence.Stream
		}
		if ev.Kind == "" {
			ev.Kind = kind
		}
		cb(ev)
	}, jetstream.ConsumeErrHandler(func(_ jetstream.ConsumeContext, err error) {
		log.Warn("change consumer error", zap.Error(err))
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to consume: %w", err)
	}

	return &subscription{cc: cc}, nil
}

type subscription struct {
	once sync.Once
	cc   jetstream.ConsumeContext
}

// Unsubscribe stops the consumer. Later calls are no-ops.
func (s *subscription) Unsubscribe() error {
	s.once.Do(s.cc.Stop)
	return nil
}
