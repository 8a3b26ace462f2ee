package service

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/capitalize-ai/live-conversations/internal/model"
	"github.com/capitalize-ai/live-conversations/pkg/logger"
)

// Stream event types.
const (
	EventSnapshot     = "snapshot"
	EventRevoked      = "revoked"
	EventNotification = "notification"
)

// Event is one message fanned out to stream subscribers.
type Event struct {
	Type string
	Data any
}

// Hub fans a session's view updates, revocations and notifications out to
// its stream subscribers. It implements engine.Observer and notify.Sink.
// Slow subscribers drop events rather than stall the engine.
type Hub struct {
	logger *logger.Logger

	mu     sync.Mutex
	subs   map[int]chan Event
	next   int
	last   *model.LiveView
	closed bool
}

// NewHub creates an empty hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{logger: log, subs: make(map[int]chan Event)}
}

// Subscribe registers a subscriber. The latest snapshot, if any, is queued
// first. The returned func unregisters it.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	h.next++
	id := h.next
	h.subs[id] = ch
	if h.last != nil {
		ch <- Event{Type: EventSnapshot, Data: *h.last}
	}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if c, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(c)
			}
		})
	}
}

// Subscribers returns the number of registered subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// OnView records and broadcasts a new view.
func (h *Hub) OnView(view model.LiveView) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.last = &view
	h.broadcast(Event{Type: EventSnapshot, Data: view})
}

// OnRevoked broadcasts a revocation.
func (h *Hub) OnRevoked(rev model.Revocation) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.broadcast(Event{Type: EventRevoked, Data: rev})
}

// Notify broadcasts a notification.
func (h *Hub) Notify(_ context.Context, _ string, payload model.Notification) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.broadcast(Event{Type: EventNotification, Data: payload})
	return nil
}

// Close unregisters every subscriber and closes their channels.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}

func (h *Hub) broadcast(ev Event) {
	for id, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.logger.Warn("stream subscriber lagging, event dropped",
				zap.Int("subscriber", id), zap.String("type", ev.Type))
		}
	}
}
