package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/live-conversations/internal/middleware"
	"github.com/capitalize-ai/live-conversations/internal/service"
	"github.com/capitalize-ai/live-conversations/pkg/logger"
	"github.com/capitalize-ai/live-conversations/pkg/metrics"
)

// HeartbeatEvent keeps idle streams open through proxies.
type HeartbeatEvent struct {
	Timestamp time.Time `json:"timestamp"`
}

// StreamHandler handles SSE streaming endpoints.
type StreamHandler struct {
	sessions  *service.SessionService
	logger    *logger.Logger
	heartbeat time.Duration
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(sessions *service.SessionService, log *logger.Logger) *StreamHandler {
	return &StreamHandler{
		sessions:  sessions,
		logger:    log,
		heartbeat: 30 * time.Second,
	}
}

// Stream handles GET /api/v1/live/stream
// The first event is the current snapshot; later events are snapshots,
// revocations and notifications as they happen.
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor := middleware.GetActor(ctx)

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	sess, events, cancel, err := h.sessions.Stream(ctx, actor, 32)
	if err != nil {
		status, public := statusFor(err)
		writeError(w, status, public)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	w.WriteHeader(http.StatusOK)

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	log := h.logger.WithActor(actor.ID, string(actor.Role), sess.ID)
	sendSSEEvent(w, flusher, "connected", map[string]string{"session_id": sess.ID})

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug("SSE client disconnected")
			return

		case ev, ok := <-events:
			if !ok {
				sendSSEEvent(w, flusher, "closed", map[string]string{"session_id": sess.ID})
				return
			}
			if err := sendSSEEvent(w, flusher, ev.Type, ev.Data); err != nil {
				log.Warn("failed to write SSE event", zap.String("type", ev.Type), zap.Error(err))
				return
			}

		case <-heartbeat.C:
			sendSSEEvent(w, flusher, "heartbeat", &HeartbeatEvent{
				Timestamp: time.Now(),
			})
		}
	}
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData); err != nil {
		return err
	}
	flusher.Flush()

	return nil
}
