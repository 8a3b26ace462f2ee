package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/capitalize-ai/live-conversations/internal/engine"
	"github.com/capitalize-ai/live-conversations/internal/middleware"
	"github.com/capitalize-ai/live-conversations/internal/service"
	"github.com/capitalize-ai/live-conversations/pkg/logger"
)

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

// statusFor maps service and engine errors to HTTP statuses.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, engine.ErrConversationNotFound):
		return http.StatusNotFound, "conversation not found"
	case errors.Is(err, service.ErrInvalidDuration):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, engine.ErrNotRunning):
		return http.StatusServiceUnavailable, "live session closed"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout, "request timed out"
	}
	return http.StatusInternalServerError, "internal error"
}

// fail writes the mapped error and logs server-side failures.
func fail(log *logger.Logger, w http.ResponseWriter, r *http.Request, msg string, err error) {
	status, public := statusFor(err)
	if status >= http.StatusInternalServerError {
		log.Error(msg,
			zap.Error(err),
			zap.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			zap.String("actor_id", middleware.GetUserID(r.Context())),
		)
	}
	writeError(w, status, public)
}
