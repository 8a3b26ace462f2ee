package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/capitalize-ai/live-conversations/internal/middleware"
	"github.com/capitalize-ai/live-conversations/internal/model"
	"github.com/capitalize-ai/live-conversations/internal/service"
	"github.com/capitalize-ai/live-conversations/pkg/logger"
)

// SetPauseRequest is the body of PUT /live/pauses/{key}. A missing
// duration pauses until resumed.
type SetPauseRequest struct {
	DurationMinutes *int `json:"duration_minutes"`
}

// PauseResponse reports the pause state of one conversation.
type PauseResponse struct {
	ConversationKey string            `json:"conversation_key"`
	Pause           *model.PauseState `json:"pause"`
}

// PauseHandler handles assistant pause endpoints.
type PauseHandler struct {
	sessions *service.SessionService
	logger   *logger.Logger
}

// NewPauseHandler creates a new pause handler.
func NewPauseHandler(sessions *service.SessionService, log *logger.Logger) *PauseHandler {
	return &PauseHandler{
		sessions: sessions,
		logger:   log,
	}
}

// Get handles GET /api/v1/live/pauses/{key}
func (h *PauseHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key := chi.URLParam(r, "key")
	if err := middleware.ValidateConversationKey(key); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	st, err := h.sessions.Pause(ctx, middleware.GetActor(ctx), key)
	if err != nil {
		fail(h.logger, w, r, "failed to get pause", err)
		return
	}
	writeJSON(w, http.StatusOK, PauseResponse{ConversationKey: key, Pause: st})
}

// Set handles PUT /api/v1/live/pauses/{key}
func (h *PauseHandler) Set(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key := chi.URLParam(r, "key")
	if err := middleware.ValidateConversationKey(key); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req SetPauseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidatePauseDuration(req.DurationMinutes); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	st, err := h.sessions.SetPause(ctx, middleware.GetActor(ctx), key, req.DurationMinutes)
	if err != nil {
		fail(h.logger, w, r, "failed to set pause", err)
		return
	}
	writeJSON(w, http.StatusOK, PauseResponse{ConversationKey: key, Pause: &st})
}

// Clear handles DELETE /api/v1/live/pauses/{key}
func (h *PauseHandler) Clear(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key := chi.URLParam(r, "key")
	if err := middleware.ValidateConversationKey(key); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.sessions.ClearPause(ctx, middleware.GetActor(ctx), key); err != nil {
		fail(h.logger, w, r, "failed to clear pause", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
