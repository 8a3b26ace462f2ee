// Package handler provides HTTP handlers for the API.
package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/capitalize-ai/live-conversations/internal/middleware"
	"github.com/capitalize-ai/live-conversations/internal/service"
	"github.com/capitalize-ai/live-conversations/pkg/logger"
)

// ConversationHandler serves the live conversation view.
type ConversationHandler struct {
	sessions *service.SessionService
	logger   *logger.Logger
}

// NewConversationHandler creates a new conversation handler.
func NewConversationHandler(sessions *service.SessionService, log *logger.Logger) *ConversationHandler {
	return &ConversationHandler{
		sessions: sessions,
		logger:   log,
	}
}

// List handles GET /api/v1/live/conversations
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	view, err := h.sessions.View(ctx, middleware.GetActor(ctx))
	if err != nil {
		fail(h.logger, w, r, "failed to load live view", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// Get handles GET /api/v1/live/conversations/{key}
func (h *ConversationHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key := chi.URLParam(r, "key")
	if err := middleware.ValidateConversationKey(key); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	conv, err := h.sessions.Conversation(ctx, middleware.GetActor(ctx), key)
	if err != nil {
		fail(h.logger, w, r, "failed to get conversation", err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// MarkRead handles POST /api/v1/live/conversations/{key}/read
func (h *ConversationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key := chi.URLParam(r, "key")
	if err := middleware.ValidateConversationKey(key); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	conv, err := h.sessions.MarkRead(ctx, middleware.GetActor(ctx), key)
	if err != nil {
		fail(h.logger, w, r, "failed to mark conversation read", err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// CloseSession handles DELETE /api/v1/live/session
func (h *ConversationHandler) CloseSession(w http.ResponseWriter, r *http.Request) {
	h.sessions.Close(middleware.GetUserID(r.Context()))
	w.WriteHeader(http.StatusNoContent)
}
