package handler

import (
	"context"
	"net/http"
	"time"
)

// Checker reports whether a dependency is usable.
type Checker interface {
	Ping(ctx context.Context) error
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context) error

// Ping calls f.
func (f CheckerFunc) Ping(ctx context.Context) error { return f(ctx) }

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	checks map[string]Checker
}

// NewHealthHandler creates a new health handler. Ready fails while any
// named check fails.
func NewHealthHandler(checks map[string]Checker) *HealthHandler {
	return &HealthHandler{
		checks: checks,
	}
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

// Ready handles GET /ready
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	failed := make(map[string]string)
	for name, c := range h.checks {
		if err := c.Ping(ctx); err != nil {
			failed[name] = err.Error()
		}
	}

	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not ready",
			"failed": failed,
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}
