package handler

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/live-conversations/internal/config"
	"github.com/capitalize-ai/live-conversations/internal/engine"
	"github.com/capitalize-ai/live-conversations/internal/livetest"
	"github.com/capitalize-ai/live-conversations/internal/middleware"
	"github.com/capitalize-ai/live-conversations/internal/model"
	"github.com/capitalize-ai/live-conversations/internal/service"
	"github.com/capitalize-ai/live-conversations/internal/source"
	"github.com/capitalize-ai/live-conversations/pkg/logger"
)

var (
	t0    = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	admin = model.Actor{ID: "A1", Role: model.RoleAdmin}
)

// withActor stands in for Auth.
func withActor(actor model.Actor) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(middleware.WithActor(r.Context(), actor)))
		})
	}
}

func newServer(t *testing.T) (*httptest.Server, *livetest.Store) {
	t.Helper()
	clock := livetest.NewClock(t0)
	store := livetest.NewStore()
	at := t0.Add(-time.Minute)
	store.AddMessaging(source.MessagingRecord{
		SubjectID:      "s1",
		Phone:          "5511900000001",
		LastMessageAt:  &at,
		TotalMessages:  2,
		UnreadMessages: 2,
		LastMessageID:  "m1",
		Subject:        &source.SubjectRecord{ID: "s1", FullName: "Ana", ExecutiveID: "E1"},
	})

	log := logger.NewNop()
	sessions := service.NewSessionService(service.Backend{
		Store:       store,
		Permissions: livetest.NewPermissions(),
		Changes:     livetest.NewFeed(),
		Pauses:      livetest.NewPauses(clock.Now),
	}, config.DefaultLive(), time.Minute, log,
		service.WithClock(clock.Now),
		service.WithEngineOptions(func(o *engine.Options) { o.Tick = time.Hour }),
	)
	t.Cleanup(sessions.Shutdown)

	conv := NewConversationHandler(sessions, log)
	pauses := NewPauseHandler(sessions, log)
	stream := NewStreamHandler(sessions, log)

	r := chi.NewRouter()
	r.Use(middleware.Logging(log))
	r.Use(withActor(admin))
	r.Get("/live/conversations", conv.List)
	r.Get("/live/conversations/{key}", conv.Get)
	r.Post("/live/conversations/{key}/read", conv.MarkRead)
	r.Delete("/live/session", conv.CloseSession)
	r.Get("/live/pauses/{key}", pauses.Get)
	r.Put("/live/pauses/{key}", pauses.Set)
	r.Delete("/live/pauses/{key}", pauses.Clear)
	r.Get("/live/stream", stream.Stream)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, store
}

func do(t *testing.T, method, url, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func TestListAndGet(t *testing.T) {
	srv, _ := newServer(t)

	resp, body := do(t, http.MethodGet, srv.URL+"/live/conversations", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var view model.LiveView
	require.NoError(t, json.Unmarshal(body, &view))
	assert.Equal(t, model.ViewReady, view.Status)
	require.Len(t, view.Conversations, 1)
	assert.Equal(t, "Ana", view.Conversations[0].DisplayName)

	resp, _ = do(t, http.MethodGet, srv.URL+"/live/conversations/s1", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = do(t, http.MethodGet, srv.URL+"/live/conversations/nope", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMarkRead(t *testing.T) {
	srv, _ := newServer(t)

	resp, body := do(t, http.MethodPost, srv.URL+"/live/conversations/s1/read", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var c model.Conversation
	require.NoError(t, json.Unmarshal(body, &c))
	assert.Zero(t, c.UnreadCount)
	assert.True(t, c.Tentative)
}

func TestPauseEndpoints(t *testing.T) {
	srv, _ := newServer(t)
	url := srv.URL + "/live/pauses/s1"

	resp, _ := do(t, http.MethodPut, url, `{"duration_minutes":0}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, http.MethodPut, url, `{`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := do(t, http.MethodPut, url, `{"duration_minutes":5}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var pr PauseResponse
	require.NoError(t, json.Unmarshal(body, &pr))
	require.NotNil(t, pr.Pause)
	assert.True(t, pr.Pause.IsPaused)

	resp, body = do(t, http.MethodGet, url, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &pr))
	assert.NotNil(t, pr.Pause)

	resp, _ = do(t, http.MethodDelete, url, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body = do(t, http.MethodGet, url, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	pr = PauseResponse{}
	require.NoError(t, json.Unmarshal(body, &pr))
	assert.Nil(t, pr.Pause)

	// Indefinite pause with an empty body.
	resp, _ = do(t, http.MethodPut, url, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStreamSendsSnapshotAndClosesWithSession(t *testing.T) {
	srv, _ := newServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/live/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := make(chan string, 16)
	go func() {
		defer close(events)
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			if name, ok := strings.CutPrefix(sc.Text(), "event: "); ok {
				events <- name
			}
		}
	}()

	assert.Equal(t, "connected", <-events)
	assert.Equal(t, service.EventSnapshot, <-events)

	r, _ := do(t, http.MethodDelete, srv.URL+"/live/session", "")
	assert.Equal(t, http.StatusNoContent, r.StatusCode)
	assert.Equal(t, "closed", <-events)
}

func TestHealth(t *testing.T) {
	h := NewHealthHandler(map[string]Checker{
		"ok":   CheckerFunc(func(context.Context) error { return nil }),
		"nats": CheckerFunc(func(context.Context) error { return errors.New("down") }),
	})

	w := httptest.NewRecorder()
	h.Health(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	h.Ready(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"nats":"down"`)

	w = httptest.NewRecorder()
	NewHealthHandler(nil).Ready(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
