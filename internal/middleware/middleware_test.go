package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/live-conversations/internal/model"
	"github.com/capitalize-ai/live-conversations/pkg/logger"
)

const secret = "test-secret"

func sign(t *testing.T, sub, role string, method jwt.SigningMethod) string {
	t.Helper()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Role: role,
	}
	s, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func TestAuth(t *testing.T) {
	var got model.Actor
	h := Auth(secret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = GetActor(r.Context())
	}))

	tests := []struct {
		name   string
		setup  func(r *http.Request)
		status int
	}{
		{"missing", func(r *http.Request) {}, http.StatusUnauthorized},
		{"bad scheme", func(r *http.Request) { r.Header.Set("Authorization", "Basic abc") }, http.StatusUnauthorized},
		{"bad token", func(r *http.Request) { r.Header.Set("Authorization", "Bearer nope") }, http.StatusUnauthorized},
		{"unknown role", func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer "+sign(t, "u1", "guest", jwt.SigningMethodHS256))
		}, http.StatusForbidden},
		{"header", func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer "+sign(t, "u1", "agent", jwt.SigningMethodHS256))
		}, http.StatusOK},
		{"query", func(r *http.Request) {
			q := r.URL.Query()
			q.Set("access_token", sign(t, "u1", "agent", jwt.SigningMethodHS256))
			r.URL.RawQuery = q.Encode()
		}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got = model.Actor{}
			r := httptest.NewRequest(http.MethodGet, "/x", nil)
			tt.setup(r)
			w := httptest.NewRecorder()
			h.ServeHTTP(w, r)
			assert.Equal(t, tt.status, w.Code)
			if tt.status == http.StatusOK {
				assert.Equal(t, model.Actor{ID: "u1", Role: model.RoleAgent}, got)
			}
		})
	}
}

func TestLoggingSetsCorrelationAndFlushes(t *testing.T) {
	var (
		id      string
		flusher bool
	)
	h := Logging(logger.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id = GetCorrelationID(r.Context())
		_, flusher = w.(http.Flusher)
		w.WriteHeader(http.StatusTeapot)
	}))

	r := httptest.NewRequest(http.MethodGet, "/x", nil)
	r.Header.Set("X-Correlation-ID", "corr-1")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	assert.Equal(t, "corr-1", id)
	assert.Equal(t, "corr-1", w.Header().Get("X-Correlation-ID"))
	assert.True(t, flusher)
	assert.Equal(t, http.StatusTeapot, w.Code)
}

func TestValidateConversationKey(t *testing.T) {
	assert.NoError(t, ValidateConversationKey("5f0c2c1e-8f1d-4c6a-9d55-1f0b7a9e1c11"))
	assert.NoError(t, ValidateConversationKey("5511987654321"))
	assert.Error(t, ValidateConversationKey(""))
	assert.Error(t, ValidateConversationKey("a b"))
	assert.Error(t, ValidateConversationKey("live.>"))
	assert.Error(t, ValidateConversationKey(string(make([]byte, 129))))
}

func TestValidatePauseDuration(t *testing.T) {
	ptr := func(v int) *int { return &v }
	assert.NoError(t, ValidatePauseDuration(nil))
	assert.NoError(t, ValidatePauseDuration(ptr(5)))
	assert.Error(t, ValidatePauseDuration(ptr(0)))
	assert.Error(t, ValidatePauseDuration(ptr(MaxPauseMinutes+1)))
}
