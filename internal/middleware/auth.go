// Package middleware provides HTTP middleware for the API server.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/capitalize-ai/live-conversations/internal/model"
)

// ContextKey is a type for context keys.
type ContextKey string

const (
	// UserIDKey is the context key for user ID.
	UserIDKey ContextKey = "user_id"
	// RoleKey is the context key for the dashboard role.
	RoleKey ContextKey = "role"
)

// Claims represents JWT claims.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// Auth creates JWT authentication middleware. Tokens must carry a subject
// and a known role.
func Auth(jwtSecret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, ok := bearerToken(r)
			if !ok {
				http.Error(w, `{"error":"missing authorization header"}`, http.StatusUnauthorized)
				return
			}

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return []byte(jwtSecret), nil
			})
			if err != nil || !token.Valid {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}

			role := model.Role(claims.Role)
			if claims.Subject == "" || !knownRole(role) {
				http.Error(w, `{"error":"token has no usable role"}`, http.StatusForbidden)
				return
			}

			ctx := context.WithValue(r.Context(), UserIDKey, claims.Subject)
			ctx = context.WithValue(ctx, RoleKey, role)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// bearerToken reads the token from the Authorization header, or from the
// access_token query parameter for EventSource clients that cannot set
// headers.
func bearerToken(r *http.Request) (string, bool) {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			return "", false
		}
		return parts[1], parts[1] != ""
	}
	if t := r.URL.Query().Get("access_token"); t != "" {
		return t, true
	}
	return "", false
}

func knownRole(r model.Role) bool {
	return r.Elevated() || r.TeamScoped() || r == model.RoleAgent
}

// GetUserID gets user ID from context.
func GetUserID(ctx context.Context) string {
	if v, ok := ctx.Value(UserIDKey).(string); ok {
		return v
	}
	return ""
}

// GetActor returns the authenticated actor.
func GetActor(ctx context.Context) model.Actor {
	role, _ := ctx.Value(RoleKey).(model.Role)
	return model.Actor{ID: GetUserID(ctx), Role: role}
}

// WithActor returns ctx carrying actor, as Auth would set it.
func WithActor(ctx context.Context, actor model.Actor) context.Context {
	ctx = context.WithValue(ctx, UserIDKey, actor.ID)
	return context.WithValue(ctx, RoleKey, actor.Role)
}
