package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/talha-yousuf/gatekeep-backend/internal/http/response"
	"github.com/talha-yousuf/gatekeep-backend/internal/security"
)

type contextKey string

const actorIDKey contextKey = "actor_id"

// RequireAdmin guards mutation routes with an admin bearer token and stashes
// the token subject in the request context as the acting principal.
func RequireAdmin(mgr *security.JWTManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || token == "" {
				response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "missing bearer token", nil)
				return
			}
			claims, err := mgr.ParseAdminToken(token)
			if err != nil {
				response.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "invalid bearer token", nil)
				return
			}
			ctx := context.WithValue(r.Context(), actorIDKey, claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ActorID returns the authenticated principal set by RequireAdmin, or "".
func ActorID(r *http.Request) string {
	if v, ok := r.Context().Value(actorIDKey).(string); ok {
		return v
	}
	return ""
}
