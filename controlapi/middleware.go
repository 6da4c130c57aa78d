package controlapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/duskvale/streamd/controlapi/auth"
)

type contextKey int

const ctxRole contextKey = iota

// RequireAuth validates the Bearer JWT and injects the operator role into
// context. Returns 401 on missing/invalid/expired token.
func RequireAuth(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if raw == "" {
				writeError(w, http.StatusUnauthorized, "missing authorization header")
				return
			}
			claims, err := auth.ParseAccessToken(secret, raw)
			if err != nil {
				writeError(w, http.StatusUnauthorized, err.Error())
				return
			}
			ctx := context.WithValue(r.Context(), ctxRole, claims.Role)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAdmin returns 403 if the request context role is not "admin".
func RequireAdmin() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if contextRole(r) != adminRole {
				writeError(w, http.StatusForbidden, "admin role required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func contextRole(r *http.Request) string {
	v, _ := r.Context().Value(ctxRole).(string)
	return v
}
