package auth

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

const RoleContextKey contextKey = "role"

// RoleHeader carries the caller's role, set by the gateway after
// authentication.
const RoleHeader = "X-Role"

// Middleware reads the role header into the request context, falling back
// to defaultRole.
func Middleware(defaultRole string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		role := strings.ToLower(strings.TrimSpace(r.Header.Get(RoleHeader)))
		if role == "" {
			role = defaultRole
		}
		ctx := context.WithValue(r.Context(), RoleContextKey, role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RoleFrom returns the role stored by Middleware.
func RoleFrom(ctx context.Context) string {
	role, _ := ctx.Value(RoleContextKey).(string)
	return role
}

func (p *Policy) RequirePermission(obj, act string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		role := RoleFrom(r.Context())
		if role == "" {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		allowed, err := p.Allowed(role, obj, act)
		if err != nil {
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		next.ServeHTTP(w, r)
	})
}
