package auth

import (
	"context"
	"log"
	"net/http"
	"strings"

	"github.com/thecabs/wallet-service/pkg/httpx"
)

type ctxKey int

const subjectKey ctxKey = iota

// SubjectFromContext returns the verified subject stored by Middleware.
func SubjectFromContext(ctx context.Context) (Subject, bool) {
	sub, ok := ctx.Value(subjectKey).(Subject)
	return sub, ok
}

// WithSubject stores a subject in the context; exported for handler tests.
func WithSubject(ctx context.Context, sub Subject) context.Context {
	return context.WithValue(ctx, subjectKey, sub)
}

// Middleware verifies the bearer token and injects the Subject. Any failure
// is a uniform 401 so callers cannot probe which check rejected them.
func Middleware(v *Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				httpx.Error(w, http.StatusUnauthorized, "authorization required")
				return
			}
			token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
			sub, err := v.Verify(r.Context(), token)
			if err != nil {
				log.Printf("auth: token rejected: %v", err)
				httpx.Error(w, http.StatusUnauthorized, "invalid token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithSubject(r.Context(), sub)))
		})
	}
}

// RequireRoles gates a route on the subject holding at least one listed role.
func RequireRoles(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sub, ok := SubjectFromContext(r.Context())
			if !ok {
				httpx.Error(w, http.StatusUnauthorized, "authorization required")
				return
			}
			if !sub.HasAnyRole(roles...) {
				httpx.ErrorReason(w, http.StatusForbidden, "forbidden", "role_missing")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
