package ratelimit

import (
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/thecabs/wallet-service/pkg/auth"
	"github.com/thecabs/wallet-service/pkg/httpx"
)

// Middleware throttles a route per subject, falling back to the caller IP
// for unauthenticated traffic. Rejections carry standard limit headers.
func Middleware(limiter Limiter, limit int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := callerKey(r)
			d := limiter.Allow(key, limit)
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			if !d.Allowed {
				retry := int(time.Until(d.ResetAt).Seconds())
				if retry < 1 {
					retry = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retry))
				httpx.ErrorReason(w, http.StatusTooManyRequests, "too many requests", "rate_limited")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func callerKey(r *http.Request) string {
	if sub, ok := auth.SubjectFromContext(r.Context()); ok && sub.ID != "" {
		return "sub:" + sub.ID
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}
