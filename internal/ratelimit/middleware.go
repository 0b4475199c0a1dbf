// ABOUTME: HTTP middleware that applies a Limiter to incoming requests
// ABOUTME: Sets X-RateLimit-* headers and rejects with 429 when the window is full

package ratelimit

import (
	"net"
	"net/http"
	"strconv"

	"github.com/2389/coven-control/internal/apierr"
)

// Middleware admits requests through limiter, keyed by identify(r).
func Middleware(limiter *Limiter, identify func(*http.Request) string) func(http.Handler) http.Handler {
	if identify == nil {
		identify = RemoteIP
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			result := limiter.Check(identify(r))

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(limiter.now().Add(result.ResetIn).UnixMilli(), 10))

			if !result.Allowed {
				apierr.Write(w, apierr.RateLimited(result.RetryAfter()))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RemoteIP identifies a request by the host part of its remote address.
func RemoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
