package ratelimit

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"
)

// KeyFunc extracts the requester key from a request. It runs after authentication.
type KeyFunc func(r *http.Request) string

// Middleware wraps an HTTP handler with rate limiting.
type Middleware struct {
	limiter *Limiter
	enabled bool
	key     KeyFunc
	logger  *log.Logger

	// OnReject runs for every rejected request.
	OnReject func(key string)
}

// NewMiddleware creates a new rate limiting middleware.
func NewMiddleware(limiter *Limiter, enabled bool, key KeyFunc, logger *log.Logger) *Middleware {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Middleware{
		limiter: limiter,
		enabled: enabled,
		key:     key,
		logger:  logger,
	}
}

// Wrap applies rate limiting to an HTTP handler.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	if !m.enabled || m.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := m.key(r)
		allowed, remaining := m.limiter.Allow(r.Context(), key)
		m.addRateLimitHeaders(w, remaining)

		if !allowed {
			m.logger.Printf("rate limit exceeded: requester=%s path=%s", key, r.URL.Path)
			if m.OnReject != nil {
				m.OnReject(key)
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = io.WriteString(w, `{"error":"Rate limit exceeded. Please try again later."}`)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// addRateLimitHeaders adds standard rate limit headers to the response.
// See: https://datatracker.ietf.org/doc/html/draft-polli-ratelimit-headers
func (m *Middleware) addRateLimitHeaders(w http.ResponseWriter, remaining float64) {
	limit := m.limiter.capacity
	w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%.0f", limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(int(remaining)))
	if remaining < limit {
		reset := time.Now().Add(secondsToDuration((limit - remaining) / m.limiter.refillRate))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))
	}
}
