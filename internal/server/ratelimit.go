package server

import (
	"net/http"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter enforces per-caller request rate limits using token buckets.
// Callers are identified by the X-Agent-ID header, falling back to the
// remote address.
type RateLimiter struct {
	mu        sync.Mutex
	callers   map[string]*rate.Limiter
	perCaller rate.Limit
	burst     int
}

// NewRateLimiter creates a limiter allowing rps requests/second per caller.
func NewRateLimiter(rps int) *RateLimiter {
	burst := rps
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		callers:   make(map[string]*rate.Limiter),
		perCaller: rate.Limit(rps),
		burst:     burst,
	}
}

// Allow checks whether a request from the given caller is allowed.
func (rl *RateLimiter) Allow(caller string) bool {
	rl.mu.Lock()
	limiter, ok := rl.callers[caller]
	if !ok {
		limiter = rate.NewLimiter(rl.perCaller, rl.burst)
		rl.callers[caller] = limiter
	}
	rl.mu.Unlock()
	return limiter.Allow()
}

// RateLimitMiddleware rejects over-budget callers with 429.
func RateLimitMiddleware(rl *RateLimiter) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller := r.Header.Get("X-Agent-ID")
			if caller == "" {
				caller = r.RemoteAddr
			}
			if !rl.Allow(caller) {
				writeError(w, http.StatusTooManyRequests, "rate_limited", "request budget exhausted")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
