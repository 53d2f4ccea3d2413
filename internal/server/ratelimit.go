package server

import (
	"net/http"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter enforces a global and a per-caller request budget with token
// buckets. Either budget may be disabled independently. Callers are keyed by
// bearer token when auth is enabled, falling back to the client address.
type RateLimiter struct {
	mu        sync.Mutex
	global    *rate.Limiter // nil when the global budget is disabled
	callers   map[string]*rate.Limiter
	perCaller rate.Limit
	burst     int // 0 when the per-caller budget is disabled
}

// NewRateLimiter creates a limiter from requests-per-minute budgets. A
// non-positive budget disables that bucket.
func NewRateLimiter(globalRPM, perCallerRPM int) *RateLimiter {
	rl := &RateLimiter{callers: make(map[string]*rate.Limiter)}
	if globalRPM > 0 {
		rl.global = rate.NewLimiter(rate.Limit(float64(globalRPM)/60.0), globalRPM)
	}
	if perCallerRPM > 0 {
		rl.perCaller = rate.Limit(float64(perCallerRPM) / 60.0)
		rl.burst = perCallerRPM
	}
	return rl
}

// Allow reports whether a request from the given caller fits every enabled
// budget.
func (rl *RateLimiter) Allow(caller string) bool {
	if rl.global != nil && !rl.global.Allow() {
		return false
	}
	if rl.burst == 0 {
		return true
	}
	rl.mu.Lock()
	limiter, ok := rl.callers[caller]
	if !ok {
		limiter = rate.NewLimiter(rl.perCaller, rl.burst)
		rl.callers[caller] = limiter
	}
	rl.mu.Unlock()
	return limiter.Allow()
}

// RateLimitMiddleware rejects over-budget requests with 429. A nil limiter
// disables limiting.
func RateLimitMiddleware(rl *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if rl == nil {
				next.ServeHTTP(w, r)
				return
			}
			caller := r.Header.Get("Authorization")
			if caller == "" {
				caller = r.RemoteAddr
			}
			if !rl.Allow(caller) {
				writeError(w, http.StatusTooManyRequests, "rate_limited", "request budget exceeded, retry later")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
