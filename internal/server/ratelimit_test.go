package server

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiterPerCaller(t *testing.T) {
	// 600 global RPM, 60 per caller: burst of 60 tokens each.
	rl := NewRateLimiter(600, 60)

	for i := 0; i < 60; i++ {
		require.True(t, rl.Allow("caller-a"), "request %d", i)
	}
	assert.False(t, rl.Allow("caller-a"), "burst exhausted")
	assert.True(t, rl.Allow("caller-b"), "budgets are independent")
}

func TestRateLimiterGlobal(t *testing.T) {
	rl := NewRateLimiter(10, 100)

	allowed := 0
	for i := 0; i < 20; i++ {
		if rl.Allow("caller") {
			allowed++
		}
	}
	assert.Equal(t, 10, allowed, "global budget caps all callers")
}

func TestRateLimiterGlobalOnly(t *testing.T) {
	// Per-caller budget of zero leaves only the global cap active.
	rl := NewRateLimiter(10, 0)

	allowed := 0
	for i := 0; i < 20; i++ {
		if rl.Allow("caller") {
			allowed++
		}
	}
	assert.Equal(t, 10, allowed)
}

func TestRateLimiterPerCallerOnly(t *testing.T) {
	// Global budget of zero leaves only the per-caller cap active.
	rl := NewRateLimiter(0, 5)

	for i := 0; i < 5; i++ {
		require.True(t, rl.Allow("caller-a"), "request %d", i)
	}
	assert.False(t, rl.Allow("caller-a"))
	assert.True(t, rl.Allow("caller-b"))
}

func TestRateLimitSingleBudgetEnablesMiddleware(t *testing.T) {
	handler := newTestServer(t, nil, WithRateLimit(2, 0)).Routes()

	for i := 0; i < 2; i++ {
		rec := doJSON(t, handler, http.MethodGet, "/v1/status", nil, nil)
		assert.NotEqual(t, http.StatusTooManyRequests, rec.Code, "request %d", i)
	}
	rec := doJSON(t, handler, http.MethodGet, "/v1/status", nil, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestRateLimitMiddleware(t *testing.T) {
	handler := newTestServer(t, nil, WithRateLimit(1000, 2)).Routes()

	for i := 0; i < 2; i++ {
		rec := doJSON(t, handler, http.MethodGet, "/v1/status", nil, nil)
		assert.NotEqual(t, http.StatusTooManyRequests, rec.Code, "request %d", i)
	}
	rec := doJSON(t, handler, http.MethodGet, "/v1/status", nil, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	var errResp map[string]string
	decode(t, rec, &errResp)
	assert.Equal(t, "rate_limited", errResp["error"])

	// Health sits outside the limited group.
	rec = doJSON(t, handler, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimitDisabledByDefault(t *testing.T) {
	handler := newTestServer(t, nil).Routes()
	for i := 0; i < 30; i++ {
		rec := doJSON(t, handler, http.MethodGet, "/health", nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}
}
