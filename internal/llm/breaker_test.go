package llm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyProvider fails until Healthy is set.
type flakyProvider struct {
	mu      sync.Mutex
	healthy bool
	calls   int
}

func (f *flakyProvider) Name() string { return "flaky" }

func (f *flakyProvider) Generate(ctx context.Context, req *Request) (*Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if !f.healthy {
		return nil, errors.New("endpoint down")
	}
	return &Response{Content: "ok"}, nil
}

func (f *flakyProvider) setHealthy(v bool) {
	f.mu.Lock()
	f.healthy = v
	f.mu.Unlock()
}

func (f *flakyProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func generate(b *Breaker) error {
	_, err := b.Generate(context.Background(), &Request{Model: "test"})
	return err
}

func TestBreakerTripsAfterThreshold(t *testing.T) {
	inner := &flakyProvider{}
	b := NewBreaker(inner, 3, time.Minute)

	for i := 0; i < 3; i++ {
		require.Error(t, generate(b))
	}
	assert.Equal(t, CircuitOpen, b.State())

	// Open circuit fails fast without touching the provider.
	before := inner.callCount()
	err := generate(b)
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, before, inner.callCount())
}

func TestBreakerHalfOpenProbeRecovers(t *testing.T) {
	inner := &flakyProvider{}
	b := NewBreaker(inner, 2, 10*time.Millisecond)

	require.Error(t, generate(b))
	require.Error(t, generate(b))
	require.Equal(t, CircuitOpen, b.State())

	inner.setHealthy(true)
	time.Sleep(20 * time.Millisecond)

	// Cooldown elapsed: the probe goes through and closes the circuit.
	require.NoError(t, generate(b))
	assert.Equal(t, CircuitClosed, b.State())
	require.NoError(t, generate(b))
}

func TestBreakerFailedProbeReopens(t *testing.T) {
	inner := &flakyProvider{}
	b := NewBreaker(inner, 2, 10*time.Millisecond)

	require.Error(t, generate(b))
	require.Error(t, generate(b))
	time.Sleep(20 * time.Millisecond)

	// Probe fails: one failure reopens, no fresh threshold needed.
	require.Error(t, generate(b))
	assert.Equal(t, CircuitOpen, b.State())
	require.ErrorIs(t, generate(b), ErrCircuitOpen)
}

func TestBreakerClosedPassesThrough(t *testing.T) {
	inner := &flakyProvider{healthy: true}
	b := NewBreaker(inner, 3, time.Minute)

	resp, err := b.Generate(context.Background(), &Request{Model: "test"})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, "flaky", b.Name())
	assert.Equal(t, CircuitClosed, b.State())
}

func TestBreakerReset(t *testing.T) {
	inner := &flakyProvider{}
	b := NewBreaker(inner, 1, time.Hour)

	require.Error(t, generate(b))
	require.Equal(t, CircuitOpen, b.State())

	b.Reset()
	assert.Equal(t, CircuitClosed, b.State())
	inner.setHealthy(true)
	require.NoError(t, generate(b))
}

func TestBreakerFailuresOutsideWindowExpire(t *testing.T) {
	inner := &flakyProvider{}
	b := NewBreaker(inner, 2, 15*time.Millisecond)

	require.Error(t, generate(b))
	time.Sleep(25 * time.Millisecond)
	require.Error(t, generate(b))

	// The first failure aged out of the window; the circuit stays closed.
	assert.Equal(t, CircuitClosed, b.State())
}
