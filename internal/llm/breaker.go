package llm

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned while the breaker is refusing calls after
// repeated provider failures.
var ErrCircuitOpen = errors.New("provider circuit open")

// CircuitState is the breaker state.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // requests flow through
	CircuitOpen                         // tripped, requests refused immediately
	CircuitHalfOpen                     // one probe allowed to test recovery
)

// Breaker wraps a Provider with a failure circuit breaker. Repeated Generate
// failures within the window trip the circuit; while open, calls fail fast
// with ErrCircuitOpen instead of waiting out a dead endpoint on every cycle.
// After the window a single probe request is let through; its outcome closes
// or reopens the circuit.
type Breaker struct {
	inner Provider

	mu            sync.Mutex
	state         CircuitState
	failures      []time.Time
	openedAt      time.Time
	probeInFlight bool

	threshold int
	window    time.Duration
}

// NewBreaker wraps provider. threshold is the failure count within window
// that trips the circuit (default 5); window is the sliding window and the
// open-state cooldown (default 60s).
func NewBreaker(provider Provider, threshold int, window time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if window <= 0 {
		window = 60 * time.Second
	}
	return &Breaker{inner: provider, threshold: threshold, window: window}
}

// Name returns the wrapped provider's identifier.
func (b *Breaker) Name() string { return b.inner.Name() }

// State returns the current circuit state.
func (b *Breaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Generate forwards to the wrapped provider when the circuit allows it.
func (b *Breaker) Generate(ctx context.Context, req *Request) (*Response, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	resp, err := b.inner.Generate(ctx, req)
	if err != nil {
		b.recordFailure()
		return nil, err
	}
	b.recordSuccess()
	return resp, nil
}

func (b *Breaker) check() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitOpen:
		if time.Since(b.openedAt) > b.window {
			b.state = CircuitHalfOpen
			b.probeInFlight = true
			return nil
		}
		return ErrCircuitOpen
	case CircuitHalfOpen:
		if b.probeInFlight {
			return ErrCircuitOpen
		}
		b.probeInFlight = true
	}
	return nil
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()

	// A failed probe reopens immediately; the threshold applies only while
	// closed.
	if b.state == CircuitHalfOpen {
		b.state = CircuitOpen
		b.openedAt = now
		b.probeInFlight = false
		return
	}

	cutoff := now.Add(-b.window)
	kept := b.failures[:0]
	for _, t := range b.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.failures = append(kept, now)

	if len(b.failures) >= b.threshold {
		b.state = CircuitOpen
		b.openedAt = now
	}
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == CircuitHalfOpen {
		b.state = CircuitClosed
		b.failures = nil
		b.probeInFlight = false
	}
}

// Reset closes the circuit manually (operator override).
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = CircuitClosed
	b.failures = nil
	b.probeInFlight = false
}
