// Package circuit implements the per-resource circuit breaker used by the
// LLM gateway (per model) and the skill framework (per skill).
package circuit

import (
	"sync"
	"time"
)

// State is the breaker position.
type State int

// Breaker states. The numeric values are published as metric gauges.
const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

const (
	// DefaultThreshold is how many consecutive failures open the circuit.
	DefaultThreshold = 5

	// DefaultCooldown is how long the circuit stays open before the next
	// call probes in half-open.
	DefaultCooldown = 30 * time.Second
)

// Breaker is a three-state circuit breaker. Consecutive failures up to the
// threshold open it; after the cooldown the next Allow admits one probe in
// half-open. A probe success closes the circuit, a probe failure re-opens it
// for another cooldown.
type Breaker struct {
	mu        sync.Mutex
	state     State
	failures  int
	openedAt  time.Time
	threshold int
	cooldown  time.Duration

	// onTransition is invoked outside the hot path whenever the state
	// changes, with the new state. Optional.
	onTransition func(State)

	now func() time.Time
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithThreshold overrides the consecutive-failure threshold.
func WithThreshold(n int) Option {
	return func(b *Breaker) { b.threshold = n }
}

// WithCooldown overrides the open-state cooldown.
func WithCooldown(d time.Duration) Option {
	return func(b *Breaker) { b.cooldown = d }
}

// WithTransitionHook registers a callback for state changes.
func WithTransitionHook(fn func(State)) Option {
	return func(b *Breaker) { b.onTransition = fn }
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// NewBreaker creates a closed breaker with the default threshold and cooldown.
func NewBreaker(opts ...Option) *Breaker {
	b := &Breaker{
		threshold: DefaultThreshold,
		cooldown:  DefaultCooldown,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Allow reports whether a call may proceed. When the cooldown of an open
// circuit has elapsed, the breaker moves to half-open and admits the call as
// a probe.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed, HalfOpen:
		return true
	case Open:
		if b.now().Sub(b.openedAt) >= b.cooldown {
			b.transition(HalfOpen)
			return true
		}
		return false
	}
	return true
}

// RecordSuccess resets the failure counter and closes the circuit.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	if b.state != Closed {
		b.transition(Closed)
	}
}

// RecordFailure counts one failure. In half-open, or once the threshold is
// reached in closed, the circuit opens for a fresh cooldown.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	if b.state == HalfOpen || b.failures >= b.threshold {
		b.openedAt = b.now()
		b.transition(Open)
	}
}

// State returns the current position without mutating it.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// RetryAfter returns how long until an open circuit admits a probe, zero when
// the breaker is not open.
func (b *Breaker) RetryAfter() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != Open {
		return 0
	}
	remaining := b.cooldown - b.now().Sub(b.openedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (b *Breaker) transition(to State) {
	b.state = to
	if to == Open {
		b.failures = 0
	}
	if b.onTransition != nil {
		go b.onTransition(to)
	}
}
