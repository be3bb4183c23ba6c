// Package resilience wraps completion-service calls in a circuit breaker and
// a cancellation-aware retry policy, so infrastructure outages fail fast
// while per-call errors surface normally.
package resilience

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the breaker rejects a call without
// attempting the downstream request.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitState represents the circuit breaker state.
type CircuitState int

const (
	// CircuitClosed is normal operation - calls pass through.
	CircuitClosed CircuitState = iota
	// CircuitOpen means the failure ratio was exceeded - calls are rejected.
	CircuitOpen
	// CircuitHalfOpen is testing recovery - a single trial call is allowed.
	CircuitHalfOpen
)

// String returns a human-readable state name.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures the circuit breaker behavior.
type BreakerConfig struct {
	// MinimumCalls is the call count the rolling window must reach before
	// the failure ratio is evaluated (default: 10).
	MinimumCalls int

	// FailureRatio is the fraction of failed calls within the window that
	// opens the circuit (default: 0.5).
	FailureRatio float64

	// Cooldown is how long the circuit stays open before a trial call is
	// allowed (default: 30s).
	Cooldown time.Duration

	// WindowInterval bounds the age of the rolling window; counters reset
	// when it elapses (default: 60s).
	WindowInterval time.Duration
}

// DefaultBreakerConfig returns sensible defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MinimumCalls:   10,
		FailureRatio:   0.5,
		Cooldown:       30 * time.Second,
		WindowInterval: 60 * time.Second,
	}
}

// BreakerStats is a snapshot of breaker counters.
type BreakerStats struct {
	State           string    `json:"state"`
	WindowCalls     int       `json:"window_calls"`
	WindowFailures  int       `json:"window_failures"`
	TotalCalls      int64     `json:"total_calls"`
	TotalFailures   int64     `json:"total_failures"`
	TotalRejections int64     `json:"total_rejections"`
	LastStateChange time.Time `json:"last_state_change"`
}

// Breaker is a fail-fast guard shared by every call to one downstream
// dependency (one breaker per completion endpoint).
//
// Closed: calls pass; once the rolling window holds at least MinimumCalls
// and the failure ratio reaches FailureRatio, the circuit opens.
// Open: calls are rejected with ErrCircuitOpen until Cooldown elapses, then
// a single trial call is let through (half-open).
// HalfOpen: the trial call's outcome decides closed (success) or open again.
//
// Safe for concurrent use.
type Breaker struct {
	name   string
	config BreakerConfig

	mu              sync.Mutex
	state           CircuitState
	windowCalls     int
	windowFailures  int
	windowStart     time.Time
	lastStateChange time.Time
	trialInFlight   bool

	totalCalls      int64
	totalFailures   int64
	totalRejections int64

	// now is swappable for tests
	now func() time.Time
}

// NewBreaker creates a circuit breaker for the named downstream dependency.
func NewBreaker(name string, config BreakerConfig) *Breaker {
	if config.MinimumCalls <= 0 {
		config.MinimumCalls = DefaultBreakerConfig().MinimumCalls
	}
	if config.FailureRatio <= 0 {
		config.FailureRatio = DefaultBreakerConfig().FailureRatio
	}
	if config.Cooldown <= 0 {
		config.Cooldown = DefaultBreakerConfig().Cooldown
	}
	if config.WindowInterval <= 0 {
		config.WindowInterval = DefaultBreakerConfig().WindowInterval
	}
	b := &Breaker{
		name:   name,
		config: config,
		state:  CircuitClosed,
		now:    time.Now,
	}
	b.lastStateChange = b.now()
	b.windowStart = b.lastStateChange
	return b
}

// Name returns the downstream dependency this breaker guards.
func (b *Breaker) Name() string {
	return b.name
}

// State returns the current circuit state.
func (b *Breaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Allow checks whether a call may proceed. It returns ErrCircuitOpen when the
// call must fail fast without touching the downstream dependency.
func (b *Breaker) Allow() error {
	_, err := b.AcquirePermit()
	return err
}

// AcquirePermit is Allow plus a report of whether the granted permit is the
// half-open trial. A caller that abandons a trial permit without an outcome
// (cooperative cancellation is never recorded) must hand it back with
// ReturnTrial; otherwise the breaker waits forever on a verdict that never
// comes and rejects every later call.
func (b *Breaker) AcquirePermit() (trial bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalCalls++

	switch b.state {
	case CircuitClosed:
		b.rollWindow()
		return false, nil

	case CircuitOpen:
		if b.now().Sub(b.lastStateChange) >= b.config.Cooldown {
			b.transitionTo(CircuitHalfOpen)
			b.trialInFlight = true
			return true, nil
		}
		b.totalRejections++
		return false, ErrCircuitOpen

	case CircuitHalfOpen:
		if b.trialInFlight {
			b.totalRejections++
			return false, ErrCircuitOpen
		}
		b.trialInFlight = true
		return true, nil
	}

	b.totalRejections++
	return false, ErrCircuitOpen
}

// ReturnTrial releases an unused half-open trial permit without recording an
// outcome, so a later call can run the trial instead.
func (b *Breaker) ReturnTrial() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == CircuitHalfOpen {
		b.trialInFlight = false
	}
}

// RecordSuccess records a successful downstream call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitClosed:
		b.windowCalls++
	case CircuitHalfOpen:
		b.trialInFlight = false
		b.transitionTo(CircuitClosed)
	}
}

// RecordFailure records a failed downstream call. Per-call timeouts count as
// failures; cooperative cancellation must not be recorded at all.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalFailures++

	switch b.state {
	case CircuitClosed:
		b.windowCalls++
		b.windowFailures++
		if b.windowCalls >= b.config.MinimumCalls {
			ratio := float64(b.windowFailures) / float64(b.windowCalls)
			if ratio >= b.config.FailureRatio {
				b.transitionTo(CircuitOpen)
			}
		}
	case CircuitHalfOpen:
		b.trialInFlight = false
		b.transitionTo(CircuitOpen)
	}
}

// transitionTo changes state and resets window counters. Lock must be held.
func (b *Breaker) transitionTo(newState CircuitState) {
	b.state = newState
	b.lastStateChange = b.now()
	b.windowStart = b.lastStateChange
	b.windowCalls = 0
	b.windowFailures = 0
}

// rollWindow resets stale window counters. Lock must be held.
func (b *Breaker) rollWindow() {
	if b.now().Sub(b.windowStart) >= b.config.WindowInterval {
		b.windowStart = b.now()
		b.windowCalls = 0
		b.windowFailures = 0
	}
}

// Stats returns a snapshot of the breaker counters.
func (b *Breaker) Stats() BreakerStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	return BreakerStats{
		State:           b.state.String(),
		WindowCalls:     b.windowCalls,
		WindowFailures:  b.windowFailures,
		TotalCalls:      b.totalCalls,
		TotalFailures:   b.totalFailures,
		TotalRejections: b.totalRejections,
		LastStateChange: b.lastStateChange,
	}
}

// Reset returns the breaker to the closed state with empty counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.trialInFlight = false
	b.transitionTo(CircuitClosed)
}
