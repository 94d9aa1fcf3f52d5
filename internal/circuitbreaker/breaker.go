// Package circuitbreaker implements the per-policy circuit breaker protecting
// upstream calls, plus a bulkhead for capping concurrent calls.
package circuitbreaker

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/callguard/callguard/internal/metrics"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal operation; calls pass through.
	StateOpen                  // Failing; calls are rejected immediately.
	StateHalfOpen              // Probing; trial calls allowed to test recovery.
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds the tunables for one breaker instance.
type Config struct {
	// SlidingWindowSize is the number of most recent counted outcomes the
	// failure rate is computed over.
	SlidingWindowSize int
	// MinimumCalls is the number of counted outcomes that must accumulate
	// before a failure rate is computed at all. The breaker cannot open
	// below this.
	MinimumCalls int
	// FailureRateThreshold is a percentage in (0, 100]. At or above it the
	// breaker opens.
	FailureRateThreshold float64
	// OpenTimeout is how long the breaker stays open before the next call
	// is allowed through as a half-open trial.
	OpenTimeout time.Duration
	// TrialCalls is the half-open trial window size. Zero means use
	// MinimumCalls.
	TrialCalls int
	// SlowCallThreshold, when positive, records successes slower than this
	// as failures.
	SlowCallThreshold time.Duration
}

// Validate rejects configurations that would make the breaker misbehave.
func (c Config) Validate() error {
	if c.SlidingWindowSize <= 0 {
		return fmt.Errorf("sliding_window_size must be > 0, got %d", c.SlidingWindowSize)
	}
	if c.MinimumCalls <= 0 {
		return fmt.Errorf("minimum_calls must be > 0, got %d", c.MinimumCalls)
	}
	if c.MinimumCalls > c.SlidingWindowSize {
		return fmt.Errorf("minimum_calls (%d) must not exceed sliding_window_size (%d)", c.MinimumCalls, c.SlidingWindowSize)
	}
	if c.FailureRateThreshold <= 0 || c.FailureRateThreshold > 100 {
		return fmt.Errorf("failure_rate_threshold must be in (0, 100], got %g", c.FailureRateThreshold)
	}
	if c.OpenTimeout <= 0 {
		return fmt.Errorf("open_timeout must be > 0, got %v", c.OpenTimeout)
	}
	if c.TrialCalls < 0 {
		return fmt.Errorf("trial_calls must be >= 0, got %d", c.TrialCalls)
	}
	if c.SlowCallThreshold < 0 {
		return fmt.Errorf("slow_call_threshold must be >= 0, got %v", c.SlowCallThreshold)
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.TrialCalls == 0 {
		c.TrialCalls = c.MinimumCalls
	}
	return c
}

// outcome records a single counted call result in the sliding window.
type outcome struct {
	failed bool
}

// ewmaAlpha is the smoothing factor for the observed-latency average exposed
// in snapshots. Higher reacts faster to latency shifts.
const ewmaAlpha = 0.3

// Breaker is a count-based sliding-window failure-rate circuit breaker for
// one named policy. All methods are safe for concurrent use; the protected
// call itself always runs outside the breaker's lock.
type Breaker struct {
	mu sync.Mutex

	state  State
	name   string
	cfg    Config
	logger *slog.Logger

	// Sliding window implemented as a ring buffer.
	window   []outcome
	head     int // next write position
	count    int // number of outcomes recorded (up to SlidingWindowSize)
	failures int // number of failures in the current window

	halfOpenSuccess int // consecutive trial successes while half-open
	openedAt        time.Time

	ewmaLatency float64 // EWMA of recorded call latency, nanoseconds
}

// New creates a breaker for the named policy. cfg must have passed Validate.
func New(name string, cfg Config, logger *slog.Logger) *Breaker {
	cfg = cfg.withDefaults()
	return &Breaker{
		state:  StateClosed,
		name:   name,
		cfg:    cfg,
		logger: logger,
		window: make([]outcome, cfg.SlidingWindowSize),
	}
}

// Allow reports whether a call may proceed. When the breaker is open and the
// open timeout has elapsed, the decision itself moves the breaker to
// half-open and admits the call as a trial. While half-open the breaker never
// rejects; it decides closed-or-open only when trial outcomes arrive.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(b.openedAt) >= b.cfg.OpenTimeout {
			b.transitionTo(StateHalfOpen)
			return true
		}
		return false
	case StateHalfOpen:
		return true
	default:
		return true
	}
}

// RecordSuccess records a counted successful call with its latency. A success
// slower than SlowCallThreshold (when configured) counts as a failure.
func (b *Breaker) RecordSuccess(latency time.Duration) {
	if b.cfg.SlowCallThreshold > 0 && latency > b.cfg.SlowCallThreshold {
		b.RecordFailure(latency)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.observeLatency(latency)

	switch b.state {
	case StateClosed:
		b.recordOutcome(false)
		b.checkTrip()
	case StateHalfOpen:
		b.halfOpenSuccess++
		if b.halfOpenSuccess >= b.cfg.TrialCalls {
			b.transitionTo(StateClosed)
		}
	}
}

// RecordFailure records a counted failed call with its latency. Outcomes the
// classifier marked ignored must not be passed here; the caller simply skips
// recording them.
func (b *Breaker) RecordFailure(latency time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observeLatency(latency)

	switch b.state {
	case StateClosed:
		b.recordOutcome(true)
		b.checkTrip()
	case StateHalfOpen:
		// Any trial failure re-opens immediately with a fresh timestamp.
		b.transitionTo(StateOpen)
	}
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker back to closed and clears the window, regardless
// of current state.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateClosed {
		b.transitionTo(StateClosed)
		return
	}
	b.clearWindow()
}

// Snapshot reports the breaker's observable state for metrics and admin.
type Snapshot struct {
	Name           string        `json:"name"`
	State          string        `json:"state"`
	CountedCalls   int           `json:"counted_calls"`
	Failures       int           `json:"failures"`
	FailureRate    float64       `json:"failure_rate"` // percent
	OpenedAt       time.Time     `json:"opened_at,omitzero"`
	TrialSuccesses int           `json:"trial_successes"`
	TrialTarget    int           `json:"trial_target"`
	AvgLatency     time.Duration `json:"avg_latency_ns"`
}

// Snapshot returns a point-in-time view of the breaker.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Snapshot{
		Name:           b.name,
		State:          b.state.String(),
		CountedCalls:   b.count,
		Failures:       b.failures,
		FailureRate:    b.failureRate(),
		TrialSuccesses: b.halfOpenSuccess,
		TrialTarget:    b.cfg.TrialCalls,
		AvgLatency:     time.Duration(b.ewmaLatency),
	}
	if b.state == StateOpen {
		s.OpenedAt = b.openedAt
	}
	return s
}

// checkTrip opens the breaker when the window holds enough counted outcomes
// and the failure rate has reached the threshold. Must be called with b.mu
// held.
func (b *Breaker) checkTrip() {
	if b.count >= b.cfg.MinimumCalls && b.failureRate() >= b.cfg.FailureRateThreshold {
		b.transitionTo(StateOpen)
	}
}

// recordOutcome writes a result into the ring buffer and maintains the
// running failure count. Must be called with b.mu held.
func (b *Breaker) recordOutcome(failed bool) {
	// If the window is full, evict the oldest entry.
	if b.count == b.cfg.SlidingWindowSize {
		if b.window[b.head].failed {
			b.failures--
		}
	} else {
		b.count++
	}

	b.window[b.head] = outcome{failed: failed}
	if failed {
		b.failures++
	}
	b.head = (b.head + 1) % b.cfg.SlidingWindowSize
}

// failureRate returns the current failure percentage over the window. Must be
// called with b.mu held.
func (b *Breaker) failureRate() float64 {
	if b.count == 0 {
		return 0
	}
	return float64(b.failures) / float64(b.count) * 100
}

// observeLatency folds a recorded call's latency into the EWMA. Must be
// called with b.mu held.
func (b *Breaker) observeLatency(latency time.Duration) {
	ns := float64(latency.Nanoseconds())
	if b.ewmaLatency == 0 {
		b.ewmaLatency = ns
		return
	}
	b.ewmaLatency = ewmaAlpha*ns + (1-ewmaAlpha)*b.ewmaLatency
}

// clearWindow drops all recorded outcomes and trial progress. Must be called
// with b.mu held.
func (b *Breaker) clearWindow() {
	b.head = 0
	b.count = 0
	b.failures = 0
	b.halfOpenSuccess = 0
}

// transitionTo changes the breaker state, emitting metrics and logging.
// Must be called with b.mu held.
func (b *Breaker) transitionTo(newState State) {
	if b.state == newState {
		return
	}

	from := b.state
	b.state = newState

	metrics.BreakerTransitions.WithLabelValues(b.name, from.String(), newState.String()).Inc()
	metrics.BreakerState.WithLabelValues(b.name).Set(float64(newState))

	b.logger.Info("circuit breaker state change",
		"policy", b.name,
		"from", from.String(),
		"to", newState.String(),
	)

	switch newState {
	case StateClosed:
		b.clearWindow()
	case StateOpen:
		b.openedAt = time.Now()
		b.halfOpenSuccess = 0
	case StateHalfOpen:
		b.halfOpenSuccess = 0
	}
}
