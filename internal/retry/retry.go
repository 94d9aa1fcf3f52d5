// Package retry holds the per-policy retry configuration and the backoff
// delay schedule used between attempts. The retry loop itself lives in the
// executor; this package only answers "how long until the next attempt".
package retry

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Config holds the tunables for one retry policy. A policy is stateless:
// every call builds its own Schedule, so attempt counters never leak across
// calls.
type Config struct {
	// MaxAttempts bounds total invocations including the first one, so
	// MaxAttempts=3 means at most 2 retries. Must be >= 1.
	MaxAttempts int
	// BaseDelay is the wait before the first retry.
	BaseDelay time.Duration
	// Multiplier grows the delay geometrically: delay(n) = BaseDelay *
	// Multiplier^(n-1). 1.0 means a fixed delay. Must be >= 1.0.
	Multiplier float64
	// MaxDelay caps the computed delay. Zero means uncapped.
	MaxDelay time.Duration
	// Jitter randomizes each delay within ±Jitter of its computed value.
	// Must be in [0, 1); zero keeps the schedule deterministic.
	Jitter float64
}

// Validate rejects configurations that would make the retry loop misbehave.
func (c Config) Validate() error {
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be >= 1, got %d", c.MaxAttempts)
	}
	if c.BaseDelay < 0 {
		return fmt.Errorf("base_delay must be >= 0, got %v", c.BaseDelay)
	}
	if c.Multiplier < 1.0 {
		return fmt.Errorf("multiplier must be >= 1.0, got %g", c.Multiplier)
	}
	if c.MaxDelay < 0 {
		return fmt.Errorf("max_delay must be >= 0, got %v", c.MaxDelay)
	}
	if c.Jitter < 0 || c.Jitter >= 1 {
		return fmt.Errorf("jitter must be in [0, 1), got %g", c.Jitter)
	}
	return nil
}

// Schedule produces the successive backoff delays for a single call. Not safe
// for concurrent use; each call gets its own.
type Schedule struct {
	b *backoff.ExponentialBackOff
}

// NewSchedule builds a fresh delay schedule for one call.
func (c Config) NewSchedule() *Schedule {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.BaseDelay
	b.RandomizationFactor = c.Jitter
	b.Multiplier = c.Multiplier
	b.MaxInterval = c.MaxDelay
	if c.MaxDelay <= 0 {
		b.MaxInterval = time.Duration(math.MaxInt64)
	}
	// Never stop on elapsed time; MaxAttempts is the only bound.
	b.MaxElapsedTime = 0
	b.Reset()
	return &Schedule{b: b}
}

// Next returns the delay to wait before the next attempt. The first call
// returns BaseDelay (±Jitter), each subsequent call the previous delay scaled
// by Multiplier, capped at MaxDelay.
func (s *Schedule) Next() time.Duration {
	d := s.b.NextBackOff()
	if d == backoff.Stop {
		// Unreachable with MaxElapsedTime disabled, but never hand a
		// negative duration to a timer.
		return 0
	}
	return d
}

// Sleep waits for d or until ctx is done, whichever comes first. Returns
// ctx.Err() when the wait was interrupted.
func Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
