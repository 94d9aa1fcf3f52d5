// Package resilience composes retry and circuit breaking around arbitrary
// fallible operations. The composition order is a contract: retry is the
// outer layer, the breaker the inner one, so every retry attempt consults the
// breaker's current state. Reversing the order would let a whole retry
// sequence record a single outcome, which changes observable behavior.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/callguard/callguard/internal/classify"
	"github.com/callguard/callguard/internal/metrics"
	"github.com/callguard/callguard/internal/policy"
	"github.com/callguard/callguard/internal/retry"
)

// Options are the per-call protection flags. Construct via the presets or
// directly; the zero value disables everything.
type Options struct {
	Retry          bool
	CircuitBreaker bool
}

// Defaults enables both retry and the circuit breaker.
func Defaults() Options { return Options{Retry: true, CircuitBreaker: true} }

// None disables all protection; the call is a direct passthrough.
func None() Options { return Options{} }

// RetryOnly enables retry without the circuit breaker.
func RetryOnly() Options { return Options{Retry: true} }

// BreakerOnly enables the circuit breaker without retry.
func BreakerOnly() Options { return Options{CircuitBreaker: true} }

// Operation is the unit of work the executor protects.
type Operation func(context.Context) error

// Fallback produces a substitute outcome from a terminal failure. It runs
// outside any retry or breaker protection.
type Fallback func(ctx context.Context, cause error) error

// Executor runs operations under named resilience policies. It holds no
// per-call state; any number of goroutines may share one instance.
type Executor struct {
	registry *policy.Registry
	logger   *slog.Logger
}

// NewExecutor creates an executor over the given policy registry.
func NewExecutor(reg *policy.Registry, logger *slog.Logger) *Executor {
	return &Executor{registry: reg, logger: logger}
}

// Do runs op under the named policy with the given flags.
//
// With retry enabled, op runs up to MaxAttempts times, waiting out the
// policy's backoff schedule between attempts; a success or a non-retryable
// failure ends the loop early. Each attempt independently passes through the
// breaker gate when the breaker is enabled. A breaker or bulkhead rejection
// is terminal within the loop: retrying it would hammer a breaker that is
// deliberately shedding load. Caller cancellation interrupts the backoff wait
// and surfaces as the context's error.
//
// With both flags disabled, Do is a passthrough: op's outcome is returned
// untouched and no breaker is created or consulted.
func (e *Executor) Do(ctx context.Context, name string, opts Options, op Operation) error {
	pol := e.registry.Lookup(name)

	if !opts.Retry {
		return e.attempt(ctx, pol, opts, op)
	}

	cfg := pol.Retry()
	sched := cfg.NewSchedule()
	for attempt := 1; ; attempt++ {
		err := e.attempt(ctx, pol, opts, op)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrRejected) {
			return err
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if attempt >= cfg.MaxAttempts {
			return err
		}
		if !pol.Classifier().Verdict(err).Retryable {
			return err
		}

		metrics.RetryAttempts.WithLabelValues(pol.Name()).Inc()
		e.logger.Debug("retrying call",
			"policy", pol.Name(),
			"attempt", attempt,
			"error", err,
		)
		if werr := retry.Sleep(ctx, sched.Next()); werr != nil {
			return werr
		}
	}
}

// DoWithFallback is Do, except a terminal failure is handed to fb for a
// substitute outcome instead of propagating.
func (e *Executor) DoWithFallback(ctx context.Context, name string, opts Options, op Operation, fb Fallback) error {
	pol := e.registry.Lookup(name)
	err := e.Do(ctx, pol.Name(), opts, op)
	if err == nil {
		return nil
	}

	metrics.Fallbacks.WithLabelValues(pol.Name()).Inc()
	e.logger.Info("invoking fallback",
		"policy", pol.Name(),
		"cause", err,
	)
	return fb(ctx, err)
}

// attempt runs op once behind the breaker gate. With the breaker disabled it
// is a bare invocation; no breaker or bulkhead is created or touched.
func (e *Executor) attempt(ctx context.Context, pol *policy.Policy, opts Options, op Operation) error {
	if !opts.CircuitBreaker {
		return op(ctx)
	}

	if bh := pol.Bulkhead(); bh != nil {
		if !bh.TryAcquire() {
			metrics.UpstreamCalls.WithLabelValues(pol.Name(), "rejected").Inc()
			return &BulkheadFullError{Policy: pol.Name()}
		}
		defer bh.Release()
	}

	br := pol.Breaker()
	if !br.Allow() {
		metrics.BreakerRejections.WithLabelValues(pol.Name()).Inc()
		metrics.UpstreamCalls.WithLabelValues(pol.Name(), "rejected").Inc()
		return &RejectedError{Policy: pol.Name(), State: br.State()}
	}

	start := time.Now()
	err := op(ctx)
	latency := time.Since(start)
	metrics.UpstreamCallDuration.WithLabelValues(pol.Name()).Observe(latency.Seconds())

	if err == nil {
		br.RecordSuccess(latency)
		metrics.UpstreamCalls.WithLabelValues(pol.Name(), "success").Inc()
		return nil
	}

	metrics.UpstreamCalls.WithLabelValues(pol.Name(), "failure").Inc()
	// Outcomes the classifier marks ignored never reach the window.
	if pol.Classifier().Verdict(err).Record == classify.Counted {
		br.RecordFailure(latency)
	}
	return err
}

// Call runs fn under the named policy and returns its typed result.
func Call[T any](ctx context.Context, e *Executor, name string, opts Options, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := e.Do(ctx, name, opts, func(ctx context.Context) error {
		v, ferr := fn(ctx)
		if ferr != nil {
			return ferr
		}
		out = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// CallWithFallback is Call, except a terminal failure is handed to fb for a
// substitute result instead of propagating.
func CallWithFallback[T any](ctx context.Context, e *Executor, name string, opts Options, fn func(context.Context) (T, error), fb func(context.Context, error) (T, error)) (T, error) {
	var out T
	err := e.DoWithFallback(ctx, name, opts,
		func(ctx context.Context) error {
			v, ferr := fn(ctx)
			if ferr != nil {
				return ferr
			}
			out = v
			return nil
		},
		func(ctx context.Context, cause error) error {
			v, ferr := fb(ctx, cause)
			if ferr != nil {
				return ferr
			}
			out = v
			return nil
		},
	)
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}
