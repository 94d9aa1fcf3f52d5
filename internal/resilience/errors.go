package resilience

import (
	"errors"
	"fmt"

	"github.com/callguard/callguard/internal/circuitbreaker"
)

// ErrRejected matches any call blocked by resilience protection before the
// operation ran. Use errors.Is(err, ErrRejected) to distinguish "the call was
// shed" from "the call itself failed"; errors.As recovers the concrete kind.
var ErrRejected = errors.New("call not permitted")

// RejectedError reports a call blocked by an open circuit breaker.
type RejectedError struct {
	Policy string
	State  circuitbreaker.State
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("call not permitted: circuit breaker %q is %s", e.Policy, e.State)
}

func (e *RejectedError) Is(target error) bool { return target == ErrRejected }

// BulkheadFullError reports a call blocked because the policy's concurrency
// cap was reached.
type BulkheadFullError struct {
	Policy string
}

func (e *BulkheadFullError) Error() string {
	return fmt.Sprintf("call not permitted: bulkhead for %q is full", e.Policy)
}

func (e *BulkheadFullError) Is(target error) bool { return target == ErrRejected }
