// Package classify maps call failures to resilience treatment. A failure is
// first bucketed into a Category, then a Table resolves the category to a
// Verdict: whether the failure is worth retrying and whether the circuit
// breaker should count it. Classification is pure; the same error always
// yields the same verdict.
package classify

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Category identifies a recognized class of call failure.
type Category string

const (
	// Transport covers connection-level failures: refused, reset, DNS.
	Transport Category = "transport"
	// Timeout covers deadline expiry and network timeouts.
	Timeout Category = "timeout"
	// Upstream4xx covers HTTP 400-499 responses from the upstream.
	Upstream4xx Category = "upstream_4xx"
	// Upstream5xx covers HTTP 500-599 responses from the upstream.
	Upstream5xx Category = "upstream_5xx"
	// Canceled covers caller-side context cancellation.
	Canceled Category = "canceled"
	// Unknown covers everything not recognized above.
	Unknown Category = "unknown"
)

// Categories lists every recognized category, in config order.
var Categories = []Category{Transport, Timeout, Upstream4xx, Upstream5xx, Canceled, Unknown}

// Outcome says how the circuit breaker should treat a failure.
type Outcome int

const (
	// Ignored outcomes are never recorded in a breaker window.
	Ignored Outcome = iota
	// Counted outcomes are recorded as failures.
	Counted
)

func (o Outcome) String() string {
	switch o {
	case Ignored:
		return "ignored"
	case Counted:
		return "counted"
	default:
		return "unknown"
	}
}

// ParseOutcome converts the config spelling of an outcome.
func ParseOutcome(s string) (Outcome, error) {
	switch s {
	case "ignored":
		return Ignored, nil
	case "counted":
		return Counted, nil
	default:
		return Ignored, fmt.Errorf("unknown outcome %q (want \"counted\" or \"ignored\")", s)
	}
}

// Verdict is the resolved treatment for a failure.
type Verdict struct {
	Retryable bool
	Record    Outcome
}

// statusCoder is implemented by errors that carry an upstream HTTP status.
type statusCoder interface {
	HTTPStatus() int
}

// Categorize buckets err into a Category. It unwraps through error chains, so
// a transport error wrapped by url.Error is still recognized. Errors carrying
// an HTTP status (via an HTTPStatus() int method) are bucketed by status
// class. Anything unrecognized is Unknown.
func Categorize(err error) Category {
	if err == nil {
		return Unknown
	}
	if errors.Is(err, context.Canceled) {
		return Canceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	var sc statusCoder
	if errors.As(err, &sc) {
		switch code := sc.HTTPStatus(); {
		case code >= 500:
			return Upstream5xx
		case code >= 400:
			return Upstream4xx
		default:
			return Unknown
		}
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return Timeout
		}
		return Transport
	}
	return Unknown
}

// Table resolves categories to verdicts. Categories without an explicit rule
// get the fail-safe default: not retryable, ignored by the breaker. That keeps
// unrecognized conditions from being masked as transient or from penalizing
// the breaker.
type Table struct {
	rules map[Category]Verdict
}

// fail-safe default for categories without a rule
var defaultVerdict = Verdict{Retryable: false, Record: Ignored}

// NewTable builds a Table from explicit per-category rules. Unknown category
// keys are rejected.
func NewTable(rules map[Category]Verdict) (*Table, error) {
	for c := range rules {
		if !validCategory(c) {
			return nil, fmt.Errorf("unknown failure category %q", c)
		}
	}
	copied := make(map[Category]Verdict, len(rules))
	for c, v := range rules {
		copied[c] = v
	}
	return &Table{rules: copied}, nil
}

// DefaultRules is the stock rule set: transport failures, timeouts, and
// upstream 5xx are retryable and counted; upstream 4xx is neither.
func DefaultRules() map[Category]Verdict {
	return map[Category]Verdict{
		Transport:   {Retryable: true, Record: Counted},
		Timeout:     {Retryable: true, Record: Counted},
		Upstream5xx: {Retryable: true, Record: Counted},
		Upstream4xx: {Retryable: false, Record: Ignored},
	}
}

// Verdict classifies err and resolves its treatment.
func (t *Table) Verdict(err error) Verdict {
	return t.VerdictFor(Categorize(err))
}

// VerdictFor resolves the treatment for an already-known category.
func (t *Table) VerdictFor(c Category) Verdict {
	if v, ok := t.rules[c]; ok {
		return v
	}
	return defaultVerdict
}

// Rules returns a copy of the table's explicit rules, for observability.
func (t *Table) Rules() map[Category]Verdict {
	out := make(map[Category]Verdict, len(t.rules))
	for c, v := range t.rules {
		out[c] = v
	}
	return out
}

func validCategory(c Category) bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}
