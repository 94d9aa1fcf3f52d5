package circuitbreaker

import (
	"github.com/callguard/callguard/internal/metrics"
)

// Bulkhead caps the number of concurrent in-flight calls for one policy. It
// rejects without blocking when the cap is reached, preventing goroutine
// pileups behind a slow upstream.
type Bulkhead struct {
	sem    chan struct{}
	policy string
}

// NewBulkhead creates a bulkhead allowing at most maxConcurrent in-flight
// calls before rejecting.
func NewBulkhead(policy string, maxConcurrent int) *Bulkhead {
	return &Bulkhead{
		sem:    make(chan struct{}, maxConcurrent),
		policy: policy,
	}
}

// TryAcquire attempts to take a concurrency slot. Returns false immediately
// when the cap is reached. If TryAcquire returns true, the caller MUST call
// Release when the call completes.
func (b *Bulkhead) TryAcquire() bool {
	select {
	case b.sem <- struct{}{}:
		metrics.BulkheadInFlight.WithLabelValues(b.policy).Set(float64(len(b.sem)))
		return true
	default:
		metrics.BulkheadRejections.WithLabelValues(b.policy).Inc()
		return false
	}
}

// Release frees a concurrency slot after a call completes. Must be called
// exactly once for every TryAcquire that returned true.
func (b *Bulkhead) Release() {
	<-b.sem
	metrics.BulkheadInFlight.WithLabelValues(b.policy).Set(float64(len(b.sem)))
}

// InFlight reports the number of slots currently held.
func (b *Bulkhead) InFlight() int {
	return len(b.sem)
}

// Capacity reports the concurrency cap.
func (b *Bulkhead) Capacity() int {
	return cap(b.sem)
}
