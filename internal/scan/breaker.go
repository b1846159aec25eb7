package scan

import (
	"context"
	"time"

	"media-intake/internal/logging"
	"media-intake/internal/metrics"
)

// breakerKey is the shared counter key for the scan circuit breaker.
const breakerKey = "scan:failures"

// Breaker is a circuit breaker over an injected FailureCounter. It is
// Closed while the failure count stays below the threshold and Open once
// the threshold is reached; the counter's expiry provides the decay back
// to Closed.
type Breaker struct {
	counter     FailureCounter
	maxFailures int64
	decay       time.Duration
}

// NewBreaker creates a breaker tripping after maxFailures engine failures
// within the decay window.
func NewBreaker(counter FailureCounter, maxFailures int64, decay time.Duration) *Breaker {
	return &Breaker{
		counter:     counter,
		maxFailures: maxFailures,
		decay:       decay,
	}
}

// Open reports whether the breaker has tripped. Counter read errors are
// treated as open: if the shared state is unreachable, scans fail fast
// rather than proceeding unprotected.
func (b *Breaker) Open(ctx context.Context) bool {
	count, err := b.counter.Get(ctx, breakerKey)
	if err != nil {
		logging.Error("Circuit breaker state unreachable, failing closed: %v", err)
		metrics.BreakerOpen.Set(1)
		return true
	}
	open := count >= b.maxFailures
	if open {
		metrics.BreakerOpen.Set(1)
	} else {
		metrics.BreakerOpen.Set(0)
	}
	return open
}

// RecordFailure increments the shared failure counter. Only engine
// malfunctions are recorded here; detections are correct behavior and never
// touch the breaker.
func (b *Breaker) RecordFailure(ctx context.Context) {
	count, err := b.counter.Increment(ctx, breakerKey, b.decay)
	if err != nil {
		logging.Error("Failed to record scan failure: %v", err)
		return
	}
	metrics.BreakerFailures.Inc()
	if count >= b.maxFailures {
		logging.Warn("Scan circuit breaker opened after %d failures (threshold %d, decay %v)",
			count, b.maxFailures, b.decay)
		metrics.BreakerOpen.Set(1)
	}
}

// Reset clears the failure counter after a fully successful scan pass.
func (b *Breaker) Reset(ctx context.Context) {
	if err := b.counter.Reset(ctx, breakerKey); err != nil {
		logging.Error("Failed to reset scan circuit breaker: %v", err)
		return
	}
	metrics.BreakerOpen.Set(0)
}
