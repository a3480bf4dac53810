// Package retry handles transient execution failures: it classifies errors,
// schedules retries with exponential backoff, trips a circuit breaker when
// the venue degrades, and parks exhausted actions in a dead-letter queue.
package retry

import (
	"sync"
	"time"

	"github.com/coachpo/kurumirror/errs"
	"github.com/coachpo/kurumirror/internal/observability"
)

// BreakerState identifies the circuit breaker's current mode.
type BreakerState string

const (
	// BreakerClosed admits all submissions.
	BreakerClosed BreakerState = "CLOSED"
	// BreakerOpen rejects submissions until the cooldown elapses.
	BreakerOpen BreakerState = "OPEN"
	// BreakerHalfOpen admits a single probe submission.
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

// CircuitBreaker trips after repeated failures inside a rolling window and
// stops admitting work until the venue proves healthy again.
type CircuitBreaker struct {
	mu        sync.Mutex
	threshold int
	window    time.Duration
	cooldown  time.Duration

	state    BreakerState
	failures []time.Time
	openedAt time.Time
	probing  bool

	clock func() time.Time
}

// NewCircuitBreaker builds a closed breaker that opens once threshold
// failures accumulate within window, and re-probes after cooldown.
func NewCircuitBreaker(threshold int, window, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		threshold: threshold,
		window:    window,
		cooldown:  cooldown,
		state:     BreakerClosed,
		failures:  make([]time.Time, 0, threshold),
		clock:     time.Now,
	}
}

// WithClock overrides the breaker's time source for tests.
func (b *CircuitBreaker) WithClock(clock func() time.Time) *CircuitBreaker {
	b.clock = clock
	return b
}

// Allow reports whether a submission may proceed. In the open state it
// returns false until the cooldown elapses, then transitions to half-open
// and admits exactly one probe.
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if b.clock().Sub(b.openedAt) < b.cooldown {
			return false
		}
		b.transition(BreakerHalfOpen)
		b.probing = true
		return true
	case BreakerHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	default:
		return false
	}
}

// RecordSuccess reports a successful submission. A half-open probe success
// closes the breaker and clears the failure history.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerHalfOpen {
		b.transition(BreakerClosed)
	}
	b.probing = false
	b.failures = b.failures[:0]
}

// RecordFailure reports a failed submission. Failures inside the rolling
// window trip a closed breaker at the threshold; a half-open probe failure
// re-opens immediately.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock()
	if b.state == BreakerHalfOpen {
		b.probing = false
		b.openedAt = now
		b.transition(BreakerOpen)
		return
	}
	if b.state == BreakerOpen {
		return
	}

	b.failures = append(b.failures, now)
	b.prune(now)
	if len(b.failures) >= b.threshold {
		b.openedAt = now
		b.failures = b.failures[:0]
		b.transition(BreakerOpen)
	}
}

// State returns the breaker's current mode.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// RejectionError returns the error surfaced to callers blocked by the
// breaker.
func (b *CircuitBreaker) RejectionError() error {
	return errs.New("retry", errs.CodeUnavailable, errs.WithMessage("circuit breaker open"))
}

func (b *CircuitBreaker) prune(now time.Time) {
	cutoff := now.Add(-b.window)
	kept := b.failures[:0]
	for _, ts := range b.failures {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	b.failures = kept
}

func (b *CircuitBreaker) transition(next BreakerState) {
	if b.state == next {
		return
	}
	observability.Log().Warn("circuit breaker state change",
		observability.F("from", string(b.state)),
		observability.F("to", string(next)),
	)
	observability.Telemetry().SetGauge(observability.MetricBreakerState, breakerGaugeValue(next), nil)
	b.state = next
}

func breakerGaugeValue(state BreakerState) float64 {
	switch state {
	case BreakerOpen:
		return 1
	case BreakerHalfOpen:
		return 0.5
	default:
		return 0
	}
}
