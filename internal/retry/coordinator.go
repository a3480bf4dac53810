package retry

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/coachpo/kurumirror/config"
	"github.com/coachpo/kurumirror/errs"
	"github.com/coachpo/kurumirror/internal/observability"
	"github.com/coachpo/kurumirror/internal/schema"
)

// Dispatch executes an action against the venue.
type Dispatch func(ctx context.Context, action schema.Action) error

// WantedFunc reports whether an action is still worth executing. Stale
// actions, for example ones whose source order was already canceled, are
// dropped without counting against the breaker.
type WantedFunc func(action schema.Action) bool

type pendingAction struct {
	action      schema.Action
	attempts    int
	nextAttempt time.Time
	lastErr     error
}

// Coordinator retries failed submissions with exponential backoff, guarded
// by a circuit breaker. Actions that exhaust their attempts or fail with a
// non-retriable error land in the dead-letter queue.
type Coordinator struct {
	cfg      config.RetryConfig
	breaker  *CircuitBreaker
	dispatch Dispatch
	wanted   WantedFunc

	mu      sync.Mutex
	pending []*pendingAction

	dlq          *DeadLetterQueue
	onDeadLetter func(DeadLetter)
	clock        func() time.Time

	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}
	started   bool
}

// NewCoordinator builds a coordinator around the dispatch function. A nil
// wanted function keeps every queued action.
func NewCoordinator(cfg config.RetryConfig, dispatch Dispatch, wanted WantedFunc) *Coordinator {
	if wanted == nil {
		wanted = func(schema.Action) bool { return true }
	}
	return &Coordinator{
		cfg:      cfg,
		breaker:  NewCircuitBreaker(cfg.BreakerThreshold, cfg.BreakerWindow, cfg.BreakerCooldown),
		dispatch: dispatch,
		wanted:   wanted,
		pending:  make([]*pendingAction, 0),
		dlq:      NewDeadLetterQueue(0),
		clock:    time.Now,
		closed:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// WithClock overrides the coordinator's time source for tests. The breaker
// shares the same source.
func (c *Coordinator) WithClock(clock func() time.Time) *Coordinator {
	c.clock = clock
	c.breaker.WithClock(clock)
	return c
}

// Breaker exposes the coordinator's circuit breaker.
func (c *Coordinator) Breaker() *CircuitBreaker { return c.breaker }

// DeadLetters exposes the dead-letter queue.
func (c *Coordinator) DeadLetters() *DeadLetterQueue { return c.dlq }

// OnDeadLetter registers a callback invoked for every dead-lettered action,
// after it is queued. Must be set before Start.
func (c *Coordinator) OnDeadLetter(fn func(DeadLetter)) {
	c.onDeadLetter = fn
}

// Submit attempts the action once. On a retriable failure the action is
// queued for a delayed re-dispatch and Submit returns nil; the caller only
// sees errors that end the action's life immediately.
func (c *Coordinator) Submit(ctx context.Context, action schema.Action) error {
	if !c.breaker.Allow() {
		err := c.breaker.RejectionError()
		c.deadLetter(action, 0, err)
		return err
	}

	err := c.dispatch(ctx, action)
	if err == nil {
		c.breaker.RecordSuccess()
		return nil
	}
	c.breaker.RecordFailure()

	if !errs.Retriable(err) {
		c.deadLetter(action, 1, err)
		return err
	}
	c.enqueue(action, 1, err)
	return nil
}

// Start launches the background loop that re-dispatches queued actions as
// their delays elapse. It returns immediately; Close stops the loop.
func (c *Coordinator) Start(ctx context.Context) {
	interval := c.cfg.BaseDelay / 4
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	c.mu.Lock()
	c.started = true
	c.mu.Unlock()
	go func() {
		defer close(c.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.closed:
				return
			case <-ticker.C:
				c.ProcessDue(ctx, c.clock())
			}
		}
	}()
}

// Close stops the background loop and waits for it to exit.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() { close(c.closed) })
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if started {
		<-c.done
	}
}

// ProcessDue re-dispatches every queued action whose delay has elapsed.
// Actions are handled in queue order so retries for the same order never
// overtake each other.
func (c *Coordinator) ProcessDue(ctx context.Context, now time.Time) {
	due := c.takeDue(now)
	for _, entry := range due {
		c.redispatch(ctx, entry)
	}
	c.reportDepth()
}

// Flush attempts every queued action once regardless of its delay, then
// dead-letters whatever still fails. Used on shutdown so no action is
// silently lost.
func (c *Coordinator) Flush(ctx context.Context) {
	c.mu.Lock()
	remaining := c.pending
	c.pending = make([]*pendingAction, 0)
	c.mu.Unlock()

	for _, entry := range remaining {
		if !c.wanted(entry.action) {
			continue
		}
		if err := c.dispatch(ctx, entry.action); err != nil {
			c.deadLetter(entry.action, entry.attempts+1, err)
			continue
		}
		c.breaker.RecordSuccess()
	}
	c.reportDepth()
}

// PendingLen returns the number of actions awaiting a retry.
func (c *Coordinator) PendingLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Coordinator) redispatch(ctx context.Context, entry *pendingAction) {
	if !c.wanted(entry.action) {
		observability.Log().Debug("dropping stale retry",
			observability.F("client_order_id", entry.action.ClientOrderID),
			observability.F("market", entry.action.Market),
		)
		return
	}
	if !c.breaker.Allow() {
		// Push the attempt out by one base delay and try again later.
		c.requeue(entry, c.clock().Add(c.cfg.BaseDelay))
		return
	}

	observability.Telemetry().IncCounter(observability.MetricRetries, 1, map[string]string{"market": entry.action.Market})
	err := c.dispatch(ctx, entry.action)
	if err == nil {
		c.breaker.RecordSuccess()
		return
	}
	c.breaker.RecordFailure()
	entry.lastErr = err

	if !errs.Retriable(err) {
		c.deadLetter(entry.action, entry.attempts, err)
		return
	}
	if entry.attempts >= c.cfg.MaxAttempts {
		c.deadLetter(entry.action, entry.attempts, err)
		return
	}
	c.enqueue(entry.action, entry.attempts+1, err)
}

func (c *Coordinator) enqueue(action schema.Action, attempts int, cause error) {
	entry := &pendingAction{
		action:      action,
		attempts:    attempts,
		nextAttempt: c.clock().Add(c.delayFor(attempts)),
		lastErr:     cause,
	}
	c.mu.Lock()
	c.pending = append(c.pending, entry)
	depth := len(c.pending)
	c.mu.Unlock()

	observability.Log().Info("scheduled retry",
		observability.F("client_order_id", action.ClientOrderID),
		observability.F("market", action.Market),
		observability.F("attempt", attempts),
		observability.F("cause", cause.Error()),
	)
	observability.Telemetry().SetGauge(observability.MetricRetryQueueDepth, float64(depth), nil)
}

func (c *Coordinator) requeue(entry *pendingAction, at time.Time) {
	entry.nextAttempt = at
	c.mu.Lock()
	c.pending = append(c.pending, entry)
	c.mu.Unlock()
}

// takeDue removes and returns the queued actions whose delay has elapsed,
// preserving queue order.
func (c *Coordinator) takeDue(now time.Time) []*pendingAction {
	c.mu.Lock()
	defer c.mu.Unlock()

	due := make([]*pendingAction, 0)
	kept := c.pending[:0]
	for _, entry := range c.pending {
		if entry.nextAttempt.After(now) {
			kept = append(kept, entry)
			continue
		}
		due = append(due, entry)
	}
	c.pending = kept
	return due
}

// delayFor computes the backoff before retry attempt n (1-based):
// baseDelay multiplied by backoffMultiplier^(n-1).
func (c *Coordinator) delayFor(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	factor := math.Pow(c.cfg.BackoffMultiplier, float64(attempt-1))
	return time.Duration(float64(c.cfg.BaseDelay) * factor)
}

func (c *Coordinator) deadLetter(action schema.Action, attempts int, cause error) {
	letter := DeadLetter{
		Action:    action,
		Attempts:  attempts,
		LastError: cause.Error(),
		FailedAt:  c.clock(),
	}
	c.dlq.Offer(letter)
	if c.onDeadLetter != nil {
		c.onDeadLetter(letter)
	}
	observability.Log().Error("action dead-lettered",
		observability.F("client_order_id", action.ClientOrderID),
		observability.F("market", action.Market),
		observability.F("attempts", attempts),
		observability.F("cause", cause.Error()),
	)
	observability.Telemetry().IncCounter(observability.MetricDeadLetters, 1, map[string]string{"market": action.Market})
}

func (c *Coordinator) reportDepth() {
	c.mu.Lock()
	depth := len(c.pending)
	c.mu.Unlock()
	observability.Telemetry().SetGauge(observability.MetricRetryQueueDepth, float64(depth), nil)
}
