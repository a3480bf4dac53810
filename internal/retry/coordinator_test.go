package retry

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/kurumirror/config"
	"github.com/coachpo/kurumirror/errs"
	"github.com/coachpo/kurumirror/internal/schema"
)

func retryCfg() config.RetryConfig {
	return config.RetryConfig{
		BaseDelay:         time.Second,
		BackoffMultiplier: 2,
		MaxAttempts:       3,
		BreakerThreshold:  10,
		BreakerWindow:     time.Minute,
		BreakerCooldown:   5 * time.Minute,
	}
}

func testAction(id string) schema.Action {
	return schema.Action{
		ClientOrderID: id,
		Market:        "MON-USDC",
		Side:          schema.TradeSideBuy,
		Price:         decimal.RequireFromString("100"),
		Size:          decimal.RequireFromString("1"),
		SourceOrderID: 7,
	}
}

type scriptedDispatch struct {
	calls   int
	results []error
}

func (s *scriptedDispatch) dispatch(context.Context, schema.Action) error {
	idx := s.calls
	s.calls++
	if idx < len(s.results) {
		return s.results[idx]
	}
	return nil
}

func retriableErr() error {
	return errs.New("venue", errs.CodeTimeout, errs.WithMessage("request timed out"))
}

func TestSubmitSuccess(t *testing.T) {
	script := &scriptedDispatch{results: nil}
	c := NewCoordinator(retryCfg(), script.dispatch, nil)

	if err := c.Submit(context.Background(), testAction("a-1")); err != nil {
		t.Fatalf("Submit returned %v", err)
	}
	if script.calls != 1 {
		t.Fatalf("dispatch calls = %d, want 1", script.calls)
	}
	if c.PendingLen() != 0 {
		t.Fatalf("pending = %d, want 0", c.PendingLen())
	}
}

func TestSubmitQueuesRetriableFailure(t *testing.T) {
	script := &scriptedDispatch{results: []error{retriableErr()}}
	clock := newFakeClock()
	c := NewCoordinator(retryCfg(), script.dispatch, nil).WithClock(clock.Now)

	if err := c.Submit(context.Background(), testAction("a-1")); err != nil {
		t.Fatalf("retriable failure should not surface, got %v", err)
	}
	if c.PendingLen() != 1 {
		t.Fatalf("pending = %d, want 1", c.PendingLen())
	}
}

func TestRetryBackoffDelays(t *testing.T) {
	// Fails on the initial attempt and the first two retries; the third
	// retry succeeds. Delays double from the base each time.
	script := &scriptedDispatch{results: []error{retriableErr(), retriableErr(), retriableErr()}}
	clock := newFakeClock()
	c := NewCoordinator(retryCfg(), script.dispatch, nil).WithClock(clock.Now)
	ctx := context.Background()

	if err := c.Submit(ctx, testAction("a-1")); err != nil {
		t.Fatalf("Submit returned %v", err)
	}

	// First retry is due after 1s.
	clock.Advance(500 * time.Millisecond)
	c.ProcessDue(ctx, clock.Now())
	if script.calls != 1 {
		t.Fatalf("retry fired before its delay, calls = %d", script.calls)
	}
	clock.Advance(500 * time.Millisecond)
	c.ProcessDue(ctx, clock.Now())
	if script.calls != 2 {
		t.Fatalf("first retry not fired, calls = %d", script.calls)
	}

	// Second retry after another 2s.
	clock.Advance(time.Second)
	c.ProcessDue(ctx, clock.Now())
	if script.calls != 2 {
		t.Fatalf("second retry fired early, calls = %d", script.calls)
	}
	clock.Advance(time.Second)
	c.ProcessDue(ctx, clock.Now())
	if script.calls != 3 {
		t.Fatalf("second retry not fired, calls = %d", script.calls)
	}

	// Third retry after another 4s succeeds.
	clock.Advance(4 * time.Second)
	c.ProcessDue(ctx, clock.Now())
	if script.calls != 4 {
		t.Fatalf("third retry not fired, calls = %d", script.calls)
	}
	if c.PendingLen() != 0 {
		t.Fatalf("pending = %d, want 0", c.PendingLen())
	}
	if c.DeadLetters().Len() != 0 {
		t.Fatalf("dead letters = %d, want 0", c.DeadLetters().Len())
	}
}

func TestRetryExhaustionDeadLetters(t *testing.T) {
	script := &scriptedDispatch{results: []error{
		retriableErr(), retriableErr(), retriableErr(), retriableErr(),
	}}
	clock := newFakeClock()
	c := NewCoordinator(retryCfg(), script.dispatch, nil).WithClock(clock.Now)
	ctx := context.Background()

	if err := c.Submit(ctx, testAction("a-1")); err != nil {
		t.Fatalf("Submit returned %v", err)
	}
	for i := 0; i < 3; i++ {
		clock.Advance(10 * time.Second)
		c.ProcessDue(ctx, clock.Now())
	}

	if script.calls != 4 {
		t.Fatalf("dispatch calls = %d, want 4", script.calls)
	}
	letters := c.DeadLetters().Drain()
	if len(letters) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(letters))
	}
	if letters[0].Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", letters[0].Attempts)
	}
	if letters[0].Action.ClientOrderID != "a-1" {
		t.Fatalf("dead letter for %s, want a-1", letters[0].Action.ClientOrderID)
	}
	if letters[0].LastError == "" {
		t.Fatalf("dead letter should record the last error")
	}
}

func TestNonRetriableFailureDeadLettersImmediately(t *testing.T) {
	rejected := errs.New("venue", errs.CodeRejected, errs.WithMessage("order rejected"))
	script := &scriptedDispatch{results: []error{rejected}}
	c := NewCoordinator(retryCfg(), script.dispatch, nil)

	err := c.Submit(context.Background(), testAction("a-1"))
	if err == nil || errs.CodeOf(err) != errs.CodeRejected {
		t.Fatalf("Submit should surface the rejection, got %v", err)
	}
	if c.PendingLen() != 0 {
		t.Fatalf("pending = %d, want 0", c.PendingLen())
	}
	if c.DeadLetters().Len() != 1 {
		t.Fatalf("dead letters = %d, want 1", c.DeadLetters().Len())
	}
}

func TestStaleActionsAreDropped(t *testing.T) {
	script := &scriptedDispatch{results: []error{retriableErr()}}
	clock := newFakeClock()
	c := NewCoordinator(retryCfg(), script.dispatch, func(schema.Action) bool { return false }).
		WithClock(clock.Now)
	ctx := context.Background()

	if err := c.Submit(ctx, testAction("a-1")); err != nil {
		t.Fatalf("Submit returned %v", err)
	}
	clock.Advance(10 * time.Second)
	c.ProcessDue(ctx, clock.Now())

	if script.calls != 1 {
		t.Fatalf("stale action should not be re-dispatched, calls = %d", script.calls)
	}
	if c.PendingLen() != 0 || c.DeadLetters().Len() != 0 {
		t.Fatalf("stale action should vanish without a trace")
	}
}

func TestBreakerBlocksSubmissions(t *testing.T) {
	cfg := retryCfg()
	cfg.BreakerThreshold = 1
	script := &scriptedDispatch{results: []error{retriableErr()}}
	clock := newFakeClock()
	c := NewCoordinator(cfg, script.dispatch, nil).WithClock(clock.Now)
	ctx := context.Background()

	if err := c.Submit(ctx, testAction("a-1")); err != nil {
		t.Fatalf("Submit returned %v", err)
	}
	if got := c.Breaker().State(); got != BreakerOpen {
		t.Fatalf("breaker state = %s, want OPEN", got)
	}

	err := c.Submit(ctx, testAction("a-2"))
	if err == nil || errs.CodeOf(err) != errs.CodeUnavailable {
		t.Fatalf("expected breaker rejection, got %v", err)
	}
	if script.calls != 1 {
		t.Fatalf("blocked submission must not reach the venue, calls = %d", script.calls)
	}
	if c.DeadLetters().Len() != 1 {
		t.Fatalf("blocked submission should be dead-lettered")
	}
}

func TestFlushDrainsPending(t *testing.T) {
	script := &scriptedDispatch{results: []error{retriableErr(), retriableErr()}}
	clock := newFakeClock()
	c := NewCoordinator(retryCfg(), script.dispatch, nil).WithClock(clock.Now)
	ctx := context.Background()

	if err := c.Submit(ctx, testAction("a-1")); err != nil {
		t.Fatalf("Submit returned %v", err)
	}
	if err := c.Submit(ctx, testAction("a-2")); err != nil {
		t.Fatalf("Submit returned %v", err)
	}
	if c.PendingLen() != 2 {
		t.Fatalf("pending = %d, want 2", c.PendingLen())
	}

	c.Flush(ctx)
	if c.PendingLen() != 0 {
		t.Fatalf("pending after flush = %d, want 0", c.PendingLen())
	}
	if script.calls != 4 {
		t.Fatalf("dispatch calls = %d, want 4", script.calls)
	}
}
