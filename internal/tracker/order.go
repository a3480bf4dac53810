// Package tracker maintains order and position state reconciled from fills.
package tracker

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/kurumirror/errs"
	"github.com/coachpo/kurumirror/internal/observability"
	"github.com/coachpo/kurumirror/internal/schema"
)

// FillOutcome describes what applying a fill did to tracked state.
type FillOutcome int

const (
	// FillUnknown means the order is not tracked; expected for fills on
	// orders belonging to the mirrored source rather than to us.
	FillUnknown FillOutcome = iota
	// FillApplied means the fill advanced the order's progress.
	FillApplied
	// FillDuplicate means the (order, sequence) pair was already seen.
	FillDuplicate
	// FillIgnored means the order is terminal and accepts no transitions.
	FillIgnored
)

// recentFillLimit bounds the per-tracker replay window for fill dedupe.
const recentFillLimit = 4096

type fillKey struct {
	orderID  int64
	sequence uint64
}

// OrderTracker owns the mirror order records. State transitions are driven
// only by observed fill and cancel events, never by local assumption.
type OrderTracker struct {
	mu       sync.RWMutex
	orders   map[int64]*schema.Order
	byClient map[string]int64
	bySource map[int64]int64

	recentFills map[fillKey]struct{}
	fillOrder   []fillKey

	appliedFills map[int64]decimal.Decimal

	ttl   time.Duration
	clock func() time.Time
}

// NewOrderTracker constructs an order tracker. Terminal orders older than
// ttl are removed by Sweep; ttl <= 0 disables sweeping.
func NewOrderTracker(ttl time.Duration) *OrderTracker {
	return &OrderTracker{
		orders:       make(map[int64]*schema.Order),
		byClient:     make(map[string]int64),
		bySource:     make(map[int64]int64),
		recentFills:  make(map[fillKey]struct{}),
		fillOrder:    make([]fillKey, 0, recentFillLimit),
		appliedFills: make(map[int64]decimal.Decimal),
		ttl:          ttl,
		clock:        time.Now,
	}
}

// WithClock overrides the tracker clock, primarily for testing.
func (t *OrderTracker) WithClock(clock func() time.Time) *OrderTracker {
	t.mu.Lock()
	defer t.mu.Unlock()
	if clock == nil {
		t.clock = time.Now
	} else {
		t.clock = clock
	}
	return t
}

// Register records a newly accepted mirror order. Registering an already
// known ClientOrderID fails; this guards against duplicate submission.
func (t *OrderTracker) Register(order schema.Order) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if order.ClientOrderID != "" {
		if _, exists := t.byClient[order.ClientOrderID]; exists {
			return errs.New("tracker/order", errs.CodeDuplicate,
				errs.WithMessage("client order id already registered"),
				errs.WithField("client_order_id", order.ClientOrderID))
		}
	}
	if _, exists := t.orders[order.OrderID]; exists {
		return errs.New("tracker/order", errs.CodeDuplicate,
			errs.WithMessage("order id already registered"))
	}

	if order.Status == "" {
		order.Status = schema.OrderStatusPending
	}
	if order.RemainingSize.IsZero() && !order.Size.IsZero() {
		order.RemainingSize = order.Size
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = t.clock()
	}

	stored := order
	t.orders[order.OrderID] = &stored
	if order.ClientOrderID != "" {
		t.byClient[order.ClientOrderID] = order.OrderID
	}
	if order.SourceOrderID != 0 {
		t.bySource[order.SourceOrderID] = order.OrderID
	}
	t.appliedFills[order.OrderID] = decimal.Zero

	observability.Log().Debug("order registered",
		observability.F("market", order.Market),
		observability.F("order_id", order.OrderID),
		observability.F("client_order_id", order.ClientOrderID),
		observability.F("size", order.Size.String()))
	return nil
}

// Acknowledge moves a PENDING order to OPEN once the venue confirms it.
func (t *OrderTracker) Acknowledge(orderID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	order, ok := t.orders[orderID]
	if !ok {
		return
	}
	if order.Status.CanTransition(schema.OrderStatusOpen) {
		order.Status = schema.OrderStatusOpen
	}
}

// ApplyFill reconciles one observed execution against the tracked order.
// The returned size is the portion actually applied after overrun capping;
// callers feed it to the position tracker so positions never double-count.
func (t *OrderTracker) ApplyFill(fill schema.Fill) (FillOutcome, decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()

	order, ok := t.orders[fill.OrderID]
	if !ok {
		return FillUnknown, decimal.Zero
	}

	key := fillKey{orderID: fill.OrderID, sequence: fill.Sequence}
	if _, seen := t.recentFills[key]; seen {
		observability.Log().Debug("duplicate fill ignored",
			observability.F("market", order.Market),
			observability.F("order_id", fill.OrderID),
			observability.F("seq", fill.Sequence))
		return FillDuplicate, decimal.Zero
	}

	if order.Status.Terminal() {
		observability.Log().Info("fill for terminal order discarded",
			observability.F("market", order.Market),
			observability.F("order_id", fill.OrderID),
			observability.F("status", string(order.Status)))
		return FillIgnored, decimal.Zero
	}

	t.rememberFill(key)

	applied := fill.FilledSize
	tracked := t.appliedFills[fill.OrderID]
	if tracked.Add(applied).GreaterThan(order.Size) {
		capped := order.Size.Sub(tracked)
		observability.Log().Warn("fill exceeds order size, capping",
			observability.F("market", order.Market),
			observability.F("order_id", fill.OrderID),
			observability.F("fill_size", applied.String()),
			observability.F("capped_to", capped.String()))
		applied = capped
	}
	if applied.LessThanOrEqual(decimal.Zero) {
		return FillIgnored, decimal.Zero
	}

	t.appliedFills[fill.OrderID] = tracked.Add(applied)
	order.RemainingSize = order.RemainingSize.Sub(applied)

	if order.RemainingSize.IsZero() {
		order.Status = schema.OrderStatusFilled
		observability.Log().Info("order fully filled",
			observability.F("market", order.Market),
			observability.F("order_id", fill.OrderID))
	} else {
		order.Status = schema.OrderStatusPartiallyFilled
	}

	return FillApplied, applied
}

// ApplyCancel transitions the order to CANCELED regardless of remaining
// size. Canceling a terminal order is a logged no-op.
func (t *OrderTracker) ApplyCancel(orderID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	order, ok := t.orders[orderID]
	if !ok {
		observability.Log().Debug("cancel for unknown order ignored",
			observability.F("order_id", orderID))
		return
	}
	if order.Status.Terminal() {
		observability.Log().Info("cancel for terminal order ignored",
			observability.F("market", order.Market),
			observability.F("order_id", orderID),
			observability.F("status", string(order.Status)))
		return
	}
	order.Status = schema.OrderStatusCanceled
	observability.Log().Info("order canceled",
		observability.F("market", order.Market),
		observability.F("order_id", orderID),
		observability.F("remaining", order.RemainingSize.String()))
}

// ResolveClient maps a client order id to the venue order id established at
// registration.
func (t *OrderTracker) ResolveClient(clientOrderID string) (int64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.byClient[clientOrderID]
	return id, ok
}

// ResolveSource maps a source order id to the mirror order opened for it.
func (t *OrderTracker) ResolveSource(sourceOrderID int64) (int64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.bySource[sourceOrderID]
	return id, ok
}

// Get returns a copy of the tracked order.
func (t *OrderTracker) Get(orderID int64) (schema.Order, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	order, ok := t.orders[orderID]
	if !ok {
		return schema.Order{}, false
	}
	return *order, true
}

// OpenOrders returns copies of every non-terminal order.
func (t *OrderTracker) OpenOrders() []schema.Order {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]schema.Order, 0, len(t.orders))
	for _, order := range t.orders {
		if !order.Status.Terminal() {
			out = append(out, *order)
		}
	}
	return out
}

// Sweep removes terminal orders older than the tracker TTL and returns how
// many were dropped.
func (t *OrderTracker) Sweep() int {
	if t.ttl <= 0 {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.clock().Add(-t.ttl)
	removed := 0
	for id, order := range t.orders {
		if !order.Status.Terminal() || order.CreatedAt.After(cutoff) {
			continue
		}
		delete(t.orders, id)
		delete(t.appliedFills, id)
		if order.ClientOrderID != "" {
			delete(t.byClient, order.ClientOrderID)
		}
		if order.SourceOrderID != 0 {
			delete(t.bySource, order.SourceOrderID)
		}
		removed++
	}
	if removed > 0 {
		observability.Log().Info("swept terminal orders",
			observability.F("count", removed))
	}
	return removed
}

func (t *OrderTracker) rememberFill(key fillKey) {
	if len(t.fillOrder) >= recentFillLimit {
		oldest := t.fillOrder[0]
		t.fillOrder = t.fillOrder[1:]
		delete(t.recentFills, oldest)
	}
	t.recentFills[key] = struct{}{}
	t.fillOrder = append(t.fillOrder, key)
}
