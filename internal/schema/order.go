package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus enumerates mirror order lifecycle states.
type OrderStatus string

const (
	// OrderStatusPending marks an order dispatched but not yet acknowledged.
	OrderStatusPending OrderStatus = "PENDING"
	// OrderStatusOpen marks an order resting on the book.
	OrderStatusOpen OrderStatus = "OPEN"
	// OrderStatusPartiallyFilled marks an order with some executed quantity.
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	// OrderStatusFilled marks a completely executed order. Terminal.
	OrderStatusFilled OrderStatus = "FILLED"
	// OrderStatusCanceled marks a canceled order. Terminal.
	OrderStatusCanceled OrderStatus = "CANCELED"
)

// Terminal reports whether the status accepts no further transitions.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusFilled || s == OrderStatusCanceled
}

// CanTransition reports whether moving from s to next is a legal lifecycle step.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	if s.Terminal() {
		return false
	}
	switch s {
	case OrderStatusPending:
		return next == OrderStatusOpen || next == OrderStatusCanceled
	case OrderStatusOpen:
		return next == OrderStatusPartiallyFilled || next == OrderStatusFilled || next == OrderStatusCanceled
	case OrderStatusPartiallyFilled:
		return next == OrderStatusOpen || next == OrderStatusFilled || next == OrderStatusCanceled
	default:
		return false
	}
}

// Order is one mirrored order tracked by the engine.
type Order struct {
	OrderID       int64
	ClientOrderID string
	Market        string
	Side          TradeSide
	Price         decimal.Decimal
	Size          decimal.Decimal
	RemainingSize decimal.Decimal
	Status        OrderStatus
	SourceOrderID int64
	CreatedAt     time.Time
}

// FilledSize returns the executed quantity so far.
func (o Order) FilledSize() decimal.Decimal {
	return o.Size.Sub(o.RemainingSize)
}

// Notional returns size times price in quote terms.
func (o Order) Notional() decimal.Decimal {
	return o.Size.Mul(o.Price)
}

// Fill is an immutable record of a partial or full execution. Fills are
// idempotent by (OrderID, Sequence); replays must not double-count.
type Fill struct {
	OrderID    int64
	FilledSize decimal.Decimal
	Price      decimal.Decimal
	Sequence   uint64
	ObservedAt time.Time
}

// Action is a proposed mirror submission evaluated by risk and dispatched
// to the venue.
type Action struct {
	ClientOrderID string
	Market        string
	Side          TradeSide
	Price         decimal.Decimal
	Size          decimal.Decimal
	SourceOrderID int64
	CreatedAt     time.Time
}

// Notional returns size times price in quote terms.
func (a Action) Notional() decimal.Decimal {
	return a.Size.Mul(a.Price)
}
