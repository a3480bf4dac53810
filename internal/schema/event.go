// Package schema defines the canonical domain events and order types
// flowing through the mirroring engine.
package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventType enumerates the canonical domain event kinds.
type EventType string

const (
	// EventTypeOrderOpened identifies a new limit order observed on the book.
	EventTypeOrderOpened EventType = "OrderOpened"
	// EventTypeFilled identifies a partial or full execution of an order.
	EventTypeFilled EventType = "Filled"
	// EventTypeOrdersClosed identifies a batch cancellation of orders.
	EventTypeOrdersClosed EventType = "OrdersClosed"
)

// TradeSide captures the direction of an order.
type TradeSide string

const (
	// TradeSideBuy indicates bid-side orders.
	TradeSideBuy TradeSide = "Buy"
	// TradeSideSell indicates ask-side orders.
	TradeSideSell TradeSide = "Sell"
)

// Opposite returns the reverse side.
func (s TradeSide) Opposite() TradeSide {
	if s == TradeSideBuy {
		return TradeSideSell
	}
	return TradeSideBuy
}

// Event is the canonical envelope emitted by the normalizer. Exactly one
// payload pointer is non-nil, matching Type; downstream code switches on
// Type instead of probing optional keys.
type Event struct {
	Type     EventType
	Market   string
	Sequence uint64
	IngestTS time.Time

	OrderOpened  *OrderOpenedPayload
	Filled       *FilledPayload
	OrdersClosed *OrdersClosedPayload
}

// OrderOpenedPayload conveys a newly observed limit order.
type OrderOpenedPayload struct {
	OrderID       int64
	Owner         string
	Side          TradeSide
	Price         decimal.Decimal
	Size          decimal.Decimal
	ClientOrderID string
}

// FilledPayload conveys an execution against a resting order.
type FilledPayload struct {
	OrderID    int64
	FilledSize decimal.Decimal
	Price      decimal.Decimal
}

// OrdersClosedPayload conveys a batch cancellation by the maker.
type OrdersClosedPayload struct {
	OrderIDs []int64
	Maker    string
}
