// Package venue abstracts the exchange endpoints the mirroring engine
// talks to: order execution and collateral balance lookups.
package venue

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/coachpo/kurumirror/internal/schema"
)

// ExecutionClient places and cancels orders on the venue. Implementations
// must be safe for concurrent use; the engine serializes per market but
// crosses markets freely.
type ExecutionClient interface {
	// SubmitOrder places a limit order and returns the venue-assigned
	// order identifier. The client order id round-trips through the
	// venue so fills can be correlated later.
	SubmitOrder(ctx context.Context, market string, side schema.TradeSide, price, size decimal.Decimal, clientOrderID string) (int64, error)
	// CancelOrders cancels the orders with the given venue identifiers.
	// Unknown identifiers are not an error.
	CancelOrders(ctx context.Context, market string, orderIDs []int64) error
}

// BalanceSource reports the collateral available for new orders.
type BalanceSource interface {
	CurrentBalance(ctx context.Context, asset string) (decimal.Decimal, error)
}
