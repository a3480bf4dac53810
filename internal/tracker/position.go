package tracker

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/coachpo/kurumirror/internal/observability"
	"github.com/coachpo/kurumirror/internal/schema"
)

// Position is one market's aggregate holding. SignedSize is positive for
// long, negative for short, zero for flat. AverageEntryPrice is meaningful
// only while SignedSize is non-zero.
type Position struct {
	Market            string
	SignedSize        decimal.Decimal
	AverageEntryPrice decimal.Decimal
	RealizedPnL       decimal.Decimal
	LastPrice         decimal.Decimal
}

// Flat reports whether the position holds no size.
func (p Position) Flat() bool {
	return p.SignedSize.IsZero()
}

// Notional returns |signed size| times the last observed price.
func (p Position) Notional() decimal.Decimal {
	return p.SignedSize.Abs().Mul(p.LastPrice)
}

// PositionDelta summarises the effect of one fill on a position.
type PositionDelta struct {
	Market      string
	ClosedSize  decimal.Decimal
	RealizedPnL decimal.Decimal
	NewSize     decimal.Decimal
	Flipped     bool
}

// PositionTracker owns per-market positions. All mutation goes through
// ApplyFill; readers receive copies.
type PositionTracker struct {
	mu        sync.RWMutex
	positions map[string]*Position
}

// NewPositionTracker constructs an empty position tracker.
func NewPositionTracker() *PositionTracker {
	return &PositionTracker{positions: make(map[string]*Position)}
}

// ApplyFill folds one confirmed execution into the market's position.
//
// Same-direction fills re-average the entry price. Opposite-direction fills
// realize PnL on the closed quantity; when the fill exceeds the held size
// the position flips, realizing the full held size and opening the excess
// at the fill price.
func (t *PositionTracker) ApplyFill(market string, side schema.TradeSide, size, price decimal.Decimal) PositionDelta {
	t.mu.Lock()
	defer t.mu.Unlock()

	// Non-positive fills carry no quantity to fold in and would poison the
	// re-averaging divisor on a flat position.
	if !size.IsPositive() {
		delta := PositionDelta{
			Market:      market,
			ClosedSize:  decimal.Zero,
			RealizedPnL: decimal.Zero,
			NewSize:     decimal.Zero,
		}
		if pos, ok := t.positions[market]; ok {
			delta.NewSize = pos.SignedSize
		}
		return delta
	}

	pos, ok := t.positions[market]
	if !ok {
		pos = &Position{
			Market:            market,
			SignedSize:        decimal.Zero,
			AverageEntryPrice: decimal.Zero,
			RealizedPnL:       decimal.Zero,
			LastPrice:         decimal.Zero,
		}
		t.positions[market] = pos
	}

	signedFill := size
	if side == schema.TradeSideSell {
		signedFill = size.Neg()
	}

	delta := PositionDelta{
		Market:      market,
		ClosedSize:  decimal.Zero,
		RealizedPnL: decimal.Zero,
		NewSize:     decimal.Zero,
		Flipped:     false,
	}

	switch {
	case pos.SignedSize.IsZero() || pos.SignedSize.Sign() == signedFill.Sign():
		// Same direction, or opening from flat: grow and re-average.
		oldAbs := pos.SignedSize.Abs()
		newAbs := oldAbs.Add(size)
		pos.AverageEntryPrice = oldAbs.Mul(pos.AverageEntryPrice).
			Add(size.Mul(price)).
			Div(newAbs)
		pos.SignedSize = pos.SignedSize.Add(signedFill)

	case size.LessThanOrEqual(pos.SignedSize.Abs()):
		// Partial or exact close: realize on the closed quantity.
		sign := decimal.NewFromInt(int64(pos.SignedSize.Sign()))
		realized := size.Mul(price.Sub(pos.AverageEntryPrice)).Mul(sign)
		pos.RealizedPnL = pos.RealizedPnL.Add(realized)
		pos.SignedSize = pos.SignedSize.Add(signedFill)
		delta.ClosedSize = size
		delta.RealizedPnL = realized
		if pos.SignedSize.IsZero() {
			pos.AverageEntryPrice = decimal.Zero
		}

	default:
		// Flip: realize the full held size, open the excess opposite.
		closed := pos.SignedSize.Abs()
		sign := decimal.NewFromInt(int64(pos.SignedSize.Sign()))
		realized := closed.Mul(price.Sub(pos.AverageEntryPrice)).Mul(sign)
		pos.RealizedPnL = pos.RealizedPnL.Add(realized)

		excess := size.Sub(closed)
		pos.SignedSize = excess
		if side == schema.TradeSideSell {
			pos.SignedSize = excess.Neg()
		}
		pos.AverageEntryPrice = price
		delta.ClosedSize = closed
		delta.RealizedPnL = realized
		delta.Flipped = true

		observability.Log().Info("position flipped",
			observability.F("market", market),
			observability.F("closed", closed.String()),
			observability.F("new_size", pos.SignedSize.String()),
			observability.F("realized_pnl", realized.String()))
	}

	pos.LastPrice = price
	delta.NewSize = pos.SignedSize
	return delta
}

// MarkPrice records a fresh mark price without touching size or PnL.
func (t *PositionTracker) MarkPrice(market string, price decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if pos, ok := t.positions[market]; ok {
		pos.LastPrice = price
	}
}

// UnrealizedPnL computes signed size times (mark - average entry); zero
// when flat.
func (t *PositionTracker) UnrealizedPnL(market string, markPrice decimal.Decimal) decimal.Decimal {
	t.mu.RLock()
	defer t.mu.RUnlock()
	pos, ok := t.positions[market]
	if !ok || pos.Flat() {
		return decimal.Zero
	}
	return pos.SignedSize.Mul(markPrice.Sub(pos.AverageEntryPrice))
}

// TotalExposure sums |signed size| times last price across markets. This is
// the portfolio figure risk limits gate against.
func (t *PositionTracker) TotalExposure() decimal.Decimal {
	t.mu.RLock()
	defer t.mu.RUnlock()
	total := decimal.Zero
	for _, pos := range t.positions {
		total = total.Add(pos.Notional())
	}
	return total
}

// MarketExposure returns one market's current notional.
func (t *PositionTracker) MarketExposure(market string) decimal.Decimal {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if pos, ok := t.positions[market]; ok {
		return pos.Notional()
	}
	return decimal.Zero
}

// Get returns a copy of the market's position.
func (t *PositionTracker) Get(market string) (Position, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	pos, ok := t.positions[market]
	if !ok {
		return Position{}, false
	}
	return *pos, true
}

// Snapshot returns copies of every tracked position.
func (t *PositionTracker) Snapshot() map[string]Position {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]Position, len(t.positions))
	for market, pos := range t.positions {
		out[market] = *pos
	}
	return out
}
