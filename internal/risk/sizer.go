package risk

import (
	"github.com/shopspring/decimal"

	"github.com/coachpo/kurumirror/config"
)

// Sizer scales an observed source order into a mirror size under the
// configured constraints. A zero result means the action should be skipped.
type Sizer struct {
	cfg          config.SizingConfig
	maxPosition  decimal.Decimal
	minOrderSize decimal.Decimal
}

// NewSizer builds a sizer from the sizing and risk configuration. The max
// position cap and minimum order size come from the risk limits so sizing
// and validation stay consistent.
func NewSizer(sizing config.SizingConfig, limits config.RiskConfig) *Sizer {
	return &Sizer{
		cfg:          sizing,
		maxPosition:  limits.MaxPositionSize,
		minOrderSize: limits.MinOrderSize,
	}
}

// Size computes the mirror size for a source order of sourceSize at price,
// given the available collateral balance.
//
// Order of operations: copy-ratio scaling, max-position capping, balance
// affordability, tick rounding, minimum-size enforcement. Each step only
// shrinks the candidate except the optional minimum floor.
func (s *Sizer) Size(sourceSize, price, availableBalance decimal.Decimal) decimal.Decimal {
	if sourceSize.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}

	target := sourceSize.Mul(s.cfg.CopyRatio)

	if s.maxPosition.IsPositive() && price.IsPositive() {
		maxSize := s.maxPosition.Div(price)
		if target.GreaterThan(maxSize) {
			target = maxSize
		}
	}

	if price.IsPositive() && !availableBalance.IsNegative() {
		required := target.Mul(price)
		if required.GreaterThan(availableBalance) {
			if !s.cfg.RespectBalance {
				return decimal.Zero
			}
			target = availableBalance.Div(price)
		}
	}

	if s.cfg.TickSize.IsPositive() {
		target = target.Div(s.cfg.TickSize).Floor().Mul(s.cfg.TickSize)
	}

	if s.minOrderSize.IsPositive() && target.LessThan(s.minOrderSize) {
		if !s.cfg.EnforceMinimum {
			return decimal.Zero
		}
		target = s.minOrderSize
	}

	return target
}
