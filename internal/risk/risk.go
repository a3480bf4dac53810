// Package risk gates every mirrored action against balance, size, and
// portfolio limits.
package risk

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/coachpo/kurumirror/config"
	"github.com/coachpo/kurumirror/errs"
	"github.com/coachpo/kurumirror/internal/schema"
)

// Snapshot carries the immutable state a validation decision is made
// against. Validators never hold a pointer back into tracker internals.
type Snapshot struct {
	Balance          decimal.Decimal
	TotalExposure    decimal.Decimal
	MarketExposure   decimal.Decimal
	MarketSignedSize decimal.Decimal
}

// Validator applies the configured risk checks in a fixed order so
// rejection reasons are deterministic. Rejections carry a human-readable
// reason and cause no side effects.
type Validator struct {
	cfg       config.RiskConfig
	limiter   *rate.Limiter
	whitelist map[string]struct{}
	blacklist map[string]struct{}
}

// NewValidator creates a validator with the given limits.
func NewValidator(cfg config.RiskConfig) *Validator {
	v := &Validator{
		cfg:       cfg,
		limiter:   nil,
		whitelist: nil,
		blacklist: nil,
	}
	if cfg.OrderThrottle > 0 {
		v.limiter = rate.NewLimiter(rate.Limit(cfg.OrderThrottle), 1)
	}
	if len(cfg.MarketWhitelist) > 0 {
		v.whitelist = make(map[string]struct{}, len(cfg.MarketWhitelist))
		for _, m := range cfg.MarketWhitelist {
			v.whitelist[strings.TrimSpace(m)] = struct{}{}
		}
	}
	if len(cfg.MarketBlacklist) > 0 {
		v.blacklist = make(map[string]struct{}, len(cfg.MarketBlacklist))
		for _, m := range cfg.MarketBlacklist {
			v.blacklist[strings.TrimSpace(m)] = struct{}{}
		}
	}
	return v
}

// Validate evaluates the proposed action against the snapshot. A nil return
// accepts the action; otherwise the error carries the rejection reason.
//
// Actions that reduce exposure in their market bypass the exposure and
// concentration ceilings: de-risking is never blocked.
func (v *Validator) Validate(action schema.Action, snap Snapshot) error {
	// Market filters are configuration-level and run before the numbered
	// checks. Whitelist takes precedence over blacklist.
	if v.whitelist != nil {
		if _, ok := v.whitelist[action.Market]; !ok {
			return reject(fmt.Sprintf("market %s not in whitelist", action.Market))
		}
	} else if v.blacklist != nil {
		if _, ok := v.blacklist[action.Market]; ok {
			return reject(fmt.Sprintf("market %s is blacklisted", action.Market))
		}
	}

	if v.cfg.MinBalance.IsPositive() && snap.Balance.LessThan(v.cfg.MinBalance) {
		return reject(fmt.Sprintf("balance %s below minimum threshold %s", snap.Balance, v.cfg.MinBalance))
	}

	reduces, resultingMarket := exposureAfter(action, snap)

	// Check 1: balance sufficiency for the margin the action requires.
	if !reduces {
		required := action.Notional()
		if required.GreaterThan(snap.Balance) {
			return reject(fmt.Sprintf("insufficient balance: required %s, available %s", required, snap.Balance))
		}
	}

	// Check 2: per-action size bounds.
	if action.Size.LessThan(v.cfg.MinOrderSize) {
		return reject(fmt.Sprintf("size %s below minimum order size %s", action.Size, v.cfg.MinOrderSize))
	}
	if !reduces && resultingMarket.GreaterThan(v.cfg.MaxPositionSize) {
		return reject(fmt.Sprintf("position limit exceeded: would reach %s/%s in %s",
			resultingMarket, v.cfg.MaxPositionSize, action.Market))
	}

	// Check 3: aggregate exposure ceiling.
	resultingTotal := snap.TotalExposure.Sub(snap.MarketExposure).Add(resultingMarket)
	if !reduces && resultingTotal.GreaterThan(v.cfg.MaxTotalExposure) {
		return reject(fmt.Sprintf("exposure limit exceeded: would reach %s/%s",
			resultingTotal, v.cfg.MaxTotalExposure))
	}

	// Check 4: market concentration, when configured.
	if !reduces && v.cfg.MaxMarketConcentration.IsPositive() && resultingTotal.IsPositive() {
		share := resultingMarket.Div(resultingTotal)
		if share.GreaterThan(v.cfg.MaxMarketConcentration) {
			return reject(fmt.Sprintf("concentration limit exceeded: %s would hold %s of total, max %s",
				action.Market, share.Round(4), v.cfg.MaxMarketConcentration))
		}
	}

	// The throttle runs last so rejections above stay deterministic.
	// De-risking actions skip it; a full token bucket must not delay an
	// exposure reduction.
	if !reduces && v.limiter != nil && !v.limiter.Allow() {
		return reject("order throttle limit exceeded")
	}

	return nil
}

// exposureAfter projects the market's notional after the action and reports
// whether the action reduces it.
func exposureAfter(action schema.Action, snap Snapshot) (bool, decimal.Decimal) {
	signed := action.Size
	if action.Side == schema.TradeSideSell {
		signed = signed.Neg()
	}
	resultingSize := snap.MarketSignedSize.Add(signed)
	resulting := resultingSize.Abs().Mul(action.Price)
	current := snap.MarketSignedSize.Abs().Mul(action.Price)
	return resulting.LessThan(current), resulting
}

func reject(reason string) error {
	return errs.New("risk", errs.CodeRiskRejected, errs.WithMessage(reason))
}

// Reason extracts the human-readable rejection reason from a validation
// error.
func Reason(err error) string {
	var envelope *errs.E
	if errors.As(err, &envelope) && envelope.Message != "" {
		return envelope.Message
	}
	if err != nil {
		return err.Error()
	}
	return ""
}
