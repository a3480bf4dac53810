package schema

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestOrderStatusTerminal(t *testing.T) {
	if !OrderStatusFilled.Terminal() {
		t.Fatalf("FILLED must be terminal")
	}
	if !OrderStatusCanceled.Terminal() {
		t.Fatalf("CANCELED must be terminal")
	}
	for _, s := range []OrderStatus{OrderStatusPending, OrderStatusOpen, OrderStatusPartiallyFilled} {
		if s.Terminal() {
			t.Fatalf("%s must not be terminal", s)
		}
	}
}

func TestOrderStatusTransitions(t *testing.T) {
	cases := []struct {
		from    OrderStatus
		to      OrderStatus
		allowed bool
	}{
		{OrderStatusPending, OrderStatusOpen, true},
		{OrderStatusPending, OrderStatusCanceled, true},
		{OrderStatusPending, OrderStatusFilled, false},
		{OrderStatusOpen, OrderStatusPartiallyFilled, true},
		{OrderStatusOpen, OrderStatusFilled, true},
		{OrderStatusOpen, OrderStatusCanceled, true},
		{OrderStatusPartiallyFilled, OrderStatusOpen, true},
		{OrderStatusPartiallyFilled, OrderStatusFilled, true},
		{OrderStatusFilled, OrderStatusOpen, false},
		{OrderStatusFilled, OrderStatusCanceled, false},
		{OrderStatusCanceled, OrderStatusOpen, false},
		{OrderStatusCanceled, OrderStatusPartiallyFilled, false},
	}
	for _, tc := range cases {
		if got := tc.from.CanTransition(tc.to); got != tc.allowed {
			t.Fatalf("%s -> %s = %v, want %v", tc.from, tc.to, got, tc.allowed)
		}
	}
}

func TestOrderFilledSizeAndNotional(t *testing.T) {
	order := Order{
		Size:          decimal.RequireFromString("2.5"),
		RemainingSize: decimal.RequireFromString("1.0"),
		Price:         decimal.RequireFromString("100"),
	}
	if got := order.FilledSize(); !got.Equal(decimal.RequireFromString("1.5")) {
		t.Fatalf("FilledSize = %s, want 1.5", got)
	}
	if got := order.Notional(); !got.Equal(decimal.RequireFromString("250")) {
		t.Fatalf("Notional = %s, want 250", got)
	}
}

func TestTradeSideOpposite(t *testing.T) {
	if TradeSideBuy.Opposite() != TradeSideSell {
		t.Fatalf("expected Buy opposite to be Sell")
	}
	if TradeSideSell.Opposite() != TradeSideBuy {
		t.Fatalf("expected Sell opposite to be Buy")
	}
}
