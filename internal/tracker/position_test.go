package tracker

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/coachpo/kurumirror/internal/schema"
)

func TestAverageEntryAcrossAdds(t *testing.T) {
	positions := NewPositionTracker()
	positions.ApplyFill("MON-USDC", schema.TradeSideBuy, d("10"), d("100"))
	positions.ApplyFill("MON-USDC", schema.TradeSideBuy, d("10"), d("110"))

	pos, ok := positions.Get("MON-USDC")
	if !ok {
		t.Fatalf("position missing")
	}
	if !pos.SignedSize.Equal(d("20")) {
		t.Fatalf("signed size = %s, want 20", pos.SignedSize)
	}
	if !pos.AverageEntryPrice.Equal(d("105")) {
		t.Fatalf("average entry = %s, want 105", pos.AverageEntryPrice)
	}
}

func TestZeroSizeFillIsANoOp(t *testing.T) {
	positions := NewPositionTracker()

	delta := positions.ApplyFill("MON-USDC", schema.TradeSideBuy, decimal.Zero, d("100"))
	if !delta.NewSize.IsZero() || !delta.RealizedPnL.IsZero() {
		t.Fatalf("flat zero fill delta = %+v, want all-zero", delta)
	}
	if _, ok := positions.Get("MON-USDC"); ok {
		t.Fatalf("zero fill must not materialise a position")
	}

	positions.ApplyFill("MON-USDC", schema.TradeSideBuy, d("10"), d("100"))
	delta = positions.ApplyFill("MON-USDC", schema.TradeSideSell, decimal.Zero, d("110"))
	if !delta.NewSize.Equal(d("10")) || !delta.RealizedPnL.IsZero() {
		t.Fatalf("zero fill delta = %+v, want size 10 and no pnl", delta)
	}
}

func TestPartialCloseRealizesPnL(t *testing.T) {
	positions := NewPositionTracker()
	positions.ApplyFill("MON-USDC", schema.TradeSideBuy, d("10"), d("100"))
	delta := positions.ApplyFill("MON-USDC", schema.TradeSideSell, d("4"), d("110"))

	if !delta.ClosedSize.Equal(d("4")) {
		t.Fatalf("closed = %s, want 4", delta.ClosedSize)
	}
	if !delta.RealizedPnL.Equal(d("40")) {
		t.Fatalf("realized = %s, want 40", delta.RealizedPnL)
	}
	pos, _ := positions.Get("MON-USDC")
	if !pos.SignedSize.Equal(d("6")) {
		t.Fatalf("signed size = %s, want 6", pos.SignedSize)
	}
	if !pos.AverageEntryPrice.Equal(d("100")) {
		t.Fatalf("entry must be unchanged while direction holds, got %s", pos.AverageEntryPrice)
	}
}

func TestCloseToFlatResetsEntry(t *testing.T) {
	positions := NewPositionTracker()
	positions.ApplyFill("MON-USDC", schema.TradeSideBuy, d("10"), d("100"))
	delta := positions.ApplyFill("MON-USDC", schema.TradeSideSell, d("10"), d("100"))

	if !delta.RealizedPnL.IsZero() {
		t.Fatalf("round trip at same price must realize zero, got %s", delta.RealizedPnL)
	}
	pos, _ := positions.Get("MON-USDC")
	if !pos.Flat() {
		t.Fatalf("expected flat position, got %s", pos.SignedSize)
	}
	if !pos.AverageEntryPrice.IsZero() {
		t.Fatalf("entry must reset when flat, got %s", pos.AverageEntryPrice)
	}
}

func TestFlipRealizesFullSizeAndReopens(t *testing.T) {
	positions := NewPositionTracker()
	positions.ApplyFill("MON-USDC", schema.TradeSideBuy, d("10"), d("100"))
	delta := positions.ApplyFill("MON-USDC", schema.TradeSideSell, d("15"), d("110"))

	if !delta.Flipped {
		t.Fatalf("expected flip")
	}
	if !delta.ClosedSize.Equal(d("10")) {
		t.Fatalf("closed = %s, want 10", delta.ClosedSize)
	}
	if !delta.RealizedPnL.Equal(d("100")) {
		t.Fatalf("realized = %s, want 100", delta.RealizedPnL)
	}
	pos, _ := positions.Get("MON-USDC")
	if !pos.SignedSize.Equal(d("-5")) {
		t.Fatalf("signed size = %s, want -5", pos.SignedSize)
	}
	if !pos.AverageEntryPrice.Equal(d("110")) {
		t.Fatalf("new entry = %s, want 110", pos.AverageEntryPrice)
	}
}

func TestShortPositionRealization(t *testing.T) {
	positions := NewPositionTracker()
	positions.ApplyFill("MON-USDC", schema.TradeSideSell, d("10"), d("100"))
	delta := positions.ApplyFill("MON-USDC", schema.TradeSideBuy, d("10"), d("90"))

	if !delta.RealizedPnL.Equal(d("100")) {
		t.Fatalf("short cover realized = %s, want 100", delta.RealizedPnL)
	}
	pos, _ := positions.Get("MON-USDC")
	if !pos.Flat() {
		t.Fatalf("expected flat after full cover")
	}
}

func TestUnrealizedPnL(t *testing.T) {
	positions := NewPositionTracker()
	positions.ApplyFill("MON-USDC", schema.TradeSideBuy, d("10"), d("100"))

	if got := positions.UnrealizedPnL("MON-USDC", d("108")); !got.Equal(d("80")) {
		t.Fatalf("unrealized = %s, want 80", got)
	}
	if got := positions.UnrealizedPnL("ETH-USDC", d("50")); !got.IsZero() {
		t.Fatalf("unknown market unrealized = %s, want 0", got)
	}

	positions.ApplyFill("MON-USDC", schema.TradeSideSell, d("10"), d("100"))
	if got := positions.UnrealizedPnL("MON-USDC", d("200")); !got.IsZero() {
		t.Fatalf("flat position unrealized = %s, want 0", got)
	}
}

func TestTotalExposureAcrossMarkets(t *testing.T) {
	positions := NewPositionTracker()
	positions.ApplyFill("MON-USDC", schema.TradeSideBuy, d("10"), d("100"))
	positions.ApplyFill("ETH-USDC", schema.TradeSideSell, d("2"), d("2000"))

	// 10*100 + 2*2000
	if got := positions.TotalExposure(); !got.Equal(d("5000")) {
		t.Fatalf("total exposure = %s, want 5000", got)
	}
	if got := positions.MarketExposure("ETH-USDC"); !got.Equal(d("4000")) {
		t.Fatalf("market exposure = %s, want 4000", got)
	}

	positions.MarkPrice("MON-USDC", d("110"))
	if got := positions.TotalExposure(); !got.Equal(d("5100")) {
		t.Fatalf("exposure after mark = %s, want 5100", got)
	}
}

func TestSnapshotReturnsCopies(t *testing.T) {
	positions := NewPositionTracker()
	positions.ApplyFill("MON-USDC", schema.TradeSideBuy, d("10"), d("100"))

	snap := positions.Snapshot()
	copyPos := snap["MON-USDC"]
	copyPos.SignedSize = decimal.NewFromInt(999)

	pos, _ := positions.Get("MON-USDC")
	if !pos.SignedSize.Equal(d("10")) {
		t.Fatalf("snapshot mutation leaked into tracker: %s", pos.SignedSize)
	}
}
