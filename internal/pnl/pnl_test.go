package pnl

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atmx/challenge-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestRealized_Sign(t *testing.T) {
	tests := []struct {
		name        string
		entry, exit float64
		wantSign    int
	}{
		{"exit above entry", 0.40, 0.55, 1},
		{"exit below entry", 0.55, 0.40, -1},
		{"unchanged", 0.50, 0.50, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Realized(d(100), d(tt.entry), d(tt.exit))
			if got.Sign() != tt.wantSign {
				t.Errorf("Realized sign = %d (%s), want %d", got.Sign(), got, tt.wantSign)
			}
		})
	}
}

func TestDirectional_MatchesOutcomeRealized(t *testing.T) {
	shares := d(250)
	entryYes, exitYes := d(0.30), d(0.45)

	for _, dir := range []model.Direction{model.DirectionYes, model.DirectionNo} {
		want := Realized(shares, OutcomePrice(entryYes, dir), OutcomePrice(exitYes, dir))
		got := Directional(shares, entryYes, exitYes, dir)
		if !got.Equal(want) {
			t.Errorf("%s: Directional = %s, Realized = %s", dir, got, want)
		}
	}

	// YES price rising hurts a NO holder.
	if Directional(shares, entryYes, exitYes, model.DirectionNo).Sign() >= 0 {
		t.Error("NO position should lose when YES price rises")
	}
}

func TestOutcomePrice(t *testing.T) {
	if got := OutcomePrice(d(0.3), model.DirectionNo); !got.Equal(d(0.7)) {
		t.Errorf("NO price = %s, want 0.7", got)
	}
	if got := OutcomePrice(d(0.3), model.DirectionYes); !got.Equal(d(0.3)) {
		t.Errorf("YES price = %s, want 0.3", got)
	}
}

func TestMergeEntry_CostWeighted(t *testing.T) {
	// 100 shares at 0.40 ($40) + 50 shares at 0.70 ($35) = $75 / 150 = 0.5
	got := MergeEntry(d(100), d(0.40), d(50), d(0.70))
	if !got.Equal(d(0.5)) {
		t.Errorf("MergeEntry = %s, want 0.5", got)
	}
}

func TestMergeEntry_EmptyHolding(t *testing.T) {
	got := MergeEntry(decimal.Zero, decimal.Zero, d(10), d(0.61))
	if !got.Equal(d(0.61)) {
		t.Errorf("MergeEntry = %s, want 0.61", got)
	}
}

func TestEquity(t *testing.T) {
	positions := []model.Position{
		{MarketID: "m1", Direction: model.DirectionYes, Shares: d(100), Status: model.PositionOpen},
		{MarketID: "m2", Direction: model.DirectionNo, Shares: d(200), Status: model.PositionOpen},
		{MarketID: "m3", Direction: model.DirectionYes, Shares: d(999), Status: model.PositionClosed},
	}
	mids := map[string]decimal.Decimal{"m1": d(0.6), "m2": d(0.25)}

	// 1000 + 100*0.6 + 200*0.75 = 1210
	eq, missing := Equity(d(1000), positions, mids)
	if len(missing) != 0 {
		t.Fatalf("unexpected missing prices: %v", missing)
	}
	if !eq.Equal(d(1210)) {
		t.Errorf("Equity = %s, want 1210", eq)
	}
}

func TestEquity_ReportsMissingPrices(t *testing.T) {
	positions := []model.Position{
		{MarketID: "m1", Direction: model.DirectionYes, Shares: d(100), Status: model.PositionOpen},
	}
	_, missing := Equity(d(1000), positions, nil)
	if len(missing) != 1 || missing[0] != "m1" {
		t.Errorf("missing = %v, want [m1]", missing)
	}
}

func TestExposure_GroupsOpenOnly(t *testing.T) {
	positions := []model.Position{
		{MarketID: "m1", Category: "politics", SizeAmount: d(100), Status: model.PositionOpen},
		{MarketID: "m2", Category: "politics", SizeAmount: d(50), Status: model.PositionOpen},
		{MarketID: "m3", Category: "sports", SizeAmount: d(75), Status: model.PositionOpen},
		{MarketID: "m4", Category: "sports", SizeAmount: d(500), Status: model.PositionClosed},
	}
	byCat := Exposure(positions, func(p model.Position) string { return p.Category })
	if !byCat["politics"].Equal(d(150)) {
		t.Errorf("politics = %s, want 150", byCat["politics"])
	}
	if !byCat["sports"].Equal(d(75)) {
		t.Errorf("sports = %s, want 75", byCat["sports"])
	}
}
