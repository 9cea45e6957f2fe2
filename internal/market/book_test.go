package market

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atmx/challenge-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func testBook() *OrderBook {
	b := &OrderBook{
		MarketID: "m1",
		Bids: []Level{
			{Price: d(0.54), Size: d(500)},
			{Price: d(0.55), Size: d(200)},
			{Price: d(0), Size: d(100)},
		},
		Asks: []Level{
			{Price: d(0.58), Size: d(1000)},
			{Price: d(0.57), Size: d(200)},
			{Price: d(0.60), Size: d(0)},
		},
	}
	b.Normalize()
	return b
}

func TestNormalize_SortsAndDrops(t *testing.T) {
	b := testBook()
	if len(b.Bids) != 2 || len(b.Asks) != 2 {
		t.Fatalf("expected 2 levels per side, got %d bids %d asks", len(b.Bids), len(b.Asks))
	}
	if !b.Bids[0].Price.Equal(d(0.55)) {
		t.Errorf("best bid = %s, want 0.55", b.Bids[0].Price)
	}
	if !b.Asks[0].Price.Equal(d(0.57)) {
		t.Errorf("best ask = %s, want 0.57", b.Asks[0].Price)
	}
}

func TestMid(t *testing.T) {
	mid, err := testBook().Mid()
	if err != nil {
		t.Fatal(err)
	}
	if !mid.Equal(d(0.56)) {
		t.Errorf("mid = %s, want 0.56", mid)
	}

	empty := &OrderBook{MarketID: "m2"}
	if _, err := empty.Mid(); !errors.Is(err, ErrEmptyBook) {
		t.Errorf("expected ErrEmptyBook, got %v", err)
	}
}

func TestWalkBuy_CrossesLevels(t *testing.T) {
	b := testBook()
	// 200 @ 0.57 = 114, remaining 86 @ 0.58
	fill, err := WalkBuy(b.AsksFor(model.DirectionYes), d(200))
	if err != nil {
		t.Fatal(err)
	}
	wantShares := d(200).Add(d(86).Div(d(0.58)))
	if fill.Shares.Sub(wantShares).Abs().GreaterThan(d(0.000001)) {
		t.Errorf("shares = %s, want %s", fill.Shares, wantShares)
	}
	if fill.Levels != 2 {
		t.Errorf("levels = %d, want 2", fill.Levels)
	}
	if fill.AvgPrice.LessThan(d(0.57)) || fill.AvgPrice.GreaterThan(d(0.58)) {
		t.Errorf("avg price %s outside the levels walked", fill.AvgPrice)
	}
}

func TestWalkBuy_FailsClosedOnThinBook(t *testing.T) {
	b := testBook()
	depth := Depth(b.AsksFor(model.DirectionYes))

	// Anything up to depth fills in full; anything above fills nothing.
	for _, amount := range []decimal.Decimal{d(1), depth, depth.Add(d(0.01)), depth.Mul(d(3))} {
		fill, err := WalkBuy(b.AsksFor(model.DirectionYes), amount)
		if amount.LessThanOrEqual(depth) {
			if err != nil {
				t.Errorf("amount %s within depth %s: %v", amount, depth, err)
				continue
			}
			if !fill.Notional.Equal(amount) {
				t.Errorf("partial fill: notional %s for amount %s", fill.Notional, amount)
			}
			continue
		}
		if !errors.Is(err, ErrInsufficientLiquidity) {
			t.Errorf("amount %s over depth %s: expected ErrInsufficientLiquidity, got %v", amount, depth, err)
		}
		if !fill.Shares.IsZero() {
			t.Errorf("failed walk must not report shares, got %s", fill.Shares)
		}
	}
}

func TestWalkSell_FailsClosed(t *testing.T) {
	b := testBook()
	if _, err := WalkSell(b.BidsFor(model.DirectionYes), d(701)); !errors.Is(err, ErrInsufficientLiquidity) {
		t.Errorf("expected ErrInsufficientLiquidity, got %v", err)
	}
	fill, err := WalkSell(b.BidsFor(model.DirectionYes), d(700))
	if err != nil {
		t.Fatal(err)
	}
	// 200*0.55 + 500*0.54
	if !fill.Notional.Equal(d(380)) {
		t.Errorf("proceeds = %s, want 380", fill.Notional)
	}
}

func TestNoSideMirrorsYesBook(t *testing.T) {
	b := testBook()

	asks := b.AsksFor(model.DirectionNo)
	if !asks[0].Price.Equal(d(0.45)) || !asks[1].Price.Equal(d(0.46)) {
		t.Errorf("NO asks = %v, want 0.45 then 0.46", asks)
	}
	bids := b.BidsFor(model.DirectionNo)
	if !bids[0].Price.Equal(d(0.43)) || !bids[1].Price.Equal(d(0.42)) {
		t.Errorf("NO bids = %v, want 0.43 then 0.42", bids)
	}

	// Mirroring must not touch the YES book.
	if !b.Bids[0].Price.Equal(d(0.55)) {
		t.Errorf("YES book mutated: best bid %s", b.Bids[0].Price)
	}
}

func TestWalk_RejectsNonPositive(t *testing.T) {
	b := testBook()
	if _, err := WalkBuy(b.Asks, decimal.Zero); err == nil {
		t.Error("expected error for zero notional")
	}
	if _, err := WalkSell(b.Bids, d(-1)); err == nil {
		t.Error("expected error for negative shares")
	}
}
