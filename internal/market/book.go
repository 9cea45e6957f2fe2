package market

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/atmx/challenge-engine/internal/model"
)

var (
	one = decimal.NewFromInt(1)
	two = decimal.NewFromInt(2)
)

// Fill is the result of walking a book.
type Fill struct {
	Shares   decimal.Decimal `json:"shares"`
	Notional decimal.Decimal `json:"notional"`
	AvgPrice decimal.Decimal `json:"avg_price"`
	Levels   int             `json:"levels"`
}

// Normalize drops unusable levels and sorts both sides best-first.
func (b *OrderBook) Normalize() {
	b.Bids = clean(b.Bids)
	b.Asks = clean(b.Asks)
	sort.SliceStable(b.Bids, func(i, j int) bool { return b.Bids[i].Price.GreaterThan(b.Bids[j].Price) })
	sort.SliceStable(b.Asks, func(i, j int) bool { return b.Asks[i].Price.LessThan(b.Asks[j].Price) })
}

func clean(levels []Level) []Level {
	out := levels[:0:0]
	for _, l := range levels {
		if !l.Size.IsPositive() || !l.Price.IsPositive() || !l.Price.LessThan(one) {
			continue
		}
		out = append(out, l)
	}
	return out
}

// Mid returns the YES mid price. A one-sided book uses its best level.
func (b *OrderBook) Mid() (decimal.Decimal, error) {
	switch {
	case len(b.Bids) > 0 && len(b.Asks) > 0:
		return b.Bids[0].Price.Add(b.Asks[0].Price).Div(two), nil
	case len(b.Bids) > 0:
		return b.Bids[0].Price, nil
	case len(b.Asks) > 0:
		return b.Asks[0].Price, nil
	}
	return decimal.Zero, fmt.Errorf("%w: %s", ErrEmptyBook, b.MarketID)
}

// AsksFor returns the levels a buyer of dir lifts, cheapest first. Buying NO
// is selling YES, so NO asks are the YES bids mirrored to 1 - price.
func (b *OrderBook) AsksFor(dir model.Direction) []Level {
	if dir == model.DirectionNo {
		return mirror(b.Bids)
	}
	return b.Asks
}

// BidsFor returns the levels a seller of dir hits, richest first. NO bids are
// the YES asks mirrored to 1 - price.
func (b *OrderBook) BidsFor(dir model.Direction) []Level {
	if dir == model.DirectionNo {
		return mirror(b.Asks)
	}
	return b.Bids
}

// mirror preserves order: ascending YES asks become descending NO bids and
// descending YES bids become ascending NO asks.
func mirror(levels []Level) []Level {
	out := make([]Level, len(levels))
	for i, l := range levels {
		out[i] = Level{Price: one.Sub(l.Price), Size: l.Size}
	}
	return out
}

// Depth is the total notional resting on levels.
func Depth(levels []Level) decimal.Decimal {
	total := decimal.Zero
	for _, l := range levels {
		total = total.Add(l.Price.Mul(l.Size))
	}
	return total
}

// WalkBuy spends notional across asks, best first. It fails closed: if the
// levels cannot absorb the whole amount nothing is filled.
func WalkBuy(asks []Level, notional decimal.Decimal) (Fill, error) {
	if !notional.IsPositive() {
		return Fill{}, fmt.Errorf("market: buy notional must be positive, got %s", notional)
	}
	remaining := notional
	shares := decimal.Zero
	used := 0
	for _, l := range asks {
		if !remaining.IsPositive() {
			break
		}
		levelNotional := l.Price.Mul(l.Size)
		take := decimal.Min(remaining, levelNotional)
		shares = shares.Add(take.Div(l.Price))
		remaining = remaining.Sub(take)
		used++
	}
	if remaining.IsPositive() {
		return Fill{}, fmt.Errorf("%w: %s of %s unfilled", ErrInsufficientLiquidity, remaining.StringFixed(2), notional.StringFixed(2))
	}
	return Fill{
		Shares:   shares,
		Notional: notional,
		AvgPrice: notional.Div(shares),
		Levels:   used,
	}, nil
}

// WalkSell sells shares into bids, best first. It fails closed like WalkBuy.
func WalkSell(bids []Level, shares decimal.Decimal) (Fill, error) {
	if !shares.IsPositive() {
		return Fill{}, fmt.Errorf("market: sell shares must be positive, got %s", shares)
	}
	remaining := shares
	proceeds := decimal.Zero
	used := 0
	for _, l := range bids {
		if !remaining.IsPositive() {
			break
		}
		take := decimal.Min(remaining, l.Size)
		proceeds = proceeds.Add(take.Mul(l.Price))
		remaining = remaining.Sub(take)
		used++
	}
	if remaining.IsPositive() {
		return Fill{}, fmt.Errorf("%w: %s of %s shares unfilled", ErrInsufficientLiquidity, remaining.String(), shares.String())
	}
	return Fill{
		Shares:   shares,
		Notional: proceeds,
		AvgPrice: proceeds.Div(shares),
		Levels:   used,
	}, nil
}
