// Package pnl maps positions and prices to profit and loss.
//
// Market prices arrive YES-denominated. A position stores the price paid per
// share of the outcome it holds, so a NO position bought at YES mid 0.30 has
// entry price 0.70. Every function here is pure.
package pnl

import (
	"github.com/shopspring/decimal"

	"github.com/atmx/challenge-engine/internal/model"
)

var (
	// ShareScale is the number of decimal places kept on share counts.
	ShareScale int32 = 6

	// PriceScale is the number of decimal places kept on prices.
	PriceScale int32 = 8

	one = decimal.NewFromInt(1)
)

// Sign is +1 for YES and -1 for NO: the direction a YES price move pays.
func Sign(dir model.Direction) decimal.Decimal {
	if dir == model.DirectionNo {
		return one.Neg()
	}
	return one
}

// OutcomePrice converts a YES price into the price of the outcome held in dir.
func OutcomePrice(yesPrice decimal.Decimal, dir model.Direction) decimal.Decimal {
	if dir == model.DirectionNo {
		return one.Sub(yesPrice)
	}
	return yesPrice
}

// MarketValue is what shares of an outcome are worth at outcomePrice.
func MarketValue(shares, outcomePrice decimal.Decimal) decimal.Decimal {
	return shares.Mul(outcomePrice)
}

// Unrealized is the mark-to-market gain on an open holding.
func Unrealized(shares, entryPrice, currentPrice decimal.Decimal) decimal.Decimal {
	return currentPrice.Sub(entryPrice).Mul(shares)
}

// Realized is the gain locked in by selling shares at exitPrice.
func Realized(shares, entryPrice, exitPrice decimal.Decimal) decimal.Decimal {
	return exitPrice.Sub(entryPrice).Mul(shares)
}

// Directional computes the same gain from YES-denominated prices and the
// direction sign. Realized(s, OutcomePrice(e, d), OutcomePrice(x, d)) equals
// Directional(s, e, x, d) for either direction.
func Directional(shares, entryYes, exitYes decimal.Decimal, dir model.Direction) decimal.Decimal {
	return exitYes.Sub(entryYes).Mul(shares).Mul(Sign(dir))
}

// MergeEntry averages the entry price when adding shares to a holding. The
// result is cost weighted: total paid divided by total shares.
func MergeEntry(oldShares, oldEntry, addShares, addPrice decimal.Decimal) decimal.Decimal {
	total := oldShares.Add(addShares)
	if !total.IsPositive() {
		return addPrice
	}
	cost := oldShares.Mul(oldEntry).Add(addShares.Mul(addPrice))
	return cost.Div(total).Round(PriceScale)
}

// PositionValue marks an open position to a YES mid price.
func PositionValue(p model.Position, yesMid decimal.Decimal) decimal.Decimal {
	return MarketValue(p.Shares, OutcomePrice(yesMid, p.Direction))
}

// Equity is cash plus the mark-to-market value of every open position.
// It returns the market IDs that had no price; callers must not treat a
// partial sum as equity.
func Equity(cash decimal.Decimal, positions []model.Position, yesMids map[string]decimal.Decimal) (decimal.Decimal, []string) {
	equity := cash
	var missing []string
	for _, p := range positions {
		if p.Status != model.PositionOpen {
			continue
		}
		mid, ok := yesMids[p.MarketID]
		if !ok {
			missing = append(missing, p.MarketID)
			continue
		}
		equity = equity.Add(PositionValue(p, mid))
	}
	return equity, missing
}

// Exposure sums the cost basis of open positions, grouped by key.
func Exposure(positions []model.Position, key func(model.Position) string) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal)
	for _, p := range positions {
		if p.Status != model.PositionOpen {
			continue
		}
		k := key(p)
		out[k] = out[k].Add(p.SizeAmount)
	}
	return out
}
