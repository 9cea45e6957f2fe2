package rules

import (
	"github.com/shopspring/decimal"

	"github.com/atmx/challenge-engine/internal/model"
)

// Floors are the equity levels a challenge must stay above.
type Floors struct {
	// Daily is today's loss floor.
	Daily        decimal.Decimal
	DailyPercent decimal.Decimal

	// Total is the drawdown floor: trailing off the high-water mark in the
	// challenge phase, static off the starting balance once funded.
	Total        decimal.Decimal
	TotalPercent decimal.Decimal

	// Peak is the high-water mark including equity, challenge phase only.
	Peak decimal.Decimal
}

// FloorsFor computes the floors for c at the given equity.
func FloorsFor(c *model.Challenge, equity decimal.Decimal) Floors {
	one := decimal.NewFromInt(1)
	r := c.Rules

	if c.Phase == model.PhaseFunded {
		return Floors{
			Daily:        c.StartOfDayBalance.Sub(c.StartingBalance.Mul(r.FundedMaxDailyDrawdownPercent)),
			DailyPercent: r.FundedMaxDailyDrawdownPercent,
			Total:        c.StartingBalance.Mul(one.Sub(r.FundedMaxTotalDrawdownPercent)),
			TotalPercent: r.FundedMaxTotalDrawdownPercent,
			Peak:         c.HighWaterMark,
		}
	}

	peak := decimal.Max(c.HighWaterMark, equity)
	return Floors{
		Daily:        c.StartOfDayBalance.Mul(one.Sub(r.MaxDailyDrawdownPercent)),
		DailyPercent: r.MaxDailyDrawdownPercent,
		Total:        peak.Mul(one.Sub(r.MaxTotalDrawdownPercent)),
		TotalPercent: r.MaxTotalDrawdownPercent,
		Peak:         peak,
	}
}

// ProfitTarget is the equity at which a challenge-phase account passes.
func ProfitTarget(c *model.Challenge) decimal.Decimal {
	return c.StartingBalance.Add(c.StartingBalance.Mul(c.Rules.ProfitTargetPercent))
}
