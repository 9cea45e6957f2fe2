// Package rules holds the per-tier challenge rule table.
//
// A tier is resolved once, when a challenge is created, and the resulting
// model.Rules value is stored on the challenge. Nothing downstream reads the
// table again, so editing a tier never changes an in-flight challenge.
package rules

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/atmx/challenge-engine/internal/model"
)

var (
	// ErrUnknownTier is returned when a tier name is not in the table.
	ErrUnknownTier = errors.New("rules: unknown tier")

	// ErrInvalidTier is returned when a tier fails validation.
	ErrInvalidTier = errors.New("rules: invalid tier")
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// defaultVolumeTiers bound order size by the market's traded volume.
func defaultVolumeTiers() []model.VolumeTier {
	return []model.VolumeTier{
		{MinVolume: d("0"), MaxOrder: d("50")},
		{MinVolume: d("10000"), MaxOrder: d("250")},
		{MinVolume: d("100000"), MaxOrder: d("1000")},
		{MinVolume: d("1000000"), MaxOrder: d("5000")},
	}
}

func base(name, balance string) model.Rules {
	return model.Rules{
		Tier:                          name,
		StartingBalance:               d(balance),
		ProfitTargetPercent:           d("0.10"),
		MaxDailyDrawdownPercent:       d("0.04"),
		MaxTotalDrawdownPercent:       d("0.08"),
		MaxPositionSizePercent:        d("0.05"),
		MaxCategoryExposurePercent:    d("0.10"),
		MaxOpenPositions:              10,
		LiquidityDepthFraction:        d("0.5"),
		VolumeTiers:                   defaultVolumeTiers(),
		DurationDays:                  30,
		FundedMaxDailyDrawdownPercent: d("0.05"),
		FundedMaxTotalDrawdownPercent: d("0.10"),
		ProfitSplit:                   d("0.80"),
		PayoutCap:                     d(balance),
		MinPayoutTradingDays:          5,
	}
}

// Defaults returns the built-in tiers keyed by name.
func Defaults() map[string]model.Rules {
	scout := base("scout", "5000")
	scout.MaxOpenPositions = 8

	trader := base("trader", "10000")

	elite := base("elite", "25000")
	elite.MaxOpenPositions = 15
	elite.ProfitSplit = d("0.90")

	return map[string]model.Rules{
		scout.Tier:  scout,
		trader.Tier: trader,
		elite.Tier:  elite,
	}
}

// Table resolves tier names to rule snapshots.
type Table struct {
	tiers map[string]model.Rules
}

// NewTable builds a table from the built-in tiers with overrides applied on
// top. An override replaces the whole tier of the same name.
func NewTable(overrides map[string]model.Rules) (*Table, error) {
	tiers := Defaults()
	for name, r := range overrides {
		r.Tier = name
		if err := Validate(r); err != nil {
			return nil, err
		}
		tiers[name] = r
	}
	return &Table{tiers: tiers}, nil
}

// Resolve returns a frozen copy of the named tier.
func (t *Table) Resolve(name string) (model.Rules, error) {
	r, ok := t.tiers[name]
	if !ok {
		return model.Rules{}, fmt.Errorf("%w: %q", ErrUnknownTier, name)
	}
	return Clone(r), nil
}

// Names returns the tier names in sorted order.
func (t *Table) Names() []string {
	names := make([]string, 0, len(t.tiers))
	for n := range t.tiers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Clone deep-copies r so the caller owns its slices.
func Clone(r model.Rules) model.Rules {
	out := r
	out.VolumeTiers = append([]model.VolumeTier(nil), r.VolumeTiers...)
	return out
}

// Validate checks that every threshold is in range.
func Validate(r model.Rules) error {
	one := decimal.NewFromInt(1)
	fraction := func(name string, v decimal.Decimal) error {
		if !v.IsPositive() || v.GreaterThan(one) {
			return fmt.Errorf("%w: %s %s: %s out of range", ErrInvalidTier, r.Tier, name, v)
		}
		return nil
	}

	if !r.StartingBalance.IsPositive() {
		return fmt.Errorf("%w: %s starting balance must be positive", ErrInvalidTier, r.Tier)
	}
	checks := []struct {
		name string
		v    decimal.Decimal
	}{
		{"profit target", r.ProfitTargetPercent},
		{"max daily drawdown", r.MaxDailyDrawdownPercent},
		{"max total drawdown", r.MaxTotalDrawdownPercent},
		{"max position size", r.MaxPositionSizePercent},
		{"max category exposure", r.MaxCategoryExposurePercent},
		{"liquidity depth fraction", r.LiquidityDepthFraction},
		{"funded max daily drawdown", r.FundedMaxDailyDrawdownPercent},
		{"funded max total drawdown", r.FundedMaxTotalDrawdownPercent},
		{"profit split", r.ProfitSplit},
	}
	for _, c := range checks {
		if err := fraction(c.name, c.v); err != nil {
			return err
		}
	}
	if r.MaxOpenPositions < 1 {
		return fmt.Errorf("%w: %s max open positions must be at least 1", ErrInvalidTier, r.Tier)
	}
	if r.DurationDays < 1 {
		return fmt.Errorf("%w: %s duration must be at least 1 day", ErrInvalidTier, r.Tier)
	}
	if r.PayoutCap.IsNegative() {
		return fmt.Errorf("%w: %s payout cap must not be negative", ErrInvalidTier, r.Tier)
	}
	if len(r.VolumeTiers) == 0 {
		return fmt.Errorf("%w: %s needs at least one volume tier", ErrInvalidTier, r.Tier)
	}
	for i := 1; i < len(r.VolumeTiers); i++ {
		if !r.VolumeTiers[i].MinVolume.GreaterThan(r.VolumeTiers[i-1].MinVolume) {
			return fmt.Errorf("%w: %s volume tiers must be ascending", ErrInvalidTier, r.Tier)
		}
	}
	return nil
}

// VolumeCap returns the largest order allowed on a market with the given
// traded volume. Markets below the lowest tier get zero.
func VolumeCap(r model.Rules, volume decimal.Decimal) decimal.Decimal {
	limit := decimal.Zero
	for _, t := range r.VolumeTiers {
		if volume.GreaterThanOrEqual(t.MinVolume) {
			limit = t.MaxOrder
		}
	}
	return limit
}
