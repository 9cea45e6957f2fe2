// Package risk computes how much a challenge may put into one market.
//
// Every term is a dollar amount. The preflight path and the submit-time
// validation path both go through Compute, so for the same inputs they cite
// the same binding constraint and the same figure.
package risk

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/challenge-engine/internal/market"
	"github.com/atmx/challenge-engine/internal/model"
	"github.com/atmx/challenge-engine/internal/pnl"
	"github.com/atmx/challenge-engine/internal/rules"
)

// Constraint names one risk term. The string is the JSON key of the term.
type Constraint string

const (
	ConstraintBalance      Constraint = "balance"
	ConstraintPerEvent     Constraint = "perEventRemaining"
	ConstraintPerCategory  Constraint = "perCategoryRemaining"
	ConstraintDailyLoss    Constraint = "dailyLossRemaining"
	ConstraintDrawdown     Constraint = "drawdownRemaining"
	ConstraintVolumeTier   Constraint = "volumeTierRemaining"
	ConstraintLiquidity    Constraint = "liquidityRemaining"
	ConstraintMaxPositions Constraint = "maxPositionsRemaining"
)

// Precedence breaks ties between equal terms: the earlier constraint binds.
var Precedence = []Constraint{
	ConstraintBalance,
	ConstraintPerEvent,
	ConstraintPerCategory,
	ConstraintDailyLoss,
	ConstraintDrawdown,
	ConstraintVolumeTier,
	ConstraintLiquidity,
	ConstraintMaxPositions,
}

var labels = map[Constraint]string{
	ConstraintBalance:      "cash balance",
	ConstraintPerEvent:     "per-event exposure cap",
	ConstraintPerCategory:  "per-category exposure cap",
	ConstraintDailyLoss:    "daily loss limit",
	ConstraintDrawdown:     "max drawdown limit",
	ConstraintVolumeTier:   "volume tier cap",
	ConstraintLiquidity:    "order book liquidity cap",
	ConstraintMaxPositions: "max open positions",
}

// Label is the user-facing name of c.
func (c Constraint) Label() string {
	if l, ok := labels[c]; ok {
		return l
	}
	return string(c)
}

var (
	// ErrMissingPrices is returned when an open position has no mark price.
	// Equity is never computed from a partial set of prices.
	ErrMissingPrices = fmt.Errorf("risk: missing mark prices for open positions: %w", model.ErrPrecondition)

	// ErrMarketClosed is returned for trades on a resolved or halted market.
	ErrMarketClosed = fmt.Errorf("risk: market is closed: %w", model.ErrValidation)
)

// Limits is the per-term breakdown. Every term is clamped at zero and
// rounded down to cents.
type Limits struct {
	Balance               decimal.Decimal `json:"balance"`
	PerEventRemaining     decimal.Decimal `json:"perEventRemaining"`
	PerCategoryRemaining  decimal.Decimal `json:"perCategoryRemaining"`
	DailyLossRemaining    decimal.Decimal `json:"dailyLossRemaining"`
	DrawdownRemaining     decimal.Decimal `json:"drawdownRemaining"`
	VolumeTierRemaining   decimal.Decimal `json:"volumeTierRemaining"`
	LiquidityRemaining    decimal.Decimal `json:"liquidityRemaining"`
	MaxPositionsRemaining decimal.Decimal `json:"maxPositionsRemaining"`
}

// Term returns the value of one constraint.
func (l Limits) Term(c Constraint) decimal.Decimal {
	switch c {
	case ConstraintBalance:
		return l.Balance
	case ConstraintPerEvent:
		return l.PerEventRemaining
	case ConstraintPerCategory:
		return l.PerCategoryRemaining
	case ConstraintDailyLoss:
		return l.DailyLossRemaining
	case ConstraintDrawdown:
		return l.DrawdownRemaining
	case ConstraintVolumeTier:
		return l.VolumeTierRemaining
	case ConstraintLiquidity:
		return l.LiquidityRemaining
	case ConstraintMaxPositions:
		return l.MaxPositionsRemaining
	}
	return decimal.Zero
}

// Preflight is the result shown before a trade is placed.
type Preflight struct {
	EffectiveMax      decimal.Decimal `json:"effectiveMax"`
	BindingConstraint Constraint      `json:"bindingConstraint"`
	Limits            Limits          `json:"limits"`

	// Basis holds the reference figures behind the percentage caps, used to
	// build reason text.
	Basis Basis `json:"basis"`
}

// Basis carries the inputs that percentage-based terms were derived from.
type Basis struct {
	Equity            decimal.Decimal `json:"equity"`
	MarketExposure    decimal.Decimal `json:"marketExposure"`
	CategoryExposure  decimal.Decimal `json:"categoryExposure"`
	Category          string          `json:"category"`
	DailyFloor        decimal.Decimal `json:"dailyFloor"`
	DrawdownFloor     decimal.Decimal `json:"drawdownFloor"`
	BookDepth         decimal.Decimal `json:"bookDepth"`
	OpenPositions     int             `json:"openPositions"`
	PerEventPercent   decimal.Decimal `json:"-"`
	CategoryPercent   decimal.Decimal `json:"-"`
	DailyPercent      decimal.Decimal `json:"-"`
	DrawdownPercent   decimal.Decimal `json:"-"`
	LiquidityFraction decimal.Decimal `json:"-"`
	MaxOpenPositions  int             `json:"-"`
}

// Inputs is everything Compute needs. Open must be the challenge's OPEN
// positions and Mids must price every one of them.
type Inputs struct {
	Challenge *model.Challenge
	Open      []model.Position
	Mids      map[string]decimal.Decimal
	Info      *market.Info
	Book      *market.OrderBook
	MarketID  string
	Direction model.Direction

	// ExistingExposure is the caller's view of exposure already in the
	// market. The larger of it and the ledger figure is used.
	ExistingExposure decimal.Decimal
}

// Compute derives every term and the binding constraint.
func Compute(in Inputs) (*Preflight, error) {
	c := in.Challenge
	r := c.Rules

	if in.Info != nil && in.Info.Closed {
		return nil, fmt.Errorf("%w: %s", ErrMarketClosed, in.MarketID)
	}

	equity, missing := pnl.Equity(c.CurrentBalance, in.Open, in.Mids)
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %v", ErrMissingPrices, missing)
	}

	byMarket := pnl.Exposure(in.Open, func(p model.Position) string { return p.MarketID })
	marketExposure := decimal.Max(byMarket[in.MarketID], in.ExistingExposure)

	category := ""
	volume := decimal.Zero
	if in.Info != nil {
		category = in.Info.Category
		volume = in.Info.Volume
	}
	byCategory := pnl.Exposure(in.Open, func(p model.Position) string { return p.Category })
	categoryExposure := byCategory[category]
	if marketExposure.GreaterThan(byMarket[in.MarketID]) {
		categoryExposure = categoryExposure.Add(marketExposure.Sub(byMarket[in.MarketID]))
	}

	floors := rules.FloorsFor(c, equity)

	depth := decimal.Zero
	if in.Book != nil {
		depth = market.Depth(in.Book.AsksFor(in.Direction))
	}

	holding := false
	for _, p := range in.Open {
		if p.MarketID == in.MarketID && p.Direction == in.Direction {
			holding = true
			break
		}
	}
	positionsTerm := decimal.Zero
	if holding || len(in.Open) < r.MaxOpenPositions {
		positionsTerm = equity
	}

	limits := Limits{
		Balance:               dollars(c.CurrentBalance),
		PerEventRemaining:     dollars(equity.Mul(r.MaxPositionSizePercent).Sub(marketExposure)),
		PerCategoryRemaining:  dollars(equity.Mul(r.MaxCategoryExposurePercent).Sub(categoryExposure)),
		DailyLossRemaining:    dollars(equity.Sub(floors.Daily)),
		DrawdownRemaining:     dollars(equity.Sub(floors.Total)),
		VolumeTierRemaining:   dollars(rules.VolumeCap(r, volume).Sub(marketExposure)),
		LiquidityRemaining:    dollars(depth.Mul(r.LiquidityDepthFraction)),
		MaxPositionsRemaining: dollars(positionsTerm),
	}

	binding := Precedence[0]
	lowest := limits.Term(binding)
	for _, con := range Precedence[1:] {
		if v := limits.Term(con); v.LessThan(lowest) {
			binding, lowest = con, v
		}
	}

	return &Preflight{
		EffectiveMax:      lowest,
		BindingConstraint: binding,
		Limits:            limits,
		Basis: Basis{
			Equity:            equity,
			MarketExposure:    marketExposure,
			CategoryExposure:  categoryExposure,
			Category:          category,
			DailyFloor:        floors.Daily,
			DrawdownFloor:     floors.Total,
			BookDepth:         depth,
			OpenPositions:     len(in.Open),
			PerEventPercent:   r.MaxPositionSizePercent,
			CategoryPercent:   r.MaxCategoryExposurePercent,
			DailyPercent:      floors.DailyPercent,
			DrawdownPercent:   floors.TotalPercent,
			LiquidityFraction: r.LiquidityDepthFraction,
			MaxOpenPositions:  r.MaxOpenPositions,
		},
	}, nil
}

// Decision is the outcome of validating a proposed amount.
type Decision struct {
	Allowed           bool            `json:"allowed"`
	Reason            string          `json:"reason,omitempty"`
	BindingConstraint Constraint      `json:"bindingConstraint,omitempty"`
	Limit             decimal.Decimal `json:"limit"`
}

// Err returns the rejection as a *model.RiskLimitError, or nil if allowed.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &model.RiskLimitError{
		Constraint: string(d.BindingConstraint),
		Limit:      d.Limit,
		Reason:     d.Reason,
	}
}

// Check decides whether amount fits under p.
func Check(p *Preflight, amount decimal.Decimal) Decision {
	if amount.LessThanOrEqual(p.EffectiveMax) {
		return Decision{Allowed: true, BindingConstraint: p.BindingConstraint, Limit: p.EffectiveMax}
	}
	return Decision{
		Allowed:           false,
		Reason:            Reason(p, amount),
		BindingConstraint: p.BindingConstraint,
		Limit:             p.EffectiveMax,
	}
}

// Reason builds the rejection text for amount against the binding term. The
// dollar figure is always Preflight.EffectiveMax.
func Reason(p *Preflight, amount decimal.Decimal) string {
	b := p.Basis
	limit := usd(p.EffectiveMax)
	head := fmt.Sprintf("trade of %s exceeds %s", usd(amount), p.BindingConstraint.Label())

	switch p.BindingConstraint {
	case ConstraintBalance:
		return fmt.Sprintf("%s: %s available", head, limit)
	case ConstraintPerEvent:
		return fmt.Sprintf("%s: %s remaining (%s of equity %s, %s already in market)",
			head, limit, pct(b.PerEventPercent), usd(b.Equity), usd(b.MarketExposure))
	case ConstraintPerCategory:
		return fmt.Sprintf("%s: %s remaining (%s of equity %s, %s already in %q)",
			head, limit, pct(b.CategoryPercent), usd(b.Equity), usd(b.CategoryExposure), b.Category)
	case ConstraintDailyLoss:
		return fmt.Sprintf("%s: %s remaining before the %s daily floor at %s",
			head, limit, pct(b.DailyPercent), usd(b.DailyFloor))
	case ConstraintDrawdown:
		return fmt.Sprintf("%s: %s remaining before the %s drawdown floor at %s",
			head, limit, pct(b.DrawdownPercent), usd(b.DrawdownFloor))
	case ConstraintVolumeTier:
		return fmt.Sprintf("%s: %s remaining for this market's volume tier", head, limit)
	case ConstraintLiquidity:
		return fmt.Sprintf("%s: %s allowed (%s of %s book depth)",
			head, limit, pct(b.LiquidityFraction), usd(b.BookDepth))
	case ConstraintMaxPositions:
		return fmt.Sprintf("%s: %d of %d positions open, %s allowed",
			head, b.OpenPositions, b.MaxOpenPositions, limit)
	}
	return fmt.Sprintf("%s: %s", head, limit)
}

var hundred = decimal.NewFromInt(100)

// dollars clamps at zero and rounds down to cents.
func dollars(v decimal.Decimal) decimal.Decimal {
	if v.IsNegative() {
		return decimal.Zero
	}
	return v.RoundFloor(2)
}

func usd(v decimal.Decimal) string {
	return "$" + v.StringFixed(2)
}

func pct(fraction decimal.Decimal) string {
	return fraction.Mul(hundred).String() + "%"
}
