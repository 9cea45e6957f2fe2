package challenge

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/challenge-engine/internal/market"
	"github.com/atmx/challenge-engine/internal/metrics"
	"github.com/atmx/challenge-engine/internal/model"
	"github.com/atmx/challenge-engine/internal/pnl"
	"github.com/atmx/challenge-engine/internal/risk"
	"github.com/atmx/challenge-engine/internal/rules"
	"github.com/atmx/challenge-engine/internal/store"
	"github.com/atmx/challenge-engine/internal/trade"
)

// Outcome is what one evaluation did.
type Outcome string

const (
	// OutcomeSettled means the challenge was already failed; nothing changed.
	OutcomeSettled Outcome = "settled"
	// OutcomeUnchanged means no limit was hit and no field moved.
	OutcomeUnchanged Outcome = "unchanged"
	// OutcomeUpdated means the high-water mark ratcheted up.
	OutcomeUpdated Outcome = "updated"
	OutcomePassed  Outcome = "passed"
	OutcomeFailed  Outcome = "failed"
)

// ReasonExpired is the failure reason when the challenge window closes.
const ReasonExpired = "challenge period expired"

// Result is the state an evaluation left the challenge in.
type Result struct {
	ChallengeID   string                `json:"challenge_id"`
	Phase         model.Phase           `json:"phase"`
	Status        model.ChallengeStatus `json:"status"`
	Reason        string                `json:"reason,omitempty"`
	Outcome       Outcome               `json:"outcome"`
	Equity        decimal.Decimal       `json:"equity"`
	HighWaterMark decimal.Decimal       `json:"high_water_mark"`
	DailyFloor    decimal.Decimal       `json:"daily_floor"`
	DrawdownFloor decimal.Decimal       `json:"drawdown_floor"`
	ProfitTarget  *decimal.Decimal      `json:"profit_target,omitempty"`
	Liquidated    int                   `json:"liquidated"`
}

// Evaluator runs the phase and status state machine.
type Evaluator struct {
	store     store.Store
	gw        market.Gateway
	publisher trade.Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// NewEvaluator creates an evaluator. publisher may be nil.
func NewEvaluator(s store.Store, gw market.Gateway, publisher trade.Publisher, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	if publisher == nil {
		publisher = trade.NopPublisher{}
	}
	return &Evaluator{
		store:     s,
		gw:        gw,
		publisher: publisher,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// verdict is the decision for one equity reading.
type verdict struct {
	outcome Outcome
	reason  string
	floors  rules.Floors
}

// Evaluate marks c to market and applies any transition. It holds the
// challenge's row lock throughout, so concurrent calls serialize and a call
// after a settled transition changes nothing.
func (e *Evaluator) Evaluate(ctx context.Context, challengeID string) (*Result, error) {
	var (
		res  *Result
		from string
	)
	err := e.store.WithChallengeTx(ctx, challengeID, func(tx store.Tx) error {
		c, err := tx.Challenge(ctx)
		if err != nil {
			return err
		}
		from = stateOf(c)
		if !c.Active() {
			res = resultOf(c, OutcomeSettled, c.CurrentBalance, rules.FloorsFor(c, c.CurrentBalance))
			return nil
		}

		open, err := tx.OpenPositions(ctx)
		if err != nil {
			return err
		}
		now := e.now()

		mids, equity, err := Mark(ctx, e.gw, c.CurrentBalance, open)
		if err != nil {
			return err
		}
		v := judge(c, equity, now)
		if v.outcome == OutcomePassed || v.outcome == OutcomeFailed {
			// Re-check against a freshly read book before mutating.
			mids, equity, err = Mark(ctx, market.FreshOf(e.gw), c.CurrentBalance, open)
			if err != nil {
				return err
			}
			v = judge(c, equity, now)
		}

		changed := false
		if equity.GreaterThan(c.HighWaterMark) {
			c.HighWaterMark = equity
			changed = true
		}

		liquidated := 0
		switch v.outcome {
		case OutcomeFailed:
			if liquidated, err = liquidateAll(ctx, tx, c, open, mids, model.ClosureBreachLiquidation, now); err != nil {
				return err
			}
			c.Status = model.StatusFailed
			c.FailureReason = v.reason
			changed = true
		case OutcomePassed:
			if liquidated, err = liquidateAll(ctx, tx, c, open, mids, model.ClosurePassLiquidation, now); err != nil {
				return err
			}
			fund(c, now)
			v.floors = rules.FloorsFor(c, c.CurrentBalance)
			changed = true
		default:
			if changed {
				v.outcome = OutcomeUpdated
			}
		}

		if changed {
			c.UpdatedAt = now
			if err := tx.UpdateChallenge(ctx, c); err != nil {
				return err
			}
		}
		res = resultOf(c, v.outcome, equity, v.floors)
		res.Reason = v.reason
		res.Liquidated = liquidated
		return nil
	})
	if err != nil {
		metrics.Evaluations.WithLabelValues("error").Inc()
		return nil, err
	}

	metrics.Evaluations.WithLabelValues(string(res.Outcome)).Inc()
	if res.Outcome == OutcomePassed || res.Outcome == OutcomeFailed {
		to := string(res.Phase) + "/" + string(res.Status)
		metrics.ChallengeTransitions.WithLabelValues(from, to).Inc()
		e.logger.Info("challenge transition",
			"challenge", challengeID,
			"from", from,
			"to", to,
			"equity", res.Equity.StringFixed(2),
			"reason", res.Reason,
			"liquidated", res.Liquidated,
		)
		e.publisher.Broadcast(trade.WSMessage{
			Type:        trade.EventChallengeStatus,
			ChallengeID: challengeID,
			Phase:       string(res.Phase),
			Status:      string(res.Status),
			Reason:      res.Reason,
		})
	}
	return res, nil
}

// Mark returns the YES mids of open's markets and the resulting equity. It
// refuses to return equity from a partial set of prices.
func Mark(ctx context.Context, gw market.Gateway, cash decimal.Decimal, open []model.Position) (map[string]decimal.Decimal, decimal.Decimal, error) {
	if len(open) == 0 {
		return map[string]decimal.Decimal{}, cash, nil
	}
	ids := make([]string, 0, len(open))
	for _, p := range open {
		ids = append(ids, p.MarketID)
	}
	mids, err := gw.GetBatchOrderBookPrices(ctx, ids)
	if err != nil {
		return nil, decimal.Zero, fmt.Errorf("challenge: mark open positions: %w", err)
	}
	equity, missing := pnl.Equity(cash, open, mids)
	if len(missing) > 0 {
		return nil, decimal.Zero, fmt.Errorf("%w: %v", risk.ErrMissingPrices, missing)
	}
	return mids, equity, nil
}

// judge applies breach first, then the profit target, then expiry.
func judge(c *model.Challenge, equity decimal.Decimal, now time.Time) verdict {
	f := rules.FloorsFor(c, equity)
	v := verdict{outcome: OutcomeUnchanged, floors: f}

	switch {
	case equity.LessThan(f.Total):
		v.outcome = OutcomeFailed
		if c.Phase == model.PhaseFunded {
			v.reason = fmt.Sprintf("max drawdown breached: equity %s below static floor %s (%s of starting balance %s)",
				usd(equity), usd(f.Total), pct(f.TotalPercent), usd(c.StartingBalance))
		} else {
			v.reason = fmt.Sprintf("max drawdown breached: equity %s below trailing floor %s (%s off peak %s)",
				usd(equity), usd(f.Total), pct(f.TotalPercent), usd(f.Peak))
		}
	case equity.LessThan(f.Daily):
		v.outcome = OutcomeFailed
		basis := "start-of-day balance"
		if c.Phase == model.PhaseFunded {
			basis = "starting balance"
		}
		v.reason = fmt.Sprintf("daily loss limit breached: equity %s below daily floor %s (%s of %s, day opened at %s)",
			usd(equity), usd(f.Daily), pct(f.DailyPercent), basis, usd(c.StartOfDayBalance))
	case c.Phase == model.PhaseChallenge && equity.GreaterThanOrEqual(rules.ProfitTarget(c)):
		v.outcome = OutcomePassed
		v.reason = fmt.Sprintf("profit target reached: equity %s at or above %s", usd(equity), usd(rules.ProfitTarget(c)))
	case c.Phase == model.PhaseChallenge && c.EndsAt != nil && !now.Before(*c.EndsAt):
		v.outcome = OutcomeFailed
		v.reason = ReasonExpired
	}
	return v
}

// liquidateAll closes every open position at its mark with reason.
func liquidateAll(ctx context.Context, tx store.Tx, c *model.Challenge, open []model.Position, mids map[string]decimal.Decimal, reason string, now time.Time) (int, error) {
	for i := range open {
		p := open[i]
		mid, ok := mids[p.MarketID]
		if !ok {
			return 0, fmt.Errorf("%w: [%s]", risk.ErrMissingPrices, p.MarketID)
		}
		if _, err := trade.Liquidate(ctx, tx, c, &p, mid, reason, now); err != nil {
			return 0, fmt.Errorf("challenge: liquidate position %s: %w", p.ID, err)
		}
	}
	return len(open), nil
}

// fund moves a passed challenge into the funded phase with a fresh ledger
// epoch at the starting balance.
func fund(c *model.Challenge, now time.Time) {
	c.Phase = model.PhaseFunded
	c.CurrentBalance = c.StartingBalance
	c.HighWaterMark = c.StartingBalance
	c.StartOfDayBalance = c.StartingBalance
	c.EndsAt = nil
	c.ProfitSplit = c.Rules.ProfitSplit
	c.PayoutCap = c.Rules.PayoutCap
	c.ActiveTradingDays = 0
	c.LastTradeAt = nil
	c.FundedAt = model.TimePtr(now)
	c.PayoutCycleStart = model.TimePtr(now)
}

func stateOf(c *model.Challenge) string {
	return string(c.Phase) + "/" + string(c.Status)
}

func resultOf(c *model.Challenge, outcome Outcome, equity decimal.Decimal, f rules.Floors) *Result {
	r := &Result{
		ChallengeID:   c.ID,
		Phase:         c.Phase,
		Status:        c.Status,
		Reason:        c.FailureReason,
		Outcome:       outcome,
		Equity:        equity,
		HighWaterMark: c.HighWaterMark,
		DailyFloor:    f.Daily,
		DrawdownFloor: f.Total,
	}
	if c.Phase == model.PhaseChallenge {
		r.ProfitTarget = model.DecPtr(rules.ProfitTarget(c))
	}
	return r
}

func usd(v decimal.Decimal) string {
	return "$" + v.StringFixed(2)
}

func pct(fraction decimal.Decimal) string {
	return fraction.Mul(decimal.NewFromInt(100)).String() + "%"
}
