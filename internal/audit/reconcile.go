// Package audit checks stored ledgers against the cash they imply.
package audit

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/atmx/challenge-engine/internal/metrics"
	"github.com/atmx/challenge-engine/internal/model"
	"github.com/atmx/challenge-engine/internal/store"
)

// Tolerance is the largest drift between the ledger and the stored balance
// that still counts as reconciled.
var Tolerance = decimal.New(1, -2)

// Mismatch kinds.
const (
	KindBalanceDrift    = "balance_drift"
	KindOrphanTrade     = "orphan_trade"
	KindTradeMismatch   = "trade_position_mismatch"
	KindForeignPosition = "foreign_position"
	KindNegativeBalance = "negative_balance"
)

// Mismatch is one finding.
type Mismatch struct {
	Kind       string `json:"kind"`
	TradeID    string `json:"trade_id,omitempty"`
	PositionID string `json:"position_id,omitempty"`
	Detail     string `json:"detail"`
}

// Report is the result of reconciling one challenge.
type Report struct {
	ChallengeID string          `json:"challenge_id"`
	Expected    decimal.Decimal `json:"expected"`
	Actual      decimal.Decimal `json:"actual"`
	Drift       decimal.Decimal `json:"drift"`
	Trades      int             `json:"trades"`
	Mismatches  []Mismatch      `json:"mismatches,omitempty"`
}

// OK reports whether the challenge reconciled cleanly.
func (r *Report) OK() bool {
	return len(r.Mismatches) == 0
}

// Drifted reports whether the balance is out of tolerance.
func (r *Report) Drifted() bool {
	return r.Drift.Abs().GreaterThan(Tolerance)
}

// Check reconciles c from its ledger. The ledger epoch is creation, or the
// funding time once funded: pass liquidations and everything before funding
// were wiped by the balance reset.
func Check(c *model.Challenge, trades []model.Trade, positions []model.Position, payouts []model.Payout) Report {
	epoch := c.CreatedAt
	if c.Phase == model.PhaseFunded && c.FundedAt != nil {
		epoch = *c.FundedAt
	}

	expected := c.StartingBalance
	counted := 0
	for _, t := range trades {
		if t.CreatedAt.Before(epoch) || t.ClosureReason == model.ClosurePassLiquidation {
			continue
		}
		switch t.Type {
		case model.SideBuy:
			expected = expected.Sub(t.Amount)
		case model.SideSell:
			expected = expected.Add(t.Amount)
		}
		counted++
	}
	for _, p := range payouts {
		if p.Status == model.PayoutCompleted {
			expected = expected.Sub(p.GrossDeduction)
		}
	}

	rep := Report{
		ChallengeID: c.ID,
		Expected:    expected,
		Actual:      c.CurrentBalance,
		Drift:       c.CurrentBalance.Sub(expected),
		Trades:      counted,
	}
	if rep.Drifted() {
		rep.Mismatches = append(rep.Mismatches, Mismatch{
			Kind:   KindBalanceDrift,
			Detail: fmt.Sprintf("ledger implies %s, stored balance is %s", expected.StringFixed(2), c.CurrentBalance.StringFixed(2)),
		})
	}
	if c.CurrentBalance.IsNegative() {
		rep.Mismatches = append(rep.Mismatches, Mismatch{
			Kind:   KindNegativeBalance,
			Detail: fmt.Sprintf("stored balance %s is negative", c.CurrentBalance.StringFixed(2)),
		})
	}
	rep.Mismatches = append(rep.Mismatches, referential(c.ID, trades, positions)...)
	return rep
}

// referential checks that every trade resolves to a position of the same
// challenge on the same market and direction.
func referential(challengeID string, trades []model.Trade, positions []model.Position) []Mismatch {
	var out []Mismatch
	byID := make(map[string]model.Position, len(positions))
	for _, p := range positions {
		if p.ChallengeID != challengeID {
			out = append(out, Mismatch{
				Kind:       KindForeignPosition,
				PositionID: p.ID,
				Detail:     fmt.Sprintf("position belongs to challenge %s", p.ChallengeID),
			})
			continue
		}
		byID[p.ID] = p
	}
	for _, t := range trades {
		p, ok := byID[t.PositionID]
		if !ok {
			out = append(out, Mismatch{
				Kind:       KindOrphanTrade,
				TradeID:    t.ID,
				PositionID: t.PositionID,
				Detail:     "trade references a position this challenge does not hold",
			})
			continue
		}
		if p.MarketID != t.MarketID || p.Direction != t.Direction {
			out = append(out, Mismatch{
				Kind:       KindTradeMismatch,
				TradeID:    t.ID,
				PositionID: p.ID,
				Detail:     fmt.Sprintf("trade on %s/%s, position on %s/%s", t.MarketID, t.Direction, p.MarketID, p.Direction),
			})
		}
	}
	return out
}

// Reconciler runs Check against the store.
type Reconciler struct {
	store  store.Store
	logger *slog.Logger
}

// NewReconciler creates a reconciler.
func NewReconciler(s store.Store, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{store: s, logger: logger}
}

// Reconcile checks one challenge from committed state.
func (r *Reconciler) Reconcile(ctx context.Context, challengeID string) (*Report, error) {
	c, err := r.store.GetChallenge(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	trades, err := r.store.ListTrades(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	positions, err := r.store.ListPositions(ctx, challengeID, "")
	if err != nil {
		return nil, err
	}
	payouts, err := r.store.ListPayouts(ctx, challengeID)
	if err != nil {
		return nil, err
	}

	rep := Check(c, trades, positions, payouts)
	if rep.Drifted() {
		metrics.LedgerDrift.WithLabelValues(c.ID).Set(rep.Drift.Abs().InexactFloat64())
	} else {
		metrics.LedgerDrift.DeleteLabelValues(c.ID)
	}
	for _, m := range rep.Mismatches {
		metrics.LedgerMismatches.WithLabelValues(m.Kind).Inc()
		r.logger.Error("ledger mismatch",
			"challenge", c.ID,
			"kind", m.Kind,
			"trade", m.TradeID,
			"position", m.PositionID,
			"detail", m.Detail,
		)
	}
	return &rep, nil
}

// ReconcileAll checks every active challenge. A challenge that cannot be
// read is logged and skipped.
func (r *Reconciler) ReconcileAll(ctx context.Context) ([]Report, error) {
	active, err := r.store.ListActiveChallenges(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit: list active challenges: %w", err)
	}
	reports := make([]Report, 0, len(active))
	failed := 0
	for _, c := range active {
		rep, err := r.Reconcile(ctx, c.ID)
		if err != nil {
			if ctx.Err() != nil {
				return reports, ctx.Err()
			}
			r.logger.Error("reconcile failed", "challenge", c.ID, "err", err)
			continue
		}
		if !rep.OK() {
			failed++
		}
		reports = append(reports, *rep)
	}
	r.logger.Info("ledger reconciliation finished", "challenges", len(reports), "mismatched", failed)
	return reports, nil
}
