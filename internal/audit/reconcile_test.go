package audit

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/challenge-engine/internal/metrics"
	"github.com/atmx/challenge-engine/internal/model"
	"github.com/atmx/challenge-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newChallenge(balance float64) *model.Challenge {
	return &model.Challenge{
		ID:              "c1",
		Phase:           model.PhaseChallenge,
		Status:          model.StatusActive,
		StartingBalance: d(10000),
		CurrentBalance:  d(balance),
		CreatedAt:       t0,
	}
}

func position(id, market string) model.Position {
	return model.Position{ID: id, ChallengeID: "c1", MarketID: market, Direction: model.DirectionYes}
}

func tr(id, pos, market string, side model.Side, amount float64, at time.Time, reason string) model.Trade {
	return model.Trade{
		ID:            id,
		ChallengeID:   "c1",
		PositionID:    pos,
		MarketID:      market,
		Direction:     model.DirectionYes,
		Type:          side,
		Amount:        d(amount),
		ClosureReason: reason,
		CreatedAt:     at,
	}
}

func TestCheck_ChallengePhase(t *testing.T) {
	c := newChallenge(10050)
	trades := []model.Trade{
		tr("t1", "p1", "m1", model.SideBuy, 200, t0.Add(time.Hour), ""),
		tr("t2", "p1", "m1", model.SideSell, 250, t0.Add(2*time.Hour), model.ClosureManual),
	}
	rep := Check(c, trades, []model.Position{position("p1", "m1")}, nil)
	if !rep.OK() {
		t.Fatalf("expected clean report, got %+v", rep.Mismatches)
	}
	if !rep.Expected.Equal(d(10050)) || rep.Trades != 2 {
		t.Errorf("expected %s over %d trades", rep.Expected, rep.Trades)
	}
}

func TestCheck_WithinTolerance(t *testing.T) {
	c := newChallenge(9800.004)
	trades := []model.Trade{tr("t1", "p1", "m1", model.SideBuy, 200, t0, "")}
	if rep := Check(c, trades, []model.Position{position("p1", "m1")}, nil); !rep.OK() {
		t.Errorf("sub-cent drift should reconcile: %+v", rep)
	}

	c.CurrentBalance = d(9800.02)
	rep := Check(c, trades, []model.Position{position("p1", "m1")}, nil)
	if rep.OK() || rep.Mismatches[0].Kind != KindBalanceDrift {
		t.Errorf("two-cent drift should be flagged: %+v", rep)
	}
}

func TestCheck_FundedEpoch(t *testing.T) {
	funded := t0.Add(5 * 24 * time.Hour)
	c := newChallenge(10000 + 300 - 125)
	c.Phase = model.PhaseFunded
	c.FundedAt = model.TimePtr(funded)

	trades := []model.Trade{
		// Challenge-phase history and the pass liquidation are outside the epoch.
		tr("t1", "p1", "m1", model.SideBuy, 500, t0.Add(time.Hour), ""),
		tr("t2", "p1", "m1", model.SideSell, 1200, funded, model.ClosurePassLiquidation),
		// Funded-phase trading.
		tr("t3", "p2", "m2", model.SideBuy, 200, funded.Add(time.Hour), ""),
		tr("t4", "p2", "m2", model.SideSell, 500, funded.Add(2*time.Hour), model.ClosureManual),
	}
	payouts := []model.Payout{
		{ID: "po1", Status: model.PayoutCompleted, GrossDeduction: d(125)},
		{ID: "po2", Status: model.PayoutFailed, GrossDeduction: d(999)},
		{ID: "po3", Status: model.PayoutPending},
	}
	positions := []model.Position{position("p1", "m1"), position("p2", "m2")}

	rep := Check(c, trades, positions, payouts)
	if !rep.OK() {
		t.Fatalf("funded ledger should reconcile: %+v", rep)
	}
	if rep.Trades != 2 {
		t.Errorf("counted %d trades, want 2", rep.Trades)
	}
}

func TestCheck_Referential(t *testing.T) {
	c := newChallenge(9600)
	trades := []model.Trade{
		tr("t1", "p1", "m1", model.SideBuy, 200, t0, ""),
		tr("t2", "missing", "m2", model.SideBuy, 100, t0, ""),
		tr("t3", "p1", "m9", model.SideBuy, 100, t0, ""),
	}
	foreign := position("p3", "m3")
	foreign.ChallengeID = "other"
	positions := []model.Position{position("p1", "m1"), foreign}

	rep := Check(c, trades, positions, nil)
	kinds := map[string]int{}
	for _, m := range rep.Mismatches {
		kinds[m.Kind]++
	}
	if kinds[KindOrphanTrade] != 1 || kinds[KindTradeMismatch] != 1 || kinds[KindForeignPosition] != 1 {
		t.Errorf("unexpected findings %v", kinds)
	}
	if kinds[KindBalanceDrift] != 0 {
		t.Errorf("balance should reconcile, got %+v", rep)
	}
}

func TestCheck_NegativeBalance(t *testing.T) {
	c := newChallenge(-5)
	trades := []model.Trade{tr("t1", "p1", "m1", model.SideBuy, 10005, t0, "")}
	rep := Check(c, trades, []model.Position{position("p1", "m1")}, nil)
	if len(rep.Mismatches) != 1 || rep.Mismatches[0].Kind != KindNegativeBalance {
		t.Errorf("expected negative balance finding, got %+v", rep.Mismatches)
	}
}

func TestReconcile_DriftGaugeOnlyWhileOutOfTolerance(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	if err := ms.CreateUser(ctx, &model.User{ID: "u1", Email: "u1@example.com", CreatedAt: t0}); err != nil {
		t.Fatal(err)
	}
	c := newChallenge(10500)
	c.UserID = "u1"
	c.ID = "drift-gauge"
	if err := ms.CreateChallenge(ctx, c); err != nil {
		t.Fatal(err)
	}
	rec := NewReconciler(ms, nil)

	if _, err := rec.Reconcile(ctx, c.ID); err != nil {
		t.Fatal(err)
	}
	if !metrics.LedgerDrift.DeleteLabelValues(c.ID) {
		t.Fatal("drifted challenge should have a drift series")
	}

	if _, err := rec.Reconcile(ctx, c.ID); err != nil {
		t.Fatal(err)
	}
	err := ms.WithChallengeTx(ctx, c.ID, func(tx store.Tx) error {
		cur, err := tx.Challenge(ctx)
		if err != nil {
			return err
		}
		cur.CurrentBalance = d(10000)
		return tx.UpdateChallenge(ctx, cur)
	})
	if err != nil {
		t.Fatal(err)
	}
	rep, err := rec.Reconcile(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !rep.OK() {
		t.Fatalf("repaired challenge should reconcile: %+v", rep)
	}
	if metrics.LedgerDrift.DeleteLabelValues(c.ID) {
		t.Error("drift series should be removed once the ledger reconciles")
	}
}
