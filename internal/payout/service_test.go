package payout

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/challenge-engine/internal/model"
	"github.com/atmx/challenge-engine/internal/rules"
	"github.com/atmx/challenge-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var testNow = time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) (*Service, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	svc := NewService(ms, nil, nil)
	svc.now = func() time.Time { return testNow }
	return svc, ms
}

// seedFunded stores a funded trader-tier challenge with the given balance and
// trading days.
func seedFunded(t *testing.T, ms *store.MemoryStore, balance float64, days int) *model.Challenge {
	t.Helper()
	ctx := context.Background()
	if err := ms.CreateUser(ctx, &model.User{ID: "u1", Email: "u1@example.com", CreatedAt: testNow}); err != nil {
		t.Fatal(err)
	}
	r := rules.Defaults()["trader"]
	funded := testNow.Add(-10 * 24 * time.Hour)
	c := &model.Challenge{
		ID:                "c1",
		UserID:            "u1",
		Phase:             model.PhaseFunded,
		Status:            model.StatusActive,
		StartingBalance:   r.StartingBalance,
		CurrentBalance:    d(balance),
		StartOfDayBalance: d(balance),
		HighWaterMark:     d(balance),
		Rules:             r,
		ProfitSplit:       r.ProfitSplit,
		PayoutCap:         r.PayoutCap,
		ActiveTradingDays: days,
		LastTradeAt:       model.TimePtr(testNow.Add(-time.Hour)),
		FundedAt:          model.TimePtr(funded),
		PayoutCycleStart:  model.TimePtr(funded),
		CreatedAt:         funded.Add(-10 * 24 * time.Hour),
		UpdatedAt:         funded,
	}
	if err := ms.CreateChallenge(ctx, c); err != nil {
		t.Fatal(err)
	}
	return c
}

func balance(t *testing.T, ms *store.MemoryStore) decimal.Decimal {
	t.Helper()
	c, err := ms.GetChallenge(context.Background(), "c1")
	if err != nil {
		t.Fatal(err)
	}
	return c.CurrentBalance
}

func TestRequest_ComputesNetFromSplit(t *testing.T) {
	svc, ms := newTestService(t)
	seedFunded(t, ms, 10500, 5)

	p, err := svc.Request(context.Background(), "c1")
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != model.PayoutPending || !p.GrossProfit.Equal(d(500)) || !p.Amount.Equal(d(400)) {
		t.Errorf("unexpected payout %+v", p)
	}
	if !balance(t, ms).Equal(d(10500)) {
		t.Error("request must not touch the balance")
	}
}

func TestRequest_Preconditions(t *testing.T) {
	tests := []struct {
		name    string
		balance float64
		days    int
		mutate  func(t *testing.T, svc *Service, ms *store.MemoryStore)
	}{
		{"not enough trading days", 10500, 4, nil},
		{"no profit", 9900, 5, nil},
		{"payout already in flight", 10500, 5, func(t *testing.T, svc *Service, _ *store.MemoryStore) {
			if _, err := svc.Request(context.Background(), "c1"); err != nil {
				t.Fatal(err)
			}
		}},
		{"open positions", 10500, 5, func(t *testing.T, _ *Service, ms *store.MemoryStore) {
			err := ms.WithChallengeTx(context.Background(), "c1", func(tx store.Tx) error {
				return tx.InsertPosition(context.Background(), &model.Position{
					ID: "p1", ChallengeID: "c1", MarketID: "m1", Direction: model.DirectionYes,
					Shares: d(10), EntryPrice: d(0.5), SizeAmount: d(5), Status: model.PositionOpen,
				})
			})
			if err != nil {
				t.Fatal(err)
			}
		}},
		{"challenge phase", 10500, 5, func(t *testing.T, _ *Service, ms *store.MemoryStore) {
			err := ms.WithChallengeTx(context.Background(), "c1", func(tx store.Tx) error {
				c, _ := tx.Challenge(context.Background())
				c.Phase = model.PhaseChallenge
				return tx.UpdateChallenge(context.Background(), c)
			})
			if err != nil {
				t.Fatal(err)
			}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, ms := newTestService(t)
			seedFunded(t, ms, tt.balance, tt.days)
			if tt.mutate != nil {
				tt.mutate(t, svc, ms)
			}
			if _, err := svc.Request(context.Background(), "c1"); !errors.Is(err, model.ErrPrecondition) {
				t.Errorf("expected ErrPrecondition, got %v", err)
			}
		})
	}
}

func TestNet_CapsAndRoundsDown(t *testing.T) {
	if got := Net(d(500), d(0.8), d(10000)); !got.Equal(d(400)) {
		t.Errorf("Net = %s, want 400", got)
	}
	if got := Net(d(5000), d(0.8), d(1000)); !got.Equal(d(1000)) {
		t.Errorf("capped Net = %s, want 1000", got)
	}
	if got := Net(d(10.009), d(0.9), decimal.Zero); !got.Equal(d(9.00)) {
		t.Errorf("uncapped Net = %s, want 9.00", got)
	}
}

func TestComplete_DeductsGrossOnce(t *testing.T) {
	svc, ms := newTestService(t)
	seedFunded(t, ms, 10500, 5)
	ctx := context.Background()

	p, err := svc.Request(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.MarkProcessing(ctx, p.ID); err != nil {
		t.Fatal(err)
	}

	done, err := svc.Complete(ctx, p.ID, "0xabc")
	if err != nil {
		t.Fatal(err)
	}
	// grossDeduction = 400 / 0.8 = 500.
	if !done.GrossDeduction.Equal(d(500)) || done.Status != model.PayoutCompleted || done.TransactionHash != "0xabc" {
		t.Errorf("unexpected completed payout %+v", done)
	}

	c, _ := ms.GetChallenge(ctx, "c1")
	if !c.CurrentBalance.Equal(d(10000)) {
		t.Errorf("balance = %s, want 10000", c.CurrentBalance)
	}
	if c.ActiveTradingDays != 0 || c.PayoutCycleStart == nil || !c.PayoutCycleStart.Equal(testNow) {
		t.Errorf("cycle not reset: days %d start %v", c.ActiveTradingDays, c.PayoutCycleStart)
	}
	if c.LastTradeAt != nil {
		t.Errorf("last trade kept across cycles: %v", c.LastTradeAt)
	}
	if !c.TotalPaidOut.Equal(d(400)) {
		t.Errorf("total paid out = %s, want 400", c.TotalPaidOut)
	}

	if _, err := svc.Complete(ctx, p.ID, "0xabc"); !errors.Is(err, model.ErrPrecondition) {
		t.Errorf("repeat complete: expected ErrPrecondition, got %v", err)
	}
	if !balance(t, ms).Equal(d(10000)) {
		t.Error("repeat complete deducted again")
	}
}

func TestComplete_RejectsWrongStatus(t *testing.T) {
	svc, ms := newTestService(t)
	seedFunded(t, ms, 10500, 5)
	ctx := context.Background()

	p, err := svc.Request(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Complete(ctx, p.ID, "0xabc"); !errors.Is(err, model.ErrPrecondition) {
		t.Errorf("pending payout: expected ErrPrecondition, got %v", err)
	}
	if _, err := svc.Complete(ctx, "missing", "0xabc"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("missing payout: expected ErrNotFound, got %v", err)
	}
	if _, err := svc.Complete(ctx, p.ID, ""); !errors.Is(err, model.ErrValidation) {
		t.Errorf("empty hash: expected ErrValidation, got %v", err)
	}
	if !balance(t, ms).Equal(d(10500)) {
		t.Error("rejected completion changed the balance")
	}
}

func TestFail_LeavesBalanceAndAllowsNewRequest(t *testing.T) {
	svc, ms := newTestService(t)
	seedFunded(t, ms, 10500, 5)
	ctx := context.Background()

	p, _ := svc.Request(ctx, "c1")
	if _, err := svc.MarkProcessing(ctx, p.ID); err != nil {
		t.Fatal(err)
	}
	failed, err := svc.Fail(ctx, p.ID, "wallet rejected transfer")
	if err != nil {
		t.Fatal(err)
	}
	if failed.Status != model.PayoutFailed || failed.FailureReason != "wallet rejected transfer" {
		t.Errorf("unexpected payout %+v", failed)
	}
	if !balance(t, ms).Equal(d(10500)) {
		t.Error("failed payout changed the balance")
	}
	if _, err := svc.Fail(ctx, p.ID, "again"); !errors.Is(err, model.ErrPrecondition) {
		t.Errorf("fail twice: expected ErrPrecondition, got %v", err)
	}
	if _, err := svc.MarkProcessing(ctx, p.ID); !errors.Is(err, model.ErrPrecondition) {
		t.Errorf("process failed payout: expected ErrPrecondition, got %v", err)
	}

	if _, err := svc.Request(ctx, "c1"); err != nil {
		t.Errorf("new request after failure: %v", err)
	}
	payouts, _ := svc.List(ctx, "c1")
	if len(payouts) != 2 {
		t.Errorf("listed %d payouts, want 2", len(payouts))
	}
}
