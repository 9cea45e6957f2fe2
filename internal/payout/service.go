// Package payout settles profit-share withdrawals from funded challenges.
//
// A payout moves pending → processing → completed, or to failed from either
// open state. Completion deducts the gross profit the payout was cut from and
// resets the payout cycle in the same transaction as the status change, so a
// payout can never be completed twice or completed without its deduction.
package payout

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/challenge-engine/internal/metrics"
	"github.com/atmx/challenge-engine/internal/model"
	"github.com/atmx/challenge-engine/internal/store"
	"github.com/atmx/challenge-engine/internal/trade"
)

// Service runs the payout lifecycle.
type Service struct {
	store     store.Store
	publisher trade.Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates a payout service. publisher may be nil.
func NewService(s store.Store, publisher trade.Publisher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if publisher == nil {
		publisher = trade.NopPublisher{}
	}
	return &Service{
		store:     s,
		publisher: publisher,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Request opens a pending payout for the realized profit of a funded
// challenge. Net is the trader's split of the profit, capped per payout.
func (s *Service) Request(ctx context.Context, challengeID string) (*model.Payout, error) {
	var p *model.Payout
	err := s.store.WithChallengeTx(ctx, challengeID, func(tx store.Tx) error {
		c, err := tx.Challenge(ctx)
		if err != nil {
			return err
		}
		if c.Phase != model.PhaseFunded || !c.Active() {
			return model.Preconditionf("challenge %s is %s/%s, payouts need funded/active", c.ID, c.Phase, c.Status)
		}

		open, err := tx.OpenPositions(ctx)
		if err != nil {
			return err
		}
		if len(open) > 0 {
			return model.Preconditionf("challenge %s has %d open positions; close them before requesting a payout", c.ID, len(open))
		}

		existing, err := tx.Payouts(ctx)
		if err != nil {
			return err
		}
		for _, e := range existing {
			if e.Status == model.PayoutPending || e.Status == model.PayoutProcessing {
				return model.Preconditionf("payout %s is already %s", e.ID, e.Status)
			}
		}

		if required := c.Rules.MinPayoutTradingDays; c.ActiveTradingDays < required {
			return model.Preconditionf("%d of %d required trading days this cycle", c.ActiveTradingDays, required)
		}

		gross := c.CurrentBalance.Sub(c.StartingBalance)
		if !gross.IsPositive() {
			return model.Preconditionf("no profit to pay out: balance %s, starting balance %s",
				c.CurrentBalance.StringFixed(2), c.StartingBalance.StringFixed(2))
		}
		net := Net(gross, c.ProfitSplit, c.PayoutCap)
		if !net.IsPositive() {
			return model.Preconditionf("payout of %s rounds to zero", net.StringFixed(2))
		}

		p = &model.Payout{
			ID:          uuid.New().String(),
			UserID:      c.UserID,
			ChallengeID: c.ID,
			Amount:      net,
			Status:      model.PayoutPending,
			GrossProfit: gross,
			ProfitSplit: c.ProfitSplit,
			RequestedAt: s.now(),
		}
		return tx.InsertPayout(ctx, p)
	})
	if err != nil {
		return nil, err
	}

	metrics.Payouts.WithLabelValues(string(model.PayoutPending)).Inc()
	s.logger.Info("payout requested",
		"challenge", challengeID,
		"payout", p.ID,
		"gross", p.GrossProfit.StringFixed(2),
		"net", p.Amount.StringFixed(2),
	)
	s.publish(p)
	return p, nil
}

// Net is the trader's share of gross profit rounded down to cents and capped
// at payoutCap when the cap is positive.
func Net(gross, split, payoutCap decimal.Decimal) decimal.Decimal {
	net := gross.Mul(split)
	if payoutCap.IsPositive() {
		net = decimal.Min(net, payoutCap)
	}
	return net.RoundFloor(2)
}

// MarkProcessing moves a pending payout to processing.
func (s *Service) MarkProcessing(ctx context.Context, payoutID string) (*model.Payout, error) {
	return s.transition(ctx, payoutID, func(tx store.Tx, c *model.Challenge, p *model.Payout) error {
		if p.Status != model.PayoutPending {
			return model.Preconditionf("payout %s is %s, not pending", p.ID, p.Status)
		}
		p.Status = model.PayoutProcessing
		return tx.UpdatePayout(ctx, p)
	})
}

// Complete settles a processing payout: the gross amount behind the net
// payment (net / split) comes off the balance, the cycle restarts and the
// payout records txHash. Any other status is rejected with no mutation.
func (s *Service) Complete(ctx context.Context, payoutID, txHash string) (*model.Payout, error) {
	if txHash == "" {
		return nil, model.Validationf("transaction hash is required")
	}
	p, err := s.transition(ctx, payoutID, func(tx store.Tx, c *model.Challenge, p *model.Payout) error {
		if p.Status != model.PayoutProcessing {
			return model.Preconditionf("payout %s is %s, not processing", p.ID, p.Status)
		}
		if !p.ProfitSplit.IsPositive() {
			return model.Consistencyf("payout %s has profit split %s", p.ID, p.ProfitSplit)
		}

		deduction := p.Amount.Div(p.ProfitSplit)
		balance := c.CurrentBalance.Sub(deduction)
		if balance.IsNegative() {
			return model.Consistencyf("payout %s would deduct %s from balance %s",
				p.ID, deduction.StringFixed(2), c.CurrentBalance.StringFixed(2))
		}

		now := s.now()
		c.CurrentBalance = balance
		c.PayoutCycleStart = model.TimePtr(now)
		c.ActiveTradingDays = 0
		c.LastTradeAt = nil
		c.TotalPaidOut = c.TotalPaidOut.Add(p.Amount)
		c.UpdatedAt = now
		if err := tx.UpdateChallenge(ctx, c); err != nil {
			return err
		}

		p.Status = model.PayoutCompleted
		p.GrossDeduction = deduction
		p.TransactionHash = txHash
		p.CompletedAt = model.TimePtr(now)
		return tx.UpdatePayout(ctx, p)
	})
	if err != nil {
		return nil, err
	}
	metrics.PayoutNet.Add(p.Amount.InexactFloat64())
	return p, nil
}

// Fail closes a pending or processing payout without touching the balance.
func (s *Service) Fail(ctx context.Context, payoutID, reason string) (*model.Payout, error) {
	if reason == "" {
		return nil, model.Validationf("failure reason is required")
	}
	return s.transition(ctx, payoutID, func(tx store.Tx, c *model.Challenge, p *model.Payout) error {
		if p.Status != model.PayoutPending && p.Status != model.PayoutProcessing {
			return model.Preconditionf("payout %s is already %s", p.ID, p.Status)
		}
		p.Status = model.PayoutFailed
		p.FailureReason = reason
		return tx.UpdatePayout(ctx, p)
	})
}

// List returns a challenge's payouts, oldest first.
func (s *Service) List(ctx context.Context, challengeID string) ([]model.Payout, error) {
	if _, err := s.store.GetChallenge(ctx, challengeID); err != nil {
		return nil, err
	}
	return s.store.ListPayouts(ctx, challengeID)
}

// transition locks the payout's challenge, re-reads the payout under the
// lock and applies fn.
func (s *Service) transition(ctx context.Context, payoutID string, fn func(tx store.Tx, c *model.Challenge, p *model.Payout) error) (*model.Payout, error) {
	if payoutID == "" {
		return nil, model.Validationf("payout id is required")
	}
	committed, err := s.store.GetPayout(ctx, payoutID)
	if err != nil {
		return nil, err
	}

	var p *model.Payout
	err = s.store.WithChallengeTx(ctx, committed.ChallengeID, func(tx store.Tx) error {
		c, err := tx.Challenge(ctx)
		if err != nil {
			return err
		}
		p, err = tx.GetPayout(ctx, payoutID)
		if err != nil {
			return err
		}
		return fn(tx, c, p)
	})
	if err != nil {
		return nil, err
	}

	metrics.Payouts.WithLabelValues(string(p.Status)).Inc()
	s.logger.Info("payout updated",
		"challenge", p.ChallengeID,
		"payout", p.ID,
		"status", p.Status,
		"net", p.Amount.StringFixed(2),
	)
	s.publish(p)
	return p, nil
}

func (s *Service) publish(p *model.Payout) {
	s.publisher.Broadcast(trade.WSMessage{
		Type:        trade.EventPayout,
		ChallengeID: p.ChallengeID,
		Amount:      p.Amount.StringFixed(2),
		Status:      string(p.Status),
		Reason:      p.FailureReason,
	})
}
