// Package challenge creates challenges, runs the phase/status state machine
// and schedules the background jobs that keep challenges evaluated.
package challenge

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/challenge-engine/internal/market"
	"github.com/atmx/challenge-engine/internal/model"
	"github.com/atmx/challenge-engine/internal/pnl"
	"github.com/atmx/challenge-engine/internal/rules"
	"github.com/atmx/challenge-engine/internal/store"
)

// Service creates challenges and serves read-only projections of them.
type Service struct {
	store  store.Store
	gw     market.Gateway
	tiers  *rules.Table
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a challenge service.
func NewService(s store.Store, gw market.Gateway, tiers *rules.Table, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  s,
		gw:     gw,
		tiers:  tiers,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// CreateUser registers a user.
func (s *Service) CreateUser(ctx context.Context, email string) (*model.User, error) {
	if email == "" {
		return nil, model.Validationf("email is required")
	}
	u := &model.User{
		ID:        uuid.New().String(),
		Email:     email,
		CreatedAt: s.now(),
	}
	if err := s.store.CreateUser(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// Create opens a challenge for userID on tier. The tier's rules are frozen
// onto the challenge here and never read from the table again.
func (s *Service) Create(ctx context.Context, userID, tier string) (*model.Challenge, error) {
	if userID == "" {
		return nil, model.Validationf("user_id is required")
	}
	r, err := s.tiers.Resolve(tier)
	if errors.Is(err, rules.ErrUnknownTier) {
		return nil, model.Validationf("%v", err)
	}
	if err != nil {
		return nil, err
	}

	now := s.now()
	c := &model.Challenge{
		ID:                uuid.New().String(),
		UserID:            userID,
		Phase:             model.PhaseChallenge,
		Status:            model.StatusActive,
		StartingBalance:   r.StartingBalance,
		CurrentBalance:    r.StartingBalance,
		StartOfDayBalance: r.StartingBalance,
		HighWaterMark:     r.StartingBalance,
		Rules:             r,
		EndsAt:            model.TimePtr(now.AddDate(0, 0, r.DurationDays)),
		TotalPaidOut:      decimal.Zero,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.store.CreateChallenge(ctx, c); err != nil {
		return nil, err
	}

	s.logger.Info("challenge created",
		"challenge", c.ID,
		"user", userID,
		"tier", r.Tier,
		"balance", r.StartingBalance.String(),
	)
	return c, nil
}

// PositionView is an open position marked to market.
type PositionView struct {
	model.Position
	MarkPrice     decimal.Decimal `json:"mark_price"`
	MarketValue   decimal.Decimal `json:"market_value"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
}

// View is a challenge with its equity and marked open positions.
type View struct {
	*model.Challenge
	Equity        decimal.Decimal `json:"equity"`
	DailyFloor    decimal.Decimal `json:"daily_floor"`
	DrawdownFloor decimal.Decimal `json:"drawdown_floor"`
	OpenPositions []PositionView  `json:"open_positions"`
}

// Get returns the projection of one challenge priced with the cached
// gateway. Settled challenges hold no open positions and need no prices.
func (s *Service) Get(ctx context.Context, id string) (*View, error) {
	c, err := s.store.GetChallenge(ctx, id)
	if err != nil {
		return nil, err
	}
	open, err := s.store.ListPositions(ctx, id, model.PositionOpen)
	if err != nil {
		return nil, err
	}
	mids, equity, err := Mark(ctx, s.gw, c.CurrentBalance, open)
	if err != nil {
		return nil, err
	}

	f := rules.FloorsFor(c, equity)
	v := &View{
		Challenge:     c,
		Equity:        equity,
		DailyFloor:    f.Daily,
		DrawdownFloor: f.Total,
		OpenPositions: make([]PositionView, 0, len(open)),
	}
	for _, p := range open {
		mark := pnl.OutcomePrice(mids[p.MarketID], p.Direction)
		v.OpenPositions = append(v.OpenPositions, PositionView{
			Position:      p,
			MarkPrice:     mark,
			MarketValue:   pnl.MarketValue(p.Shares, mark),
			UnrealizedPnL: pnl.Unrealized(p.Shares, p.EntryPrice, mark),
		})
	}
	return v, nil
}

// Positions returns every position of a challenge, open and closed.
func (s *Service) Positions(ctx context.Context, id string) ([]model.Position, error) {
	if _, err := s.store.GetChallenge(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListPositions(ctx, id, "")
}

// Trades returns a challenge's trades in execution order.
func (s *Service) Trades(ctx context.Context, id string) ([]model.Trade, error) {
	if _, err := s.store.GetChallenge(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListTrades(ctx, id)
}
