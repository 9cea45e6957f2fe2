// Package trade executes BUY and SELL orders for challenges against the
// external order book and pushes the resulting events to WebSocket clients.
//
// All monetary values use shopspring/decimal, never float64 for money.
package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/challenge-engine/internal/market"
	"github.com/atmx/challenge-engine/internal/metrics"
	"github.com/atmx/challenge-engine/internal/model"
	"github.com/atmx/challenge-engine/internal/pnl"
	"github.com/atmx/challenge-engine/internal/risk"
	"github.com/atmx/challenge-engine/internal/store"
)

var (
	// shareTolerance is how close a SELL must be to the full holding to close it.
	shareTolerance = decimal.NewFromFloat(0.001)

	// minAmount is the smallest BUY notional.
	minAmount = decimal.New(1, -2)
)

// Enqueuer takes a challenge to re-evaluate after a trade commits.
type Enqueuer interface {
	Enqueue(challengeID string)
}

// Request is one order. BUY orders use Amount (dollars); SELL orders use
// Shares. An empty Direction means YES.
type Request struct {
	UserID      string          `json:"user_id"`
	ChallengeID string          `json:"challenge_id"`
	MarketID    string          `json:"market_id"`
	Side        model.Side      `json:"side"`
	Amount      decimal.Decimal `json:"amount"`
	Direction   model.Direction `json:"direction"`
	Shares      decimal.Decimal `json:"shares"`
}

// Result is what the caller sees after a fill.
type Result struct {
	ID          string           `json:"id"`
	PositionID  string           `json:"position_id"`
	Side        model.Side       `json:"side"`
	Direction   model.Direction  `json:"direction"`
	Amount      decimal.Decimal  `json:"amount"`
	Shares      decimal.Decimal  `json:"shares"`
	Price       decimal.Decimal  `json:"price"`
	RealizedPnL *decimal.Decimal `json:"realized_pnl,omitempty"`
}

// Executor runs orders inside the challenge's ledger transaction.
type Executor struct {
	store     store.Store
	gw        market.Gateway
	queue     Enqueuer
	publisher Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// NewExecutor creates an executor. queue and publisher may be nil.
func NewExecutor(s store.Store, gw market.Gateway, queue Enqueuer, publisher Publisher, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if publisher == nil {
		publisher = NopPublisher{}
	}
	return &Executor{
		store:     s,
		gw:        gw,
		queue:     queue,
		publisher: publisher,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// ExecuteTrade fills req against a freshly read book. A rejection leaves the
// ledger untouched.
func (e *Executor) ExecuteTrade(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	if req.Direction == "" {
		req.Direction = model.DirectionYes
	}
	if err := req.validate(); err != nil {
		return nil, err
	}

	gw := market.FreshOf(e.gw)
	var res *Result
	err := e.store.WithChallengeTx(ctx, req.ChallengeID, func(tx store.Tx) error {
		c, err := tx.Challenge(ctx)
		if err != nil {
			return err
		}
		if c.UserID != req.UserID {
			return model.Preconditionf("challenge %s does not belong to user %s", c.ID, req.UserID)
		}
		if !c.Active() {
			return model.Preconditionf("challenge %s is %s", c.ID, c.Status)
		}

		now := e.now()
		switch req.Side {
		case model.SideBuy:
			res, err = e.buy(ctx, tx, gw, c, req, now)
		default:
			res, err = e.sell(ctx, tx, gw, c, req, now)
		}
		if err != nil {
			return err
		}
		touchTradingDay(c, now)
		return tx.UpdateChallenge(ctx, c)
	})
	if err != nil {
		var rle *model.RiskLimitError
		if errors.As(err, &rle) {
			metrics.RiskRejections.WithLabelValues(rle.Constraint).Inc()
			e.logger.Info("trade rejected",
				"challenge", req.ChallengeID,
				"market", req.MarketID,
				"constraint", rle.Constraint,
				"limit", rle.Limit.StringFixed(2),
			)
		}
		return nil, err
	}

	side := string(res.Side)
	metrics.TradesTotal.WithLabelValues(side, string(res.Direction)).Inc()
	metrics.TradeLatency.WithLabelValues(side).Observe(time.Since(start).Seconds())
	metrics.TradeNotional.WithLabelValues(side).Add(res.Amount.InexactFloat64())

	e.logger.Info("trade executed",
		"challenge", req.ChallengeID,
		"market", req.MarketID,
		"side", side,
		"direction", res.Direction,
		"amount", res.Amount.StringFixed(2),
		"shares", res.Shares.String(),
		"price", res.Price.String(),
	)

	e.publisher.Broadcast(WSMessage{
		Type:        EventTradeExecuted,
		ChallengeID: req.ChallengeID,
		MarketID:    req.MarketID,
		Direction:   string(res.Direction),
		Side:        side,
		Amount:      res.Amount.StringFixed(2),
		Shares:      res.Shares.String(),
		Price:       res.Price.String(),
	})
	if e.queue != nil {
		e.queue.Enqueue(req.ChallengeID)
	}
	return res, nil
}

func (r Request) validate() error {
	if r.UserID == "" {
		return model.Validationf("user_id is required")
	}
	if r.ChallengeID == "" {
		return model.Validationf("challenge_id is required")
	}
	if r.MarketID == "" {
		return model.Validationf("market_id is required")
	}
	if !r.Direction.Valid() {
		return model.Validationf("direction must be YES or NO, got %q", r.Direction)
	}
	switch r.Side {
	case model.SideBuy:
		if !r.Amount.IsPositive() {
			return model.Validationf("amount must be positive, got %s", r.Amount)
		}
		if r.Amount.LessThan(minAmount) {
			return model.Validationf("amount must be at least %s, got %s", minAmount.StringFixed(2), r.Amount)
		}
	case model.SideSell:
		if !r.Shares.IsPositive() {
			return model.Validationf("shares must be positive, got %s", r.Shares)
		}
	default:
		return model.Validationf("side must be BUY or SELL, got %q", r.Side)
	}
	return nil
}

func (e *Executor) buy(ctx context.Context, tx store.Tx, gw market.Gateway, c *model.Challenge, req Request, now time.Time) (*Result, error) {
	open, err := tx.OpenPositions(ctx)
	if err != nil {
		return nil, err
	}
	in, err := risk.Gather(ctx, gw, c, open, req.MarketID, req.Direction)
	if err != nil {
		return nil, err
	}
	p, err := risk.Compute(in)
	if err != nil {
		return nil, err
	}
	if dec := risk.Check(p, req.Amount); !dec.Allowed {
		return nil, dec.Err()
	}

	fill, err := market.WalkBuy(in.Book.AsksFor(req.Direction), req.Amount)
	if err != nil {
		return nil, fillErr(req.MarketID, err)
	}
	shares := fill.Shares.Round(pnl.ShareScale)
	price := fill.AvgPrice.Round(pnl.PriceScale)
	if !shares.IsPositive() {
		return nil, model.Validationf("amount %s buys no shares at %s", req.Amount, price)
	}

	pos, err := tx.FindOpenPosition(ctx, req.MarketID, req.Direction)
	switch {
	case err == nil:
		pos.EntryPrice = pnl.MergeEntry(pos.Shares, pos.EntryPrice, shares, price)
		pos.Shares = pos.Shares.Add(shares)
		pos.SizeAmount = pos.SizeAmount.Add(req.Amount)
		if err := tx.UpdatePosition(ctx, pos); err != nil {
			return nil, err
		}
	case errors.Is(err, model.ErrNotFound):
		category := ""
		if in.Info != nil {
			category = in.Info.Category
		}
		pos = &model.Position{
			ID:          uuid.New().String(),
			ChallengeID: c.ID,
			MarketID:    req.MarketID,
			Category:    category,
			Direction:   req.Direction,
			Shares:      shares,
			EntryPrice:  price,
			SizeAmount:  req.Amount,
			Status:      model.PositionOpen,
			OpenedAt:    now,
		}
		if err := tx.InsertPosition(ctx, pos); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	c.CurrentBalance = c.CurrentBalance.Sub(req.Amount)
	if c.CurrentBalance.IsNegative() {
		return nil, model.Consistencyf("challenge %s balance would go negative", c.ID)
	}

	t := &model.Trade{
		ID:          uuid.New().String(),
		ChallengeID: c.ID,
		PositionID:  pos.ID,
		MarketID:    req.MarketID,
		Direction:   req.Direction,
		Type:        model.SideBuy,
		Amount:      req.Amount,
		Shares:      shares,
		Price:       price,
		CreatedAt:   now,
	}
	if err := tx.InsertTrade(ctx, t); err != nil {
		return nil, err
	}
	return resultOf(t), nil
}

func (e *Executor) sell(ctx context.Context, tx store.Tx, gw market.Gateway, c *model.Challenge, req Request, now time.Time) (*Result, error) {
	pos, err := tx.FindOpenPosition(ctx, req.MarketID, req.Direction)
	if errors.Is(err, model.ErrNotFound) {
		return nil, model.Preconditionf("no open %s position on market %s", req.Direction, req.MarketID)
	}
	if err != nil {
		return nil, err
	}

	shares := req.Shares
	if shares.GreaterThan(pos.Shares.Add(shareTolerance)) {
		return nil, model.Validationf("cannot sell %s shares of a %s share position", shares, pos.Shares)
	}
	if pos.Shares.Sub(shares).Abs().LessThanOrEqual(shareTolerance) {
		shares = pos.Shares
	}

	book, err := gw.GetOrderBook(ctx, req.MarketID)
	if err != nil {
		if errors.Is(err, market.ErrUnknownMarket) {
			return nil, model.Validationf("unknown market %s", req.MarketID)
		}
		return nil, fmt.Errorf("trade: read book %s: %w", req.MarketID, err)
	}
	fill, err := market.WalkSell(book.BidsFor(req.Direction), shares)
	if err != nil {
		return nil, fillErr(req.MarketID, err)
	}

	t, err := applySell(ctx, tx, c, pos, shares, fill.AvgPrice.Round(pnl.PriceScale), fill.Notional, model.ClosureManual, now)
	if err != nil {
		return nil, err
	}
	return resultOf(t), nil
}

// Liquidate closes pos in full at the YES mark price and credits c. The
// caller owns the transaction and must persist c.
func Liquidate(ctx context.Context, tx store.Tx, c *model.Challenge, pos *model.Position, yesMid decimal.Decimal, reason string, now time.Time) (*model.Trade, error) {
	exit := pnl.OutcomePrice(yesMid, pos.Direction)
	return applySell(ctx, tx, c, pos, pos.Shares, exit, pnl.MarketValue(pos.Shares, exit), reason, now)
}

// applySell realizes shares of pos at exit (outcome denominated) and writes
// the position and trade. c is credited in memory only.
func applySell(ctx context.Context, tx store.Tx, c *model.Challenge, pos *model.Position, shares, exit, proceeds decimal.Decimal, reason string, now time.Time) (*model.Trade, error) {
	realized := pnl.Realized(shares, pos.EntryPrice, exit)
	pos.RealizedPnL = pos.RealizedPnL.Add(realized)

	if shares.Equal(pos.Shares) {
		pos.Status = model.PositionClosed
		pos.PnL = model.DecPtr(pos.RealizedPnL)
		pos.ClosedAt = model.TimePtr(now)
		pos.ClosedPrice = model.DecPtr(exit)
	} else {
		remaining := pos.Shares.Sub(shares)
		pos.SizeAmount = pos.SizeAmount.Mul(remaining).Div(pos.Shares).Round(pnl.PriceScale)
		pos.Shares = remaining
	}
	if err := tx.UpdatePosition(ctx, pos); err != nil {
		return nil, err
	}

	c.CurrentBalance = c.CurrentBalance.Add(proceeds)

	t := &model.Trade{
		ID:            uuid.New().String(),
		ChallengeID:   c.ID,
		PositionID:    pos.ID,
		MarketID:      pos.MarketID,
		Direction:     pos.Direction,
		Type:          model.SideSell,
		Amount:        proceeds,
		Shares:        shares,
		Price:         exit,
		RealizedPnL:   model.DecPtr(realized),
		ClosureReason: reason,
		CreatedAt:     now,
	}
	if err := tx.InsertTrade(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// touchTradingDay counts the first trade of each UTC day.
func touchTradingDay(c *model.Challenge, now time.Time) {
	if c.LastTradeAt == nil || !sameDay(c.LastTradeAt.UTC(), now.UTC()) {
		c.ActiveTradingDays++
	}
	c.LastTradeAt = model.TimePtr(now)
	c.UpdatedAt = now
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func fillErr(marketID string, err error) error {
	if errors.Is(err, market.ErrInsufficientLiquidity) {
		return model.Validationf("market %s: %v", marketID, err)
	}
	return fmt.Errorf("trade: fill %s: %w", marketID, err)
}

func resultOf(t *model.Trade) *Result {
	return &Result{
		ID:          t.ID,
		PositionID:  t.PositionID,
		Side:        t.Type,
		Direction:   t.Direction,
		Amount:      t.Amount,
		Shares:      t.Shares,
		Price:       t.Price,
		RealizedPnL: t.RealizedPnL,
	}
}
