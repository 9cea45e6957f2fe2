package risk

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/challenge-engine/internal/market"
	"github.com/atmx/challenge-engine/internal/model"
	"github.com/atmx/challenge-engine/internal/store"
)

// Engine answers preflight and validation queries from committed state.
type Engine struct {
	store store.Store
	gw    market.Gateway
}

// NewEngine creates an engine reading from s and pricing with gw.
func NewEngine(s store.Store, gw market.Gateway) *Engine {
	return &Engine{store: s, gw: gw}
}

// PreflightLimits returns every term for a prospective BUY of dir on marketID.
// An empty dir means YES.
func (e *Engine) PreflightLimits(ctx context.Context, challengeID, marketID string, dir model.Direction) (*Preflight, error) {
	in, err := e.load(ctx, challengeID, marketID, dir, decimal.Zero)
	if err != nil {
		return nil, err
	}
	return Compute(in)
}

// ValidateTrade checks amount against the same terms PreflightLimits reports.
// A rejection is returned as a Decision, not an error; errors mean the limits
// could not be computed.
func (e *Engine) ValidateTrade(ctx context.Context, challengeID, marketID string, amount, existingExposure decimal.Decimal, dir model.Direction) (Decision, error) {
	if !amount.IsPositive() {
		return Decision{}, model.Validationf("amount must be positive, got %s", amount)
	}
	in, err := e.load(ctx, challengeID, marketID, dir, existingExposure)
	if err != nil {
		return Decision{}, err
	}
	p, err := Compute(in)
	if err != nil {
		return Decision{}, err
	}
	return Check(p, amount), nil
}

func (e *Engine) load(ctx context.Context, challengeID, marketID string, dir model.Direction, existing decimal.Decimal) (Inputs, error) {
	if dir == "" {
		dir = model.DirectionYes
	}
	if !dir.Valid() {
		return Inputs{}, model.Validationf("direction must be YES or NO, got %q", dir)
	}
	c, err := e.store.GetChallenge(ctx, challengeID)
	if err != nil {
		return Inputs{}, err
	}
	if !c.Active() {
		return Inputs{}, model.Preconditionf("challenge %s is %s", c.ID, c.Status)
	}
	open, err := e.store.ListPositions(ctx, challengeID, model.PositionOpen)
	if err != nil {
		return Inputs{}, err
	}
	in, err := Gather(ctx, e.gw, c, open, marketID, dir)
	if err != nil {
		return Inputs{}, err
	}
	in.ExistingExposure = existing
	return in, nil
}

// Gather reads the market data Compute needs for c's open positions and the
// target market.
func Gather(ctx context.Context, gw market.Gateway, c *model.Challenge, open []model.Position, marketID string, dir model.Direction) (Inputs, error) {
	if marketID == "" {
		return Inputs{}, model.Validationf("market id is required")
	}
	info, err := gw.GetMarketInfo(ctx, marketID)
	if err != nil {
		return Inputs{}, marketErr(marketID, err)
	}
	book, err := gw.GetOrderBook(ctx, marketID)
	if err != nil {
		return Inputs{}, marketErr(marketID, err)
	}

	ids := make([]string, 0, len(open))
	for _, p := range open {
		ids = append(ids, p.MarketID)
	}
	mids := map[string]decimal.Decimal{}
	if len(ids) > 0 {
		mids, err = gw.GetBatchOrderBookPrices(ctx, ids)
		if err != nil {
			return Inputs{}, fmt.Errorf("risk: mark open positions: %w", err)
		}
	}

	return Inputs{
		Challenge: c,
		Open:      open,
		Mids:      mids,
		Info:      info,
		Book:      book,
		MarketID:  marketID,
		Direction: dir,
	}, nil
}

func marketErr(marketID string, err error) error {
	if errors.Is(err, market.ErrUnknownMarket) {
		return model.Validationf("unknown market %s", marketID)
	}
	return fmt.Errorf("risk: read market %s: %w", marketID, err)
}
