package market

import (
	"context"
	"errors"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/atmx/challenge-engine/internal/retry"
)

// RetryingGateway retries transient upstream failures. Unknown markets and
// 4xx responses are returned immediately.
type RetryingGateway struct {
	next Gateway
	cfg  retry.Config
}

// NewRetryingGateway wraps next.
func NewRetryingGateway(next Gateway, cfg retry.Config) *RetryingGateway {
	return &RetryingGateway{next: next, cfg: cfg}
}

func (g *RetryingGateway) GetOrderBook(ctx context.Context, marketID string) (*OrderBook, error) {
	return retry.Do(ctx, g.cfg, func(ctx context.Context) (*OrderBook, error) {
		b, err := g.next.GetOrderBook(ctx, marketID)
		return b, classify(err)
	})
}

func (g *RetryingGateway) GetLatestPrice(ctx context.Context, marketID string) (Price, error) {
	return retry.Do(ctx, g.cfg, func(ctx context.Context) (Price, error) {
		p, err := g.next.GetLatestPrice(ctx, marketID)
		return p, classify(err)
	})
}

func (g *RetryingGateway) GetBatchOrderBookPrices(ctx context.Context, marketIDs []string) (map[string]decimal.Decimal, error) {
	return retry.Do(ctx, g.cfg, func(ctx context.Context) (map[string]decimal.Decimal, error) {
		m, err := g.next.GetBatchOrderBookPrices(ctx, marketIDs)
		return m, classify(err)
	})
}

func (g *RetryingGateway) GetMarketInfo(ctx context.Context, marketID string) (*Info, error) {
	return retry.Do(ctx, g.cfg, func(ctx context.Context) (*Info, error) {
		info, err := g.next.GetMarketInfo(ctx, marketID)
		return info, classify(err)
	})
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrUnknownMarket) || errors.Is(err, ErrEmptyBook) {
		return retry.Permanent(err)
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status < http.StatusInternalServerError && apiErr.Status != http.StatusTooManyRequests {
		return retry.Permanent(err)
	}
	return err
}
