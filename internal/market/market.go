// Package market is the read-only price oracle the engine trades against.
//
// All prices are YES-denominated. Gateways are layered: an upstream source
// (HTTP or in-memory), optionally wrapped by a retrying decorator, wrapped by
// a TTL cache that also exposes a cache-bypassing view.
package market

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrUnknownMarket is returned when the upstream has no such market.
	ErrUnknownMarket = errors.New("market: unknown market")

	// ErrEmptyBook is returned when a book has no levels to derive a price from.
	ErrEmptyBook = errors.New("market: order book is empty")

	// ErrInsufficientLiquidity is returned when the book cannot fill an order.
	ErrInsufficientLiquidity = errors.New("market: insufficient liquidity to fill order")
)

// Level is one resting price level. Size is in shares.
type Level struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// OrderBook holds YES-side levels. Bids are sorted descending and asks
// ascending once Normalize has run.
type OrderBook struct {
	MarketID  string    `json:"market_id"`
	Bids      []Level   `json:"bids"`
	Asks      []Level   `json:"asks"`
	Timestamp time.Time `json:"timestamp"`
}

// Price is a YES mid price observation.
type Price struct {
	MarketID  string          `json:"market_id"`
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
}

// Info is market metadata the risk engine needs.
type Info struct {
	ID       string          `json:"id"`
	Category string          `json:"category"`
	Volume   decimal.Decimal `json:"volume"`
	Closed   bool            `json:"closed"`
}

// Gateway is the price oracle interface consumed by the engine.
type Gateway interface {
	// GetLatestPrice returns the YES mid price.
	GetLatestPrice(ctx context.Context, marketID string) (Price, error)

	// GetOrderBook returns the YES order book.
	GetOrderBook(ctx context.Context, marketID string) (*OrderBook, error)

	// GetBatchOrderBookPrices returns YES mid prices keyed by market ID.
	// Markets without a usable book are omitted.
	GetBatchOrderBookPrices(ctx context.Context, marketIDs []string) (map[string]decimal.Decimal, error)

	// GetMarketInfo returns category and traded volume.
	GetMarketInfo(ctx context.Context, marketID string) (*Info, error)
}

// Refresher is a Gateway that can hand out a view which bypasses its cache.
// Call sites that must observe a just-written price use Fresh().
type Refresher interface {
	Gateway
	Fresh() Gateway
}

// FreshOf returns gw.Fresh() when gw caches, or gw itself.
func FreshOf(gw Gateway) Gateway {
	if r, ok := gw.(Refresher); ok {
		return r.Fresh()
	}
	return gw
}
