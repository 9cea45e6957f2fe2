package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// Cache stores encoded gateway responses with a TTL. Backends treat every
// read failure as a miss.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)
	Delete(ctx context.Context, key string)
}

// MemoryCache is a process-local Cache.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	value   []byte
	expires time.Time
}

// NewMemoryCache returns an empty cache using the wall clock.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryEntry), now: time.Now}
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if !c.now().Before(e.expires) {
		delete(c.entries, key)
		return nil, false
	}
	return e.value, true
}

func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = memoryEntry{value: value, expires: c.now().Add(ttl)}
}

func (c *MemoryCache) Delete(_ context.Context, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// CachedGateway wraps an upstream Gateway with a short-TTL read-through
// cache. Fresh returns a view that always reads upstream and refreshes the
// cache with what it saw.
type CachedGateway struct {
	upstream Gateway
	cache    Cache
	ttl      time.Duration
	logger   *slog.Logger
}

// NewCachedGateway creates a caching wrapper around upstream.
func NewCachedGateway(upstream Gateway, cache Cache, ttl time.Duration, logger *slog.Logger) *CachedGateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedGateway{upstream: upstream, cache: cache, ttl: ttl, logger: logger}
}

// Fresh returns a cache-bypassing view of g.
func (g *CachedGateway) Fresh() Gateway {
	return freshGateway{g}
}

// Invalidate drops cached entries for marketID.
func (g *CachedGateway) Invalidate(ctx context.Context, marketID string) {
	g.cache.Delete(ctx, bookKey(marketID))
	g.cache.Delete(ctx, infoKey(marketID))
}

func (g *CachedGateway) GetOrderBook(ctx context.Context, marketID string) (*OrderBook, error) {
	if data, ok := g.cache.Get(ctx, bookKey(marketID)); ok {
		var b OrderBook
		if json.Unmarshal(data, &b) == nil {
			return &b, nil
		}
	}
	return g.loadBook(ctx, marketID)
}

func (g *CachedGateway) GetLatestPrice(ctx context.Context, marketID string) (Price, error) {
	b, err := g.GetOrderBook(ctx, marketID)
	if err != nil {
		return Price{}, err
	}
	return priceOf(b)
}

func (g *CachedGateway) GetBatchOrderBookPrices(ctx context.Context, marketIDs []string) (map[string]decimal.Decimal, error) {
	return batchPrices(ctx, marketIDs, g.GetOrderBook)
}

func (g *CachedGateway) GetMarketInfo(ctx context.Context, marketID string) (*Info, error) {
	if data, ok := g.cache.Get(ctx, infoKey(marketID)); ok {
		var info Info
		if json.Unmarshal(data, &info) == nil {
			return &info, nil
		}
	}
	return g.loadInfo(ctx, marketID)
}

func (g *CachedGateway) loadBook(ctx context.Context, marketID string) (*OrderBook, error) {
	b, err := g.upstream.GetOrderBook(ctx, marketID)
	if err != nil {
		return nil, err
	}
	b.Normalize()
	if data, err := json.Marshal(b); err == nil {
		g.cache.Set(ctx, bookKey(marketID), data, g.ttl)
	} else {
		g.logger.Warn("encode order book for cache", "market", marketID, "err", err)
	}
	return b, nil
}

func (g *CachedGateway) loadInfo(ctx context.Context, marketID string) (*Info, error) {
	info, err := g.upstream.GetMarketInfo(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(info); err == nil {
		g.cache.Set(ctx, infoKey(marketID), data, g.ttl)
	}
	return info, nil
}

type freshGateway struct{ g *CachedGateway }

func (f freshGateway) GetOrderBook(ctx context.Context, marketID string) (*OrderBook, error) {
	return f.g.loadBook(ctx, marketID)
}

func (f freshGateway) GetLatestPrice(ctx context.Context, marketID string) (Price, error) {
	b, err := f.g.loadBook(ctx, marketID)
	if err != nil {
		return Price{}, err
	}
	return priceOf(b)
}

func (f freshGateway) GetBatchOrderBookPrices(ctx context.Context, marketIDs []string) (map[string]decimal.Decimal, error) {
	return batchPrices(ctx, marketIDs, f.g.loadBook)
}

func (f freshGateway) GetMarketInfo(ctx context.Context, marketID string) (*Info, error) {
	return f.g.loadInfo(ctx, marketID)
}

func priceOf(b *OrderBook) (Price, error) {
	mid, err := b.Mid()
	if err != nil {
		return Price{}, err
	}
	return Price{MarketID: b.MarketID, Price: mid, Timestamp: b.Timestamp}, nil
}

const batchConcurrency = 8

// batchPrices fetches books concurrently. Unknown markets and books with no
// mid are left out of the result. Any other fetch error fails the batch so
// callers can tell an upstream outage from a market with no price.
func batchPrices(ctx context.Context, marketIDs []string, fetch func(context.Context, string) (*OrderBook, error)) (map[string]decimal.Decimal, error) {
	var (
		mu  sync.Mutex
		out = make(map[string]decimal.Decimal, len(marketIDs))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(batchConcurrency)
	for _, id := range dedupe(marketIDs) {
		g.Go(func() error {
			b, err := fetch(gctx, id)
			if unpriced(err) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("%s: %w", id, err)
			}
			mid, err := b.Mid()
			if err != nil {
				return nil
			}
			mu.Lock()
			out[id] = mid
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("market: batch prices: %w", err)
	}
	return out, nil
}

func unpriced(err error) bool {
	return errors.Is(err, ErrUnknownMarket) || errors.Is(err, ErrEmptyBook)
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func bookKey(id string) string { return fmt.Sprintf("book:%s", id) }
func infoKey(id string) string { return fmt.Sprintf("market:%s", id) }
