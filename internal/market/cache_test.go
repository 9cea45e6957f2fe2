package market

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/atmx/challenge-engine/internal/retry"
)

type countingGateway struct {
	Gateway
	books atomic.Int32
}

func (c *countingGateway) GetOrderBook(ctx context.Context, marketID string) (*OrderBook, error) {
	c.books.Add(1)
	return c.Gateway.GetOrderBook(ctx, marketID)
}

func newCached(t *testing.T, ttl time.Duration) (*CachedGateway, *MemoryGateway, *countingGateway, *MemoryCache) {
	t.Helper()
	mem := NewMemoryGateway()
	mem.SetMid("m1", d(0.50), d(1000))
	upstream := &countingGateway{Gateway: mem}
	cache := NewMemoryCache()
	return NewCachedGateway(upstream, cache, ttl, nil), mem, upstream, cache
}

func TestCachedGateway_ServesFromCacheWithinTTL(t *testing.T) {
	gw, mem, upstream, _ := newCached(t, time.Minute)
	ctx := context.Background()

	p1, err := gw.GetLatestPrice(ctx, "m1")
	if err != nil {
		t.Fatal(err)
	}
	mem.SetMid("m1", d(0.70), d(1000))
	p2, _ := gw.GetLatestPrice(ctx, "m1")

	if !p1.Price.Equal(p2.Price) {
		t.Errorf("cached read changed within TTL: %s -> %s", p1.Price, p2.Price)
	}
	if n := upstream.books.Load(); n != 1 {
		t.Errorf("upstream called %d times, want 1", n)
	}
}

func TestCachedGateway_FreshBypassesAndRefreshes(t *testing.T) {
	gw, mem, _, _ := newCached(t, time.Minute)
	ctx := context.Background()

	gw.GetLatestPrice(ctx, "m1")
	mem.SetMid("m1", d(0.70), d(1000))

	fresh, err := FreshOf(gw).GetLatestPrice(ctx, "m1")
	if err != nil {
		t.Fatal(err)
	}
	if !fresh.Price.Equal(d(0.70)) {
		t.Errorf("fresh price = %s, want 0.70", fresh.Price)
	}

	// The fresh read refreshed the cache too.
	cached, _ := gw.GetLatestPrice(ctx, "m1")
	if !cached.Price.Equal(d(0.70)) {
		t.Errorf("cached price after refresh = %s, want 0.70", cached.Price)
	}
}

func TestCachedGateway_Expiry(t *testing.T) {
	gw, mem, upstream, cache := newCached(t, time.Second)
	now := time.Now()
	cache.now = func() time.Time { return now }
	ctx := context.Background()

	gw.GetLatestPrice(ctx, "m1")
	mem.SetMid("m1", d(0.30), d(1000))
	now = now.Add(2 * time.Second)

	p, _ := gw.GetLatestPrice(ctx, "m1")
	if !p.Price.Equal(d(0.30)) {
		t.Errorf("price after expiry = %s, want 0.30", p.Price)
	}
	if n := upstream.books.Load(); n != 2 {
		t.Errorf("upstream called %d times, want 2", n)
	}
}

func TestBatchPrices_OmitsUnpricedMarkets(t *testing.T) {
	gw, mem, _, _ := newCached(t, time.Minute)
	mem.SetMid("m2", d(0.25), d(100))

	prices, err := gw.GetBatchOrderBookPrices(context.Background(), []string{"m1", "m2", "missing", "m1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(prices) != 2 {
		t.Fatalf("expected 2 prices, got %v", prices)
	}
	if !prices["m2"].Equal(d(0.25)) {
		t.Errorf("m2 = %s, want 0.25", prices["m2"])
	}
}

func TestBatchPrices_FailsOnUpstreamError(t *testing.T) {
	gw, mem, _, _ := newCached(t, time.Minute)
	errDown := errors.New("upstream unavailable")
	mem.SetMid("m2", d(0.25), d(100))
	mem.SetError("m2", errDown)

	_, err := gw.GetBatchOrderBookPrices(context.Background(), []string{"m1", "m2"})
	if !errors.Is(err, errDown) {
		t.Fatalf("expected upstream error, got %v", err)
	}

	if _, err := mem.GetBatchOrderBookPrices(context.Background(), []string{"m1", "m2"}); !errors.Is(err, errDown) {
		t.Errorf("memory gateway: expected upstream error, got %v", err)
	}
}

func TestHTTPGateway_BookAndInfo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/book":
			if r.URL.Query().Get("market") != "m1" {
				http.NotFound(w, r)
				return
			}
			w.Write([]byte(`{"market":"m1","timestamp":"1700000000000",
				"bids":[{"price":"0.40","size":"100"},{"price":"0.41","size":"50"}],
				"asks":[{"price":"0.43","size":"80"}]}`))
		case "/markets/m1":
			w.Write([]byte(`{"id":"m1","category":"politics","volume":"250000","closed":false}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	gw := NewHTTPGateway(srv.Client(), srv.URL)
	ctx := context.Background()

	b, err := gw.GetOrderBook(ctx, "m1")
	if err != nil {
		t.Fatal(err)
	}
	if !b.Bids[0].Price.Equal(d(0.41)) {
		t.Errorf("best bid = %s, want 0.41", b.Bids[0].Price)
	}
	if b.Timestamp.UnixMilli() != 1700000000000 {
		t.Errorf("timestamp = %v", b.Timestamp)
	}

	info, err := gw.GetMarketInfo(ctx, "m1")
	if err != nil {
		t.Fatal(err)
	}
	if info.Category != "politics" || !info.Volume.Equal(d(250000)) {
		t.Errorf("info = %+v", info)
	}

	if _, err := gw.GetOrderBook(ctx, "nope"); !errors.Is(err, ErrUnknownMarket) {
		t.Errorf("expected ErrUnknownMarket, got %v", err)
	}
}

func TestRetryingGateway(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/book" {
			http.NotFound(w, r)
			return
		}
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"bids":[{"price":"0.5","size":"10"}],"asks":[]}`))
	}))
	defer srv.Close()

	cfg := retry.Config{Attempts: 3, Backoff: time.Millisecond, MaxBackoff: time.Millisecond}
	gw := NewRetryingGateway(NewHTTPGateway(srv.Client(), srv.URL), cfg)

	if _, err := gw.GetOrderBook(context.Background(), "m1"); err != nil {
		t.Fatalf("expected success on third attempt, got %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}

	// 404 is permanent.
	before := calls.Load()
	if _, err := gw.GetMarketInfo(context.Background(), "m1"); !errors.Is(err, ErrUnknownMarket) {
		t.Errorf("expected ErrUnknownMarket, got %v", err)
	}
	if calls.Load() != before {
		t.Error("book endpoint hit during market info lookup")
	}
}
