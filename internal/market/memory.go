package market

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryGateway is an in-process price source for tests and local runs.
// Books are stored normalized and handed out as copies.
type MemoryGateway struct {
	mu    sync.RWMutex
	books map[string]*OrderBook
	infos map[string]Info
	errs  map[string]error
	now   func() time.Time
}

// NewMemoryGateway returns an empty gateway.
func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{
		books: make(map[string]*OrderBook),
		infos: make(map[string]Info),
		errs:  make(map[string]error),
		now:   time.Now,
	}
}

// SetBook replaces the book for a market.
func (g *MemoryGateway) SetBook(marketID string, bids, asks []Level) {
	b := &OrderBook{
		MarketID:  marketID,
		Bids:      append([]Level(nil), bids...),
		Asks:      append([]Level(nil), asks...),
		Timestamp: g.now(),
	}
	b.Normalize()

	g.mu.Lock()
	defer g.mu.Unlock()
	g.books[marketID] = b
	if _, ok := g.infos[marketID]; !ok {
		g.infos[marketID] = Info{ID: marketID, Category: "uncategorized"}
	}
}

// SetMid seeds a symmetric book around mid with depth shares on each side,
// one cent either side of mid.
func (g *MemoryGateway) SetMid(marketID string, mid, depth decimal.Decimal) {
	cent := decimal.New(1, -2)
	g.SetBook(marketID,
		[]Level{{Price: mid.Sub(cent), Size: depth}},
		[]Level{{Price: mid.Add(cent), Size: depth}},
	)
}

// SetInfo replaces the metadata for a market.
func (g *MemoryGateway) SetInfo(info Info) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.infos[info.ID] = info
}

// SetError makes every read of marketID fail with err. A nil err clears it.
func (g *MemoryGateway) SetError(marketID string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err == nil {
		delete(g.errs, marketID)
		return
	}
	g.errs[marketID] = err
}

func (g *MemoryGateway) GetOrderBook(ctx context.Context, marketID string) (*OrderBook, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	if err := g.errs[marketID]; err != nil {
		return nil, err
	}
	b, ok := g.books[marketID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMarket, marketID)
	}
	out := *b
	out.Bids = append([]Level(nil), b.Bids...)
	out.Asks = append([]Level(nil), b.Asks...)
	return &out, nil
}

func (g *MemoryGateway) GetLatestPrice(ctx context.Context, marketID string) (Price, error) {
	b, err := g.GetOrderBook(ctx, marketID)
	if err != nil {
		return Price{}, err
	}
	mid, err := b.Mid()
	if err != nil {
		return Price{}, err
	}
	return Price{MarketID: marketID, Price: mid, Timestamp: b.Timestamp}, nil
}

func (g *MemoryGateway) GetBatchOrderBookPrices(ctx context.Context, marketIDs []string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(marketIDs))
	for _, id := range marketIDs {
		p, err := g.GetLatestPrice(ctx, id)
		if unpriced(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("market: batch prices: %s: %w", id, err)
		}
		out[id] = p.Price
	}
	return out, nil
}

func (g *MemoryGateway) GetMarketInfo(ctx context.Context, marketID string) (*Info, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	if err := g.errs[marketID]; err != nil {
		return nil, err
	}
	info, ok := g.infos[marketID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMarket, marketID)
	}
	return &info, nil
}
