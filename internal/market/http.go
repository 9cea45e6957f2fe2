package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// APIError is a non-200 response from the upstream market service.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("market: upstream error (%d): %s", e.Status, e.Body)
}

// HTTPGateway reads books and metadata from a CLOB-style HTTP service:
//
//	GET /book?market={id}     {"market","timestamp","bids":[{"price","size"}],"asks":[...]}
//	GET /markets/{id}         {"id","category","volume","closed"}
type HTTPGateway struct {
	host       string
	httpClient *http.Client
}

// NewHTTPGateway creates a client for host. A nil httpClient gets a 5s timeout.
func NewHTTPGateway(httpClient *http.Client, host string) *HTTPGateway {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Second}
	}
	return &HTTPGateway{host: strings.TrimRight(host, "/"), httpClient: httpClient}
}

type wireBook struct {
	Market    string  `json:"market"`
	Timestamp string  `json:"timestamp"`
	Bids      []Level `json:"bids"`
	Asks      []Level `json:"asks"`
}

type wireMarket struct {
	ID       string          `json:"id"`
	Category string          `json:"category"`
	Volume   decimal.Decimal `json:"volume"`
	Closed   bool            `json:"closed"`
}

func (g *HTTPGateway) GetOrderBook(ctx context.Context, marketID string) (*OrderBook, error) {
	if marketID == "" {
		return nil, fmt.Errorf("%w: empty market id", ErrUnknownMarket)
	}
	q := url.Values{}
	q.Set("market", marketID)
	body, err := g.doRequest(ctx, "/book", q)
	if err != nil {
		return nil, g.mapErr(marketID, err)
	}
	var wb wireBook
	if err := json.Unmarshal(body, &wb); err != nil {
		return nil, fmt.Errorf("market: decode book %s: %w", marketID, err)
	}
	b := &OrderBook{
		MarketID:  marketID,
		Bids:      wb.Bids,
		Asks:      wb.Asks,
		Timestamp: parseTimestamp(wb.Timestamp),
	}
	b.Normalize()
	return b, nil
}

func (g *HTTPGateway) GetLatestPrice(ctx context.Context, marketID string) (Price, error) {
	b, err := g.GetOrderBook(ctx, marketID)
	if err != nil {
		return Price{}, err
	}
	return priceOf(b)
}

func (g *HTTPGateway) GetBatchOrderBookPrices(ctx context.Context, marketIDs []string) (map[string]decimal.Decimal, error) {
	return batchPrices(ctx, marketIDs, g.GetOrderBook)
}

func (g *HTTPGateway) GetMarketInfo(ctx context.Context, marketID string) (*Info, error) {
	if marketID == "" {
		return nil, fmt.Errorf("%w: empty market id", ErrUnknownMarket)
	}
	body, err := g.doRequest(ctx, "/markets/"+url.PathEscape(marketID), nil)
	if err != nil {
		return nil, g.mapErr(marketID, err)
	}
	var wm wireMarket
	if err := json.Unmarshal(body, &wm); err != nil {
		return nil, fmt.Errorf("market: decode market %s: %w", marketID, err)
	}
	if wm.ID == "" {
		wm.ID = marketID
	}
	return &Info{ID: wm.ID, Category: wm.Category, Volume: wm.Volume, Closed: wm.Closed}, nil
}

func (g *HTTPGateway) doRequest(ctx context.Context, path string, query url.Values) ([]byte, error) {
	fullURL := g.host + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("market: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("market: request failed: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("market: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{Status: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}

func (g *HTTPGateway) mapErr(marketID string, err error) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrUnknownMarket, marketID)
	}
	return err
}

// parseTimestamp accepts RFC 3339 or unix milliseconds, the two forms CLOB
// services emit. Anything else becomes now.
func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Now().UTC()
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	if ms, err := decimal.NewFromString(s); err == nil {
		return time.UnixMilli(ms.IntPart()).UTC()
	}
	return time.Now().UTC()
}
