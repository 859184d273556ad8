// Package quote resolves last-known prices for ticker symbols.
//
// The oracle is best-effort by design: a symbol whose lookup fails is simply
// absent from the result map, and callers degrade to their stale price. A
// hung lookup times out rather than blocking an automation batch.
package quote

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/stratsim/automation-engine/internal/metrics"
)

// Oracle returns last-known prices for a set of symbols. Symbols that cannot
// be resolved are omitted from the map; the error is reserved for failures
// that invalidate the whole lookup.
type Oracle interface {
	Quote(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error)
}

// HTTPOracle fetches prices from a quote service, one GET per symbol,
// fanned out concurrently.
type HTTPOracle struct {
	baseURL string
	client  *http.Client
	maxConc int
}

// NewHTTPOracle creates an oracle against the given quote service base URL.
// Each symbol lookup uses perRequestTimeout.
func NewHTTPOracle(baseURL string, perRequestTimeout time.Duration) *HTTPOracle {
	if perRequestTimeout <= 0 {
		perRequestTimeout = 5 * time.Second
	}
	return &HTTPOracle{
		baseURL: baseURL,
		client:  &http.Client{Timeout: perRequestTimeout},
		maxConc: 8,
	}
}

type quoteResponse struct {
	Price decimal.Decimal `json:"price"`
}

// Quote fans out one request per symbol and collects the prices that
// resolved. Per-symbol failures are logged and counted, never fatal.
func (o *HTTPOracle) Quote(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	prices := make(map[string]decimal.Decimal, len(symbols))
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(o.maxConc)

	for _, symbol := range symbols {
		symbol := symbol
		g.Go(func() error {
			price, err := o.fetchOne(ctx, symbol)
			if err != nil {
				slog.Warn("quote lookup failed", "symbol", symbol, "err", err)
				metrics.QuoteFailures.Inc()
				return nil // per-symbol failure never fails the batch
			}
			mu.Lock()
			prices[symbol] = price
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return prices, nil
}

func (o *HTTPOracle) fetchOne(ctx context.Context, symbol string) (decimal.Decimal, error) {
	u := fmt.Sprintf("%s/quote?symbol=%s", o.baseURL, url.QueryEscape(symbol))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return decimal.Zero, err
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return decimal.Zero, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("quote service returned %d", resp.StatusCode)
	}

	var body quoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return decimal.Zero, err
	}
	if !body.Price.IsPositive() {
		return decimal.Zero, fmt.Errorf("quote service returned non-positive price %s", body.Price)
	}
	return body.Price, nil
}

// StaticOracle serves prices from a fixed map. Used for tests and for
// development without a quote service.
type StaticOracle struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
}

// NewStaticOracle creates an oracle over the given price map.
func NewStaticOracle(prices map[string]decimal.Decimal) *StaticOracle {
	if prices == nil {
		prices = make(map[string]decimal.Decimal)
	}
	return &StaticOracle{prices: prices}
}

// SetPrice sets or replaces a symbol's price.
func (o *StaticOracle) SetPrice(symbol string, price decimal.Decimal) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.prices[symbol] = price
}

func (o *StaticOracle) Quote(_ context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	prices := make(map[string]decimal.Decimal, len(symbols))
	for _, s := range symbols {
		if p, ok := o.prices[s]; ok {
			prices[s] = p
		}
	}
	return prices, nil
}
