package quote_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stratsim/automation-engine/internal/quote"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func quoteServer(t *testing.T, prices map[string]float64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		symbol := r.URL.Query().Get("symbol")
		price, ok := prices[symbol]
		if !ok {
			http.Error(w, "unknown symbol", http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"price": price})
	}))
}

func TestHTTPOracle_Quote(t *testing.T) {
	srv := quoteServer(t, map[string]float64{"AAA": 101.25, "BBB": 9.5})
	defer srv.Close()

	oracle := quote.NewHTTPOracle(srv.URL, 2*time.Second)
	prices, err := oracle.Quote(context.Background(), []string{"AAA", "BBB"})
	if err != nil {
		t.Fatalf("quote failed: %v", err)
	}
	if !prices["AAA"].Equal(d(101.25)) {
		t.Errorf("AAA: expected 101.25, got %s", prices["AAA"])
	}
	if !prices["BBB"].Equal(d(9.5)) {
		t.Errorf("BBB: expected 9.5, got %s", prices["BBB"])
	}
}

func TestHTTPOracle_FailedSymbolOmitted(t *testing.T) {
	srv := quoteServer(t, map[string]float64{"AAA": 50})
	defer srv.Close()

	oracle := quote.NewHTTPOracle(srv.URL, 2*time.Second)
	prices, err := oracle.Quote(context.Background(), []string{"AAA", "GHOST"})
	if err != nil {
		t.Fatalf("per-symbol failure must not fail the batch: %v", err)
	}
	if _, ok := prices["GHOST"]; ok {
		t.Error("unresolvable symbol should be absent from the result")
	}
	if !prices["AAA"].Equal(d(50)) {
		t.Errorf("AAA: expected 50, got %s", prices["AAA"])
	}
}

func TestHTTPOracle_NonPositivePriceRejected(t *testing.T) {
	srv := quoteServer(t, map[string]float64{"ZERO": 0})
	defer srv.Close()

	oracle := quote.NewHTTPOracle(srv.URL, 2*time.Second)
	prices, err := oracle.Quote(context.Background(), []string{"ZERO"})
	if err != nil {
		t.Fatalf("quote failed: %v", err)
	}
	if _, ok := prices["ZERO"]; ok {
		t.Error("non-positive price should be treated as unresolvable")
	}
}

func TestStaticOracle(t *testing.T) {
	oracle := quote.NewStaticOracle(map[string]decimal.Decimal{"AAA": d(10)})
	oracle.SetPrice("BBB", d(20))

	prices, err := oracle.Quote(context.Background(), []string{"AAA", "BBB", "CCC"})
	if err != nil {
		t.Fatalf("quote failed: %v", err)
	}
	if len(prices) != 2 {
		t.Fatalf("expected 2 resolved symbols, got %d", len(prices))
	}
	if !prices["BBB"].Equal(d(20)) {
		t.Errorf("BBB: expected 20, got %s", prices["BBB"])
	}
}
