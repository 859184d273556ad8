package rebalance_test

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/stratsim/automation-engine/internal/model"
	"github.com/stratsim/automation-engine/internal/rebalance"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func dp(f float64) *decimal.Decimal {
	v := decimal.NewFromFloat(f)
	return &v
}

// pos builds a position worth quantity × price.
func pos(symbol string, quantity, price float64, targetPct *decimal.Decimal) model.Position {
	return model.Position{
		StrategyID:      "strat1",
		Symbol:          symbol,
		Quantity:        d(quantity),
		LastPrice:       d(price),
		LastValue:       d(quantity).Mul(d(price)),
		TargetWeightPct: targetPct,
	}
}

func TestGenerate_EqualWeight(t *testing.T) {
	// Four positions worth $100/$200/$300/$400 → target $250 each.
	positions := []model.Position{
		pos("AAA", 10, 10, nil), // $100 → BUY $150
		pos("BBB", 10, 20, nil), // $200 → BUY $50
		pos("CCC", 10, 30, nil), // $300 → SELL $50
		pos("DDD", 10, 40, nil), // $400 → SELL $150
	}

	trades, err := rebalance.Generate(positions, model.ModeEqualWeight)
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	if len(trades) != 4 {
		t.Fatalf("expected 4 trades, got %d", len(trades))
	}

	var sells, buys decimal.Decimal
	for _, tr := range trades {
		switch tr.Direction {
		case model.DirectionSell:
			sells = sells.Add(tr.Quantity.Mul(tr.Price))
		case model.DirectionBuy:
			buys = buys.Add(tr.Amount)
		}
	}

	// Sell quantities are rounded to six decimals, so compare within the
	// conservation tolerance rather than exactly.
	if sells.Sub(d(200)).Abs().GreaterThan(d(0.01)) {
		t.Errorf("expected total sells ~$200, got %s", sells)
	}
	if !buys.Equal(d(200)) {
		t.Errorf("expected total buys $200, got %s", buys)
	}
	if im := rebalance.Imbalance(trades); im.GreaterThan(d(1)) {
		t.Errorf("plan unbalanced by %s", im)
	}
}

func TestGenerate_EqualWeight_Directions(t *testing.T) {
	positions := []model.Position{
		pos("AAA", 10, 10, nil),
		pos("BBB", 10, 20, nil),
		pos("CCC", 10, 30, nil),
		pos("DDD", 10, 40, nil),
	}

	trades, _ := rebalance.Generate(positions, model.ModeEqualWeight)

	want := map[string]string{
		"AAA": model.DirectionBuy,
		"BBB": model.DirectionBuy,
		"CCC": model.DirectionSell,
		"DDD": model.DirectionSell,
	}
	for _, tr := range trades {
		if tr.Direction != want[tr.Symbol] {
			t.Errorf("%s: expected %s, got %s", tr.Symbol, want[tr.Symbol], tr.Direction)
		}
	}
}

func TestGenerate_AlreadyBalanced(t *testing.T) {
	positions := []model.Position{
		pos("AAA", 25, 10, nil),
		pos("BBB", 25, 10, nil),
	}

	trades, err := rebalance.Generate(positions, model.ModeEqualWeight)
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	if len(trades) != 0 {
		t.Errorf("expected no trades for balanced positions, got %d", len(trades))
	}
}

func TestGenerate_SignificanceFloor(t *testing.T) {
	// $0.50 drift each — below the $1 floor, no trades.
	positions := []model.Position{
		pos("AAA", 10.05, 10, nil), // $100.50
		pos("BBB", 9.95, 10, nil),  // $99.50
	}

	trades, err := rebalance.Generate(positions, model.ModeEqualWeight)
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	if len(trades) != 0 {
		t.Errorf("expected drift below floor to produce no trades, got %d", len(trades))
	}
}

func TestGenerate_TargetWeight(t *testing.T) {
	// $1000 total: AAA 60/40 target vs 50/50 actual.
	positions := []model.Position{
		pos("AAA", 50, 10, dp(60)), // $500, target $600 → BUY $100
		pos("BBB", 50, 10, dp(40)), // $500, target $400 → SELL $100
	}

	trades, err := rebalance.Generate(positions, model.ModeTargetWeight)
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	if len(trades) != 2 {
		t.Fatalf("expected 2 trades, got %d", len(trades))
	}

	for _, tr := range trades {
		switch tr.Symbol {
		case "AAA":
			if tr.Direction != model.DirectionBuy || !tr.Amount.Equal(d(100)) {
				t.Errorf("AAA: expected BUY $100, got %s %s", tr.Direction, tr.Amount)
			}
		case "BBB":
			if tr.Direction != model.DirectionSell || !tr.Quantity.Mul(tr.Price).Equal(d(100)) {
				t.Errorf("BBB: expected SELL worth $100, got %s %s", tr.Direction, tr.Quantity)
			}
		}
	}
}

func TestGenerate_TargetWeight_SkipsPositionsWithoutTarget(t *testing.T) {
	// Targets sum to 100 over the positions that have them; the stray
	// position must not receive a trade.
	positions := []model.Position{
		pos("AAA", 40, 10, dp(50)), // $400, target $450 → BUY $50
		pos("BBB", 50, 10, dp(50)), // $500, target $450 → SELL $50
		pos("XXX", 0, 10, nil),     // no target, no trade
	}

	trades, err := rebalance.Generate(positions, model.ModeTargetWeight)
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	for _, tr := range trades {
		if tr.Symbol == "XXX" {
			t.Errorf("position without target weight received a trade: %+v", tr)
		}
	}
}

func TestGenerate_UnresolvablePriceSkipped(t *testing.T) {
	positions := []model.Position{
		pos("AAA", 10, 10, nil),
		pos("BBB", 10, 30, nil),
		pos("DEAD", 10, 0, nil), // no price — skipped, not failed
	}

	trades, err := rebalance.Generate(positions, model.ModeEqualWeight)
	if err != nil {
		t.Fatalf("generate should skip unpriced positions, got error: %v", err)
	}
	for _, tr := range trades {
		if tr.Symbol == "DEAD" {
			t.Errorf("unpriced position received a trade")
		}
	}
	// Total $400 over two priced positions → $200 each.
	imbalance := rebalance.Imbalance(trades)
	if imbalance.GreaterThan(d(1)) {
		t.Errorf("trades unbalanced by %s", imbalance)
	}
}

func TestGenerate_UnbalancedTargetsRejected(t *testing.T) {
	// Targets sum to 50%: half the portfolio value has nowhere to go, so
	// sells vastly exceed buys. Must be rejected, not returned.
	positions := []model.Position{
		pos("AAA", 50, 10, dp(25)), // $500 → target $250: SELL $250
		pos("BBB", 50, 10, dp(25)), // $500 → target $250: SELL $250
	}

	_, err := rebalance.Generate(positions, model.ModeTargetWeight)
	if !errors.Is(err, rebalance.ErrUnbalancedPlan) {
		t.Fatalf("expected ErrUnbalancedPlan, got %v", err)
	}
}

func TestGenerate_SellCappedAtOwnedQuantity(t *testing.T) {
	positions := []model.Position{
		pos("AAA", 10, 10, nil),
		pos("BBB", 10, 20, nil),
	}

	trades, err := rebalance.Generate(positions, model.ModeEqualWeight)
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	for _, tr := range trades {
		if tr.Direction != model.DirectionSell {
			continue
		}
		if tr.Quantity.GreaterThan(d(10)) {
			t.Errorf("SELL %s for %s shares exceeds owned 10", tr.Symbol, tr.Quantity)
		}
	}
}

func TestGenerate_UnknownMode(t *testing.T) {
	_, err := rebalance.Generate([]model.Position{pos("AAA", 1, 1, nil)}, "sideways")
	if !errors.Is(err, rebalance.ErrUnknownMode) {
		t.Fatalf("expected ErrUnknownMode, got %v", err)
	}
}

func TestGenerate_EmptyPositions(t *testing.T) {
	trades, err := rebalance.Generate(nil, model.ModeEqualWeight)
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	if len(trades) != 0 {
		t.Errorf("expected no trades for empty positions")
	}
}

func TestCloseAll(t *testing.T) {
	positions := []model.Position{
		pos("AAA", 10, 10, nil),
		pos("BBB", 2.5, 40, nil),
		pos("EMPTY", 0, 10, nil),
	}

	trades := rebalance.CloseAll(positions)
	if len(trades) != 2 {
		t.Fatalf("expected 2 close trades, got %d", len(trades))
	}
	for _, tr := range trades {
		if tr.Direction != model.DirectionSell {
			t.Errorf("close trade should be SELL, got %s", tr.Direction)
		}
	}
	if !trades[0].Quantity.Equal(d(10)) || !trades[1].Quantity.Equal(d(2.5)) {
		t.Errorf("close trades should cover full quantities: %s, %s",
			trades[0].Quantity, trades[1].Quantity)
	}
}

func TestImbalance(t *testing.T) {
	trades := []model.TradeIntent{
		{Direction: model.DirectionSell, Symbol: "AAA", Quantity: d(10), Price: d(10)},
		{Direction: model.DirectionBuy, Symbol: "BBB", Amount: d(75), Price: d(5)},
	}
	if got := rebalance.Imbalance(trades); !got.Equal(d(25)) {
		t.Errorf("expected imbalance 25, got %s", got)
	}
}
