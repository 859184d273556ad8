// Package rebalance generates balanced SELL/BUY trade sets that move a
// strategy's positions toward a target allocation.
//
// The hard invariant: total sell proceeds must equal total buy spend within
// Tolerance. An unbalanced plan is a calculation bug and is rejected here,
// never returned for execution.
//
// All monetary values use shopspring/decimal — never float64 for money.
package rebalance

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/stratsim/automation-engine/internal/model"
)

var (
	// ErrUnbalancedPlan is returned when generated sells and buys diverge
	// beyond Tolerance. This indicates a calculation bug, not a business
	// outcome to report to the user.
	ErrUnbalancedPlan = errors.New("rebalance: trade plan does not conserve capital")

	// ErrUnknownMode is returned for a rebalance mode outside the closed set.
	ErrUnknownMode = errors.New("rebalance: unknown rebalance mode")

	// SignificanceFloor is the minimum absolute dollar difference that
	// produces a trade. Smaller drifts are left alone.
	SignificanceFloor = decimal.NewFromInt(1)

	// Tolerance is the maximum allowed imbalance between sell proceeds and
	// buy amounts in a generated plan.
	Tolerance = decimal.NewFromInt(1)
)

// QuantityScale is the number of decimal places for share quantities.
const QuantityScale int32 = 6

// Generate produces a balanced trade set for the given allocation mode.
// Positions without a resolvable price are skipped with a warning, never
// failed. An empty result means the strategy is already balanced.
func Generate(positions []model.Position, mode model.RebalanceMode) ([]model.TradeIntent, error) {
	if mode != model.ModeTargetWeight && mode != model.ModeEqualWeight {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}

	// Only positions with a usable price participate.
	priced := make([]model.Position, 0, len(positions))
	for _, p := range positions {
		if !p.HasPrice() {
			slog.Warn("skipping position with unresolvable price",
				"strategy", p.StrategyID, "symbol", p.Symbol)
			continue
		}
		priced = append(priced, p)
	}
	if len(priced) == 0 {
		return nil, nil
	}

	totalValue := model.TotalValue(priced)
	if !totalValue.IsPositive() {
		return nil, nil
	}

	hundred := decimal.NewFromInt(100)
	equalTarget := totalValue.Div(decimal.NewFromInt(int64(len(priced))))

	var trades []model.TradeIntent
	for _, p := range priced {
		var targetValue decimal.Decimal
		switch mode {
		case model.ModeEqualWeight:
			targetValue = equalTarget
		case model.ModeTargetWeight:
			if p.TargetWeightPct == nil {
				// Not part of the original allocation template.
				continue
			}
			targetValue = totalValue.Mul(p.TargetWeightPct.Div(hundred))
		}

		currentValue := p.Quantity.Mul(p.LastPrice)
		difference := targetValue.Sub(currentValue)
		if difference.Abs().LessThan(SignificanceFloor) {
			continue
		}

		if difference.IsNegative() {
			sellQty := difference.Abs().Div(p.LastPrice).Round(QuantityScale)
			if sellQty.GreaterThan(p.Quantity) {
				sellQty = p.Quantity
			}
			trades = append(trades, model.TradeIntent{
				Direction: model.DirectionSell,
				Symbol:    p.Symbol,
				Quantity:  sellQty,
				Price:     p.LastPrice,
				Reason: fmt.Sprintf("reduce %s from $%s to $%s (%s)",
					p.Symbol, currentValue.Round(2), targetValue.Round(2), mode),
			})
		} else {
			trades = append(trades, model.TradeIntent{
				Direction: model.DirectionBuy,
				Symbol:    p.Symbol,
				Amount:    difference.Round(2),
				Price:     p.LastPrice,
				Reason: fmt.Sprintf("increase %s from $%s to $%s (%s)",
					p.Symbol, currentValue.Round(2), targetValue.Round(2), mode),
			})
		}
	}

	if imbalance := Imbalance(trades); imbalance.GreaterThan(Tolerance) {
		return nil, fmt.Errorf("%w: sells and buys differ by $%s",
			ErrUnbalancedPlan, imbalance.Round(2))
	}
	return trades, nil
}

// CloseAll emits one full-quantity SELL per position. Used by stop-loss and
// take-profit closures; no conservation check applies since nothing is bought.
func CloseAll(positions []model.Position) []model.TradeIntent {
	var trades []model.TradeIntent
	for _, p := range positions {
		if !p.Quantity.IsPositive() {
			continue
		}
		trades = append(trades, model.TradeIntent{
			Direction: model.DirectionSell,
			Symbol:    p.Symbol,
			Quantity:  p.Quantity,
			Price:     p.LastPrice,
			Reason:    fmt.Sprintf("close full position in %s", p.Symbol),
		})
	}
	return trades
}

// Imbalance returns |Σ sell proceeds − Σ buy amounts| for a trade set.
func Imbalance(trades []model.TradeIntent) decimal.Decimal {
	sells := decimal.Zero
	buys := decimal.Zero
	for _, t := range trades {
		switch t.Direction {
		case model.DirectionSell:
			sells = sells.Add(t.Quantity.Mul(t.Price))
		case model.DirectionBuy:
			buys = buys.Add(t.Amount)
		}
	}
	return sells.Sub(buys).Abs()
}
