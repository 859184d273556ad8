// Package executor turns an approved rule decision into ledger mutations:
// position updates, append-only transactions, a rebalance snapshot, and an
// optional strategy status transition — applied all-or-nothing per batch.
//
// All monetary values use shopspring/decimal — never float64 for money.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/stratsim/automation-engine/internal/metrics"
	"github.com/stratsim/automation-engine/internal/model"
	"github.com/stratsim/automation-engine/internal/rebalance"
	"github.com/stratsim/automation-engine/internal/rules"
	"github.com/stratsim/automation-engine/internal/store"
)

var (
	// ShareTolerance is the rounding slack allowed on a SELL: an intent for
	// up to owned+ShareTolerance shares is clamped to owned; beyond that the
	// trade is dropped and the drop recorded.
	ShareTolerance = decimal.NewFromFloat(0.01)

	// removeEpsilon is the quantity below which a position counts as closed.
	removeEpsilon = decimal.NewFromFloat(0.000001)
)

// Executor applies approved trade sets to the ledger.
type Executor struct {
	store store.Store
}

// New creates an Executor over the given store.
func New(st store.Store) *Executor {
	return &Executor{store: st}
}

// Execute applies one rule decision. The returned result is always non-nil;
// failures are reported in it, never panicked or swallowed.
func (e *Executor) Execute(ctx context.Context, now time.Time, strategy *model.Strategy, rule *model.AutomationRule, positions []model.Position, decision *rules.Decision) *model.ExecutionResult {
	capitalBefore := strategy.CashBalance.Add(model.TotalValue(positions))

	result := &model.ExecutionResult{
		Action:        decision.Action,
		CapitalBefore: capitalBefore,
		CapitalAfter:  capitalBefore,
	}

	if decision.Action == model.ActionNotifyOnly {
		// Notification dispatch is the caller's responsibility.
		result.Success = true
		result.ExecutedTrades = []model.TradeIntent{}
		return result
	}

	executed, dropped := filterTrades(decision.Trades, positions)
	result.DroppedTrades = dropped

	// A rebalance batch must still conserve capital after drops; otherwise
	// the whole batch is rejected rather than applied lopsided.
	if isRebalanceAction(decision.Action) && len(dropped) > 0 {
		if imbalance := rebalance.Imbalance(executed); imbalance.GreaterThan(rebalance.Tolerance) {
			result.Error = fmt.Sprintf(
				"batch unbalanced by $%s after dropping %d trade(s)",
				imbalance.Round(2), len(dropped))
			metrics.ExecutionsFailed.WithLabelValues(string(rule.Type)).Inc()
			return result
		}
	}

	after, transactions, newCash, changed := applyTrades(strategy, rule, positions, executed, now)
	if newCash.IsNegative() {
		result.Error = fmt.Sprintf("batch would overdraw cash by $%s", newCash.Abs().Round(2))
		metrics.ExecutionsFailed.WithLabelValues(string(rule.Type)).Inc()
		return result
	}

	batch := &model.TradeBatch{
		StrategyID:   strategy.ID,
		RuleID:       rule.ID,
		Positions:    keepPositions(after),
		Removed:      removedSymbols(after),
		Transactions: transactions,
		NewCash:      newCash,
	}
	if len(transactions) > 0 {
		batch.Snapshot = buildSnapshot(strategy.ID, rule.ID, positions, keepPositions(after), transactions, now)
	}
	if decision.Action == model.ActionCloseStrategy {
		batch.NewStatus = model.StrategyClosed
		batch.StatusReason = decision.Reason
	}

	if err := e.store.ApplyTradeBatch(ctx, batch); err != nil {
		result.Error = fmt.Sprintf("ledger update failed: %v", err)
		metrics.ExecutionsFailed.WithLabelValues(string(rule.Type)).Inc()
		return result
	}

	for _, t := range executed {
		metrics.TradesExecuted.WithLabelValues(t.Direction).Inc()
	}

	result.Success = true
	result.ExecutedTrades = executed
	result.CapitalAfter = newCash.Add(model.TotalValue(keepPositions(after)))
	result.PositionsChanged = changed
	return result
}

// isRebalanceAction reports whether the action's trade set is expected to
// conserve capital (paired sells and buys).
func isRebalanceAction(action model.Action) bool {
	return action == model.ActionRebalanceToTarget || action == model.ActionRebalanceEqual
}

// filterTrades drops trades that cannot be honored: SELLs beyond owned
// quantity plus tolerance, and malformed intents. SELLs within tolerance of
// owned quantity are clamped to owned.
func filterTrades(trades []model.TradeIntent, positions []model.Position) (executed []model.TradeIntent, dropped []string) {
	owned := make(map[string]decimal.Decimal, len(positions))
	for _, p := range positions {
		owned[p.Symbol] = p.Quantity
	}

	for _, t := range trades {
		switch t.Direction {
		case model.DirectionSell:
			held, ok := owned[t.Symbol]
			if !ok {
				dropped = append(dropped, fmt.Sprintf("SELL %s: no position held", t.Symbol))
				continue
			}
			if t.Quantity.GreaterThan(held.Add(ShareTolerance)) {
				dropped = append(dropped, fmt.Sprintf(
					"SELL %s %s: exceeds owned %s beyond tolerance",
					t.Symbol, t.Quantity, held))
				continue
			}
			if !t.Price.IsPositive() || !t.Quantity.IsPositive() {
				dropped = append(dropped, fmt.Sprintf("SELL %s: no usable price or quantity", t.Symbol))
				continue
			}
			if t.Quantity.GreaterThan(held) {
				t.Quantity = held
			}
			// Track remaining shares so stacked sells cannot oversell.
			owned[t.Symbol] = held.Sub(t.Quantity)
			executed = append(executed, t)

		case model.DirectionBuy:
			if !t.Price.IsPositive() || !t.Amount.IsPositive() {
				dropped = append(dropped, fmt.Sprintf("BUY %s: no usable price or amount", t.Symbol))
				continue
			}
			executed = append(executed, t)

		default:
			dropped = append(dropped, fmt.Sprintf("%s %s: unknown direction", t.Direction, t.Symbol))
		}
	}
	return executed, dropped
}

// simState carries one position through batch simulation.
type simState struct {
	position model.Position
	touched  bool
}

// applyTrades simulates the batch against the position set and produces the
// resulting positions, ledger transactions, and cash balance.
func applyTrades(strategy *model.Strategy, rule *model.AutomationRule, positions []model.Position, trades []model.TradeIntent, now time.Time) (after []simState, transactions []model.Transaction, newCash decimal.Decimal, changed int) {
	states := make(map[string]*simState, len(positions))
	order := make([]string, 0, len(positions))
	for _, p := range positions {
		states[p.Symbol] = &simState{position: p}
		order = append(order, p.Symbol)
	}

	newCash = strategy.CashBalance

	for _, t := range trades {
		st, ok := states[t.Symbol]
		if !ok {
			// First buy of a symbol outside the template.
			st = &simState{position: model.Position{
				StrategyID: strategy.ID,
				Symbol:     t.Symbol,
			}}
			states[t.Symbol] = st
			order = append(order, t.Symbol)
		}
		p := &st.position

		switch t.Direction {
		case model.DirectionSell:
			proceeds := t.Quantity.Mul(t.Price).Round(2)
			oldQty := p.Quantity
			p.Quantity = p.Quantity.Sub(t.Quantity)
			if oldQty.IsPositive() {
				// Reduce cost basis proportionally to shares sold.
				p.CostBasis = p.CostBasis.Mul(p.Quantity).Div(oldQty).Round(4)
			}
			p.LastPrice = t.Price
			newCash = newCash.Add(proceeds)

			transactions = append(transactions, model.Transaction{
				ID:         uuid.New().String(),
				StrategyID: strategy.ID,
				RuleID:     rule.ID,
				Symbol:     t.Symbol,
				Direction:  model.DirectionSell,
				Quantity:   t.Quantity,
				Price:      t.Price,
				Amount:     proceeds,
				Reason:     t.Reason,
				ExecutedAt: now,
			})

		case model.DirectionBuy:
			shares := t.Amount.Div(t.Price).Round(rebalance.QuantityScale)
			p.Quantity = p.Quantity.Add(shares)
			p.CostBasis = p.CostBasis.Add(t.Amount)
			if p.Quantity.IsPositive() {
				p.AvgCost = p.CostBasis.Div(p.Quantity).Round(4)
			}
			p.LastPrice = t.Price
			newCash = newCash.Sub(t.Amount)

			transactions = append(transactions, model.Transaction{
				ID:         uuid.New().String(),
				StrategyID: strategy.ID,
				RuleID:     rule.ID,
				Symbol:     t.Symbol,
				Direction:  model.DirectionBuy,
				Quantity:   shares,
				Price:      t.Price,
				Amount:     t.Amount,
				Reason:     t.Reason,
				ExecutedAt: now,
			})
		}
		p.UpdatedAt = now
		st.touched = true
	}

	// Recompute weights across surviving positions — never left stale.
	var kept []model.Position
	for _, symbol := range order {
		st := states[symbol]
		if st.position.Quantity.GreaterThan(removeEpsilon) {
			kept = append(kept, st.position)
		}
	}
	kept = model.RecomputeWeights(kept)
	keptWeights := make(map[string]model.Position, len(kept))
	for _, p := range kept {
		keptWeights[p.Symbol] = p
	}

	for _, symbol := range order {
		st := states[symbol]
		if p, ok := keptWeights[symbol]; ok {
			st.position = p
		} else {
			st.position.Quantity = decimal.Zero
		}
		if st.touched {
			changed++
		}
		after = append(after, *st)
	}
	return after, transactions, newCash, changed
}

// keepPositions returns the surviving (non-closed) positions of a simulation.
func keepPositions(states []simState) []model.Position {
	var kept []model.Position
	for _, st := range states {
		if st.position.Quantity.GreaterThan(removeEpsilon) {
			kept = append(kept, st.position)
		}
	}
	return kept
}

// removedSymbols returns symbols whose quantity reached zero in simulation.
func removedSymbols(states []simState) []string {
	var removed []string
	for _, st := range states {
		if st.touched && !st.position.Quantity.GreaterThan(removeEpsilon) {
			removed = append(removed, st.position.Symbol)
		}
	}
	return removed
}

func buildSnapshot(strategyID, ruleID string, before, after []model.Position, transactions []model.Transaction, now time.Time) *model.RebalanceSnapshot {
	ids := make([]string, 0, len(transactions))
	for _, t := range transactions {
		ids = append(ids, t.ID)
	}
	snap := &model.RebalanceSnapshot{
		ID:             uuid.New().String(),
		StrategyID:     strategyID,
		RuleID:         ruleID,
		Before:         before,
		After:          after,
		TransactionIDs: ids,
		CreatedAt:      now,
	}
	slog.Debug("rebalance snapshot built",
		"strategy", strategyID, "transactions", len(ids))
	return snap
}
