// Package model defines the core domain types shared across the automation
// engine. All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// StrategyStatus is the lifecycle state of a strategy.
type StrategyStatus string

const (
	StrategyActive StrategyStatus = "active"
	StrategyPaused StrategyStatus = "paused"
	StrategyClosed StrategyStatus = "closed"
)

// RuleType identifies one of the closed set of automation rule behaviors.
type RuleType string

const (
	RuleScheduledRebalance RuleType = "scheduled-rebalance"
	RuleThresholdDeviation RuleType = "threshold-deviation"
	RuleStopLoss           RuleType = "stop-loss"
	RuleTakeProfit         RuleType = "take-profit"
	RuleAIAutoOptimize     RuleType = "ai-auto-optimize"
	RulePositionLimit      RuleType = "position-limit"
)

// Action is what the executor does when a rule fires.
type Action string

const (
	ActionRebalanceToTarget Action = "rebalance-to-target"
	ActionRebalanceEqual    Action = "rebalance-equal"
	ActionAIOptimize        Action = "ai-optimize"
	ActionCloseStrategy     Action = "close-strategy"
	ActionClosePosition     Action = "close-position"
	ActionNotifyOnly        Action = "notify-only"
)

// RebalanceMode selects the target allocation for trade generation.
type RebalanceMode string

const (
	ModeTargetWeight RebalanceMode = "to-target-weight"
	ModeEqualWeight  RebalanceMode = "equal-weight"
)

// Trade directions.
const (
	DirectionBuy  = "BUY"
	DirectionSell = "SELL"
)

// Strategy is a capitalized, live instance of a portfolio template.
// Mutated only by trade execution and rule-driven closure; never hard-deleted
// while history exists.
type Strategy struct {
	ID                string          `json:"id" db:"id"`
	UserID            string          `json:"user_id" db:"user_id"`
	Name              string          `json:"name" db:"name"`
	InitialCapital    decimal.Decimal `json:"initial_capital" db:"initial_capital"`
	CashBalance       decimal.Decimal `json:"cash_balance" db:"cash_balance"`
	Status            StrategyStatus  `json:"status" db:"status"`
	StatusReason      string          `json:"status_reason,omitempty" db:"status_reason"`
	AutomationEnabled bool            `json:"automation_enabled" db:"automation_enabled"`
	LastAutomationRun *time.Time      `json:"last_automation_run,omitempty" db:"last_automation_run"`
	NextAutomationRun *time.Time      `json:"next_automation_run,omitempty" db:"next_automation_run"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at" db:"updated_at"`
}

// Position is one symbol's holding within a strategy. Weight fields are
// percentages (0–100). TargetWeightPct is nil for positions that were not
// part of the original allocation template.
type Position struct {
	StrategyID      string           `json:"strategy_id"`
	Symbol          string           `json:"symbol"`
	Quantity        decimal.Decimal  `json:"quantity"`
	AvgCost         decimal.Decimal  `json:"avg_cost"`
	CostBasis       decimal.Decimal  `json:"cost_basis"`
	LastPrice       decimal.Decimal  `json:"last_price"`
	LastValue       decimal.Decimal  `json:"last_value"`
	CurrentWeight   decimal.Decimal  `json:"current_weight"`
	TargetWeightPct *decimal.Decimal `json:"target_weight_pct,omitempty"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// HasPrice reports whether the position's last known price is usable.
func (p *Position) HasPrice() bool {
	return p.LastPrice.IsPositive()
}

// AutomationRule is one automation behavior attached to a strategy.
// Config holds the type-specific payload, decoded per RuleType at evaluation.
type AutomationRule struct {
	ID              string          `json:"id" db:"id"`
	StrategyID      string          `json:"strategy_id" db:"strategy_id"`
	Type            RuleType        `json:"type" db:"type"`
	Enabled         bool            `json:"enabled" db:"enabled"`
	Priority        int             `json:"priority" db:"priority"` // higher evaluated first
	Config          json.RawMessage `json:"config" db:"config"`
	LastTriggeredAt *time.Time      `json:"last_triggered_at,omitempty" db:"last_triggered_at"`
	TriggerCount    int             `json:"trigger_count" db:"trigger_count"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
}

// --- Typed rule configurations ---

// ScheduledRebalanceConfig configures a time-of-day rebalance rule.
// Time is "HH:MM" on the engine clock; the rule fires inside a 15-minute
// band starting at Time, at most once per Frequency period.
type ScheduledRebalanceConfig struct {
	Frequency string        `json:"frequency"` // "daily", "weekly", "monthly"
	Time      string        `json:"time"`      // "09:30"
	Action    RebalanceMode `json:"action"`
}

// ThresholdDeviationConfig fires when any position drifts too far from its
// target weight.
type ThresholdDeviationConfig struct {
	MaxDeviationPct decimal.Decimal `json:"max_deviation_pct"`
	RebalanceType   RebalanceMode   `json:"rebalance_type"`
}

// StopLossConfig closes the strategy when total return falls to or below
// TotalLossPct (a negative percentage).
type StopLossConfig struct {
	TotalLossPct decimal.Decimal `json:"total_loss_pct"`
}

// TakeProfitConfig closes the strategy when total return reaches TotalGainPct.
type TakeProfitConfig struct {
	TotalGainPct decimal.Decimal `json:"total_gain_pct"`
}

// AIOptimizeConfig configures the advisory-backed optimization rule.
type AIOptimizeConfig struct {
	FrequencyDays         int             `json:"frequency_days"`
	MinConfidenceScore    decimal.Decimal `json:"min_confidence_score"` // 0–1
	MaxTradesPerExecution int             `json:"max_trades_per_execution"`
	Instruction           string          `json:"instruction,omitempty"`
}

// PositionLimitConfig fires when any single position's weight exceeds
// MaxWeightPerPosition percent.
type PositionLimitConfig struct {
	MaxWeightPerPosition    decimal.Decimal `json:"max_weight_per_position"`
	AutoRebalanceOverweight bool            `json:"auto_rebalance_overweight"`
}

// TradeIntent is an ephemeral trade instruction, never persisted standalone.
// Exactly one of Quantity (SELL) or Amount (BUY) is populated — this is a
// hard contract, not a convenience.
type TradeIntent struct {
	Direction string          `json:"direction"` // BUY or SELL
	Symbol    string          `json:"symbol"`
	Quantity  decimal.Decimal `json:"quantity,omitempty"` // shares, SELL only
	Amount    decimal.Decimal `json:"amount,omitempty"`   // dollars, BUY only
	Price     decimal.Decimal `json:"price"`              // price used for the calculation
	Reason    string          `json:"reason"`
}

// Transaction is an immutable ledger row recording one executed trade.
type Transaction struct {
	ID         string          `json:"id" db:"id"`
	StrategyID string          `json:"strategy_id" db:"strategy_id"`
	RuleID     string          `json:"rule_id,omitempty" db:"rule_id"`
	Symbol     string          `json:"symbol" db:"symbol"`
	Direction  string          `json:"direction" db:"direction"`
	Quantity   decimal.Decimal `json:"quantity" db:"quantity"`
	Price      decimal.Decimal `json:"price" db:"price"`
	Amount     decimal.Decimal `json:"amount" db:"amount"` // quantity × price
	Reason     string          `json:"reason" db:"reason"`
	ExecutedAt time.Time       `json:"executed_at" db:"executed_at"`
}

// RebalanceSnapshot pairs the position sets before and after one executed
// trade batch with the transactions that produced the change.
type RebalanceSnapshot struct {
	ID             string     `json:"id" db:"id"`
	StrategyID     string     `json:"strategy_id" db:"strategy_id"`
	RuleID         string     `json:"rule_id" db:"rule_id"`
	Before         []Position `json:"before"`
	After          []Position `json:"after"`
	TransactionIDs []string   `json:"transaction_ids"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
}

// ExecutionLog is the immutable record of one rule firing's outcome.
// Skipped evaluations are not logged, only surfaced in the cycle summary.
type ExecutionLog struct {
	ID               string          `json:"id" db:"id"`
	StrategyID       string          `json:"strategy_id" db:"strategy_id"`
	RuleID           string          `json:"rule_id" db:"rule_id"`
	RuleType         RuleType        `json:"rule_type" db:"rule_type"`
	Action           Action          `json:"action" db:"action"`
	Success          bool            `json:"success" db:"success"`
	Error            string          `json:"error,omitempty" db:"error"`
	Trades           []TradeIntent   `json:"trades"`
	DroppedTrades    []string        `json:"dropped_trades,omitempty"` // trades refused by the executor, with reasons
	CapitalBefore    decimal.Decimal `json:"capital_before" db:"capital_before"`
	CapitalAfter     decimal.Decimal `json:"capital_after" db:"capital_after"`
	PositionsChanged int             `json:"positions_changed" db:"positions_changed"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
}

// ExecutionResult reports what the executor actually did for one decision.
type ExecutionResult struct {
	Action           Action          `json:"action"`
	Success          bool            `json:"success"`
	Error            string          `json:"error,omitempty"`
	ExecutedTrades   []TradeIntent   `json:"executed_trades"`
	DroppedTrades    []string        `json:"dropped_trades,omitempty"` // human-readable skip notes
	CapitalBefore    decimal.Decimal `json:"capital_before"`
	CapitalAfter     decimal.Decimal `json:"capital_after"`
	PositionsChanged int             `json:"positions_changed"`
}

// TradeBatch is the all-or-nothing ledger mutation for one rule firing.
// Either every part of the batch is applied or none of it is.
type TradeBatch struct {
	StrategyID   string
	RuleID       string
	Positions    []Position // resulting position set (upserts)
	Removed      []string   // symbols whose quantity reached zero
	Transactions []Transaction
	Snapshot     *RebalanceSnapshot
	NewCash      decimal.Decimal
	NewStatus    StrategyStatus // "" means unchanged
	StatusReason string
}

// Notification is a fire-and-forget message to the strategy's owner.
type Notification struct {
	Type       string    `json:"type"`
	Title      string    `json:"title"`
	Message    string    `json:"message"`
	Link       string    `json:"link,omitempty"`
	StrategyID string    `json:"strategy_id"`
	UserID     string    `json:"user_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// TotalValue sums quantity × last price over all positions.
func TotalValue(positions []Position) decimal.Decimal {
	total := decimal.Zero
	for _, p := range positions {
		total = total.Add(p.Quantity.Mul(p.LastPrice))
	}
	return total
}

// TotalReturnPct computes the strategy's total return percentage from its
// cash balance and current positions against initial capital.
func (s *Strategy) TotalReturnPct(positions []Position) decimal.Decimal {
	if !s.InitialCapital.IsPositive() {
		return decimal.Zero
	}
	current := s.CashBalance.Add(TotalValue(positions))
	return current.Sub(s.InitialCapital).
		Div(s.InitialCapital).
		Mul(decimal.NewFromInt(100))
}

// RecomputeWeights refreshes LastValue and CurrentWeight on every position
// from quantities and last prices. Weights are never left stale across a
// trade batch.
func RecomputeWeights(positions []Position) []Position {
	total := TotalValue(positions)
	hundred := decimal.NewFromInt(100)
	for i := range positions {
		positions[i].LastValue = positions[i].Quantity.Mul(positions[i].LastPrice)
		if total.IsPositive() {
			positions[i].CurrentWeight = positions[i].LastValue.Div(total).Mul(hundred).Round(4)
		} else {
			positions[i].CurrentWeight = decimal.Zero
		}
	}
	return positions
}
