// Package rules decides whether an automation rule should fire for a
// strategy right now, and if so with which action and trade set.
//
// Rule behavior is a closed set dispatched through a single evaluation
// function; each variant carries its own typed configuration decoded from
// the rule's JSON payload.
package rules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stratsim/automation-engine/internal/advisor"
	"github.com/stratsim/automation-engine/internal/model"
	"github.com/stratsim/automation-engine/internal/quote"
	"github.com/stratsim/automation-engine/internal/rebalance"
)

var (
	// ErrUnknownRuleType is returned for a rule type outside the closed set.
	ErrUnknownRuleType = errors.New("rules: unknown rule type")

	// ErrBadConfig is returned when a rule's config payload cannot be
	// decoded for its type.
	ErrBadConfig = errors.New("rules: invalid rule configuration")
)

// Decision is the outcome of evaluating one rule against one strategy.
type Decision struct {
	ShouldExecute bool
	Action        model.Action
	Reason        string
	Trades        []model.TradeIntent
}

func skip(reason string) *Decision {
	return &Decision{ShouldExecute: false, Reason: reason}
}

// Evaluator evaluates automation rules. The advisor may be nil, in which
// case ai-auto-optimize rules never fire.
type Evaluator struct {
	oracle      quote.Oracle
	advisor     advisor.Advisor
	cyclePeriod time.Duration
}

// NewEvaluator creates an Evaluator.
func NewEvaluator(oracle quote.Oracle, adv advisor.Advisor, cyclePeriod time.Duration) *Evaluator {
	return &Evaluator{oracle: oracle, advisor: adv, cyclePeriod: cyclePeriod}
}

func decodeConfig(rule *model.AutomationRule, dst any) error {
	if len(rule.Config) == 0 {
		return fmt.Errorf("%w: rule %s has no config", ErrBadConfig, rule.ID)
	}
	if err := json.Unmarshal(rule.Config, dst); err != nil {
		return fmt.Errorf("%w: rule %s: %v", ErrBadConfig, rule.ID, err)
	}
	return nil
}

// Evaluate decides whether rule should fire for strategy at now.
//
// A returned error means the evaluation itself failed (bad config, unbalanced
// trade plan) and is recorded as a failed execution. Advisory-service
// failures are not errors: they yield a non-executing decision with the
// failure reason.
func (e *Evaluator) Evaluate(ctx context.Context, now time.Time, strategy *model.Strategy, rule *model.AutomationRule, positions []model.Position) (*Decision, error) {
	if !rule.Enabled {
		return skip("rule disabled"), nil
	}

	switch rule.Type {
	case model.RuleScheduledRebalance:
		return e.evalScheduledRebalance(now, strategy, rule, positions)
	case model.RuleThresholdDeviation:
		return e.evalThresholdDeviation(rule, positions)
	case model.RuleStopLoss:
		return e.evalStopLoss(strategy, rule, positions)
	case model.RuleTakeProfit:
		return e.evalTakeProfit(strategy, rule, positions)
	case model.RuleAIAutoOptimize:
		return e.evalAIOptimize(ctx, now, strategy, rule, positions)
	case model.RulePositionLimit:
		return e.evalPositionLimit(rule, positions)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownRuleType, rule.Type)
	}
}

func (e *Evaluator) evalScheduledRebalance(now time.Time, strategy *model.Strategy, rule *model.AutomationRule, positions []model.Position) (*Decision, error) {
	var cfg model.ScheduledRebalanceConfig
	if err := decodeConfig(rule, &cfg); err != nil {
		return nil, err
	}
	hour, minute, err := parseClock(cfg.Time)
	if err != nil {
		return nil, fmt.Errorf("%w: rule %s: %v", ErrBadConfig, rule.ID, err)
	}

	if !inWindow(now, hour, minute) {
		return skip(fmt.Sprintf("outside %s execution window", cfg.Time)), nil
	}
	if ranThisPeriod(strategy.LastAutomationRun, now, cfg.Frequency, hour, minute) {
		return skip(fmt.Sprintf("already ran this %s period", cfg.Frequency)), nil
	}

	trades, err := rebalance.Generate(positions, cfg.Action)
	if err != nil {
		return nil, err
	}
	if len(trades) == 0 {
		return skip("already balanced"), nil
	}
	return &Decision{
		ShouldExecute: true,
		Action:        actionForMode(cfg.Action),
		Reason:        fmt.Sprintf("%s scheduled rebalance at %s", cfg.Frequency, cfg.Time),
		Trades:        trades,
	}, nil
}

func (e *Evaluator) evalThresholdDeviation(rule *model.AutomationRule, positions []model.Position) (*Decision, error) {
	var cfg model.ThresholdDeviationConfig
	if err := decodeConfig(rule, &cfg); err != nil {
		return nil, err
	}

	maxDeviation := decimal.Zero
	worst := ""
	for _, p := range positions {
		if p.TargetWeightPct == nil {
			continue
		}
		deviation := p.CurrentWeight.Sub(*p.TargetWeightPct).Abs()
		if deviation.GreaterThan(maxDeviation) {
			maxDeviation = deviation
			worst = p.Symbol
		}
	}

	if !maxDeviation.GreaterThan(cfg.MaxDeviationPct) {
		return skip(fmt.Sprintf("max deviation %s%% within %s%% threshold",
			maxDeviation.Round(2), cfg.MaxDeviationPct)), nil
	}

	trades, err := rebalance.Generate(positions, cfg.RebalanceType)
	if err != nil {
		return nil, err
	}
	if len(trades) == 0 {
		return skip("already balanced"), nil
	}
	return &Decision{
		ShouldExecute: true,
		Action:        actionForMode(cfg.RebalanceType),
		Reason: fmt.Sprintf("%s deviates %s%% from target (threshold %s%%)",
			worst, maxDeviation.Round(2), cfg.MaxDeviationPct),
		Trades: trades,
	}, nil
}

func (e *Evaluator) evalStopLoss(strategy *model.Strategy, rule *model.AutomationRule, positions []model.Position) (*Decision, error) {
	var cfg model.StopLossConfig
	if err := decodeConfig(rule, &cfg); err != nil {
		return nil, err
	}

	returnPct := strategy.TotalReturnPct(positions)
	// Inclusive boundary: a return exactly at the threshold fires.
	if returnPct.GreaterThan(cfg.TotalLossPct) {
		return skip(fmt.Sprintf("return %s%% above stop-loss %s%%",
			returnPct.Round(2), cfg.TotalLossPct)), nil
	}
	return &Decision{
		ShouldExecute: true,
		Action:        model.ActionCloseStrategy,
		Reason: fmt.Sprintf("stop-loss triggered: return %s%% <= %s%%",
			returnPct.Round(2), cfg.TotalLossPct),
		Trades: rebalance.CloseAll(positions),
	}, nil
}

func (e *Evaluator) evalTakeProfit(strategy *model.Strategy, rule *model.AutomationRule, positions []model.Position) (*Decision, error) {
	var cfg model.TakeProfitConfig
	if err := decodeConfig(rule, &cfg); err != nil {
		return nil, err
	}

	returnPct := strategy.TotalReturnPct(positions)
	if returnPct.LessThan(cfg.TotalGainPct) {
		return skip(fmt.Sprintf("return %s%% below take-profit %s%%",
			returnPct.Round(2), cfg.TotalGainPct)), nil
	}
	return &Decision{
		ShouldExecute: true,
		Action:        model.ActionCloseStrategy,
		Reason: fmt.Sprintf("take-profit triggered: return %s%% >= %s%%",
			returnPct.Round(2), cfg.TotalGainPct),
		Trades: rebalance.CloseAll(positions),
	}, nil
}

func (e *Evaluator) evalAIOptimize(ctx context.Context, now time.Time, strategy *model.Strategy, rule *model.AutomationRule, positions []model.Position) (*Decision, error) {
	var cfg model.AIOptimizeConfig
	if err := decodeConfig(rule, &cfg); err != nil {
		return nil, err
	}

	if rule.LastTriggeredAt != nil && cfg.FrequencyDays > 0 {
		daysSince := now.Sub(*rule.LastTriggeredAt).Hours() / 24
		if daysSince < float64(cfg.FrequencyDays) {
			return skip(fmt.Sprintf("optimized %.1f days ago, frequency is %d days",
				daysSince, cfg.FrequencyDays)), nil
		}
	}

	if e.advisor == nil {
		return skip("advisory service not configured"), nil
	}

	proposal, err := e.advisor.Propose(ctx, &advisor.ProposalRequest{
		StrategyID:  strategy.ID,
		Instruction: cfg.Instruction,
		Positions:   positions,
	})
	if err != nil {
		// Advisory failure is "not fired this cycle", never fatal.
		slog.Warn("advisor proposal failed", "strategy", strategy.ID, "err", err)
		return skip(fmt.Sprintf("advisory service failed: %v", err)), nil
	}

	if proposal.Confidence.LessThan(cfg.MinConfidenceScore) {
		return skip(fmt.Sprintf("advisor confidence %s below minimum %s",
			proposal.Confidence, cfg.MinConfidenceScore)), nil
	}

	trades := proposal.Trades
	if cfg.MaxTradesPerExecution > 0 && len(trades) > cfg.MaxTradesPerExecution {
		trades = trades[:cfg.MaxTradesPerExecution]
	}

	trades, dropped := e.repriceAdvisorTrades(ctx, trades, positions)
	if len(trades) == 0 {
		return skip(fmt.Sprintf("no valid trades in advisor proposal (%d rejected)", dropped)), nil
	}

	reason := proposal.Explanation
	if reason == "" {
		reason = "advisor-recommended optimization"
	}
	return &Decision{
		ShouldExecute: true,
		Action:        model.ActionAIOptimize,
		Reason:        reason,
		Trades:        trades,
	}, nil
}

// repriceAdvisorTrades validates untrusted advisor trades: each must follow
// the BUY-amount / SELL-quantity contract and gets its price replaced with a
// freshly resolved quote. Trades that fail validation are dropped.
func (e *Evaluator) repriceAdvisorTrades(ctx context.Context, trades []model.TradeIntent, positions []model.Position) ([]model.TradeIntent, int) {
	symbols := make([]string, 0, len(trades))
	for _, t := range trades {
		symbols = append(symbols, t.Symbol)
	}
	prices, err := e.oracle.Quote(ctx, symbols)
	if err != nil {
		slog.Warn("repricing advisor trades failed", "err", err)
		prices = nil
	}

	owned := make(map[string]decimal.Decimal, len(positions))
	for _, p := range positions {
		owned[p.Symbol] = p.Quantity
	}

	var valid []model.TradeIntent
	dropped := 0
	for _, t := range trades {
		price, ok := prices[t.Symbol]
		if !ok || !price.IsPositive() {
			dropped++
			continue
		}
		switch t.Direction {
		case model.DirectionBuy:
			if !t.Amount.IsPositive() {
				dropped++
				continue
			}
			t.Quantity = decimal.Zero
		case model.DirectionSell:
			if !t.Quantity.IsPositive() {
				dropped++
				continue
			}
			if _, held := owned[t.Symbol]; !held {
				dropped++
				continue
			}
			t.Amount = decimal.Zero
		default:
			dropped++
			continue
		}
		t.Price = price
		if t.Reason == "" {
			t.Reason = "advisor recommendation"
		}
		valid = append(valid, t)
	}
	return valid, dropped
}

func (e *Evaluator) evalPositionLimit(rule *model.AutomationRule, positions []model.Position) (*Decision, error) {
	var cfg model.PositionLimitConfig
	if err := decodeConfig(rule, &cfg); err != nil {
		return nil, err
	}

	overweight := ""
	weight := decimal.Zero
	for _, p := range positions {
		if p.CurrentWeight.GreaterThan(cfg.MaxWeightPerPosition) && p.CurrentWeight.GreaterThan(weight) {
			overweight = p.Symbol
			weight = p.CurrentWeight
		}
	}
	if overweight == "" {
		return skip(fmt.Sprintf("all positions within %s%% weight limit",
			cfg.MaxWeightPerPosition)), nil
	}

	reason := fmt.Sprintf("%s at %s%% exceeds %s%% position limit",
		overweight, weight.Round(2), cfg.MaxWeightPerPosition)

	if !cfg.AutoRebalanceOverweight {
		return &Decision{
			ShouldExecute: true,
			Action:        model.ActionNotifyOnly,
			Reason:        reason,
		}, nil
	}

	trades, err := rebalance.Generate(positions, model.ModeTargetWeight)
	if err != nil {
		return nil, err
	}
	if len(trades) == 0 {
		return skip("already balanced"), nil
	}
	return &Decision{
		ShouldExecute: true,
		Action:        model.ActionRebalanceToTarget,
		Reason:        reason,
		Trades:        trades,
	}, nil
}

func actionForMode(mode model.RebalanceMode) model.Action {
	if mode == model.ModeEqualWeight {
		return model.ActionRebalanceEqual
	}
	return model.ActionRebalanceToTarget
}
