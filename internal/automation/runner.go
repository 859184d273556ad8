// Package automation drives the periodic rule cycle: it selects due
// strategies, refreshes prices, evaluates each enabled rule in priority
// order, executes positive decisions, and persists run bookkeeping.
package automation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/stratsim/automation-engine/internal/executor"
	"github.com/stratsim/automation-engine/internal/metrics"
	"github.com/stratsim/automation-engine/internal/model"
	"github.com/stratsim/automation-engine/internal/quote"
	"github.com/stratsim/automation-engine/internal/rules"
	"github.com/stratsim/automation-engine/internal/store"
)

// RuleOutcome is one rule evaluation's entry in the cycle summary.
type RuleOutcome struct {
	StrategyID string                 `json:"strategy_id"`
	RuleID     string                 `json:"rule_id,omitempty"`
	RuleType   model.RuleType         `json:"rule_type,omitempty"`
	Fired      bool                   `json:"fired"`
	SkipReason string                 `json:"skip_reason,omitempty"`
	Result     *model.ExecutionResult `json:"result,omitempty"`
	Error      string                 `json:"error,omitempty"`
}

// CycleSummary reports one automation cycle across all due strategies.
// Skip reasons live only here; they are never persisted.
type CycleSummary struct {
	StartedAt         time.Time     `json:"started_at"`
	StrategiesChecked int           `json:"strategies_checked"`
	Outcomes          []RuleOutcome `json:"outcomes"`
	ElapsedMS         int64         `json:"elapsed_ms"`
	Error             string        `json:"error,omitempty"`
}

// Runner orchestrates automation cycles. It is stateless between cycles;
// the nextAutomationRun gate in the store makes overlapping invocations
// naturally idempotent.
type Runner struct {
	store        store.Store
	oracle       quote.Oracle
	evaluator    *rules.Evaluator
	executor     *executor.Executor
	sink         Sink
	cyclePeriod  time.Duration
	quoteTimeout time.Duration
	now          func() time.Time
}

// NewRunner creates a Runner. A nil sink falls back to LogSink.
func NewRunner(st store.Store, oracle quote.Oracle, eval *rules.Evaluator, exec *executor.Executor, sink Sink, cyclePeriod time.Duration) *Runner {
	if sink == nil {
		sink = LogSink{}
	}
	if cyclePeriod <= 0 {
		cyclePeriod = 15 * time.Minute
	}
	return &Runner{
		store:        st,
		oracle:       oracle,
		evaluator:    eval,
		executor:     exec,
		sink:         sink,
		cyclePeriod:  cyclePeriod,
		quoteTimeout: 10 * time.Second,
		now:          time.Now,
	}
}

// SetClock overrides the runner's clock. Tests only.
func (r *Runner) SetClock(now func() time.Time) { r.now = now }

// RunCycle executes one automation cycle. A single strategy's failure is
// recorded and the batch continues; only the initial strategy selection is
// fatal, and even then partial results are returned.
func (r *Runner) RunCycle(ctx context.Context) *CycleSummary {
	now := r.now()
	start := time.Now()
	summary := &CycleSummary{StartedAt: now}

	defer func() {
		summary.ElapsedMS = time.Since(start).Milliseconds()
		metrics.CycleDuration.Observe(time.Since(start).Seconds())
		status := "ok"
		if summary.Error != "" {
			status = "error"
		}
		metrics.CyclesTotal.WithLabelValues(status).Inc()
	}()

	strategies, err := r.store.ListDueStrategies(ctx, now)
	if err != nil {
		summary.Error = fmt.Sprintf("strategy selection failed: %v", err)
		slog.Error("automation cycle aborted", "err", err)
		return summary
	}

	summary.StrategiesChecked = len(strategies)
	metrics.StrategiesChecked.Add(float64(len(strategies)))
	slog.Info("automation cycle started", "due_strategies", len(strategies))

	for i := range strategies {
		r.runStrategy(ctx, now, &strategies[i], summary)
	}

	slog.Info("automation cycle finished",
		"strategies", summary.StrategiesChecked,
		"outcomes", len(summary.Outcomes),
		"elapsed", time.Since(start))
	return summary
}

// runStrategy evaluates all enabled rules of one strategy. Panics and errors
// are contained here so one bad strategy never takes down the batch.
func (r *Runner) runStrategy(ctx context.Context, now time.Time, strategy *model.Strategy, summary *CycleSummary) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("strategy evaluation panicked", "strategy", strategy.ID, "panic", rec)
			summary.Outcomes = append(summary.Outcomes, RuleOutcome{
				StrategyID: strategy.ID,
				Error:      fmt.Sprintf("panic: %v", rec),
			})
		}
	}()

	positions, err := r.store.GetPositions(ctx, strategy.ID)
	if err != nil {
		summary.Outcomes = append(summary.Outcomes, RuleOutcome{
			StrategyID: strategy.ID,
			Error:      fmt.Sprintf("loading positions failed: %v", err),
		})
		return
	}
	positions = r.refreshPrices(ctx, now, strategy.ID, positions)

	ruleList, err := r.store.ListRules(ctx, strategy.ID)
	if err != nil {
		summary.Outcomes = append(summary.Outcomes, RuleOutcome{
			StrategyID: strategy.ID,
			Error:      fmt.Sprintf("loading rules failed: %v", err),
		})
		return
	}

	var enabled []model.AutomationRule
	for _, rule := range ruleList {
		if rule.Enabled {
			enabled = append(enabled, rule)
		}
	}
	// Higher priority first; rule ID breaks ties for a stable order.
	sort.SliceStable(enabled, func(i, j int) bool {
		if enabled[i].Priority != enabled[j].Priority {
			return enabled[i].Priority > enabled[j].Priority
		}
		return enabled[i].ID < enabled[j].ID
	})

	for i := range enabled {
		rule := &enabled[i]
		outcome := r.runRule(ctx, now, strategy, rule, positions)
		summary.Outcomes = append(summary.Outcomes, outcome)

		// A firing mutated the ledger; later rules evaluate the new state.
		if outcome.Fired && outcome.Result != nil && outcome.Result.Success {
			if fresh, err := r.store.GetStrategy(ctx, strategy.ID); err == nil {
				strategy = fresh
			}
			if fresh, err := r.store.GetPositions(ctx, strategy.ID); err == nil {
				positions = fresh
			}
		}
	}

	nextRun := r.nextRun(now, enabled)
	if err := r.store.UpdateStrategyRun(ctx, strategy.ID, now, nextRun); err != nil {
		slog.Error("persisting run bookkeeping failed", "strategy", strategy.ID, "err", err)
		summary.Outcomes = append(summary.Outcomes, RuleOutcome{
			StrategyID: strategy.ID,
			Error:      fmt.Sprintf("persisting run bookkeeping failed: %v", err),
		})
	}
}

// runRule evaluates one rule and executes a positive decision.
func (r *Runner) runRule(ctx context.Context, now time.Time, strategy *model.Strategy, rule *model.AutomationRule, positions []model.Position) RuleOutcome {
	outcome := RuleOutcome{
		StrategyID: strategy.ID,
		RuleID:     rule.ID,
		RuleType:   rule.Type,
	}
	metrics.RulesEvaluated.WithLabelValues(string(rule.Type)).Inc()

	decision, err := r.evaluator.Evaluate(ctx, now, strategy, rule, positions)
	if err != nil {
		// Evaluation failures (bad config, unbalanced plan) are recorded as
		// failed executions; the next cycle's re-evaluation is the retry.
		outcome.Error = err.Error()
		r.persistLog(ctx, now, strategy, rule, "", false, err.Error(), nil, nil)
		metrics.ExecutionsFailed.WithLabelValues(string(rule.Type)).Inc()
		r.notifyFailure(strategy, rule, err.Error())
		return outcome
	}

	if !decision.ShouldExecute {
		outcome.SkipReason = decision.Reason
		return outcome
	}

	outcome.Fired = true
	metrics.RulesFired.WithLabelValues(string(rule.Type)).Inc()
	slog.Info("rule fired",
		"strategy", strategy.ID,
		"rule", rule.ID,
		"type", rule.Type,
		"action", decision.Action,
		"trades", len(decision.Trades),
		"reason", decision.Reason)

	result := r.executor.Execute(ctx, now, strategy, rule, positions, decision)
	outcome.Result = result

	r.persistLog(ctx, now, strategy, rule, result.Action, result.Success, result.Error, result.ExecutedTrades, result)

	if result.Success {
		if err := r.store.UpdateRuleTrigger(ctx, rule.ID, now); err != nil {
			slog.Error("updating rule trigger failed", "rule", rule.ID, "err", err)
		}
		r.notifySuccess(strategy, rule, decision, result)
	} else {
		r.notifyFailure(strategy, rule, result.Error)
	}
	return outcome
}

// refreshPrices updates position prices best-effort. A symbol whose quote
// fails keeps its stale price for this cycle; it is never zeroed or dropped.
func (r *Runner) refreshPrices(ctx context.Context, now time.Time, strategyID string, positions []model.Position) []model.Position {
	if len(positions) == 0 {
		return positions
	}

	symbols := make([]string, 0, len(positions))
	for _, p := range positions {
		symbols = append(symbols, p.Symbol)
	}

	quoteCtx, cancel := context.WithTimeout(ctx, r.quoteTimeout)
	defer cancel()

	prices, err := r.oracle.Quote(quoteCtx, symbols)
	if err != nil {
		slog.Warn("price refresh failed, using stale prices", "strategy", strategyID, "err", err)
		return positions
	}

	for i := range positions {
		if price, ok := prices[positions[i].Symbol]; ok && price.IsPositive() {
			positions[i].LastPrice = price
			positions[i].UpdatedAt = now
		} else {
			slog.Warn("no quote for symbol, price left stale",
				"strategy", strategyID, "symbol", positions[i].Symbol)
		}
	}
	positions = model.RecomputeWeights(positions)

	if err := r.store.UpdatePositionPrices(ctx, strategyID, positions); err != nil {
		slog.Warn("persisting refreshed prices failed", "strategy", strategyID, "err", err)
	}
	return positions
}

// nextRun computes the earliest next-eligible instant across enabled rules.
func (r *Runner) nextRun(now time.Time, enabled []model.AutomationRule) time.Time {
	if len(enabled) == 0 {
		return now.Add(r.cyclePeriod)
	}

	earliest := time.Time{}
	for i := range enabled {
		eligible := rules.NextEligible(&enabled[i], now, r.cyclePeriod)
		if earliest.IsZero() || eligible.Before(earliest) {
			earliest = eligible
		}
	}
	return earliest
}

func (r *Runner) persistLog(ctx context.Context, now time.Time, strategy *model.Strategy, rule *model.AutomationRule, action model.Action, success bool, errMsg string, trades []model.TradeIntent, result *model.ExecutionResult) {
	log := &model.ExecutionLog{
		ID:         uuid.New().String(),
		StrategyID: strategy.ID,
		RuleID:     rule.ID,
		RuleType:   rule.Type,
		Action:     action,
		Success:    success,
		Error:      errMsg,
		Trades:     trades,
		CreatedAt:  now,
	}
	if result != nil {
		log.CapitalBefore = result.CapitalBefore
		log.CapitalAfter = result.CapitalAfter
		log.PositionsChanged = result.PositionsChanged
		log.DroppedTrades = result.DroppedTrades
	}
	if err := r.store.InsertExecutionLog(ctx, log); err != nil {
		slog.Error("persisting execution log failed",
			"strategy", strategy.ID, "rule", rule.ID, "err", err)
	}
}

func (r *Runner) notifySuccess(strategy *model.Strategy, rule *model.AutomationRule, decision *rules.Decision, result *model.ExecutionResult) {
	r.sink.Send(model.Notification{
		Type:  "automation_executed",
		Title: fmt.Sprintf("%s rule executed", rule.Type),
		Message: fmt.Sprintf("%s: %d trade(s), capital $%s -> $%s",
			decision.Reason, len(result.ExecutedTrades),
			result.CapitalBefore.Round(2), result.CapitalAfter.Round(2)),
		Link:       "/strategies/" + strategy.ID,
		StrategyID: strategy.ID,
		UserID:     strategy.UserID,
		CreatedAt:  r.now(),
	})
}

func (r *Runner) notifyFailure(strategy *model.Strategy, rule *model.AutomationRule, reason string) {
	r.sink.Send(model.Notification{
		Type:       "automation_failed",
		Title:      fmt.Sprintf("%s rule failed", rule.Type),
		Message:    reason,
		Link:       "/strategies/" + strategy.ID,
		StrategyID: strategy.ID,
		UserID:     strategy.UserID,
		CreatedAt:  r.now(),
	})
}
