package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/stratsim/automation-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision;
// rule configs, trade lists, and snapshot position sets are JSONB.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const strategyColumns = `id, user_id, name,
	initial_capital::TEXT, cash_balance::TEXT,
	status, COALESCE(status_reason, ''), automation_enabled,
	last_automation_run, next_automation_run, created_at, updated_at`

func scanStrategy(row pgx.Row) (*model.Strategy, error) {
	var st model.Strategy
	var initialCapital, cashBalance string

	err := row.Scan(&st.ID, &st.UserID, &st.Name,
		&initialCapital, &cashBalance,
		&st.Status, &st.StatusReason, &st.AutomationEnabled,
		&st.LastAutomationRun, &st.NextAutomationRun, &st.CreatedAt, &st.UpdatedAt)
	if err != nil {
		return nil, err
	}

	st.InitialCapital, _ = decimal.NewFromString(initialCapital)
	st.CashBalance, _ = decimal.NewFromString(cashBalance)
	return &st, nil
}

func (s *PostgresStore) ListDueStrategies(ctx context.Context, now time.Time) ([]model.Strategy, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+strategyColumns+`
		 FROM strategies
		 WHERE automation_enabled = TRUE
		   AND status = 'active'
		   AND (next_automation_run IS NULL OR next_automation_run <= $1)
		 ORDER BY id`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var strategies []model.Strategy
	for rows.Next() {
		st, err := scanStrategy(rows)
		if err != nil {
			return nil, err
		}
		strategies = append(strategies, *st)
	}
	return strategies, rows.Err()
}

func (s *PostgresStore) GetStrategy(ctx context.Context, id string) (*model.Strategy, error) {
	st, err := scanStrategy(s.pool.QueryRow(ctx,
		`SELECT `+strategyColumns+` FROM strategies WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: strategy %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get strategy %s: %w", id, err)
	}
	return st, nil
}

func (s *PostgresStore) UpdateStrategyRun(ctx context.Context, id string, lastRun, nextRun time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE strategies
		 SET last_automation_run = $2, next_automation_run = $3, updated_at = $2
		 WHERE id = $1`,
		id, lastRun, nextRun)
	return err
}

func (s *PostgresStore) ListRules(ctx context.Context, strategyID string) ([]model.AutomationRule, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, strategy_id, type, enabled, priority, config,
		        last_triggered_at, trigger_count, created_at
		 FROM automation_rules
		 WHERE strategy_id = $1
		 ORDER BY priority DESC, id`, strategyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []model.AutomationRule
	for rows.Next() {
		var r model.AutomationRule
		if err := rows.Scan(&r.ID, &r.StrategyID, &r.Type, &r.Enabled, &r.Priority,
			&r.Config, &r.LastTriggeredAt, &r.TriggerCount, &r.CreatedAt); err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func (s *PostgresStore) UpdateRuleTrigger(ctx context.Context, ruleID string, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE automation_rules
		 SET last_triggered_at = $2, trigger_count = trigger_count + 1
		 WHERE id = $1`,
		ruleID, at)
	return err
}

func (s *PostgresStore) GetPositions(ctx context.Context, strategyID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT strategy_id, symbol,
		        quantity::TEXT, avg_cost::TEXT, cost_basis::TEXT,
		        last_price::TEXT, last_value::TEXT, current_weight::TEXT,
		        target_weight_pct::TEXT, updated_at
		 FROM positions WHERE strategy_id = $1 ORDER BY symbol`, strategyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		var p model.Position
		var quantity, avgCost, costBasis, lastPrice, lastValue, weight string
		var targetWeight *string

		if err := rows.Scan(&p.StrategyID, &p.Symbol,
			&quantity, &avgCost, &costBasis,
			&lastPrice, &lastValue, &weight,
			&targetWeight, &p.UpdatedAt); err != nil {
			return nil, err
		}

		p.Quantity, _ = decimal.NewFromString(quantity)
		p.AvgCost, _ = decimal.NewFromString(avgCost)
		p.CostBasis, _ = decimal.NewFromString(costBasis)
		p.LastPrice, _ = decimal.NewFromString(lastPrice)
		p.LastValue, _ = decimal.NewFromString(lastValue)
		p.CurrentWeight, _ = decimal.NewFromString(weight)
		if targetWeight != nil {
			tw, _ := decimal.NewFromString(*targetWeight)
			p.TargetWeightPct = &tw
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) UpdatePositionPrices(ctx context.Context, strategyID string, positions []model.Position) error {
	batch := &pgx.Batch{}
	for _, p := range positions {
		batch.Queue(
			`UPDATE positions
			 SET last_price = $3::NUMERIC, last_value = $4::NUMERIC,
			     current_weight = $5::NUMERIC, updated_at = $6
			 WHERE strategy_id = $1 AND symbol = $2`,
			strategyID, p.Symbol,
			p.LastPrice.String(), p.LastValue.String(),
			p.CurrentWeight.String(), p.UpdatedAt)
	}
	return s.pool.SendBatch(ctx, batch).Close()
}

// ApplyTradeBatch applies one rule firing's ledger mutation inside a single
// transaction. Either everything commits or nothing does.
func (s *PostgresStore) ApplyTradeBatch(ctx context.Context, batch *model.TradeBatch) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin trade batch: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, p := range batch.Positions {
		var targetWeight *string
		if p.TargetWeightPct != nil {
			t := p.TargetWeightPct.String()
			targetWeight = &t
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO positions
			   (strategy_id, symbol, quantity, avg_cost, cost_basis,
			    last_price, last_value, current_weight, target_weight_pct, updated_at)
			 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC,
			         $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10)
			 ON CONFLICT (strategy_id, symbol) DO UPDATE SET
			   quantity = EXCLUDED.quantity,
			   avg_cost = EXCLUDED.avg_cost,
			   cost_basis = EXCLUDED.cost_basis,
			   last_price = EXCLUDED.last_price,
			   last_value = EXCLUDED.last_value,
			   current_weight = EXCLUDED.current_weight,
			   updated_at = EXCLUDED.updated_at`,
			p.StrategyID, p.Symbol,
			p.Quantity.String(), p.AvgCost.String(), p.CostBasis.String(),
			p.LastPrice.String(), p.LastValue.String(), p.CurrentWeight.String(),
			targetWeight, p.UpdatedAt)
		if err != nil {
			return fmt.Errorf("upsert position %s: %w", p.Symbol, err)
		}
	}

	for _, symbol := range batch.Removed {
		if _, err := tx.Exec(ctx,
			`DELETE FROM positions WHERE strategy_id = $1 AND symbol = $2`,
			batch.StrategyID, symbol); err != nil {
			return fmt.Errorf("remove position %s: %w", symbol, err)
		}
	}

	for _, t := range batch.Transactions {
		_, err := tx.Exec(ctx,
			`INSERT INTO transactions
			   (id, strategy_id, rule_id, symbol, direction, quantity, price, amount, reason, executed_at)
			 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9, $10)`,
			t.ID, t.StrategyID, t.RuleID, t.Symbol, t.Direction,
			t.Quantity.String(), t.Price.String(), t.Amount.String(),
			t.Reason, t.ExecutedAt)
		if err != nil {
			return fmt.Errorf("insert transaction: %w", err)
		}
	}

	if batch.Snapshot != nil {
		before, err := json.Marshal(batch.Snapshot.Before)
		if err != nil {
			return err
		}
		after, err := json.Marshal(batch.Snapshot.After)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO rebalance_snapshots
			   (id, strategy_id, rule_id, positions_before, positions_after, transaction_ids, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			batch.Snapshot.ID, batch.Snapshot.StrategyID, batch.Snapshot.RuleID,
			before, after, batch.Snapshot.TransactionIDs, batch.Snapshot.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert snapshot: %w", err)
		}
	}

	if batch.NewStatus != "" {
		_, err = tx.Exec(ctx,
			`UPDATE strategies
			 SET cash_balance = $2::NUMERIC, status = $3, status_reason = $4, updated_at = NOW()
			 WHERE id = $1`,
			batch.StrategyID, batch.NewCash.String(), batch.NewStatus, batch.StatusReason)
	} else {
		_, err = tx.Exec(ctx,
			`UPDATE strategies
			 SET cash_balance = $2::NUMERIC, updated_at = NOW()
			 WHERE id = $1`,
			batch.StrategyID, batch.NewCash.String())
	}
	if err != nil {
		return fmt.Errorf("update strategy balance: %w", err)
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) InsertExecutionLog(ctx context.Context, log *model.ExecutionLog) error {
	trades, err := json.Marshal(log.Trades)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO execution_logs
		   (id, strategy_id, rule_id, rule_type, action, success, error, trades, dropped_trades,
		    capital_before, capital_after, positions_changed, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::NUMERIC, $11::NUMERIC, $12, $13)`,
		log.ID, log.StrategyID, log.RuleID, log.RuleType, log.Action,
		log.Success, log.Error, trades, log.DroppedTrades,
		log.CapitalBefore.String(), log.CapitalAfter.String(),
		log.PositionsChanged, log.CreatedAt)
	return err
}

func (s *PostgresStore) ListExecutionLogs(ctx context.Context, strategyID string) ([]model.ExecutionLog, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, strategy_id, rule_id, rule_type, action, success, COALESCE(error, ''),
		        trades, dropped_trades, capital_before::TEXT, capital_after::TEXT,
		        positions_changed, created_at
		 FROM execution_logs
		 WHERE strategy_id = $1
		 ORDER BY created_at DESC`, strategyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []model.ExecutionLog
	for rows.Next() {
		var l model.ExecutionLog
		var trades []byte
		var capitalBefore, capitalAfter string

		if err := rows.Scan(&l.ID, &l.StrategyID, &l.RuleID, &l.RuleType, &l.Action,
			&l.Success, &l.Error, &trades, &l.DroppedTrades,
			&capitalBefore, &capitalAfter, &l.PositionsChanged, &l.CreatedAt); err != nil {
			return nil, err
		}

		if len(trades) > 0 {
			if err := json.Unmarshal(trades, &l.Trades); err != nil {
				return nil, fmt.Errorf("decode trades for log %s: %w", l.ID, err)
			}
		}
		l.CapitalBefore, _ = decimal.NewFromString(capitalBefore)
		l.CapitalAfter, _ = decimal.NewFromString(capitalAfter)
		logs = append(logs, l)
	}
	return logs, rows.Err()
}
