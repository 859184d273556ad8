// Package store defines the persistence interface for the automation engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and development).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/stratsim/automation-engine/internal/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Strategy selection and bookkeeping ---

	// ListDueStrategies returns active, automation-enabled strategies whose
	// next automation run is at or before now (or unset).
	ListDueStrategies(ctx context.Context, now time.Time) ([]model.Strategy, error)

	// GetStrategy retrieves a strategy by ID.
	GetStrategy(ctx context.Context, id string) (*model.Strategy, error)

	// UpdateStrategyRun persists the automation run bookkeeping fields.
	UpdateStrategyRun(ctx context.Context, id string, lastRun, nextRun time.Time) error

	// --- Rules ---

	// ListRules returns all automation rules for a strategy.
	ListRules(ctx context.Context, strategyID string) ([]model.AutomationRule, error)

	// UpdateRuleTrigger records a rule firing: sets last-triggered and
	// increments the trigger count.
	UpdateRuleTrigger(ctx context.Context, ruleID string, at time.Time) error

	// --- Positions ---

	// GetPositions returns all positions for a strategy.
	GetPositions(ctx context.Context, strategyID string) ([]model.Position, error)

	// UpdatePositionPrices persists refreshed prices, values, and weights.
	UpdatePositionPrices(ctx context.Context, strategyID string, positions []model.Position) error

	// --- Ledger mutation ---

	// ApplyTradeBatch applies one rule firing's ledger mutation atomically:
	// position upserts and removals, transaction appends, the rebalance
	// snapshot, the new cash balance, and an optional status transition.
	// Either the whole batch is applied or none of it.
	ApplyTradeBatch(ctx context.Context, batch *model.TradeBatch) error

	// --- Execution logs ---

	// InsertExecutionLog appends an immutable execution record.
	InsertExecutionLog(ctx context.Context, log *model.ExecutionLog) error

	// ListExecutionLogs returns execution logs for a strategy, newest first.
	ListExecutionLogs(ctx context.Context, strategyID string) ([]model.ExecutionLog, error)
}
