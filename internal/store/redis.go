package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stratsim/automation-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for the hot per-cycle reads (strategy, positions). Writes go to the
// primary store and invalidate the cache.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetStrategy(ctx context.Context, id string) (*model.Strategy, error) {
	data, err := s.rdb.Get(ctx, strategyKey(id)).Bytes()
	if err == nil {
		var st model.Strategy
		if json.Unmarshal(data, &st) == nil {
			return &st, nil
		}
	}

	st, err := s.primary.GetStrategy(ctx, id)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(st); err == nil {
		s.rdb.Set(ctx, strategyKey(id), data, s.ttl)
	}
	return st, nil
}

func (s *CachedStore) GetPositions(ctx context.Context, strategyID string) ([]model.Position, error) {
	data, err := s.rdb.Get(ctx, positionsKey(strategyID)).Bytes()
	if err == nil {
		var positions []model.Position
		if json.Unmarshal(data, &positions) == nil {
			return positions, nil
		}
	}

	positions, err := s.primary.GetPositions(ctx, strategyID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(positions); err == nil {
		s.rdb.Set(ctx, positionsKey(strategyID), data, s.ttl)
	}
	return positions, nil
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) UpdateStrategyRun(ctx context.Context, id string, lastRun, nextRun time.Time) error {
	if err := s.primary.UpdateStrategyRun(ctx, id, lastRun, nextRun); err != nil {
		return err
	}
	s.rdb.Del(ctx, strategyKey(id))
	return nil
}

func (s *CachedStore) UpdatePositionPrices(ctx context.Context, strategyID string, positions []model.Position) error {
	if err := s.primary.UpdatePositionPrices(ctx, strategyID, positions); err != nil {
		return err
	}
	s.rdb.Del(ctx, positionsKey(strategyID))
	return nil
}

func (s *CachedStore) ApplyTradeBatch(ctx context.Context, batch *model.TradeBatch) error {
	if err := s.primary.ApplyTradeBatch(ctx, batch); err != nil {
		return err
	}
	s.rdb.Del(ctx, strategyKey(batch.StrategyID), positionsKey(batch.StrategyID))
	return nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListDueStrategies(ctx context.Context, now time.Time) ([]model.Strategy, error) {
	return s.primary.ListDueStrategies(ctx, now)
}

func (s *CachedStore) ListRules(ctx context.Context, strategyID string) ([]model.AutomationRule, error) {
	return s.primary.ListRules(ctx, strategyID)
}

func (s *CachedStore) UpdateRuleTrigger(ctx context.Context, ruleID string, at time.Time) error {
	return s.primary.UpdateRuleTrigger(ctx, ruleID, at)
}

func (s *CachedStore) InsertExecutionLog(ctx context.Context, log *model.ExecutionLog) error {
	return s.primary.InsertExecutionLog(ctx, log)
}

func (s *CachedStore) ListExecutionLogs(ctx context.Context, strategyID string) ([]model.ExecutionLog, error) {
	return s.primary.ListExecutionLogs(ctx, strategyID)
}

// --- Cache keys ---

func strategyKey(id string) string    { return fmt.Sprintf("strategy:%s", id) }
func positionsKey(id string) string   { return fmt.Sprintf("strategy:%s:positions", id) }
