package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/stratsim/automation-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu         sync.RWMutex
	strategies map[string]*model.Strategy
	rules      map[string][]model.AutomationRule // keyed by strategy ID
	positions  map[string]map[string]model.Position
	ledger     []model.Transaction
	snapshots  []model.RebalanceSnapshot
	logs       []model.ExecutionLog
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		strategies: make(map[string]*model.Strategy),
		rules:      make(map[string][]model.AutomationRule),
		positions:  make(map[string]map[string]model.Position),
	}
}

// --- Seeding helpers (not part of the Store interface) ---

// PutStrategy inserts or replaces a strategy.
func (s *MemoryStore) PutStrategy(st *model.Strategy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copy := *st
	s.strategies[st.ID] = &copy
}

// PutRule appends a rule to its strategy.
func (s *MemoryStore) PutRule(r model.AutomationRule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[r.StrategyID] = append(s.rules[r.StrategyID], r)
}

// PutPosition inserts or replaces one position.
func (s *MemoryStore) PutPosition(p model.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.positions[p.StrategyID] == nil {
		s.positions[p.StrategyID] = make(map[string]model.Position)
	}
	s.positions[p.StrategyID][p.Symbol] = p
}

// Transactions returns a copy of the ledger for assertions.
func (s *MemoryStore) Transactions() []model.Transaction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Transaction, len(s.ledger))
	copy(out, s.ledger)
	return out
}

// Snapshots returns a copy of the stored rebalance snapshots.
func (s *MemoryStore) Snapshots() []model.RebalanceSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.RebalanceSnapshot, len(s.snapshots))
	copy(out, s.snapshots)
	return out
}

// --- Store interface ---

func (s *MemoryStore) ListDueStrategies(_ context.Context, now time.Time) ([]model.Strategy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []model.Strategy
	for _, st := range s.strategies {
		if !st.AutomationEnabled || st.Status != model.StrategyActive {
			continue
		}
		if st.NextAutomationRun != nil && st.NextAutomationRun.After(now) {
			continue
		}
		due = append(due, *st)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ID < due[j].ID })
	return due, nil
}

func (s *MemoryStore) GetStrategy(_ context.Context, id string) (*model.Strategy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.strategies[id]
	if !ok {
		return nil, fmt.Errorf("%w: strategy %s", ErrNotFound, id)
	}
	copy := *st
	return &copy, nil
}

func (s *MemoryStore) UpdateStrategyRun(_ context.Context, id string, lastRun, nextRun time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.strategies[id]
	if !ok {
		return fmt.Errorf("%w: strategy %s", ErrNotFound, id)
	}
	last, next := lastRun, nextRun
	st.LastAutomationRun = &last
	st.NextAutomationRun = &next
	st.UpdatedAt = lastRun
	return nil
}

func (s *MemoryStore) ListRules(_ context.Context, strategyID string) ([]model.AutomationRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rules := make([]model.AutomationRule, len(s.rules[strategyID]))
	copy(rules, s.rules[strategyID])
	return rules, nil
}

func (s *MemoryStore) UpdateRuleTrigger(_ context.Context, ruleID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for stratID := range s.rules {
		for i := range s.rules[stratID] {
			if s.rules[stratID][i].ID == ruleID {
				triggered := at
				s.rules[stratID][i].LastTriggeredAt = &triggered
				s.rules[stratID][i].TriggerCount++
				return nil
			}
		}
	}
	return fmt.Errorf("%w: rule %s", ErrNotFound, ruleID)
}

func (s *MemoryStore) GetPositions(_ context.Context, strategyID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	positions := make([]model.Position, 0, len(s.positions[strategyID]))
	for _, p := range s.positions[strategyID] {
		positions = append(positions, p)
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].Symbol < positions[j].Symbol })
	return positions, nil
}

func (s *MemoryStore) UpdatePositionPrices(_ context.Context, strategyID string, positions []model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	held := s.positions[strategyID]
	for _, p := range positions {
		if existing, ok := held[p.Symbol]; ok {
			existing.LastPrice = p.LastPrice
			existing.LastValue = p.LastValue
			existing.CurrentWeight = p.CurrentWeight
			existing.UpdatedAt = p.UpdatedAt
			held[p.Symbol] = existing
		}
	}
	return nil
}

func (s *MemoryStore) ApplyTradeBatch(_ context.Context, batch *model.TradeBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.strategies[batch.StrategyID]
	if !ok {
		return fmt.Errorf("%w: strategy %s", ErrNotFound, batch.StrategyID)
	}

	if s.positions[batch.StrategyID] == nil {
		s.positions[batch.StrategyID] = make(map[string]model.Position)
	}
	held := s.positions[batch.StrategyID]
	for _, p := range batch.Positions {
		held[p.Symbol] = p
	}
	for _, symbol := range batch.Removed {
		delete(held, symbol)
	}

	s.ledger = append(s.ledger, batch.Transactions...)
	if batch.Snapshot != nil {
		s.snapshots = append(s.snapshots, *batch.Snapshot)
	}

	st.CashBalance = batch.NewCash
	if batch.NewStatus != "" {
		st.Status = batch.NewStatus
		st.StatusReason = batch.StatusReason
	}
	return nil
}

func (s *MemoryStore) InsertExecutionLog(_ context.Context, log *model.ExecutionLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logs = append(s.logs, *log)
	return nil
}

func (s *MemoryStore) ListExecutionLogs(_ context.Context, strategyID string) ([]model.ExecutionLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.ExecutionLog
	for i := len(s.logs) - 1; i >= 0; i-- {
		if s.logs[i].StrategyID == strategyID {
			result = append(result, s.logs[i])
		}
	}
	return result, nil
}
