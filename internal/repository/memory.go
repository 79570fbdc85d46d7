package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/driftline/tradecore/pkg/types"
)

// MemoryRepository is a mutex-guarded in-memory implementation of the
// storage ports. It backs the paper-trading profile and the test suite,
// with the same semantics as the SQL store.
type MemoryRepository struct {
	mu       sync.RWMutex
	traders  map[string]TraderRow
	trades   []types.ClosedTrade
	patterns map[string]PatternRow
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		traders:  make(map[string]TraderRow),
		patterns: make(map[string]PatternRow),
	}
}

func (m *MemoryRepository) Traders() TraderRepository  { return (*memoryTraders)(m) }
func (m *MemoryRepository) Trades() TradeRepository    { return (*memoryTrades)(m) }
func (m *MemoryRepository) Patterns() PatternRepository { return (*memoryPatterns)(m) }

type memoryTraders MemoryRepository

func (m *memoryTraders) Create(_ context.Context, row TraderRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.traders[row.ID]; ok {
		return types.NewErrorf(types.CodeInvalidArgument, "trader %s already exists", row.ID)
	}
	now := time.Now()
	row.CreatedAt = now
	row.UpdatedAt = now
	m.traders[row.ID] = row
	return nil
}

func (m *memoryTraders) FindByID(_ context.Context, id string) (*TraderRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	row, ok := m.traders[id]
	if !ok {
		return nil, types.NewErrorf(types.CodeNotFound, "trader %s not found", id)
	}
	return &row, nil
}

func (m *memoryTraders) FindAll(_ context.Context) ([]TraderRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows := make([]TraderRow, 0, len(m.traders))
	for _, row := range m.traders {
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].CreatedAt.Before(rows[j].CreatedAt) })
	return rows, nil
}

func (m *memoryTraders) FindActive(ctx context.Context) ([]TraderRow, error) {
	all, _ := m.FindAll(ctx)
	active := all[:0]
	for _, row := range all {
		if row.Status == TraderStatusActive {
			active = append(active, row)
		}
	}
	return active, nil
}

func (m *memoryTraders) Count(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.traders), nil
}

func (m *memoryTraders) CanCreateMore(ctx context.Context, max int) (bool, error) {
	count, err := m.Count(ctx)
	if err != nil {
		return false, err
	}
	return count < max, nil
}

func (m *memoryTraders) UpdateStatus(_ context.Context, id string, status TraderStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.traders[id]
	if !ok {
		return types.NewErrorf(types.CodeNotFound, "trader %s not found", id)
	}
	row.Status = status
	row.UpdatedAt = time.Now()
	row.LastActiveAt = row.UpdatedAt
	m.traders[id] = row
	return nil
}

func (m *memoryTraders) UpdateBalance(_ context.Context, id string, balance decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.traders[id]
	if !ok {
		return types.NewErrorf(types.CodeNotFound, "trader %s not found", id)
	}
	row.CurrentBalance = balance
	row.UpdatedAt = time.Now()
	m.traders[id] = row
	return nil
}

func (m *memoryTraders) UpdateConfiguration(_ context.Context, row TraderRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.traders[row.ID]
	if !ok {
		return types.NewErrorf(types.CodeNotFound, "trader %s not found", row.ID)
	}
	row.CreatedAt = existing.CreatedAt
	row.Status = existing.Status
	row.UpdatedAt = time.Now()
	m.traders[row.ID] = row
	return nil
}

func (m *memoryTraders) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.traders[id]; !ok {
		return types.NewErrorf(types.CodeNotFound, "trader %s not found", id)
	}
	delete(m.traders, id)
	return nil
}

type memoryTrades MemoryRepository

func (m *memoryTrades) Create(_ context.Context, trade types.ClosedTrade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trades = append(m.trades, trade)
	return nil
}

func (m *memoryTrades) FindByTrader(_ context.Context, traderID string) ([]types.ClosedTrade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.ClosedTrade
	for _, t := range m.trades {
		if t.TraderID == traderID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *memoryTrades) FindClosedSince(_ context.Context, since time.Time) ([]types.ClosedTrade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.ClosedTrade
	for _, t := range m.trades {
		if t.Status == types.TradeStatusClosed && !t.ClosedAt.Before(since) {
			out = append(out, t)
		}
	}
	return out, nil
}

type memoryPatterns MemoryRepository

func (m *memoryPatterns) Save(_ context.Context, row PatternRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patterns[row.ID] = row
	return nil
}

func (m *memoryPatterns) FindByID(_ context.Context, id string) (*PatternRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	row, ok := m.patterns[id]
	if !ok {
		return nil, types.NewErrorf(types.CodeNotFound, "pattern %s not found", id)
	}
	return &row, nil
}

func (m *memoryPatterns) FindActive(_ context.Context) ([]PatternRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []PatternRow
	for _, row := range m.patterns {
		if row.Active {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memoryPatterns) Deactivate(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.patterns[id]
	if !ok {
		return types.NewErrorf(types.CodeNotFound, "pattern %s not found", id)
	}
	row.Active = false
	m.patterns[id] = row
	return nil
}

func (m *memoryPatterns) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.patterns[id]; !ok {
		return types.NewErrorf(types.CodeNotFound, "pattern %s not found", id)
	}
	delete(m.patterns, id)
	return nil
}
