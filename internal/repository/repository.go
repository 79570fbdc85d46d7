// Package repository defines the durable-storage ports for traders, trades
// and patterns, with a SQL implementation (gorm) and an in-memory one.
package repository

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/driftline/tradecore/pkg/types"
)

// TraderStatus is the persisted status of a trader row.
type TraderStatus string

const (
	TraderStatusActive  TraderStatus = "ACTIVE"
	TraderStatusPaused  TraderStatus = "PAUSED"
	TraderStatusStopped TraderStatus = "STOPPED"
	TraderStatusError   TraderStatus = "ERROR"
)

// TraderRow is the durable representation of one trader.
type TraderRow struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Status         TraderStatus    `json:"status"`
	Exchange       types.Exchange  `json:"exchange"`
	TradingPair    string          `json:"tradingPair"`
	Strategy       string          `json:"strategy"`
	Interval       string          `json:"interval"`
	Leverage       int             `json:"leverage"`
	InitialBalance decimal.Decimal `json:"initialBalance"`
	CurrentBalance decimal.Decimal `json:"currentBalance"`
	MaxRiskLevel   int             `json:"maxRiskLevel"`
	MaxDurationSec int64           `json:"maxDurationSeconds"`
	MinReturnPct   decimal.Decimal `json:"minReturnPercent"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
	LastActiveAt   time.Time       `json:"lastActiveAt"`
}

// PatternRow is the durable representation of one learned pattern.
type PatternRow struct {
	ID          string    `json:"id"`
	Exchange    string    `json:"exchange"`
	Symbol      string    `json:"symbol"`
	Timeframe   string    `json:"timeframe"`
	Action      string    `json:"action"`
	PatternType string    `json:"patternType"`
	Conditions  string    `json:"conditions"` // JSON-encoded predicates
	Confidence  float64   `json:"confidence"`
	UsageCount  int       `json:"usageCount"`
	SuccessCnt  int       `json:"successCount"`
	AvgReturn   float64   `json:"averageReturn"`
	Tags        string    `json:"tags"` // comma-separated
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"createdAt"`
	LastUsedAt  time.Time `json:"lastUsedAt"`
}

// TraderRepository owns the trader rows. The supervisor checks its fleet cap
// against CanCreateMore/Count, not the in-memory set, so a cold start sees
// the true fleet size.
type TraderRepository interface {
	Create(ctx context.Context, row TraderRow) error
	FindByID(ctx context.Context, id string) (*TraderRow, error)
	FindAll(ctx context.Context) ([]TraderRow, error)
	FindActive(ctx context.Context) ([]TraderRow, error)
	Count(ctx context.Context) (int, error)
	CanCreateMore(ctx context.Context, max int) (bool, error)
	UpdateStatus(ctx context.Context, id string, status TraderStatus) error
	UpdateBalance(ctx context.Context, id string, balance decimal.Decimal) error
	UpdateConfiguration(ctx context.Context, row TraderRow) error
	Delete(ctx context.Context, id string) error
}

// TradeRepository owns the trade rows.
type TradeRepository interface {
	Create(ctx context.Context, trade types.ClosedTrade) error
	FindByTrader(ctx context.Context, traderID string) ([]types.ClosedTrade, error)
	FindClosedSince(ctx context.Context, since time.Time) ([]types.ClosedTrade, error)
}

// PatternRepository owns the pattern rows.
type PatternRepository interface {
	Save(ctx context.Context, row PatternRow) error
	FindByID(ctx context.Context, id string) (*PatternRow, error)
	FindActive(ctx context.Context) ([]PatternRow, error)
	Deactivate(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
}

// Repository bundles the three ports.
type Repository interface {
	Traders() TraderRepository
	Trades() TradeRepository
	Patterns() PatternRepository
}
