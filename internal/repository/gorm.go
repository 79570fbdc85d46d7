package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/driftline/tradecore/pkg/types"
)

// traderModel is the gorm mapping for the traders table.
type traderModel struct {
	ID             string `gorm:"primaryKey;size:64"`
	Name           string `gorm:"size:128;not null"`
	Status         string `gorm:"size:16;not null;index"`
	Exchange       string `gorm:"size:16;not null"`
	TradingPair    string `gorm:"size:32;not null"`
	Strategy       string `gorm:"size:32;not null"`
	Interval       string `gorm:"size:8;not null"`
	Leverage       int    `gorm:"not null;default:1"`
	InitialBalance decimal.Decimal `gorm:"type:numeric(24,8)"`
	CurrentBalance decimal.Decimal `gorm:"type:numeric(24,8)"`
	MaxRiskLevel   int
	MaxDurationSec int64
	MinReturnPct   decimal.Decimal `gorm:"type:numeric(10,4)"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastActiveAt   time.Time
}

func (traderModel) TableName() string { return "traders" }

// tradeModel is the gorm mapping for the trades table.
type tradeModel struct {
	ID              string `gorm:"primaryKey;size:64"`
	TraderID        string `gorm:"size:64;not null;index"`
	Exchange        string `gorm:"size:16;not null"`
	Symbol          string `gorm:"size:32;not null"`
	TradeType       string `gorm:"size:8;not null"`
	Status          string `gorm:"size:16;not null;index"`
	Quantity        decimal.Decimal `gorm:"type:numeric(24,8)"`
	EntryPrice      decimal.Decimal `gorm:"type:numeric(24,8)"`
	ExitPrice       decimal.Decimal `gorm:"type:numeric(24,8)"`
	Profit          decimal.Decimal `gorm:"type:numeric(24,8)"`
	ProfitPercent   decimal.Decimal `gorm:"type:numeric(10,4)"`
	EntryIndicators string          `gorm:"type:text"`
	Timeframe       string          `gorm:"size:8"`
	OpenedAt        time.Time
	ClosedAt        time.Time `gorm:"index"`
}

func (tradeModel) TableName() string { return "trades" }

// patternModel is the gorm mapping for the patterns table. The exchange
// column is part of the baseline schema.
type patternModel struct {
	ID          string `gorm:"primaryKey;size:64"`
	Exchange    string `gorm:"size:16;not null;index"`
	Symbol      string `gorm:"size:32;not null;index"`
	Timeframe   string `gorm:"size:8"`
	Action      string `gorm:"size:8"`
	PatternType string `gorm:"size:32"`
	Conditions  string `gorm:"type:text"`
	Confidence  float64
	UsageCount  int
	SuccessCnt  int
	AvgReturn   float64
	Tags        string `gorm:"type:text"`
	Active      bool   `gorm:"index"`
	CreatedAt   time.Time
	LastUsedAt  time.Time
}

func (patternModel) TableName() string { return "patterns" }

// SQLRepository implements the storage ports on PostgreSQL via gorm.
type SQLRepository struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewSQLRepository opens the database and applies pending migrations.
func NewSQLRepository(logger *zap.Logger, dsn string) (*SQLRepository, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	repo := &SQLRepository{db: db, logger: logger.Named("repository")}
	if err := repo.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return repo, nil
}

func (r *SQLRepository) Traders() TraderRepository   { return &sqlTraders{r} }
func (r *SQLRepository) Trades() TradeRepository     { return &sqlTrades{r} }
func (r *SQLRepository) Patterns() PatternRepository { return &sqlPatterns{r} }

func notFoundOr(err error, msg string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.NewError(types.CodeNotFound, msg)
	}
	return types.WrapError(types.CodeInternal, msg, err)
}

type sqlTraders struct{ r *SQLRepository }

func (s *sqlTraders) Create(ctx context.Context, row TraderRow) error {
	m := traderModelFrom(row)
	now := time.Now()
	m.CreatedAt = now
	m.UpdatedAt = now
	if err := s.r.db.WithContext(ctx).Create(&m).Error; err != nil {
		return types.WrapError(types.CodeInternal, "create trader", err)
	}
	return nil
}

func (s *sqlTraders) FindByID(ctx context.Context, id string) (*TraderRow, error) {
	var m traderModel
	if err := s.r.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		return nil, notFoundOr(err, fmt.Sprintf("trader %s not found", id))
	}
	row := m.toRow()
	return &row, nil
}

func (s *sqlTraders) FindAll(ctx context.Context) ([]TraderRow, error) {
	var models []traderModel
	if err := s.r.db.WithContext(ctx).Order("created_at asc").Find(&models).Error; err != nil {
		return nil, types.WrapError(types.CodeInternal, "list traders", err)
	}
	rows := make([]TraderRow, len(models))
	for i, m := range models {
		rows[i] = m.toRow()
	}
	return rows, nil
}

func (s *sqlTraders) FindActive(ctx context.Context) ([]TraderRow, error) {
	var models []traderModel
	if err := s.r.db.WithContext(ctx).Where("status = ?", string(TraderStatusActive)).Find(&models).Error; err != nil {
		return nil, types.WrapError(types.CodeInternal, "list active traders", err)
	}
	rows := make([]TraderRow, len(models))
	for i, m := range models {
		rows[i] = m.toRow()
	}
	return rows, nil
}

func (s *sqlTraders) Count(ctx context.Context) (int, error) {
	var count int64
	if err := s.r.db.WithContext(ctx).Model(&traderModel{}).Count(&count).Error; err != nil {
		return 0, types.WrapError(types.CodeInternal, "count traders", err)
	}
	return int(count), nil
}

func (s *sqlTraders) CanCreateMore(ctx context.Context, max int) (bool, error) {
	count, err := s.Count(ctx)
	if err != nil {
		return false, err
	}
	return count < max, nil
}

func (s *sqlTraders) UpdateStatus(ctx context.Context, id string, status TraderStatus) error {
	res := s.r.db.WithContext(ctx).Model(&traderModel{}).Where("id = ?", id).Updates(map[string]any{
		"status":         string(status),
		"updated_at":     time.Now(),
		"last_active_at": time.Now(),
	})
	if res.Error != nil {
		return types.WrapError(types.CodeInternal, "update trader status", res.Error)
	}
	if res.RowsAffected == 0 {
		return types.NewErrorf(types.CodeNotFound, "trader %s not found", id)
	}
	return nil
}

func (s *sqlTraders) UpdateBalance(ctx context.Context, id string, balance decimal.Decimal) error {
	res := s.r.db.WithContext(ctx).Model(&traderModel{}).Where("id = ?", id).Updates(map[string]any{
		"current_balance": balance,
		"updated_at":      time.Now(),
	})
	if res.Error != nil {
		return types.WrapError(types.CodeInternal, "update trader balance", res.Error)
	}
	if res.RowsAffected == 0 {
		return types.NewErrorf(types.CodeNotFound, "trader %s not found", id)
	}
	return nil
}

func (s *sqlTraders) UpdateConfiguration(ctx context.Context, row TraderRow) error {
	m := traderModelFrom(row)
	res := s.r.db.WithContext(ctx).Model(&traderModel{}).Where("id = ?", row.ID).Updates(map[string]any{
		"name":             m.Name,
		"exchange":         m.Exchange,
		"trading_pair":     m.TradingPair,
		"strategy":         m.Strategy,
		"interval":         m.Interval,
		"leverage":         m.Leverage,
		"initial_balance":  m.InitialBalance,
		"max_risk_level":   m.MaxRiskLevel,
		"max_duration_sec": m.MaxDurationSec,
		"min_return_pct":   m.MinReturnPct,
		"updated_at":       time.Now(),
	})
	if res.Error != nil {
		return types.WrapError(types.CodeInternal, "update trader configuration", res.Error)
	}
	if res.RowsAffected == 0 {
		return types.NewErrorf(types.CodeNotFound, "trader %s not found", row.ID)
	}
	return nil
}

func (s *sqlTraders) Delete(ctx context.Context, id string) error {
	res := s.r.db.WithContext(ctx).Delete(&traderModel{}, "id = ?", id)
	if res.Error != nil {
		return types.WrapError(types.CodeInternal, "delete trader", res.Error)
	}
	if res.RowsAffected == 0 {
		return types.NewErrorf(types.CodeNotFound, "trader %s not found", id)
	}
	return nil
}

type sqlTrades struct{ r *SQLRepository }

func (s *sqlTrades) Create(ctx context.Context, trade types.ClosedTrade) error {
	m := tradeModel{
		ID:              trade.ID,
		TraderID:        trade.TraderID,
		Exchange:        string(trade.Exchange),
		Symbol:          trade.Symbol,
		TradeType:       string(trade.Type),
		Status:          string(trade.Status),
		Quantity:        trade.Quantity,
		EntryPrice:      trade.EntryPrice,
		ExitPrice:       trade.ExitPrice,
		Profit:          trade.Profit,
		ProfitPercent:   trade.ProfitPercent,
		EntryIndicators: encodeIndicators(trade.EntryIndicators),
		Timeframe:       string(trade.Timeframe),
		OpenedAt:        trade.OpenedAt,
		ClosedAt:        trade.ClosedAt,
	}
	if err := s.r.db.WithContext(ctx).Create(&m).Error; err != nil {
		return types.WrapError(types.CodeInternal, "create trade", err)
	}
	return nil
}

func (s *sqlTrades) FindByTrader(ctx context.Context, traderID string) ([]types.ClosedTrade, error) {
	var models []tradeModel
	if err := s.r.db.WithContext(ctx).Where("trader_id = ?", traderID).Find(&models).Error; err != nil {
		return nil, types.WrapError(types.CodeInternal, "list trades", err)
	}
	return tradesFrom(models), nil
}

func (s *sqlTrades) FindClosedSince(ctx context.Context, since time.Time) ([]types.ClosedTrade, error) {
	var models []tradeModel
	err := s.r.db.WithContext(ctx).
		Where("status = ? AND closed_at >= ?", string(types.TradeStatusClosed), since).
		Find(&models).Error
	if err != nil {
		return nil, types.WrapError(types.CodeInternal, "list closed trades", err)
	}
	return tradesFrom(models), nil
}

type sqlPatterns struct{ r *SQLRepository }

func (s *sqlPatterns) Save(ctx context.Context, row PatternRow) error {
	m := patternModel(row)
	if err := s.r.db.WithContext(ctx).Save(&m).Error; err != nil {
		return types.WrapError(types.CodeInternal, "save pattern", err)
	}
	return nil
}

func (s *sqlPatterns) FindByID(ctx context.Context, id string) (*PatternRow, error) {
	var m patternModel
	if err := s.r.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		return nil, notFoundOr(err, fmt.Sprintf("pattern %s not found", id))
	}
	row := PatternRow(m)
	return &row, nil
}

func (s *sqlPatterns) FindActive(ctx context.Context) ([]PatternRow, error) {
	var models []patternModel
	if err := s.r.db.WithContext(ctx).Where("active = ?", true).Find(&models).Error; err != nil {
		return nil, types.WrapError(types.CodeInternal, "list patterns", err)
	}
	rows := make([]PatternRow, len(models))
	for i, m := range models {
		rows[i] = PatternRow(m)
	}
	return rows, nil
}

func (s *sqlPatterns) Deactivate(ctx context.Context, id string) error {
	res := s.r.db.WithContext(ctx).Model(&patternModel{}).Where("id = ?", id).Update("active", false)
	if res.Error != nil {
		return types.WrapError(types.CodeInternal, "deactivate pattern", res.Error)
	}
	if res.RowsAffected == 0 {
		return types.NewErrorf(types.CodeNotFound, "pattern %s not found", id)
	}
	return nil
}

func (s *sqlPatterns) Delete(ctx context.Context, id string) error {
	res := s.r.db.WithContext(ctx).Delete(&patternModel{}, "id = ?", id)
	if res.Error != nil {
		return types.WrapError(types.CodeInternal, "delete pattern", res.Error)
	}
	if res.RowsAffected == 0 {
		return types.NewErrorf(types.CodeNotFound, "pattern %s not found", id)
	}
	return nil
}

func traderModelFrom(row TraderRow) traderModel {
	return traderModel{
		ID:             row.ID,
		Name:           row.Name,
		Status:         string(row.Status),
		Exchange:       string(row.Exchange),
		TradingPair:    row.TradingPair,
		Strategy:       row.Strategy,
		Interval:       row.Interval,
		Leverage:       row.Leverage,
		InitialBalance: row.InitialBalance,
		CurrentBalance: row.CurrentBalance,
		MaxRiskLevel:   row.MaxRiskLevel,
		MaxDurationSec: row.MaxDurationSec,
		MinReturnPct:   row.MinReturnPct,
		CreatedAt:      row.CreatedAt,
		UpdatedAt:      row.UpdatedAt,
		LastActiveAt:   row.LastActiveAt,
	}
}

func (m traderModel) toRow() TraderRow {
	return TraderRow{
		ID:             m.ID,
		Name:           m.Name,
		Status:         TraderStatus(m.Status),
		Exchange:       types.Exchange(m.Exchange),
		TradingPair:    m.TradingPair,
		Strategy:       m.Strategy,
		Interval:       m.Interval,
		Leverage:       m.Leverage,
		InitialBalance: m.InitialBalance,
		CurrentBalance: m.CurrentBalance,
		MaxRiskLevel:   m.MaxRiskLevel,
		MaxDurationSec: m.MaxDurationSec,
		MinReturnPct:   m.MinReturnPct,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
		LastActiveAt:   m.LastActiveAt,
	}
}

// encodeIndicators serialises entry indicators for the text column. Empty
// maps store as the empty string.
func encodeIndicators(values map[string]decimal.Decimal) string {
	if len(values) == 0 {
		return ""
	}
	data, err := json.Marshal(values)
	if err != nil {
		return ""
	}
	return string(data)
}

func decodeIndicators(raw string) map[string]decimal.Decimal {
	if raw == "" {
		return nil
	}
	var out map[string]decimal.Decimal
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

func tradesFrom(models []tradeModel) []types.ClosedTrade {
	out := make([]types.ClosedTrade, len(models))
	for i, m := range models {
		out[i] = types.ClosedTrade{
			ID:              m.ID,
			TraderID:        m.TraderID,
			Exchange:        types.Exchange(m.Exchange),
			Symbol:          m.Symbol,
			Type:            types.TradeType(m.TradeType),
			Status:          types.TradeStatus(m.Status),
			Quantity:        m.Quantity,
			EntryPrice:      m.EntryPrice,
			ExitPrice:       m.ExitPrice,
			Profit:          m.Profit,
			ProfitPercent:   m.ProfitPercent,
			EntryIndicators: decodeIndicators(m.EntryIndicators),
			Timeframe:       types.Interval(m.Timeframe),
			OpenedAt:        m.OpenedAt,
			ClosedAt:        m.ClosedAt,
		}
	}
	return out
}
