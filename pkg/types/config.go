package types

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TraderConfig is the immutable configuration of one worker. Build it with
// NewTraderConfig so every instance in circulation has passed validation.
type TraderConfig struct {
	ID                 string          `json:"id"`
	Name               string          `json:"name"`
	Exchange           Exchange        `json:"exchange"`
	Symbol             string          `json:"symbol"`
	MaxStakeAmount     decimal.Decimal `json:"maxStakeAmount"`
	MaxRiskLevel       int             `json:"maxRiskLevel"` // 1..10
	MaxTradingDuration time.Duration   `json:"maxTradingDuration"`
	MinReturnPercent   decimal.Decimal `json:"minReturnPercent"`
	Strategy           StrategyType    `json:"strategy"`
	Interval           Interval        `json:"candlestickInterval"`
	Leverage           int             `json:"leverage"`
	SignalThreshold    float64         `json:"signalThreshold"` // minimum confidence to execute
	PatternWeight      float64         `json:"patternWeight"`   // blend weight for matched patterns
}

// NewTraderConfig validates and returns a trader configuration.
// Validation failures are reported as INVALID_ARGUMENT and the config is
// never persisted.
func NewTraderConfig(cfg TraderConfig) (TraderConfig, error) {
	if strings.TrimSpace(cfg.ID) == "" {
		return TraderConfig{}, NewError(CodeInvalidArgument, "Trader id cannot be blank")
	}
	if strings.TrimSpace(cfg.Name) == "" {
		return TraderConfig{}, NewError(CodeInvalidArgument, "Name cannot be blank")
	}
	if !cfg.Exchange.Valid() {
		return TraderConfig{}, NewErrorf(CodeInvalidArgument, "Unknown exchange %q", cfg.Exchange)
	}
	if strings.TrimSpace(cfg.Symbol) == "" {
		return TraderConfig{}, NewError(CodeInvalidArgument, "Symbol cannot be blank")
	}
	if !cfg.MaxStakeAmount.IsPositive() {
		return TraderConfig{}, NewError(CodeInvalidArgument, "Max stake amount must be positive")
	}
	if cfg.MaxRiskLevel < 1 || cfg.MaxRiskLevel > 10 {
		return TraderConfig{}, NewError(CodeInvalidArgument, "Max risk level must be between 1 and 10")
	}
	if cfg.MaxTradingDuration <= 0 {
		return TraderConfig{}, NewError(CodeInvalidArgument, "Max trading duration must be positive")
	}
	if cfg.MinReturnPercent.IsNegative() {
		return TraderConfig{}, NewError(CodeInvalidArgument, "Min return percent cannot be negative")
	}
	if !cfg.Strategy.Valid() {
		return TraderConfig{}, NewErrorf(CodeInvalidArgument, "Unknown strategy %q", cfg.Strategy)
	}
	if !cfg.Interval.Valid() {
		return TraderConfig{}, NewErrorf(CodeInvalidArgument, "Unknown candlestick interval %q", cfg.Interval)
	}
	if cfg.Leverage < 1 {
		cfg.Leverage = 1
	}
	if cfg.Leverage > 125 {
		return TraderConfig{}, NewError(CodeInvalidArgument, "Leverage must be between 1 and 125")
	}
	if cfg.SignalThreshold <= 0 {
		cfg.SignalThreshold = 0.6
	}
	if cfg.PatternWeight <= 0 {
		cfg.PatternWeight = 0.3
	}
	return cfg, nil
}

// RiskConfig holds the limits enforced by the risk engine.
// All monetary limits must be non-negative.
type RiskConfig struct {
	MaxTotalBudget        decimal.Decimal `json:"maxTotalBudget"`
	MaxLeveragePerTrader  int             `json:"maxLeveragePerTrader"`
	MaxTotalLeverage      int             `json:"maxTotalLeverage"`
	MaxExposurePerTrader  decimal.Decimal `json:"maxExposurePerTrader"`
	MaxTotalExposure      decimal.Decimal `json:"maxTotalExposure"`
	MaxDailyLoss          decimal.Decimal `json:"maxDailyLoss"`
	StopLossPercentage    decimal.Decimal `json:"stopLossPercentage"`
	MonitoringIntervalSec int             `json:"monitoringIntervalSeconds"`
}

// Validate checks the risk configuration.
func (c RiskConfig) Validate() error {
	if c.MaxTotalBudget.IsNegative() || c.MaxExposurePerTrader.IsNegative() ||
		c.MaxTotalExposure.IsNegative() || c.MaxDailyLoss.IsNegative() {
		return NewError(CodeInvalidArgument, "Risk limits cannot be negative")
	}
	if c.MonitoringIntervalSec <= 0 {
		return NewError(CodeInvalidArgument, "Monitoring interval must be positive")
	}
	return nil
}

// DefaultRiskConfig returns conservative defaults.
func DefaultRiskConfig() RiskConfig {
	return RiskConfig{
		MaxTotalBudget:        decimal.NewFromInt(10000),
		MaxLeveragePerTrader:  10,
		MaxTotalLeverage:      20,
		MaxExposurePerTrader:  decimal.NewFromInt(5000),
		MaxTotalExposure:      decimal.NewFromInt(10000),
		MaxDailyLoss:          decimal.NewFromInt(500),
		StopLossPercentage:    decimal.NewFromFloat(0.05),
		MonitoringIntervalSec: 30,
	}
}
