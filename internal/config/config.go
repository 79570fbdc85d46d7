// Package config loads application configuration from file and environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/driftline/tradecore/pkg/types"
)

func decimalFrom(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

// Config is the full application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Fleet     FleetConfig     `mapstructure:"fleet"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Exchange  ExchangeConfig  `mapstructure:"exchange"`
	LogLevel  string          `mapstructure:"log_level"`
}

// ServerConfig configures the HTTP/WebSocket server.
type ServerConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	WebSocketPath  string        `mapstructure:"websocket_path"`
	APIKey         string        `mapstructure:"api_key"` // optional shared key for telemetry clients
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	EnableMetrics  bool          `mapstructure:"enable_metrics"`
	MaxConnections int           `mapstructure:"max_connections"`
}

// DatabaseConfig configures the SQL repository. With Enabled=false the
// service runs on the in-memory repository (paper profile).
type DatabaseConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DSN     string `mapstructure:"dsn"`
}

// RiskConfig mirrors types.RiskConfig with file-friendly scalar fields.
type RiskConfig struct {
	MaxTotalBudget        float64 `mapstructure:"max_total_budget"`
	MaxLeveragePerTrader  int     `mapstructure:"max_leverage_per_trader"`
	MaxTotalLeverage      int     `mapstructure:"max_total_leverage"`
	MaxExposurePerTrader  float64 `mapstructure:"max_exposure_per_trader"`
	MaxTotalExposure      float64 `mapstructure:"max_total_exposure"`
	MaxDailyLoss          float64 `mapstructure:"max_daily_loss"`
	StopLossPercentage    float64 `mapstructure:"stop_loss_percentage"`
	MonitoringIntervalSec int     `mapstructure:"monitoring_interval_seconds"`
}

// FleetConfig bounds the supervisor.
type FleetConfig struct {
	MaxTraders int `mapstructure:"max_traders"`
}

// TelemetryConfig configures the telemetry bus.
type TelemetryConfig struct {
	SubscriberBuffer  int           `mapstructure:"subscriber_buffer"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	AlertHistory      int           `mapstructure:"alert_history"`
}

// ExchangeConfig holds adapter credentials and tuning.
type ExchangeConfig struct {
	BinanceAPIKey    string        `mapstructure:"binance_api_key"`
	BinanceAPISecret string        `mapstructure:"binance_api_secret"`
	BinanceBaseURL   string        `mapstructure:"binance_base_url"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	Demo             bool          `mapstructure:"demo"`
}

// Load reads configuration from the given file (optional) with TRADECORE_*
// environment overrides and programmatic defaults.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("log_level", "info")
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.websocket_path", "/ws")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.enable_metrics", true)
	v.SetDefault("server.max_connections", 100)
	v.SetDefault("database.enabled", false)
	v.SetDefault("risk.max_total_budget", 10000.0)
	v.SetDefault("risk.max_leverage_per_trader", 10)
	v.SetDefault("risk.max_total_leverage", 20)
	v.SetDefault("risk.max_exposure_per_trader", 5000.0)
	v.SetDefault("risk.max_total_exposure", 10000.0)
	v.SetDefault("risk.max_daily_loss", 500.0)
	v.SetDefault("risk.stop_loss_percentage", 0.05)
	v.SetDefault("risk.monitoring_interval_seconds", 30)
	v.SetDefault("fleet.max_traders", 3)
	v.SetDefault("telemetry.subscriber_buffer", 256)
	v.SetDefault("telemetry.heartbeat_interval", 15*time.Second)
	v.SetDefault("telemetry.alert_history", 50)
	v.SetDefault("exchange.binance_base_url", "https://api.binance.com")
	v.SetDefault("exchange.request_timeout", 10*time.Second)
	v.SetDefault("exchange.demo", true)

	v.SetEnvPrefix("TRADECORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// RiskTypes converts the file representation into the engine's typed form.
func (c *Config) RiskTypes() types.RiskConfig {
	return types.RiskConfig{
		MaxTotalBudget:        decimalFrom(c.Risk.MaxTotalBudget),
		MaxLeveragePerTrader:  c.Risk.MaxLeveragePerTrader,
		MaxTotalLeverage:      c.Risk.MaxTotalLeverage,
		MaxExposurePerTrader:  decimalFrom(c.Risk.MaxExposurePerTrader),
		MaxTotalExposure:      decimalFrom(c.Risk.MaxTotalExposure),
		MaxDailyLoss:          decimalFrom(c.Risk.MaxDailyLoss),
		StopLossPercentage:    decimalFrom(c.Risk.StopLossPercentage),
		MonitoringIntervalSec: c.Risk.MonitoringIntervalSec,
	}
}
