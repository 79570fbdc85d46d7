// Package main is the entry point for the tradecore control plane: the
// trader supervisor, risk engine, pattern service and telemetry bus behind
// one HTTP/WebSocket server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/driftline/tradecore/internal/api"
	"github.com/driftline/tradecore/internal/config"
	"github.com/driftline/tradecore/internal/exchange"
	"github.com/driftline/tradecore/internal/execution"
	"github.com/driftline/tradecore/internal/patterns"
	"github.com/driftline/tradecore/internal/repository"
	"github.com/driftline/tradecore/internal/risk"
	"github.com/driftline/tradecore/internal/supervisor"
	"github.com/driftline/tradecore/internal/telemetry"
	"github.com/driftline/tradecore/internal/workers"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (optional)")
	logLevel := flag.String("log-level", "", "Log level override (debug, info, warn, error)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	logger := setupLogger(cfg.LogLevel)
	defer logger.Sync()

	logger.Info("Starting tradecore",
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.Bool("database", cfg.Database.Enabled),
		zap.Bool("demo", cfg.Exchange.Demo),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Storage
	var repo repository.Repository
	if cfg.Database.Enabled {
		sqlRepo, err := repository.NewSQLRepository(logger, cfg.Database.DSN)
		if err != nil {
			logger.Fatal("Failed to open database", zap.Error(err))
		}
		repo = sqlRepo
	} else {
		logger.Info("Running with in-memory repository")
		repo = repository.NewMemoryRepository()
	}

	// Telemetry bus
	hub := telemetry.NewHub(logger, telemetry.HubConfig{
		SubscriberBuffer:  cfg.Telemetry.SubscriberBuffer,
		HeartbeatInterval: cfg.Telemetry.HeartbeatInterval,
		AlertHistory:      cfg.Telemetry.AlertHistory,
	})
	hub.Start(ctx)

	// Exchange adapters
	factory := exchange.NewFactory(logger, exchange.AdapterConfig{
		APIKey:     cfg.Exchange.BinanceAPIKey,
		APISecret:  cfg.Exchange.BinanceAPISecret,
		BaseURL:    cfg.Exchange.BinanceBaseURL,
		Demo:       cfg.Exchange.Demo,
		TimeoutSec: int(cfg.Exchange.RequestTimeout / time.Second),
	})

	// Risk engine with its position ports
	riskCfg := cfg.RiskTypes()
	if err := riskCfg.Validate(); err != nil {
		logger.Fatal("Invalid risk configuration", zap.Error(err))
	}
	engine := risk.NewEngine(logger, riskCfg, repo.Trades(), hub)
	positions := execution.NewManager(logger, repo.Trades(), hub)
	engine.AttachPositions(positions, positions)

	// Pattern service
	patternSvc := patterns.NewService(logger, repo.Patterns())
	if err := patternSvc.Load(ctx); err != nil {
		logger.Error("Failed to load patterns", zap.Error(err))
	}

	// Worker pool shared by the risk monitor and health polling
	pool := workers.NewPool(logger, workers.PoolConfig{Name: "control-plane"})
	pool.Start()

	// Supervisor and fleet recovery
	sup := supervisor.New(logger, cfg.Fleet.MaxTraders, repo, factory, engine, positions, patternSvc, hub, pool)
	if n, err := sup.Recover(ctx); err != nil {
		logger.Error("Fleet recovery failed", zap.Error(err))
	} else if n > 0 {
		logger.Info("Recovered traders from repository", zap.Int("count", n))
	}

	// Risk monitor
	monitor := risk.NewMonitor(logger, engine, pool)
	monitor.Start(ctx)

	// HTTP/WebSocket server
	server := api.NewServer(logger, cfg.Server, sup, engine, patternSvc, hub)
	go func() {
		if err := server.Start(); err != nil {
			logger.Error("Server error", zap.Error(err))
		}
	}()

	logger.Info("tradecore started",
		zap.String("http", fmt.Sprintf("http://%s:%d/api/v1", cfg.Server.Host, cfg.Server.Port)),
		zap.String("ws", fmt.Sprintf("ws://%s:%d%s", cfg.Server.Host, cfg.Server.Port, cfg.Server.WebSocketPath)),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("Shutdown signal received")

	cancel()
	monitor.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	sup.Shutdown(shutdownCtx)
	if err := pool.Stop(); err != nil {
		logger.Error("Worker pool shutdown error", zap.Error(err))
	}
	hub.Stop()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("Error during server shutdown", zap.Error(err))
	}

	logger.Info("tradecore stopped")
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := config.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
