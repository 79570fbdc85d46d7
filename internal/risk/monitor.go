package risk

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/driftline/tradecore/internal/telemetry"
	"github.com/driftline/tradecore/internal/workers"
)

// StopLossReason is the close reason used for monitor-triggered closes.
const StopLossReason = "STOP_LOSS"

// Monitor periodically sweeps every registered trader: daily-loss cap,
// per-position stop-loss, and composite score re-evaluation. Per-trader
// checks run on the shared pool so one stuck repository call cannot delay
// the rest of the fleet.
type Monitor struct {
	logger *zap.Logger
	engine *Engine
	pool   *workers.Pool

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewMonitor creates a monitor for the engine.
func NewMonitor(logger *zap.Logger, engine *Engine, pool *workers.Pool) *Monitor {
	return &Monitor{
		logger: logger.Named("risk-monitor"),
		engine: engine,
		pool:   pool,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start launches the sweep loop. The interval comes from the engine's risk
// configuration.
func (m *Monitor) Start(ctx context.Context) {
	interval := time.Duration(m.engine.cfg.MonitoringIntervalSec) * time.Second
	go m.loop(ctx, interval)
	m.logger.Info("Risk monitor started", zap.Duration("interval", interval))
}

// Stop terminates the sweep loop and waits for the current sweep to finish.
func (m *Monitor) Stop() {
	close(m.stopCh)
	<-m.doneCh
}

func (m *Monitor) loop(ctx context.Context, interval time.Duration) {
	defer close(m.doneCh)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep runs one full monitoring pass over the registered traders.
func (m *Monitor) Sweep(ctx context.Context) {
	m.engine.mu.RLock()
	ids := make([]string, 0, len(m.engine.traders))
	for id := range m.engine.traders {
		ids = append(ids, id)
	}
	m.engine.mu.RUnlock()

	checks := make([]func() error, 0, len(ids))
	for _, id := range ids {
		id := id
		checks = append(checks, func() error {
			m.checkTrader(ctx, id)
			return nil
		})
	}
	if m.pool != nil && m.pool.IsRunning() {
		m.pool.RunAll(checks)
		return
	}
	for _, check := range checks {
		_ = check()
	}
}

func (m *Monitor) checkTrader(ctx context.Context, traderID string) {
	e := m.engine

	// daily loss cap
	if !e.cfg.MaxDailyLoss.IsZero() {
		daily := e.rollingDailyPnL(ctx, traderID)
		loss := decimal.Zero.Sub(daily)
		if loss.GreaterThanOrEqual(e.cfg.MaxDailyLoss) {
			e.EmergencyStop(ctx, traderID, "daily loss limit breached")
			return
		}
	}

	// stop-loss per open position
	if e.positions != nil && e.closer != nil && !e.cfg.StopLossPercentage.IsZero() {
		for _, pos := range e.positions.OpenPositions(traderID) {
			basis := pos.EntryPrice.Mul(pos.Quantity).Abs()
			if basis.IsZero() {
				continue
			}
			loss := decimal.Zero.Sub(pos.UnrealizedPnL())
			if loss.Div(basis).GreaterThanOrEqual(e.cfg.StopLossPercentage) {
				m.logger.Warn("Stop-loss triggered",
					zap.String("traderId", traderID),
					zap.String("positionId", pos.PositionID),
					zap.String("loss", loss.String()))
				if err := e.closer.CloseAll(ctx, traderID, StopLossReason); err != nil {
					m.logger.Error("Stop-loss close failed",
						zap.String("traderId", traderID),
						zap.Error(err))
				}
				if e.hub != nil {
					e.hub.Publish(telemetry.ChannelRiskAlerts, traderID, map[string]any{
						"type":     StopLossReason,
						"traderId": traderID,
						"loss":     loss.String(),
					})
				}
				break
			}
		}
	}

	// score re-evaluation
	score := e.EvaluateScore(ctx, traderID)
	switch score.Recommendation {
	case RecommendEmergencyStop:
		e.EmergencyStop(ctx, traderID, "risk score recommended emergency stop")
	case RecommendWarn, RecommendBlock:
		if e.hub != nil {
			e.hub.Publish(telemetry.ChannelRiskAlerts, traderID, map[string]any{
				"type":           "RISK_" + string(score.Recommendation),
				"traderId":       traderID,
				"overall":        score.Overall,
				"recommendation": string(score.Recommendation),
			})
		}
	}
}
