// Package risk implements the mandatory pre-trade gate, the composite risk
// score and the independent monitor that can force traders to stop.
package risk

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/driftline/tradecore/internal/repository"
	"github.com/driftline/tradecore/internal/telemetry"
	"github.com/driftline/tradecore/pkg/types"
)

// ViolationType classifies a risk denial.
type ViolationType string

const (
	ViolationBudget    ViolationType = "BUDGET"
	ViolationLeverage  ViolationType = "LEVERAGE"
	ViolationExposure  ViolationType = "EXPOSURE"
	ViolationDailyLoss ViolationType = "DAILY_LOSS"
	ViolationEmergency ViolationType = "EMERGENCY"
)

// Violation describes one denied check.
type Violation struct {
	Type    ViolationType  `json:"type"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Recommendation is the action derived from the composite score.
type Recommendation string

const (
	RecommendAllow         Recommendation = "ALLOW"
	RecommendWarn          Recommendation = "WARN"
	RecommendBlock         Recommendation = "BLOCK"
	RecommendEmergencyStop Recommendation = "EMERGENCY_STOP"
)

// Score is the composite risk assessment.
type Score struct {
	Budget         float64        `json:"budgetScore"`
	Leverage       float64        `json:"leverageScore"`
	Exposure       float64        `json:"exposureScore"`
	PnL            float64        `json:"pnlScore"`
	Overall        float64        `json:"overall"`
	Recommendation Recommendation `json:"recommendation"`
}

// PositionSource exposes the open positions the engine prices exposure
// from. Implemented by the position manager.
type PositionSource interface {
	OpenPositions(traderID string) []types.ManagedPosition
}

// PositionCloser closes positions on the engine's behalf during
// stop-loss and emergency handling.
type PositionCloser interface {
	CloseAll(ctx context.Context, traderID, reason string) error
}

// StopHandler is invoked when the engine emergency-stops a trader. It must
// not call back into the engine.
type StopHandler func(reason string)

type registeredTrader struct {
	config      types.TraderConfig
	stopHandler StopHandler
}

// Engine enforces risk limits for the whole fleet. All checks share one
// RWMutex; exposure is priced live from the position source so the gate and
// the monitor agree on the numbers.
type Engine struct {
	logger *zap.Logger
	cfg    types.RiskConfig
	trades repository.TradeRepository
	hub    *telemetry.Hub

	mu        sync.RWMutex
	traders   map[string]*registeredTrader
	emergency map[string]bool
	globalEmg bool

	positions PositionSource
	closer    PositionCloser
}

// NewEngine creates a risk engine with the given limits.
func NewEngine(logger *zap.Logger, cfg types.RiskConfig, trades repository.TradeRepository, hub *telemetry.Hub) *Engine {
	return &Engine{
		logger:    logger.Named("risk"),
		cfg:       cfg,
		trades:    trades,
		hub:       hub,
		traders:   make(map[string]*registeredTrader),
		emergency: make(map[string]bool),
	}
}

// AttachPositions wires the position source and closer. Must be called
// before Start; kept separate from the constructor to break the
// construction cycle with the execution layer.
func (e *Engine) AttachPositions(source PositionSource, closer PositionCloser) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.positions = source
	e.closer = closer
}

// Register adds a trader to the engine's scope with its stop handler.
func (e *Engine) Register(config types.TraderConfig, handler StopHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.traders[config.ID] = &registeredTrader{config: config, stopHandler: handler}
}

// Unregister removes a trader and clears its emergency mark.
func (e *Engine) Unregister(traderID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.traders, traderID)
	delete(e.emergency, traderID)
}

// ValidateCreation gates new trader creation: the configured stake,
// leveraged, must fit both the per-trader cap and the remaining global
// budget. A zero total budget rejects everything.
func (e *Engine) ValidateCreation(config types.TraderConfig) *Violation {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.cfg.MaxTotalBudget.IsZero() {
		return &Violation{
			Type:    ViolationBudget,
			Message: "total budget is zero, no traders can be created",
		}
	}

	required := config.MaxStakeAmount.Abs().Mul(leverageFactor(config.Leverage))
	if required.GreaterThan(e.cfg.MaxExposurePerTrader) {
		return &Violation{
			Type:    ViolationExposure,
			Message: "projected exposure exceeds per-trader cap",
			Details: map[string]any{
				"required": required.String(),
				"cap":      e.cfg.MaxExposurePerTrader.String(),
			},
		}
	}
	total := e.totalExposureLocked().Add(required)
	if total.GreaterThan(e.cfg.MaxTotalBudget) {
		return &Violation{
			Type:    ViolationBudget,
			Message: "projected exposure exceeds total budget",
			Details: map[string]any{
				"projectedTotal": total.String(),
				"budget":         e.cfg.MaxTotalBudget.String(),
			},
		}
	}
	if config.Leverage > e.cfg.MaxLeveragePerTrader {
		return &Violation{
			Type:    ViolationLeverage,
			Message: "configured leverage exceeds per-trader cap",
			Details: map[string]any{
				"leverage": config.Leverage,
				"cap":      e.cfg.MaxLeveragePerTrader,
			},
		}
	}
	return nil
}

// ValidateBudget denies when |amount| x max(1, leverage) would breach the
// total budget, or the per-trader exposure cap when traderID is set.
func (e *Engine) ValidateBudget(amount decimal.Decimal, traderID string, leverage int) *Violation {
	e.mu.RLock()
	defer e.mu.RUnlock()

	effective := amount.Abs().Mul(leverageFactor(leverage))
	if e.totalExposureLocked().Add(effective).GreaterThan(e.cfg.MaxTotalBudget) {
		return &Violation{
			Type:    ViolationBudget,
			Message: "amount would exceed total budget",
			Details: map[string]any{
				"effective":     effective.String(),
				"totalExposure": e.totalExposureLocked().String(),
				"budget":        e.cfg.MaxTotalBudget.String(),
			},
		}
	}
	if traderID != "" {
		if e.traderExposureLocked(traderID).Add(effective).GreaterThan(e.cfg.MaxExposurePerTrader) {
			return &Violation{
				Type:    ViolationExposure,
				Message: "amount would exceed per-trader exposure cap",
				Details: map[string]any{
					"traderId":  traderID,
					"effective": effective.String(),
					"cap":       e.cfg.MaxExposurePerTrader.String(),
				},
			}
		}
	}
	return nil
}

// ValidateLeverage denies when the requested leverage, or any leverage
// already registered in scope, exceeds its cap.
func (e *Engine) ValidateLeverage(leverage int, traderID string) *Violation {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if leverage > e.cfg.MaxLeveragePerTrader {
		return &Violation{
			Type:    ViolationLeverage,
			Message: "requested leverage exceeds per-trader cap",
			Details: map[string]any{"leverage": leverage, "cap": e.cfg.MaxLeveragePerTrader},
		}
	}
	if traderID != "" {
		if t, ok := e.traders[traderID]; ok && t.config.Leverage > e.cfg.MaxLeveragePerTrader {
			return &Violation{
				Type:    ViolationLeverage,
				Message: "existing trader leverage exceeds per-trader cap",
				Details: map[string]any{"traderId": traderID},
			}
		}
	}
	if e.maxLeverageLocked() > e.cfg.MaxTotalLeverage {
		return &Violation{
			Type:    ViolationLeverage,
			Message: "fleet leverage exceeds global cap",
			Details: map[string]any{"cap": e.cfg.MaxTotalLeverage},
		}
	}
	return nil
}

// CanOpenPosition runs the full pre-trade gate for one prospective
// position. A BLOCK or EMERGENCY_STOP recommendation denies even when no
// individual limit is breached.
func (e *Engine) CanOpenPosition(ctx context.Context, traderID string, notional decimal.Decimal, leverage int) (Score, *Violation) {
	e.mu.RLock()
	if e.globalEmg || e.emergency[traderID] {
		e.mu.RUnlock()
		return Score{Recommendation: RecommendEmergencyStop}, &Violation{
			Type:    ViolationEmergency,
			Message: "trader is under emergency stop",
			Details: map[string]any{"traderId": traderID},
		}
	}
	e.mu.RUnlock()

	if v := e.ValidateBudget(notional, traderID, leverage); v != nil {
		return e.EvaluateScore(ctx, traderID), v
	}
	if v := e.ValidateLeverage(leverage, traderID); v != nil {
		return e.EvaluateScore(ctx, traderID), v
	}

	score := e.EvaluateScore(ctx, traderID)
	if score.Recommendation == RecommendBlock || score.Recommendation == RecommendEmergencyStop {
		return score, &Violation{
			Type:    ViolationExposure,
			Message: "composite risk score blocks new positions",
			Details: map[string]any{"overall": score.Overall, "recommendation": string(score.Recommendation)},
		}
	}
	return score, nil
}

// EvaluateScore computes the composite risk score for one trader's scope.
func (e *Engine) EvaluateScore(ctx context.Context, traderID string) Score {
	e.mu.RLock()
	traderExposure := e.traderExposureLocked(traderID)
	totalExposure := e.totalExposureLocked()
	maxTraderLev := 1
	if t, ok := e.traders[traderID]; ok {
		maxTraderLev = t.config.Leverage
	}
	maxGlobalLev := e.maxLeverageLocked()
	cfg := e.cfg
	e.mu.RUnlock()

	budget := math.Max(
		ratio(traderExposure, cfg.MaxExposurePerTrader),
		ratio(totalExposure, cfg.MaxTotalBudget),
	)
	leverage := math.Max(
		intRatio(maxTraderLev, cfg.MaxLeveragePerTrader),
		intRatio(maxGlobalLev, cfg.MaxTotalLeverage),
	)
	exposure := math.Max(budget, ratio(totalExposure, cfg.MaxTotalExposure))

	var pnl float64
	if !cfg.MaxDailyLoss.IsZero() {
		daily := e.rollingDailyPnL(ctx, traderID)
		loss := decimal.Zero.Sub(daily)
		if loss.IsPositive() {
			pnl = ratio(loss, cfg.MaxDailyLoss)
		}
	}

	overall := math.Min(1, 0.35*budget+0.30*leverage+0.20*exposure+0.15*pnl)

	rec := RecommendAllow
	switch {
	case overall >= 0.9 || pnl >= 1:
		rec = RecommendEmergencyStop
	case overall >= 0.75:
		rec = RecommendBlock
	case overall >= 0.5:
		rec = RecommendWarn
	}

	return Score{
		Budget:         budget,
		Leverage:       leverage,
		Exposure:       exposure,
		PnL:            pnl,
		Overall:        overall,
		Recommendation: rec,
	}
}

// rollingDailyPnL sums realised profit over the trailing 24 hours for one
// trader, or fleet-wide when traderID is blank.
func (e *Engine) rollingDailyPnL(ctx context.Context, traderID string) decimal.Decimal {
	trades, err := e.trades.FindClosedSince(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		e.logger.Warn("Failed to load closed trades for P&L", zap.Error(err))
		return decimal.Zero
	}
	total := decimal.Zero
	for _, t := range trades {
		if traderID != "" && t.TraderID != traderID {
			continue
		}
		total = total.Add(t.Profit)
	}
	return total
}

// EmergencyStop marks the trader, invokes its stop handler and publishes a
// risk alert. Subsequent CanOpenPosition calls deny with EMERGENCY.
func (e *Engine) EmergencyStop(ctx context.Context, traderID, reason string) {
	e.mu.Lock()
	t, registered := e.traders[traderID]
	alreadyMarked := e.emergency[traderID]
	e.emergency[traderID] = true
	e.mu.Unlock()

	if alreadyMarked {
		return
	}
	e.logger.Error("Emergency stop triggered",
		zap.String("traderId", traderID),
		zap.String("reason", reason))

	if e.closer != nil {
		if err := e.closer.CloseAll(ctx, traderID, reason); err != nil {
			e.logger.Error("Failed to close positions on emergency stop",
				zap.String("traderId", traderID),
				zap.Error(err))
		}
	}
	if registered && t.stopHandler != nil {
		t.stopHandler(reason)
	}
	if e.hub != nil {
		e.hub.Publish(telemetry.ChannelRiskAlerts, traderID, map[string]any{
			"type":     "EMERGENCY_STOP",
			"traderId": traderID,
			"reason":   reason,
		})
	}
}

// ClearEmergency lifts the emergency mark for a trader.
func (e *Engine) ClearEmergency(traderID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.emergency, traderID)
}

// GlobalEmergencyStop stops every registered trader and closes all
// positions. The global mark denies all traders until cleared.
func (e *Engine) GlobalEmergencyStop(ctx context.Context, reason string) {
	e.mu.Lock()
	e.globalEmg = true
	ids := make([]string, 0, len(e.traders))
	for id := range e.traders {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	e.logger.Error("Global emergency stop", zap.String("reason", reason))
	for _, id := range ids {
		e.EmergencyStop(ctx, id, reason)
	}
}

// ClearGlobalEmergency lifts the global emergency mark.
func (e *Engine) ClearGlobalEmergency() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.globalEmg = false
}

// IsEmergencyStopped reports whether the trader (or the fleet) is marked.
func (e *Engine) IsEmergencyStopped(traderID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.globalEmg || e.emergency[traderID]
}

func (e *Engine) traderExposureLocked(traderID string) decimal.Decimal {
	if e.positions == nil {
		return decimal.Zero
	}
	total := decimal.Zero
	for _, p := range e.positions.OpenPositions(traderID) {
		total = total.Add(p.NotionalValue())
	}
	return total
}

func (e *Engine) totalExposureLocked() decimal.Decimal {
	if e.positions == nil {
		return decimal.Zero
	}
	total := decimal.Zero
	for id := range e.traders {
		for _, p := range e.positions.OpenPositions(id) {
			total = total.Add(p.NotionalValue())
		}
	}
	return total
}

func (e *Engine) maxLeverageLocked() int {
	max := 1
	for _, t := range e.traders {
		if t.config.Leverage > max {
			max = t.config.Leverage
		}
	}
	return max
}

func leverageFactor(leverage int) decimal.Decimal {
	if leverage < 1 {
		leverage = 1
	}
	return decimal.NewFromInt(int64(leverage))
}

func ratio(num, den decimal.Decimal) float64 {
	if den.IsZero() {
		return 0
	}
	return num.Div(den).InexactFloat64()
}

func intRatio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}
