// Package execution owns live positions: opening on admitted signals,
// closing on strategy exits, stop-loss and emergency paths, and turning
// every close into a durable trade record.
package execution

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/driftline/tradecore/internal/exchange"
	"github.com/driftline/tradecore/internal/repository"
	"github.com/driftline/tradecore/internal/telemetry"
	"github.com/driftline/tradecore/pkg/types"
)

// CloseListener observes every closed trade. matchedPatternID carries the
// pattern that produced the entry signal, or blank. Used to feed the
// pattern service without the manager depending on it.
type CloseListener func(trade types.ClosedTrade, matchedPatternID string)

type traderEntry struct {
	config          types.TraderConfig
	adapter         exchange.Adapter
	position        *types.ManagedPosition
	entryIndicators map[string]decimal.Decimal
	matchedPattern  string
}

// Manager tracks at most one open position per trader and routes all order
// flow through the trader's exchange adapter. It implements the risk
// engine's position source and closer ports.
type Manager struct {
	logger *zap.Logger
	trades repository.TradeRepository
	hub    *telemetry.Hub

	mu        sync.RWMutex
	entries   map[string]*traderEntry
	listeners []CloseListener
}

// NewManager creates a position manager.
func NewManager(logger *zap.Logger, trades repository.TradeRepository, hub *telemetry.Hub) *Manager {
	return &Manager{
		logger:  logger.Named("positions"),
		trades:  trades,
		hub:     hub,
		entries: make(map[string]*traderEntry),
	}
}

// OnClose registers a listener called after every successful close.
func (m *Manager) OnClose(listener CloseListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, listener)
}

// Register binds a trader to its adapter. Must precede any open.
func (m *Manager) Register(config types.TraderConfig, adapter exchange.Adapter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[config.ID] = &traderEntry{config: config, adapter: adapter}
}

// Unregister removes a trader. Its position, if any, is abandoned in
// memory; callers close first.
func (m *Manager) Unregister(traderID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, traderID)
}

// OpenPositions returns the trader's open positions (zero or one).
func (m *Manager) OpenPositions(traderID string) []types.ManagedPosition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.entries[traderID]
	if !ok || entry.position == nil {
		return nil
	}
	return []types.ManagedPosition{*entry.position}
}

// Position returns a copy of the trader's open position, or nil.
func (m *Manager) Position(traderID string) *types.ManagedPosition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.entries[traderID]
	if !ok || entry.position == nil {
		return nil
	}
	pos := *entry.position
	return &pos
}

// UpdatePrice marks the open position to the latest price. No-op without a
// position.
func (m *Manager) UpdatePrice(traderID string, price decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.entries[traderID]; ok && entry.position != nil {
		entry.position.CurrentPrice = price
	}
}

// Open places a market order for the signal and records the resulting
// position. Fails BadState when the trader already holds one.
func (m *Manager) Open(ctx context.Context, traderID string, signal types.Signal, price decimal.Decimal) (*types.ManagedPosition, error) {
	m.mu.Lock()
	entry, ok := m.entries[traderID]
	if !ok {
		m.mu.Unlock()
		return nil, types.NewErrorf(types.CodeNotFound, "trader %s not registered", traderID)
	}
	if entry.position != nil {
		m.mu.Unlock()
		return nil, types.NewErrorf(types.CodeBadState, "trader %s already has an open position", traderID)
	}
	if !signal.Actionable() {
		m.mu.Unlock()
		return nil, types.NewErrorf(types.CodeInvalidArgument, "signal %s cannot open a position", signal.Action)
	}
	config, adapter := entry.config, entry.adapter
	m.mu.Unlock()

	if !price.IsPositive() {
		return nil, types.NewError(types.CodeInvalidArgument, "price must be positive")
	}
	quantity := config.MaxStakeAmount.Div(price).Round(8)
	if !quantity.IsPositive() {
		return nil, types.NewError(types.CodeInvalidArgument, "stake too small for current price")
	}

	side := types.OrderSideBuy
	if signal.Action == types.ActionSell {
		side = types.OrderSideSell
	}
	order, err := adapter.PlaceOrder(ctx, types.Order{
		ClientOrderID: uuid.NewString(),
		Symbol:        config.Symbol,
		Side:          side,
		Type:          types.OrderTypeMarket,
		Quantity:      quantity,
	})
	if err != nil {
		return nil, types.WrapError(types.CodeOf(err), "open order failed", err)
	}
	if order.Status != types.OrderStatusFilled || !order.FilledQty.IsPositive() {
		return nil, types.NewErrorf(types.CodeBadState,
			"open order %s not filled (status %s)", order.ID, order.Status)
	}

	entryPrice := order.AvgFillPrice
	if entryPrice.IsZero() {
		entryPrice = price
	}
	position := &types.ManagedPosition{
		PositionID:   uuid.NewString(),
		TraderID:     traderID,
		Symbol:       config.Symbol,
		Action:       signal.Action,
		Quantity:     order.FilledQty,
		EntryPrice:   entryPrice,
		CurrentPrice: entryPrice,
		Leverage:     config.Leverage,
		OpenedAt:     time.Now(),
	}

	m.mu.Lock()
	// entry may have been unregistered while the order was in flight
	if entry, ok := m.entries[traderID]; ok {
		entry.position = position
		entry.entryIndicators = signal.IndicatorValues
		entry.matchedPattern = signal.MatchedPatternID
	}
	m.mu.Unlock()

	m.logger.Info("Position opened",
		zap.String("traderId", traderID),
		zap.String("positionId", position.PositionID),
		zap.String("symbol", position.Symbol),
		zap.String("action", string(position.Action)),
		zap.String("entryPrice", entryPrice.String()))

	if m.hub != nil {
		m.hub.Publish(telemetry.ChannelPositions, position.PositionID, position)
	}
	return position, nil
}

// Close unwinds the trader's open position with a market order, persists
// the trade and notifies listeners. Idempotent when no position is open.
func (m *Manager) Close(ctx context.Context, traderID, reason string) (*types.ClosedTrade, error) {
	m.mu.Lock()
	entry, ok := m.entries[traderID]
	if !ok {
		m.mu.Unlock()
		return nil, types.NewErrorf(types.CodeNotFound, "trader %s not registered", traderID)
	}
	if entry.position == nil {
		m.mu.Unlock()
		return nil, nil
	}
	position := *entry.position
	config, adapter := entry.config, entry.adapter
	entryIndicators := entry.entryIndicators
	matchedPattern := entry.matchedPattern
	m.mu.Unlock()

	side := types.OrderSideSell
	if position.Action == types.ActionSell {
		side = types.OrderSideBuy
	}
	order, err := adapter.PlaceOrder(ctx, types.Order{
		ClientOrderID: uuid.NewString(),
		Symbol:        position.Symbol,
		Side:          side,
		Type:          types.OrderTypeMarket,
		Quantity:      position.Quantity,
	})
	if err != nil {
		return nil, types.WrapError(types.CodeOf(err), "close order failed", err)
	}

	exitPrice := order.AvgFillPrice
	if exitPrice.IsZero() {
		exitPrice = position.CurrentPrice
	}

	diff := exitPrice.Sub(position.EntryPrice)
	tradeType := types.TradeTypeLong
	if position.Action == types.ActionSell {
		diff = diff.Neg()
		tradeType = types.TradeTypeShort
	}
	profit := diff.Mul(position.Quantity)
	profitPercent := decimal.Zero
	if position.EntryPrice.IsPositive() {
		profitPercent = diff.Div(position.EntryPrice).Mul(decimal.NewFromInt(100))
	}

	trade := types.ClosedTrade{
		ID:              uuid.NewString(),
		TraderID:        traderID,
		Exchange:        config.Exchange,
		Symbol:          position.Symbol,
		Type:            tradeType,
		Status:          types.TradeStatusClosed,
		Quantity:        position.Quantity,
		EntryPrice:      position.EntryPrice,
		ExitPrice:       exitPrice,
		Profit:          profit,
		ProfitPercent:   profitPercent,
		EntryIndicators: entryIndicators,
		Timeframe:       config.Interval,
		OpenedAt:        position.OpenedAt,
		ClosedAt:        time.Now(),
	}

	m.mu.Lock()
	if entry, ok := m.entries[traderID]; ok {
		entry.position = nil
		entry.entryIndicators = nil
		entry.matchedPattern = ""
	}
	listeners := append([]CloseListener(nil), m.listeners...)
	m.mu.Unlock()

	if err := m.trades.Create(ctx, trade); err != nil {
		m.logger.Error("Failed to persist closed trade",
			zap.String("traderId", traderID),
			zap.Error(err))
	}

	m.logger.Info("Position closed",
		zap.String("traderId", traderID),
		zap.String("positionId", position.PositionID),
		zap.String("reason", reason),
		zap.String("profit", profit.String()))

	if m.hub != nil {
		m.hub.RemoveSnapshot(telemetry.ChannelPositions, position.PositionID)
		m.hub.Publish(telemetry.ChannelPositions, "", map[string]any{
			"event":      "closed",
			"positionId": position.PositionID,
			"traderId":   traderID,
			"reason":     reason,
			"profit":     profit.String(),
		})
	}
	for _, listener := range listeners {
		listener(trade, matchedPattern)
	}
	return &trade, nil
}

// CloseAll closes the trader's position. Satisfies the risk engine's
// closer port; with one position per trader it delegates to Close.
func (m *Manager) CloseAll(ctx context.Context, traderID, reason string) error {
	_, err := m.Close(ctx, traderID, reason)
	return err
}
