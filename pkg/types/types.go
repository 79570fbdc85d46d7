// Package types provides shared type definitions for the trading core.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Exchange identifies a supported exchange.
type Exchange string

const (
	ExchangeBinance Exchange = "BINANCE"
	ExchangeBybit   Exchange = "BYBIT"
	ExchangePaper   Exchange = "PAPER"
)

// Valid reports whether the exchange is one of the supported set.
func (e Exchange) Valid() bool {
	switch e {
	case ExchangeBinance, ExchangeBybit, ExchangePaper:
		return true
	}
	return false
}

// TraderState is the lifecycle state of a worker.
// Allowed transitions: IDLE -> STARTING -> RUNNING <-> PAUSED -> STOPPING -> STOPPED,
// IDLE -> STOPPED (stop before first start), any state -> ERROR,
// ERROR -> STOPPED (explicit stop only).
type TraderState string

const (
	StateIdle     TraderState = "IDLE"
	StateStarting TraderState = "STARTING"
	StateRunning  TraderState = "RUNNING"
	StatePaused   TraderState = "PAUSED"
	StateStopping TraderState = "STOPPING"
	StateStopped  TraderState = "STOPPED"
	StateError    TraderState = "ERROR"
)

// CanTransition reports whether the transition from s to next is legal.
func (s TraderState) CanTransition(next TraderState) bool {
	if next == StateError {
		return true
	}
	switch s {
	case StateIdle:
		return next == StateStarting || next == StateStopped
	case StateStarting:
		return next == StateRunning || next == StateStopping
	case StateRunning:
		return next == StatePaused || next == StateStopping
	case StatePaused:
		return next == StateRunning || next == StateStopping
	case StateStopping:
		return next == StateStopped
	case StateStopped:
		return next == StateStarting
	case StateError:
		return next == StateStopped
	}
	return false
}

// IsStartable reports whether the state accepts a start.
func (s TraderState) IsStartable() bool {
	return s == StateIdle || s == StateStopped
}

// StrategyType selects the signal generator for a worker.
type StrategyType string

const (
	StrategyTrendFollowing StrategyType = "TREND_FOLLOWING"
	StrategyMeanReversion  StrategyType = "MEAN_REVERSION"
	StrategyBreakout       StrategyType = "BREAKOUT"
)

// Valid reports whether the strategy type is known.
func (s StrategyType) Valid() bool {
	switch s {
	case StrategyTrendFollowing, StrategyMeanReversion, StrategyBreakout:
		return true
	}
	return false
}

// Interval is a candlestick interval.
type Interval string

const (
	IntervalOneMinute      Interval = "1m"
	IntervalFiveMinutes    Interval = "5m"
	IntervalFifteenMinutes Interval = "15m"
	IntervalOneHour        Interval = "1h"
	IntervalOneDay         Interval = "1d"
)

// Duration returns the wall-clock span of one candle of this interval.
// Unknown intervals fall back to one hour.
func (i Interval) Duration() time.Duration {
	switch i {
	case IntervalOneMinute:
		return time.Minute
	case IntervalFiveMinutes:
		return 5 * time.Minute
	case IntervalFifteenMinutes:
		return 15 * time.Minute
	case IntervalOneHour:
		return time.Hour
	case IntervalOneDay:
		return 24 * time.Hour
	}
	return time.Hour
}

// Valid reports whether the interval is one of the supported set.
func (i Interval) Valid() bool {
	switch i {
	case IntervalOneMinute, IntervalFiveMinutes, IntervalFifteenMinutes, IntervalOneHour, IntervalOneDay:
		return true
	}
	return false
}

// Candle is a single OHLCV record for a fixed interval.
type Candle struct {
	OpenTime  time.Time       `json:"openTime"`
	CloseTime time.Time       `json:"closeTime"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

// SignalAction is the directive carried by a trading signal.
type SignalAction string

const (
	ActionBuy   SignalAction = "BUY"
	ActionSell  SignalAction = "SELL"
	ActionHold  SignalAction = "HOLD"
	ActionClose SignalAction = "CLOSE"
)

// Signal is the output of one trading-loop iteration.
type Signal struct {
	Action           SignalAction               `json:"action"`
	Confidence       float64                    `json:"confidence"` // 0..1
	Reason           string                     `json:"reason"`
	Timestamp        time.Time                  `json:"timestamp"`
	IndicatorValues  map[string]decimal.Decimal `json:"indicatorValues,omitempty"`
	MatchedPatternID string                     `json:"matchedPatternId,omitempty"`
}

// Actionable reports whether the signal can open a position.
func (s Signal) Actionable() bool {
	return s.Action == ActionBuy || s.Action == ActionSell
}

// OrderSide represents buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType represents the type of order.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// OrderStatus represents the status of an order.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusOpen      OrderStatus = "open"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusRejected  OrderStatus = "rejected"
)

// Order represents a trading order handed to an exchange adapter.
type Order struct {
	ID            string          `json:"id"`
	ClientOrderID string          `json:"clientOrderId,omitempty"`
	Symbol        string          `json:"symbol"`
	Side          OrderSide       `json:"side"`
	Type          OrderType       `json:"type"`
	Quantity      decimal.Decimal `json:"quantity"`
	Price         decimal.Decimal `json:"price,omitempty"`
	Status        OrderStatus     `json:"status"`
	FilledQty     decimal.Decimal `json:"filledQty"`
	AvgFillPrice  decimal.Decimal `json:"avgFillPrice"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// Ticker is a point-in-time price snapshot.
type Ticker struct {
	Symbol    string          `json:"symbol"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	Last      decimal.Decimal `json:"last"`
	Volume    decimal.Decimal `json:"volume"`
	Timestamp time.Time       `json:"timestamp"`
}

// OrderBookLevel represents a price level in the order book.
type OrderBookLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// OrderBook represents an order book snapshot.
type OrderBook struct {
	Symbol    string           `json:"symbol"`
	Bids      []OrderBookLevel `json:"bids"`
	Asks      []OrderBookLevel `json:"asks"`
	Timestamp time.Time        `json:"timestamp"`
}

// Balance is an account balance for one asset.
type Balance struct {
	Asset  string          `json:"asset"`
	Free   decimal.Decimal `json:"free"`
	Locked decimal.Decimal `json:"locked"`
}

// ManagedPosition is a position owned by one worker.
// Created by the trading loop on signal execution, mutated only by the
// risk engine or closing logic, destroyed on close.
type ManagedPosition struct {
	PositionID            string          `json:"positionId"`
	TraderID              string          `json:"traderId"`
	Symbol                string          `json:"symbol"`
	Action                SignalAction    `json:"action"`
	Quantity              decimal.Decimal `json:"quantity"`
	EntryPrice            decimal.Decimal `json:"entryPrice"`
	CurrentPrice          decimal.Decimal `json:"currentPrice"`
	Leverage              int             `json:"leverage"`
	StopLossPrice         decimal.Decimal `json:"stopLossPrice,omitempty"`
	TakeProfitPrice       decimal.Decimal `json:"takeProfitPrice,omitempty"`
	TrailingStopActivated bool            `json:"trailingStopActivated"`
	OpenedAt              time.Time       `json:"openedAt"`
}

// NotionalValue returns |quantity * currentPrice| * max(1, leverage).
func (p *ManagedPosition) NotionalValue() decimal.Decimal {
	lev := p.Leverage
	if lev < 1 {
		lev = 1
	}
	return p.Quantity.Mul(p.CurrentPrice).Abs().Mul(decimal.NewFromInt(int64(lev)))
}

// UnrealizedPnL returns the mark-to-market profit of the open position.
// SELL positions profit when price falls.
func (p *ManagedPosition) UnrealizedPnL() decimal.Decimal {
	diff := p.CurrentPrice.Sub(p.EntryPrice)
	if p.Action == ActionSell {
		diff = diff.Neg()
	}
	return diff.Mul(p.Quantity)
}

// TradeStatus is the lifecycle status of a persisted trade.
type TradeStatus string

const (
	TradeStatusOpen      TradeStatus = "OPEN"
	TradeStatusClosed    TradeStatus = "CLOSED"
	TradeStatusCancelled TradeStatus = "CANCELLED"
)

// TradeType is the direction of a persisted trade.
type TradeType string

const (
	TradeTypeLong  TradeType = "LONG"
	TradeTypeShort TradeType = "SHORT"
)

// ClosedTrade is the durable record of a finished trade, used by the
// pattern service for extraction and by the risk engine's rolling P&L.
type ClosedTrade struct {
	ID              string                     `json:"id"`
	TraderID        string                     `json:"traderId"`
	Exchange        Exchange                   `json:"exchange"`
	Symbol          string                     `json:"symbol"`
	Type            TradeType                  `json:"type"`
	Status          TradeStatus                `json:"status"`
	Quantity        decimal.Decimal            `json:"quantity"`
	EntryPrice      decimal.Decimal            `json:"entryPrice"`
	ExitPrice       decimal.Decimal            `json:"exitPrice"`
	Profit          decimal.Decimal            `json:"profit"`
	ProfitPercent   decimal.Decimal            `json:"profitPercent"`
	EntryIndicators map[string]decimal.Decimal `json:"entryIndicators,omitempty"`
	Timeframe       Interval                   `json:"timeframe"`
	OpenedAt        time.Time                  `json:"openedAt"`
	ClosedAt        time.Time                  `json:"closedAt"`
}
