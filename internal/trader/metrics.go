package trader

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Metrics is the worker's mutex-protected counter set. Invariants:
// SignalsExecuted <= SignalsTotal, WinningTrades <= TradesClosed.
type Metrics struct {
	mu sync.Mutex

	signalsTotal    int64
	signalsExecuted int64
	signalsDenied   int64
	tradesOpened    int64
	tradesClosed    int64
	winningTrades   int64
	totalProfit     decimal.Decimal
	errorCount      int64
	lastSignalAt    time.Time
	lastError       string
}

// MetricsSnapshot is a point-in-time copy safe to serialise.
type MetricsSnapshot struct {
	SignalsTotal    int64           `json:"signalsTotal"`
	SignalsExecuted int64           `json:"signalsExecuted"`
	SignalsDenied   int64           `json:"signalsDenied"`
	TradesOpened    int64           `json:"tradesOpened"`
	TradesClosed    int64           `json:"tradesClosed"`
	WinningTrades   int64           `json:"winningTrades"`
	TotalProfit     decimal.Decimal `json:"totalProfit"`
	ErrorCount      int64           `json:"errorCount"`
	LastSignalAt    time.Time       `json:"lastSignalAt"`
	LastError       string          `json:"lastError,omitempty"`
}

func (m *Metrics) recordSignal(executed, denied bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signalsTotal++
	if executed {
		m.signalsExecuted++
	}
	if denied {
		m.signalsDenied++
	}
	m.lastSignalAt = time.Now()
}

func (m *Metrics) recordOpen() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tradesOpened++
}

func (m *Metrics) recordClose(profit decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tradesClosed++
	if profit.IsPositive() {
		m.winningTrades++
	}
	m.totalProfit = m.totalProfit.Add(profit)
}

func (m *Metrics) recordError(msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errorCount++
	m.lastError = msg
}

func (m *Metrics) lastSignalTime() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSignalAt
}

func (m *Metrics) errors() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.errorCount
}

// Snapshot returns a consistent copy of all counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return MetricsSnapshot{
		SignalsTotal:    m.signalsTotal,
		SignalsExecuted: m.signalsExecuted,
		SignalsDenied:   m.signalsDenied,
		TradesOpened:    m.tradesOpened,
		TradesClosed:    m.tradesClosed,
		WinningTrades:   m.winningTrades,
		TotalProfit:     m.totalProfit,
		ErrorCount:      m.errorCount,
		LastSignalAt:    m.lastSignalAt,
		LastError:       m.lastError,
	}
}
