// Package exchange provides the exchange adapter port and its
// implementations. Adapters wrap exchange-specific wire protocols behind a
// uniform capability set; symbol normalisation is the adapter's job.
package exchange

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/driftline/tradecore/pkg/types"
)

// AdapterConfig carries credentials and tuning for one adapter instance.
type AdapterConfig struct {
	APIKey     string
	APISecret  string
	BaseURL    string
	Demo       bool
	TimeoutSec int // per-operation timeout, default 10
}

// Adapter is the exchange capability set the core depends on. All calls are
// cancellable through ctx and bounded by the adapter's per-operation timeout.
// Implementations must be safe for concurrent use: one instance is shared by
// every worker on the same exchange.
type Adapter interface {
	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool
	Configure(cfg AdapterConfig) error

	// GetCandles fetches klines; zero start/end leave the range unbounded.
	GetCandles(ctx context.Context, symbol string, interval types.Interval, start, end time.Time, limit int) ([]types.Candle, error)
	GetTicker(ctx context.Context, symbol string) (*types.Ticker, error)
	GetOrderBook(ctx context.Context, symbol string, limit int) (*types.OrderBook, error)
	GetBalance(ctx context.Context) ([]types.Balance, error)

	PlaceOrder(ctx context.Context, order types.Order) (*types.Order, error)
	CancelOrder(ctx context.Context, orderID, symbol string) error
	GetOrder(ctx context.Context, orderID, symbol string) (*types.Order, error)

	// Streams end when ctx is cancelled; their channels are then closed.
	SubscribeCandles(ctx context.Context, symbol string, interval types.Interval) <-chan types.Candle
	SubscribeTicker(ctx context.Context, symbol string) <-chan types.Ticker
	SubscribeOrders(ctx context.Context) <-chan types.Order
}

// Factory builds and caches one adapter per exchange. Before any reconfigure
// the caller must ReleaseAdapter so stale credentials or demo flags cannot
// leak into the next instance.
type Factory struct {
	logger *zap.Logger
	mu     sync.Mutex
	cache  map[types.Exchange]Adapter
	cfg    AdapterConfig
}

// NewFactory creates an adapter factory with the given default config.
func NewFactory(logger *zap.Logger, cfg AdapterConfig) *Factory {
	return &Factory{
		logger: logger.Named("exchange"),
		cache:  make(map[types.Exchange]Adapter),
		cfg:    cfg,
	}
}

// GetAdapter returns the cached adapter for the exchange, building one on
// first use.
func (f *Factory) GetAdapter(exchange types.Exchange) (Adapter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if adapter, ok := f.cache[exchange]; ok {
		return adapter, nil
	}

	var adapter Adapter
	switch exchange {
	case types.ExchangeBinance, types.ExchangeBybit:
		if f.cfg.Demo {
			adapter = NewPaperAdapter(f.logger, string(exchange))
		} else {
			adapter = NewBinanceAdapter(f.logger, f.cfg)
		}
	case types.ExchangePaper:
		adapter = NewPaperAdapter(f.logger, string(exchange))
	default:
		return nil, types.NewErrorf(types.CodeInvalidArgument, "unsupported exchange %q", exchange)
	}

	f.cache[exchange] = adapter
	f.logger.Info("Adapter created", zap.String("exchange", string(exchange)))
	return adapter, nil
}

// ReleaseAdapter disconnects and evicts the cached adapter for the exchange.
// Mandatory before Reconfigure so demo/production state cannot carry over.
func (f *Factory) ReleaseAdapter(exchange types.Exchange) {
	f.mu.Lock()
	defer f.mu.Unlock()

	adapter, ok := f.cache[exchange]
	if !ok {
		return
	}
	if err := adapter.Disconnect(); err != nil {
		f.logger.Warn("Adapter disconnect failed",
			zap.String("exchange", string(exchange)),
			zap.Error(err))
	}
	delete(f.cache, exchange)
	f.logger.Info("Adapter released", zap.String("exchange", string(exchange)))
}

// Reconfigure releases any cached adapter for the exchange and installs the
// new default config for subsequent GetAdapter calls.
func (f *Factory) Reconfigure(exchange types.Exchange, cfg AdapterConfig) {
	f.ReleaseAdapter(exchange)
	f.mu.Lock()
	f.cfg = cfg
	f.mu.Unlock()
}
