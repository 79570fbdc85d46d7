package exchange

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/driftline/tradecore/pkg/types"
)

// PaperAdapter is a deterministic in-process exchange. Prices follow a
// seeded sine walk around a base price so candle series are reproducible
// across runs; market orders fill instantly at the synthetic last price.
type PaperAdapter struct {
	logger *zap.Logger
	name   string

	mu        sync.RWMutex
	connected bool
	balances  map[string]decimal.Decimal
	orders    map[string]types.Order
	// fixed prices override the synthetic walk, used by tests
	prices map[string]decimal.Decimal

	orderSeq  atomic.Int64
	orderFeed orderFeed
}

// NewPaperAdapter creates a paper adapter seeded with 10,000 USDT.
func NewPaperAdapter(logger *zap.Logger, name string) *PaperAdapter {
	return &PaperAdapter{
		logger: logger.Named("paper"),
		name:   name,
		balances: map[string]decimal.Decimal{
			"USDT": decimal.NewFromInt(10000),
		},
		orders: make(map[string]types.Order),
		prices: make(map[string]decimal.Decimal),
	}
}

func (p *PaperAdapter) Connect(_ context.Context) error {
	p.mu.Lock()
	p.connected = true
	p.mu.Unlock()
	p.logger.Info("Paper adapter connected", zap.String("name", p.name))
	return nil
}

func (p *PaperAdapter) Disconnect() error {
	p.mu.Lock()
	p.connected = false
	p.mu.Unlock()
	return nil
}

func (p *PaperAdapter) IsConnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connected
}

func (p *PaperAdapter) Configure(_ AdapterConfig) error { return nil }

// SetPrice pins the synthetic price for a symbol. Subsequent tickers and
// fills use this price until changed.
func (p *PaperAdapter) SetPrice(symbol string, price decimal.Decimal) {
	p.mu.Lock()
	p.prices[symbol] = price
	p.mu.Unlock()
}

// SetBalance overrides the balance of one asset.
func (p *PaperAdapter) SetBalance(asset string, amount decimal.Decimal) {
	p.mu.Lock()
	p.balances[asset] = amount
	p.mu.Unlock()
}

// syntheticPrice derives a deterministic price from the symbol and time:
// base from the symbol's bytes, plus a slow sine oscillation of ±2%.
func (p *PaperAdapter) syntheticPrice(symbol string, at time.Time) decimal.Decimal {
	p.mu.RLock()
	pinned, ok := p.prices[symbol]
	p.mu.RUnlock()
	if ok {
		return pinned
	}

	var seed int64
	for _, ch := range symbol {
		seed = seed*31 + int64(ch)
	}
	base := float64(1000 + seed%50000)
	phase := float64(at.Unix()%3600) / 3600 * 2 * math.Pi
	price := base * (1 + 0.02*math.Sin(phase))
	return decimal.NewFromFloat(price).Round(8)
}

func (p *PaperAdapter) GetCandles(_ context.Context, symbol string, interval types.Interval, start, end time.Time, limit int) ([]types.Candle, error) {
	if limit <= 0 {
		limit = 100
	}
	step := interval.Duration()
	anchor := time.Now()
	if !end.IsZero() {
		anchor = end
	}
	anchor = anchor.Truncate(step)

	candles := make([]types.Candle, 0, limit)
	for i := limit - 1; i >= 0; i-- {
		open := anchor.Add(-time.Duration(i+1) * step)
		if !start.IsZero() && open.Before(start) {
			continue
		}
		closeT := open.Add(step)
		o := p.syntheticPrice(symbol, open)
		c := p.syntheticPrice(symbol, closeT)
		hi := decimal.Max(o, c).Mul(decimal.NewFromFloat(1.001))
		lo := decimal.Min(o, c).Mul(decimal.NewFromFloat(0.999))
		candles = append(candles, types.Candle{
			OpenTime:  open,
			CloseTime: closeT,
			Open:      o,
			High:      hi,
			Low:       lo,
			Close:     c,
			Volume:    decimal.NewFromInt(100),
		})
	}
	return candles, nil
}

func (p *PaperAdapter) GetTicker(_ context.Context, symbol string) (*types.Ticker, error) {
	now := time.Now()
	last := p.syntheticPrice(symbol, now)
	spread := last.Mul(decimal.NewFromFloat(0.0005))
	return &types.Ticker{
		Symbol:    symbol,
		Bid:       last.Sub(spread),
		Ask:       last.Add(spread),
		Last:      last,
		Volume:    decimal.NewFromInt(1000),
		Timestamp: now,
	}, nil
}

func (p *PaperAdapter) GetOrderBook(ctx context.Context, symbol string, limit int) (*types.OrderBook, error) {
	if limit <= 0 {
		limit = 5
	}
	ticker, err := p.GetTicker(ctx, symbol)
	if err != nil {
		return nil, err
	}

	book := &types.OrderBook{Symbol: symbol, Timestamp: ticker.Timestamp}
	tick := ticker.Last.Mul(decimal.NewFromFloat(0.0001))
	for i := 1; i <= limit; i++ {
		depth := decimal.NewFromInt(int64(i))
		book.Bids = append(book.Bids, types.OrderBookLevel{
			Price:    ticker.Bid.Sub(tick.Mul(depth)),
			Quantity: decimal.NewFromInt(int64(i * 10)),
		})
		book.Asks = append(book.Asks, types.OrderBookLevel{
			Price:    ticker.Ask.Add(tick.Mul(depth)),
			Quantity: decimal.NewFromInt(int64(i * 10)),
		})
	}
	return book, nil
}

func (p *PaperAdapter) GetBalance(_ context.Context) ([]types.Balance, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	balances := make([]types.Balance, 0, len(p.balances))
	for asset, free := range p.balances {
		balances = append(balances, types.Balance{Asset: asset, Free: free})
	}
	return balances, nil
}

// PlaceOrder fills market orders immediately at the synthetic last price.
// Limit orders rest as open and never fill, which is enough for the
// market-order-only trading loop.
func (p *PaperAdapter) PlaceOrder(ctx context.Context, order types.Order) (*types.Order, error) {
	if order.Quantity.LessThanOrEqual(decimal.Zero) {
		return nil, types.NewError(types.CodeInvalidArgument, "order quantity must be positive")
	}

	ticker, err := p.GetTicker(ctx, order.Symbol)
	if err != nil {
		return nil, err
	}

	order.ID = fmt.Sprintf("paper-%d", p.orderSeq.Add(1))
	order.CreatedAt = time.Now()
	order.UpdatedAt = order.CreatedAt

	switch order.Type {
	case types.OrderTypeMarket:
		order.Status = types.OrderStatusFilled
		order.FilledQty = order.Quantity
		if order.Side == types.OrderSideBuy {
			order.AvgFillPrice = ticker.Ask
		} else {
			order.AvgFillPrice = ticker.Bid
		}
	case types.OrderTypeLimit:
		order.Status = types.OrderStatusOpen
	default:
		return nil, types.NewErrorf(types.CodeInvalidArgument, "unsupported order type %q", order.Type)
	}

	p.mu.Lock()
	p.orders[order.ID] = order
	p.mu.Unlock()
	p.orderFeed.publish(order)

	p.logger.Debug("Paper order placed",
		zap.String("orderId", order.ID),
		zap.String("symbol", order.Symbol),
		zap.String("side", string(order.Side)),
		zap.String("status", string(order.Status)))
	return &order, nil
}

func (p *PaperAdapter) CancelOrder(_ context.Context, orderID, _ string) error {
	p.mu.Lock()
	order, ok := p.orders[orderID]
	if !ok {
		p.mu.Unlock()
		return types.NewErrorf(types.CodeNotFound, "order %s not found", orderID)
	}
	if order.Status != types.OrderStatusOpen && order.Status != types.OrderStatusPending {
		p.mu.Unlock()
		return types.NewErrorf(types.CodeBadState, "order %s is %s", orderID, order.Status)
	}
	order.Status = types.OrderStatusCancelled
	order.UpdatedAt = time.Now()
	p.orders[orderID] = order
	p.mu.Unlock()
	p.orderFeed.publish(order)
	return nil
}

func (p *PaperAdapter) GetOrder(_ context.Context, orderID, _ string) (*types.Order, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	order, ok := p.orders[orderID]
	if !ok {
		return nil, types.NewErrorf(types.CodeNotFound, "order %s not found", orderID)
	}
	return &order, nil
}

func (p *PaperAdapter) SubscribeCandles(ctx context.Context, symbol string, interval types.Interval) <-chan types.Candle {
	return pollCandles(ctx, p, symbol, interval)
}

func (p *PaperAdapter) SubscribeTicker(ctx context.Context, symbol string) <-chan types.Ticker {
	return pollTicker(ctx, p, symbol)
}

func (p *PaperAdapter) SubscribeOrders(ctx context.Context) <-chan types.Order {
	return p.orderFeed.subscribe(ctx)
}
