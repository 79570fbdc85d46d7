package exchange

import (
	"context"
	"sync"
	"time"

	"github.com/driftline/tradecore/pkg/types"
)

const (
	tickerPollPeriod = 2 * time.Second
	minCandlePoll    = time.Second
	maxCandlePoll    = 30 * time.Second
	streamBuffer     = 16
)

// orderFeed fans order updates out to stream subscribers. REST adapters feed
// it from their own order mutations, so the stream reflects every order that
// passed through the adapter.
type orderFeed struct {
	mu   sync.Mutex
	subs []chan types.Order
}

func (f *orderFeed) subscribe(ctx context.Context) <-chan types.Order {
	ch := make(chan types.Order, streamBuffer)
	f.mu.Lock()
	f.subs = append(f.subs, ch)
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		for i, sub := range f.subs {
			if sub == ch {
				f.subs = append(f.subs[:i], f.subs[i+1:]...)
				break
			}
		}
		f.mu.Unlock()
		close(ch)
	}()
	return ch
}

func (f *orderFeed) publish(order types.Order) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sub := range f.subs {
		select {
		case sub <- order:
		default: // slow subscriber loses updates rather than blocking fills
		}
	}
}

// candlePollPeriod keeps candle polling responsive for short intervals
// without hammering the exchange on long ones.
func candlePollPeriod(interval types.Interval) time.Duration {
	period := interval.Duration() / 4
	if period < minCandlePoll {
		period = minCandlePoll
	}
	if period > maxCandlePoll {
		period = maxCandlePoll
	}
	return period
}

// pollCandles emits each candle once as its close time advances.
func pollCandles(ctx context.Context, a Adapter, symbol string, interval types.Interval) <-chan types.Candle {
	ch := make(chan types.Candle, streamBuffer)
	go func() {
		defer close(ch)
		ticker := time.NewTicker(candlePollPeriod(interval))
		defer ticker.Stop()

		var lastClose time.Time
		for {
			candles, err := a.GetCandles(ctx, symbol, interval, time.Time{}, time.Time{}, 2)
			if err == nil && len(candles) > 0 {
				latest := candles[len(candles)-1]
				if latest.CloseTime.After(lastClose) {
					lastClose = latest.CloseTime
					select {
					case ch <- latest:
					case <-ctx.Done():
						return
					}
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return ch
}

// pollTicker emits the current ticker on a fixed cadence.
func pollTicker(ctx context.Context, a Adapter, symbol string) <-chan types.Ticker {
	ch := make(chan types.Ticker, streamBuffer)
	go func() {
		defer close(ch)
		ticker := time.NewTicker(tickerPollPeriod)
		defer ticker.Stop()

		for {
			if t, err := a.GetTicker(ctx, symbol); err == nil {
				select {
				case ch <- *t:
				case <-ctx.Done():
					return
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return ch
}
