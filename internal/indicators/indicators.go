// Package indicators computes technical indicators over candle sequences.
// Kernels are pure functions; the Processor adds input validation and a
// short-lived cache keyed by the latest candle so an unchanged series is
// never recomputed.
package indicators

import (
	"fmt"
	"hash/fnv"
	"time"

	talib "github.com/markcheno/go-talib"
	"github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/driftline/tradecore/pkg/types"
)

// Canonical indicator keys shared by strategies, signals and patterns.
const (
	KeyRSI        = "RSI"
	KeyMACD       = "MACD"
	KeyMACDSignal = "MACD_SIGNAL"
	KeyMACDHist   = "MACD_HIST"
	KeySMAShort   = "SMA_SHORT"
	KeySMALong    = "SMA_LONG"
	KeyEMAShort   = "EMA_SHORT"
	KeyEMALong    = "EMA_LONG"
	KeyBBUpper    = "BB_UPPER"
	KeyBBMiddle   = "BB_MIDDLE"
	KeyBBLower    = "BB_LOWER"
	KeyPrice      = "PRICE"
)

// jumpWarnRatio is the consecutive-close price move that triggers a data
// quality warning. Moves this large are usually feed glitches.
const jumpWarnRatio = 0.5

// Series is an indicator value per candle, aligned with the input; leading
// entries within the warm-up window are zero.
type Series []decimal.Decimal

// Last returns the final value of the series, or zero when empty.
func (s Series) Last() decimal.Decimal {
	if len(s) == 0 {
		return decimal.Zero
	}
	return s[len(s)-1]
}

// Prev returns the value n positions before the end, or zero when out of
// range.
func (s Series) Prev(n int) decimal.Decimal {
	idx := len(s) - 1 - n
	if idx < 0 {
		return decimal.Zero
	}
	return s[idx]
}

// Processor validates candle input and computes cached indicator series.
// One Processor is owned by one worker and rebuilt on config change.
type Processor struct {
	logger *zap.Logger
	cache  *cache.Cache
}

// NewProcessor creates a Processor with a 5-minute result cache.
func NewProcessor(logger *zap.Logger) *Processor {
	return &Processor{
		logger: logger.Named("indicators"),
		cache:  cache.New(5*time.Minute, 10*time.Minute),
	}
}

// Validate checks the candle series before any computation: chronological
// order, no candle opening before its predecessor closed, and at least
// minPoints entries. Consecutive closes moving more than 50% log a warning
// but do not reject the series.
func (p *Processor) Validate(candles []types.Candle, minPoints int) error {
	if len(candles) < minPoints {
		return types.NewErrorf(types.CodeInvalidArgument,
			"insufficient candle data: have %d, need %d", len(candles), minPoints)
	}
	for i := 1; i < len(candles); i++ {
		prev, cur := candles[i-1], candles[i]
		if !cur.OpenTime.After(prev.OpenTime) {
			return types.NewErrorf(types.CodeInvalidArgument,
				"candles out of order at index %d", i)
		}
		if cur.OpenTime.Before(prev.CloseTime) {
			return types.NewErrorf(types.CodeInvalidArgument,
				"candle %d opens before previous close", i)
		}
		if prev.Close.IsPositive() {
			jump := cur.Close.Sub(prev.Close).Abs().Div(prev.Close)
			if jump.InexactFloat64() > jumpWarnRatio {
				p.logger.Warn("Large price jump between candles",
					zap.Int("index", i),
					zap.String("prevClose", prev.Close.String()),
					zap.String("close", cur.Close.String()))
			}
		}
	}
	return nil
}

// RSI computes the relative strength index.
func (p *Processor) RSI(candles []types.Candle, period int) (Series, error) {
	return p.cached(candles, fmt.Sprintf("RSI:%d", period), period+1, func(closes []float64) []float64 {
		return talib.Rsi(closes, period)
	})
}

// SMA computes a simple moving average.
func (p *Processor) SMA(candles []types.Candle, period int) (Series, error) {
	return p.cached(candles, fmt.Sprintf("SMA:%d", period), period, func(closes []float64) []float64 {
		return talib.Sma(closes, period)
	})
}

// EMA computes an exponential moving average.
func (p *Processor) EMA(candles []types.Candle, period int) (Series, error) {
	return p.cached(candles, fmt.Sprintf("EMA:%d", period), period, func(closes []float64) []float64 {
		return talib.Ema(closes, period)
	})
}

// MACD computes the MACD line, signal line and histogram.
func (p *Processor) MACD(candles []types.Candle, fast, slow, signal int) (macd, sig, hist Series, err error) {
	key := fmt.Sprintf("MACD:%d:%d:%d", fast, slow, signal)
	minPoints := slow + signal

	if cached, ok := p.lookupMulti(key, candles); ok {
		return cached[0], cached[1], cached[2], nil
	}
	if err := p.Validate(candles, minPoints); err != nil {
		return nil, nil, nil, err
	}

	m, s, h := talib.Macd(closes(candles), fast, slow, signal)
	macd, sig, hist = toSeries(m), toSeries(s), toSeries(h)
	p.storeMulti(key, candles, []Series{macd, sig, hist})
	return macd, sig, hist, nil
}

// Bollinger computes Bollinger Bands with the given period and deviation.
func (p *Processor) Bollinger(candles []types.Candle, period int, stdDev float64) (upper, middle, lower Series, err error) {
	key := fmt.Sprintf("BB:%d:%.2f", period, stdDev)

	if cached, ok := p.lookupMulti(key, candles); ok {
		return cached[0], cached[1], cached[2], nil
	}
	if err := p.Validate(candles, period); err != nil {
		return nil, nil, nil, err
	}

	u, m, l := talib.BBands(closes(candles), period, stdDev, stdDev, talib.SMA)
	upper, middle, lower = toSeries(u), toSeries(m), toSeries(l)
	p.storeMulti(key, candles, []Series{upper, middle, lower})
	return upper, middle, lower, nil
}

// Reset drops all cached series. Called on config change.
func (p *Processor) Reset() {
	p.cache.Flush()
}

func (p *Processor) cached(candles []types.Candle, name string, minPoints int, compute func([]float64) []float64) (Series, error) {
	key := cacheKey(name, candles)
	if key != "" {
		if v, ok := p.cache.Get(key); ok {
			return v.(Series), nil
		}
	}
	if err := p.Validate(candles, minPoints); err != nil {
		return nil, err
	}
	series := toSeries(compute(closes(candles)))
	if key != "" {
		p.cache.Set(key, series, cache.DefaultExpiration)
	}
	return series, nil
}

func (p *Processor) lookupMulti(name string, candles []types.Candle) ([]Series, bool) {
	key := cacheKey(name, candles)
	if key == "" {
		return nil, false
	}
	v, ok := p.cache.Get(key)
	if !ok {
		return nil, false
	}
	return v.([]Series), true
}

func (p *Processor) storeMulti(name string, candles []types.Candle, series []Series) {
	if key := cacheKey(name, candles); key != "" {
		p.cache.Set(key, series, cache.DefaultExpiration)
	}
}

// cacheKey ties the result to the series content: length, latest close time
// and a digest of every close price. Two windows that merely share length and
// end time must not collide.
func cacheKey(name string, candles []types.Candle) string {
	if len(candles) == 0 {
		return ""
	}
	digest := fnv.New64a()
	for _, c := range candles {
		digest.Write([]byte(c.Close.String()))
		digest.Write([]byte{','})
	}
	last := candles[len(candles)-1].CloseTime.UnixMilli()
	return fmt.Sprintf("%s:%d:%d:%x", name, len(candles), last, digest.Sum64())
}

func closes(candles []types.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close.InexactFloat64()
	}
	return out
}

func toSeries(values []float64) Series {
	out := make(Series, len(values))
	for i, v := range values {
		out[i] = decimal.NewFromFloat(v)
	}
	return out
}
