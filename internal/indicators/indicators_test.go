package indicators

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/driftline/tradecore/pkg/types"
)

func makeCandles(closes []float64) []types.Candle {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	candles := make([]types.Candle, len(closes))
	for i, c := range closes {
		open := start.Add(time.Duration(i) * time.Minute)
		price := decimal.NewFromFloat(c)
		candles[i] = types.Candle{
			OpenTime:  open,
			CloseTime: open.Add(time.Minute),
			Open:      price,
			High:      price,
			Low:       price,
			Close:     price,
			Volume:    decimal.NewFromInt(1),
		}
	}
	return candles
}

func rising(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 100 + float64(i)
	}
	return out
}

func TestValidateRejectsShortSeries(t *testing.T) {
	p := NewProcessor(zap.NewNop())

	err := p.Validate(makeCandles(rising(5)), 10)
	require.Error(t, err)
	assert.Equal(t, types.CodeInvalidArgument, types.CodeOf(err))
}

func TestValidateRejectsOutOfOrderCandles(t *testing.T) {
	p := NewProcessor(zap.NewNop())

	candles := makeCandles(rising(10))
	candles[4], candles[5] = candles[5], candles[4]

	err := p.Validate(candles, 2)
	require.Error(t, err)
	assert.Equal(t, types.CodeInvalidArgument, types.CodeOf(err))
}

func TestValidateRejectsOverlappingCandles(t *testing.T) {
	p := NewProcessor(zap.NewNop())

	candles := makeCandles(rising(10))
	candles[5].OpenTime = candles[4].CloseTime.Add(-time.Second)

	err := p.Validate(candles, 2)
	require.Error(t, err)
}

func TestValidateAcceptsLargeJumpWithWarning(t *testing.T) {
	p := NewProcessor(zap.NewNop())

	closes := rising(10)
	closes[5] = closes[4] * 3 // 200% jump is a warning, not a rejection
	require.NoError(t, p.Validate(makeCandles(closes), 2))
}

func TestSMAConvergesOnFlatSeries(t *testing.T) {
	p := NewProcessor(zap.NewNop())

	flat := make([]float64, 30)
	for i := range flat {
		flat[i] = 250
	}
	sma, err := p.SMA(makeCandles(flat), 10)
	require.NoError(t, err)
	assert.InDelta(t, 250, sma.Last().InexactFloat64(), 1e-9)
}

func TestRSIExtremesOnMonotoneSeries(t *testing.T) {
	p := NewProcessor(zap.NewNop())

	up, err := p.RSI(makeCandles(rising(40)), 14)
	require.NoError(t, err)
	assert.Greater(t, up.Last().InexactFloat64(), 70.0)

	falling := rising(40)
	for i, j := 0, len(falling)-1; i < j; i, j = i+1, j-1 {
		falling[i], falling[j] = falling[j], falling[i]
	}
	down, err := p.RSI(makeCandles(falling), 14)
	require.NoError(t, err)
	assert.Less(t, down.Last().InexactFloat64(), 30.0)
}

func TestMACDPositiveInUptrend(t *testing.T) {
	p := NewProcessor(zap.NewNop())

	macd, sig, hist, err := p.MACD(makeCandles(rising(60)), 12, 26, 9)
	require.NoError(t, err)
	assert.True(t, macd.Last().IsPositive())
	assert.True(t, sig.Last().IsPositive())
	assert.Equal(t, len(macd), len(hist))
}

func TestBollingerOrdering(t *testing.T) {
	p := NewProcessor(zap.NewNop())

	upper, middle, lower, err := p.Bollinger(makeCandles(rising(40)), 20, 2)
	require.NoError(t, err)
	assert.True(t, upper.Last().GreaterThanOrEqual(middle.Last()))
	assert.True(t, middle.Last().GreaterThanOrEqual(lower.Last()))
}

func TestCacheReturnsSameSeriesForUnchangedInput(t *testing.T) {
	p := NewProcessor(zap.NewNop())
	candles := makeCandles(rising(40))

	first, err := p.RSI(candles, 14)
	require.NoError(t, err)
	second, err := p.RSI(candles, 14)
	require.NoError(t, err)
	assert.True(t, first.Last().Equal(second.Last()))

	// a fresh candle invalidates the cached entry; the pullback drops RSI
	// off its monotone-series ceiling
	extended := append(candles, makeCandles([]float64{100})...)
	extended[len(extended)-1].OpenTime = candles[len(candles)-1].CloseTime
	extended[len(extended)-1].CloseTime = extended[len(extended)-1].OpenTime.Add(time.Minute)
	third, err := p.RSI(extended, 14)
	require.NoError(t, err)
	assert.False(t, third.Last().Equal(second.Last()))
}

func TestCacheKeyedOnSeriesContent(t *testing.T) {
	p := NewProcessor(zap.NewNop())

	// identical length and close times, different prices
	up := makeCandles(rising(40))
	downCloses := rising(40)
	for i, j := 0, len(downCloses)-1; i < j; i, j = i+1, j-1 {
		downCloses[i], downCloses[j] = downCloses[j], downCloses[i]
	}
	down := makeCandles(downCloses)

	first, err := p.SMA(up, 10)
	require.NoError(t, err)
	second, err := p.SMA(down, 10)
	require.NoError(t, err)
	assert.False(t, first.Last().Equal(second.Last()),
		"falling series must not hit the rising series' cache entry")
}

func TestSeriesAccessors(t *testing.T) {
	s := Series{decimal.NewFromInt(1), decimal.NewFromInt(2), decimal.NewFromInt(3)}
	assert.True(t, s.Last().Equal(decimal.NewFromInt(3)))
	assert.True(t, s.Prev(1).Equal(decimal.NewFromInt(2)))
	assert.True(t, s.Prev(5).IsZero())
	assert.True(t, Series{}.Last().IsZero())
}
