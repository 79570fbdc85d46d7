// Package trader implements the per-worker trading loop, the lifecycle
// state machine and the signal strategies.
package trader

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/driftline/tradecore/internal/indicators"
	"github.com/driftline/tradecore/pkg/types"
)

// Default indicator periods per strategy.
const (
	trendShortPeriod = 10
	trendLongPeriod  = 30

	reversionBBPeriod  = 20
	reversionBBStdDev  = 2.0
	reversionRSIPeriod = 14

	breakoutWindow       = 20
	breakoutVolumeFactor = 1.5

	// bandwidth below this fraction of the middle band is a squeeze
	squeezeBandwidth = 0.01
)

// Strategy turns candles plus computed indicators into a signal. Generate
// is pure: all state lives in the worker.
type Strategy interface {
	Name() types.StrategyType
	RequiredIndicators() []string
	MinCandles() int
	ValidateConfig(cfg types.TraderConfig) error
	Generate(candles []types.Candle, series map[string]indicators.Series) types.Signal
}

// NewStrategy builds the strategy for the config's strategy type.
func NewStrategy(strategyType types.StrategyType) (Strategy, error) {
	switch strategyType {
	case types.StrategyTrendFollowing:
		return &trendFollowing{}, nil
	case types.StrategyMeanReversion:
		return &meanReversion{}, nil
	case types.StrategyBreakout:
		return &breakout{}, nil
	default:
		return nil, types.NewErrorf(types.CodeInvalidArgument, "unknown strategy %q", strategyType)
	}
}

func hold(reason string, confidence float64, values map[string]decimal.Decimal) types.Signal {
	return types.Signal{
		Action:          types.ActionHold,
		Confidence:      confidence,
		Reason:          reason,
		Timestamp:       time.Now(),
		IndicatorValues: values,
	}
}

// trendFollowing trades moving-average crossovers: long when the short MA
// crosses above the long MA while rising, short on the opposite cross.
type trendFollowing struct{}

func (trendFollowing) Name() types.StrategyType { return types.StrategyTrendFollowing }

func (trendFollowing) RequiredIndicators() []string {
	return []string{indicators.KeySMAShort, indicators.KeySMALong}
}

func (trendFollowing) MinCandles() int { return trendLongPeriod + 1 }

func (trendFollowing) ValidateConfig(cfg types.TraderConfig) error {
	if cfg.Strategy != types.StrategyTrendFollowing {
		return types.NewErrorf(types.CodeInvalidArgument, "config strategy %q does not match", cfg.Strategy)
	}
	return nil
}

func (trendFollowing) Generate(candles []types.Candle, series map[string]indicators.Series) types.Signal {
	short, long := series[indicators.KeySMAShort], series[indicators.KeySMALong]
	price := candles[len(candles)-1].Close

	values := map[string]decimal.Decimal{
		indicators.KeySMAShort: short.Last(),
		indicators.KeySMALong:  long.Last(),
		indicators.KeyPrice:    price,
	}

	curShort, curLong := short.Last(), long.Last()
	prevShort, prevLong := short.Prev(1), long.Prev(1)
	if curShort.IsZero() || curLong.IsZero() || prevShort.IsZero() || prevLong.IsZero() {
		return hold("insufficient moving-average history", 0, values)
	}

	slope := curShort.Sub(prevShort)
	slopePct := 0.0
	if price.IsPositive() {
		slopePct = slope.Div(price).InexactFloat64()
	}
	// steeper crossings read as stronger trends
	confidence := math.Min(0.95, 0.6+math.Abs(slopePct)*200)

	crossedUp := prevShort.LessThanOrEqual(prevLong) && curShort.GreaterThan(curLong)
	crossedDown := prevShort.GreaterThanOrEqual(prevLong) && curShort.LessThan(curLong)

	switch {
	case crossedUp && slope.IsPositive():
		return types.Signal{
			Action:          types.ActionBuy,
			Confidence:      confidence,
			Reason:          "short MA crossed above long MA with positive slope",
			Timestamp:       time.Now(),
			IndicatorValues: values,
		}
	case crossedDown && slope.IsNegative():
		return types.Signal{
			Action:          types.ActionSell,
			Confidence:      confidence,
			Reason:          "short MA crossed below long MA with negative slope",
			Timestamp:       time.Now(),
			IndicatorValues: values,
		}
	}
	return hold("no crossover", 0.1, values)
}

// meanReversion fades Bollinger Band extremes confirmed by RSI. A band
// squeeze forces HOLD regardless of the other signals.
type meanReversion struct{}

func (meanReversion) Name() types.StrategyType { return types.StrategyMeanReversion }

func (meanReversion) RequiredIndicators() []string {
	return []string{indicators.KeyBBUpper, indicators.KeyBBMiddle, indicators.KeyBBLower, indicators.KeyRSI}
}

func (meanReversion) MinCandles() int { return reversionBBPeriod + reversionRSIPeriod }

func (meanReversion) ValidateConfig(cfg types.TraderConfig) error {
	if cfg.Strategy != types.StrategyMeanReversion {
		return types.NewErrorf(types.CodeInvalidArgument, "config strategy %q does not match", cfg.Strategy)
	}
	return nil
}

func (meanReversion) Generate(candles []types.Candle, series map[string]indicators.Series) types.Signal {
	upper := series[indicators.KeyBBUpper].Last()
	middle := series[indicators.KeyBBMiddle].Last()
	lower := series[indicators.KeyBBLower].Last()
	rsi := series[indicators.KeyRSI].Last()
	price := candles[len(candles)-1].Close

	values := map[string]decimal.Decimal{
		indicators.KeyBBUpper: upper,
		indicators.KeyBBLower: lower,
		indicators.KeyRSI:     rsi,
		indicators.KeyPrice:   price,
	}

	if middle.IsZero() || upper.Equal(lower) {
		return hold("bands not formed", 0, values)
	}

	bandwidth := upper.Sub(lower).Div(middle).InexactFloat64()
	if bandwidth < squeezeBandwidth {
		return hold("band squeeze", 0.1, values)
	}

	// %B: 0 at the lower band, 1 at the upper
	percentB := price.Sub(lower).Div(upper.Sub(lower)).InexactFloat64()
	rsiVal := rsi.InexactFloat64()

	if price.LessThanOrEqual(lower) && rsiVal < 30 {
		confidence := math.Min(0.95, 0.5*(30-rsiVal)/30+0.5*math.Min(1, -percentB+1))
		return types.Signal{
			Action:          types.ActionBuy,
			Confidence:      confidence,
			Reason:          "price at lower band with oversold RSI",
			Timestamp:       time.Now(),
			IndicatorValues: values,
		}
	}
	if price.GreaterThanOrEqual(upper) && rsiVal > 70 {
		confidence := math.Min(0.95, 0.5*(rsiVal-70)/30+0.5*math.Min(1, percentB))
		return types.Signal{
			Action:          types.ActionSell,
			Confidence:      confidence,
			Reason:          "price at upper band with overbought RSI",
			Timestamp:       time.Now(),
			IndicatorValues: values,
		}
	}
	return hold("price inside bands", 0.1, values)
}

// breakout trades closes beyond the recent high/low window, requiring
// above-average volume as confirmation.
type breakout struct{}

func (breakout) Name() types.StrategyType { return types.StrategyBreakout }

func (breakout) RequiredIndicators() []string {
	return []string{indicators.KeyPrice}
}

func (breakout) MinCandles() int { return breakoutWindow + 1 }

func (breakout) ValidateConfig(cfg types.TraderConfig) error {
	if cfg.Strategy != types.StrategyBreakout {
		return types.NewErrorf(types.CodeInvalidArgument, "config strategy %q does not match", cfg.Strategy)
	}
	return nil
}

func (breakout) Generate(candles []types.Candle, _ map[string]indicators.Series) types.Signal {
	last := candles[len(candles)-1]
	window := candles[len(candles)-1-breakoutWindow : len(candles)-1]

	resistance := window[0].High
	support := window[0].Low
	volumeSum := decimal.Zero
	for _, c := range window {
		if c.High.GreaterThan(resistance) {
			resistance = c.High
		}
		if c.Low.LessThan(support) {
			support = c.Low
		}
		volumeSum = volumeSum.Add(c.Volume)
	}
	avgVolume := volumeSum.Div(decimal.NewFromInt(int64(len(window))))

	values := map[string]decimal.Decimal{
		indicators.KeyPrice: last.Close,
		"RESISTANCE":        resistance,
		"SUPPORT":           support,
	}

	volumeConfirmed := last.Volume.GreaterThanOrEqual(avgVolume.Mul(decimal.NewFromFloat(breakoutVolumeFactor)))
	if !volumeConfirmed {
		return hold("no volume confirmation", 0.1, values)
	}

	margin := func(ref decimal.Decimal) float64 {
		if ref.IsZero() {
			return 0
		}
		return last.Close.Sub(ref).Abs().Div(ref).InexactFloat64()
	}

	if last.Close.GreaterThan(resistance) {
		return types.Signal{
			Action:          types.ActionBuy,
			Confidence:      math.Min(0.95, 0.6+margin(resistance)*20),
			Reason:          "close above resistance with volume",
			Timestamp:       time.Now(),
			IndicatorValues: values,
		}
	}
	if last.Close.LessThan(support) {
		return types.Signal{
			Action:          types.ActionSell,
			Confidence:      math.Min(0.95, 0.6+margin(support)*20),
			Reason:          "close below support with volume",
			Timestamp:       time.Now(),
			IndicatorValues: values,
		}
	}
	return hold("inside range", 0.1, values)
}
