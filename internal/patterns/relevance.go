package patterns

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/driftline/tradecore/pkg/types"
)

// MarketConditions is the point-in-time view a worker builds from its latest
// indicators before asking for pattern matches.
type MarketConditions struct {
	Exchange   types.Exchange
	Symbol     string
	Timeframe  types.Interval
	Price      decimal.Decimal
	Indicators map[string]decimal.Decimal
}

// RelevanceCalculator scores how well current conditions satisfy a pattern's
// predicates. Scores are in [0,1]; 1 means every predicate holds exactly.
type RelevanceCalculator struct{}

// Score returns the mean per-predicate score. A predicate over an indicator
// missing from the conditions scores 0: absence of evidence is treated as
// non-match, not as a free pass.
func (RelevanceCalculator) Score(pattern *TradingPattern, conditions MarketConditions) float64 {
	if len(pattern.Conditions) == 0 {
		return 0
	}

	var total float64
	for name, predicate := range pattern.Conditions {
		value, ok := conditions.Indicators[name]
		if !ok {
			continue
		}
		total += predicateScore(predicate, value.InexactFloat64())
	}
	return total / float64(len(pattern.Conditions))
}

// predicateScore grades one predicate against a value. Inside a range or on
// the right side of a threshold scores 1; outside, the score decays with
// distance so near-misses still rank above far misses.
func predicateScore(p IndicatorPredicate, value float64) float64 {
	switch p.Kind {
	case PredicateRange:
		min, max := p.Min.InexactFloat64(), p.Max.InexactFloat64()
		if value >= min && value <= max {
			return 1
		}
		width := max - min
		if width <= 0 {
			width = math.Max(math.Abs(min)*0.01, 1e-9)
		}
		var dist float64
		if value < min {
			dist = min - value
		} else {
			dist = value - max
		}
		return decay(dist / width)
	case PredicatePoint:
		target := p.Value.InexactFloat64()
		scale := math.Max(math.Abs(target)*0.05, 1e-9)
		return decay(math.Abs(value-target) / scale)
	case PredicateAbove:
		threshold := p.Value.InexactFloat64()
		if value >= threshold {
			return 1
		}
		scale := math.Max(math.Abs(threshold)*0.05, 1e-9)
		return decay((threshold - value) / scale)
	case PredicateBelow:
		threshold := p.Value.InexactFloat64()
		if value <= threshold {
			return 1
		}
		scale := math.Max(math.Abs(threshold)*0.05, 1e-9)
		return decay((value - threshold) / scale)
	}
	return 0
}

// decay maps a normalised distance to (0,1], halving roughly every unit.
func decay(normDist float64) float64 {
	return math.Exp(-normDist * math.Ln2)
}
