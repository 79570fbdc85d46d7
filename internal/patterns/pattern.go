// Package patterns implements the learned-pattern service: extraction from
// closed winning trades, relevance-scored matching against live market
// conditions, performance feedback and pruning.
package patterns

import (
	"encoding/json"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/driftline/tradecore/internal/repository"
	"github.com/driftline/tradecore/pkg/types"
)

// PatternType classifies how a pattern was formed. Extraction assigns types
// by fixed priority: oversold, overbought, trend, momentum, custom.
type PatternType string

const (
	PatternOversoldReversal   PatternType = "OVERSOLD_REVERSAL"
	PatternOverboughtReversal PatternType = "OVERBOUGHT_REVERSAL"
	PatternTrendFollowing     PatternType = "TREND_FOLLOWING"
	PatternMomentum           PatternType = "MOMENTUM_CONTINUATION"
	PatternCustom             PatternType = "CUSTOM"
)

// PredicateKind discriminates the IndicatorPredicate variants.
type PredicateKind string

const (
	PredicateRange PredicateKind = "range"
	PredicatePoint PredicateKind = "point"
	PredicateAbove PredicateKind = "above"
	PredicateBelow PredicateKind = "below"
)

// IndicatorPredicate is one named condition over an indicator value. Exactly
// the fields for its kind are meaningful.
type IndicatorPredicate struct {
	Kind  PredicateKind   `json:"kind"`
	Min   decimal.Decimal `json:"min,omitempty"`
	Max   decimal.Decimal `json:"max,omitempty"`
	Value decimal.Decimal `json:"value,omitempty"`
}

// RangePredicate builds a range predicate over [min, max].
func RangePredicate(min, max decimal.Decimal) IndicatorPredicate {
	return IndicatorPredicate{Kind: PredicateRange, Min: min, Max: max}
}

// PointPredicate builds a point predicate centred on value.
func PointPredicate(value decimal.Decimal) IndicatorPredicate {
	return IndicatorPredicate{Kind: PredicatePoint, Value: value}
}

// AbovePredicate builds a predicate satisfied when the value exceeds x.
func AbovePredicate(x decimal.Decimal) IndicatorPredicate {
	return IndicatorPredicate{Kind: PredicateAbove, Value: x}
}

// BelowPredicate builds a predicate satisfied when the value is under x.
func BelowPredicate(x decimal.Decimal) IndicatorPredicate {
	return IndicatorPredicate{Kind: PredicateBelow, Value: x}
}

// Overlaps reports whether two predicates can both hold for some value.
// Predicates of different kinds are compared by their effective intervals.
func (p IndicatorPredicate) Overlaps(q IndicatorPredicate) bool {
	pMin, pMax := p.interval()
	qMin, qMax := q.interval()
	return pMin <= qMax && qMin <= pMax
}

// interval returns the predicate as a closed float interval. Point
// predicates use a small symmetric tolerance.
func (p IndicatorPredicate) interval() (float64, float64) {
	switch p.Kind {
	case PredicateRange:
		return p.Min.InexactFloat64(), p.Max.InexactFloat64()
	case PredicatePoint:
		v := p.Value.InexactFloat64()
		tol := math.Max(math.Abs(v)*0.01, 1e-9)
		return v - tol, v + tol
	case PredicateAbove:
		return p.Value.InexactFloat64(), math.Inf(1)
	case PredicateBelow:
		return math.Inf(-1), p.Value.InexactFloat64()
	}
	return math.Inf(-1), math.Inf(1)
}

// TradingPattern is a learned association between market conditions and a
// trade direction.
type TradingPattern struct {
	ID            string                        `json:"id"`
	Exchange      types.Exchange                `json:"exchange"`
	Symbol        string                        `json:"symbol"`
	Timeframe     types.Interval                `json:"timeframe"`
	Action        types.SignalAction            `json:"action"`
	Type          PatternType                   `json:"type"`
	Conditions    map[string]IndicatorPredicate `json:"conditions"`
	Confidence    float64                       `json:"confidence"`
	UsageCount    int                           `json:"usageCount"`
	SuccessCount  int                           `json:"successCount"`
	AverageReturn float64                       `json:"averageReturn"`
	Tags          []string                      `json:"tags"`
	Active        bool                          `json:"active"`
	CreatedAt     time.Time                     `json:"createdAt"`
	LastUsedAt    time.Time                     `json:"lastUsedAt"`
}

// SuccessRate returns successCount/usageCount, or 0 when unused.
func (p *TradingPattern) SuccessRate() float64 {
	if p.UsageCount == 0 {
		return 0
	}
	return float64(p.SuccessCount) / float64(p.UsageCount)
}

// EffectiveConfidence adjusts base confidence by observed success rate,
// weighted by a logistic usage factor so a handful of lucky trades cannot
// inflate a pattern. Capped at 1.
func (p *TradingPattern) EffectiveConfidence() float64 {
	usageFactor := 1 / (1 + math.Exp(-(float64(p.UsageCount)-10)/4))
	eff := p.Confidence * (1 + 0.5*p.SuccessRate()*usageFactor)
	return math.Min(1, eff)
}

// HasTag reports whether the pattern carries the tag.
func (p *TradingPattern) HasTag(tag string) bool {
	for _, t := range p.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// toRow flattens the pattern for storage. Conditions are JSON-encoded and
// tags comma-joined.
func toRow(p *TradingPattern) (repository.PatternRow, error) {
	conditions, err := json.Marshal(p.Conditions)
	if err != nil {
		return repository.PatternRow{}, types.WrapError(types.CodeInternal, "encode pattern conditions", err)
	}
	return repository.PatternRow{
		ID:          p.ID,
		Exchange:    string(p.Exchange),
		Symbol:      p.Symbol,
		Timeframe:   string(p.Timeframe),
		Action:      string(p.Action),
		PatternType: string(p.Type),
		Conditions:  string(conditions),
		Confidence:  p.Confidence,
		UsageCount:  p.UsageCount,
		SuccessCnt:  p.SuccessCount,
		AvgReturn:   p.AverageReturn,
		Tags:        strings.Join(p.Tags, ","),
		Active:      p.Active,
		CreatedAt:   p.CreatedAt,
		LastUsedAt:  p.LastUsedAt,
	}, nil
}

func fromRow(row repository.PatternRow) (*TradingPattern, error) {
	var conditions map[string]IndicatorPredicate
	if row.Conditions != "" {
		if err := json.Unmarshal([]byte(row.Conditions), &conditions); err != nil {
			return nil, types.WrapError(types.CodeInternal, "decode pattern conditions", err)
		}
	}
	var tags []string
	if row.Tags != "" {
		tags = strings.Split(row.Tags, ",")
	}
	return &TradingPattern{
		ID:            row.ID,
		Exchange:      types.Exchange(row.Exchange),
		Symbol:        row.Symbol,
		Timeframe:     types.Interval(row.Timeframe),
		Action:        types.SignalAction(row.Action),
		Type:          PatternType(row.PatternType),
		Conditions:    conditions,
		Confidence:    row.Confidence,
		UsageCount:    row.UsageCount,
		SuccessCount:  row.SuccessCnt,
		AverageReturn: row.AvgReturn,
		Tags:          tags,
		Active:        row.Active,
		CreatedAt:     row.CreatedAt,
		LastUsedAt:    row.LastUsedAt,
	}, nil
}

// unionTags merges two tag sets preserving first-seen order.
func unionTags(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, t := range append(append([]string{}, a...), b...) {
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
