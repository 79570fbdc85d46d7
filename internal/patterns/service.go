package patterns

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/driftline/tradecore/internal/indicators"
	"github.com/driftline/tradecore/internal/repository"
	"github.com/driftline/tradecore/pkg/types"
)

// Minimum quality of a closed trade before extraction considers it.
const (
	minWinningProfitPercent = 1.0
	initialConfidence       = 0.7
)

// QueryCriteria filters patterns. Zero values mean "no constraint".
type QueryCriteria struct {
	Exchange       types.Exchange
	Symbol         string
	Action         types.SignalAction
	Timeframe      types.Interval
	MinSuccessRate float64
	MinUsageCount  int
	MinConfidence  float64
	MaxAge         time.Duration
	Tags           []string
}

// PruneCriteria selects patterns to deactivate. Empty criteria is a no-op.
type PruneCriteria struct {
	MaxAge         time.Duration
	MinSuccessRate float64
	MinUsageCount  int
	MaxPatterns    int
}

// Outcome is the performance feedback for one pattern use.
type Outcome struct {
	Success      bool
	ReturnAmount decimal.Decimal
}

// Match is one ranked match result. Confidence folds the pattern's
// effective confidence with the relevance of current conditions.
type Match struct {
	Pattern           *TradingPattern
	Relevance         float64
	Confidence        float64
	MatchedIndicators map[string]decimal.Decimal
}

// Service is the thread-safe pattern store. Patterns live in memory guarded
// by one mutex; every mutation is written through to the repository.
type Service struct {
	logger    *zap.Logger
	repo      repository.PatternRepository
	relevance RelevanceCalculator

	mu       sync.Mutex
	patterns map[string]*TradingPattern
}

// NewService creates a pattern service over the given repository.
func NewService(logger *zap.Logger, repo repository.PatternRepository) *Service {
	return &Service{
		logger:   logger.Named("patterns"),
		repo:     repo,
		patterns: make(map[string]*TradingPattern),
	}
}

// Load populates the in-memory store from persisted active patterns. Rows
// that fail to decode are logged and skipped.
func (s *Service) Load(ctx context.Context) error {
	rows, err := s.repo.FindActive(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range rows {
		pattern, err := fromRow(row)
		if err != nil {
			s.logger.Warn("Skipping undecodable pattern row",
				zap.String("patternId", row.ID),
				zap.Error(err))
			continue
		}
		s.patterns[pattern.ID] = pattern
	}
	s.logger.Info("Patterns loaded", zap.Int("count", len(s.patterns)))
	return nil
}

// Store persists the pattern and returns its stable id, assigning one when
// blank.
func (s *Service) Store(ctx context.Context, pattern *TradingPattern) (string, error) {
	if pattern.ID == "" {
		pattern.ID = uuid.NewString()
	}
	if pattern.CreatedAt.IsZero() {
		pattern.CreatedAt = time.Now()
	}
	pattern.Active = true

	row, err := toRow(pattern)
	if err != nil {
		return "", err
	}
	if err := s.repo.Save(ctx, row); err != nil {
		return "", err
	}

	s.mu.Lock()
	s.patterns[pattern.ID] = pattern
	s.mu.Unlock()

	s.logger.Info("Pattern stored",
		zap.String("patternId", pattern.ID),
		zap.String("symbol", pattern.Symbol),
		zap.String("type", string(pattern.Type)))
	return pattern.ID, nil
}

// Query returns active patterns matching all set criteria, sorted by
// effectiveConfidence × successRate descending.
func (s *Service) Query(criteria QueryCriteria) []*TradingPattern {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var out []*TradingPattern
	for _, p := range s.patterns {
		if !p.Active || !matchesCriteria(p, criteria, now) {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].EffectiveConfidence()*out[i].SuccessRate() >
			out[j].EffectiveConfidence()*out[j].SuccessRate()
	})
	return out
}

func matchesCriteria(p *TradingPattern, c QueryCriteria, now time.Time) bool {
	if c.Exchange != "" && p.Exchange != c.Exchange {
		return false
	}
	if c.Symbol != "" && p.Symbol != c.Symbol {
		return false
	}
	if c.Action != "" && p.Action != c.Action {
		return false
	}
	if c.Timeframe != "" && p.Timeframe != c.Timeframe {
		return false
	}
	if c.MinSuccessRate > 0 && p.SuccessRate() < c.MinSuccessRate {
		return false
	}
	if c.MinUsageCount > 0 && p.UsageCount < c.MinUsageCount {
		return false
	}
	if c.MinConfidence > 0 && p.Confidence < c.MinConfidence {
		return false
	}
	if c.MaxAge > 0 && now.Sub(p.CreatedAt) > c.MaxAge {
		return false
	}
	for _, tag := range c.Tags {
		if !p.HasTag(tag) {
			return false
		}
	}
	return true
}

// MatchConditions scores every active pattern for the conditions' exchange
// and symbol, keeps those with relevance at or above minRelevance, and
// returns the top maxResults by folded confidence.
func (s *Service) MatchConditions(conditions MarketConditions, minRelevance float64, maxResults int) []Match {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matches []Match
	for _, p := range s.patterns {
		if !p.Active || p.Exchange != conditions.Exchange || p.Symbol != conditions.Symbol {
			continue
		}
		relevance := s.relevance.Score(p, conditions)
		if relevance < minRelevance {
			continue
		}

		matched := make(map[string]decimal.Decimal, len(p.Conditions))
		for name := range p.Conditions {
			if v, ok := conditions.Indicators[name]; ok {
				matched[name] = v
			}
		}
		matches = append(matches, Match{
			Pattern:           p,
			Relevance:         relevance,
			Confidence:        p.EffectiveConfidence() * relevance,
			MatchedIndicators: matched,
		})
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].Confidence > matches[j].Confidence })
	if maxResults > 0 && len(matches) > maxResults {
		matches = matches[:maxResults]
	}
	return matches
}

// UpdatePerformance applies one usage outcome atomically. Unknown ids
// return NotFound without mutating anything.
func (s *Service) UpdatePerformance(ctx context.Context, patternID string, outcome Outcome) error {
	s.mu.Lock()
	pattern, ok := s.patterns[patternID]
	if !ok {
		s.mu.Unlock()
		return types.NewErrorf(types.CodeNotFound, "pattern %s not found", patternID)
	}

	prevCount := pattern.UsageCount
	pattern.UsageCount++
	if outcome.Success {
		pattern.SuccessCount++
	}
	// incremental mean keeps averageReturn exact without replaying history
	ret := outcome.ReturnAmount.InexactFloat64()
	pattern.AverageReturn = (pattern.AverageReturn*float64(prevCount) + ret) / float64(pattern.UsageCount)
	pattern.LastUsedAt = time.Now()

	row, err := toRow(pattern)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.repo.Save(ctx, row)
}

// Prune deactivates patterns matching any set deactivation condition, then
// enforces MaxPatterns by keeping the top-N ranked by success rate and
// usage. Returns the number deactivated.
func (s *Service) Prune(ctx context.Context, criteria PruneCriteria) (int, error) {
	if criteria == (PruneCriteria{}) {
		return 0, nil
	}

	s.mu.Lock()
	now := time.Now()
	var doomed []*TradingPattern
	var survivors []*TradingPattern
	for _, p := range s.patterns {
		if !p.Active {
			continue
		}
		switch {
		case criteria.MaxAge > 0 && now.Sub(p.CreatedAt) > criteria.MaxAge:
			doomed = append(doomed, p)
		case criteria.MinSuccessRate > 0 && p.UsageCount > 0 && p.SuccessRate() < criteria.MinSuccessRate:
			doomed = append(doomed, p)
		case criteria.MinUsageCount > 0 && p.UsageCount < criteria.MinUsageCount:
			doomed = append(doomed, p)
		default:
			survivors = append(survivors, p)
		}
	}

	if criteria.MaxPatterns > 0 && len(survivors) > criteria.MaxPatterns {
		sort.Slice(survivors, func(i, j int) bool {
			if survivors[i].SuccessRate() != survivors[j].SuccessRate() {
				return survivors[i].SuccessRate() > survivors[j].SuccessRate()
			}
			return survivors[i].UsageCount > survivors[j].UsageCount
		})
		doomed = append(doomed, survivors[criteria.MaxPatterns:]...)
	}

	for _, p := range doomed {
		p.Active = false
	}
	s.mu.Unlock()

	for _, p := range doomed {
		if err := s.repo.Deactivate(ctx, p.ID); err != nil {
			s.logger.Warn("Failed to persist pattern deactivation",
				zap.String("patternId", p.ID),
				zap.Error(err))
		}
	}
	if len(doomed) > 0 {
		s.logger.Info("Patterns pruned", zap.Int("count", len(doomed)))
	}
	return len(doomed), nil
}

// LearnFromTrade extracts a pattern from a closed winning trade and stores
// it. Trades that are not closed wins with profit-percent >= 1.0 are
// ignored and return an empty id.
func (s *Service) LearnFromTrade(ctx context.Context, trade types.ClosedTrade) (string, error) {
	pattern := ExtractPattern(trade)
	if pattern == nil {
		return "", nil
	}
	return s.Store(ctx, pattern)
}

// ExtractPattern builds a pattern from a closed winning trade, or nil when
// the trade does not qualify. Ranges derive from the entry indicators:
// RSI +/-5 clamped to [0,100], MACD +/-0.001, entry price +/-2%.
func ExtractPattern(trade types.ClosedTrade) *TradingPattern {
	if trade.Status != types.TradeStatusClosed ||
		!trade.Profit.IsPositive() ||
		trade.ProfitPercent.InexactFloat64() < minWinningProfitPercent {
		return nil
	}

	conditions := make(map[string]IndicatorPredicate)

	rsi, hasRSI := trade.EntryIndicators[indicators.KeyRSI]
	if hasRSI {
		min := decimal.Max(rsi.Sub(decimal.NewFromInt(5)), decimal.Zero)
		max := decimal.Min(rsi.Add(decimal.NewFromInt(5)), decimal.NewFromInt(100))
		conditions[indicators.KeyRSI] = RangePredicate(min, max)
	}
	macd, hasMACD := trade.EntryIndicators[indicators.KeyMACD]
	if hasMACD {
		delta := decimal.NewFromFloat(0.001)
		conditions[indicators.KeyMACD] = RangePredicate(macd.Sub(delta), macd.Add(delta))
	}
	if trade.EntryPrice.IsPositive() {
		spread := trade.EntryPrice.Mul(decimal.NewFromFloat(0.02))
		conditions[indicators.KeyPrice] = RangePredicate(trade.EntryPrice.Sub(spread), trade.EntryPrice.Add(spread))
	}

	smaShort, hasShort := trade.EntryIndicators[indicators.KeySMAShort]
	smaLong, hasLong := trade.EntryIndicators[indicators.KeySMALong]

	var patternType PatternType
	switch {
	case hasRSI && rsi.LessThan(decimal.NewFromInt(35)):
		patternType = PatternOversoldReversal
	case hasRSI && rsi.GreaterThan(decimal.NewFromInt(65)):
		patternType = PatternOverboughtReversal
	case hasShort && hasLong && smaShort.GreaterThan(smaLong):
		patternType = PatternTrendFollowing
	case hasMACD && macd.IsPositive():
		patternType = PatternMomentum
	default:
		patternType = PatternCustom
	}

	action := types.ActionBuy
	if trade.Type == types.TradeTypeShort {
		action = types.ActionSell
	}

	return &TradingPattern{
		Exchange:   trade.Exchange,
		Symbol:     trade.Symbol,
		Timeframe:  trade.Timeframe,
		Action:     action,
		Type:       patternType,
		Conditions: conditions,
		Confidence: initialConfidence,
		Tags:       []string{"extracted"},
		Active:     true,
		CreatedAt:  time.Now(),
	}
}

// MergeSimilar folds groups of merge-similar patterns (same exchange,
// symbol and action, all defined ranges overlapping) into one pattern
// each. A group needs at least two members. Returns merged pattern ids.
func (s *Service) MergeSimilar(ctx context.Context, exchange types.Exchange, symbol string) ([]string, error) {
	s.mu.Lock()
	var candidates []*TradingPattern
	for _, p := range s.patterns {
		if p.Active && p.Exchange == exchange && p.Symbol == symbol {
			candidates = append(candidates, p)
		}
	}
	s.mu.Unlock()

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].CreatedAt.Before(candidates[j].CreatedAt) })

	consumed := make(map[string]bool)
	var mergedIDs []string
	for i, seed := range candidates {
		if consumed[seed.ID] {
			continue
		}
		group := []*TradingPattern{seed}
		for _, other := range candidates[i+1:] {
			if consumed[other.ID] || other.Action != seed.Action {
				continue
			}
			if mergeCompatible(seed, other) {
				group = append(group, other)
			}
		}
		if len(group) < 2 {
			continue
		}

		merged := mergeGroup(group)
		id, err := s.Store(ctx, merged)
		if err != nil {
			return mergedIDs, err
		}
		for _, member := range group {
			consumed[member.ID] = true
			s.mu.Lock()
			member.Active = false
			s.mu.Unlock()
			if err := s.repo.Deactivate(ctx, member.ID); err != nil {
				s.logger.Warn("Failed to deactivate merged pattern",
					zap.String("patternId", member.ID),
					zap.Error(err))
			}
		}
		mergedIDs = append(mergedIDs, id)
	}
	return mergedIDs, nil
}

// mergeCompatible requires every indicator defined by both patterns to
// overlap. An indicator defined by only one side is compatible.
func mergeCompatible(a, b *TradingPattern) bool {
	for name, pa := range a.Conditions {
		pb, ok := b.Conditions[name]
		if !ok {
			continue
		}
		if !pa.Overlaps(pb) {
			return false
		}
	}
	return true
}

func mergeGroup(group []*TradingPattern) *TradingPattern {
	first := group[0]
	merged := &TradingPattern{
		Exchange:   first.Exchange,
		Symbol:     first.Symbol,
		Timeframe:  first.Timeframe,
		Action:     first.Action,
		Type:       first.Type,
		Conditions: make(map[string]IndicatorPredicate),
		Tags:       []string{"merged"},
		Active:     true,
		CreatedAt:  time.Now(),
	}

	var confidenceSum float64
	for _, p := range group {
		confidenceSum += p.Confidence
		merged.Tags = unionTags(merged.Tags, p.Tags)
		for name, predicate := range p.Conditions {
			existing, ok := merged.Conditions[name]
			if !ok {
				merged.Conditions[name] = predicate
				continue
			}
			merged.Conditions[name] = unionPredicate(existing, predicate)
		}
	}
	merged.Confidence = confidenceSum / float64(len(group))
	return merged
}

// unionPredicate widens two predicates into one covering both. Open-ended
// predicates absorb the other side rather than producing infinite ranges.
func unionPredicate(a, b IndicatorPredicate) IndicatorPredicate {
	aMin, aMax := a.interval()
	bMin, bMax := b.interval()
	lo, hi := math.Min(aMin, bMin), math.Max(aMax, bMax)
	switch {
	case math.IsInf(lo, -1) && math.IsInf(hi, 1):
		return a
	case math.IsInf(lo, -1):
		return BelowPredicate(decimal.NewFromFloat(hi))
	case math.IsInf(hi, 1):
		return AbovePredicate(decimal.NewFromFloat(lo))
	default:
		return RangePredicate(decimal.NewFromFloat(lo), decimal.NewFromFloat(hi))
	}
}
