package patterns

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/driftline/tradecore/internal/indicators"
	"github.com/driftline/tradecore/internal/repository"
	"github.com/driftline/tradecore/pkg/types"
)

func newTestService() *Service {
	repo := repository.NewMemoryRepository()
	return NewService(zap.NewNop(), repo.Patterns())
}

func winningTrade(entryIndicators map[string]decimal.Decimal) types.ClosedTrade {
	return types.ClosedTrade{
		ID:              "t1",
		TraderID:        "trader-1",
		Exchange:        types.ExchangeBinance,
		Symbol:          "BTC/USDT",
		Type:            types.TradeTypeLong,
		Status:          types.TradeStatusClosed,
		Quantity:        decimal.NewFromInt(1),
		EntryPrice:      decimal.NewFromInt(50000),
		ExitPrice:       decimal.NewFromInt(51000),
		Profit:          decimal.NewFromInt(1000),
		ProfitPercent:   decimal.NewFromInt(2),
		EntryIndicators: entryIndicators,
		Timeframe:       types.IntervalOneHour,
		OpenedAt:        time.Now().Add(-time.Hour),
		ClosedAt:        time.Now(),
	}
}

func TestExtractPatternRejectsNonQualifyingTrades(t *testing.T) {
	losing := winningTrade(nil)
	losing.Profit = decimal.NewFromInt(-10)
	assert.Nil(t, ExtractPattern(losing))

	open := winningTrade(nil)
	open.Status = types.TradeStatusOpen
	assert.Nil(t, ExtractPattern(open))

	smallWin := winningTrade(nil)
	smallWin.ProfitPercent = decimal.NewFromFloat(0.5)
	assert.Nil(t, ExtractPattern(smallWin))
}

func TestExtractPatternRangesAndClamping(t *testing.T) {
	trade := winningTrade(map[string]decimal.Decimal{
		indicators.KeyRSI:  decimal.NewFromInt(3),
		indicators.KeyMACD: decimal.NewFromFloat(0.01),
	})
	pattern := ExtractPattern(trade)
	require.NotNil(t, pattern)

	rsi := pattern.Conditions[indicators.KeyRSI]
	assert.True(t, rsi.Min.IsZero(), "RSI range clamps at 0")
	assert.True(t, rsi.Max.Equal(decimal.NewFromInt(8)))

	macd := pattern.Conditions[indicators.KeyMACD]
	assert.True(t, macd.Min.Equal(decimal.NewFromFloat(0.009)))
	assert.True(t, macd.Max.Equal(decimal.NewFromFloat(0.011)))

	price := pattern.Conditions[indicators.KeyPrice]
	assert.True(t, price.Min.Equal(decimal.NewFromInt(49000)))
	assert.True(t, price.Max.Equal(decimal.NewFromInt(51000)))

	assert.Equal(t, 0.7, pattern.Confidence)
	assert.Equal(t, types.ActionBuy, pattern.Action)
}

func TestExtractPatternTypePriority(t *testing.T) {
	cases := []struct {
		name       string
		indicators map[string]decimal.Decimal
		want       PatternType
	}{
		{"oversold wins over macd", map[string]decimal.Decimal{
			indicators.KeyRSI:  decimal.NewFromInt(20),
			indicators.KeyMACD: decimal.NewFromFloat(0.5),
		}, PatternOversoldReversal},
		{"overbought", map[string]decimal.Decimal{
			indicators.KeyRSI: decimal.NewFromInt(80),
		}, PatternOverboughtReversal},
		{"trend when smas crossed", map[string]decimal.Decimal{
			indicators.KeyRSI:      decimal.NewFromInt(50),
			indicators.KeySMAShort: decimal.NewFromInt(105),
			indicators.KeySMALong:  decimal.NewFromInt(100),
		}, PatternTrendFollowing},
		{"momentum on positive macd", map[string]decimal.Decimal{
			indicators.KeyRSI:  decimal.NewFromInt(50),
			indicators.KeyMACD: decimal.NewFromFloat(0.2),
		}, PatternMomentum},
		{"custom fallback", map[string]decimal.Decimal{
			indicators.KeyRSI: decimal.NewFromInt(50),
		}, PatternCustom},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pattern := ExtractPattern(winningTrade(tc.indicators))
			require.NotNil(t, pattern)
			assert.Equal(t, tc.want, pattern.Type)
		})
	}
}

func TestEffectiveConfidenceMonotoneAndCapped(t *testing.T) {
	fresh := &TradingPattern{Confidence: 0.7}
	assert.InDelta(t, 0.7, fresh.EffectiveConfidence(), 0.05)

	proven := &TradingPattern{Confidence: 0.7, UsageCount: 40, SuccessCount: 40}
	assert.Greater(t, proven.EffectiveConfidence(), fresh.EffectiveConfidence())

	maxed := &TradingPattern{Confidence: 0.95, UsageCount: 100, SuccessCount: 100}
	assert.LessOrEqual(t, maxed.EffectiveConfidence(), 1.0)
}

func TestSuccessCountNeverExceedsUsage(t *testing.T) {
	s := newTestService()
	ctx := context.Background()

	id, err := s.Store(ctx, ExtractPattern(winningTrade(map[string]decimal.Decimal{
		indicators.KeyRSI: decimal.NewFromInt(25),
	})))
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.UpdatePerformance(ctx, id, Outcome{Success: true, ReturnAmount: decimal.NewFromInt(10)}))
	}
	require.NoError(t, s.UpdatePerformance(ctx, id, Outcome{Success: false, ReturnAmount: decimal.NewFromInt(-5)}))

	results := s.Query(QueryCriteria{Symbol: "BTC/USDT"})
	require.Len(t, results, 1)
	p := results[0]
	assert.Equal(t, 6, p.UsageCount)
	assert.Equal(t, 5, p.SuccessCount)
	assert.LessOrEqual(t, p.SuccessCount, p.UsageCount)
	assert.InDelta(t, (10*5-5)/6.0, p.AverageReturn, 1e-9)
}

func TestUpdatePerformanceUnknownIDReturnsNotFound(t *testing.T) {
	s := newTestService()

	err := s.UpdatePerformance(context.Background(), "missing", Outcome{Success: true})
	require.Error(t, err)
	assert.Equal(t, types.CodeNotFound, types.CodeOf(err))
}

func TestMatchFiltersByRelevanceAndRanks(t *testing.T) {
	s := newTestService()
	ctx := context.Background()

	near := ExtractPattern(winningTrade(map[string]decimal.Decimal{
		indicators.KeyRSI: decimal.NewFromInt(30),
	}))
	_, err := s.Store(ctx, near)
	require.NoError(t, err)

	far := ExtractPattern(winningTrade(map[string]decimal.Decimal{
		indicators.KeyRSI: decimal.NewFromInt(90),
	}))
	_, err = s.Store(ctx, far)
	require.NoError(t, err)

	conditions := MarketConditions{
		Exchange: types.ExchangeBinance,
		Symbol:   "BTC/USDT",
		Indicators: map[string]decimal.Decimal{
			indicators.KeyRSI:   decimal.NewFromInt(31),
			indicators.KeyPrice: decimal.NewFromInt(50000),
		},
	}

	matches := s.MatchConditions(conditions, 0.6, 5)
	require.Len(t, matches, 1)
	assert.Equal(t, near.ID, matches[0].Pattern.ID)
	assert.GreaterOrEqual(t, matches[0].Relevance, 0.6)
	assert.InDelta(t, matches[0].Pattern.EffectiveConfidence()*matches[0].Relevance, matches[0].Confidence, 1e-9)
	assert.Contains(t, matches[0].MatchedIndicators, indicators.KeyRSI)
}

func TestMatchIgnoresOtherSymbols(t *testing.T) {
	s := newTestService()
	ctx := context.Background()

	pattern := ExtractPattern(winningTrade(map[string]decimal.Decimal{
		indicators.KeyRSI: decimal.NewFromInt(30),
	}))
	pattern.Symbol = "ETH/USDT"
	_, err := s.Store(ctx, pattern)
	require.NoError(t, err)

	matches := s.MatchConditions(MarketConditions{
		Exchange:   types.ExchangeBinance,
		Symbol:     "BTC/USDT",
		Indicators: map[string]decimal.Decimal{indicators.KeyRSI: decimal.NewFromInt(30)},
	}, 0, 5)
	assert.Empty(t, matches)
}

func TestPruneEmptyCriteriaIsNoOp(t *testing.T) {
	s := newTestService()
	ctx := context.Background()

	_, err := s.Store(ctx, ExtractPattern(winningTrade(map[string]decimal.Decimal{
		indicators.KeyRSI: decimal.NewFromInt(30),
	})))
	require.NoError(t, err)

	n, err := s.Prune(ctx, PruneCriteria{})
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, s.Query(QueryCriteria{}), 1)
}

func TestPruneByMaxPatternsKeepsTopPerformers(t *testing.T) {
	s := newTestService()
	ctx := context.Background()

	ids := make([]string, 3)
	for i := range ids {
		p := ExtractPattern(winningTrade(map[string]decimal.Decimal{
			indicators.KeyRSI: decimal.NewFromInt(30),
		}))
		id, err := s.Store(ctx, p)
		require.NoError(t, err)
		ids[i] = id
	}
	// ids[0] is the clear winner, ids[1] mediocre, ids[2] unused
	for i := 0; i < 4; i++ {
		require.NoError(t, s.UpdatePerformance(ctx, ids[0], Outcome{Success: true}))
	}
	require.NoError(t, s.UpdatePerformance(ctx, ids[1], Outcome{Success: true}))
	require.NoError(t, s.UpdatePerformance(ctx, ids[1], Outcome{Success: false}))

	n, err := s.Prune(ctx, PruneCriteria{MaxPatterns: 2})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	remaining := s.Query(QueryCriteria{})
	require.Len(t, remaining, 2)
	for _, p := range remaining {
		assert.NotEqual(t, ids[2], p.ID)
	}
}

func TestMergeSimilarRequiresTwoCandidates(t *testing.T) {
	s := newTestService()
	ctx := context.Background()

	_, err := s.Store(ctx, ExtractPattern(winningTrade(map[string]decimal.Decimal{
		indicators.KeyRSI: decimal.NewFromInt(30),
	})))
	require.NoError(t, err)

	merged, err := s.MergeSimilar(ctx, types.ExchangeBinance, "BTC/USDT")
	require.NoError(t, err)
	assert.Empty(t, merged)
}

func TestMergeSimilarUnionsRangesAndAveragesConfidence(t *testing.T) {
	s := newTestService()
	ctx := context.Background()

	a := ExtractPattern(winningTrade(map[string]decimal.Decimal{
		indicators.KeyRSI: decimal.NewFromInt(28),
	}))
	a.Confidence = 0.6
	b := ExtractPattern(winningTrade(map[string]decimal.Decimal{
		indicators.KeyRSI: decimal.NewFromInt(32),
	}))
	b.Confidence = 0.8
	_, err := s.Store(ctx, a)
	require.NoError(t, err)
	_, err = s.Store(ctx, b)
	require.NoError(t, err)

	merged, err := s.MergeSimilar(ctx, types.ExchangeBinance, "BTC/USDT")
	require.NoError(t, err)
	require.Len(t, merged, 1)

	results := s.Query(QueryCriteria{Tags: []string{"merged"}})
	require.Len(t, results, 1)
	m := results[0]
	assert.InDelta(t, 0.7, m.Confidence, 1e-9)

	rsi := m.Conditions[indicators.KeyRSI]
	// union of [23,33] and [27,37]
	assert.InDelta(t, 23, rsi.Min.InexactFloat64(), 1e-9)
	assert.InDelta(t, 37, rsi.Max.InexactFloat64(), 1e-9)

	// originals deactivated
	assert.Len(t, s.Query(QueryCriteria{}), 1)
}

func TestLoadRestoresPersistedPatterns(t *testing.T) {
	repo := repository.NewMemoryRepository()
	s1 := NewService(zap.NewNop(), repo.Patterns())

	id, err := s1.Store(context.Background(), ExtractPattern(winningTrade(map[string]decimal.Decimal{
		indicators.KeyRSI: decimal.NewFromInt(30),
	})))
	require.NoError(t, err)

	s2 := NewService(zap.NewNop(), repo.Patterns())
	require.NoError(t, s2.Load(context.Background()))

	results := s2.Query(QueryCriteria{})
	require.Len(t, results, 1)
	assert.Equal(t, id, results[0].ID)
	assert.Len(t, results[0].Conditions, 2)
}
