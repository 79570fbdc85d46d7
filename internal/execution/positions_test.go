package execution

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/driftline/tradecore/internal/exchange"
	"github.com/driftline/tradecore/internal/indicators"
	"github.com/driftline/tradecore/internal/repository"
	"github.com/driftline/tradecore/pkg/types"
)

func paperConfig(id string) types.TraderConfig {
	cfg, err := types.NewTraderConfig(types.TraderConfig{
		ID:                 id,
		Name:               "test " + id,
		Exchange:           types.ExchangePaper,
		Symbol:             "BTC/USDT",
		MaxStakeAmount:     decimal.NewFromInt(1000),
		MaxRiskLevel:       5,
		MaxTradingDuration: time.Hour,
		Strategy:           types.StrategyTrendFollowing,
		Interval:           types.IntervalOneMinute,
	})
	if err != nil {
		panic(err)
	}
	return cfg
}

func newTestManager(t *testing.T) (*Manager, *exchange.PaperAdapter, repository.Repository) {
	t.Helper()
	repo := repository.NewMemoryRepository()
	m := NewManager(zap.NewNop(), repo.Trades(), nil)
	adapter := exchange.NewPaperAdapter(zap.NewNop(), "paper")
	adapter.SetPrice("BTC/USDT", decimal.NewFromInt(50000))
	m.Register(paperConfig("t1"), adapter)
	return m, adapter, repo
}

func buySignal() types.Signal {
	return types.Signal{
		Action:     types.ActionBuy,
		Confidence: 0.9,
		Timestamp:  time.Now(),
		IndicatorValues: map[string]decimal.Decimal{
			indicators.KeyRSI: decimal.NewFromInt(28),
		},
	}
}

func TestOpenCreatesSingleManagedPosition(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	pos, err := m.Open(ctx, "t1", buySignal(), decimal.NewFromInt(50000))
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.Equal(t, "t1", pos.TraderID)
	assert.Equal(t, types.ActionBuy, pos.Action)
	assert.True(t, pos.Quantity.IsPositive())

	require.Len(t, m.OpenPositions("t1"), 1)

	_, err = m.Open(ctx, "t1", buySignal(), decimal.NewFromInt(50000))
	require.Error(t, err)
	assert.Equal(t, types.CodeBadState, types.CodeOf(err))
}

func TestOpenRejectsNonActionableSignal(t *testing.T) {
	m, _, _ := newTestManager(t)

	sig := buySignal()
	sig.Action = types.ActionHold
	_, err := m.Open(context.Background(), "t1", sig, decimal.NewFromInt(50000))
	require.Error(t, err)
	assert.Equal(t, types.CodeInvalidArgument, types.CodeOf(err))
}

// restingAdapter leaves every order unfilled, as a real exchange may under
// thin liquidity.
type restingAdapter struct {
	*exchange.PaperAdapter
}

func (a *restingAdapter) PlaceOrder(_ context.Context, order types.Order) (*types.Order, error) {
	order.ID = "resting-1"
	order.Status = types.OrderStatusOpen
	return &order, nil
}

func TestOpenRejectsUnfilledOrder(t *testing.T) {
	repo := repository.NewMemoryRepository()
	m := NewManager(zap.NewNop(), repo.Trades(), nil)
	adapter := &restingAdapter{exchange.NewPaperAdapter(zap.NewNop(), "paper")}
	m.Register(paperConfig("t1"), adapter)

	_, err := m.Open(context.Background(), "t1", buySignal(), decimal.NewFromInt(50000))
	require.Error(t, err)
	assert.Equal(t, types.CodeBadState, types.CodeOf(err))
	assert.Empty(t, m.OpenPositions("t1"), "an unfilled order must not register a position")
}

func TestOpenUnknownTraderFails(t *testing.T) {
	m, _, _ := newTestManager(t)

	_, err := m.Open(context.Background(), "ghost", buySignal(), decimal.NewFromInt(50000))
	assert.Equal(t, types.CodeNotFound, types.CodeOf(err))
}

func TestClosePersistsTradeWithEntryIndicators(t *testing.T) {
	m, adapter, repo := newTestManager(t)
	ctx := context.Background()

	var observed *types.ClosedTrade
	var observedPattern string
	m.OnClose(func(trade types.ClosedTrade, patternID string) {
		observed = &trade
		observedPattern = patternID
	})

	sig := buySignal()
	sig.MatchedPatternID = "pat-1"
	_, err := m.Open(ctx, "t1", sig, decimal.NewFromInt(50000))
	require.NoError(t, err)

	// price rises before the close
	adapter.SetPrice("BTC/USDT", decimal.NewFromInt(51000))

	trade, err := m.Close(ctx, "t1", "TAKE_PROFIT")
	require.NoError(t, err)
	require.NotNil(t, trade)
	assert.Equal(t, types.TradeStatusClosed, trade.Status)
	assert.Equal(t, types.TradeTypeLong, trade.Type)
	assert.True(t, trade.Profit.IsPositive())
	assert.Contains(t, trade.EntryIndicators, indicators.KeyRSI)

	require.NotNil(t, observed)
	assert.Equal(t, trade.ID, observed.ID)
	assert.Equal(t, "pat-1", observedPattern)

	persisted, err := repo.Trades().FindByTrader(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, persisted, 1)

	assert.Empty(t, m.OpenPositions("t1"))
}

func TestCloseWithoutPositionIsIdempotent(t *testing.T) {
	m, _, _ := newTestManager(t)

	trade, err := m.Close(context.Background(), "t1", "STOP")
	require.NoError(t, err)
	assert.Nil(t, trade)
}

func TestShortPositionProfitsWhenPriceFalls(t *testing.T) {
	m, adapter, _ := newTestManager(t)
	ctx := context.Background()

	sig := buySignal()
	sig.Action = types.ActionSell
	_, err := m.Open(ctx, "t1", sig, decimal.NewFromInt(50000))
	require.NoError(t, err)

	adapter.SetPrice("BTC/USDT", decimal.NewFromInt(48000))

	trade, err := m.Close(ctx, "t1", "SIGNAL")
	require.NoError(t, err)
	require.NotNil(t, trade)
	assert.Equal(t, types.TradeTypeShort, trade.Type)
	assert.True(t, trade.Profit.IsPositive())
}

func TestUpdatePriceMarksPosition(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Open(ctx, "t1", buySignal(), decimal.NewFromInt(50000))
	require.NoError(t, err)

	m.UpdatePrice("t1", decimal.NewFromInt(52000))
	pos := m.Position("t1")
	require.NotNil(t, pos)
	assert.True(t, pos.CurrentPrice.Equal(decimal.NewFromInt(52000)))
	assert.True(t, pos.UnrealizedPnL().IsPositive())
}
