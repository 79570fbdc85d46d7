package supervisor

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/driftline/tradecore/internal/exchange"
	"github.com/driftline/tradecore/internal/execution"
	"github.com/driftline/tradecore/internal/patterns"
	"github.com/driftline/tradecore/internal/repository"
	"github.com/driftline/tradecore/internal/risk"
	"github.com/driftline/tradecore/internal/telemetry"
	"github.com/driftline/tradecore/pkg/types"
)

type fixture struct {
	sup  *Supervisor
	repo repository.Repository
	hub  *telemetry.Hub
	risk *risk.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zap.NewNop()
	repo := repository.NewMemoryRepository()
	hub := telemetry.NewHub(logger, telemetry.HubConfig{})
	factory := exchange.NewFactory(logger, exchange.AdapterConfig{Demo: true})

	riskCfg := types.DefaultRiskConfig()
	engine := risk.NewEngine(logger, riskCfg, repo.Trades(), hub)
	manager := execution.NewManager(logger, repo.Trades(), hub)
	engine.AttachPositions(manager, manager)
	patternSvc := patterns.NewService(logger, repo.Patterns())

	sup := New(logger, DefaultMaxTraders, repo, factory, engine, manager, patternSvc, hub, nil)
	return &fixture{sup: sup, repo: repo, hub: hub, risk: engine}
}

func supConfig(id string) types.TraderConfig {
	return types.TraderConfig{
		ID:                 id,
		Name:               "trader " + id,
		Exchange:           types.ExchangePaper,
		Symbol:             "BTC/USDT",
		MaxStakeAmount:     decimal.NewFromInt(500),
		MaxRiskLevel:       5,
		MaxTradingDuration: time.Hour,
		Strategy:           types.StrategyTrendFollowing,
		Interval:           types.IntervalOneMinute,
	}
}

func TestCreateEnforcesFleetCap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < DefaultMaxTraders; i++ {
		_, err := f.sup.Create(ctx, supConfig(fmt.Sprintf("t%d", i)))
		require.NoError(t, err)
	}

	_, err := f.sup.Create(ctx, supConfig("t-over"))
	require.Error(t, err)
	assert.Equal(t, types.CodeLimitExceeded, types.CodeOf(err))
	assert.Contains(t, err.Error(), "Maximum number of concurrent traders (3) reached")
}

func TestCreateRejectsDuplicateID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.sup.Create(ctx, supConfig("t1"))
	require.NoError(t, err)

	_, err = f.sup.Create(ctx, supConfig("t1"))
	assert.Equal(t, types.CodeInvalidArgument, types.CodeOf(err))
}

func TestCreateRejectsInvalidConfig(t *testing.T) {
	f := newFixture(t)

	cfg := supConfig("t1")
	cfg.MaxStakeAmount = decimal.Zero
	_, err := f.sup.Create(context.Background(), cfg)
	require.Error(t, err)
	assert.Equal(t, types.CodeInvalidArgument, types.CodeOf(err))
	assert.Contains(t, err.Error(), "Max stake amount must be positive")
}

func TestCreateRejectsExcessiveRisk(t *testing.T) {
	f := newFixture(t)

	cfg := supConfig("t1")
	cfg.Leverage = 50 // above the per-trader cap of 10
	_, err := f.sup.Create(context.Background(), cfg)
	require.Error(t, err)
	assert.Equal(t, types.CodeRiskRejected, types.CodeOf(err))
}

func TestCreatePersistsRowAndAnnounces(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sub := f.hub.Subscribe([]telemetry.Channel{telemetry.ChannelTraderStatus}, false)
	defer f.hub.Unsubscribe(sub.ID)

	id, err := f.sup.Create(ctx, supConfig("t1"))
	require.NoError(t, err)
	assert.Equal(t, "t1", id)

	row, err := f.repo.Traders().FindByID(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "BTC/USDT", row.TradingPair)

	select {
	case ev := <-sub.Events():
		payload, ok := ev.Payload.(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "CREATED", payload["reason"])
	case <-time.After(time.Second):
		t.Fatal("no trader-status event")
	}
}

func TestLifecycleHappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.sup.Create(ctx, supConfig("t1"))
	require.NoError(t, err)

	detail, err := f.sup.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, types.StateIdle, detail.State)

	require.NoError(t, f.sup.Start(ctx, "t1"))
	detail, _ = f.sup.Get("t1")
	assert.Equal(t, types.StateRunning, detail.State)

	row, _ := f.repo.Traders().FindByID(ctx, "t1")
	assert.Equal(t, repository.TraderStatusActive, row.Status)

	require.NoError(t, f.sup.Pause(ctx, "t1"))
	detail, _ = f.sup.Get("t1")
	assert.Equal(t, types.StatePaused, detail.State)

	require.NoError(t, f.sup.Resume(ctx, "t1"))
	require.NoError(t, f.sup.Stop(ctx, "t1"))
	detail, _ = f.sup.Get("t1")
	assert.Equal(t, types.StateStopped, detail.State)

	// idempotent stop
	require.NoError(t, f.sup.Stop(ctx, "t1"))
}

func TestStopNeverStartedTrader(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.sup.Create(ctx, supConfig("t1"))
	require.NoError(t, err)

	require.NoError(t, f.sup.Stop(ctx, "t1"))
	detail, err := f.sup.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, types.StateStopped, detail.State)

	row, _ := f.repo.Traders().FindByID(ctx, "t1")
	assert.Equal(t, repository.TraderStatusStopped, row.Status)
}

func TestDeleteRecoveredTrader(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.sup.Create(ctx, supConfig("t1"))
	require.NoError(t, err)

	restarted := newFixtureWithRepo(t, f.repo)
	n, err := restarted.sup.Recover(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// recovered workers sit in IDLE; delete must still work
	require.NoError(t, restarted.sup.Delete(ctx, "t1"))
	_, err = restarted.sup.Get("t1")
	assert.Equal(t, types.CodeNotFound, types.CodeOf(err))
}

func TestStartUnknownTrader(t *testing.T) {
	f := newFixture(t)

	err := f.sup.Start(context.Background(), "ghost")
	assert.Equal(t, types.CodeNotFound, types.CodeOf(err))
}

func TestUpdateRejectsIDMismatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.sup.Create(ctx, supConfig("t1"))
	require.NoError(t, err)

	err = f.sup.Update(ctx, "t1", supConfig("t2"))
	assert.Equal(t, types.CodeInvariantViolation, types.CodeOf(err))
}

func TestUpdateRestartsRunningTrader(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.sup.Create(ctx, supConfig("t1"))
	require.NoError(t, err)
	require.NoError(t, f.sup.Start(ctx, "t1"))

	cfg := supConfig("t1")
	cfg.Strategy = types.StrategyBreakout
	require.NoError(t, f.sup.Update(ctx, "t1", cfg))

	detail, err := f.sup.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, types.StateRunning, detail.State)
	assert.Equal(t, types.StrategyBreakout, detail.Config.Strategy)

	require.NoError(t, f.sup.Stop(ctx, "t1"))
}

func TestDeleteRemovesEverything(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.sup.Create(ctx, supConfig("t1"))
	require.NoError(t, err)
	require.NoError(t, f.sup.Delete(ctx, "t1"))

	_, err = f.sup.Get("t1")
	assert.Equal(t, types.CodeNotFound, types.CodeOf(err))

	_, err = f.repo.Traders().FindByID(ctx, "t1")
	assert.Equal(t, types.CodeNotFound, types.CodeOf(err))

	// the slot is free again
	_, err = f.sup.Create(ctx, supConfig("t1"))
	assert.NoError(t, err)
}

func TestRecoverRebuildsFleetIdle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.sup.Create(ctx, supConfig("t1"))
	require.NoError(t, err)
	_, err = f.sup.Create(ctx, supConfig("t2"))
	require.NoError(t, err)
	require.NoError(t, f.sup.Start(ctx, "t1"))
	require.NoError(t, f.sup.Stop(ctx, "t1"))

	// bad row that recovery must skip
	require.NoError(t, f.repo.Traders().Create(ctx, repository.TraderRow{
		ID:       "broken",
		Name:     "broken",
		Exchange: types.Exchange("NYSE"),
	}))

	// fresh supervisor over the same repository simulates a restart
	restarted := newFixtureWithRepo(t, f.repo)
	n, err := restarted.sup.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range []string{"t1", "t2"} {
		detail, err := restarted.sup.Get(id)
		require.NoError(t, err)
		assert.Equal(t, types.StateIdle, detail.State, "recovered traders never auto-start")
		assert.Equal(t, "BTC/USDT", detail.Config.Symbol)
	}
	_, err = restarted.sup.Get("broken")
	assert.Error(t, err)
}

func newFixtureWithRepo(t *testing.T, repo repository.Repository) *fixture {
	t.Helper()
	logger := zap.NewNop()
	hub := telemetry.NewHub(logger, telemetry.HubConfig{})
	factory := exchange.NewFactory(logger, exchange.AdapterConfig{Demo: true})
	engine := risk.NewEngine(logger, types.DefaultRiskConfig(), repo.Trades(), hub)
	manager := execution.NewManager(logger, repo.Trades(), hub)
	engine.AttachPositions(manager, manager)
	patternSvc := patterns.NewService(logger, repo.Patterns())
	sup := New(logger, DefaultMaxTraders, repo, factory, engine, manager, patternSvc, hub, nil)
	return &fixture{sup: sup, repo: repo, hub: hub, risk: engine}
}

func TestHealthAllCoversFleet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.sup.Create(ctx, supConfig("a"))
	require.NoError(t, err)
	_, err = f.sup.Create(ctx, supConfig("b"))
	require.NoError(t, err)

	all := f.sup.HealthAll()
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].TraderID)
	assert.Equal(t, "b", all[1].TraderID)
}

func TestClosedTradeFeedsPatternService(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.sup.Create(ctx, supConfig("t1"))
	require.NoError(t, err)

	trade := types.ClosedTrade{
		ID:            "tr1",
		TraderID:      "t1",
		Exchange:      types.ExchangePaper,
		Symbol:        "BTC/USDT",
		Type:          types.TradeTypeLong,
		Status:        types.TradeStatusClosed,
		Quantity:      decimal.NewFromFloat(0.01),
		EntryPrice:    decimal.NewFromInt(50000),
		ExitPrice:     decimal.NewFromInt(51000),
		Profit:        decimal.NewFromInt(10),
		ProfitPercent: decimal.NewFromInt(2),
		EntryIndicators: map[string]decimal.Decimal{
			"RSI": decimal.NewFromInt(28),
		},
		Timeframe: types.IntervalOneMinute,
		OpenedAt:  time.Now().Add(-time.Hour),
		ClosedAt:  time.Now(),
	}
	f.sup.onTradeClosed(trade, "")

	matches := f.sup.patterns.Query(patterns.QueryCriteria{Symbol: "BTC/USDT"})
	require.NotEmpty(t, matches, "winning trade should yield a learned pattern")
}
