package risk

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/driftline/tradecore/internal/repository"
	"github.com/driftline/tradecore/internal/telemetry"
	"github.com/driftline/tradecore/pkg/types"
)

type fakePositions struct {
	mu        sync.Mutex
	positions map[string][]types.ManagedPosition
	closed    []string
}

func (f *fakePositions) OpenPositions(traderID string) []types.ManagedPosition {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.positions[traderID]
}

func (f *fakePositions) CloseAll(_ context.Context, traderID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.positions, traderID)
	f.closed = append(f.closed, traderID+":"+reason)
	return nil
}

func (f *fakePositions) set(traderID string, pos types.ManagedPosition) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.positions == nil {
		f.positions = make(map[string][]types.ManagedPosition)
	}
	f.positions[traderID] = []types.ManagedPosition{pos}
}

func testConfig() types.RiskConfig {
	return types.RiskConfig{
		MaxTotalBudget:        decimal.NewFromInt(1000),
		MaxLeveragePerTrader:  10,
		MaxTotalLeverage:      20,
		MaxExposurePerTrader:  decimal.NewFromInt(1000),
		MaxTotalExposure:      decimal.NewFromInt(2000),
		MaxDailyLoss:          decimal.NewFromInt(500),
		StopLossPercentage:    decimal.NewFromFloat(0.05),
		MonitoringIntervalSec: 30,
	}
}

func traderConfig(id string, leverage int) types.TraderConfig {
	cfg, err := types.NewTraderConfig(types.TraderConfig{
		ID:                 id,
		Name:               "test " + id,
		Exchange:           types.ExchangePaper,
		Symbol:             "BTC/USDT",
		MaxStakeAmount:     decimal.NewFromInt(100),
		MaxRiskLevel:       5,
		MaxTradingDuration: time.Hour,
		Strategy:           types.StrategyTrendFollowing,
		Interval:           types.IntervalOneMinute,
		Leverage:           leverage,
	})
	if err != nil {
		panic(err)
	}
	return cfg
}

func position(traderID string, qty, entry, current int64, leverage int) types.ManagedPosition {
	return types.ManagedPosition{
		PositionID:   "pos-" + traderID,
		TraderID:     traderID,
		Symbol:       "BTC/USDT",
		Action:       types.ActionBuy,
		Quantity:     decimal.NewFromInt(qty),
		EntryPrice:   decimal.NewFromInt(entry),
		CurrentPrice: decimal.NewFromInt(current),
		Leverage:     leverage,
		OpenedAt:     time.Now(),
	}
}

func newTestEngine(cfg types.RiskConfig) (*Engine, *fakePositions, repository.Repository) {
	repo := repository.NewMemoryRepository()
	e := NewEngine(zap.NewNop(), cfg, repo.Trades(), nil)
	fp := &fakePositions{}
	e.AttachPositions(fp, fp)
	return e, fp, repo
}

func TestValidateBudgetDeniesWhenTotalWouldExceed(t *testing.T) {
	e, fp, _ := newTestEngine(testConfig())
	e.Register(traderConfig("t1", 1), nil)
	// 900 of the 1000 budget already deployed
	fp.set("t1", position("t1", 9, 100, 100, 1))

	v := e.ValidateBudget(decimal.NewFromInt(200), "t1", 1)
	require.NotNil(t, v)
	assert.Equal(t, ViolationBudget, v.Type)

	// 100 more still fits
	assert.Nil(t, e.ValidateBudget(decimal.NewFromInt(100), "t1", 1))
}

func TestValidateBudgetAppliesLeverageMultiplier(t *testing.T) {
	e, _, _ := newTestEngine(testConfig())
	e.Register(traderConfig("t1", 5), nil)

	// 300 x 5 = 1500 > 1000 budget
	v := e.ValidateBudget(decimal.NewFromInt(300), "t1", 5)
	require.NotNil(t, v)
	assert.Equal(t, ViolationBudget, v.Type)
}

func TestValidateCreationRejectsZeroBudget(t *testing.T) {
	cfg := testConfig()
	cfg.MaxTotalBudget = decimal.Zero
	e, _, _ := newTestEngine(cfg)

	v := e.ValidateCreation(traderConfig("t1", 1))
	require.NotNil(t, v)
	assert.Equal(t, ViolationBudget, v.Type)
}

func TestValidateCreationRejectsExcessLeverage(t *testing.T) {
	e, _, _ := newTestEngine(testConfig())

	// leverage 11 > per-trader cap 10; stake 10 keeps exposure small
	cfg := traderConfig("t1", 11)
	cfg.MaxStakeAmount = decimal.NewFromInt(10)
	v := e.ValidateCreation(cfg)
	require.NotNil(t, v)
	assert.Equal(t, ViolationLeverage, v.Type)
}

func TestValidateLeverageCaps(t *testing.T) {
	e, _, _ := newTestEngine(testConfig())

	assert.Nil(t, e.ValidateLeverage(5, ""))
	v := e.ValidateLeverage(11, "")
	require.NotNil(t, v)
	assert.Equal(t, ViolationLeverage, v.Type)
}

func TestCanOpenPositionDeniesUnderEmergency(t *testing.T) {
	e, _, _ := newTestEngine(testConfig())
	e.Register(traderConfig("t1", 1), nil)
	e.EmergencyStop(context.Background(), "t1", "test")

	_, v := e.CanOpenPosition(context.Background(), "t1", decimal.NewFromInt(10), 1)
	require.NotNil(t, v)
	assert.Equal(t, ViolationEmergency, v.Type)
}

func TestScoreRecommendationThresholds(t *testing.T) {
	e, fp, _ := newTestEngine(testConfig())
	e.Register(traderConfig("t1", 1), nil)

	// no exposure: leverage 1/10 and 1/20 keep overall well under 0.5
	score := e.EvaluateScore(context.Background(), "t1")
	assert.Equal(t, RecommendAllow, score.Recommendation)

	// near-full budget usage pushes past the block threshold:
	// budget=0.95, exposure=max(0.95, 950/2000), leverage small
	fp.set("t1", position("t1", 19, 50, 50, 1))
	score = e.EvaluateScore(context.Background(), "t1")
	assert.GreaterOrEqual(t, score.Overall, 0.5)
	assert.Contains(t, []Recommendation{RecommendWarn, RecommendBlock}, score.Recommendation)
}

func TestScorePnLComponentForcesEmergencyStop(t *testing.T) {
	e, _, repo := newTestEngine(testConfig())
	e.Register(traderConfig("t1", 1), nil)

	// realised loss of 600 over the trailing day breaches the 500 cap
	require.NoError(t, repo.Trades().Create(context.Background(), types.ClosedTrade{
		ID:       "tr1",
		TraderID: "t1",
		Status:   types.TradeStatusClosed,
		Profit:   decimal.NewFromInt(-600),
		ClosedAt: time.Now().Add(-time.Hour),
	}))

	score := e.EvaluateScore(context.Background(), "t1")
	assert.GreaterOrEqual(t, score.PnL, 1.0)
	assert.Equal(t, RecommendEmergencyStop, score.Recommendation)
}

func TestEmergencyStopInvokesHandlerAndClosesPositions(t *testing.T) {
	hub := telemetry.NewHub(zap.NewNop(), telemetry.HubConfig{})
	defer hub.Stop()

	repo := repository.NewMemoryRepository()
	e := NewEngine(zap.NewNop(), testConfig(), repo.Trades(), hub)
	fp := &fakePositions{}
	e.AttachPositions(fp, fp)

	var handlerReason string
	e.Register(traderConfig("t1", 1), func(reason string) { handlerReason = reason })
	fp.set("t1", position("t1", 1, 100, 100, 1))

	sub := hub.Subscribe([]telemetry.Channel{telemetry.ChannelRiskAlerts}, false)

	e.EmergencyStop(context.Background(), "t1", "manual")

	assert.Equal(t, "manual", handlerReason)
	assert.Equal(t, []string{"t1:manual"}, fp.closed)
	assert.True(t, e.IsEmergencyStopped("t1"))

	select {
	case ev := <-sub.Events():
		assert.Equal(t, telemetry.ChannelRiskAlerts, ev.Channel)
	case <-time.After(time.Second):
		t.Fatal("no risk alert published")
	}

	// repeated stop is a no-op
	handlerReason = ""
	e.EmergencyStop(context.Background(), "t1", "again")
	assert.Empty(t, handlerReason)

	e.ClearEmergency("t1")
	assert.False(t, e.IsEmergencyStopped("t1"))
}

func TestGlobalEmergencyStopCoversAllTraders(t *testing.T) {
	e, fp, _ := newTestEngine(testConfig())

	var stopped []string
	var mu sync.Mutex
	for _, id := range []string{"t1", "t2"} {
		id := id
		e.Register(traderConfig(id, 1), func(string) {
			mu.Lock()
			stopped = append(stopped, id)
			mu.Unlock()
		})
		fp.set(id, position(id, 1, 100, 100, 1))
	}

	e.GlobalEmergencyStop(context.Background(), "halt")

	assert.Len(t, stopped, 2)
	assert.True(t, e.IsEmergencyStopped("t1"))
	assert.True(t, e.IsEmergencyStopped("t3"), "global mark denies unknown traders too")

	e.ClearGlobalEmergency()
	assert.False(t, e.IsEmergencyStopped("t3"))
}

func TestMonitorStopLossClosesPosition(t *testing.T) {
	e, fp, _ := newTestEngine(testConfig())
	e.Register(traderConfig("t1", 1), nil)
	// entry 100, current 90: 10% loss versus the 5% stop
	fp.set("t1", position("t1", 1, 100, 90, 1))

	m := NewMonitor(zap.NewNop(), e, nil)
	m.Sweep(context.Background())

	require.Len(t, fp.closed, 1)
	assert.Equal(t, "t1:"+StopLossReason, fp.closed[0])
}

func TestMonitorDailyLossBreachEmergencyStops(t *testing.T) {
	e, fp, repo := newTestEngine(testConfig())

	var reason string
	e.Register(traderConfig("t1", 1), func(r string) { reason = r })
	fp.set("t1", position("t1", 1, 100, 100, 1))

	require.NoError(t, repo.Trades().Create(context.Background(), types.ClosedTrade{
		ID:       "tr1",
		TraderID: "t1",
		Status:   types.TradeStatusClosed,
		Profit:   decimal.NewFromInt(-500),
		ClosedAt: time.Now().Add(-time.Minute),
	}))

	m := NewMonitor(zap.NewNop(), e, nil)
	m.Sweep(context.Background())

	assert.True(t, e.IsEmergencyStopped("t1"))
	assert.NotEmpty(t, reason)
}

func TestMonitorHealthyTraderUntouched(t *testing.T) {
	e, fp, _ := newTestEngine(testConfig())
	e.Register(traderConfig("t1", 1), nil)
	fp.set("t1", position("t1", 1, 100, 101, 1))

	m := NewMonitor(zap.NewNop(), e, nil)
	m.Sweep(context.Background())

	assert.Empty(t, fp.closed)
	assert.False(t, e.IsEmergencyStopped("t1"))
}
