package trader

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/driftline/tradecore/internal/exchange"
	"github.com/driftline/tradecore/internal/execution"
	"github.com/driftline/tradecore/internal/indicators"
	"github.com/driftline/tradecore/internal/monitoring"
	"github.com/driftline/tradecore/internal/patterns"
	"github.com/driftline/tradecore/internal/risk"
	"github.com/driftline/tradecore/internal/telemetry"
	"github.com/driftline/tradecore/pkg/types"
)

const (
	candleFetchLimit = 100
	fetchRetrySleep  = 5 * time.Second
	errorExitSleep   = 10 * time.Second

	patternMinRelevance = 0.6
	patternMaxResults   = 5

	// a running worker is unhealthy after this many intervals without a
	// signal
	staleSignalFactor = 3
)

// Status reasons published on the trader-status channel.
const (
	ReasonCreated   = "CREATED"
	ReasonRecovered = "RECOVERED"
	ReasonStarted   = "STARTED"
	ReasonPaused    = "PAUSED"
	ReasonResumed   = "RESUMED"
	ReasonStopped   = "STOPPED"
	ReasonUpdated   = "UPDATED"
	ReasonError     = "ERROR"
)

// Health is the worker's health probe result.
type Health struct {
	TraderID         string            `json:"traderId"`
	State            types.TraderState `json:"state"`
	LastSignalTime   time.Time         `json:"lastSignalTime"`
	AdapterConnected bool              `json:"adapterConnected"`
	ErrorCount       int64             `json:"errorCount"`
	Healthy          bool              `json:"healthy"`
	Issues           []string          `json:"issues,omitempty"`
}

// Worker is one autonomous trader. It owns its strategy, indicator
// processor, metrics and position handle; the supervisor owns its
// lifecycle. State reads are lock-free; transitions serialise on the
// worker's own mutex.
type Worker struct {
	logger    *zap.Logger
	adapter   exchange.Adapter
	risk      *risk.Engine
	positions *execution.Manager
	patterns  *patterns.Service
	hub       *telemetry.Hub

	mu        sync.Mutex // guards transitions, config swaps, loop handles
	config    types.TraderConfig
	strategy  Strategy
	processor *indicators.Processor
	cancel    context.CancelFunc
	loopDone  chan struct{}

	state   atomic.Value // types.TraderState
	metrics *Metrics
}

// NewWorker creates a worker in IDLE.
func NewWorker(
	logger *zap.Logger,
	config types.TraderConfig,
	adapter exchange.Adapter,
	riskEngine *risk.Engine,
	positionMgr *execution.Manager,
	patternSvc *patterns.Service,
	hub *telemetry.Hub,
) (*Worker, error) {
	strategy, err := NewStrategy(config.Strategy)
	if err != nil {
		return nil, err
	}
	if err := strategy.ValidateConfig(config); err != nil {
		return nil, err
	}

	w := &Worker{
		logger:    logger.Named("worker").With(zap.String("traderId", config.ID)),
		adapter:   adapter,
		risk:      riskEngine,
		positions: positionMgr,
		patterns:  patternSvc,
		hub:       hub,
		config:    config,
		strategy:  strategy,
		processor: indicators.NewProcessor(logger),
		metrics:   &Metrics{},
	}
	w.state.Store(types.StateIdle)
	return w, nil
}

// ID returns the trader id.
func (w *Worker) ID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.config.ID
}

// Config returns a copy of the current configuration.
func (w *Worker) Config() types.TraderConfig {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.config
}

// State returns the current lifecycle state without locking.
func (w *Worker) State() types.TraderState {
	return w.state.Load().(types.TraderState)
}

// Metrics returns a snapshot of the worker's counters.
func (w *Worker) Metrics() MetricsSnapshot {
	return w.metrics.Snapshot()
}

// transitionLocked validates and applies a state change. Caller holds w.mu.
func (w *Worker) transitionLocked(next types.TraderState, reason string) error {
	current := w.State()
	if !current.CanTransition(next) {
		return types.NewErrorf(types.CodeBadState,
			"illegal transition %s -> %s", current, next)
	}
	w.state.Store(next)
	w.logger.Info("State transition",
		zap.String("from", string(current)),
		zap.String("to", string(next)),
		zap.String("reason", reason))
	w.publishStatus(next, reason)
	return nil
}

func (w *Worker) publishStatus(state types.TraderState, reason string) {
	if w.hub == nil {
		return
	}
	w.hub.Publish(telemetry.ChannelTraderStatus, w.config.ID, map[string]any{
		"traderId": w.config.ID,
		"state":    string(state),
		"reason":   reason,
	})
}

// AnnounceStatus publishes the current state with a reason; used by the
// supervisor for CREATED and RECOVERED, which are not transitions.
func (w *Worker) AnnounceStatus(reason string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.publishStatus(w.State(), reason)
}

// Start moves IDLE|STOPPED through STARTING to RUNNING and launches the
// trading loop.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.State().IsStartable() {
		return types.NewErrorf(types.CodeBadState, "trader %s is %s, not startable", w.config.ID, w.State())
	}
	if err := w.transitionLocked(types.StateStarting, ReasonStarted); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.loopDone = make(chan struct{})

	if err := w.transitionLocked(types.StateRunning, ReasonStarted); err != nil {
		cancel()
		return err
	}
	go w.run(loopCtx, w.loopDone)
	return nil
}

// Stop cancels the loop cooperatively, closes any open position and lands
// in STOPPED. Idempotent when already stopped.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	state := w.State()
	if state == types.StateStopped {
		w.mu.Unlock()
		return nil
	}
	if state == types.StateIdle {
		// created but never started; there is no loop or position to tear down
		err := w.transitionLocked(types.StateStopped, ReasonStopped)
		w.mu.Unlock()
		return err
	}
	if state == types.StateError {
		// ERROR exits only via explicit stop
		if err := w.transitionLocked(types.StateStopped, ReasonStopped); err != nil {
			w.mu.Unlock()
			return err
		}
		cancel, done := w.cancel, w.loopDone
		w.mu.Unlock()
		w.teardown(ctx, cancel, done)
		return nil
	}
	if err := w.transitionLocked(types.StateStopping, ReasonStopped); err != nil {
		w.mu.Unlock()
		return err
	}
	cancel, done := w.cancel, w.loopDone
	w.mu.Unlock()

	w.teardown(ctx, cancel, done)

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.transitionLocked(types.StateStopped, ReasonStopped)
}

func (w *Worker) teardown(ctx context.Context, cancel context.CancelFunc, done chan struct{}) {
	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(30 * time.Second):
			w.logger.Warn("Trading loop did not exit in time")
		}
	}
	if w.positions != nil {
		if _, err := w.positions.Close(ctx, w.ID(), "TRADER_STOPPED"); err != nil {
			w.logger.Error("Failed to close position on stop", zap.Error(err))
		}
	}
}

// Pause suspends signal processing without tearing the loop down.
func (w *Worker) Pause() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.transitionLocked(types.StatePaused, ReasonPaused)
}

// Resume returns a paused worker to RUNNING.
func (w *Worker) Resume() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.transitionLocked(types.StateRunning, ReasonResumed)
}

// ApplyConfig swaps the configuration and rebuilds the strategy and
// indicator processor. Only legal while the worker is not running.
func (w *Worker) ApplyConfig(config types.TraderConfig) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch w.State() {
	case types.StateRunning, types.StateStarting, types.StateStopping:
		return types.NewErrorf(types.CodeBadState, "cannot reconfigure trader %s while %s", w.config.ID, w.State())
	}
	strategy, err := NewStrategy(config.Strategy)
	if err != nil {
		return err
	}
	if err := strategy.ValidateConfig(config); err != nil {
		return err
	}
	w.config = config
	w.strategy = strategy
	w.processor.Reset()
	w.publishStatus(w.State(), ReasonUpdated)
	return nil
}

// Health reports the worker's health per the probe contract.
func (w *Worker) Health() Health {
	w.mu.Lock()
	config := w.config
	w.mu.Unlock()

	state := w.State()
	lastSignal := w.metrics.lastSignalTime()
	connected := w.adapter != nil && w.adapter.IsConnected()

	var issues []string
	if state == types.StateError {
		issues = append(issues, "worker is in ERROR state")
	}
	if !connected {
		issues = append(issues, "exchange adapter disconnected")
	}
	if state == types.StateRunning && !lastSignal.IsZero() {
		stale := time.Duration(staleSignalFactor) * config.Interval.Duration()
		if time.Since(lastSignal) > stale {
			issues = append(issues, fmt.Sprintf("no signal for more than %s", stale))
		}
	}

	return Health{
		TraderID:         config.ID,
		State:            state,
		LastSignalTime:   lastSignal,
		AdapterConnected: connected,
		ErrorCount:       w.metrics.errors(),
		Healthy:          len(issues) == 0,
		Issues:           issues,
	}
}

// run is the trading loop. It exits when the context is cancelled or an
// uncaught failure parks the worker in ERROR.
func (w *Worker) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	w.logger.Info("Trading loop started")

	for {
		if ctx.Err() != nil {
			return
		}
		state := w.State()
		if state != types.StateRunning && state != types.StatePaused {
			return
		}

		if state == types.StatePaused {
			if !sleepCtx(ctx, time.Second) {
				return
			}
			continue
		}

		if err := w.iterate(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			w.metrics.recordError(err.Error())
			w.logger.Error("Trading loop failure", zap.Error(err))

			w.mu.Lock()
			_ = w.transitionLocked(types.StateError, ReasonError)
			w.mu.Unlock()

			sleepCtx(ctx, errorExitSleep)
			return
		}

		w.mu.Lock()
		interval := w.config.Interval.Duration()
		w.mu.Unlock()
		if !sleepCtx(ctx, interval) {
			return
		}
	}
}

// iterate runs one fetch/process/match/generate/execute pass. Returning an
// error parks the worker in ERROR; recoverable fetch problems are handled
// inside.
func (w *Worker) iterate(ctx context.Context) error {
	w.mu.Lock()
	config := w.config
	strategy := w.strategy
	processor := w.processor
	w.mu.Unlock()

	// fetch
	candles, err := w.adapter.GetCandles(ctx, config.Symbol, config.Interval, time.Time{}, time.Time{}, candleFetchLimit)
	if err != nil || len(candles) == 0 {
		if err != nil {
			w.logger.Warn("Candle fetch failed", zap.Error(err))
		} else {
			w.logger.Warn("Candle fetch returned no data")
		}
		sleepCtx(ctx, fetchRetrySleep)
		return nil
	}

	// process
	if err := processor.Validate(candles, strategy.MinCandles()); err != nil {
		w.logger.Warn("Candle series rejected", zap.Error(err))
		sleepCtx(ctx, fetchRetrySleep)
		return nil
	}
	series, err := w.computeIndicators(processor, strategy, candles)
	if err != nil {
		return types.WrapError(types.CodeInternal, "indicator computation failed", err)
	}

	lastClose := candles[len(candles)-1].Close
	if w.positions != nil {
		w.positions.UpdatePrice(config.ID, lastClose)
	}
	if w.hub != nil {
		w.hub.Publish(telemetry.ChannelMarketData, config.Symbol, map[string]any{
			"symbol": config.Symbol,
			"close":  lastClose.String(),
			"time":   candles[len(candles)-1].CloseTime,
		})
	}

	// match patterns
	var match *patterns.Match
	if w.patterns != nil {
		conditions := patterns.MarketConditions{
			Exchange:   config.Exchange,
			Symbol:     config.Symbol,
			Timeframe:  config.Interval,
			Price:      lastClose,
			Indicators: latestValues(series, lastClose),
		}
		if found := w.patterns.MatchConditions(conditions, patternMinRelevance, patternMaxResults); len(found) > 0 {
			match = &found[0]
		}
	}

	// generate
	signal := strategy.Generate(candles, series)
	if match != nil && signal.Actionable() && match.Pattern.Action == signal.Action {
		weight := config.PatternWeight
		signal.Confidence = (1-weight)*signal.Confidence + weight*match.Confidence
		signal.MatchedPatternID = match.Pattern.ID
	}

	// execute
	return w.execute(ctx, config, signal, lastClose)
}

func (w *Worker) execute(ctx context.Context, config types.TraderConfig, signal types.Signal, price decimal.Decimal) error {
	if signal.Action == types.ActionClose {
		w.metrics.recordSignal(true, false)
		monitoring.RecordSignal(config.ID, string(signal.Action), "executed")
		if w.positions == nil {
			return nil
		}
		// closed-trade metrics arrive through RecordClosedTrade so
		// stop-loss and emergency closes count too
		_, err := w.positions.Close(ctx, config.ID, "SIGNAL")
		return err
	}

	if !signal.Actionable() || signal.Confidence < config.SignalThreshold {
		w.metrics.recordSignal(false, false)
		monitoring.RecordSignal(config.ID, string(signal.Action), "skipped")
		return nil
	}
	if w.risk == nil || w.positions == nil {
		w.metrics.recordSignal(false, false)
		return nil
	}
	if w.positions.Position(config.ID) != nil {
		// one position per worker; wait for it to close
		w.metrics.recordSignal(false, false)
		return nil
	}

	_, violation := w.risk.CanOpenPosition(ctx, config.ID, config.MaxStakeAmount, config.Leverage)
	if violation != nil {
		w.metrics.recordSignal(false, true)
		monitoring.RecordSignal(config.ID, string(signal.Action), "denied")
		monitoring.RecordRiskViolation(string(violation.Type))
		w.logger.Info("Signal denied by risk engine",
			zap.String("action", string(signal.Action)),
			zap.String("violation", string(violation.Type)),
			zap.String("message", violation.Message))
		return nil
	}

	if _, err := w.positions.Open(ctx, config.ID, signal, price); err != nil {
		if types.IsCode(err, types.CodeBadState) {
			w.metrics.recordSignal(false, false)
			return nil
		}
		return err
	}
	w.metrics.recordSignal(true, false)
	w.metrics.recordOpen()
	monitoring.RecordSignal(config.ID, string(signal.Action), "executed")
	w.logger.Info("Signal executed",
		zap.String("action", string(signal.Action)),
		zap.Float64("confidence", signal.Confidence),
		zap.String("patternId", signal.MatchedPatternID))
	return nil
}

// RecordClosedTrade feeds every close, including stop-loss and emergency
// closes initiated outside the loop, back into the worker's metrics.
func (w *Worker) RecordClosedTrade(profit decimal.Decimal) {
	w.metrics.recordClose(profit)
}

func (w *Worker) computeIndicators(processor *indicators.Processor, strategy Strategy, candles []types.Candle) (map[string]indicators.Series, error) {
	series := make(map[string]indicators.Series)
	for _, key := range strategy.RequiredIndicators() {
		switch key {
		case indicators.KeySMAShort:
			s, err := processor.SMA(candles, trendShortPeriod)
			if err != nil {
				return nil, err
			}
			series[key] = s
		case indicators.KeySMALong:
			s, err := processor.SMA(candles, trendLongPeriod)
			if err != nil {
				return nil, err
			}
			series[key] = s
		case indicators.KeyRSI:
			s, err := processor.RSI(candles, reversionRSIPeriod)
			if err != nil {
				return nil, err
			}
			series[key] = s
		case indicators.KeyBBUpper, indicators.KeyBBMiddle, indicators.KeyBBLower:
			if _, done := series[indicators.KeyBBUpper]; done {
				continue
			}
			upper, middle, lower, err := processor.Bollinger(candles, reversionBBPeriod, reversionBBStdDev)
			if err != nil {
				return nil, err
			}
			series[indicators.KeyBBUpper] = upper
			series[indicators.KeyBBMiddle] = middle
			series[indicators.KeyBBLower] = lower
		case indicators.KeyMACD:
			macd, sig, hist, err := processor.MACD(candles, 12, 26, 9)
			if err != nil {
				return nil, err
			}
			series[indicators.KeyMACD] = macd
			series[indicators.KeyMACDSignal] = sig
			series[indicators.KeyMACDHist] = hist
		case indicators.KeyPrice:
			// price comes straight from the candles
		}
	}
	return series, nil
}

// latestValues flattens the last value of each series for pattern matching.
func latestValues(series map[string]indicators.Series, price decimal.Decimal) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(series)+1)
	for key, s := range series {
		out[key] = s.Last()
	}
	out[indicators.KeyPrice] = price
	return out
}

// sleepCtx sleeps for d, returning false when the context is cancelled
// first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
