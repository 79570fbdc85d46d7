// Package supervisor owns the trader fleet: creation against the fleet cap,
// lifecycle commands, configuration updates, crash recovery from the
// repository and health polling.
package supervisor

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/driftline/tradecore/internal/exchange"
	"github.com/driftline/tradecore/internal/execution"
	"github.com/driftline/tradecore/internal/monitoring"
	"github.com/driftline/tradecore/internal/patterns"
	"github.com/driftline/tradecore/internal/repository"
	"github.com/driftline/tradecore/internal/risk"
	"github.com/driftline/tradecore/internal/telemetry"
	"github.com/driftline/tradecore/internal/trader"
	"github.com/driftline/tradecore/internal/workers"
	"github.com/driftline/tradecore/pkg/types"
)

// DefaultMaxTraders caps the fleet when no limit is configured.
const DefaultMaxTraders = 3

// Detail is the externally visible view of one trader.
type Detail struct {
	Config   types.TraderConfig     `json:"config"`
	State    types.TraderState      `json:"state"`
	Metrics  trader.MetricsSnapshot `json:"metrics"`
	Position *types.ManagedPosition `json:"position,omitempty"`
}

// Supervisor manages the worker fleet. The fleet mutex serialises
// create/start/stop/update/delete; it is never held across an exchange
// call, which happens after release under the worker's own lock.
type Supervisor struct {
	logger     *zap.Logger
	maxTraders int
	repo       repository.Repository
	factory    *exchange.Factory
	risk       *risk.Engine
	positions  *execution.Manager
	patterns   *patterns.Service
	hub        *telemetry.Hub
	pool       *workers.Pool

	mu      sync.Mutex
	workers map[string]*trader.Worker
}

// New creates a supervisor and wires trade closes into the pattern service
// and worker metrics.
func New(
	logger *zap.Logger,
	maxTraders int,
	repo repository.Repository,
	factory *exchange.Factory,
	riskEngine *risk.Engine,
	positionMgr *execution.Manager,
	patternSvc *patterns.Service,
	hub *telemetry.Hub,
	pool *workers.Pool,
) *Supervisor {
	if maxTraders <= 0 {
		maxTraders = DefaultMaxTraders
	}
	s := &Supervisor{
		logger:     logger.Named("supervisor"),
		maxTraders: maxTraders,
		repo:       repo,
		factory:    factory,
		risk:       riskEngine,
		positions:  positionMgr,
		patterns:   patternSvc,
		hub:        hub,
		pool:       pool,
		workers:    make(map[string]*trader.Worker),
	}
	if positionMgr != nil {
		positionMgr.OnClose(s.onTradeClosed)
	}
	return s
}

// onTradeClosed updates worker metrics, learns new patterns and feeds
// outcomes back to the matched pattern.
func (s *Supervisor) onTradeClosed(trade types.ClosedTrade, matchedPatternID string) {
	if w := s.lookup(trade.TraderID); w != nil {
		w.RecordClosedTrade(trade.Profit)
	}
	monitoring.RecordTrade(trade.TraderID, trade.Symbol, trade.Profit.InexactFloat64())
	if s.patterns == nil {
		return
	}
	ctx := context.Background()
	if _, err := s.patterns.LearnFromTrade(ctx, trade); err != nil {
		s.logger.Warn("Pattern extraction failed",
			zap.String("tradeId", trade.ID), zap.Error(err))
	}
	if matchedPatternID != "" {
		err := s.patterns.UpdatePerformance(ctx, matchedPatternID, patterns.Outcome{
			Success:      trade.Profit.IsPositive(),
			ReturnAmount: trade.Profit,
		})
		if err != nil {
			s.logger.Warn("Pattern performance update failed",
				zap.String("patternId", matchedPatternID), zap.Error(err))
		}
	}
}

func (s *Supervisor) lookup(id string) *trader.Worker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workers[id]
}

func (s *Supervisor) worker(id string) (*trader.Worker, error) {
	if w := s.lookup(id); w != nil {
		return w, nil
	}
	return nil, types.NewErrorf(types.CodeNotFound, "trader %s not found", id)
}

// Create validates the config against the fleet cap and the risk engine,
// builds an IDLE worker, persists its row and registers it everywhere.
// The repository count is the authoritative cap check.
func (s *Supervisor) Create(ctx context.Context, config types.TraderConfig) (string, error) {
	config, err := types.NewTraderConfig(config)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	if _, exists := s.workers[config.ID]; exists {
		s.mu.Unlock()
		return "", types.NewErrorf(types.CodeInvalidArgument, "trader %s already exists", config.ID)
	}
	if len(s.workers) >= s.maxTraders {
		s.mu.Unlock()
		return "", types.NewErrorf(types.CodeLimitExceeded,
			"Maximum number of concurrent traders (%d) reached", s.maxTraders)
	}
	s.mu.Unlock()

	ok, err := s.repo.Traders().CanCreateMore(ctx, s.maxTraders)
	if err != nil {
		return "", types.WrapError(types.CodeInternal, "fleet size check failed", err)
	}
	if !ok {
		return "", types.NewErrorf(types.CodeLimitExceeded,
			"Maximum number of concurrent traders (%d) reached", s.maxTraders)
	}

	if violation := s.risk.ValidateCreation(config); violation != nil {
		return "", types.NewError(types.CodeRiskRejected, violation.Message)
	}

	adapter, err := s.factory.GetAdapter(config.Exchange)
	if err != nil {
		return "", err
	}

	w, err := trader.NewWorker(s.logger, config, adapter, s.risk, s.positions, s.patterns, s.hub)
	if err != nil {
		return "", err
	}

	if err := s.repo.Traders().Create(ctx, rowFromConfig(config, repository.TraderStatusStopped)); err != nil {
		return "", types.WrapError(types.CodeInternal, "failed to persist trader", err)
	}

	s.risk.Register(config, s.emergencyHandler(config.ID))
	s.positions.Register(config, adapter)

	s.mu.Lock()
	s.workers[config.ID] = w
	s.mu.Unlock()

	w.AnnounceStatus(trader.ReasonCreated)
	s.logger.Info("Trader created",
		zap.String("traderId", config.ID),
		zap.String("exchange", string(config.Exchange)),
		zap.String("symbol", config.Symbol),
		zap.String("strategy", string(config.Strategy)))
	return config.ID, nil
}

// emergencyHandler stops the worker when the risk engine fires an emergency
// stop. The engine closes positions itself before invoking the handler.
func (s *Supervisor) emergencyHandler(traderID string) risk.StopHandler {
	return func(reason string) {
		go func() {
			w := s.lookup(traderID)
			if w == nil {
				return
			}
			if err := w.Stop(context.Background()); err != nil {
				s.logger.Error("Emergency stop of worker failed",
					zap.String("traderId", traderID),
					zap.String("reason", reason),
					zap.Error(err))
				return
			}
			s.persistStatus(context.Background(), traderID, repository.TraderStatusStopped)
			s.logger.Warn("Worker stopped by risk engine",
				zap.String("traderId", traderID),
				zap.String("reason", reason))
		}()
	}
}

// Start launches the trader's trading loop.
func (s *Supervisor) Start(ctx context.Context, id string) error {
	w, err := s.worker(id)
	if err != nil {
		return err
	}
	if err := w.Start(ctx); err != nil {
		return err
	}
	s.persistStatus(ctx, id, repository.TraderStatusActive)
	return nil
}

// Stop halts the trading loop and closes any open position. Idempotent when
// the trader is already stopped.
func (s *Supervisor) Stop(ctx context.Context, id string) error {
	w, err := s.worker(id)
	if err != nil {
		return err
	}
	if err := w.Stop(ctx); err != nil {
		return err
	}
	s.persistStatus(ctx, id, repository.TraderStatusStopped)
	return nil
}

// Pause suspends the trading loop without tearing it down.
func (s *Supervisor) Pause(ctx context.Context, id string) error {
	w, err := s.worker(id)
	if err != nil {
		return err
	}
	if err := w.Pause(); err != nil {
		return err
	}
	s.persistStatus(ctx, id, repository.TraderStatusPaused)
	return nil
}

// Resume returns a paused trader to RUNNING.
func (s *Supervisor) Resume(ctx context.Context, id string) error {
	w, err := s.worker(id)
	if err != nil {
		return err
	}
	if err := w.Resume(); err != nil {
		return err
	}
	s.persistStatus(ctx, id, repository.TraderStatusActive)
	return nil
}

// Update swaps the trader's configuration. A running trader is stopped,
// updated and restarted; the strategy and indicator processor are rebuilt
// either way.
func (s *Supervisor) Update(ctx context.Context, id string, config types.TraderConfig) error {
	if config.ID != id {
		return types.NewErrorf(types.CodeInvariantViolation,
			"config id %q does not match trader %q", config.ID, id)
	}
	config, err := types.NewTraderConfig(config)
	if err != nil {
		return err
	}
	w, err := s.worker(id)
	if err != nil {
		return err
	}

	state := w.State()
	wasRunning := state == types.StateRunning || state == types.StatePaused
	if wasRunning {
		if err := w.Stop(ctx); err != nil {
			return err
		}
	}

	if err := w.ApplyConfig(config); err != nil {
		return err
	}

	adapter, err := s.factory.GetAdapter(config.Exchange)
	if err != nil {
		return err
	}
	s.risk.Unregister(id)
	s.risk.Register(config, s.emergencyHandler(id))
	s.positions.Register(config, adapter)

	if err := s.repo.Traders().UpdateConfiguration(ctx, rowFromConfig(config, statusFor(w.State()))); err != nil {
		s.logger.Error("Failed to persist updated configuration",
			zap.String("traderId", id), zap.Error(err))
	}

	if wasRunning {
		if err := w.Start(ctx); err != nil {
			return err
		}
		s.persistStatus(ctx, id, repository.TraderStatusActive)
	}
	return nil
}

// Delete stops the trader, releases its registrations and removes its row.
func (s *Supervisor) Delete(ctx context.Context, id string) error {
	w, err := s.worker(id)
	if err != nil {
		return err
	}
	if err := w.Stop(ctx); err != nil {
		return err
	}

	s.risk.Unregister(id)
	s.positions.Unregister(id)

	if err := s.repo.Traders().Delete(ctx, id); err != nil {
		return types.WrapError(types.CodeInternal, "failed to delete trader row", err)
	}

	s.mu.Lock()
	delete(s.workers, id)
	s.mu.Unlock()

	if s.hub != nil {
		s.hub.Publish(telemetry.ChannelTraderStatus, id, map[string]any{
			"traderId": id,
			"state":    string(types.StateStopped),
			"reason":   "DELETED",
		})
	}
	s.logger.Info("Trader deleted", zap.String("traderId", id))
	return nil
}

// Recover rebuilds the fleet from persisted rows after a restart. Every
// worker comes back IDLE and is never auto-started; rows that fail to
// reconstruct are logged and skipped.
func (s *Supervisor) Recover(ctx context.Context) (int, error) {
	rows, err := s.repo.Traders().FindAll(ctx)
	if err != nil {
		return 0, types.WrapError(types.CodeInternal, "failed to load trader rows", err)
	}

	recovered := 0
	for _, row := range rows {
		config, err := configFromRow(row)
		if err != nil {
			s.logger.Warn("Skipping unrecoverable trader row",
				zap.String("traderId", row.ID), zap.Error(err))
			continue
		}
		adapter, err := s.factory.GetAdapter(config.Exchange)
		if err != nil {
			s.logger.Warn("Skipping trader, no adapter",
				zap.String("traderId", row.ID), zap.Error(err))
			continue
		}
		w, err := trader.NewWorker(s.logger, config, adapter, s.risk, s.positions, s.patterns, s.hub)
		if err != nil {
			s.logger.Warn("Skipping trader, worker construction failed",
				zap.String("traderId", row.ID), zap.Error(err))
			continue
		}

		s.risk.Register(config, s.emergencyHandler(config.ID))
		s.positions.Register(config, adapter)

		s.mu.Lock()
		s.workers[config.ID] = w
		s.mu.Unlock()

		w.AnnounceStatus(trader.ReasonRecovered)
		recovered++
	}
	s.logger.Info("Fleet recovered",
		zap.Int("rows", len(rows)),
		zap.Int("recovered", recovered))
	return recovered, nil
}

// Get returns the trader's detail view.
func (s *Supervisor) Get(id string) (*Detail, error) {
	w, err := s.worker(id)
	if err != nil {
		return nil, err
	}
	return s.detail(w), nil
}

// List returns all traders sorted by id.
func (s *Supervisor) List() []Detail {
	s.mu.Lock()
	all := make([]*trader.Worker, 0, len(s.workers))
	for _, w := range s.workers {
		all = append(all, w)
	}
	s.mu.Unlock()

	out := make([]Detail, 0, len(all))
	for _, w := range all {
		out = append(out, *s.detail(w))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Config.ID < out[j].Config.ID })
	return out
}

func (s *Supervisor) detail(w *trader.Worker) *Detail {
	var position *types.ManagedPosition
	if s.positions != nil {
		position = s.positions.Position(w.ID())
	}
	return &Detail{
		Config:   w.Config(),
		State:    w.State(),
		Metrics:  w.Metrics(),
		Position: position,
	}
}

// Health polls one trader.
func (s *Supervisor) Health(id string) (*trader.Health, error) {
	w, err := s.worker(id)
	if err != nil {
		return nil, err
	}
	h := w.Health()
	return &h, nil
}

// HealthAll polls every trader, fanning out on the worker pool when it is
// running.
func (s *Supervisor) HealthAll() []trader.Health {
	s.mu.Lock()
	all := make([]*trader.Worker, 0, len(s.workers))
	for _, w := range s.workers {
		all = append(all, w)
	}
	s.mu.Unlock()

	results := make([]trader.Health, len(all))
	fns := make([]func() error, len(all))
	for i, w := range all {
		i, w := i, w
		fns[i] = func() error {
			results[i] = w.Health()
			return nil
		}
	}
	if s.pool != nil && s.pool.IsRunning() {
		s.pool.RunAll(fns)
	} else {
		for _, fn := range fns {
			_ = fn()
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].TraderID < results[j].TraderID })
	return results
}

// Shutdown stops every worker. Used on process exit.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.mu.Lock()
	all := make([]*trader.Worker, 0, len(s.workers))
	for _, w := range s.workers {
		all = append(all, w)
	}
	s.mu.Unlock()

	for _, w := range all {
		if err := w.Stop(ctx); err != nil {
			s.logger.Error("Failed to stop worker on shutdown",
				zap.String("traderId", w.ID()), zap.Error(err))
		}
	}
}

func (s *Supervisor) persistStatus(ctx context.Context, id string, status repository.TraderStatus) {
	if err := s.repo.Traders().UpdateStatus(ctx, id, status); err != nil {
		s.logger.Error("Failed to persist trader status",
			zap.String("traderId", id),
			zap.String("status", string(status)),
			zap.Error(err))
	}
}

func statusFor(state types.TraderState) repository.TraderStatus {
	switch state {
	case types.StateRunning, types.StateStarting:
		return repository.TraderStatusActive
	case types.StatePaused:
		return repository.TraderStatusPaused
	case types.StateError:
		return repository.TraderStatusError
	default:
		return repository.TraderStatusStopped
	}
}

func rowFromConfig(config types.TraderConfig, status repository.TraderStatus) repository.TraderRow {
	now := time.Now()
	return repository.TraderRow{
		ID:             config.ID,
		Name:           config.Name,
		Status:         status,
		Exchange:       config.Exchange,
		TradingPair:    config.Symbol,
		Strategy:       string(config.Strategy),
		Interval:       string(config.Interval),
		Leverage:       config.Leverage,
		InitialBalance: config.MaxStakeAmount,
		CurrentBalance: config.MaxStakeAmount,
		MaxRiskLevel:   config.MaxRiskLevel,
		MaxDurationSec: int64(config.MaxTradingDuration / time.Second),
		MinReturnPct:   config.MinReturnPercent,
		CreatedAt:      now,
		UpdatedAt:      now,
		LastActiveAt:   now,
	}
}

func configFromRow(row repository.TraderRow) (types.TraderConfig, error) {
	return types.NewTraderConfig(types.TraderConfig{
		ID:                 row.ID,
		Name:               row.Name,
		Exchange:           row.Exchange,
		Symbol:             row.TradingPair,
		MaxStakeAmount:     row.InitialBalance,
		MaxRiskLevel:       row.MaxRiskLevel,
		MaxTradingDuration: time.Duration(row.MaxDurationSec) * time.Second,
		MinReturnPercent:   row.MinReturnPct,
		Strategy:           types.StrategyType(row.Strategy),
		Interval:           types.Interval(row.Interval),
		Leverage:           row.Leverage,
	})
}
