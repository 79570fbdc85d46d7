package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/driftline/tradecore/internal/patterns"
	"github.com/driftline/tradecore/pkg/types"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, map[string]any{
		"status":  "healthy",
		"traders": s.supervisor.HealthAll(),
		"time":    time.Now().Unix(),
	})
}

// createTraderRequest is the REST shape of a trader configuration.
type createTraderRequest struct {
	ID                    string  `json:"id"`
	Name                  string  `json:"name"`
	Exchange              string  `json:"exchange"`
	Symbol                string  `json:"symbol"`
	MaxStakeAmount        float64 `json:"maxStakeAmount"`
	MaxRiskLevel          int     `json:"maxRiskLevel"`
	MaxTradingDurationSec int64   `json:"maxTradingDurationSeconds"`
	MinReturnPercent      float64 `json:"minReturnPercent"`
	Strategy              string  `json:"strategy"`
	Interval              string  `json:"candlestickInterval"`
	Leverage              int     `json:"leverage"`
	SignalThreshold       float64 `json:"signalThreshold"`
	PatternWeight         float64 `json:"patternWeight"`
}

func (r createTraderRequest) toConfig() types.TraderConfig {
	return types.TraderConfig{
		ID:                 r.ID,
		Name:               r.Name,
		Exchange:           types.Exchange(r.Exchange),
		Symbol:             r.Symbol,
		MaxStakeAmount:     decimal.NewFromFloat(r.MaxStakeAmount),
		MaxRiskLevel:       r.MaxRiskLevel,
		MaxTradingDuration: time.Duration(r.MaxTradingDurationSec) * time.Second,
		MinReturnPercent:   decimal.NewFromFloat(r.MinReturnPercent),
		Strategy:           types.StrategyType(r.Strategy),
		Interval:           types.Interval(r.Interval),
		Leverage:           r.Leverage,
		SignalThreshold:    r.SignalThreshold,
		PatternWeight:      r.PatternWeight,
	}
}

func (s *Server) handleListTraders(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, s.supervisor.List())
}

func (s *Server) handleCreateTrader(w http.ResponseWriter, r *http.Request) {
	var req createTraderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, types.WrapError(types.CodeInvalidArgument, "invalid request body", err))
		return
	}
	id, err := s.supervisor.Create(r.Context(), req.toConfig())
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleGetTrader(w http.ResponseWriter, r *http.Request) {
	detail, err := s.supervisor.Get(mux.Vars(r)["id"])
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, detail)
}

func (s *Server) handleUpdateTrader(w http.ResponseWriter, r *http.Request) {
	var req createTraderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, types.WrapError(types.CodeInvalidArgument, "invalid request body", err))
		return
	}
	if err := s.supervisor.Update(r.Context(), mux.Vars(r)["id"], req.toConfig()); err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, nil)
}

func (s *Server) handleDeleteTrader(w http.ResponseWriter, r *http.Request) {
	if err := s.supervisor.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, nil)
}

func (s *Server) handleStartTrader(w http.ResponseWriter, r *http.Request) {
	if err := s.supervisor.Start(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, nil)
}

func (s *Server) handleStopTrader(w http.ResponseWriter, r *http.Request) {
	if err := s.supervisor.Stop(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, nil)
}

func (s *Server) handlePauseTrader(w http.ResponseWriter, r *http.Request) {
	if err := s.supervisor.Pause(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, nil)
}

func (s *Server) handleResumeTrader(w http.ResponseWriter, r *http.Request) {
	if err := s.supervisor.Resume(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, nil)
}

func (s *Server) handleTraderHealth(w http.ResponseWriter, r *http.Request) {
	health, err := s.supervisor.Health(mux.Vars(r)["id"])
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, health)
}

func (s *Server) handleRiskScore(w http.ResponseWriter, r *http.Request) {
	score := s.risk.EvaluateScore(r.Context(), mux.Vars(r)["id"])
	s.respond(w, http.StatusOK, score)
}

func (s *Server) handleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.risk.EmergencyStop(r.Context(), id, "manual emergency stop")
	s.respond(w, http.StatusOK, map[string]string{"traderId": id, "status": "stopped"})
}

func (s *Server) handleGlobalEmergencyStop(w http.ResponseWriter, r *http.Request) {
	s.risk.GlobalEmergencyStop(r.Context(), "manual global emergency stop")
	s.respond(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleClearEmergency(w http.ResponseWriter, r *http.Request) {
	s.risk.ClearEmergency(mux.Vars(r)["id"])
	s.respond(w, http.StatusOK, nil)
}

func (s *Server) handleQueryPatterns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	criteria := patterns.QueryCriteria{
		Exchange: types.Exchange(q.Get("exchange")),
		Symbol:   q.Get("symbol"),
		Action:   types.SignalAction(q.Get("action")),
	}
	if v := q.Get("minSuccessRate"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			criteria.MinSuccessRate = f
		}
	}
	if v := q.Get("minConfidence"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			criteria.MinConfidence = f
		}
	}
	s.respond(w, http.StatusOK, s.patterns.Query(criteria))
}

func (s *Server) handleMergePatterns(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Exchange string `json:"exchange"`
		Symbol   string `json:"symbol"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, types.WrapError(types.CodeInvalidArgument, "invalid request body", err))
		return
	}
	merged, err := s.patterns.MergeSimilar(r.Context(), types.Exchange(req.Exchange), req.Symbol)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"merged": merged})
}

func (s *Server) handlePrunePatterns(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MaxAgeDays     int     `json:"maxAgeDays"`
		MinSuccessRate float64 `json:"minSuccessRate"`
		MinUsageCount  int     `json:"minUsageCount"`
		MaxPatterns    int     `json:"maxPatterns"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, types.WrapError(types.CodeInvalidArgument, "invalid request body", err))
		return
	}
	criteria := patterns.PruneCriteria{
		MaxAge:         time.Duration(req.MaxAgeDays) * 24 * time.Hour,
		MinSuccessRate: req.MinSuccessRate,
		MinUsageCount:  req.MinUsageCount,
		MaxPatterns:    req.MaxPatterns,
	}
	pruned, err := s.patterns.Prune(r.Context(), criteria)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]int{"pruned": pruned})
}

func (s *Server) handleTelemetryConnections(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, s.hub.Connections())
}

func (s *Server) handleTelemetryDisconnect(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !s.hub.Disconnect(id, "closed by administrator") {
		s.respondError(w, types.NewErrorf(types.CodeNotFound, "connection %s not found", id))
		return
	}
	s.respond(w, http.StatusOK, nil)
}
