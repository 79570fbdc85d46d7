// Package api provides the HTTP and WebSocket surface: REST handlers over
// the supervisor, risk engine and pattern service, plus the telemetry
// bridge.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/driftline/tradecore/internal/config"
	"github.com/driftline/tradecore/internal/monitoring"
	"github.com/driftline/tradecore/internal/patterns"
	"github.com/driftline/tradecore/internal/risk"
	"github.com/driftline/tradecore/internal/supervisor"
	"github.com/driftline/tradecore/internal/telemetry"
	"github.com/driftline/tradecore/pkg/types"
)

// Server is the HTTP/WebSocket API server.
type Server struct {
	logger     *zap.Logger
	config     config.ServerConfig
	router     *mux.Router
	httpServer *http.Server
	upgrader   websocket.Upgrader

	supervisor *supervisor.Supervisor
	risk       *risk.Engine
	patterns   *patterns.Service
	hub        *telemetry.Hub
}

// NewServer creates the API server and registers all routes.
func NewServer(
	logger *zap.Logger,
	cfg config.ServerConfig,
	sup *supervisor.Supervisor,
	riskEngine *risk.Engine,
	patternSvc *patterns.Service,
	hub *telemetry.Hub,
) *Server {
	s := &Server{
		logger:     logger.Named("api"),
		config:     cfg,
		router:     mux.NewRouter(),
		supervisor: sup,
		risk:       riskEngine,
		patterns:   patternSvc,
		hub:        hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for development
			},
		},
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(s.observe)

	api.HandleFunc("/health", s.handleHealth).Methods("GET")

	// Trader lifecycle
	api.HandleFunc("/traders", s.handleListTraders).Methods("GET")
	api.HandleFunc("/traders", s.handleCreateTrader).Methods("POST")
	api.HandleFunc("/traders/{id}", s.handleGetTrader).Methods("GET")
	api.HandleFunc("/traders/{id}", s.handleUpdateTrader).Methods("PUT")
	api.HandleFunc("/traders/{id}", s.handleDeleteTrader).Methods("DELETE")
	api.HandleFunc("/traders/{id}/start", s.handleStartTrader).Methods("POST")
	api.HandleFunc("/traders/{id}/stop", s.handleStopTrader).Methods("POST")
	api.HandleFunc("/traders/{id}/pause", s.handlePauseTrader).Methods("POST")
	api.HandleFunc("/traders/{id}/resume", s.handleResumeTrader).Methods("POST")
	api.HandleFunc("/traders/{id}/health", s.handleTraderHealth).Methods("GET")

	// Risk
	api.HandleFunc("/risk/score/{id}", s.handleRiskScore).Methods("GET")
	api.HandleFunc("/risk/emergency-stop/{id}", s.handleEmergencyStop).Methods("POST")
	api.HandleFunc("/risk/emergency-stop", s.handleGlobalEmergencyStop).Methods("POST")
	api.HandleFunc("/risk/emergency-clear/{id}", s.handleClearEmergency).Methods("POST")

	// Patterns
	api.HandleFunc("/patterns", s.handleQueryPatterns).Methods("GET")
	api.HandleFunc("/patterns/merge", s.handleMergePatterns).Methods("POST")
	api.HandleFunc("/patterns/prune", s.handlePrunePatterns).Methods("POST")

	// Telemetry admin
	api.HandleFunc("/telemetry/connections", s.handleTelemetryConnections).Methods("GET")
	api.HandleFunc("/telemetry/connections/{id}", s.handleTelemetryDisconnect).Methods("DELETE")

	if s.config.EnableMetrics {
		s.router.Handle("/metrics", monitoring.Handler())
	}

	path := s.config.WebSocketPath
	if path == "" {
		path = "/ws"
	}
	s.router.HandleFunc(path, s.handleWebSocket)
}

// Start runs the HTTP server until it fails or is shut down.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	handler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.router)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("Starting API server", zap.String("addr", addr))
	return s.httpServer.ListenAndServe()
}

// Stop gracefully stops the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler { return s.router }

// observe records request latency per route.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tpl, err := current.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		monitoring.ObserveHTTPRequest(r.Method, route, strconv.Itoa(rec.status), time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// envelope is the uniform REST reply shape.
type envelope struct {
	Success   bool       `json:"success"`
	Data      any        `json:"data,omitempty"`
	Error     *errorBody `json:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

type errorBody struct {
	Code    types.ErrorCode `json:"code"`
	Message string          `json:"message"`
	Details any             `json:"details,omitempty"`
}

func (s *Server) respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{
		Success:   true,
		Data:      data,
		Timestamp: time.Now(),
	}); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (s *Server) respondError(w http.ResponseWriter, err error) {
	s.respondErrorDetails(w, err, nil)
}

func (s *Server) respondErrorDetails(w http.ResponseWriter, err error, details any) {
	code := types.CodeOf(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus(code))
	encodeErr := json.NewEncoder(w).Encode(envelope{
		Success: false,
		Error: &errorBody{
			Code:    code,
			Message: err.Error(),
			Details: details,
		},
		Timestamp: time.Now(),
	})
	if encodeErr != nil {
		s.logger.Error("Failed to encode error response", zap.Error(encodeErr))
	}
}

func httpStatus(code types.ErrorCode) int {
	switch code {
	case types.CodeNotFound:
		return http.StatusNotFound
	case types.CodeInvalidArgument, types.CodeInvariantViolation:
		return http.StatusBadRequest
	case types.CodeLimitExceeded:
		return http.StatusTooManyRequests
	case types.CodeBadState:
		return http.StatusConflict
	case types.CodeRiskRejected, types.CodeEmergency:
		return http.StatusForbidden
	case types.CodeTimeout:
		return http.StatusGatewayTimeout
	case types.CodeUnavailable:
		return http.StatusServiceUnavailable
	case types.CodeAuthenticationFailed:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}
