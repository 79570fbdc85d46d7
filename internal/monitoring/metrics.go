// Package monitoring exposes Prometheus metrics for the control plane.
package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	signalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradecore_signals_total",
			Help: "Signals generated by trading loops",
		},
		[]string{"trader", "action", "outcome"},
	)

	tradesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradecore_trades_total",
			Help: "Closed trades by result",
		},
		[]string{"trader", "result"},
	)

	tradeProfit = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tradecore_trade_profit",
			Help:    "Distribution of realised trade profit",
			Buckets: []float64{-500, -100, -50, -10, 0, 10, 50, 100, 500},
		},
		[]string{"symbol"},
	)

	tradersByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tradecore_traders",
			Help: "Fleet size by lifecycle state",
		},
		[]string{"state"},
	)

	riskViolationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradecore_risk_violations_total",
			Help: "Risk checks that denied an action",
		},
		[]string{"type"},
	)

	telemetryConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tradecore_telemetry_connections",
			Help: "Active telemetry subscriptions",
		},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tradecore_http_request_duration_seconds",
			Help:    "REST request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

func init() {
	prometheus.MustRegister(signalsTotal)
	prometheus.MustRegister(tradesTotal)
	prometheus.MustRegister(tradeProfit)
	prometheus.MustRegister(tradersByState)
	prometheus.MustRegister(riskViolationsTotal)
	prometheus.MustRegister(telemetryConnections)
	prometheus.MustRegister(httpRequestDuration)
}

// Handler returns the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordSignal counts a generated signal. outcome is executed, denied or
// skipped.
func RecordSignal(trader, action, outcome string) {
	signalsTotal.WithLabelValues(trader, action, outcome).Inc()
}

// RecordTrade counts a closed trade and observes its profit.
func RecordTrade(trader, symbol string, profit float64) {
	result := "loss"
	if profit > 0 {
		result = "win"
	}
	tradesTotal.WithLabelValues(trader, result).Inc()
	tradeProfit.WithLabelValues(symbol).Observe(profit)
}

// SetTraderCount sets the gauge for one lifecycle state.
func SetTraderCount(state string, n int) {
	tradersByState.WithLabelValues(state).Set(float64(n))
}

// RecordRiskViolation counts a denied risk check.
func RecordRiskViolation(violationType string) {
	riskViolationsTotal.WithLabelValues(violationType).Inc()
}

// SetTelemetryConnections tracks live telemetry subscriptions.
func SetTelemetryConnections(n int) {
	telemetryConnections.Set(float64(n))
}

// ObserveHTTPRequest records one REST request.
func ObserveHTTPRequest(method, path, status string, elapsed time.Duration) {
	httpRequestDuration.WithLabelValues(method, path, status).Observe(elapsed.Seconds())
}
