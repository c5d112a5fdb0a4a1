// Package telemetry centralizes the pipeline's Prometheus metrics, built
// once via sync.Once the way the teacher's circuit breaker metrics are
// initialized.
package telemetry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	TicksReceived   *prometheus.CounterVec
	TicksDropped    *prometheus.CounterVec
	QueueOverflow   *prometheus.CounterVec
	QueueDepth      *prometheus.GaugeVec
	SignalsEmitted  *prometheus.CounterVec
	RiskChecks      *prometheus.CounterVec
	TradesExecuted  *prometheus.CounterVec
	TradesSettled   *prometheus.CounterVec
	BrokerRequests  *prometheus.CounterVec
	CircuitState    *prometheus.GaugeVec
	HeartbeatLatency *prometheus.HistogramVec
}

var (
	global     *Metrics
	globalOnce sync.Once
)

// Get returns the process-wide metrics registry, created exactly once.
func Get() *Metrics {
	globalOnce.Do(func() {
		global = &Metrics{
			TicksReceived: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "pulsecore_ticks_received_total",
				Help: "Ticks received from the broker WS client per market.",
			}, []string{"market"}),
			TicksDropped: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "pulsecore_ticks_dropped_total",
				Help: "Ticks dropped by schema validation or dedup per market.",
			}, []string{"market", "reason"}),
			QueueOverflow: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "pulsecore_queue_overflow_total",
				Help: "Number of ticks dropped by queue overflow eviction per market.",
			}, []string{"market"}),
			QueueDepth: promauto.NewGaugeVec(prometheus.GaugeOpts{
				Name: "pulsecore_queue_depth",
				Help: "Current depth of the per-market tick queue.",
			}, []string{"market"}),
			SignalsEmitted: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "pulsecore_signals_emitted_total",
				Help: "Signals emitted by the signal engine per market and type.",
			}, []string{"market", "type"}),
			RiskChecks: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "pulsecore_risk_checks_total",
				Help: "Risk checks completed per result and reason.",
			}, []string{"result", "reason"}),
			TradesExecuted: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "pulsecore_trades_executed_total",
				Help: "TRADE_EXECUTED events per status.",
			}, []string{"status"}),
			TradesSettled: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "pulsecore_trades_settled_total",
				Help: "TRADE_SETTLED events per outcome.",
			}, []string{"outcome"}),
			BrokerRequests: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "pulsecore_broker_requests_total",
				Help: "Broker WS requests per method and result.",
			}, []string{"method", "result"}),
			CircuitState: promauto.NewGaugeVec(prometheus.GaugeOpts{
				Name: "pulsecore_circuit_breaker_state",
				Help: "Circuit breaker state (0=closed,1=open).",
			}, []string{"breaker"}),
			HeartbeatLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "pulsecore_heartbeat_latency_ms",
				Help:    "Measured broker heartbeat round-trip latency.",
				Buckets: prometheus.DefBuckets,
			}, []string{}),
		}
	})
	return global
}
