// Package observability provides Prometheus metrics for quota operations
// and quota usage.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"git.srvlab.io/whiskey/goquota/pkg/quota"
)

const (
	// namespace is the Prometheus metric namespace prefix for all goquota metrics.
	namespace = "goquota"
)

// Metrics holds the operation metrics of a quota client and the daemon.
type Metrics struct {
	registry *prometheus.Registry

	// Client operation metrics
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	operationErrors   *prometheus.CounterVec

	// Daemon metrics
	syncsTotal            *prometheus.CounterVec
	collectorScrapeErrors *prometheus.CounterVec
	breakerState          *prometheus.GaugeVec
}

var _ quota.Observer = (*Metrics)(nil)

// breakerStates are the values of the breaker_state gauge
var breakerStates = map[string]float64{
	"closed":    0,
	"half-open": 1,
	"open":      2,
}

// NewMetrics creates a new Metrics instance with all metrics registered.
// Uses a custom registry so several instances can coexist.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		operationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_total",
				Help:      "Total number of quota operations by operation, quota type and status",
			},
			[]string{"operation", "kind", "status"},
		),

		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Duration of quota operations in seconds",
				Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"operation"},
		),

		operationErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operation_errors_total",
				Help:      "Total number of failed quota operations by operation and error kind",
			},
			[]string{"operation", "reason"},
		),

		syncsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "syncs_total",
				Help:      "Total number of quota syncs by status",
			},
			[]string{"status"},
		),

		collectorScrapeErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "collector_scrape_errors_total",
				Help:      "Total number of failed quota usage scrapes by device",
			},
			[]string{"device"},
		),

		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state per device (0=closed, 1=half-open, 2=open)",
			},
			[]string{"device"},
		),
	}

	// Register all metrics with the custom registry
	reg.MustRegister(
		m.operationsTotal,
		m.operationDuration,
		m.operationErrors,
		m.syncsTotal,
		m.collectorScrapeErrors,
		m.breakerState,
	)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// MustRegister adds collectors, such as a QuotaCollector, to the registry.
func (m *Metrics) MustRegister(cs ...prometheus.Collector) {
	m.registry.MustRegister(cs...)
}

// ObserveOperation implements quota.Observer.
func (m *Metrics) ObserveOperation(op quota.Operation, kind quota.Kind, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "failure"
		m.operationErrors.WithLabelValues(op.String(), quota.Reason(err)).Inc()
	}
	m.operationsTotal.WithLabelValues(op.String(), kind.String(), status).Inc()
	m.operationDuration.WithLabelValues(op.String()).Observe(duration.Seconds())
	if op == quota.OpSync {
		m.syncsTotal.WithLabelValues(status).Inc()
	}
}

// RecordScrapeError records a failed usage scrape of device.
func (m *Metrics) RecordScrapeError(device string) {
	m.collectorScrapeErrors.WithLabelValues(device).Inc()
}

// RecordBreakerState records a circuit breaker transition. It matches
// circuitbreaker.StateChangeFunc.
func (m *Metrics) RecordBreakerState(device, _, to string) {
	m.breakerState.WithLabelValues(device).Set(breakerStates[to])
}
