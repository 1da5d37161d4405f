package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the orchestration engine.
type Metrics struct {
	config MetricsConfig

	operationsStarted   *prometheus.CounterVec
	operationsCompleted *prometheus.CounterVec
	operationDuration   *prometheus.HistogramVec

	workflowsCompleted *prometheus.CounterVec
	workflowDuration   *prometheus.HistogramVec

	staleHeartbeats  *prometheus.CounterVec
	markerEvents     *prometheus.CounterVec
	resourcesCached  *prometheus.GaugeVec
	errorsByKind     *prometheus.CounterVec
	activeOperations prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a metrics collector. A disabled config yields a no-op
// instance whose record methods are safe to call.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()
	m := &Metrics{
		config:   cfg,
		registry: registry,

		operationsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_started_total",
				Help:      "Total number of operations started",
			},
			[]string{"category"},
		),
		operationsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_completed_total",
				Help:      "Total number of operations finished, by terminal status",
			},
			[]string{"category", "status"},
		),
		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Duration of supervised operations in seconds",
				Buckets:   buckets,
			},
			[]string{"category", "status"},
		),
		workflowsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workflows_completed_total",
				Help:      "Total number of workflow runs finished, by status",
			},
			[]string{"status"},
		),
		workflowDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "workflow_duration_seconds",
				Help:      "Duration of workflow runs in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),
		staleHeartbeats: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stale_heartbeats_total",
				Help:      "Total number of operations declared hung on a stale heartbeat",
			},
			[]string{"operation"},
		),
		markerEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "marker_events_total",
				Help:      "Total number of recognized output markers",
			},
			[]string{"marker"},
		),
		resourcesCached: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "resources_cached",
				Help:      "Current number of cached resources, by freshness",
			},
			[]string{"freshness"},
		),
		errorsByKind: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total number of classified errors",
			},
			[]string{"kind"},
		),
		activeOperations: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_operations",
				Help:      "Current number of operations under supervision",
			},
		),
	}

	collectors := []prometheus.Collector{
		m.operationsStarted,
		m.operationsCompleted,
		m.operationDuration,
		m.workflowsCompleted,
		m.workflowDuration,
		m.staleHeartbeats,
		m.markerEvents,
		m.resourcesCached,
		m.errorsByKind,
		m.activeOperations,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register collector: %w", err)
		}
	}

	return m, nil
}

// RecordOperationStarted counts an operation entering supervision.
func (m *Metrics) RecordOperationStarted(category string) {
	if m == nil || m.registry == nil {
		return
	}
	m.operationsStarted.WithLabelValues(category).Inc()
	m.activeOperations.Inc()
}

// RecordOperationFinished counts a terminal operation status.
func (m *Metrics) RecordOperationFinished(category, status string, duration time.Duration) {
	if m == nil || m.registry == nil {
		return
	}
	m.operationsCompleted.WithLabelValues(category, status).Inc()
	m.operationDuration.WithLabelValues(category, status).Observe(duration.Seconds())
	m.activeOperations.Dec()
}

// RecordWorkflowFinished counts a finished workflow run.
func (m *Metrics) RecordWorkflowFinished(status string, duration time.Duration) {
	if m == nil || m.registry == nil {
		return
	}
	m.workflowsCompleted.WithLabelValues(status).Inc()
	m.workflowDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordStaleHeartbeat counts an operation declared hung.
func (m *Metrics) RecordStaleHeartbeat(operation string) {
	if m == nil || m.registry == nil {
		return
	}
	m.staleHeartbeats.WithLabelValues(operation).Inc()
}

// RecordMarker counts one recognized output marker.
func (m *Metrics) RecordMarker(marker string) {
	if m == nil || m.registry == nil {
		return
	}
	m.markerEvents.WithLabelValues(marker).Inc()
}

// SetCachedResources records the current cache census.
func (m *Metrics) SetCachedResources(fresh, stale int) {
	if m == nil || m.registry == nil {
		return
	}
	m.resourcesCached.WithLabelValues("fresh").Set(float64(fresh))
	m.resourcesCached.WithLabelValues("stale").Set(float64(stale))
}

// RecordError counts a classified error.
func (m *Metrics) RecordError(kind string) {
	if m == nil || m.registry == nil {
		return
	}
	m.errorsByKind.WithLabelValues(kind).Inc()
}

// Handler returns the HTTP handler serving the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve starts the metrics HTTP server. It blocks until the server stops.
func (m *Metrics) Serve() error {
	if m == nil || m.registry == nil || m.config.ListenAddress == "" {
		return nil
	}
	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())
	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return server.ListenAndServe()
}
