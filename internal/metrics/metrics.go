// Package metrics provides Prometheus metrics for Kestrel.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Option applies a configuration option to the Manager.
type Option func(*Manager)

// WithNamespace sets the namespace for all metrics.
func WithNamespace(namespace string) Option {
	return func(m *Manager) {
		if namespace != "" {
			m.namespace = namespace
		}
	}
}

// WithHistogramBuckets sets custom histogram buckets for latency metrics.
func WithHistogramBuckets(buckets []float64) Option {
	return func(m *Manager) {
		if len(buckets) > 0 {
			m.histogramBuckets = buckets
		}
	}
}

// WithRegistry sets a custom Prometheus registry.
func WithRegistry(registry *prometheus.Registry) Option {
	return func(m *Manager) {
		if registry != nil {
			m.registry = registry
		}
	}
}

// WithRuntimeCollectors registers the Go runtime and process collectors.
func WithRuntimeCollectors() Option {
	return func(m *Manager) {
		m.runtime = true
	}
}

// Manager owns every Kestrel metric. A nil *Manager is valid and records
// nothing.
type Manager struct {
	namespace        string
	histogramBuckets []float64
	registry         *prometheus.Registry
	runtime          bool

	scoresTotal          *prometheus.CounterVec
	scoringLatency       prometheus.Histogram
	scoringErrors        prometheus.Counter
	dimensionUnevaluable *prometheus.CounterVec
	notifications        *prometheus.CounterVec
	workerMessages       *prometheus.CounterVec
	httpRequests         *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
}

// NewManager creates a metrics manager on its own registry.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "kestrel",
		histogramBuckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 25, 50, 100, 250, 500, 1000},
		registry:         prometheus.NewRegistry(),
	}

	for _, opt := range opts {
		opt(m)
	}

	m.initializeMetrics()

	return m
}

func (m *Manager) initializeMetrics() {
	auto := promauto.With(m.registry)

	if m.runtime {
		m.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	m.scoresTotal = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "scoring",
		Name:      "scores_total",
		Help:      "Total number of score records produced, by risk level",
	}, []string{"risk_level"})

	m.scoringLatency = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: "scoring",
		Name:      "latency_milliseconds",
		Help:      "Histogram of single-account scoring latency in milliseconds",
		Buckets:   m.histogramBuckets,
	})

	m.scoringErrors = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "scoring",
		Name:      "errors_total",
		Help:      "Total number of scoring passes that failed to produce or persist a record",
	})

	m.dimensionUnevaluable = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "scoring",
		Name:      "dimension_unevaluable_total",
		Help:      "Total number of dimensions scored as unevaluable",
	}, []string{"dimension"})

	m.notifications = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "dispatch",
		Name:      "notifications_total",
		Help:      "Total number of fraud alert dispatch decisions, by outcome",
	}, []string{"outcome"})

	m.workerMessages = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "worker",
		Name:      "messages_total",
		Help:      "Total number of snapshot messages consumed, by outcome",
	}, []string{"outcome"})

	m.httpRequests = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total number of HTTP requests by route, method and status",
	}, []string{"route", "method", "status_code"})

	m.httpRequestDuration = auto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: "http",
		Name:      "request_duration_milliseconds",
		Help:      "HTTP request duration in milliseconds",
		Buckets:   m.histogramBuckets,
	}, []string{"route", "method"})
}

// RecordScore counts a produced record.
func (m *Manager) RecordScore(riskLevel string, latencyMs float64) {
	if m == nil {
		return
	}
	m.scoresTotal.WithLabelValues(riskLevel).Inc()
	m.scoringLatency.Observe(latencyMs)
}

// RecordScoringError counts a failed scoring pass.
func (m *Manager) RecordScoringError() {
	if m == nil {
		return
	}
	m.scoringErrors.Inc()
}

// RecordUnevaluable counts a dimension that could not be evaluated.
func (m *Manager) RecordUnevaluable(dimension string) {
	if m == nil {
		return
	}
	m.dimensionUnevaluable.WithLabelValues(dimension).Inc()
}

// RecordNotification counts a dispatch outcome: created, deduplicated,
// skipped, or error.
func (m *Manager) RecordNotification(outcome string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(outcome).Inc()
}

// RecordWorkerMessage counts a consumed bus message.
func (m *Manager) RecordWorkerMessage(outcome string) {
	if m == nil {
		return
	}
	m.workerMessages.WithLabelValues(outcome).Inc()
}

// RecordHTTPRequest counts a served request.
func (m *Manager) RecordHTTPRequest(route, method string, status int, durationMs float64) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(route, method).Observe(durationMs)
}

// Registry returns the registry the metrics are registered on.
func (m *Manager) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Manager) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
