// Package metrics exposes Prometheus metrics for pipeline execution.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

// Metrics holds all Prometheus metrics for pipeline execution. A nil
// *Metrics records nothing.
type Metrics struct {
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	nodeExecutions   *prometheus.CounterVec
	nodeDuration     *prometheus.HistogramVec
	sessionsInFlight *prometheus.GaugeVec
	releaseFailures  *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates a metrics instance on its own registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeserve_requests_total",
				Help: "Total number of pipeline requests by outcome",
			},
			[]string{"pipeline", "outcome"},
		),

		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pipeserve_request_duration_seconds",
				Help:    "Pipeline request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"pipeline"},
		),

		nodeExecutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeserve_node_executions_total",
				Help: "Total number of node executions by outcome",
			},
			[]string{"pipeline", "node", "kind", "outcome"},
		),

		nodeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pipeserve_node_duration_seconds",
				Help:    "Node execution latency in seconds",
				Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"pipeline", "kind"},
		),

		sessionsInFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pipeserve_sessions_in_flight",
				Help: "Number of requests currently executing",
			},
			[]string{"pipeline"},
		),

		releaseFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeserve_custom_release_failures_total",
				Help: "Total number of failed release calls into custom node libraries",
			},
			[]string{"library"},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.nodeExecutions,
		m.nodeDuration,
		m.sessionsInFlight,
		m.releaseFailures,
	)

	return m
}

// RecordRequest records a finished pipeline request.
func (m *Metrics) RecordRequest(pipeline, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(pipeline, outcome).Inc()
	m.requestDuration.WithLabelValues(pipeline).Observe(duration.Seconds())
}

// RecordNode records one finished node execution.
func (m *Metrics) RecordNode(pipeline, node, kind, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.nodeExecutions.WithLabelValues(pipeline, node, kind, outcome).Inc()
	m.nodeDuration.WithLabelValues(pipeline, kind).Observe(duration.Seconds())
}

// SessionStarted marks a request as in flight.
func (m *Metrics) SessionStarted(pipeline string) {
	if m == nil {
		return
	}
	m.sessionsInFlight.WithLabelValues(pipeline).Inc()
}

// SessionFinished undoes SessionStarted.
func (m *Metrics) SessionFinished(pipeline string) {
	if m == nil {
		return
	}
	m.sessionsInFlight.WithLabelValues(pipeline).Dec()
}

// RecordReleaseFailure counts a failed release into a custom library.
func (m *Metrics) RecordReleaseFailure(library string) {
	if m == nil {
		return
	}
	m.releaseFailures.WithLabelValues(library).Inc()
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
