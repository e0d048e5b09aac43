package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the merge relay.
type Metrics struct {
	registry           *prometheus.Registry
	requestsTotal      prometheus.Counter
	errorsTotal        prometheus.Counter
	mergesTotal        prometheus.Counter
	mergeFailuresTotal prometheus.Counter
	publishesTotal     prometheus.Counter
	activePipelines    prometheus.Gauge
}

// New creates and registers Prometheus metrics for the relay.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_requests_total",
		Help: "Total number of HTTP requests received",
	})
	errorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_errors_total",
		Help: "Total number of HTTP responses with error status (4xx or 5xx)",
	})
	mergesTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_merges_total",
		Help: "Total number of successful merge invocations",
	})
	mergeFailuresTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_merge_failures_total",
		Help: "Total number of failed merge invocations",
	})
	publishesTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_publishes_total",
		Help: "Total number of publish protocols completed",
	})
	activePipelines := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_active_pipelines",
		Help: "Number of merge pipelines currently in flight",
	})

	registry.MustRegister(
		requestsTotal,
		errorsTotal,
		mergesTotal,
		mergeFailuresTotal,
		publishesTotal,
		activePipelines,
	)

	return &Metrics{
		registry:           registry,
		requestsTotal:      requestsTotal,
		errorsTotal:        errorsTotal,
		mergesTotal:        mergesTotal,
		mergeFailuresTotal: mergeFailuresTotal,
		publishesTotal:     publishesTotal,
		activePipelines:    activePipelines,
	}
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// IncMerges increments the successful merges counter.
func (m *Metrics) IncMerges() {
	m.mergesTotal.Inc()
}

// IncMergeFailures increments the failed merges counter.
func (m *Metrics) IncMergeFailures() {
	m.mergeFailuresTotal.Inc()
}

// IncPublishes increments the completed publishes counter.
func (m *Metrics) IncPublishes() {
	m.publishesTotal.Inc()
}

// PipelineStarted increments the active pipelines gauge.
func (m *Metrics) PipelineStarted() {
	m.activePipelines.Inc()
}

// PipelineDone decrements the active pipelines gauge.
func (m *Metrics) PipelineDone() {
	m.activePipelines.Dec()
}

// Handler returns an http.Handler that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
