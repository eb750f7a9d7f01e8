package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Exporter bridges the collector into the Prometheus exposition format.
// It keeps no parallel counter state; every scrape reads a fresh summary
// snapshot.
type Exporter struct {
	collector *Collector

	requestsTotal   *prometheus.Desc
	requestFailures *prometheus.Desc
	successRate     *prometheus.Desc
	responseTimeMS  *prometheus.Desc
	decisionsTotal  *prometheus.Desc
	fallbacksTotal  *prometheus.Desc
	decisionTimeMS  *prometheus.Desc
	cacheHitRate    *prometheus.Desc
	errorsByType    *prometheus.Desc
	uptimeSeconds   *prometheus.Desc
}

var _ prometheus.Collector = (*Exporter)(nil)

// NewExporter creates a Prometheus collector over the metrics collector.
func NewExporter(collector *Collector) *Exporter {
	return &Exporter{
		collector: collector,
		requestsTotal: prometheus.NewDesc(
			"switchyard_backend_requests_total",
			"Requests attempted per backend.",
			[]string{"backend"}, nil,
		),
		requestFailures: prometheus.NewDesc(
			"switchyard_backend_failures_total",
			"Failed requests per backend.",
			[]string{"backend"}, nil,
		),
		successRate: prometheus.NewDesc(
			"switchyard_backend_success_rate",
			"Observed success rate per backend.",
			[]string{"backend"}, nil,
		),
		responseTimeMS: prometheus.NewDesc(
			"switchyard_backend_response_time_ms",
			"Rolling average response time per backend in milliseconds.",
			[]string{"backend"}, nil,
		),
		decisionsTotal: prometheus.NewDesc(
			"switchyard_routing_decisions_total",
			"Routing decisions per chosen backend.",
			[]string{"backend"}, nil,
		),
		fallbacksTotal: prometheus.NewDesc(
			"switchyard_routing_fallbacks_total",
			"Requests that needed a cross-backend fallback attempt.",
			nil, nil,
		),
		decisionTimeMS: prometheus.NewDesc(
			"switchyard_routing_decision_time_ms",
			"Rolling average routing decision time in milliseconds.",
			nil, nil,
		),
		cacheHitRate: prometheus.NewDesc(
			"switchyard_capability_cache_hit_rate",
			"Share of routing decisions served from the capability cache.",
			nil, nil,
		),
		errorsByType: prometheus.NewDesc(
			"switchyard_errors_total",
			"Failures by taxonomy type.",
			[]string{"type"}, nil,
		),
		uptimeSeconds: prometheus.NewDesc(
			"switchyard_uptime_seconds",
			"Seconds since the metrics epoch started.",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (e *Exporter) Describe(ch chan<- *prometheus.Desc) {
	ch <- e.requestsTotal
	ch <- e.requestFailures
	ch <- e.successRate
	ch <- e.responseTimeMS
	ch <- e.decisionsTotal
	ch <- e.fallbacksTotal
	ch <- e.decisionTimeMS
	ch <- e.cacheHitRate
	ch <- e.errorsByType
	ch <- e.uptimeSeconds
}

// Collect implements prometheus.Collector.
func (e *Exporter) Collect(ch chan<- prometheus.Metric) {
	summary := e.collector.Summary()

	for backend, bs := range summary.Backends {
		ch <- prometheus.MustNewConstMetric(e.requestsTotal, prometheus.CounterValue, float64(bs.TotalRequests), backend)
		ch <- prometheus.MustNewConstMetric(e.requestFailures, prometheus.CounterValue, float64(bs.FailedRequests), backend)
		ch <- prometheus.MustNewConstMetric(e.successRate, prometheus.GaugeValue, bs.SuccessRate, backend)
		ch <- prometheus.MustNewConstMetric(e.responseTimeMS, prometheus.GaugeValue, bs.AvgResponseTimeMS, backend)
	}

	for backend, count := range summary.Routing.DecisionsByBackend {
		ch <- prometheus.MustNewConstMetric(e.decisionsTotal, prometheus.CounterValue, float64(count), backend)
	}
	ch <- prometheus.MustNewConstMetric(e.fallbacksTotal, prometheus.CounterValue, float64(summary.Routing.FallbacksUsed))
	ch <- prometheus.MustNewConstMetric(e.decisionTimeMS, prometheus.GaugeValue, summary.Routing.AvgDecisionTimeMS)
	ch <- prometheus.MustNewConstMetric(e.cacheHitRate, prometheus.GaugeValue, summary.Routing.CacheHitRate)

	for errorType, count := range summary.Errors.ByType {
		ch <- prometheus.MustNewConstMetric(e.errorsByType, prometheus.CounterValue, float64(count), errorType)
	}
	ch <- prometheus.MustNewConstMetric(e.uptimeSeconds, prometheus.CounterValue, summary.UptimeSeconds)
}

// Handler serves the exporter from its own registry, keeping the default
// process and Go runtime collectors out of the exposition.
func (e *Exporter) Handler() http.Handler {
	registry := prometheus.NewRegistry()
	registry.MustRegister(e)
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
