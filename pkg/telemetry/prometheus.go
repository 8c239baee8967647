package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus metrics served on /metrics.
type Metrics struct {
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	dispatchesTotal *prometheus.CounterVec
	catalogReloads  *prometheus.CounterVec
	catalogBindings prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a metrics set on a private registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ruleflow_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ruleflow_http_request_duration_seconds",
				Help:    "HTTP request latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		dispatchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ruleflow_dispatches_total",
				Help: "Dispatch operations by entity, phase and result",
			},
			[]string{"entity", "phase", "result"},
		),

		catalogReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ruleflow_catalog_reloads_total",
				Help: "Catalog reload attempts by status",
			},
			[]string{"status"},
		),

		catalogBindings: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "ruleflow_catalog_bindings",
				Help: "Number of bindings in the active catalog",
			},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.dispatchesTotal,
		m.catalogReloads,
		m.catalogBindings,
		collectors.NewGoCollector(),
	)

	return m
}

// RecordHTTPRequest records one served request.
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordDispatch records one dispatch result: "ok", "record_errors",
// "bypassed" or "error".
func (m *Metrics) RecordDispatch(entity, phase, result string) {
	m.dispatchesTotal.WithLabelValues(entity, phase, result).Inc()
}

// RecordCatalogReload records a reload attempt and, on success, the new binding count.
func (m *Metrics) RecordCatalogReload(status string, bindings int) {
	m.catalogReloads.WithLabelValues(status).Inc()
	if status == "success" {
		m.catalogBindings.Set(float64(bindings))
	}
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// MetricsMiddleware records request metrics. Installed with Router.Use it
// labels requests by route template.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		m.RecordHTTPRequest(r.Method, endpointName(r), strconv.Itoa(wrapped.statusCode), time.Since(start))
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func endpointName(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "other"
}
