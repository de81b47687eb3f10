// Package observability owns the Prometheus collectors of the process.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups every collector. A nil *Metrics is valid and records nothing,
// so services can be built in tests without a registry.
type Metrics struct {
	reg *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	syncRuns     *prometheus.CounterVec
	syncDuration *prometheus.HistogramVec
	syncRows     *prometheus.CounterVec

	webhooks *prometheus.CounterVec
	oauth    *prometheus.CounterVec
}

// New registers the collectors on a fresh registry together with the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "metrionix_http_requests_total",
			Help: "HTTP requests by route, method and status.",
		}, []string{"route", "method", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "metrionix_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method"}),
		syncRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "metrionix_sync_runs_total",
			Help: "Sync jobs by platform and outcome.",
		}, []string{"platform", "outcome"}), // outcome: ok|busy|not_found|revoked|external|storage|error
		syncDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "metrionix_sync_duration_seconds",
			Help:    "Sync job duration by platform.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"platform"}),
		syncRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "metrionix_sync_rows_total",
			Help: "Metric rows upserted by platform.",
		}, []string{"platform"}),
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "metrionix_webhooks_total",
			Help: "Inbound webhooks by platform and outcome.",
		}, []string{"platform", "outcome"}),
		oauth: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "metrionix_oauth_callbacks_total",
			Help: "OAuth callbacks by provider and outcome.",
		}, []string{"provider", "outcome"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequests, m.httpDuration,
		m.syncRuns, m.syncDuration, m.syncRows,
		m.webhooks, m.oauth,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveHTTP(route, method string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, method, statusClass(status)).Inc()
	m.httpDuration.WithLabelValues(route, method).Observe(d.Seconds())
}

func (m *Metrics) ObserveSync(platform, outcome string, rows int, d time.Duration) {
	if m == nil {
		return
	}
	m.syncRuns.WithLabelValues(platform, outcome).Inc()
	m.syncDuration.WithLabelValues(platform).Observe(d.Seconds())
	if rows > 0 {
		m.syncRows.WithLabelValues(platform).Add(float64(rows))
	}
}

func (m *Metrics) ObserveWebhook(platform, outcome string) {
	if m == nil {
		return
	}
	m.webhooks.WithLabelValues(platform, outcome).Inc()
}

func (m *Metrics) ObserveOAuth(provider, outcome string) {
	if m == nil {
		return
	}
	m.oauth.WithLabelValues(provider, outcome).Inc()
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
