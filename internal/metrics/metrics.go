package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds all Prometheus metric collectors for the Bursar control plane.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Protocol metrics.
	ProtocolRequestsTotal *prometheus.CounterVec
	BudgetRejectionsTotal *prometheus.CounterVec
	LeasesCreatedTotal    *prometheus.CounterVec
	LeasesEndedTotal      *prometheus.CounterVec
	LeasesSweptTotal      prometheus.Counter
	BudgetGrantedTotal    prometheus.Counter
	UsageReportedTotal    prometheus.Counter

	// Token metrics.
	TokenFailuresTotal *prometheus.CounterVec

	// Collector (metering) metrics.
	CollectorBufferSize        prometheus.Gauge
	CollectorFlushesTotal      *prometheus.CounterVec
	CollectorFlushDuration     prometheus.Histogram
	CollectorTransactionsTotal prometheus.Counter

	// Upstream (proxy) metrics.
	UpstreamRequestDuration *prometheus.HistogramVec
	UpstreamErrorsTotal     *prometheus.CounterVec

	// Auth and rate limit metrics.
	AuthFailuresTotal        *prometheus.CounterVec
	AuthSuccessesTotal       *prometheus.CounterVec
	RateLimitRejectionsTotal *prometheus.CounterVec

	// Server lifecycle.
	ServerStartTime prometheus.Gauge
}

// New creates and registers all Prometheus metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bursar_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"kind", "method", "path_pattern", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bursar_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind", "method", "path_pattern"}),

		ProtocolRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bursar_protocol_requests_total",
			Help: "Total number of budget protocol requests.",
		}, []string{"operation", "outcome"}),

		BudgetRejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bursar_budget_rejections_total",
			Help: "Total number of budget rejections.",
		}, []string{"reason"}),

		LeasesCreatedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bursar_leases_created_total",
			Help: "Total number of leases created.",
		}, []string{"source"}),

		LeasesEndedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bursar_leases_ended_total",
			Help: "Total number of leases transitioned to a terminal state.",
		}, []string{"status"}),

		LeasesSweptTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bursar_leases_swept_total",
			Help: "Total number of overdue leases expired by the sweep.",
		}),

		BudgetGrantedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bursar_budget_granted_microdollars_total",
			Help: "Total budget granted to leases in microdollars.",
		}),

		UsageReportedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bursar_usage_reported_microdollars_total",
			Help: "Total usage reported against leases in microdollars.",
		}),

		TokenFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bursar_token_failures_total",
			Help: "Total number of token verification or decryption failures.",
		}, []string{"token_type"}),

		CollectorBufferSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bursar_collector_buffer_size",
			Help: "Current number of buffered usage transactions.",
		}),

		CollectorFlushesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bursar_collector_flushes_total",
			Help: "Total number of collector flushes.",
		}, []string{"status"}),

		CollectorFlushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bursar_collector_flush_duration_seconds",
			Help:    "Duration of collector flush operations in seconds.",
			Buckets: prometheus.DefBuckets,
		}),

		CollectorTransactionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bursar_collector_transactions_total",
			Help: "Total number of usage transactions recorded.",
		}),

		UpstreamRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bursar_upstream_request_duration_seconds",
			Help:    "Duration of proxied provider requests in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider"}),

		UpstreamErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bursar_upstream_errors_total",
			Help: "Total number of failed proxied provider requests.",
		}, []string{"error_type", "provider"}),

		AuthFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bursar_auth_failures_total",
			Help: "Total number of authentication failures.",
		}, []string{"auth_type"}),

		AuthSuccessesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bursar_auth_successes_total",
			Help: "Total number of successful authentications.",
		}, []string{"auth_type"}),

		RateLimitRejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bursar_ratelimit_rejections_total",
			Help: "Total number of rate limit rejections.",
		}, []string{"scope"}),

		ServerStartTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bursar_server_start_time_seconds",
			Help: "Unix timestamp when the server started.",
		}),
	}

	// Register all metrics.
	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ProtocolRequestsTotal,
		m.BudgetRejectionsTotal,
		m.LeasesCreatedTotal,
		m.LeasesEndedTotal,
		m.LeasesSweptTotal,
		m.BudgetGrantedTotal,
		m.UsageReportedTotal,
		m.TokenFailuresTotal,
		m.CollectorBufferSize,
		m.CollectorFlushesTotal,
		m.CollectorFlushDuration,
		m.CollectorTransactionsTotal,
		m.UpstreamRequestDuration,
		m.UpstreamErrorsTotal,
		m.AuthFailuresTotal,
		m.AuthSuccessesTotal,
		m.RateLimitRejectionsTotal,
		m.ServerStartTime,
	)

	// Set server start time.
	m.ServerStartTime.Set(float64(time.Now().Unix()))

	// Register Go runtime and process collectors.
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

// Registry returns the private Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RegisterDBPoolCollector registers a custom DB pool stats collector.
func (m *Metrics) RegisterDBPoolCollector(statFunc DBPoolStatFunc) {
	m.registry.MustRegister(NewDBPoolCollector(statFunc))
}

// IncProtocolRequest increments the protocol request counter for an
// operation (handshake, report, refresh, return) and outcome.
func (m *Metrics) IncProtocolRequest(operation, outcome string) {
	m.ProtocolRequestsTotal.WithLabelValues(operation, outcome).Inc()
}

// IncBudgetRejection increments the budget rejection counter.
func (m *Metrics) IncBudgetRejection(reason string) {
	m.BudgetRejectionsTotal.WithLabelValues(reason).Inc()
}

// IncLeaseCreated increments the lease creation counter for a source
// (handshake or refresh).
func (m *Metrics) IncLeaseCreated(source string) {
	m.LeasesCreatedTotal.WithLabelValues(source).Inc()
}

// IncLeaseEnded increments the terminal-transition counter for a status.
func (m *Metrics) IncLeaseEnded(status string) {
	m.LeasesEndedTotal.WithLabelValues(status).Inc()
}

// AddBudgetGranted accumulates granted budget in microdollars.
func (m *Metrics) AddBudgetGranted(amount int64) {
	m.BudgetGrantedTotal.Add(float64(amount))
}

// AddUsageReported accumulates reported usage in microdollars.
func (m *Metrics) AddUsageReported(amount int64) {
	m.UsageReportedTotal.Add(float64(amount))
}

// AddLeasesSwept accumulates the count of leases flipped by the expiry sweep.
func (m *Metrics) AddLeasesSwept(count int64) {
	m.LeasesSweptTotal.Add(float64(count))
}

// IncTokenFailure increments the token failure counter ("ic" or "ip").
func (m *Metrics) IncTokenFailure(tokenType string) {
	m.TokenFailuresTotal.WithLabelValues(tokenType).Inc()
}

// IncAuthFailure increments the auth failure counter for the given auth type.
func (m *Metrics) IncAuthFailure(authType string) {
	m.AuthFailuresTotal.WithLabelValues(authType).Inc()
}

// IncAuthSuccess increments the auth success counter for the given auth type.
func (m *Metrics) IncAuthSuccess(authType string) {
	m.AuthSuccessesTotal.WithLabelValues(authType).Inc()
}

// IncRateLimitRejection increments the rate limit rejection counter.
func (m *Metrics) IncRateLimitRejection(scope string) {
	m.RateLimitRejectionsTotal.WithLabelValues(scope).Inc()
}

// ObserveUpstreamDuration records the duration of one proxied provider call.
func (m *Metrics) ObserveUpstreamDuration(provider string, seconds float64) {
	m.UpstreamRequestDuration.WithLabelValues(provider).Observe(seconds)
}

// IncUpstreamError increments the upstream error counter.
func (m *Metrics) IncUpstreamError(errorType, provider string) {
	m.UpstreamErrorsTotal.WithLabelValues(errorType, provider).Inc()
}

// ObserveHTTPRequest records one served HTTP request.
func (m *Metrics) ObserveHTTPRequest(kind, method, pathPattern string, statusCode int, seconds float64) {
	m.HTTPRequestsTotal.WithLabelValues(kind, method, pathPattern, fmt.Sprintf("%d", statusCode)).Inc()
	m.HTTPRequestDuration.WithLabelValues(kind, method, pathPattern).Observe(seconds)
}
