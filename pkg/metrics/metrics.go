package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the session service
type Metrics struct {
	// HTTP Request Metrics
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight prometheus.Gauge

	// Session Metrics
	sessionsCreatedTotal *prometheus.CounterVec
	noShowReportsTotal   prometheus.Counter

	// Credential Metrics
	credentialsIssuedTotal prometheus.Counter
	credentialsDeniedTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(serviceName string) *Metrics {
	return &Metrics{
		httpRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "http_requests_total",
				Help:        "Total number of HTTP requests",
				ConstLabels: prometheus.Labels{"service": serviceName},
			},
			[]string{"method", "endpoint", "status"},
		),
		httpRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "http_request_duration_seconds",
				Help:        "HTTP request latency in seconds",
				ConstLabels: prometheus.Labels{"service": serviceName},
				Buckets:     prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		httpRequestsInFlight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name:        "http_requests_in_flight",
				Help:        "Number of HTTP requests currently being processed",
				ConstLabels: prometheus.Labels{"service": serviceName},
			},
		),
		sessionsCreatedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "sessions_created_total",
				Help:        "Total number of session records created",
				ConstLabels: prometheus.Labels{"service": serviceName},
			},
			[]string{"role"},
		),
		noShowReportsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name:        "no_show_reports_total",
				Help:        "Total number of counterpart no-show reports",
				ConstLabels: prometheus.Labels{"service": serviceName},
			},
		),
		credentialsIssuedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name:        "credentials_issued_total",
				Help:        "Total number of access credentials issued",
				ConstLabels: prometheus.Labels{"service": serviceName},
			},
		),
		credentialsDeniedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "credentials_denied_total",
				Help:        "Total number of credential requests denied, by reason",
				ConstLabels: prometheus.Labels{"service": serviceName},
			},
			[]string{"reason"},
		),
	}
}

// RecordHTTPRequest records an HTTP request with its status and duration
func (m *Metrics) RecordHTTPRequest(method, endpoint string, status int, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// IncrementHTTPRequestsInFlight increments the in-flight request gauge
func (m *Metrics) IncrementHTTPRequestsInFlight() {
	m.httpRequestsInFlight.Inc()
}

// DecrementHTTPRequestsInFlight decrements the in-flight request gauge
func (m *Metrics) DecrementHTTPRequestsInFlight() {
	m.httpRequestsInFlight.Dec()
}

// RecordSessionCreated records a created session by role
func (m *Metrics) RecordSessionCreated(role string) {
	m.sessionsCreatedTotal.WithLabelValues(role).Inc()
}

// RecordNoShowReport records a counterpart no-show report
func (m *Metrics) RecordNoShowReport() {
	m.noShowReportsTotal.Inc()
}

// RecordCredentialIssued records a successfully issued credential
func (m *Metrics) RecordCredentialIssued() {
	m.credentialsIssuedTotal.Inc()
}

// RecordCredentialDenied records a denied credential request by reason code
func (m *Metrics) RecordCredentialDenied(reason string) {
	m.credentialsDeniedTotal.WithLabelValues(reason).Inc()
}
