package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	globalMetrics *Metrics
	globalMu      sync.RWMutex
)

// Metrics holds all Prometheus metrics for legismail
type Metrics struct {
	// Import
	ImportsTotal      *prometheus.CounterVec
	ImportRowsSkipped prometheus.Counter
	LegislatorsLoaded prometheus.Gauge

	// Sending
	BatchesTotal        *prometheus.CounterVec
	MessagesSentTotal   *prometheus.CounterVec
	MessagesFailedTotal *prometheus.CounterVec
	BatchDuration       prometheus.Histogram
	SMTPAuthFailedTotal prometheus.Counter
	QuotaExceededTotal  *prometheus.CounterVec

	// API metrics
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec
	APIErrorsTotal            *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		ImportsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "legismail_imports_total",
				Help: "Total number of spreadsheet imports by detected profile and outcome",
			},
			[]string{"profile", "result"},
		),
		ImportRowsSkipped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "legismail_import_rows_skipped_total",
				Help: "Total number of spreadsheet rows rejected during import",
			},
		),
		LegislatorsLoaded: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "legismail_legislators_loaded",
				Help: "Number of legislators in the current record set",
			},
		),

		BatchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "legismail_batches_total",
				Help: "Total number of send batches by outcome",
			},
			[]string{"outcome"},
		),
		MessagesSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "legismail_messages_sent_total",
				Help: "Total number of messages accepted by the relay",
			},
			[]string{"domain"},
		),
		MessagesFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "legismail_messages_failed_total",
				Help: "Total number of messages that could not be sent",
			},
			[]string{"domain", "reason"},
		),
		BatchDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "legismail_batch_duration_seconds",
				Help:    "Duration of send batches in seconds",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
		),
		SMTPAuthFailedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "legismail_smtp_auth_failed_total",
				Help: "Total number of rejected relay logins",
			},
		),
		QuotaExceededTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "legismail_quota_exceeded_total",
				Help: "Total number of batches stopped by a sending quota",
			},
			[]string{"level"},
		),

		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "legismail_api_requests_total",
				Help: "Total number of HTTP API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "legismail_api_request_duration_seconds",
				Help:    "HTTP API request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		APIErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "legismail_api_errors_total",
				Help: "Total number of HTTP API errors by type",
			},
			[]string{"type"},
		),

		registry: reg,
	}

	reg.MustRegister(
		m.ImportsTotal,
		m.ImportRowsSkipped,
		m.LegislatorsLoaded,
		m.BatchesTotal,
		m.MessagesSentTotal,
		m.MessagesFailedTotal,
		m.BatchDuration,
		m.SMTPAuthFailedTotal,
		m.QuotaExceededTotal,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
		m.APIErrorsTotal,
	)

	return m
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetGlobal sets the global metrics instance
func SetGlobal(m *Metrics) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalMetrics = m
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalMetrics
}

// ObserveImport records an import attempt and the resulting set size
func ObserveImport(profile, result string, skipped, loaded int) {
	m := Global()
	if m == nil {
		return
	}
	if profile == "" {
		profile = "none"
	}
	m.ImportsTotal.WithLabelValues(profile, result).Inc()
	m.ImportRowsSkipped.Add(float64(skipped))
	if result == "ok" {
		m.LegislatorsLoaded.Set(float64(loaded))
	}
}

// SetLegislatorsLoaded sets the current record set size
func SetLegislatorsLoaded(n int) {
	m := Global()
	if m != nil {
		m.LegislatorsLoaded.Set(float64(n))
	}
}

// IncBatches increments the batch counter for an outcome
func IncBatches(outcome string) {
	m := Global()
	if m != nil {
		m.BatchesTotal.WithLabelValues(outcome).Inc()
	}
}

// ObserveBatchDuration records how long a batch took
func ObserveBatchDuration(seconds float64) {
	m := Global()
	if m != nil {
		m.BatchDuration.Observe(seconds)
	}
}

// IncMessagesSent increments the sent message counter
func IncMessagesSent(domain string) {
	m := Global()
	if m != nil {
		m.MessagesSentTotal.WithLabelValues(domain).Inc()
	}
}

// IncMessagesFailed increments the failed message counter
func IncMessagesFailed(domain, reason string) {
	m := Global()
	if m != nil {
		m.MessagesFailedTotal.WithLabelValues(domain, reason).Inc()
	}
}

// IncSMTPAuthFailed increments failed relay login counter
func IncSMTPAuthFailed() {
	m := Global()
	if m != nil {
		m.SMTPAuthFailedTotal.Inc()
	}
}

// IncQuotaExceeded increments the quota denial counter for a level
func IncQuotaExceeded(level string) {
	m := Global()
	if m != nil {
		m.QuotaExceededTotal.WithLabelValues(level).Inc()
	}
}

// IncAPIErrors increments API error counter
func IncAPIErrors(errorType string) {
	m := Global()
	if m != nil {
		m.APIErrorsTotal.WithLabelValues(errorType).Inc()
	}
}
