package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	globalMetrics *Metrics
	globalMu      sync.RWMutex
)

// Metrics holds all Prometheus metrics for wablast
type Metrics struct {
	// Send counters
	MessagesSentTotal    prometheus.Counter
	MessagesFailedTotal  *prometheus.CounterVec
	MessagesSkippedTotal prometheus.Counter

	// Anti-ban and blasts
	ThrottleRefusalsTotal *prometheus.CounterVec
	BlastsTotal           *prometheus.CounterVec
	BlastActive           prometheus.Gauge

	Contacts  prometheus.Gauge
	WSClients prometheus.Gauge

	// API metrics
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec
	APIErrorsTotal            *prometheus.CounterVec

	// System metrics
	UptimeSeconds    prometheus.Gauge
	Goroutines       prometheus.Gauge
	StorageUsedBytes prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		MessagesSentTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "wablast_messages_sent_total",
				Help: "Total number of messages accepted by WhatsApp",
			},
		),
		MessagesFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wablast_messages_failed_total",
				Help: "Total number of messages that failed after all retries",
			},
			[]string{"reason"},
		),
		MessagesSkippedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "wablast_messages_skipped_total",
				Help: "Total number of contacts skipped during blasts",
			},
		),

		ThrottleRefusalsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wablast_throttle_refusals_total",
				Help: "Total number of sends refused by the anti-ban throttle",
			},
			[]string{"reason"},
		),
		BlastsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wablast_blasts_total",
				Help: "Total number of finished blasts by final status",
			},
			[]string{"status"},
		),
		BlastActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "wablast_blast_active",
				Help: "1 while a blast is running",
			},
		),

		Contacts: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "wablast_contacts",
				Help: "Number of stored contacts",
			},
		),
		WSClients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "wablast_ws_clients",
				Help: "Number of connected websocket clients",
			},
		),

		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wablast_api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "wablast_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		APIErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wablast_api_errors_total",
				Help: "Total number of API errors",
			},
			[]string{"error_type"},
		),

		UptimeSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "wablast_uptime_seconds",
				Help: "Server uptime in seconds",
			},
		),
		Goroutines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "wablast_goroutines",
				Help: "Number of active goroutines",
			},
		),
		StorageUsedBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "wablast_storage_used_bytes",
				Help: "BoltDB file size in bytes",
			},
		),

		registry: reg,
	}

	reg.MustRegister(
		m.MessagesSentTotal,
		m.MessagesFailedTotal,
		m.MessagesSkippedTotal,
		m.ThrottleRefusalsTotal,
		m.BlastsTotal,
		m.BlastActive,
		m.Contacts,
		m.WSClients,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
		m.APIErrorsTotal,
		m.UptimeSeconds,
		m.Goroutines,
		m.StorageUsedBytes,
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

// IncMessagesSent increments the sent message counter
func IncMessagesSent() {
	if m := Global(); m != nil {
		m.MessagesSentTotal.Inc()
	}
}

// IncMessagesFailed increments the failed message counter
func IncMessagesFailed(reason string) {
	if m := Global(); m != nil {
		m.MessagesFailedTotal.WithLabelValues(reason).Inc()
	}
}

// IncMessagesSkipped increments the skipped contact counter
func IncMessagesSkipped() {
	if m := Global(); m != nil {
		m.MessagesSkippedTotal.Inc()
	}
}

// IncThrottleRefusals counts an anti-ban refusal
func IncThrottleRefusals(reason string) {
	if m := Global(); m != nil {
		m.ThrottleRefusalsTotal.WithLabelValues(reason).Inc()
	}
}

// IncBlasts counts a finished blast
func IncBlasts(status string) {
	if m := Global(); m != nil {
		m.BlastsTotal.WithLabelValues(status).Inc()
	}
}

// SetBlastActive flags whether a blast is running
func SetBlastActive(active bool) {
	m := Global()
	if m == nil {
		return
	}
	if active {
		m.BlastActive.Set(1)
	} else {
		m.BlastActive.Set(0)
	}
}

// SetWSClients sets the connected websocket client gauge
func SetWSClients(n int) {
	if m := Global(); m != nil {
		m.WSClients.Set(float64(n))
	}
}

// IncAPIErrors increments API error counter
func IncAPIErrors(errorType string) {
	if m := Global(); m != nil {
		m.APIErrorsTotal.WithLabelValues(errorType).Inc()
	}
}
