package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Announcement results.
const (
	ResultAccepted     = "accepted"
	ResultRejected     = "rejected"
	ResultLaunchFailed = "launch_failed"
)

// Transcoder exit reasons.
const (
	ExitStopped    = "stopped"
	ExitUnexpected = "unexpected"
)

// Metrics holds Prometheus counters and gauges for the bridge.
type Metrics struct {
	registry           *prometheus.Registry
	requestsTotal      prometheus.Counter
	errorsTotal        prometheus.Counter
	connectionsTotal   prometheus.Counter
	announcementsTotal *prometheus.CounterVec
	exitsTotal         *prometheus.CounterVec
	segmentsTotal      prometheus.Counter
	transcoderRunning  prometheus.Gauge
}

// New creates and registers Prometheus metrics on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bridge_http_requests_total",
		Help: "Total number of HTTP requests received",
	})
	errorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bridge_http_errors_total",
		Help: "Total number of HTTP responses with error status (4xx or 5xx)",
	})
	connectionsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bridge_control_connections_total",
		Help: "Total number of accepted control channel connections",
	})
	announcementsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_announcements_total",
		Help: "Control channel messages by outcome",
	}, []string{"result"})
	exitsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_transcoder_exits_total",
		Help: "Transcoder process exits by reason",
	}, []string{"reason"})
	segmentsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bridge_segments_written_total",
		Help: "Total number of media segments created in the segment store",
	})
	transcoderRunning := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_transcoder_running",
		Help: "1 while a transcoder process is believed running",
	})

	registry.MustRegister(
		requestsTotal,
		errorsTotal,
		connectionsTotal,
		announcementsTotal,
		exitsTotal,
		segmentsTotal,
		transcoderRunning,
	)

	return &Metrics{
		registry:           registry,
		requestsTotal:      requestsTotal,
		errorsTotal:        errorsTotal,
		connectionsTotal:   connectionsTotal,
		announcementsTotal: announcementsTotal,
		exitsTotal:         exitsTotal,
		segmentsTotal:      segmentsTotal,
		transcoderRunning:  transcoderRunning,
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

// IncConnections increments the accepted control connection counter.
func (m *Metrics) IncConnections() {
	m.connectionsTotal.Inc()
}

// IncAnnouncements counts one control message with the given result label.
func (m *Metrics) IncAnnouncements(result string) {
	m.announcementsTotal.WithLabelValues(result).Inc()
}

// IncExits counts one transcoder exit with the given reason label.
func (m *Metrics) IncExits(reason string) {
	m.exitsTotal.WithLabelValues(reason).Inc()
}

// IncSegments increments the segments written counter.
func (m *Metrics) IncSegments() {
	m.segmentsTotal.Inc()
}

// SetTranscoderRunning sets the running gauge.
func (m *Metrics) SetTranscoderRunning(running bool) {
	if running {
		m.transcoderRunning.Set(1)
		return
	}
	m.transcoderRunning.Set(0)
}

// Registry exposes the underlying registry (tests gather from it).
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
