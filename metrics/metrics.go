// Package metrics holds the Prometheus instruments shared by the client and
// the agent server. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	// Client
	ChunksSent         prometheus.Counter
	BytesSent          prometheus.Counter
	PayloadsReceived   prometheus.Counter
	SendFailures       prometheus.Counter
	CaptureFailures    *prometheus.CounterVec
	ConnectionFailures prometheus.Counter
	ConnectionState    prometheus.Gauge
	ResponseLatency    prometheus.Histogram

	// Server
	ActiveConnections  prometheus.Gauge
	MessagesProcessed  *prometheus.CounterVec
	ProcessingDuration prometheus.Histogram
	HTTPRequests       *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New registers all instruments on a fresh registry that also carries the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return NewWith(reg, reg)
}

func NewWith(reg prometheus.Registerer, g prometheus.Gatherer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ChunksSent: f.NewCounter(prometheus.CounterOpts{
			Name: "lingo_chunks_sent_total",
			Help: "Total number of audio chunks sent to the agent",
		}),
		BytesSent: f.NewCounter(prometheus.CounterOpts{
			Name: "lingo_bytes_sent_total",
			Help: "Total audio bytes sent to the agent",
		}),
		PayloadsReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "lingo_payloads_received_total",
			Help: "Total number of audio replies received from the agent",
		}),
		SendFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "lingo_send_failures_total",
			Help: "Total number of chunks that could not be sent",
		}),
		CaptureFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lingo_capture_failures_total",
			Help: "Total number of microphone failures by kind",
		}, []string{"kind"}),
		ConnectionFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "lingo_connection_failures_total",
			Help: "Total number of agent connection failures",
		}),
		ConnectionState: f.NewGauge(prometheus.GaugeOpts{
			Name: "lingo_connection_state",
			Help: "Agent connection state (0 disconnected, 1 connecting, 2 connected, 3 failed)",
		}),
		ResponseLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "lingo_response_latency_seconds",
			Help:    "Time from sending a chunk to receiving the next reply",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~50s
		}),

		ActiveConnections: f.NewGauge(prometheus.GaugeOpts{
			Name: "lingo_server_active_connections",
			Help: "Current number of open voice WebSocket connections",
		}),
		MessagesProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lingo_server_messages_processed_total",
			Help: "Total number of audio messages processed by result",
		}, []string{"result"}),
		ProcessingDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "lingo_server_processing_duration_seconds",
			Help:    "Time spent turning one utterance into a reply",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lingo_server_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),

		gatherer: g,
	}
}

func (m *Metrics) RecordChunkSent(bytes int) {
	if m == nil {
		return
	}
	m.ChunksSent.Inc()
	m.BytesSent.Add(float64(bytes))
}

func (m *Metrics) RecordSendFailure() {
	if m == nil {
		return
	}
	m.SendFailures.Inc()
}

// RecordPayload counts a reply; latency <= 0 means no send was outstanding.
func (m *Metrics) RecordPayload(latency time.Duration) {
	if m == nil {
		return
	}
	m.PayloadsReceived.Inc()
	if latency > 0 {
		m.ResponseLatency.Observe(latency.Seconds())
	}
}

func (m *Metrics) RecordCaptureFailure(kind string) {
	if m == nil {
		return
	}
	m.CaptureFailures.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordConnectionFailure() {
	if m == nil {
		return
	}
	m.ConnectionFailures.Inc()
}

func (m *Metrics) SetConnectionState(state int) {
	if m == nil {
		return
	}
	m.ConnectionState.Set(float64(state))
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.ActiveConnections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.ActiveConnections.Dec()
}

func (m *Metrics) RecordProcessing(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.MessagesProcessed.WithLabelValues(result).Inc()
	m.ProcessingDuration.Observe(d.Seconds())
}

func (m *Metrics) RecordHTTPRequest(method, route, status string) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, status).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
