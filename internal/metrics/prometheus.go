package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics contains all Prometheus metrics for the slim audio service.
// All Record/Set methods are safe to call on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	// Transport metrics
	ConnectionsAccepted *prometheus.CounterVec
	ConnectionsRejected *prometheus.CounterVec
	ActiveConnections   *prometheus.GaugeVec
	BytesRead           *prometheus.CounterVec
	BytesWritten        *prometheus.CounterVec

	// Session metrics
	ActiveSessions  *prometheus.GaugeVec
	SessionsCreated *prometheus.CounterVec
	SessionsRemoved *prometheus.CounterVec
	HandshakeErrors prometheus.Counter
	SessionDuration prometheus.Histogram
	SamplingRate    prometheus.Gauge
	RateChanges     *prometheus.CounterVec

	// Chunk distribution metrics
	ChunksReceived  prometheus.Counter
	ChunkDeliveries prometheus.Counter
	ChunksSkipped   prometheus.Counter
	ChunkSize       prometheus.Histogram

	// Encoder metrics
	PCMBlocksDropped     prometheus.Counter
	EncodedChunksDropped prometheus.Counter
	TruncationWarnings   prometheus.Counter
	EncodedBytes         prometheus.Counter
	TransferErrors       prometheus.Counter
	EncoderInitFailures  prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics on a private registry
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		// Transport metrics
		ConnectionsAccepted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "slim_connections_accepted_total",
			Help: "Total number of accepted TCP connections",
		}, []string{"channel"}),
		ConnectionsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "slim_connections_rejected_total",
			Help: "Total number of TCP connections rejected by the connection limit",
		}, []string{"channel"}),
		ActiveConnections: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "slim_active_connections",
			Help: "Current number of open TCP connections",
		}, []string{"channel"}),
		BytesRead: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "slim_bytes_read_total",
			Help: "Total number of bytes read from connections",
		}, []string{"channel"}),
		BytesWritten: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "slim_bytes_written_total",
			Help: "Total number of bytes written to connections",
		}, []string{"channel"}),

		// Session metrics
		ActiveSessions: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "slim_active_sessions",
			Help: "Current number of registered sessions",
		}, []string{"kind"}),
		SessionsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "slim_sessions_created_total",
			Help: "Total number of sessions created",
		}, []string{"kind"}),
		SessionsRemoved: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "slim_sessions_removed_total",
			Help: "Total number of sessions removed",
		}, []string{"kind"}),
		HandshakeErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "slim_handshake_errors_total",
			Help: "Total number of control connections closed for an invalid handshake",
		}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "slim_session_duration_seconds",
			Help:    "Lifetime of streaming sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14), // 1s to ~4.5 hours
		}),
		SamplingRate: factory.NewGauge(prometheus.GaugeOpts{
			Name: "slim_sampling_rate_hz",
			Help: "Currently negotiated shared sampling rate (0 when unset)",
		}),
		RateChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "slim_sampling_rate_changes_total",
			Help: "Total number of shared sampling rate transitions",
		}, []string{"transition"}),

		// Chunk distribution metrics
		ChunksReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "slim_chunks_received_total",
			Help: "Total number of PCM chunks received from the audio source",
		}),
		ChunkDeliveries: factory.NewCounter(prometheus.CounterOpts{
			Name: "slim_chunk_deliveries_total",
			Help: "Total number of chunk deliveries accepted by streaming sessions",
		}),
		ChunksSkipped: factory.NewCounter(prometheus.CounterOpts{
			Name: "slim_chunk_deliveries_skipped_total",
			Help: "Total number of chunk deliveries not accepted by streaming sessions",
		}),
		ChunkSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "slim_chunk_size_bytes",
			Help:    "Size of PCM chunks received from the audio source",
			Buckets: prometheus.ExponentialBuckets(1024, 2, 10), // 1KB to ~512KB
		}),

		// Encoder metrics
		PCMBlocksDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "slim_encoder_pcm_blocks_dropped_total",
			Help: "Total number of PCM blocks dropped because every transfer buffer was in flight",
		}),
		EncodedChunksDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "slim_encoder_encoded_chunks_dropped_total",
			Help: "Total number of encoded chunks dropped because every transfer buffer was in flight",
		}),
		TruncationWarnings: factory.NewCounter(prometheus.CounterOpts{
			Name: "slim_encoder_truncations_total",
			Help: "Total number of PCM blocks scaled down to 24-bit resolution",
		}),
		EncodedBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "slim_encoder_encoded_bytes_total",
			Help: "Total number of encoded bytes handed to sinks",
		}),
		TransferErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "slim_encoder_transfer_errors_total",
			Help: "Total number of failed asynchronous transfers",
		}),
		EncoderInitFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "slim_encoder_init_failures_total",
			Help: "Total number of encoder initialisation failures",
		}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "slim_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "slim_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "slim_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// Handler returns an http.Handler serving this registry.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		h.ServeHTTP(w, r)
	})
}

// Registry exposes the underlying registry (used by tests)
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordConnectionAccepted counts an accepted connection on a channel
func (m *Metrics) RecordConnectionAccepted(channel string) {
	if m == nil {
		return
	}
	m.ConnectionsAccepted.WithLabelValues(channel).Inc()
	m.ActiveConnections.WithLabelValues(channel).Inc()
}

// RecordConnectionClosed decrements the open connections gauge
func (m *Metrics) RecordConnectionClosed(channel string) {
	if m == nil {
		return
	}
	m.ActiveConnections.WithLabelValues(channel).Dec()
}

// RecordConnectionRejected counts a connection refused by the limit
func (m *Metrics) RecordConnectionRejected(channel string) {
	if m == nil {
		return
	}
	m.ConnectionsRejected.WithLabelValues(channel).Inc()
}

// RecordBytesRead adds to the bytes read counter
func (m *Metrics) RecordBytesRead(channel string, n int) {
	if m == nil {
		return
	}
	m.BytesRead.WithLabelValues(channel).Add(float64(n))
}

// RecordBytesWritten adds to the bytes written counter
func (m *Metrics) RecordBytesWritten(channel string, n int) {
	if m == nil {
		return
	}
	m.BytesWritten.WithLabelValues(channel).Add(float64(n))
}

// RecordSessionCreated counts a created session of the given kind
func (m *Metrics) RecordSessionCreated(kind string) {
	if m == nil {
		return
	}
	m.SessionsCreated.WithLabelValues(kind).Inc()
	m.ActiveSessions.WithLabelValues(kind).Inc()
}

// RecordSessionRemoved counts a removed session and its lifetime
func (m *Metrics) RecordSessionRemoved(kind string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.SessionsRemoved.WithLabelValues(kind).Inc()
	m.ActiveSessions.WithLabelValues(kind).Dec()
	if kind == "streaming" {
		m.SessionDuration.Observe(durationSeconds)
	}
}

// RecordHandshakeError counts a rejected control handshake
func (m *Metrics) RecordHandshakeError() {
	if m == nil {
		return
	}
	m.HandshakeErrors.Inc()
}

// RecordRateAdopted records a newly negotiated shared rate
func (m *Metrics) RecordRateAdopted(rate uint32) {
	if m == nil {
		return
	}
	m.SamplingRate.Set(float64(rate))
	m.RateChanges.WithLabelValues("adopted").Inc()
}

// RecordRateReset records a reset of the shared rate after a conflict
func (m *Metrics) RecordRateReset() {
	if m == nil {
		return
	}
	m.SamplingRate.Set(0)
	m.RateChanges.WithLabelValues("reset").Inc()
}

// RecordChunk records a chunk distribution round
func (m *Metrics) RecordChunk(sizeBytes, delivered, skipped int) {
	if m == nil {
		return
	}
	m.ChunksReceived.Inc()
	m.ChunkSize.Observe(float64(sizeBytes))
	m.ChunkDeliveries.Add(float64(delivered))
	m.ChunksSkipped.Add(float64(skipped))
}

// RecordPCMDropped counts a PCM block dropped on ingest
func (m *Metrics) RecordPCMDropped() {
	if m == nil {
		return
	}
	m.PCMBlocksDropped.Inc()
}

// RecordEncodedDropped counts an encoded chunk dropped on egress
func (m *Metrics) RecordEncodedDropped() {
	if m == nil {
		return
	}
	m.EncodedChunksDropped.Inc()
}

// RecordTruncation counts a block scaled down to 24 bits
func (m *Metrics) RecordTruncation() {
	if m == nil {
		return
	}
	m.TruncationWarnings.Inc()
}

// RecordEncodedBytes adds to the encoded bytes counter
func (m *Metrics) RecordEncodedBytes(n int) {
	if m == nil {
		return
	}
	m.EncodedBytes.Add(float64(n))
}

// RecordTransferError counts a failed asynchronous transfer
func (m *Metrics) RecordTransferError() {
	if m == nil {
		return
	}
	m.TransferErrors.Inc()
}

// RecordEncoderInitFailure counts an encoder that could not be initialised
func (m *Metrics) RecordEncoderInitFailure() {
	if m == nil {
		return
	}
	m.EncoderInitFailures.Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	if m == nil {
		return
	}
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}

// SetSamplingRate refreshes the shared sampling rate gauge
func (m *Metrics) SetSamplingRate(rate uint32) {
	if m == nil {
		return
	}
	m.SamplingRate.Set(float64(rate))
}
