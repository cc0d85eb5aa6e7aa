// Package metrics exposes Prometheus metrics for the stream engine and a
// per-turn latency tracker.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "voicestream"

// Metrics holds all Prometheus metrics for one engine.
type Metrics struct {
	registry *prometheus.Registry

	// Capture path
	ChunksCaptured prometheus.Counter
	ChunksDropped  prometheus.Counter
	ChunksSent     prometheus.Counter
	AudioBytes     *prometheus.CounterVec
	InputLevel     prometheus.Gauge

	// Turn control
	Commits            prometheus.Counter
	ResponsesRequested prometheus.Counter
	TurnTransitions    *prometheus.CounterVec
	TurnState          prometheus.Gauge

	// Connection
	ServerEvents    *prometheus.CounterVec
	Reconnects      *prometheus.CounterVec
	ConnectionState prometheus.Gauge
	Errors          *prometheus.CounterVec

	// Playback
	PlaybackCleared prometheus.Counter
	PlaybackDropped prometheus.Counter

	// Latency
	ResponseLatency *prometheus.HistogramVec
}

// New creates a Metrics instance with every metric registered on a private
// registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		ChunksCaptured: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_captured_total",
			Help:      "Audio chunks produced by the framer",
		}),
		ChunksDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_dropped_total",
			Help:      "Audio chunks dropped because the handoff queue was full",
		}),
		ChunksSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_sent_total",
			Help:      "Audio chunks appended to the server input buffer",
		}),
		AudioBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_total",
			Help:      "PCM16 bytes moved over the connection",
		}, []string{"direction"}),
		InputLevel: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "input_level_rms",
			Help:      "RMS level of the most recent capture block",
		}),
		Commits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commits_total",
			Help:      "Input buffer commits sent",
		}),
		ResponsesRequested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "responses_requested_total",
			Help:      "response.create messages sent",
		}),
		TurnTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turn_transitions_total",
			Help:      "Turn state transitions",
		}, []string{"from", "to"}),
		TurnState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "turn_state",
			Help:      "Current turn state (0 idle, 1 user speaking, 2 awaiting response, 3 responding, 4 draining)",
		}),
		ServerEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "server_events_total",
			Help:      "Server events received by kind",
		}, []string{"kind"}),
		Reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Reconnect attempts by result",
		}, []string{"result"}),
		ConnectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "Current connection state (0 disconnected, 1 connecting, 2 connected, 3 reconnecting, 4 closing)",
		}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Errors surfaced to the host by source",
		}, []string{"source"}),
		PlaybackCleared: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_cleared_samples_total",
			Help:      "Queued playback samples discarded on interruption",
		}),
		PlaybackDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_dropped_blocks_total",
			Help:      "Playback blocks dropped because the output queue was full",
		}),
		ResponseLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "response_latency_seconds",
			Help:      "Latency from end of user speech by stage",
			Buckets:   []float64{0.1, 0.25, 0.5, 0.75, 1, 1.5, 2, 3, 5, 10},
		}, []string{"stage"}),
	}

	registry.MustRegister(
		m.ChunksCaptured,
		m.ChunksDropped,
		m.ChunksSent,
		m.AudioBytes,
		m.InputLevel,
		m.Commits,
		m.ResponsesRequested,
		m.TurnTransitions,
		m.TurnState,
		m.ServerEvents,
		m.Reconnects,
		m.ConnectionState,
		m.Errors,
		m.PlaybackCleared,
		m.PlaybackDropped,
		m.ResponseLatency,
	)

	return m
}

// Registry returns the registry holding the metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordSent records an audio chunk appended to the input buffer.
func (m *Metrics) RecordSent(bytes int) {
	m.ChunksSent.Inc()
	m.AudioBytes.WithLabelValues("out").Add(float64(bytes))
}

// RecordReceived records assistant audio received.
func (m *Metrics) RecordReceived(bytes int) {
	m.AudioBytes.WithLabelValues("in").Add(float64(bytes))
}

// RecordTransition records a turn state change.
func (m *Metrics) RecordTransition(from, to string, state int) {
	m.TurnTransitions.WithLabelValues(from, to).Inc()
	m.TurnState.Set(float64(state))
}

// RecordReconnect records a reconnect attempt. result is "ok" or "failed".
func (m *Metrics) RecordReconnect(result string) {
	m.Reconnects.WithLabelValues(result).Inc()
}

// RecordLatency records a latency sample for stage.
func (m *Metrics) RecordLatency(stage string, d time.Duration) {
	if d <= 0 {
		return
	}
	m.ResponseLatency.WithLabelValues(stage).Observe(d.Seconds())
}
