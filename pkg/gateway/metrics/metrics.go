package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for the relay. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	SessionsActive          prometheus.Gauge
	SessionsTotal           *prometheus.CounterVec
	SessionDuration         *prometheus.HistogramVec
	UpstreamConnectFailures prometheus.Counter
	FramesRelayed           *prometheus.CounterVec
	DroppedSends            *prometheus.CounterVec
	TranscriptEntries       *prometheus.CounterVec
	UsageTokens             *prometheus.CounterVec
}

func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "vai_relay"
	}

	registry := prometheus.NewRegistry()

	sessionsActive := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_active",
		Help:      "Number of relay sessions with a live upstream connection",
	})

	sessionsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_total",
		Help:      "Relay sessions that reached the closed state",
	}, []string{"mode", "status"})

	sessionDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "session_duration_seconds",
		Help:      "Relay session duration in seconds",
		Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
	}, []string{"mode"})

	connectFailures := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "upstream_connect_failures_total",
		Help:      "Failed upstream handshakes",
	})

	framesRelayed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "frames_relayed_total",
		Help:      "Frames forwarded by the relay",
	}, []string{"direction"})

	droppedSends := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dropped_sends_total",
		Help:      "Frames that could not be delivered because a channel was closed or failed",
	}, []string{"direction"})

	transcriptEntries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transcript_entries_total",
		Help:      "Transcript entries appended",
	}, []string{"role"})

	usageTokens := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "usage_tokens_total",
		Help:      "Tokens reported by upstream response.done usage",
	}, []string{"direction"})

	registry.MustRegister(
		sessionsActive,
		sessionsTotal,
		sessionDuration,
		connectFailures,
		framesRelayed,
		droppedSends,
		transcriptEntries,
		usageTokens,
	)

	return &Metrics{
		registry:                registry,
		SessionsActive:          sessionsActive,
		SessionsTotal:           sessionsTotal,
		SessionDuration:         sessionDuration,
		UpstreamConnectFailures: connectFailures,
		FramesRelayed:           framesRelayed,
		DroppedSends:            droppedSends,
		TranscriptEntries:       transcriptEntries,
		UsageTokens:             usageTokens,
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordSessionActive() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
}

// RecordSessionEnd closes out a session. wasActive reports whether
// RecordSessionActive was called for it.
func (m *Metrics) RecordSessionEnd(mode, status string, wasActive bool, duration time.Duration) {
	if m == nil {
		return
	}
	if wasActive {
		m.SessionsActive.Dec()
	}
	m.SessionsTotal.WithLabelValues(mode, status).Inc()
	m.SessionDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

func (m *Metrics) RecordConnectFailure() {
	if m == nil {
		return
	}
	m.UpstreamConnectFailures.Inc()
}

func (m *Metrics) RecordFrame(direction string) {
	if m == nil {
		return
	}
	m.FramesRelayed.WithLabelValues(direction).Inc()
}

func (m *Metrics) RecordDroppedSend(direction string) {
	if m == nil {
		return
	}
	m.DroppedSends.WithLabelValues(direction).Inc()
}

func (m *Metrics) RecordTranscriptEntry(role string) {
	if m == nil {
		return
	}
	m.TranscriptEntries.WithLabelValues(role).Inc()
}

func (m *Metrics) RecordUsage(inputTokens, outputTokens int) {
	if m == nil {
		return
	}
	if inputTokens > 0 {
		m.UsageTokens.WithLabelValues("input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.UsageTokens.WithLabelValues("output").Add(float64(outputTokens))
	}
}
