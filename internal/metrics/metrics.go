package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the turn engine.
type Metrics struct {
	registry *prometheus.Registry

	// Turn metrics
	TurnsActive  prometheus.Gauge
	TurnsTotal   *prometheus.CounterVec
	TurnDuration *prometheus.HistogramVec

	// Turn-end classification metrics
	ClassificationsTotal *prometheus.CounterVec
	VerdictsTotal        *prometheus.CounterVec
	VerdictLatency       prometheus.Histogram
	StaleVerdictsTotal   prometheus.Counter

	// Subsystem recovery metrics
	STTReconnectsTotal     *prometheus.CounterVec
	PlaybackFallbacksTotal *prometheus.CounterVec

	// Control surface metrics
	SessionsActive prometheus.Gauge
}

// New creates a new Metrics instance with all Prometheus metrics registered.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "rehearsal"
	}

	registry := prometheus.NewRegistry()

	turnsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "turns_active",
			Help:      "Number of turns currently running",
		},
	)

	turnsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Total number of turns by outcome",
		},
		[]string{"outcome"},
	)

	turnDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_answer_seconds",
			Help:      "Recorded answer duration in seconds",
			Buckets:   []float64{5, 15, 30, 60, 90, 120, 180, 300},
		},
		[]string{"outcome"},
	)

	classificationsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "classifications_total",
			Help:      "Silence-triggered classification requests by outcome",
		},
		[]string{"result"},
	)

	verdictsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verdicts_total",
			Help:      "Classifier verdicts by decision",
		},
		[]string{"decision", "timed_out"},
	)

	verdictLatency := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "verdict_latency_seconds",
			Help:      "Classifier round trip in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 4, 8},
		},
	)

	staleVerdictsTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_verdicts_total",
			Help:      "Verdicts discarded because speech resumed first",
		},
	)

	sttReconnectsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stt_reconnects_total",
			Help:      "Streaming recognizer reconnects by result",
		},
		[]string{"result"},
	)

	playbackFallbacksTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_fallbacks_total",
			Help:      "Chunks served by local synthesis",
		},
		[]string{"kind"},
	)

	sessionsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of open interview websockets",
		},
	)

	registry.MustRegister(
		turnsActive,
		turnsTotal,
		turnDuration,
		classificationsTotal,
		verdictsTotal,
		verdictLatency,
		staleVerdictsTotal,
		sttReconnectsTotal,
		playbackFallbacksTotal,
		sessionsActive,
	)

	return &Metrics{
		registry:               registry,
		TurnsActive:            turnsActive,
		TurnsTotal:             turnsTotal,
		TurnDuration:           turnDuration,
		ClassificationsTotal:   classificationsTotal,
		VerdictsTotal:          verdictsTotal,
		VerdictLatency:         verdictLatency,
		StaleVerdictsTotal:     staleVerdictsTotal,
		STTReconnectsTotal:     sttReconnectsTotal,
		PlaybackFallbacksTotal: playbackFallbacksTotal,
		SessionsActive:         sessionsActive,
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordTurnStart records a new turn starting.
func (m *Metrics) RecordTurnStart() {
	m.TurnsActive.Inc()
}

// RecordTurnEnd records a turn reaching a terminal outcome.
func (m *Metrics) RecordTurnEnd(outcome string, answer time.Duration) {
	m.TurnsActive.Dec()
	m.TurnsTotal.WithLabelValues(outcome).Inc()
	m.TurnDuration.WithLabelValues(outcome).Observe(answer.Seconds())
}

// RecordClassification records what happened to a classification request.
func (m *Metrics) RecordClassification(result string) {
	m.ClassificationsTotal.WithLabelValues(result).Inc()
}

// RecordVerdict records a delivered verdict.
func (m *Metrics) RecordVerdict(decision string, timedOut bool, latency time.Duration) {
	m.VerdictsTotal.WithLabelValues(decision, strconv.FormatBool(timedOut)).Inc()
	m.VerdictLatency.Observe(latency.Seconds())
}

// RecordStaleVerdict records a verdict dropped as stale.
func (m *Metrics) RecordStaleVerdict() {
	m.StaleVerdictsTotal.Inc()
}

// RecordSTTReconnect records a reconnect or, with degraded set, giving up.
func (m *Metrics) RecordSTTReconnect(degraded bool) {
	result := "reconnected"
	if degraded {
		result = "degraded"
	}
	m.STTReconnectsTotal.WithLabelValues(result).Inc()
}

// RecordPlaybackFallback records a chunk served by local synthesis.
func (m *Metrics) RecordPlaybackFallback(kind string) {
	m.PlaybackFallbacksTotal.WithLabelValues(kind).Inc()
}

// RecordSessionStart records an interview websocket opening.
func (m *Metrics) RecordSessionStart() {
	m.SessionsActive.Inc()
}

// RecordSessionEnd records an interview websocket closing.
func (m *Metrics) RecordSessionEnd() {
	m.SessionsActive.Dec()
}
