// ABOUTME: Prometheus collectors for conversations, turns, signals and channels
// ABOUTME: Uses a private registry; all methods are safe on a nil *Metrics

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "h2h"

// Turn outcomes.
const (
	TurnCompleted = "completed"
	TurnEmpty     = "empty"
	TurnFailed    = "failed"
)

// Signal outcomes.
const (
	SignalAccepted   = "accepted"
	SignalStale      = "stale"
	SignalDuplicate  = "duplicate"
	SignalInProgress = "in_progress"
)

// Metrics holds the gateway's collectors.
type Metrics struct {
	registry *prometheus.Registry

	conversationsCreated prometheus.Counter
	conversationsStopped prometheus.Counter
	turnsTotal           *prometheus.CounterVec
	turnDuration         *prometheus.HistogramVec
	fragmentsTotal       *prometheus.CounterVec
	signalsTotal         *prometheus.CounterVec
	upstreamErrors       *prometheus.CounterVec
	limitReached         prometheus.Counter
}

// New creates the collectors and registers them, together with the Go and
// process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		conversationsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversations_created_total",
			Help:      "Total number of conversations initialized",
		}),
		conversationsStopped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversations_stopped_total",
			Help:      "Total number of conversations stopped",
		}),
		turnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Total number of turns by side and outcome",
		}, []string{"side", "outcome"}), // outcome: completed, empty, failed
		turnDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "Time from upstream call to end of stream",
			Buckets:   []float64{.25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"side"}),
		fragmentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fragments_total",
			Help:      "Streamed fragments by whether they reached an open channel",
		}, []string{"delivered"}),
		signalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_total",
			Help:      "Client turn signals by outcome",
		}, []string{"outcome"}),
		upstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Failed upstream calls by kind",
		}, []string{"kind"}), // kind: auth, upstream
		limitReached: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turn_limit_reached_total",
			Help:      "Conversations that hit the maximum turn count",
		}),
	}

	m.registry.MustRegister(
		m.conversationsCreated,
		m.conversationsStopped,
		m.turnsTotal,
		m.turnDuration,
		m.fragmentsTotal,
		m.signalsTotal,
		m.upstreamErrors,
		m.limitReached,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// RegisterGauge exposes a value computed at scrape time, such as the number
// of bound channels.
func (m *Metrics) RegisterGauge(name, help string, fn func() float64) {
	if m == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

// ConversationCreated counts an initialized conversation.
func (m *Metrics) ConversationCreated() {
	if m == nil {
		return
	}
	m.conversationsCreated.Inc()
}

// ConversationStopped counts a stopped conversation.
func (m *Metrics) ConversationStopped() {
	if m == nil {
		return
	}
	m.conversationsStopped.Inc()
}

// TurnFinished records a turn outcome and, for streamed turns, its duration.
func (m *Metrics) TurnFinished(side, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.turnsTotal.WithLabelValues(side, outcome).Inc()
	if d > 0 {
		m.turnDuration.WithLabelValues(side).Observe(d.Seconds())
	}
}

// Fragment counts one relayed fragment.
func (m *Metrics) Fragment(delivered bool) {
	if m == nil {
		return
	}
	label := "false"
	if delivered {
		label = "true"
	}
	m.fragmentsTotal.WithLabelValues(label).Inc()
}

// Signal counts a client turn signal outcome.
func (m *Metrics) Signal(outcome string) {
	if m == nil {
		return
	}
	m.signalsTotal.WithLabelValues(outcome).Inc()
}

// UpstreamError counts a failed upstream call; kind is "auth" or "upstream".
func (m *Metrics) UpstreamError(kind string) {
	if m == nil {
		return
	}
	m.upstreamErrors.WithLabelValues(kind).Inc()
}

// LimitReached counts a conversation that hit the turn cap.
func (m *Metrics) LimitReached() {
	if m == nil {
		return
	}
	m.limitReached.Inc()
}
