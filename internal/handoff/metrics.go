package handoff

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "opengrid"

// Metrics counts hand-off outcomes. A nil *Metrics records nothing.
type Metrics struct {
	attempts        *prometheus.CounterVec
	duration        *prometheus.HistogramVec
	inFlight        prometheus.Gauge
	tierFallbacks   *prometheus.CounterVec
	releaseFailures prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		attempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "handoff_attempts_total",
				Help:      "Hand-off attempts by kind and result",
			},
			[]string{"kind", "result"},
		),
		duration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "handoff_duration_seconds",
				Help:      "Hand-off duration in seconds",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"kind", "local"},
		),
		inFlight: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "handoff_in_flight",
				Help:      "Hand-offs currently registered",
			},
		),
		tierFallbacks: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "agentrpc_tier_fallbacks_total",
				Help:      "Agent transfers that fell back past an encoding tier",
			},
			[]string{"method", "tier"},
		),
		releaseFailures: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "release_failures_total",
				Help:      "Best-effort release and close calls that failed",
			},
		),
	}
}

func (m *Metrics) begin() {
	if m == nil {
		return
	}
	m.inFlight.Inc()
}

func (m *Metrics) done(kind Kind, result string, local bool, d time.Duration) {
	if m == nil {
		return
	}
	m.inFlight.Dec()
	m.attempts.WithLabelValues(string(kind), result).Inc()
	l := "false"
	if local {
		l = "true"
	}
	m.duration.WithLabelValues(string(kind), l).Observe(d.Seconds())
}

func (m *Metrics) rejected(kind Kind) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(string(kind), "rejected").Inc()
}

// TierFailed implements agentrpc.Observer.
func (m *Metrics) TierFailed(method, tier string) {
	if m == nil {
		return
	}
	m.tierFallbacks.WithLabelValues(method, tier).Inc()
}

func (m *Metrics) releaseFailed() {
	if m == nil {
		return
	}
	m.releaseFailures.Inc()
}
