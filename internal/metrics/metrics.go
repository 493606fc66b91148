// Package metrics exposes engine counters to Prometheus.
//
// Labels are bounded: action and stage come from fixed enumerations, outcome
// from the challenge state machine, step from the escalation steps and oracle
// from the three external oracles.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	verdicts   *prometheus.CounterVec
	challenges *prometheus.CounterVec
	failures   *prometheus.CounterVec
	oracle     *prometheus.HistogramVec
	events     *prometheus.CounterVec
	gatherer   prometheus.Gatherer
}

// New registers the collectors on a fresh registry. A nil *Metrics is valid
// and records nothing.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatguard_verdicts_total",
			Help: "Moderation verdicts by action and deciding stage.",
		}, []string{"action", "stage"}),
		challenges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatguard_challenges_total",
			Help: "Verification challenges by outcome.",
		}, []string{"outcome"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatguard_platform_failures_total",
			Help: "Failed platform calls by escalation step.",
		}, []string{"step"}),
		oracle: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chatguard_oracle_seconds",
			Help:    "Latency of external oracle calls.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"oracle"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatguard_events_total",
			Help: "Inbound events by kind.",
		}, []string{"kind"}),
		gatherer: reg,
	}
	reg.MustRegister(m.verdicts, m.challenges, m.failures, m.oracle, m.events)
	return m
}

func (m *Metrics) Verdict(action, stage string) {
	if m == nil {
		return
	}
	m.verdicts.WithLabelValues(action, stage).Inc()
}

func (m *Metrics) Challenge(outcome string) {
	if m == nil {
		return
	}
	m.challenges.WithLabelValues(outcome).Inc()
}

func (m *Metrics) PlatformFailure(step string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(step).Inc()
}

func (m *Metrics) Event(kind string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(kind).Inc()
}

// ObserveOracle records the time since start.
func (m *Metrics) ObserveOracle(oracle string, start time.Time) {
	if m == nil {
		return
	}
	m.oracle.WithLabelValues(oracle).Observe(time.Since(start).Seconds())
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
