// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Netdiag Contributors

// Package metrics holds the Prometheus collectors of the diagnosis engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "netdiag"

// Engine groups the engine collectors. A nil *Engine records nothing.
type Engine struct {
	decisions      *prometheus.CounterVec
	actionDuration *prometheus.HistogramVec
	oracleRetries  *prometheus.CounterVec
	terminal       *prometheus.CounterVec
	runningLoops   prometheus.Gauge
	swept          prometheus.Counter
	publishErrors  prometheus.Counter
}

// NewEngine registers the engine collectors with reg.
func NewEngine(reg prometheus.Registerer) *Engine {
	f := promauto.With(reg)
	return &Engine{
		// Labels: kind (final_answer, call_action, ask_user)
		decisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "decisions_total",
			Help:      "Oracle decisions applied by the loop",
		}, []string{"kind"}),

		// Labels: action, outcome (success, failure, or a failure kind)
		actionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "action",
			Name:      "duration_seconds",
			Help:      "Action invocation wall-clock duration",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"action", "outcome"}),

		// Labels: class (timeout, rateLimited, authFailed, other)
		oracleRetries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "oracle",
			Name:      "retries_total",
			Help:      "Failed oracle attempts that were retried",
		}, []string{"class"}),

		// Labels: status, kind (failure kind, empty unless status is error)
		terminal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "sessions_finished_total",
			Help:      "Sessions that reached a terminal status",
		}, []string{"status", "kind"}),

		runningLoops: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "running_loops",
			Help:      "Diagnosis loops currently executing",
		}),

		swept: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweeper",
			Name:      "deleted_sessions_total",
			Help:      "Idle sessions deleted by the sweeper",
		}),

		publishErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "publish_errors_total",
			Help:      "Events the sink failed to accept",
		}),
	}
}

func (m *Engine) Decision(kind string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(kind).Inc()
}

func (m *Engine) Action(name, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.actionDuration.WithLabelValues(name, outcome).Observe(d.Seconds())
}

func (m *Engine) OracleRetry(class string) {
	if m == nil {
		return
	}
	m.oracleRetries.WithLabelValues(class).Inc()
}

func (m *Engine) Finished(status, kind string) {
	if m == nil {
		return
	}
	m.terminal.WithLabelValues(status, kind).Inc()
}

// LoopStarted increments the running-loop gauge and returns its decrement.
func (m *Engine) LoopStarted() func() {
	if m == nil {
		return func() {}
	}
	m.runningLoops.Inc()
	return m.runningLoops.Dec
}

func (m *Engine) Swept(n int) {
	if m == nil {
		return
	}
	m.swept.Add(float64(n))
}

func (m *Engine) PublishError() {
	if m == nil {
		return
	}
	m.publishErrors.Inc()
}
