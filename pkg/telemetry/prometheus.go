package telemetry

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PromMetrics holds the Prometheus view of pipeline runs.
type PromMetrics struct {
	stepsTotal    *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec
	stepAttempts  *prometheus.HistogramVec
	runsTotal     *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	breakerState  *prometheus.GaugeVec
	streamChunks  *prometheus.CounterVec
	configReloads *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewPromMetrics creates a metrics instance on its own registry.
func NewPromMetrics() *PromMetrics {
	registry := prometheus.NewRegistry()

	m := &PromMetrics{
		stepsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polis_agents_steps_total",
				Help: "Total number of pipeline steps by provider and status",
			},
			[]string{"provider", "action", "status"},
		),

		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "polis_agents_step_duration_seconds",
				Help:    "Step latency in seconds, retries included",
				Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"provider", "status"},
		),

		stepAttempts: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "polis_agents_step_attempts",
				Help:    "Provider invocations per step",
				Buckets: []float64{0, 1, 2, 3, 5, 8},
			},
			[]string{"provider"},
		),

		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polis_agents_runs_total",
				Help: "Total number of pipeline runs by strategy and terminal state",
			},
			[]string{"strategy", "state"},
		),

		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "polis_agents_run_duration_seconds",
				Help:    "Pipeline run latency in seconds",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"strategy"},
		),

		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "polis_agents_circuit_open",
				Help: "Whether the provider circuit is open (1) or closed (0)",
			},
			[]string{"provider"},
		),

		streamChunks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polis_agents_stream_chunks_total",
				Help: "Streamed content chunks received per provider",
			},
			[]string{"provider"},
		),

		configReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polis_agents_config_reloads_total",
				Help: "Configuration reloads by result",
			},
			[]string{"status"},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.stepsTotal,
		m.stepDuration,
		m.stepAttempts,
		m.runsTotal,
		m.runDuration,
		m.breakerState,
		m.streamChunks,
		m.configReloads,
	)

	return m
}

// ObserveStep records a finished step.
func (m *PromMetrics) ObserveStep(provider, action, status string, attempts int, duration time.Duration) {
	m.stepsTotal.WithLabelValues(provider, action, status).Inc()
	m.stepDuration.WithLabelValues(provider, status).Observe(duration.Seconds())
	m.stepAttempts.WithLabelValues(provider).Observe(float64(attempts))
}

// ObserveRun records a finished run.
func (m *PromMetrics) ObserveRun(strategy, state string, duration time.Duration) {
	m.runsTotal.WithLabelValues(strategy, state).Inc()
	m.runDuration.WithLabelValues(strategy).Observe(duration.Seconds())
}

// SetBreakerState exports the circuit state of provider.
func (m *PromMetrics) SetBreakerState(provider string, open bool) {
	value := 0.0
	if open {
		value = 1
	}
	m.breakerState.WithLabelValues(provider).Set(value)
}

// AddStreamChunks counts streamed chunks.
func (m *PromMetrics) AddStreamChunks(provider string, n int) {
	if n > 0 {
		m.streamChunks.WithLabelValues(provider).Add(float64(n))
	}
}

// RecordConfigReload counts a configuration reload attempt.
func (m *PromMetrics) RecordConfigReload(status string) {
	m.configReloads.WithLabelValues(status).Inc()
}

// Registry returns the Prometheus registry.
func (m *PromMetrics) Registry() *prometheus.Registry {
	return m.registry
}

// WriteTextfile writes the registry in text exposition format to path.
func (m *PromMetrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
