package telemetry

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gathered(t *testing.T, m *PromMetrics) map[string]*dto.MetricFamily {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	out := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		out[f.GetName()] = f
	}
	return out
}

func TestPromMetricsObserve(t *testing.T) {
	m := NewPromMetrics()
	m.ObserveStep("claude", "analyze", "succeeded", 1, 2*time.Second)
	m.ObserveStep("claude", "analyze", "succeeded", 3, time.Second)
	m.ObserveRun("fail_fast", "completed", 3*time.Second)
	m.SetBreakerState("gemini", true)
	m.AddStreamChunks("claude", 4)
	m.RecordConfigReload("success")

	families := gathered(t, m)

	steps := families["polis_agents_steps_total"]
	require.NotNil(t, steps)
	require.Len(t, steps.GetMetric(), 1)
	assert.Equal(t, 2.0, steps.GetMetric()[0].GetCounter().GetValue())

	attempts := families["polis_agents_step_attempts"]
	require.NotNil(t, attempts)
	assert.Equal(t, 4.0, attempts.GetMetric()[0].GetHistogram().GetSampleSum())

	breaker := families["polis_agents_circuit_open"]
	require.NotNil(t, breaker)
	assert.Equal(t, 1.0, breaker.GetMetric()[0].GetGauge().GetValue())

	m.SetBreakerState("gemini", false)
	families = gathered(t, m)
	assert.Equal(t, 0.0, families["polis_agents_circuit_open"].GetMetric()[0].GetGauge().GetValue())

	assert.Equal(t, 4.0, families["polis_agents_stream_chunks_total"].GetMetric()[0].GetCounter().GetValue())
	assert.Equal(t, 1.0, families["polis_agents_runs_total"].GetMetric()[0].GetCounter().GetValue())
}

func TestPromMetricsWriteTextfile(t *testing.T) {
	m := NewPromMetrics()
	m.ObserveRun("continue_on_error", "completed", time.Second)

	path := filepath.Join(t.TempDir(), "polis-agents.prom")
	require.NoError(t, m.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), `polis_agents_runs_total{state="completed",strategy="continue_on_error"} 1`))
}
