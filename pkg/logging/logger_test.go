package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" INFO ":  slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"verbose": slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestNewLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(Config{Level: "warn", Output: &buf})

	logger.Info("hidden")
	logger.Warn("step degraded", "provider_id", "codex", "step", 2)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var record map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &record))
	assert.Equal(t, "step degraded", record["msg"])
	assert.Equal(t, "WARN", record["level"])
	assert.Equal(t, "codex", record["provider_id"])
	assert.EqualValues(t, 2, record["step"])
}

func TestNewLoggerPretty(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(Config{Level: "debug", Pretty: true, Output: &buf})

	logger.Debug("provider bound", "provider_id", "claude")
	logger.Error("pipeline aborted", "step", 1)

	out := buf.String()
	assert.NotContains(t, out, "{")
	assert.Contains(t, out, "DBG")
	assert.Contains(t, out, "provider bound")
	assert.Contains(t, out, "provider_id=claude")
	assert.Contains(t, out, "ERR")
	assert.Contains(t, out, "pipeline aborted")
}

func TestRedact(t *testing.T) {
	assert.Equal(t, "", Redact(""))
	assert.Equal(t, "***", Redact("short"))
	assert.Equal(t, "sk-a***wxyz", Redact("sk-abcdefghijklmnopqrstuvwxyz"))
	assert.NotContains(t, Redact("sk-ant-verysecretvalue"), "secret")
}
