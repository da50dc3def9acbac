package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"info", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.in))
		})
	}
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal(line, &m))
		out = append(out, m)
	}
	return out
}

func TestLogger_Fields(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(Config{Level: "info", Format: "json", Component: "lean-task"}, &buf)

	l.Named("supervisor").
		WithTaskID("mathd_algebra_10").
		WithContainer("task_mathd_algebra_10_ab").
		WithError(errors.New("stop: timeout")).
		WithDuration(1500 * time.Millisecond).
		Info("Container stopped")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	rec := lines[0]
	assert.Equal(t, "Container stopped", rec["msg"])
	assert.Equal(t, "mathd_algebra_10", rec["task_id"])
	assert.Equal(t, "task_mathd_algebra_10_ab", rec["container"])
	assert.Equal(t, "stop: timeout", rec["error"])
	assert.Equal(t, float64(1500), rec["duration_ms"])
}

func TestLogger_WithErrorNil(t *testing.T) {
	l := Discard()
	assert.Same(t, l, l.WithError(nil))
}

func TestStepLog(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(Config{Level: "info", Format: "json"}, &buf)

	// 成功步骤为 Debug 级别，info 下不输出
	l.StepLog("remove", time.Second, nil)
	assert.Zero(t, buf.Len())

	l.StepLog("remove", time.Second, errors.New("conflict"))
	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "WARN", lines[0]["level"])
	assert.Equal(t, "remove", lines[0]["step"])
	assert.Equal(t, "conflict", lines[0]["error"])
}
