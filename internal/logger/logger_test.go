package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlogLoggerLevels(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		level   LogLevel
		logFunc func(Logger)
		want    bool
	}{
		{"debug filtered at info", LogLevelInfo, func(l Logger) { l.Debug("msg") }, false},
		{"info passes at info", LogLevelInfo, func(l Logger) { l.Info("msg") }, true},
		{"warn passes at info", LogLevelInfo, func(l Logger) { l.Warn("msg") }, true},
		{"trace filtered at debug", LogLevelDebug, func(l Logger) { l.Trace("msg") }, false},
		{"trace passes at trace", LogLevelTrace, func(l Logger) { l.Trace("msg") }, true},
		{"info filtered at error", LogLevelError, func(l Logger) { l.Info("msg") }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			buf := &bytes.Buffer{}
			tt.logFunc(NewSlogLogger(buf, tt.level, time.UTC))
			assert.Equal(t, tt.want, buf.Len() > 0)
		})
	}
}

func TestModuleAndFields(t *testing.T) {
	t.Parallel()

	buf := &bytes.Buffer{}
	log := NewSlogLogger(buf, LogLevelDebug, time.UTC).
		Module("escalation").
		Module("email").
		With(String("subject_id", "u1"))

	log.Info("alert sent", Int64("bucket", 3), Float64("confidence", 0.87654))

	out := buf.String()
	assert.Contains(t, out, "module=escalation.email")
	assert.Contains(t, out, "subject_id=u1")
	assert.Contains(t, out, "bucket=3")
	assert.Contains(t, out, "confidence=0.877")
}

func TestWithContextTraceID(t *testing.T) {
	t.Parallel()

	buf := &bytes.Buffer{}
	log := NewSlogLogger(buf, LogLevelInfo, time.UTC)

	ctx := WithTraceID(context.Background(), "req-42")
	log.WithContext(ctx).Info("handled")
	assert.Contains(t, buf.String(), "trace_id=req-42")

	buf.Reset()
	log.WithContext(context.Background()).Info("handled")
	assert.NotContains(t, buf.String(), "trace_id")
}

func TestCentralLoggerFileOutput(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "logs", "emberwatch.log")
	cl, err := NewCentralLogger(&Config{
		Level:        "error",
		FileLevel:    "debug",
		Timezone:     "UTC",
		File:         path,
		ModuleLevels: map[string]string{"ledger": "debug"},
	})
	require.NoError(t, err)

	cl.Module("ledger").Debug("key marked", String("key", "u1:0"))
	cl.Module("api").Debug("filtered by module level")
	require.NoError(t, cl.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "key marked", rec["msg"])
	assert.Equal(t, "ledger", rec["module"])
	assert.Equal(t, "u1:0", rec["key"])
}

func TestCentralLoggerRejectsBadTimezone(t *testing.T) {
	t.Parallel()

	_, err := NewCentralLogger(&Config{Timezone: "Mars/Olympus"})
	require.Error(t, err)

	_, err = NewCentralLogger(nil)
	require.Error(t, err)
}
