package log

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/crust/internal/errors"
)

func newBufferLogger(buf *bytes.Buffer, level Level) *Logger {
	cfg := DefaultConfig()
	cfg.Level = level
	cfg.Output = NewOutput(buf)
	return New(cfg)
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		out = append(out, entry)
	}
	return out
}

func TestNew_AddsServiceAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger := newBufferLogger(&buf, LevelInfo)

	logger.Info("hello")

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "crust", entries[0]["service"])
	assert.Equal(t, "dev", entries[0]["version"])
	assert.Equal(t, "hello", entries[0]["msg"])
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := newBufferLogger(&buf, LevelWarn)

	logger.Debug("debug")
	logger.Info("info")
	logger.Warn("warn")
	logger.Error("error")

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 2)
	assert.Equal(t, "warn", entries[0]["msg"])
	assert.Equal(t, "error", entries[1]["msg"])
}

func TestWithError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode string
	}{
		{
			name:     "coded error",
			err:      errors.NewSessionExpiredError(fmt.Errorf("refresh rejected")),
			wantCode: "SESSION-002",
		},
		{
			name:     "wrapped coded error",
			err:      fmt.Errorf("initialize: %w", errors.New(errors.ErrCodeBackendUnreachable, "down")),
			wantCode: "BACKEND-001",
		},
		{
			name: "plain error",
			err:  fmt.Errorf("boom"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := newBufferLogger(&buf, LevelDebug)

			logger.WithError(tt.err).Warn("failed")

			entries := decodeLines(t, &buf)
			require.Len(t, entries, 1)
			assert.Contains(t, entries[0]["error"], tt.err.Error()[:4])
			if tt.wantCode == "" {
				assert.NotContains(t, entries[0], "error_code")
			} else {
				assert.Equal(t, tt.wantCode, entries[0]["error_code"])
			}
		})
	}
}

func TestWithErrorNil(t *testing.T) {
	logger := Discard()
	assert.Same(t, logger, logger.WithError(nil))
}

func TestLogError(t *testing.T) {
	var buf bytes.Buffer
	logger := newBufferLogger(&buf, LevelInfo)

	logger.LogError("refresh failed", nil)
	assert.Empty(t, buf.String())

	logger.LogError("refresh failed", errors.New(errors.ErrCodeSessionRefreshFailed, "rejected"))
	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "SESSION-003", entries[0]["error_code"])
	assert.Equal(t, "ERROR", entries[0]["level"])
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := newBufferLogger(&buf, LevelInfo).WithComponent("session")

	logger.Info("armed")

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "session", entries[0]["component"])
}

func TestDiscard(t *testing.T) {
	logger := Discard()
	logger.Error("nothing to see")
	assert.False(t, logger.Enabled(t.Context(), LevelError))
}

func TestParseLevelAndFormat(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, LevelWarn, ParseLevel(" warning "))
	assert.Equal(t, LevelInfo, ParseLevel("loud"))
	assert.Equal(t, FormatText, ParseFormat("console"))
	assert.Equal(t, FormatJSON, ParseFormat(""))
	assert.Equal(t, "text", FormatText.String())
}

func TestFromSettings(t *testing.T) {
	var buf bytes.Buffer
	cfg := FromSettings("debug", "text", &buf)
	assert.Equal(t, LevelDebug, cfg.Level)
	assert.Equal(t, FormatText, cfg.Format)
	assert.Equal(t, &buf, cfg.Output.Writer())
}

func TestDefaultLogger(t *testing.T) {
	original := defaultLogger
	defer func() { defaultLogger = original }()

	custom := Discard()
	SetDefaultLogger(custom)
	assert.Same(t, custom, DefaultLogger())

	SetDefaultLogger(nil)
	assert.NotNil(t, DefaultLogger())
}
