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

func TestLogLevel_String(t *testing.T) {
	tests := []struct {
		level    LogLevel
		expected string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{LogLevel(999), "UNKNOWN"},
	}

	for _, test := range tests {
		result := test.level.String()
		if result != test.expected {
			t.Errorf("LogLevel(%d).String() = %s, expected %s", test.level, result, test.expected)
		}
	}
}

func TestLogLevel_SlogLevel(t *testing.T) {
	tests := []struct {
		level    LogLevel
		expected slog.Level
	}{
		{LevelDebug, slog.LevelDebug},
		{LevelInfo, slog.LevelInfo},
		{LevelWarn, slog.LevelWarn},
		{LevelError, slog.LevelError},
		{LogLevel(999), slog.LevelInfo}, // Default for unknown
	}

	for _, test := range tests {
		result := test.level.SlogLevel()
		if result != test.expected {
			t.Errorf("LogLevel(%d).SlogLevel() = %v, expected %v", test.level, result, test.expected)
		}
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    LogLevel
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{"", LevelInfo, false},
		{"warning", LevelWarn, false},
		{" error ", LevelError, false},
		{"verbose", LevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNew(t *testing.T) {
	t.Run("text output respects level", func(t *testing.T) {
		var buf bytes.Buffer
		logger := New(Options{Level: LevelWarn, Output: &buf})

		logger.Info("hidden")
		logger.Warn("shown", "key", "value")

		out := buf.String()
		assert.NotContains(t, out, "hidden")
		assert.Contains(t, out, "shown")
		assert.Contains(t, out, "key=value")
	})

	t.Run("json output", func(t *testing.T) {
		var buf bytes.Buffer
		logger := New(Options{Level: LevelDebug, Format: FormatJSON, Output: &buf})

		logger.Debug("hello")

		var record map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
		assert.Equal(t, "hello", record["msg"])
		assert.Equal(t, "DEBUG", record["level"])
	})

	t.Run("nil output discards", func(t *testing.T) {
		logger := New(Options{Level: LevelDebug})
		require.NotNil(t, logger)
		logger.Error("nowhere")
	})
}

func TestSubsystem(t *testing.T) {
	var buf bytes.Buffer
	logger := Subsystem(New(Options{Level: LevelInfo, Output: &buf}), "payment")

	logger.Info("paid")

	assert.True(t, strings.Contains(buf.String(), "subsystem=payment"))

	// nil parent is tolerated
	Subsystem(nil, "store").Info("dropped")
}

func TestTruncateID(t *testing.T) {
	assert.Equal(t, "abcd...", TruncateID("abcdefgh", 4))
	assert.Equal(t, "abc", TruncateID("abc", 4))
	assert.Equal(t, "abcdefgh", TruncateID("abcdefgh", 0))
}
