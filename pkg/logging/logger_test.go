package logging

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    zapcore.Level
		wantErr bool
	}{
		{"debug", zap.DebugLevel, false},
		{"DEBUG", zap.DebugLevel, false},
		{"", zap.InfoLevel, false},
		{"info", zap.InfoLevel, false},
		{"warning", zap.WarnLevel, false},
		{"error", zap.ErrorLevel, false},
		{"trace", zap.InfoLevel, true},
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

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(Config{Level: "debug", Format: "console", Development: true, ServiceName: "perf-server"})
	require.NoError(t, err)
	assert.True(t, logger.V(1).Enabled())

	logger, err = NewLogger(Config{Level: "info"})
	require.NoError(t, err)
	assert.False(t, logger.V(1).Enabled())

	_, err = NewLogger(Config{Format: "xml"})
	assert.Error(t, err)
	_, err = NewLogger(Config{Level: "loud"})
	assert.Error(t, err)
}

func TestLogHTTPRequest(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	logger := NewLoggerFromCore(core).WithName(ComponentHTTP)

	LogHTTPRequest(logger, "GET", "/api/v1/report", 200, 1500*time.Microsecond, 42)
	LogHTTPRequest(logger, "POST", "/api/v1/metrics", 503, time.Millisecond, 0)

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "HTTP request", entries[0].Message)
	assert.Equal(t, zap.DebugLevel, entries[0].Level)
	assert.Equal(t, 1.5, entries[0].ContextMap()["duration_ms"])
	assert.Equal(t, ComponentHTTP, entries[0].LoggerName)
	assert.Equal(t, zap.ErrorLevel, entries[1].Level)
	assert.EqualValues(t, 503, entries[1].ContextMap()["status"])
}
