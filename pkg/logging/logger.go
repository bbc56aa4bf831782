// Package logging builds the zap-backed logr.Logger shared by all components.
package logging

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Component names passed to logr.Logger.WithName.
const (
	ComponentTiming        = "timing"
	ComponentPerf          = "perf"
	ComponentAggregation   = "aggregation"
	ComponentObservability = "observability"
	ComponentHTTP          = "http"
	ComponentExporter      = "exporter"
	ComponentSampler       = "resource-sampler"
)

// Config holds configuration for the logger.
type Config struct {
	Level       string
	Format      string // "json" or "console"
	Development bool
	ServiceName string
	Version     string
}

// ParseLevel maps a level name to a zap level. Unknown names are an error.
func ParseLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zap.DebugLevel, nil
	case "", "info":
		return zap.InfoLevel, nil
	case "warn", "warning":
		return zap.WarnLevel, nil
	case "error":
		return zap.ErrorLevel, nil
	default:
		return zap.InfoLevel, fmt.Errorf("unknown log level %q", level)
	}
}

// NewLogger builds a logr.Logger from cfg.
func NewLogger(cfg Config) (logr.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return logr.Logger{}, err
	}

	var zapConfig zap.Config
	if cfg.Development {
		zapConfig = zap.NewDevelopmentConfig()
	} else {
		zapConfig = zap.NewProductionConfig()
	}
	zapConfig.Level.SetLevel(level)

	switch strings.ToLower(cfg.Format) {
	case "", "json":
		zapConfig.Encoding = "json"
	case "console":
		zapConfig.Encoding = "console"
	default:
		return logr.Logger{}, fmt.Errorf("unknown log format %q", cfg.Format)
	}
	zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	if cfg.ServiceName != "" || cfg.Version != "" {
		zapConfig.InitialFields = map[string]interface{}{
			"service": cfg.ServiceName,
			"version": cfg.Version,
		}
	}

	zapLogger, err := zapConfig.Build()
	if err != nil {
		return logr.Logger{}, fmt.Errorf("failed to build zap logger: %w", err)
	}
	return zapr.NewLogger(zapLogger), nil
}

// NewLoggerFromCore wraps an existing zap core, mainly for tests that
// observe log output.
func NewLoggerFromCore(core zapcore.Core) logr.Logger {
	return zapr.NewLogger(zap.New(core))
}

// LogHTTPRequest logs one served request. Server errors log at error level.
func LogHTTPRequest(logger logr.Logger, method, path string, statusCode int, duration time.Duration, size int64) {
	kv := []interface{}{
		"method", method,
		"path", path,
		"status", statusCode,
		"duration_ms", float64(duration.Microseconds()) / 1000,
		"response_size", size,
	}
	if statusCode >= 500 {
		logger.Error(nil, "HTTP request failed", kv...)
		return
	}
	logger.V(1).Info("HTTP request", kv...)
}
