package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"sigs.k8s.io/yaml"

	"github.com/thc1006/agentperf/pkg/monitoring/perf"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Duration is a time.Duration that reads "15s" style strings or plain
// nanosecond counts from YAML and JSON.
type Duration struct {
	time.Duration
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		d.Duration = parsed
		return nil
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("duration must be a string or integer: %s", string(b))
	}
	d.Duration = time.Duration(n)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration.String())
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr          string   `json:"addr"`
	ReadTimeout   Duration `json:"readTimeout"`
	WriteTimeout  Duration `json:"writeTimeout"`
	ShutdownGrace Duration `json:"shutdownGrace"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level       string `json:"level"`
	Format      string `json:"format"`
	Development bool   `json:"development"`
}

// TimingConfig configures timing-tree aggregation.
type TimingConfig struct {
	BottleneckThresholdMs float64 `json:"bottleneckThresholdMs"`
	ReportTopN            int     `json:"reportTopN"`
}

// MetricsConfig configures the windowed metrics aggregator.
type MetricsConfig struct {
	CacheTTL               Duration           `json:"cacheTTL"`
	BreakdownHistory       int                `json:"breakdownHistory"`
	ResourceHistory        int                `json:"resourceHistory"`
	ResourceSampleInterval Duration           `json:"resourceSampleInterval"`
	SLOThresholds          map[string]float64 `json:"sloThresholds,omitempty"`
	AnomalyZScore          float64            `json:"anomalyZScore"`
}

// IngestConfig limits the HTTP ingest endpoints.
type IngestConfig struct {
	QPS          float64 `json:"qps"`
	Burst        int     `json:"burst"`
	MaxBodyBytes int64   `json:"maxBodyBytes"`
}

// Config holds the perf-server configuration.
type Config struct {
	Server  ServerConfig  `json:"server"`
	Logging LoggingConfig `json:"logging"`
	Timing  TimingConfig  `json:"timing"`
	Metrics MetricsConfig `json:"metrics"`
	Ingest  IngestConfig  `json:"ingest"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:          ":8080",
			ReadTimeout:   Duration{30 * time.Second},
			WriteTimeout:  Duration{30 * time.Second},
			ShutdownGrace: Duration{10 * time.Second},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Timing: TimingConfig{
			BottleneckThresholdMs: 500,
			ReportTopN:            10,
		},
		Metrics: MetricsConfig{
			CacheTTL:               Duration{10 * time.Second},
			BreakdownHistory:       500,
			ResourceHistory:        1000,
			ResourceSampleInterval: Duration{15 * time.Second},
			AnomalyZScore:          3,
		},
		Ingest: IngestConfig{
			QPS:          200,
			Burst:        400,
			MaxBodyBytes: 1 << 20,
		},
	}
}

// Load reads a YAML file over the defaults, then applies environment
// overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.UnmarshalStrict(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from PERF_* environment variables.
func (c *Config) ApplyEnv() error {
	if val := os.Getenv("PERF_SERVER_ADDR"); val != "" {
		c.Server.Addr = val
	}
	if val := os.Getenv("PERF_LOG_LEVEL"); val != "" {
		c.Logging.Level = val
	}
	if val := os.Getenv("PERF_LOG_FORMAT"); val != "" {
		c.Logging.Format = val
	}
	if val := os.Getenv("PERF_LOG_DEVELOPMENT"); val != "" {
		b, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("PERF_LOG_DEVELOPMENT: %w", err)
		}
		c.Logging.Development = b
	}
	if val := os.Getenv("PERF_BOTTLENECK_THRESHOLD_MS"); val != "" {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return fmt.Errorf("PERF_BOTTLENECK_THRESHOLD_MS: %w", err)
		}
		c.Timing.BottleneckThresholdMs = f
	}
	if val := os.Getenv("PERF_METRICS_CACHE_TTL"); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("PERF_METRICS_CACHE_TTL: %w", err)
		}
		c.Metrics.CacheTTL = Duration{d}
	}
	if val := os.Getenv("PERF_RESOURCE_SAMPLE_INTERVAL"); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("PERF_RESOURCE_SAMPLE_INTERVAL: %w", err)
		}
		c.Metrics.ResourceSampleInterval = Duration{d}
	}
	if val := os.Getenv("PERF_INGEST_QPS"); val != "" {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return fmt.Errorf("PERF_INGEST_QPS: %w", err)
		}
		c.Ingest.QPS = f
	}
	if val := os.Getenv("PERF_INGEST_BURST"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("PERF_INGEST_BURST: %w", err)
		}
		c.Ingest.Burst = n
	}
	return nil
}

// SLOThresholdMap converts the configured thresholds to metric types. It
// returns nil when none are configured so callers fall back to the defaults.
func (c *Config) SLOThresholdMap() (map[perf.MetricType]float64, error) {
	if len(c.Metrics.SLOThresholds) == 0 {
		return nil, nil
	}
	out := make(map[perf.MetricType]float64, len(c.Metrics.SLOThresholds))
	for name, threshold := range c.Metrics.SLOThresholds {
		mt, err := perf.ParseMetricType(name)
		if err != nil {
			return nil, fmt.Errorf("slo threshold %q: %w", name, err)
		}
		out[mt] = threshold
	}
	return out, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Addr == "" {
		errs = append(errs, "server.addr is required")
	}
	if c.Server.ShutdownGrace.Duration < 0 {
		errs = append(errs, "server.shutdownGrace must not be negative")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("logging.format %q must be json or console", c.Logging.Format))
	}
	if c.Timing.BottleneckThresholdMs < 0 {
		errs = append(errs, "timing.bottleneckThresholdMs must not be negative")
	}
	if c.Timing.ReportTopN <= 0 {
		errs = append(errs, "timing.reportTopN must be positive")
	}
	if c.Metrics.CacheTTL.Duration < 0 {
		errs = append(errs, "metrics.cacheTTL must not be negative")
	}
	if c.Metrics.BreakdownHistory <= 0 {
		errs = append(errs, "metrics.breakdownHistory must be positive")
	}
	if c.Metrics.ResourceHistory <= 0 {
		errs = append(errs, "metrics.resourceHistory must be positive")
	}
	if c.Metrics.ResourceSampleInterval.Duration <= 0 {
		errs = append(errs, "metrics.resourceSampleInterval must be positive")
	}
	if c.Metrics.AnomalyZScore <= 0 {
		errs = append(errs, "metrics.anomalyZScore must be positive")
	}
	if _, err := c.SLOThresholdMap(); err != nil {
		errs = append(errs, err.Error())
	}
	if c.Ingest.QPS <= 0 {
		errs = append(errs, "ingest.qps must be positive")
	}
	if c.Ingest.Burst <= 0 {
		errs = append(errs, "ingest.burst must be positive")
	}
	if c.Ingest.MaxBodyBytes <= 0 {
		errs = append(errs, "ingest.maxBodyBytes must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(errs, "; "))
	}
	return nil
}
