// Package perf records named execution phases and typed performance metrics
// for a single agent execution, and analyzes the resulting breakdowns.
package perf

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrUnknownMetricType is returned when a metric type name is not recognized.
var ErrUnknownMetricType = errors.New("unknown metric type")

// MetricType identifies what a PerformanceMetric measures.
type MetricType string

const (
	MetricTTFT            MetricType = "ttft"
	MetricTotalExecution  MetricType = "total_execution"
	MetricQueueWait       MetricType = "queue_wait"
	MetricDatabaseQuery   MetricType = "database_query"
	MetricExternalAPI     MetricType = "external_api"
	MetricWebSocket       MetricType = "websocket_latency"
	MetricInitialization  MetricType = "initialization"
	MetricToolExecution   MetricType = "tool_execution"
	MetricLLMProcessing   MetricType = "llm_processing"
	MetricMemoryUsage     MetricType = "memory_usage"
	MetricThreadPoolUsage MetricType = "thread_pool_usage"
)

// AllMetricTypes lists every metric type in declaration order.
var AllMetricTypes = []MetricType{
	MetricTTFT,
	MetricTotalExecution,
	MetricQueueWait,
	MetricDatabaseQuery,
	MetricExternalAPI,
	MetricWebSocket,
	MetricInitialization,
	MetricToolExecution,
	MetricLLMProcessing,
	MetricMemoryUsage,
	MetricThreadPoolUsage,
}

// ParseMetricType resolves a metric type from its string value.
func ParseMetricType(s string) (MetricType, error) {
	candidate := MetricType(strings.ToLower(strings.TrimSpace(s)))
	for _, mt := range AllMetricTypes {
		if mt == candidate {
			return mt, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMetricType, s)
}

// PerformanceMetric is one typed scalar sample.
type PerformanceMetric struct {
	MetricType    MetricType     `json:"metric_type"`
	Value         float64        `json:"value"`
	Timestamp     time.Time      `json:"timestamp"`
	AgentName     string         `json:"agent_name,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// phaseMetricKeywords maps phase names to metric types. Checked in order,
// case-insensitive substring match.
var phaseMetricKeywords = []struct {
	keywords   []string
	metricType MetricType
}{
	{[]string{"init"}, MetricInitialization},
	{[]string{"tool"}, MetricToolExecution},
	{[]string{"llm"}, MetricLLMProcessing},
	{[]string{"websocket"}, MetricWebSocket},
	{[]string{"database", "db"}, MetricDatabaseQuery},
	{[]string{"api", "external"}, MetricExternalAPI},
	{[]string{"queue"}, MetricQueueWait},
}

// MetricTypeForPhase infers the metric type recorded when a phase stops.
func MetricTypeForPhase(phaseName string) MetricType {
	name := strings.ToLower(phaseName)
	for _, row := range phaseMetricKeywords {
		for _, kw := range row.keywords {
			if strings.Contains(name, kw) {
				return row.metricType
			}
		}
	}
	return MetricTotalExecution
}
