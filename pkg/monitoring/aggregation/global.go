package aggregation

import "sync"

var (
	globalOnce       sync.Once
	globalAggregator *MetricsAggregator
)

// GetGlobalAggregator returns the process-wide aggregator, creating it on
// first use. Tests should build their own with NewMetricsAggregator.
func GetGlobalAggregator() *MetricsAggregator {
	globalOnce.Do(func() {
		globalAggregator = NewMetricsAggregator()
	})
	return globalAggregator
}
