package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/thc1006/agentperf/pkg/monitoring/aggregation"
	"github.com/thc1006/agentperf/pkg/monitoring/perf"
	"github.com/thc1006/agentperf/pkg/monitoring/timing"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// recordTree archives one execution: a 1000ms root holding an 800ms LLM call.
func recordTree(timings *timing.TimingAggregator, clock *testClock) {
	collector := timing.NewExecutionTimingCollector("writer", timing.WithClock(clock.Now))
	collector.StartExecution("corr-1")
	llm := collector.StartTiming("generate", timing.CategoryLLM, nil)
	clock.Advance(800 * time.Millisecond)
	collector.EndTiming(llm, nil)
	clock.Advance(200 * time.Millisecond)
	timings.AddTimingTree(collector.CompleteExecution())
}

func do(s *Server, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func decode(rec *httptest.ResponseRecorder) map[string]interface{} {
	var out map[string]interface{}
	ExpectWithOffset(1, json.Unmarshal(rec.Body.Bytes(), &out)).To(Succeed())
	return out
}

var _ = Describe("Server", func() {
	var (
		clock   *testClock
		timings *timing.TimingAggregator
		metrics *aggregation.MetricsAggregator
		server  *Server
	)

	BeforeEach(func() {
		clock = &testClock{t: time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)}
		timings = timing.NewTimingAggregator(timing.WithClock(clock.Now))
		metrics = aggregation.NewMetricsAggregator(aggregation.WithClock(clock.Now), aggregation.WithCacheTTL(0))
		server = NewServer(timings, metrics, WithClock(clock.Now))
	})

	Describe("health", func() {
		It("reports the number of recorded trees", func() {
			recordTree(timings, clock)
			rec := do(server, http.MethodGet, "/healthz", "")
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(decode(rec)).To(HaveKeyWithValue("timing_trees", BeEquivalentTo(1)))
		})
	})

	Describe("timing queries", func() {
		BeforeEach(func() {
			recordTree(timings, clock)
		})

		It("exports the optimization report", func() {
			rec := do(server, http.MethodGet, "/api/v1/timing/report", "")
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Header().Get("Content-Type")).To(Equal("application/json"))
			body := decode(rec)
			Expect(body).To(HaveKey("summary"))
			Expect(body["summary"]).To(HaveKeyWithValue("total_executions", BeEquivalentTo(1)))
			Expect(body).To(HaveKey("bottlenecks"))
			Expect(body).To(HaveKey("recommendations"))
		})

		It("uses the configured threshold by default", func() {
			rec := do(server, http.MethodGet, "/api/v1/timing/bottlenecks", "")
			Expect(rec.Code).To(Equal(http.StatusOK))
			body := decode(rec)
			Expect(body).To(HaveKeyWithValue("threshold_ms", BeEquivalentTo(500)))
			Expect(body["bottlenecks"]).To(HaveLen(2))
		})

		It("honours threshold_ms", func() {
			rec := do(server, http.MethodGet, "/api/v1/timing/bottlenecks?threshold_ms=900", "")
			Expect(rec.Code).To(Equal(http.StatusOK))
			bottlenecks := decode(rec)["bottlenecks"].([]interface{})
			Expect(bottlenecks).To(HaveLen(1))
			Expect(bottlenecks[0]).To(HaveKeyWithValue("operation", "writer_execution"))
		})

		It("rejects a malformed threshold", func() {
			rec := do(server, http.MethodGet, "/api/v1/timing/bottlenecks?threshold_ms=slow", "")
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
		})

		It("lists critical paths with an optional limit", func() {
			rec := do(server, http.MethodGet, "/api/v1/timing/critical-paths", "")
			Expect(rec.Code).To(Equal(http.StatusOK))
			var paths []timing.CriticalPath
			Expect(json.Unmarshal(rec.Body.Bytes(), &paths)).To(Succeed())
			Expect(paths).To(HaveLen(1))
			Expect(paths[0].TotalDurationMs).To(BeNumerically("~", 1000, 1e-6))
			Expect(paths[0].Entries).To(HaveLen(2))

			rec = do(server, http.MethodGet, "/api/v1/timing/critical-paths?limit=0", "")
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(strings.TrimSpace(rec.Body.String())).To(Equal("[]"))
		})
	})

	Describe("metric ingestion", func() {
		It("accepts a single metric object", func() {
			rec := do(server, http.MethodPost, "/api/v1/metrics",
				`{"metric_type":"ttft","value":120,"agent_name":"writer","metadata":{"model":"small","cached":false}}`)
			Expect(rec.Code).To(Equal(http.StatusAccepted))
			Expect(decode(rec)).To(HaveKeyWithValue("accepted", BeEquivalentTo(1)))

			agg := metrics.GetAggregatedMetrics(perf.MetricTTFT, aggregation.WindowMinute)
			Expect(agg).NotTo(BeNil())
			Expect(agg.Count).To(Equal(1))
			Expect(agg.Mean).To(Equal(120.0))
		})

		It("accepts an array of metrics", func() {
			rec := do(server, http.MethodPost, "/api/v1/metrics",
				`[{"metric_type":"queue_wait","value":10},{"metric_type":"QUEUE_WAIT","value":30,"timestamp":"2025-03-04T05:06:00Z"}]`)
			Expect(rec.Code).To(Equal(http.StatusAccepted))
			Expect(decode(rec)).To(HaveKeyWithValue("accepted", BeEquivalentTo(2)))

			agg := metrics.GetAggregatedMetrics(perf.MetricQueueWait, aggregation.WindowMinute)
			Expect(agg).NotTo(BeNil())
			Expect(agg.Count).To(Equal(2))
			Expect(agg.Mean).To(Equal(20.0))
		})

		It("rejects the whole batch when one element is invalid", func() {
			rec := do(server, http.MethodPost, "/api/v1/metrics",
				`[{"metric_type":"ttft","value":1},{"metric_type":"latency","value":2}]`)
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
			Expect(decode(rec)["error"]).To(ContainSubstring("metric 1"))
			Expect(metrics.GetAggregatedMetrics(perf.MetricTTFT, aggregation.WindowMinute)).To(BeNil())
		})

		DescribeTable("invalid payloads",
			func(body string) {
				rec := do(server, http.MethodPost, "/api/v1/metrics", body)
				Expect(rec.Code).To(Equal(http.StatusBadRequest))
			},
			Entry("malformed JSON", `{"metric_type":`),
			Entry("scalar body", `42`),
			Entry("missing value", `{"metric_type":"ttft"}`),
			Entry("string value", `{"metric_type":"ttft","value":"fast"}`),
			Entry("bad timestamp", `{"metric_type":"ttft","value":1,"timestamp":"yesterday"}`),
			Entry("non-object metadata", `{"metric_type":"ttft","value":1,"metadata":[1]}`),
			Entry("timestamp a day ahead", `{"metric_type":"ttft","value":1,"timestamp":"2025-03-05T05:06:07Z"}`),
			Entry("timestamp older than a week", `{"metric_type":"ttft","value":1,"timestamp":"2025-02-01T00:00:00Z"}`),
			Entry("unix seconds past year 9999", `{"metric_type":"ttft","value":1,"timestamp":1e300}`),
			Entry("negative unix seconds", `{"metric_type":"ttft","value":1,"timestamp":-5}`),
		)

		It("accepts unix seconds within the window", func() {
			rec := do(server, http.MethodPost, "/api/v1/metrics",
				`{"metric_type":"ttft","value":4,"timestamp":1741064760.5}`)
			Expect(rec.Code).To(Equal(http.StatusAccepted))

			agg := metrics.GetAggregatedMetrics(perf.MetricTTFT, aggregation.WindowMinute)
			Expect(agg).NotTo(BeNil())
			Expect(agg.Count).To(Equal(1))
		})

		It("rejects resource snapshots stamped in the future", func() {
			rec := do(server, http.MethodPost, "/api/v1/metrics/resources",
				`{"cpu_percent":1,"timestamp":"2025-03-04T06:00:00Z"}`)
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
			Expect(metrics.ResourceHistory()).To(BeEmpty())
		})

		It("records resource snapshots", func() {
			rec := do(server, http.MethodPost, "/api/v1/metrics/resources",
				`{"cpu_percent":12.5,"memory_mb":256,"thread_count":9,"queue_depth":3}`)
			Expect(rec.Code).To(Equal(http.StatusAccepted))

			history := metrics.ResourceHistory()
			Expect(history).To(HaveLen(1))
			Expect(history[0].CPUPercent).To(Equal(12.5))
			Expect(history[0].ThreadCount).To(Equal(9))
			Expect(history[0].Timestamp).To(Equal(clock.Now()))
		})

		It("rejects negative resource counts", func() {
			rec := do(server, http.MethodPost, "/api/v1/metrics/resources", `{"queue_depth":-1}`)
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
			Expect(metrics.ResourceHistory()).To(BeEmpty())
		})

		It("rejects bodies over the size limit", func() {
			server = NewServer(timings, metrics, WithClock(clock.Now), WithMaxBodyBytes(16))
			rec := do(server, http.MethodPost, "/api/v1/metrics", `{"metric_type":"ttft","value":120}`)
			Expect(rec.Code).To(Equal(http.StatusRequestEntityTooLarge))
		})

		It("rate limits ingestion", func() {
			server = NewServer(timings, metrics, WithClock(clock.Now), WithIngestLimit(0.001, 1))
			body := `{"metric_type":"ttft","value":1}`
			Expect(do(server, http.MethodPost, "/api/v1/metrics", body).Code).To(Equal(http.StatusAccepted))

			rec := do(server, http.MethodPost, "/api/v1/metrics", body)
			Expect(rec.Code).To(Equal(http.StatusTooManyRequests))
			Expect(rec.Header().Get("Retry-After")).To(Equal("1"))

			By("leaving query endpoints unthrottled")
			Expect(do(server, http.MethodGet, "/api/v1/metrics/summary", "").Code).To(Equal(http.StatusOK))
		})
	})

	Describe("metric queries", func() {
		It("returns windowed aggregates", func() {
			metrics.AddMetric(perf.PerformanceMetric{MetricType: perf.MetricDatabaseQuery, Value: 40})
			rec := do(server, http.MethodGet, "/api/v1/metrics/aggregated/database_query/minute", "")
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(decode(rec)).To(HaveKeyWithValue("count", BeEquivalentTo(1)))

			rec = do(server, http.MethodGet, "/api/v1/metrics/aggregated/database_query/300", "")
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(decode(rec)).To(HaveKeyWithValue("window_seconds", BeEquivalentTo(300)))
		})

		It("distinguishes bad input from missing data", func() {
			Expect(do(server, http.MethodGet, "/api/v1/metrics/aggregated/latency/minute", "").Code).
				To(Equal(http.StatusBadRequest))
			Expect(do(server, http.MethodGet, "/api/v1/metrics/aggregated/ttft/fortnight", "").Code).
				To(Equal(http.StatusBadRequest))
			Expect(do(server, http.MethodGet, "/api/v1/metrics/aggregated/ttft/hour", "").Code).
				To(Equal(http.StatusNotFound))
		})

		It("validates the bottleneck percentile", func() {
			rec := do(server, http.MethodGet, "/api/v1/metrics/bottlenecks", "")
			Expect(rec.Code).To(Equal(http.StatusOK))
			body := decode(rec)
			Expect(body).To(HaveKeyWithValue("percentile", BeEquivalentTo(95)))
			Expect(body["bottlenecks"]).To(BeEmpty())

			Expect(do(server, http.MethodGet, "/api/v1/metrics/bottlenecks?percentile=150", "").Code).
				To(Equal(http.StatusBadRequest))
		})

		It("serves the performance summary", func() {
			metrics.AddMetric(perf.PerformanceMetric{MetricType: perf.MetricTTFT, Value: 10})
			rec := do(server, http.MethodGet, "/api/v1/metrics/summary", "")
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Body.String()).To(ContainSubstring(`"ttft"`))
		})

		It("prunes expired samples", func() {
			metrics.AddMetric(perf.PerformanceMetric{MetricType: perf.MetricTTFT, Value: 10})
			clock.Advance(2 * time.Minute)
			rec := do(server, http.MethodPost, "/api/v1/metrics/prune", "")
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(decode(rec)).To(HaveKeyWithValue("removed", BeEquivalentTo(1)))
		})
	})

	Describe("prometheus endpoint", func() {
		It("exposes request and ingestion counters", func() {
			Expect(do(server, http.MethodPost, "/api/v1/metrics", `{"metric_type":"ttft","value":5}`).Code).
				To(Equal(http.StatusAccepted))

			rec := do(server, http.MethodGet, "/metrics", "")
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Body.String()).To(ContainSubstring(`agentperf_ingested_metrics_total{metric_type="ttft"} 1`))
			Expect(rec.Body.String()).To(ContainSubstring(`agentperf_http_requests_total{code="202",method="POST",route="/api/v1/metrics"} 1`))
		})
	})
})
