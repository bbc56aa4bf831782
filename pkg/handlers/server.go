// Package handlers serves the timing and metrics aggregates over HTTP and
// accepts metric ingestion.
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fastjson"
	"golang.org/x/time/rate"

	"github.com/thc1006/agentperf/pkg/logging"
	"github.com/thc1006/agentperf/pkg/monitoring/aggregation"
	"github.com/thc1006/agentperf/pkg/monitoring/perf"
	"github.com/thc1006/agentperf/pkg/monitoring/timing"
)

const (
	defaultIngestQPS    = 200
	defaultIngestBurst  = 400
	defaultMaxBodyBytes = 1 << 20

	// maxClockSkew is how far ahead of the server clock an ingested
	// timestamp may be.
	maxClockSkew = 5 * time.Minute
)

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(logger logr.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithRegistry sets where request counters are registered and what /metrics
// serves.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(s *Server) { s.registry = reg }
}

// WithIngestLimit rate limits the ingestion endpoints.
func WithIngestLimit(qps float64, burst int) Option {
	return func(s *Server) { s.limiter = rate.NewLimiter(rate.Limit(qps), burst) }
}

// WithClock overrides the clock used to validate ingested timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// WithMaxBodyBytes caps ingestion request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxBodyBytes = n
		}
	}
}

// WithBottleneckThreshold sets the default threshold_ms for timing bottleneck queries.
func WithBottleneckThreshold(ms float64) Option {
	return func(s *Server) {
		if ms > 0 {
			s.thresholdMs = ms
		}
	}
}

// Server exposes the query, export and ingestion API.
type Server struct {
	timings *timing.TimingAggregator
	metrics *aggregation.MetricsAggregator

	logger       logr.Logger
	registry     *prometheus.Registry
	limiter      *rate.Limiter
	parsers      fastjson.ParserPool
	maxBodyBytes int64
	thresholdMs  float64
	now          func() time.Time

	requests *prometheus.CounterVec
	ingested *prometheus.CounterVec
	rejected *prometheus.CounterVec

	router *mux.Router
}

// NewServer builds the router over the given aggregators.
func NewServer(timings *timing.TimingAggregator, metrics *aggregation.MetricsAggregator, opts ...Option) *Server {
	s := &Server{
		timings:      timings,
		metrics:      metrics,
		logger:       logr.Discard(),
		limiter:      rate.NewLimiter(defaultIngestQPS, defaultIngestBurst),
		maxBodyBytes: defaultMaxBodyBytes,
		thresholdMs:  timing.DefaultBottleneckThresholdMs,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
	}
	s.logger = s.logger.WithName(logging.ComponentHTTP)

	factory := promauto.With(s.registry)
	s.requests = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "agentperf_http_requests_total",
		Help: "HTTP requests served by route and status code",
	}, []string{"route", "method", "code"})
	s.ingested = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "agentperf_ingested_metrics_total",
		Help: "Metrics accepted through the ingestion API",
	}, []string{"metric_type"})
	s.rejected = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "agentperf_ingest_rejected_total",
		Help: "Ingestion requests rejected by reason",
	}, []string{"reason"})

	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.instrument)

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/timing/report", s.handleTimingReport).Methods(http.MethodGet)
	api.HandleFunc("/timing/bottlenecks", s.handleTimingBottlenecks).Methods(http.MethodGet)
	api.HandleFunc("/timing/critical-paths", s.handleCriticalPaths).Methods(http.MethodGet)
	api.HandleFunc("/metrics/summary", s.handleSummary).Methods(http.MethodGet)
	api.HandleFunc("/metrics/aggregated/{metric_type}/{window}", s.handleAggregated).Methods(http.MethodGet)
	api.HandleFunc("/metrics/bottlenecks", s.handleMetricBottlenecks).Methods(http.MethodGet)
	api.HandleFunc("/metrics/prune", s.handlePrune).Methods(http.MethodPost)

	ingest := api.NewRoute().Subrouter()
	ingest.Use(s.rateLimit)
	ingest.HandleFunc("/metrics", s.handleIngestMetrics).Methods(http.MethodPost)
	ingest.HandleFunc("/metrics/resources", s.handleIngestResources).Methods(http.MethodPost)
	return r
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Registry returns the registry served at /metrics.
func (s *Server) Registry() *prometheus.Registry {
	return s.registry
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	size   int64
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	n, err := r.ResponseWriter.Write(b)
	r.size += int64(n)
	return n, err
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tmpl, err := current.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		s.requests.WithLabelValues(route, r.Method, strconv.Itoa(rec.status)).Inc()
		logging.LogHTTPRequest(s.logger, r.Method, route, rec.status, time.Since(start), rec.size)
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			s.rejected.WithLabelValues("rate_limited").Inc()
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "ingestion rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":       "ok",
		"timing_trees": s.timings.TreeCount(),
	})
}

func (s *Server) handleTimingReport(w http.ResponseWriter, r *http.Request) {
	body, err := s.timings.ExportReportJSON()
	if err != nil {
		s.logger.Error(err, "Failed to export optimization report")
		writeError(w, http.StatusInternalServerError, "failed to export report")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (s *Server) handleTimingBottlenecks(w http.ResponseWriter, r *http.Request) {
	threshold := s.thresholdMs
	if raw := r.URL.Query().Get("threshold_ms"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v < 0 {
			writeError(w, http.StatusBadRequest, "threshold_ms must be a non-negative number")
			return
		}
		threshold = v
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"threshold_ms": threshold,
		"bottlenecks":  s.timings.IdentifyBottlenecks(threshold),
	})
}

func (s *Server) handleCriticalPaths(w http.ResponseWriter, r *http.Request) {
	paths := s.timings.GetCriticalPaths()
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		if n < len(paths) {
			paths = paths[:n]
		}
	}
	if paths == nil {
		paths = []timing.CriticalPath{}
	}
	writeJSON(w, http.StatusOK, paths)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.metrics.GetPerformanceSummary())
}

func (s *Server) handleAggregated(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	metricType, err := perf.ParseMetricType(vars["metric_type"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	window, err := aggregation.ParseWindow(vars["window"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	agg := s.metrics.GetAggregatedMetrics(metricType, window)
	if agg == nil {
		writeError(w, http.StatusNotFound, "no samples in window")
		return
	}
	writeJSON(w, http.StatusOK, agg)
}

func (s *Server) handleMetricBottlenecks(w http.ResponseWriter, r *http.Request) {
	percentile := aggregation.DefaultBottleneckPercentile
	if raw := r.URL.Query().Get("percentile"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v <= 0 || v > 100 {
			writeError(w, http.StatusBadRequest, "percentile must be in (0, 100]")
			return
		}
		percentile = v
	}
	bottlenecks := s.metrics.GetBottlenecks(percentile)
	if bottlenecks == nil {
		bottlenecks = []aggregation.MetricBottleneck{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"percentile":  percentile,
		"bottlenecks": bottlenecks,
	})
}

func (s *Server) handlePrune(w http.ResponseWriter, r *http.Request) {
	removed := s.metrics.ClearOldMetrics()
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}
