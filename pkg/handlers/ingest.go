package handlers

import (
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/valyala/fastjson"

	"github.com/thc1006/agentperf/pkg/monitoring/aggregation"
	"github.com/thc1006/agentperf/pkg/monitoring/perf"
)

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.rejected.WithLabelValues("too_large").Inc()
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("body exceeds %d bytes", s.maxBodyBytes))
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "failed to read body")
		return nil, false
	}
	return body, true
}

// handleIngestMetrics accepts one metric object or an array of them. A batch
// is applied only when every element is valid.
func (s *Server) handleIngestMetrics(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}

	p := s.parsers.Get()
	defer s.parsers.Put(p)

	v, err := p.ParseBytes(body)
	if err != nil {
		s.rejected.WithLabelValues("invalid").Inc()
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}

	var items []*fastjson.Value
	switch v.Type() {
	case fastjson.TypeArray:
		items, _ = v.Array()
	case fastjson.TypeObject:
		items = []*fastjson.Value{v}
	default:
		s.rejected.WithLabelValues("invalid").Inc()
		writeError(w, http.StatusBadRequest, "body must be a metric object or an array of metrics")
		return
	}

	now := s.now()
	metrics := make([]perf.PerformanceMetric, 0, len(items))
	for i, item := range items {
		m, err := parseMetric(item, now)
		if err != nil {
			s.rejected.WithLabelValues("invalid").Inc()
			writeError(w, http.StatusBadRequest, fmt.Sprintf("metric %d: %v", i, err))
			return
		}
		metrics = append(metrics, m)
	}

	for _, m := range metrics {
		s.metrics.AddMetric(m)
		s.ingested.WithLabelValues(string(m.MetricType)).Inc()
	}
	s.logger.V(1).Info("Ingested metrics", "count", len(metrics))
	writeJSON(w, http.StatusAccepted, map[string]int{"accepted": len(metrics)})
}

func (s *Server) handleIngestResources(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}

	p := s.parsers.Get()
	defer s.parsers.Put(p)

	v, err := p.ParseBytes(body)
	if err != nil {
		s.rejected.WithLabelValues("invalid").Inc()
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	res, err := parseResources(v, s.now())
	if err != nil {
		s.rejected.WithLabelValues("invalid").Inc()
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.metrics.AddResourceMetrics(res)
	writeJSON(w, http.StatusAccepted, map[string]int{"accepted": 1})
}

func parseMetric(v *fastjson.Value, now time.Time) (perf.PerformanceMetric, error) {
	var m perf.PerformanceMetric
	if v.Type() != fastjson.TypeObject {
		return m, errors.New("must be an object")
	}

	mt, err := perf.ParseMetricType(string(v.GetStringBytes("metric_type")))
	if err != nil {
		return m, err
	}
	m.MetricType = mt

	raw := v.Get("value")
	if raw == nil {
		return m, errors.New("value is required")
	}
	value, err := raw.Float64()
	if err != nil {
		return m, fmt.Errorf("value: %w", err)
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return m, errors.New("value must be finite")
	}
	m.Value = value

	if ts := v.Get("timestamp"); ts != nil {
		m.Timestamp, err = parseTimestamp(ts, now)
		if err != nil {
			return m, err
		}
	}
	m.AgentName = string(v.GetStringBytes("agent_name"))
	m.CorrelationID = string(v.GetStringBytes("correlation_id"))

	if md := v.Get("metadata"); md != nil && md.Type() != fastjson.TypeNull {
		obj, err := md.Object()
		if err != nil {
			return m, fmt.Errorf("metadata: %w", err)
		}
		m.Metadata = make(map[string]any, obj.Len())
		obj.Visit(func(key []byte, item *fastjson.Value) {
			m.Metadata[string(key)] = plainValue(item)
		})
	}
	return m, nil
}

// maxUnixSeconds is 9999-12-31T23:59:59Z.
const maxUnixSeconds = 253402300799

// parseTimestamp accepts RFC 3339 strings or unix seconds. The result must
// lie within the longest aggregation window before now and at most
// maxClockSkew after it.
func parseTimestamp(v *fastjson.Value, now time.Time) (time.Time, error) {
	var t time.Time
	switch v.Type() {
	case fastjson.TypeString:
		parsed, err := time.Parse(time.RFC3339Nano, string(v.GetStringBytes()))
		if err != nil {
			return time.Time{}, fmt.Errorf("timestamp: %w", err)
		}
		t = parsed
	case fastjson.TypeNumber:
		secs := v.GetFloat64()
		if secs < 0 || secs > maxUnixSeconds {
			return time.Time{}, fmt.Errorf("timestamp: %v unix seconds is out of range", secs)
		}
		whole, frac := math.Modf(secs)
		t = time.Unix(int64(whole), int64(frac*1e9)).UTC()
	default:
		return time.Time{}, errors.New("timestamp must be an RFC 3339 string or unix seconds")
	}

	if t.After(now.Add(maxClockSkew)) {
		return time.Time{}, fmt.Errorf("timestamp %s is more than %s in the future", t.Format(time.RFC3339), maxClockSkew)
	}
	if oldest := now.Add(-aggregation.WindowWeek.Duration()); t.Before(oldest) {
		return time.Time{}, fmt.Errorf("timestamp %s is older than the %s window", t.Format(time.RFC3339), aggregation.WindowWeek)
	}
	return t, nil
}

// plainValue copies a fastjson value out of the parser's buffers.
func plainValue(v *fastjson.Value) any {
	switch v.Type() {
	case fastjson.TypeString:
		return string(v.GetStringBytes())
	case fastjson.TypeNumber:
		return v.GetFloat64()
	case fastjson.TypeTrue:
		return true
	case fastjson.TypeFalse:
		return false
	case fastjson.TypeNull:
		return nil
	default:
		return v.String()
	}
}

func parseResources(v *fastjson.Value, now time.Time) (aggregation.ResourceMetrics, error) {
	var res aggregation.ResourceMetrics
	if v.Type() != fastjson.TypeObject {
		return res, errors.New("body must be a resource object")
	}

	floats := []struct {
		key string
		dst *float64
	}{
		{"cpu_percent", &res.CPUPercent},
		{"memory_mb", &res.MemoryMB},
		{"memory_percent", &res.MemoryPercent},
	}
	for _, f := range floats {
		if item := v.Get(f.key); item != nil {
			n, err := item.Float64()
			if err != nil {
				return res, fmt.Errorf("%s: %w", f.key, err)
			}
			*f.dst = n
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"thread_count", &res.ThreadCount},
		{"connection_pool_size", &res.ConnectionPoolSize},
		{"queue_depth", &res.QueueDepth},
	}
	for _, f := range ints {
		if item := v.Get(f.key); item != nil {
			n, err := item.Int()
			if err != nil {
				return res, fmt.Errorf("%s: %w", f.key, err)
			}
			if n < 0 {
				return res, fmt.Errorf("%s must not be negative", f.key)
			}
			*f.dst = n
		}
	}

	if ts := v.Get("timestamp"); ts != nil {
		t, err := parseTimestamp(ts, now)
		if err != nil {
			return res, err
		}
		res.Timestamp = t
	}
	return res, nil
}
