// Package metrics collects and exposes groupcast runtime observability
// data.
//
// # Design rationale
//
// Two metric stores coexist in this package:
//
//  1. The in-process Metrics struct (per-method counters + time series)
//     for the lightweight JSON /stats endpoint.
//  2. A Prometheus registry (prometheus.go) for scraping by external
//     monitoring systems (Grafana, Alertmanager, etc.).
//
// Keeping both lets a node expose dispatch/call health without a
// Prometheus sidecar while still supporting enterprise monitoring
// stacks.
//
// # Concurrency — hot path
//
// RecordCallWithDetails is called from dispatch on every ordered/P2P
// call and must be as fast as possible. It uses atomic increments for
// global counters and dispatches a lightweight event onto a buffered
// channel (tsChan) for the time-series worker to process
// asynchronously. This avoids holding any lock on the hot path.
//
// The per-method MethodMetrics struct also uses atomic operations
// exclusively; the sync.Map that stores the per-method entries is
// read-heavy and write-once-per-new-method, which is the ideal use case
// for sync.Map.
//
// # Invariants
//
//   - TotalCalls == SuccessCalls + FailedCalls (maintained by
//     RecordCall and RecordCallWithDetails).
//   - OrderedCalls + P2PCalls == TotalCalls.
//   - The time-series ring buffer holds at most timeSeriesBucketCount
//     buckets (24 * 60 = 1440 for the last 24 hours at 1-minute
//     granularity).
//   - tsChan capacity is 8192 events; events dropped when full are
//     counted in tsDroppedEvents for observability.
package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

const (
	timeSeriesBucketDuration = time.Minute
	timeSeriesBucketCount    = 24 * 60
)

// TimeSeriesBucket stores metrics for a single time bucket.
type TimeSeriesBucket struct {
	Timestamp    time.Time
	Calls        int64
	Errors       int64
	TotalLatency int64
	Count        int64 // for calculating avg
}

// Metrics collects and exposes groupcast runtime metrics.
type Metrics struct {
	// Call metrics
	TotalCalls   atomic.Int64
	SuccessCalls atomic.Int64
	FailedCalls  atomic.Int64
	OrderedCalls atomic.Int64
	P2PCalls     atomic.Int64

	// Latency metrics (in milliseconds)
	TotalLatencyMs atomic.Int64
	MinLatencyMs   atomic.Int64
	MaxLatencyMs   atomic.Int64

	// Group membership metrics
	ViewInstalls   atomic.Int64
	MembersJoined  atomic.Int64
	MembersEvicted atomic.Int64

	// Persistent log metrics
	LogAppends     atomic.Int64
	LogBytesWritten atomic.Int64
	LogTrims       atomic.Int64

	// Per-method metrics
	methodMetrics sync.Map // methodName -> *MethodMetrics

	// Time-series data (minute buckets for last 24 hours)
	timeSeriesMu    sync.RWMutex
	timeSeries      []*TimeSeriesBucket
	tsChan          chan timeSeriesEvent
	tsDroppedEvents atomic.Int64

	startTime time.Time
}

// timeSeriesEvent is sent over a channel to avoid write-lock contention on the hot path.
type timeSeriesEvent struct {
	durationMs int64
	isError    bool
}

// MethodMetrics tracks metrics for a single registered RPC method.
type MethodMetrics struct {
	Calls    atomic.Int64
	Successes atomic.Int64
	Failures atomic.Int64
	Ordered  atomic.Int64
	P2P      atomic.Int64
	TotalMs  atomic.Int64
	MinMs    atomic.Int64
	MaxMs    atomic.Int64
}

// Global metrics instance.
var global = &Metrics{startTime: time.Now()}

func init() {
	global.MinLatencyMs.Store(int64(^uint64(0) >> 1)) // Max int64
	global.tsChan = make(chan timeSeriesEvent, 8192)
	global.initTimeSeries()
	go global.processTimeSeriesLoop()
}

// initTimeSeries initializes minute-level buckets for the last 24 hours.
func (m *Metrics) initTimeSeries() {
	m.timeSeriesMu.Lock()
	defer m.timeSeriesMu.Unlock()

	now := time.Now().Truncate(timeSeriesBucketDuration)
	m.timeSeries = make([]*TimeSeriesBucket, timeSeriesBucketCount)
	for i := 0; i < timeSeriesBucketCount; i++ {
		m.timeSeries[i] = &TimeSeriesBucket{
			Timestamp: now.Add(time.Duration(i-(timeSeriesBucketCount-1)) * timeSeriesBucketDuration),
		}
	}
}

// Global returns the global metrics instance.
func Global() *Metrics {
	return global
}

// StartTime returns the time when the metrics system was initialized.
func StartTime() time.Time {
	return global.startTime
}

// RecordCall records a call result.
func (m *Metrics) RecordCall(method string, durationMs int64, isP2P bool, success bool) {
	m.RecordCallWithDetails(method, durationMs, isP2P, success)
}

// RecordCallWithDetails records a dispatch call (ordered or P2P) against
// both the global and per-method counters, and bridges to Prometheus.
func (m *Metrics) RecordCallWithDetails(method string, durationMs int64, isP2P bool, success bool) {
	m.TotalCalls.Add(1)

	if success {
		m.SuccessCalls.Add(1)
	} else {
		m.FailedCalls.Add(1)
	}

	if isP2P {
		m.P2PCalls.Add(1)
	} else {
		m.OrderedCalls.Add(1)
	}

	m.TotalLatencyMs.Add(durationMs)
	updateMin(&m.MinLatencyMs, durationMs)
	updateMax(&m.MaxLatencyMs, durationMs)

	mm := m.getMethodMetrics(method)
	mm.Calls.Add(1)
	if success {
		mm.Successes.Add(1)
	} else {
		mm.Failures.Add(1)
	}
	if isP2P {
		mm.P2P.Add(1)
	} else {
		mm.Ordered.Add(1)
	}
	mm.TotalMs.Add(durationMs)
	updateMin(&mm.MinMs, durationMs)
	updateMax(&mm.MaxMs, durationMs)

	m.recordTimeSeries(durationMs, !success)

	kind := "ordered"
	if isP2P {
		kind = "p2p"
	}
	RecordPrometheusCall(method, kind, durationMs, success)
}

// recordTimeSeries enqueues a time-series event for async processing,
// avoiding a write-lock on the hot call path.
func (m *Metrics) recordTimeSeries(durationMs int64, isError bool) {
	select {
	case m.tsChan <- timeSeriesEvent{durationMs: durationMs, isError: isError}:
	default:
		m.tsDroppedEvents.Add(1)
	}
}

// processTimeSeriesLoop drains tsChan and applies events under a write lock.
func (m *Metrics) processTimeSeriesLoop() {
	for evt := range m.tsChan {
		m.applyTimeSeriesEvent(evt.durationMs, evt.isError)
	}
}

// applyTimeSeriesEvent updates the time-series buckets (must be called from a single goroutine).
func (m *Metrics) applyTimeSeriesEvent(durationMs int64, isError bool) {
	m.timeSeriesMu.Lock()
	defer m.timeSeriesMu.Unlock()

	now := time.Now().Truncate(timeSeriesBucketDuration)

	if len(m.timeSeries) > 0 {
		lastBucket := m.timeSeries[len(m.timeSeries)-1]
		bucketsDiff := int(now.Sub(lastBucket.Timestamp) / timeSeriesBucketDuration)

		if bucketsDiff > 0 {
			if bucketsDiff >= timeSeriesBucketCount {
				m.timeSeries = make([]*TimeSeriesBucket, timeSeriesBucketCount)
				for i := 0; i < timeSeriesBucketCount; i++ {
					m.timeSeries[i] = &TimeSeriesBucket{
						Timestamp: now.Add(time.Duration(i-(timeSeriesBucketCount-1)) * timeSeriesBucketDuration),
					}
				}
			} else {
				m.timeSeries = m.timeSeries[bucketsDiff:]
				for i := 0; i < bucketsDiff; i++ {
					m.timeSeries = append(m.timeSeries, &TimeSeriesBucket{
						Timestamp: lastBucket.Timestamp.Add(time.Duration(i+1) * timeSeriesBucketDuration),
					})
				}
			}
		}
	}

	if len(m.timeSeries) > 0 {
		bucket := m.timeSeries[len(m.timeSeries)-1]
		bucket.Calls++
		bucket.TotalLatency += durationMs
		bucket.Count++
		if isError {
			bucket.Errors++
		}
	}
}

// RecordViewInstall records a newly installed group View.
func (m *Metrics) RecordViewInstall(memberCount int) {
	m.ViewInstalls.Add(1)
	RecordPrometheusViewInstall(memberCount)
}

// RecordMemberJoined records a member join.
func (m *Metrics) RecordMemberJoined() {
	m.MembersJoined.Add(1)
	RecordPrometheusMemberJoined()
}

// RecordMemberEvicted records a member eviction.
func (m *Metrics) RecordMemberEvicted() {
	m.MembersEvicted.Add(1)
	RecordPrometheusMemberEvicted()
}

// RecordLogAppend records a persistent-log append of n bytes.
func (m *Metrics) RecordLogAppend(n int64) {
	m.LogAppends.Add(1)
	m.LogBytesWritten.Add(n)
	RecordPrometheusLogAppend(n)
}

// RecordLogTrim records a persistent-log trim.
func (m *Metrics) RecordLogTrim() {
	m.LogTrims.Add(1)
	RecordPrometheusLogTrim()
}

func (m *Metrics) getMethodMetrics(method string) *MethodMetrics {
	if v, ok := m.methodMetrics.Load(method); ok {
		return v.(*MethodMetrics)
	}

	mm := &MethodMetrics{}
	mm.MinMs.Store(int64(^uint64(0) >> 1))
	actual, _ := m.methodMetrics.LoadOrStore(method, mm)
	return actual.(*MethodMetrics)
}

// GetMethodMetrics returns the metrics for a specific method (or nil if none recorded yet).
func (m *Metrics) GetMethodMetrics(method string) *MethodMetrics {
	if v, ok := m.methodMetrics.Load(method); ok {
		return v.(*MethodMetrics)
	}
	return nil
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (m *Metrics) Snapshot() map[string]interface{} {
	total := m.TotalCalls.Load()
	avgLatency := float64(0)
	if total > 0 {
		avgLatency = float64(m.TotalLatencyMs.Load()) / float64(total)
	}

	minLatency := m.MinLatencyMs.Load()
	if minLatency == int64(^uint64(0)>>1) {
		minLatency = 0
	}

	result := map[string]interface{}{
		"uptime_seconds": int64(time.Since(m.startTime).Seconds()),
		"calls": map[string]interface{}{
			"total":   total,
			"success": m.SuccessCalls.Load(),
			"failed":  m.FailedCalls.Load(),
			"ordered": m.OrderedCalls.Load(),
			"p2p":     m.P2PCalls.Load(),
		},
		"latency_ms": map[string]interface{}{
			"avg": avgLatency,
			"min": minLatency,
			"max": m.MaxLatencyMs.Load(),
		},
		"group": map[string]interface{}{
			"view_installs":   m.ViewInstalls.Load(),
			"members_joined":  m.MembersJoined.Load(),
			"members_evicted": m.MembersEvicted.Load(),
		},
		"log": map[string]interface{}{
			"appends":      m.LogAppends.Load(),
			"bytes_written": m.LogBytesWritten.Load(),
			"trims":        m.LogTrims.Load(),
		},
		"ts_dropped_events": m.tsDroppedEvents.Load(),
	}

	return result
}

// MethodStats returns per-method metrics.
func (m *Metrics) MethodStats() map[string]interface{} {
	result := make(map[string]interface{})

	m.methodMetrics.Range(func(key, value interface{}) bool {
		method := key.(string)
		mm := value.(*MethodMetrics)

		total := mm.Calls.Load()
		avgMs := float64(0)
		if total > 0 {
			avgMs = float64(mm.TotalMs.Load()) / float64(total)
		}

		minMs := mm.MinMs.Load()
		if minMs == int64(^uint64(0)>>1) {
			minMs = 0
		}

		result[method] = map[string]interface{}{
			"calls":     total,
			"successes": mm.Successes.Load(),
			"failures":  mm.Failures.Load(),
			"ordered":   mm.Ordered.Load(),
			"p2p":       mm.P2P.Load(),
			"avg_ms":    avgMs,
			"min_ms":    minMs,
			"max_ms":    mm.MaxMs.Load(),
		}
		return true
	})

	return result
}

// JSONHandler returns an HTTP handler that exposes metrics in JSON format.
func (m *Metrics) JSONHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		result := m.Snapshot()
		result["methods"] = m.MethodStats()
		json.NewEncoder(w).Encode(result)
	})
}

// TimeSeries returns minute-level time-series data for the last 24 hours.
func (m *Metrics) TimeSeries() []map[string]interface{} {
	m.timeSeriesMu.RLock()
	defer m.timeSeriesMu.RUnlock()

	result := make([]map[string]interface{}, len(m.timeSeries))
	for i, bucket := range m.timeSeries {
		avgDuration := float64(0)
		if bucket.Count > 0 {
			avgDuration = float64(bucket.TotalLatency) / float64(bucket.Count)
		}
		result[i] = map[string]interface{}{
			"timestamp":    bucket.Timestamp.Format(time.RFC3339),
			"calls":        bucket.Calls,
			"errors":       bucket.Errors,
			"avg_duration": avgDuration,
		}
	}
	return result
}

// TimeSeriesHandler returns an HTTP handler for time-series metrics.
func (m *Metrics) TimeSeriesHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(m.TimeSeries())
	})
}

// Helper functions

func updateMin(target *atomic.Int64, value int64) {
	for {
		old := target.Load()
		if value >= old {
			return
		}
		if target.CompareAndSwap(old, value) {
			return
		}
	}
}

func updateMax(target *atomic.Int64, value int64) {
	for {
		old := target.Load()
		if value <= old {
			return
		}
		if target.CompareAndSwap(old, value) {
			return
		}
	}
}
