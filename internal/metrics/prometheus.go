package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps a process-wide Prometheus registry for
// groupcast's scrape endpoint, built from an explicit prometheus.Registry
// rather than the global default registry so a node's metrics surface is
// fully contained and independently testable, matching
// internal/rpcserver/metrics.go's transportMetrics.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	callsTotal   *prometheus.CounterVec
	callDuration *prometheus.HistogramVec

	viewInstallsTotal  prometheus.Counter
	membersJoinedTotal prometheus.Counter
	membersEvicted     prometheus.Counter
	currentMembers     prometheus.Gauge

	logAppendsTotal prometheus.Counter
	logBytesTotal   prometheus.Counter
	logTrimsTotal   prometheus.Counter

	segmentUtilization *prometheus.GaugeVec
}

var (
	promMu sync.RWMutex
	prom   *PrometheusMetrics
)

// InitPrometheus builds the process's Prometheus registry and collectors.
// namespace defaults to "groupcast" if empty; buckets defaults to
// prometheus.DefBuckets if empty.
func InitPrometheus(namespace string, buckets []float64) *PrometheusMetrics {
	if namespace == "" {
		namespace = "groupcast"
	}
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &PrometheusMetrics{
		registry: registry,
		callsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "calls_total",
			Help:      "Total RPC calls dispatched, by method, kind (ordered/p2p), and outcome.",
		}, []string{"method", "kind", "outcome"}),
		callDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "call_duration_ms",
			Help:      "RPC call latency in milliseconds, by method and kind.",
			Buckets:   buckets,
		}, []string{"method", "kind"}),
		viewInstallsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gms",
			Name:      "view_installs_total",
			Help:      "Total group Views installed.",
		}),
		membersJoinedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gms",
			Name:      "members_joined_total",
			Help:      "Total members that have joined the group.",
		}),
		membersEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gms",
			Name:      "members_evicted_total",
			Help:      "Total members evicted from the group.",
		}),
		currentMembers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gms",
			Name:      "current_members",
			Help:      "Member count of the currently installed View.",
		}),
		logAppendsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "persist",
			Name:      "log_appends_total",
			Help:      "Total entries appended to the persistent log.",
		}),
		logBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "persist",
			Name:      "log_bytes_written_total",
			Help:      "Total bytes written to the persistent log.",
		}),
		logTrimsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "persist",
			Name:      "log_trims_total",
			Help:      "Total log trim operations.",
		}),
		segmentUtilization: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "persist",
			Name:      "segment_utilization_ratio",
			Help:      "Fraction of a log's current segment address space consumed, by group.",
		}, []string{"group"}),
	}

	registry.MustRegister(
		m.callsTotal,
		m.callDuration,
		m.viewInstallsTotal,
		m.membersJoinedTotal,
		m.membersEvicted,
		m.currentMembers,
		m.logAppendsTotal,
		m.logBytesTotal,
		m.logTrimsTotal,
		m.segmentUtilization,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	promMu.Lock()
	prom = m
	promMu.Unlock()

	return m
}

func current() *PrometheusMetrics {
	promMu.RLock()
	defer promMu.RUnlock()
	return prom
}

// PrometheusRegistry returns the active Prometheus registry, or nil if
// InitPrometheus has not been called.
func PrometheusRegistry() *prometheus.Registry {
	m := current()
	if m == nil {
		return nil
	}
	return m.registry
}

// PrometheusHandler exposes the active registry for scraping. Returns a
// handler that answers 503 if InitPrometheus hasn't run yet.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := current()
		if m == nil {
			http.Error(w, "metrics not initialized", http.StatusServiceUnavailable)
			return
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}

// RecordPrometheusCall records a dispatch call outcome. No-op until InitPrometheus runs.
func RecordPrometheusCall(method, kind string, durationMs int64, success bool) {
	m := current()
	if m == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.callsTotal.WithLabelValues(method, kind, outcome).Inc()
	m.callDuration.WithLabelValues(method, kind).Observe(float64(durationMs))
}

// RecordPrometheusViewInstall records a View install and updates the member gauge.
func RecordPrometheusViewInstall(memberCount int) {
	m := current()
	if m == nil {
		return
	}
	m.viewInstallsTotal.Inc()
	m.currentMembers.Set(float64(memberCount))
}

// RecordPrometheusMemberJoined records a member join.
func RecordPrometheusMemberJoined() {
	m := current()
	if m == nil {
		return
	}
	m.membersJoinedTotal.Inc()
}

// RecordPrometheusMemberEvicted records a member eviction.
func RecordPrometheusMemberEvicted() {
	m := current()
	if m == nil {
		return
	}
	m.membersEvicted.Inc()
}

// RecordPrometheusLogAppend records a persistent-log append of n bytes.
func RecordPrometheusLogAppend(n int64) {
	m := current()
	if m == nil {
		return
	}
	m.logAppendsTotal.Inc()
	m.logBytesTotal.Add(float64(n))
}

// RecordPrometheusLogTrim records a persistent-log trim.
func RecordPrometheusLogTrim() {
	m := current()
	if m == nil {
		return
	}
	m.logTrimsTotal.Inc()
}

// SetSegmentUtilization records a group's current segment address-space
// utilization as a ratio in [0, 1].
func SetSegmentUtilization(group string, ratio float64) {
	m := current()
	if m == nil {
		return
	}
	m.segmentUtilization.WithLabelValues(group).Set(ratio)
}
