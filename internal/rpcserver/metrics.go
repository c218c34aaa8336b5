package rpcserver

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
)

// transportMetrics wraps this front door's own Prometheus registry,
// grounded on internal/metrics/prometheus.go's PrometheusMetrics: an
// explicit registry plus explicit collectors, scoped to what this
// package's interceptor observes (call volume and latency per method and
// outcome), rather than the process-global default registry.
type transportMetrics struct {
	registry    *prometheus.Registry
	callsTotal  *prometheus.CounterVec
	callLatency *prometheus.HistogramVec
}

func newTransportMetrics() *transportMetrics {
	registry := prometheus.NewRegistry()

	m := &transportMetrics{
		registry: registry,
		callsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "groupcast",
			Subsystem: "rpcserver",
			Name:      "inbound_calls_total",
			Help:      "Total inbound gRPC transport calls, by method and outcome.",
		}, []string{"method", "outcome"}),
		callLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "groupcast",
			Subsystem: "rpcserver",
			Name:      "inbound_call_duration_seconds",
			Help:      "Inbound gRPC transport call latency, by method.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
	}
	registry.MustRegister(m.callsTotal, m.callLatency)
	return m
}

// Handler exposes this server's metrics for scraping.
func (m *transportMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *transportMetrics) interceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	m.callLatency.WithLabelValues(info.FullMethod).Observe(time.Since(start).Seconds())
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.callsTotal.WithLabelValues(info.FullMethod, outcome).Inc()
	return resp, err
}
