package core

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	_ MetricsRecorder         = (*PrometheusMetrics)(nil)
	_ DispatchFailureRecorder = (*PrometheusMetrics)(nil)
)

// PrometheusMetrics implements MetricsRecorder backed by Prometheus collectors.
// Collectors are registered on first use.
type PrometheusMetrics struct {
	reg       prometheus.Registerer
	namespace string
	once      sync.Once

	operations       *prometheus.CounterVec
	durations        *prometheus.HistogramVec
	dispatchFailures *prometheus.CounterVec
}

// NewPrometheusMetrics creates a recorder registering on reg (prometheus.DefaultRegisterer
// when nil) under namespace (default "nimbus").
func NewPrometheusMetrics(reg prometheus.Registerer, namespace string) *PrometheusMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "nimbus"
	}
	return &PrometheusMetrics{reg: reg, namespace: namespace}
}

func (p *PrometheusMetrics) ensureRegistered() {
	p.once.Do(func() {
		p.operations = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "core",
			Name:      "operations_total",
			Help:      "Total service operations by operation and result (success, error).",
		}, []string{"op", "result"})
		p.durations = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Subsystem: "core",
			Name:      "operation_duration_seconds",
			Help:      "Latency of service operations in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms .. ~1s
		}, []string{"op"})
		p.dispatchFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "dispatch",
			Name:      "failures_total",
			Help:      "Post-commit dispatch tasks that could not be enqueued, by kind.",
		}, []string{"kind"})
		p.reg.MustRegister(p.operations, p.durations, p.dispatchFailures)
	})
}

// Observe records one operation outcome.
func (p *PrometheusMetrics) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	if operation == "" {
		return
	}
	p.ensureRegistered()
	result := "error"
	if success {
		result = "success"
	}
	p.operations.WithLabelValues(operation, result).Inc()
	p.durations.WithLabelValues(operation).Observe(duration.Seconds())
}

// DispatchFailed counts a failed post-commit dispatch.
func (p *PrometheusMetrics) DispatchFailed(_ context.Context, kind string) {
	p.ensureRegistered()
	p.dispatchFailures.WithLabelValues(kind).Inc()
}
