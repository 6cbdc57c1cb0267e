package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/dray-io/sweepd/internal/objectstore"
)

// ObjectStoreMetrics holds metrics of snapshot object store operations.
type ObjectStoreMetrics struct {
	// LatencyHistogram tracks operation latencies.
	// Labels: operation (put, get, head, delete, list), status (success, failure)
	LatencyHistogram *prometheus.HistogramVec

	// RequestsTotal counts operations by operation and status.
	RequestsTotal *prometheus.CounterVec

	// BytesTotal counts payload bytes.
	// Labels: direction (read, write)
	BytesTotal *prometheus.CounterVec
}

// Bytes direction label values.
const (
	DirectionRead  = "read"
	DirectionWrite = "write"
)

// DefaultObjectStoreLatencyBuckets suit S3 operations, which range from
// tens of milliseconds to seconds.
var DefaultObjectStoreLatencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewObjectStoreMetrics creates object store metrics registered with the
// default registry.
func NewObjectStoreMetrics() *ObjectStoreMetrics {
	return NewObjectStoreMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewObjectStoreMetricsWithRegistry creates object store metrics registered with reg.
func NewObjectStoreMetricsWithRegistry(reg prometheus.Registerer) *ObjectStoreMetrics {
	f := promauto.With(reg)
	return &ObjectStoreMetrics{
		LatencyHistogram: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: "objectstore",
				Name:      "operation_latency_seconds",
				Help:      "Object store operation latency in seconds, broken down by operation and status.",
				Buckets:   DefaultObjectStoreLatencyBuckets,
			},
			[]string{"operation", "status"},
		),
		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "objectstore",
				Name:      "operations_total",
				Help:      "Total number of object store operations, broken down by operation and status.",
			},
			[]string{"operation", "status"},
		),
		BytesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "objectstore",
				Name:      "bytes_total",
				Help:      "Total payload bytes transferred by direction (read/write).",
			},
			[]string{"direction"},
		),
	}
}

// RecordOperation implements objectstore.MetricsRecorder.
func (m *ObjectStoreMetrics) RecordOperation(op string, durationSeconds float64, success bool, bytes int64) {
	status := statusLabel(success)
	m.LatencyHistogram.WithLabelValues(op, status).Observe(durationSeconds)
	m.RequestsTotal.WithLabelValues(op, status).Inc()
	if bytes <= 0 {
		return
	}
	switch op {
	case objectstore.OpPut:
		m.BytesTotal.WithLabelValues(DirectionWrite).Add(float64(bytes))
	case objectstore.OpGet:
		m.BytesTotal.WithLabelValues(DirectionRead).Add(float64(bytes))
	}
}

var _ objectstore.MetricsRecorder = (*ObjectStoreMetrics)(nil)
