package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dray-io/sweepd/internal/metadata"
)

// MetadataMetrics holds metrics of metadata store operations (progress,
// priority and lease records).
type MetadataMetrics struct {
	// LatencyHistogram tracks operation latencies.
	// Labels: operation (get, put, delete, list, put_ephemeral), status (success, failure)
	LatencyHistogram *prometheus.HistogramVec

	// RequestsTotal counts operations by operation and status.
	RequestsTotal *prometheus.CounterVec

	// ConflictsTotal counts conditional writes rejected with a version
	// mismatch. Priority updates retry on these.
	ConflictsTotal *prometheus.CounterVec
}

// Metadata operation label values.
const (
	OpGet          = "get"
	OpPut          = "put"
	OpDelete       = "delete"
	OpList         = "list"
	OpPutEphemeral = "put_ephemeral"
)

// DefaultMetadataLatencyBuckets suit metadata operations, which are
// typically sub-millisecond to tens of milliseconds.
var DefaultMetadataLatencyBuckets = []float64{
	0.0001, // 0.1ms
	0.0005, // 0.5ms
	0.001,  // 1ms
	0.002,  // 2ms
	0.005,  // 5ms
	0.01,   // 10ms
	0.025,  // 25ms
	0.05,   // 50ms
	0.1,    // 100ms
	0.25,   // 250ms
	0.5,    // 500ms
	1.0,    // 1s
	2.5,    // 2.5s
	5.0,    // 5s
}

// NewMetadataMetrics creates metadata metrics registered with the default
// registry. backend labels every series, e.g. "oxia" or "badger".
func NewMetadataMetrics(backend string) *MetadataMetrics {
	return NewMetadataMetricsWithRegistry(prometheus.DefaultRegisterer, backend)
}

// NewMetadataMetricsWithRegistry creates metadata metrics registered with reg.
func NewMetadataMetricsWithRegistry(reg prometheus.Registerer, backend string) *MetadataMetrics {
	constLabels := prometheus.Labels{"backend": backend}

	latencyHist := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   Namespace,
			Subsystem:   "metadata",
			Name:        "operation_latency_seconds",
			Help:        "Metadata store operation latency in seconds, broken down by operation and status.",
			Buckets:     DefaultMetadataLatencyBuckets,
			ConstLabels: constLabels,
		},
		[]string{"operation", "status"},
	)

	requestsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   Namespace,
			Subsystem:   "metadata",
			Name:        "operations_total",
			Help:        "Total number of metadata store operations, broken down by operation and status.",
			ConstLabels: constLabels,
		},
		[]string{"operation", "status"},
	)

	conflictsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   Namespace,
			Subsystem:   "metadata",
			Name:        "conflicts_total",
			Help:        "Total number of conditional metadata writes rejected by a version mismatch.",
			ConstLabels: constLabels,
		},
		[]string{"operation"},
	)

	reg.MustRegister(latencyHist)
	reg.MustRegister(requestsTotal)
	reg.MustRegister(conflictsTotal)

	return &MetadataMetrics{
		LatencyHistogram: latencyHist,
		RequestsTotal:    requestsTotal,
		ConflictsTotal:   conflictsTotal,
	}
}

// RecordOperation records an operation latency and increments the request counter.
func (m *MetadataMetrics) RecordOperation(operation string, durationSeconds float64, success bool) {
	status := statusLabel(success)
	m.LatencyHistogram.WithLabelValues(operation, status).Observe(durationSeconds)
	m.RequestsTotal.WithLabelValues(operation, status).Inc()
}

func (m *MetadataMetrics) RecordGet(durationSeconds float64, success bool) {
	m.RecordOperation(OpGet, durationSeconds, success)
}

func (m *MetadataMetrics) RecordPut(durationSeconds float64, success bool) {
	m.RecordOperation(OpPut, durationSeconds, success)
}

func (m *MetadataMetrics) RecordDelete(durationSeconds float64, success bool) {
	m.RecordOperation(OpDelete, durationSeconds, success)
}

func (m *MetadataMetrics) RecordList(durationSeconds float64, success bool) {
	m.RecordOperation(OpList, durationSeconds, success)
}

func (m *MetadataMetrics) RecordPutEphemeral(durationSeconds float64, success bool) {
	m.RecordOperation(OpPutEphemeral, durationSeconds, success)
}

// RecordConflict counts a version mismatch for operation.
func (m *MetadataMetrics) RecordConflict(operation string) {
	m.ConflictsTotal.WithLabelValues(operation).Inc()
}

var _ metadata.MetricsRecorder = (*MetadataMetrics)(nil)
