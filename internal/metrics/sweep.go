package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/dray-io/sweepd/internal/kvs"
	"github.com/dray-io/sweepd/internal/sweep"
)

// DefaultBatchLatencyBuckets cover batches from a few milliseconds up to
// the minutes a large row batch can take on a cold store.
var DefaultBatchLatencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300,
}

// SweepMetrics records sweep results. It implements sweep.MetricsSink and
// sweep.LoopObserver.
type SweepMetrics struct {
	// BatchesTotal counts batches that ran, complete or not.
	BatchesTotal prometheus.Counter

	// StaleValuesDeletedTotal and CellTsPairsExaminedTotal accumulate the
	// per-batch counters across all tables.
	StaleValuesDeletedTotal  prometheus.Counter
	CellTsPairsExaminedTotal prometheus.Counter

	// BatchLatency is the wall time of one batch as reported by the runner.
	BatchLatency prometheus.Histogram

	// SweptTimestamp is the sweep timestamp used by the last batch.
	SweptTimestamp prometheus.Gauge

	// TablesCompletedTotal counts runs that reached the end of a table.
	TablesCompletedTotal prometheus.Counter

	// Per-table results of the last completed run.
	// Labels: table
	TableStaleValuesDeleted    *prometheus.GaugeVec
	TableCellTsPairsExamined   *prometheus.GaugeVec
	TableMinimumSweptTimestamp *prometheus.GaugeVec
	TableRunDurationSeconds    *prometheus.GaugeVec
	TableLastRunStartSeconds   *prometheus.GaugeVec

	// IterationsTotal counts loop iterations.
	// Labels: outcome (no_table, incomplete, complete), status (success, failure)
	IterationsTotal *prometheus.CounterVec

	// LeaseHeld is 1 while this instance holds the sweep lease.
	LeaseHeld prometheus.Gauge
}

// NewSweepMetrics creates sweep metrics registered with the default registry.
func NewSweepMetrics() *SweepMetrics {
	return NewSweepMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewSweepMetricsWithRegistry creates sweep metrics registered with reg.
func NewSweepMetricsWithRegistry(reg prometheus.Registerer) *SweepMetrics {
	f := promauto.With(reg)
	tableGauge := func(name, help string) *prometheus.GaugeVec {
		return f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "table",
			Name:      name,
			Help:      help,
		}, []string{"table"})
	}

	return &SweepMetrics{
		BatchesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "sweep",
			Name:      "batches_total",
			Help:      "Total number of sweep batches run.",
		}),
		StaleValuesDeletedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "sweep",
			Name:      "stale_values_deleted_total",
			Help:      "Total number of stale versions deleted.",
		}),
		CellTsPairsExaminedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "sweep",
			Name:      "cell_ts_pairs_examined_total",
			Help:      "Total number of cell versions examined.",
		}),
		BatchLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "sweep",
			Name:      "batch_latency_seconds",
			Help:      "Wall time of one sweep batch in seconds.",
			Buckets:   DefaultBatchLatencyBuckets,
		}),
		SweptTimestamp: f.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "sweep",
			Name:      "swept_timestamp",
			Help:      "Sweep timestamp used by the most recent batch.",
		}),
		TablesCompletedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "sweep",
			Name:      "tables_completed_total",
			Help:      "Total number of sweep runs that reached the end of a table.",
		}),
		TableStaleValuesDeleted:    tableGauge("stale_values_deleted", "Stale versions deleted by the last completed run of the table."),
		TableCellTsPairsExamined:   tableGauge("cell_ts_pairs_examined", "Cell versions examined by the last completed run of the table."),
		TableMinimumSweptTimestamp: tableGauge("minimum_swept_timestamp", "Lowest sweep timestamp used by the last completed run of the table."),
		TableRunDurationSeconds:    tableGauge("run_duration_seconds", "Summed batch time of the last completed run of the table."),
		TableLastRunStartSeconds:   tableGauge("last_run_start_timestamp_seconds", "Unix time at which the last completed run of the table started."),
		IterationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "loop",
			Name:      "iterations_total",
			Help:      "Total number of sweep loop iterations, by outcome and status.",
		}, []string{"outcome", "status"}),
		LeaseHeld: f.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "loop",
			Name:      "lease_held",
			Help:      "1 when this instance holds the sweep lease, 0 otherwise.",
		}),
	}
}

// UpdateMetricsOneIteration records one batch.
func (m *SweepMetrics) UpdateMetricsOneIteration(batch sweep.Results) {
	m.BatchesTotal.Inc()
	if batch.StaleValuesDeleted > 0 {
		m.StaleValuesDeletedTotal.Add(float64(batch.StaleValuesDeleted))
	}
	if batch.CellTsPairsExamined > 0 {
		m.CellTsPairsExaminedTotal.Add(float64(batch.CellTsPairsExamined))
	}
	m.BatchLatency.Observe(float64(batch.TimeInMillis) / 1000)
	m.SweptTimestamp.Set(float64(batch.SweptTimestamp))
}

// UpdateMetricsFullTable records the cumulative results of a completed run.
func (m *SweepMetrics) UpdateMetricsFullTable(cumulative sweep.Results, table kvs.TableRef) {
	name := table.String()
	m.TablesCompletedTotal.Inc()
	m.TableStaleValuesDeleted.WithLabelValues(name).Set(float64(cumulative.StaleValuesDeleted))
	m.TableCellTsPairsExamined.WithLabelValues(name).Set(float64(cumulative.CellTsPairsExamined))
	if cumulative.SweptTimestamp != sweep.NoSweptTimestamp {
		m.TableMinimumSweptTimestamp.WithLabelValues(name).Set(float64(cumulative.SweptTimestamp))
	}
	m.TableRunDurationSeconds.WithLabelValues(name).Set(float64(cumulative.TimeInMillis) / 1000)
	m.TableLastRunStartSeconds.WithLabelValues(name).Set(float64(cumulative.TimeSweepStarted) / 1000)
}

// ForgetTable drops the per-table series of a dropped table.
func (m *SweepMetrics) ForgetTable(table kvs.TableRef) {
	name := table.String()
	for _, g := range []*prometheus.GaugeVec{
		m.TableStaleValuesDeleted,
		m.TableCellTsPairsExamined,
		m.TableMinimumSweptTimestamp,
		m.TableRunDurationSeconds,
		m.TableLastRunStartSeconds,
	} {
		g.DeleteLabelValues(name)
	}
}

// ObserveIteration records one loop iteration.
func (m *SweepMetrics) ObserveIteration(outcome sweep.Outcome, err error) {
	m.IterationsTotal.WithLabelValues(outcome.String(), statusLabel(err == nil)).Inc()
}

// ObserveLease records whether the lease is held.
func (m *SweepMetrics) ObserveLease(held bool) {
	if held {
		m.LeaseHeld.Set(1)
	} else {
		m.LeaseHeld.Set(0)
	}
}

var (
	_ sweep.MetricsSink    = (*SweepMetrics)(nil)
	_ sweep.TableForgetter = (*SweepMetrics)(nil)
	_ sweep.LoopObserver   = (*SweepMetrics)(nil)
)
