// Package metrics provides Prometheus metrics for sweepd.
//
// It exposes:
//   - per-batch sweep counters and batch latency
//   - per-table results of the last completed sweep run
//   - sweep loop iterations by outcome and lease ownership
//   - metadata store and object store operation latency
//
// Metrics are served by a dedicated HTTP server on /metrics.
//
// Usage:
//
//	sweepMetrics := metrics.NewSweepMetrics()
//	sweeper, err := sweep.NewBackgroundSweeper(sweep.Options{Metrics: sweepMetrics, ...})
//	loop := sweep.NewLoop(sweeper, sweep.LoopConfig{Observer: sweepMetrics, ...})
//
//	metricsServer := metrics.NewServer(":9090")
//	metricsServer.Start()
package metrics

// Namespace prefixes every sweepd metric name.
const Namespace = "sweepd"

// Status label values.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

func statusLabel(success bool) string {
	if success {
		return StatusSuccess
	}
	return StatusFailure
}
