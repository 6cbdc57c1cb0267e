package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	io_prometheus_client "github.com/prometheus/client_model/go"
)

func gather(t *testing.T, reg *prometheus.Registry) []*io_prometheus_client.MetricFamily {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("Failed to gather metrics: %v", err)
	}
	return mfs
}

func findMetricFamily(mfs []*io_prometheus_client.MetricFamily, name string) *io_prometheus_client.MetricFamily {
	for _, mf := range mfs {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

func findMetric(mf *io_prometheus_client.MetricFamily, labels map[string]string) *io_prometheus_client.Metric {
	if mf == nil {
		return nil
	}
	for _, metric := range mf.Metric {
		if matchLabels(metric.Label, labels) {
			return metric
		}
	}
	return nil
}

func getCounterValue(mf *io_prometheus_client.MetricFamily, labels map[string]string) float64 {
	if m := findMetric(mf, labels); m != nil && m.Counter != nil {
		return m.Counter.GetValue()
	}
	return 0
}

func getGaugeValue(mf *io_prometheus_client.MetricFamily, labels map[string]string) float64 {
	if m := findMetric(mf, labels); m != nil && m.Gauge != nil {
		return m.Gauge.GetValue()
	}
	return 0
}

func getHistogramCount(mf *io_prometheus_client.MetricFamily, labels map[string]string) uint64 {
	if m := findMetric(mf, labels); m != nil && m.Histogram != nil {
		return m.Histogram.GetSampleCount()
	}
	return 0
}

// matchLabels reports whether every expected label is present with the
// expected value. Extra labels on the metric are ignored.
func matchLabels(metricLabels []*io_prometheus_client.LabelPair, expected map[string]string) bool {
	found := 0
	for _, lp := range metricLabels {
		want, ok := expected[lp.GetName()]
		if !ok {
			continue
		}
		if want != lp.GetValue() {
			return false
		}
		found++
	}
	return found == len(expected)
}
