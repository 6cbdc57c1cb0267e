package metrics

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/dray-io/sweepd/internal/metadata"
)

func TestMetadataMetrics_RecordOperation(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetadataMetricsWithRegistry(reg, "oxia")

	m.RecordGet(0.001, true)
	m.RecordGet(0.002, false)
	m.RecordPut(0.001, true)
	m.RecordList(0.001, true)
	m.RecordPutEphemeral(0.001, true)
	m.RecordConflict(OpPut)

	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues(OpGet, StatusSuccess)); got != 1 {
		t.Errorf("get success = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues(OpGet, StatusFailure)); got != 1 {
		t.Errorf("get failure = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ConflictsTotal.WithLabelValues(OpPut)); got != 1 {
		t.Errorf("put conflicts = %v, want 1", got)
	}

	requests := findMetricFamily(gather(t, reg), "sweepd_metadata_operations_total")
	if got := getCounterValue(requests, map[string]string{"backend": "oxia", "operation": OpPutEphemeral, "status": StatusSuccess}); got != 1 {
		t.Errorf("put_ephemeral with backend label = %v, want 1", got)
	}
}

func TestMetadataMetrics_WithInstrumentedStore(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetadataMetricsWithRegistry(reg, "mock")
	store := metadata.NewInstrumentedStore(metadata.NewMockStore(), m)
	ctx := context.Background()

	v, err := store.Put(ctx, "/k", []byte("a"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := store.Put(ctx, "/k", []byte("b"), metadata.WithExpectedVersion(v+10)); err == nil {
		t.Fatal("stale CAS should fail")
	}

	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues(OpPut, StatusSuccess)); got != 2 {
		t.Errorf("put success = %v, want 2 (a conflict is not a failure)", got)
	}
	if got := testutil.ToFloat64(m.ConflictsTotal.WithLabelValues("put")); got != 1 {
		t.Errorf("conflicts = %v, want 1", got)
	}
}
