package runner

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dray-io/sweepd/internal/kvs"
	"github.com/dray-io/sweepd/internal/kvs/memory"
	"github.com/dray-io/sweepd/internal/sweep"
)

var table = kvs.TableRef{Namespace: "ns", Name: "t"}

func put(t *testing.T, kv kvs.KeyValueService, row, col, value string, ts int64) {
	t.Helper()
	key := kvs.CellKey{Row: row, Column: col}
	require.NoError(t, kv.Put(context.Background(), table, map[kvs.CellKey][]byte{key: []byte(value)}, ts))
}

func newStore(t *testing.T, strategy kvs.SweepStrategy) *memory.Store {
	t.Helper()
	kv := memory.New()
	require.NoError(t, kv.CreateTable(context.Background(), table, kvs.TableMetadata{SweepStrategy: strategy}))
	return kv
}

func versionsOf(t *testing.T, kv kvs.KeyValueService, row string) []kvs.VersionInfo {
	t.Helper()
	page, err := kv.ScanVersions(context.Background(), table, []byte(row), 1<<62, 1)
	require.NoError(t, err)
	if len(page.Cells) == 0 || string(page.Cells[0].Cell.Row) != row {
		return nil
	}
	return page.Cells[0].Versions
}

func TestStaleTimestamps(t *testing.T) {
	tests := []struct {
		name     string
		versions []kvs.VersionInfo
		strategy kvs.SweepStrategy
		want     []int64
	}{
		{"empty", nil, kvs.SweepConservative, nil},
		{"single", []kvs.VersionInfo{{Timestamp: 5}}, kvs.SweepConservative, []int64{}},
		{"keeps newest", []kvs.VersionInfo{{Timestamp: 1}, {Timestamp: 2}, {Timestamp: 3}}, kvs.SweepConservative, []int64{1, 2}},
		{"conservative keeps tombstone", []kvs.VersionInfo{{Timestamp: 1}, {Timestamp: 2, Tombstone: true}}, kvs.SweepConservative, []int64{1}},
		{"thorough drops tombstone", []kvs.VersionInfo{{Timestamp: 1}, {Timestamp: 2, Tombstone: true}}, kvs.SweepThorough, []int64{1, 2}},
		{"thorough keeps live value", []kvs.VersionInfo{{Timestamp: 1, Tombstone: true}, {Timestamp: 2}}, kvs.SweepThorough, []int64{1}},
		{"default is conservative", []kvs.VersionInfo{{Timestamp: 1}, {Timestamp: 2, Tombstone: true}}, "", []int64{1}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, StaleTimestamps(tc.versions, tc.strategy))
		})
	}
}

func TestRunDeletesStaleVersionsBelowSweepTimestamp(t *testing.T) {
	kv := newStore(t, kvs.SweepConservative)
	put(t, kv, "a", "c", "v1", 10)
	put(t, kv, "a", "c", "v2", 20)
	put(t, kv, "a", "c", "v3", 30)
	put(t, kv, "a", "c", "v4", 40) // at or above the sweep timestamp

	r := New(kv, DefaultConfig(), nil)
	res, err := r.Run(context.Background(), table, nil, 35)
	require.NoError(t, err)

	assert.Equal(t, int64(2), res.StaleValuesDeleted)
	assert.Equal(t, int64(3), res.CellTsPairsExamined)
	assert.Equal(t, int64(35), res.SweptTimestamp)
	assert.Nil(t, res.NextStartRow)
	assert.Nil(t, res.PreviousStartRow)
	assert.True(t, res.IsComplete())

	got := versionsOf(t, kv, "a")
	require.Len(t, got, 2)
	assert.Equal(t, int64(30), got[0].Timestamp)
	assert.Equal(t, int64(40), got[1].Timestamp)

	v, ok, err := kv.Get(context.Background(), table, kvs.Cell{Row: []byte("a"), Column: []byte("c")}, 35)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v3", string(v.Value), "readers at the sweep timestamp see the same value")
}

func TestRunThoroughRemovesTombstones(t *testing.T) {
	kv := newStore(t, kvs.SweepThorough)
	put(t, kv, "a", "c", "v1", 10)
	put(t, kv, "a", "c", "", 20)

	res, err := New(kv, DefaultConfig(), nil).Run(context.Background(), table, nil, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.StaleValuesDeleted)
	assert.Empty(t, versionsOf(t, kv, "a"))
}

func TestRunPagesThroughRows(t *testing.T) {
	kv := newStore(t, "")
	for i := 0; i < 5; i++ {
		row := fmt.Sprintf("r%d", i)
		put(t, kv, row, "c", "old", 1)
		put(t, kv, row, "c", "new", 2)
	}

	r := New(kv, Config{RowsPerBatch: 2, DeleteBatchSize: 1}, nil)
	var cursor *sweep.Cursor
	var total int64
	batches := 0
	for {
		res, err := r.Run(context.Background(), table, cursor, 100)
		require.NoError(t, err)
		total += res.StaleValuesDeleted
		batches++
		if res.IsComplete() {
			break
		}
		cursor = &sweep.Cursor{Row: res.NextStartRow, Column: []byte(sweep.UnusedColumn)}
		require.Less(t, batches, 10)
	}
	assert.Equal(t, 3, batches)
	assert.Equal(t, int64(5), total)
}

func TestRunReportsPreviousStartRow(t *testing.T) {
	kv := newStore(t, "")
	put(t, kv, "b", "c", "x", 1)

	res, err := New(kv, DefaultConfig(), nil).Run(context.Background(), table, &sweep.Cursor{Row: []byte("b")}, 10)
	require.NoError(t, err)
	assert.Equal(t, []byte("b"), res.PreviousStartRow)
	assert.Equal(t, int64(1), res.CellTsPairsExamined)
	assert.Zero(t, res.StaleValuesDeleted)
}

func TestRunDroppedTableCompletes(t *testing.T) {
	res, err := New(memory.New(), DefaultConfig(), nil).Run(context.Background(), table, nil, 10)
	require.NoError(t, err)
	assert.True(t, res.IsComplete())
	assert.True(t, res.TableDropped)
	assert.Zero(t, res.CellTsPairsExamined)
}

type failingDeletes struct {
	*memory.Store
}

func (f failingDeletes) DeleteVersions(context.Context, kvs.TableRef, map[kvs.CellKey][]int64) error {
	return errors.New("disk full")
}

func TestRunDeleteFailure(t *testing.T) {
	kv := newStore(t, "")
	put(t, kv, "a", "c", "1", 1)
	put(t, kv, "a", "c", "2", 2)

	_, err := New(failingDeletes{kv}, DefaultConfig(), nil).Run(context.Background(), table, nil, 10)
	assert.ErrorContains(t, err, "disk full")
}
