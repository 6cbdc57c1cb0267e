// Package kvstest provides a conformance suite for kvs.KeyValueService
// implementations.
package kvstest

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dray-io/sweepd/internal/kvs"
)

// Factory creates a fresh, empty service for each test.
type Factory func(t *testing.T) kvs.KeyValueService

var users = kvs.TableRef{Namespace: "default", Name: "users"}

func cell(row, col string) kvs.Cell {
	return kvs.Cell{Row: []byte(row), Column: []byte(col)}
}

func put(t *testing.T, svc kvs.KeyValueService, ts int64, kv ...string) {
	t.Helper()
	values := make(map[kvs.CellKey][]byte)
	for i := 0; i+2 < len(kv); i += 3 {
		values[cell(kv[i], kv[i+1]).Key()] = []byte(kv[i+2])
	}
	require.NoError(t, svc.Put(context.Background(), users, values, ts))
}

// RunConformanceSuite runs every conformance test against factory.
func RunConformanceSuite(t *testing.T, factory Factory) {
	t.Helper()

	t.Run("Tables", func(t *testing.T) { testTables(t, factory(t)) })
	t.Run("MissingTable", func(t *testing.T) { testMissingTable(t, factory(t)) })
	t.Run("GetReadsBelowTimestamp", func(t *testing.T) { testGet(t, factory(t)) })
	t.Run("ScanVersions", func(t *testing.T) { testScan(t, factory(t)) })
	t.Run("ScanPaging", func(t *testing.T) { testScanPaging(t, factory(t)) })
	t.Run("DeleteVersions", func(t *testing.T) { testDelete(t, factory(t)) })
	t.Run("DropTable", func(t *testing.T) { testDrop(t, factory(t)) })
	t.Run("CompactInternally", func(t *testing.T) { testCompact(t, factory(t)) })
}

func testTables(t *testing.T, svc kvs.KeyValueService) {
	ctx := context.Background()
	other := kvs.TableRef{Namespace: "app", Name: "events"}

	require.NoError(t, svc.CreateTable(ctx, users, kvs.TableMetadata{}))
	require.NoError(t, svc.CreateTable(ctx, other, kvs.TableMetadata{SweepStrategy: kvs.SweepThorough}))

	tables, err := svc.ListTables(ctx)
	require.NoError(t, err)
	assert.Equal(t, []kvs.TableRef{other, users}, tables)

	exists, err := svc.TableExists(ctx, users)
	require.NoError(t, err)
	assert.True(t, exists)

	md, err := svc.Metadata(ctx, other)
	require.NoError(t, err)
	assert.Equal(t, kvs.SweepThorough, md.SweepStrategy)

	require.NoError(t, svc.CreateTable(ctx, other, kvs.TableMetadata{SweepStrategy: kvs.SweepNothing}))
	md, err = svc.Metadata(ctx, other)
	require.NoError(t, err)
	assert.Equal(t, kvs.SweepNothing, md.SweepStrategy, "CreateTable should replace metadata")
}

func testMissingTable(t *testing.T, svc kvs.KeyValueService) {
	ctx := context.Background()

	exists, err := svc.TableExists(ctx, users)
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = svc.Metadata(ctx, users)
	assert.True(t, errors.Is(err, kvs.ErrTableNotFound), "Metadata: %v", err)

	err = svc.Put(ctx, users, map[kvs.CellKey][]byte{cell("r", "c").Key(): []byte("v")}, 1)
	assert.True(t, errors.Is(err, kvs.ErrTableNotFound), "Put: %v", err)

	_, err = svc.ScanVersions(ctx, users, nil, 10, 0)
	assert.True(t, errors.Is(err, kvs.ErrTableNotFound), "ScanVersions: %v", err)
}

func testGet(t *testing.T, svc kvs.KeyValueService) {
	ctx := context.Background()
	require.NoError(t, svc.CreateTable(ctx, users, kvs.TableMetadata{}))
	put(t, svc, 10, "r1", "c", "v10")
	put(t, svc, 20, "r1", "c", "v20")
	put(t, svc, 30, "r1", "c", "")
	put(t, svc, 15, "r1", "d", "other")

	tests := []struct {
		readTs int64
		want   string
		ok     bool
		tomb   bool
	}{
		{5, "", false, false},
		{10, "", false, false},
		{11, "v10", true, false},
		{20, "v10", true, false},
		{25, "v20", true, false},
		{31, "", true, true},
	}
	for _, tc := range tests {
		v, ok, err := svc.Get(ctx, users, cell("r1", "c"), tc.readTs)
		require.NoError(t, err)
		assert.Equal(t, tc.ok, ok, "readTs %d", tc.readTs)
		if ok {
			assert.Equal(t, tc.want, string(v.Value), "readTs %d", tc.readTs)
			assert.Equal(t, tc.tomb, v.IsTombstone(), "readTs %d", tc.readTs)
		}
	}
}

func testScan(t *testing.T, svc kvs.KeyValueService) {
	ctx := context.Background()
	require.NoError(t, svc.CreateTable(ctx, users, kvs.TableMetadata{}))
	put(t, svc, 1, "a", "x", "1", "b", "x", "1")
	put(t, svc, 2, "a", "x", "2")
	put(t, svc, 3, "a", "x", "", "a", "y", "3")
	put(t, svc, 9, "a", "x", "9")

	res, err := svc.ScanVersions(ctx, users, nil, 5, 0)
	require.NoError(t, err)
	assert.Nil(t, res.NextRow)
	require.Len(t, res.Cells, 3)

	assert.Equal(t, "a", string(res.Cells[0].Cell.Row))
	assert.Equal(t, "x", string(res.Cells[0].Cell.Column))
	assert.Equal(t, []kvs.VersionInfo{{Timestamp: 1}, {Timestamp: 2}, {Timestamp: 3, Tombstone: true}}, res.Cells[0].Versions)

	assert.Equal(t, "y", string(res.Cells[1].Cell.Column))
	assert.Equal(t, "b", string(res.Cells[2].Cell.Row))
}

func testScanPaging(t *testing.T, svc kvs.KeyValueService) {
	ctx := context.Background()
	require.NoError(t, svc.CreateTable(ctx, users, kvs.TableMetadata{}))
	put(t, svc, 1, "r1", "c", "v", "r2", "c", "v", "r3", "c", "v", "r3", "d", "v")

	page, err := svc.ScanVersions(ctx, users, nil, 100, 2)
	require.NoError(t, err)
	require.Len(t, page.Cells, 2)
	assert.Equal(t, "r3", string(page.NextRow))

	page, err = svc.ScanVersions(ctx, users, page.NextRow, 100, 2)
	require.NoError(t, err)
	require.Len(t, page.Cells, 2, "a row is never split across pages")
	assert.Nil(t, page.NextRow)
}

func testDelete(t *testing.T, svc kvs.KeyValueService) {
	ctx := context.Background()
	require.NoError(t, svc.CreateTable(ctx, users, kvs.TableMetadata{}))
	put(t, svc, 1, "r", "c", "old")
	put(t, svc, 2, "r", "c", "new")

	require.NoError(t, svc.DeleteVersions(ctx, users, map[kvs.CellKey][]int64{cell("r", "c").Key(): {1}}))

	res, err := svc.ScanVersions(ctx, users, nil, 100, 0)
	require.NoError(t, err)
	require.Len(t, res.Cells, 1)
	assert.Equal(t, []kvs.VersionInfo{{Timestamp: 2}}, res.Cells[0].Versions)

	require.NoError(t, svc.DeleteVersions(ctx, users, map[kvs.CellKey][]int64{cell("r", "c").Key(): {1}}),
		"deleting an absent version is not an error")
}

func testDrop(t *testing.T, svc kvs.KeyValueService) {
	ctx := context.Background()
	require.NoError(t, svc.CreateTable(ctx, users, kvs.TableMetadata{}))
	put(t, svc, 1, "r", "c", "v")

	require.NoError(t, svc.DropTable(ctx, users))
	exists, err := svc.TableExists(ctx, users)
	require.NoError(t, err)
	assert.False(t, exists)
	require.NoError(t, svc.DropTable(ctx, users))

	require.NoError(t, svc.CreateTable(ctx, users, kvs.TableMetadata{}))
	res, err := svc.ScanVersions(ctx, users, nil, 100, 0)
	require.NoError(t, err)
	assert.Empty(t, res.Cells, "recreated table must not see dropped data")
}

func testCompact(t *testing.T, svc kvs.KeyValueService) {
	ctx := context.Background()
	require.NoError(t, svc.CreateTable(ctx, users, kvs.TableMetadata{}))
	put(t, svc, 1, "r", "c", "v")
	require.NoError(t, svc.DeleteVersions(ctx, users, map[kvs.CellKey][]int64{cell("r", "c").Key(): {1}}))
	assert.NoError(t, svc.CompactInternally(ctx, users))
}
