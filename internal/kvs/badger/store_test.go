package badger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dray-io/sweepd/internal/kvs"
	"github.com/dray-io/sweepd/internal/kvs/kvstest"
)

func TestConformanceInMemory(t *testing.T) {
	kvstest.RunConformanceSuite(t, func(t *testing.T) kvs.KeyValueService {
		s, err := Open(Config{InMemory: true})
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestConformanceOnDisk(t *testing.T) {
	kvstest.RunConformanceSuite(t, func(t *testing.T) kvs.KeyValueService {
		s, err := Open(Config{Dir: t.TempDir()})
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestOpenRequiresDir(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)
}

func TestTablesWithSharedPrefixStayApart(t *testing.T) {
	s, err := Open(Config{InMemory: true})
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	short := kvs.TableRef{Namespace: "ns", Name: "t"}
	long := kvs.TableRef{Namespace: "ns", Name: "t2"}
	require.NoError(t, s.CreateTable(ctx, short, kvs.TableMetadata{}))
	require.NoError(t, s.CreateTable(ctx, long, kvs.TableMetadata{}))

	values := map[kvs.CellKey][]byte{{Row: "r", Column: "c"}: []byte("v")}
	require.NoError(t, s.Put(ctx, long, values, 1))

	res, err := s.ScanVersions(ctx, short, nil, 100, 0)
	require.NoError(t, err)
	assert.Empty(t, res.Cells)

	require.NoError(t, s.DropTable(ctx, short))
	res, err = s.ScanVersions(ctx, long, nil, 100, 0)
	require.NoError(t, err)
	assert.Len(t, res.Cells, 1)
}
