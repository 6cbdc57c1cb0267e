package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dray-io/sweepd/internal/kvs"
	"github.com/dray-io/sweepd/internal/kvs/kvstest"
)

func TestConformance(t *testing.T) {
	kvstest.RunConformanceSuite(t, func(t *testing.T) kvs.KeyValueService {
		return New()
	})
}

func TestCompactionCount(t *testing.T) {
	s := New()
	ctx := context.Background()
	ref := kvs.TableRef{Namespace: "default", Name: "t"}
	require.NoError(t, s.CreateTable(ctx, ref, kvs.TableMetadata{}))

	require.NoError(t, s.CompactInternally(ctx, ref))
	require.NoError(t, s.CompactInternally(ctx, ref))
	assert.Equal(t, 2, s.CompactionCount(ref))

	err := s.CompactInternally(ctx, kvs.TableRef{Name: "missing"})
	assert.ErrorIs(t, err, kvs.ErrTableNotFound)
}

func TestClosed(t *testing.T) {
	s := New()
	require.NoError(t, s.Close())
	_, err := s.ListTables(context.Background())
	assert.ErrorIs(t, err, kvs.ErrClosed)
}

func TestVersionCount(t *testing.T) {
	s := New()
	ctx := context.Background()
	ref := kvs.TableRef{Name: "t"}
	require.NoError(t, s.CreateTable(ctx, ref, kvs.TableMetadata{}))
	values := map[kvs.CellKey][]byte{{Row: "r", Column: "c"}: []byte("v")}
	require.NoError(t, s.Put(ctx, ref, values, 1))
	require.NoError(t, s.Put(ctx, ref, values, 2))
	assert.Equal(t, 2, s.VersionCount(ref))
}
