package progress

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dray-io/sweepd/internal/kvs"
	"github.com/dray-io/sweepd/internal/metadata"
	"github.com/dray-io/sweepd/internal/metadata/keys"
	"github.com/dray-io/sweepd/internal/sweep"
)

func sampleProgress(table kvs.TableRef) sweep.Progress {
	return sweep.Progress{
		Table:                 table,
		RunID:                 "run-1",
		StaleValuesDeleted:    3,
		CellTsPairsExamined:   11,
		MinimumSweptTimestamp: 4567,
		StartRow:              []byte{1, 2, 3},
		StartColumn:           []byte(sweep.UnusedColumn),
		TimeInMillis:          10,
		StartTimeInMillis:     20,
	}
}

func TestSaveLoadClear(t *testing.T) {
	ctx := context.Background()
	s := NewStore(metadata.NewMockStore())
	table := kvs.TableRef{Namespace: "ns", Name: "users"}

	got, err := s.Load(ctx, table)
	require.NoError(t, err)
	assert.Nil(t, got)

	want := sampleProgress(table)
	require.NoError(t, s.Save(ctx, want))

	got, err = s.Load(ctx, table)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want, *got)

	require.NoError(t, s.Clear(ctx, table))
	got, err = s.Load(ctx, table)
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, s.Clear(ctx, table), "clear is idempotent")
}

func TestSaveReplaces(t *testing.T) {
	ctx := context.Background()
	s := NewStore(metadata.NewMockStore())
	table := kvs.TableRef{Name: "t"}

	p := sampleProgress(table)
	require.NoError(t, s.Save(ctx, p))
	p.StaleValuesDeleted = 99
	p.StartRow = []byte{9}
	require.NoError(t, s.Save(ctx, p))

	got, err := s.Load(ctx, table)
	require.NoError(t, err)
	assert.Equal(t, int64(99), got.StaleValuesDeleted)
	assert.Equal(t, []byte{9}, got.StartRow)
}

func TestNilStartRowSurvivesRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewStore(metadata.NewMockStore())
	table := kvs.TableRef{Name: "t"}

	require.NoError(t, s.Save(ctx, sweep.NewProgress(table, "r", 5)))
	got, err := s.Load(ctx, table)
	require.NoError(t, err)
	assert.Nil(t, got.StartRow)
	assert.Nil(t, got.Cursor())
	assert.Equal(t, sweep.NoSweptTimestamp, got.MinimumSweptTimestamp)
}

func TestListInKeyOrder(t *testing.T) {
	ctx := context.Background()
	s := NewStore(metadata.NewMockStore())

	all, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)

	for _, name := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, s.Save(ctx, sampleProgress(kvs.TableRef{Namespace: "ns", Name: name})))
	}

	all, err = s.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "alpha", all[0].Table.Name)
	assert.Equal(t, "mid", all[1].Table.Name)
}

func TestTableNamesAreEscaped(t *testing.T) {
	ctx := context.Background()
	meta := metadata.NewMockStore()
	s := NewStore(meta)
	table := kvs.TableRef{Namespace: "ns", Name: "a/b"}

	require.NoError(t, s.Save(ctx, sampleProgress(table)))
	result, err := meta.Get(ctx, keys.ProgressKeyPath("ns.a/b"))
	require.NoError(t, err)
	assert.True(t, result.Exists)

	name, err := keys.ParseProgressKey(keys.ProgressKeyPath("ns.a/b"))
	require.NoError(t, err)
	assert.Equal(t, "ns.a/b", name)
}

func TestErrors(t *testing.T) {
	ctx := context.Background()
	meta := metadata.NewMockStore()
	s := NewStore(meta)

	assert.ErrorIs(t, s.Save(ctx, sweep.Progress{}), kvs.ErrInvalidTable)
	_, err := s.Load(ctx, kvs.TableRef{})
	assert.ErrorIs(t, err, kvs.ErrInvalidTable)

	boom := errors.New("boom")
	meta.SetPutError(boom)
	assert.ErrorIs(t, s.Save(ctx, sampleProgress(kvs.TableRef{Name: "t"})), boom)

	meta.SetGetError(boom)
	_, err = s.Load(ctx, kvs.TableRef{Name: "t"})
	assert.ErrorIs(t, err, boom)

	meta.SetPutError(nil)
	_, err = meta.Put(ctx, keys.ProgressKeyPath("bad"), []byte("{"))
	require.NoError(t, err)
	_, err = s.List(ctx)
	assert.Error(t, err)
}
