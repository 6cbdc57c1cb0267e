package backup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dray-io/sweepd/internal/kvs"
	"github.com/dray-io/sweepd/internal/kvs/memory"
	"github.com/dray-io/sweepd/internal/metadata"
	"github.com/dray-io/sweepd/internal/metadata/keys"
	"github.com/dray-io/sweepd/internal/objectstore"
	"github.com/dray-io/sweepd/internal/sweep"
	"github.com/dray-io/sweepd/internal/sweep/priority"
	"github.com/dray-io/sweepd/internal/sweep/progress"
)

var (
	users  = kvs.TableRef{Namespace: "app", Name: "users"}
	orders = kvs.TableRef{Namespace: "app", Name: "orders"}
)

type harness struct {
	objects    *objectstore.MockStore
	kv         *memory.Store
	progress   *progress.Store
	priorities *priority.Store
	manager    *Manager
	clock      int64
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	ctx := context.Background()
	h := &harness{
		objects: objectstore.NewMockStore(),
		kv:      memory.New(),
		clock:   1_700_000_000_000,
	}
	meta := metadata.NewMockStore()
	h.progress = progress.NewStore(meta)
	h.priorities = priority.NewStore(meta)
	require.NoError(t, h.kv.CreateTable(ctx, users, kvs.TableMetadata{}))
	require.NoError(t, h.kv.CreateTable(ctx, orders, kvs.TableMetadata{}))

	m, err := NewManager(h.objects, h.progress, h.priorities, h.kv, cfg, nil)
	require.NoError(t, err)
	m.SetNow(func() time.Time { return time.UnixMilli(h.clock) })
	h.manager = m
	return h
}

func (h *harness) seed(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.priorities.Put(ctx, sweep.Priority{Table: users, StaleValuesDeleted: 5, CellTsPairsExamined: 50, WriteCount: 7}))
	require.NoError(t, h.priorities.Put(ctx, sweep.Priority{Table: orders, WriteCount: 3}))
	require.NoError(t, h.progress.Save(ctx, sweep.Progress{
		Table:                 users,
		RunID:                 "run-7",
		StaleValuesDeleted:    2,
		CellTsPairsExamined:   20,
		MinimumSweptTimestamp: 900,
		StartRow:              []byte("m"),
		StartColumn:           []byte(sweep.UnusedColumn),
		StartTimeInMillis:     100,
	}))
}

func TestCodecRoundTrip(t *testing.T) {
	data := []byte(`{"version":1,"progress":[],"priorities":[{"table":{"name":"t"}}]}`)
	for _, c := range []Codec{CodecNone, CodecGzip, CodecSnappy, CodecLZ4, CodecZstd} {
		t.Run(string(c), func(t *testing.T) {
			encoded, err := c.encode(data)
			require.NoError(t, err)
			decoded, err := c.decode(encoded)
			require.NoError(t, err)
			assert.Equal(t, data, decoded)

			got, ok := codecForExtension(c.Extension())
			assert.True(t, ok)
			assert.Equal(t, c, got)
			assert.NotEmpty(t, c.ContentType())
		})
	}
}

func TestParseCodec(t *testing.T) {
	c, err := ParseCodec("")
	require.NoError(t, err)
	assert.Equal(t, DefaultCodec, c)

	c, err = ParseCodec("lz4")
	require.NoError(t, err)
	assert.Equal(t, CodecLZ4, c)

	_, err = ParseCodec("brotli")
	assert.Error(t, err)
}

func TestBackupAndRestore(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{Codec: CodecZstd})
	h.seed(t)

	info, err := h.manager.Backup(ctx)
	require.NoError(t, err)
	wantKey, _ := keys.BackupObjectKey(h.clock, "json.zst")
	assert.Equal(t, wantKey, info.Key)
	assert.Equal(t, CodecZstd, info.Codec)

	meta, err := h.objects.Head(ctx, info.Key)
	require.NoError(t, err)
	assert.Equal(t, "application/zstd", meta.ContentType)
	assert.Equal(t, "1", meta.Metadata["progress"])

	// Drift the live state away from the snapshot.
	require.NoError(t, h.progress.Clear(ctx, users))
	require.NoError(t, h.progress.Save(ctx, sweep.Progress{Table: orders, RunID: "run-9", StartRow: []byte("x")}))
	require.NoError(t, h.priorities.RecordWrites(ctx, users, 100))

	result, err := h.manager.Restore(ctx, "", RestoreOptions{})
	require.NoError(t, err)
	assert.Equal(t, info.Key, result.Key)
	assert.Equal(t, 2, result.PriorityRestored)
	assert.Equal(t, 1, result.ProgressRestored)
	assert.Equal(t, 1, result.ProgressCleared)
	assert.Empty(t, result.SkippedTables)

	p, exists, err := h.priorities.Get(ctx, users)
	require.NoError(t, err)
	require.True(t, exists)
	assert.Equal(t, int64(7), p.WriteCount)
	assert.Equal(t, int64(5), p.StaleValuesDeleted)

	got, err := h.progress.Load(ctx, users)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "run-7", got.RunID)
	assert.Equal(t, []byte("m"), got.StartRow)
	assert.Equal(t, int64(900), got.MinimumSweptTimestamp)

	cleared, err := h.progress.Load(ctx, orders)
	require.NoError(t, err)
	assert.Nil(t, cleared)
}

func TestRestoreMissingTable(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{Codec: CodecSnappy})
	h.seed(t)

	info, err := h.manager.Backup(ctx)
	require.NoError(t, err)
	require.NoError(t, h.kv.DropTable(ctx, users))
	require.NoError(t, h.priorities.RecordWrites(ctx, orders, 10))

	_, err = h.manager.Restore(ctx, info.Key, RestoreOptions{})
	require.ErrorIs(t, err, kvs.ErrTableNotFound)

	// Nothing was written.
	p, _, err := h.priorities.Get(ctx, orders)
	require.NoError(t, err)
	assert.Equal(t, int64(13), p.WriteCount)

	result, err := h.manager.Restore(ctx, info.Key, RestoreOptions{SkipMissingTables: true})
	require.NoError(t, err)
	assert.Equal(t, []kvs.TableRef{users}, result.SkippedTables)
	assert.Equal(t, 1, result.PriorityRestored)
	assert.Equal(t, 0, result.ProgressRestored)
	assert.Equal(t, 1, result.ProgressCleared)

	p, _, err = h.priorities.Get(ctx, orders)
	require.NoError(t, err)
	assert.Equal(t, int64(3), p.WriteCount)
}

func TestRestoreInconsistentSnapshot(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{Codec: CodecNone})

	put := func(takenAt int64, body string) string {
		key, err := keys.BackupObjectKey(takenAt, CodecNone.Extension())
		require.NoError(t, err)
		require.NoError(t, objectstore.PutBytes(ctx, h.objects, key, []byte(body), objectstore.PutOptions{}))
		return key
	}

	tests := []struct {
		name string
		body string
	}{
		{"garbage", "not json"},
		{"unknown version", `{"version":99}`},
		{"progress without priority", `{"version":1,"progress":[{"table":{"name":"users","namespace":"app"}}],"priorities":[]}`},
		{"duplicate priority", `{"version":1,"priorities":[{"table":{"name":"a"}},{"table":{"name":"a"}}]}`},
		{"unnamed table", `{"version":1,"priorities":[{"table":{"name":""}}]}`},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := put(int64(i+1), tt.body)
			_, err := h.manager.Restore(ctx, key, RestoreOptions{})
			assert.ErrorIs(t, err, ErrInconsistentState)
		})
	}
}

func TestLatestAndPrune(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{Codec: CodecLZ4, Retain: 2})
	h.seed(t)

	_, err := h.manager.Latest(ctx)
	require.ErrorIs(t, err, ErrNoBackups)

	var written []string
	for i := 0; i < 3; i++ {
		info, err := h.manager.Backup(ctx)
		require.NoError(t, err)
		written = append(written, info.Key)
		h.clock += 1000
	}

	// Foreign objects under the prefix are ignored.
	require.NoError(t, objectstore.PutBytes(ctx, h.objects, keys.BackupsPrefix+"README", []byte("x"), objectstore.PutOptions{}))

	infos, err := h.manager.List(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, written[1], infos[0].Key)
	assert.Equal(t, written[2], infos[1].Key)

	latest, err := h.manager.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, written[2], latest.Key)

	snap, err := h.manager.Load(ctx, latest.Key)
	require.NoError(t, err)
	assert.Equal(t, FormatVersion, snap.Version)
	assert.Equal(t, []kvs.TableRef{orders, users}, snap.Tables())
}

func TestBackupRefusesOverwrite(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	_, err := h.manager.Backup(ctx)
	require.NoError(t, err)

	// Same clock, same key.
	_, err = h.manager.Backup(ctx)
	require.ErrorIs(t, err, objectstore.ErrPreconditionFailed)
}

func TestBackupStoreFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	boom := errors.New("boom")
	h.objects.SetPutError(boom)

	_, err := h.manager.Backup(ctx)
	require.ErrorIs(t, err, boom)
}

func TestNewManagerValidation(t *testing.T) {
	meta := metadata.NewMockStore()
	objects := objectstore.NewMockStore()
	kv := memory.New()

	_, err := NewManager(nil, progress.NewStore(meta), priority.NewStore(meta), kv, Config{}, nil)
	assert.Error(t, err)
	_, err = NewManager(objects, progress.NewStore(meta), priority.NewStore(meta), kv, Config{Codec: "rar"}, nil)
	assert.Error(t, err)
	_, err = NewManager(objects, progress.NewStore(meta), priority.NewStore(meta), kv, Config{Retain: -1}, nil)
	assert.Error(t, err)
}
