package queue

import (
	"context"

	"github.com/dray-io/sweepd/internal/kvs"
)

// RecordingKVS is a kvs.KeyValueService that enqueues every successful
// Put.
type RecordingKVS struct {
	kvs.KeyValueService
	writer Writer
}

// NewRecordingKVS wraps kv so its writes reach w.
func NewRecordingKVS(kv kvs.KeyValueService, w Writer) *RecordingKVS {
	return &RecordingKVS{KeyValueService: kv, writer: w}
}

// Put writes to the underlying store, then enqueues the cells.
func (r *RecordingKVS) Put(ctx context.Context, table kvs.TableRef, values map[kvs.CellKey][]byte, ts int64) error {
	if err := r.KeyValueService.Put(ctx, table, values, ts); err != nil {
		return err
	}
	return EnqueueValues(ctx, r.writer, table, values, ts)
}

var _ kvs.KeyValueService = (*RecordingKVS)(nil)
