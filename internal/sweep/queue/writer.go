// Package queue carries the cells written to tables towards the sweeper.
//
// The write path calls a Writer after every committed write. Writers
// either record the writes for targeted sweeping (Memory, Kafka) or fold
// them into per-table write counts that drive table selection
// (StatsWriter).
package queue

import (
	"bytes"
	"context"
	"errors"
	"sort"

	"github.com/dray-io/sweepd/internal/kvs"
	"github.com/dray-io/sweepd/internal/sweep"
)

// ErrQueueFull is returned by bounded writers that cannot accept more.
var ErrQueueFull = errors.New("queue: full")

// Writer accepts the writes committed to a table.
type Writer interface {
	Enqueue(ctx context.Context, table kvs.TableRef, writes []sweep.Write) error
}

// Entry is one queued write.
type Entry struct {
	Table kvs.TableRef `json:"table"`
	Write sweep.Write  `json:"write"`
}

// WritesFromValues converts a committed write set into queue writes,
// ordered by cell. An empty value is a tombstone.
func WritesFromValues(values map[kvs.CellKey][]byte, ts int64) []sweep.Write {
	writes := make([]sweep.Write, 0, len(values))
	for key, value := range values {
		cell := key.Cell()
		writes = append(writes, sweep.Write{
			Row:         cell.Row,
			Column:      cell.Column,
			IsTombstone: len(value) == 0,
			Timestamp:   ts,
		})
	}
	sort.Slice(writes, func(i, j int) bool {
		if c := bytes.Compare(writes[i].Row, writes[j].Row); c != 0 {
			return c < 0
		}
		return bytes.Compare(writes[i].Column, writes[j].Column) < 0
	})
	return writes
}

// EnqueueValues enqueues the cells of one write at timestamp ts.
func EnqueueValues(ctx context.Context, w Writer, table kvs.TableRef, values map[kvs.CellKey][]byte, ts int64) error {
	if len(values) == 0 {
		return nil
	}
	return w.Enqueue(ctx, table, WritesFromValues(values, ts))
}

// EnqueueByTable enqueues a multi-table write, one table at a time in
// table order.
func EnqueueByTable(ctx context.Context, w Writer, values map[kvs.TableRef]map[kvs.CellKey][]byte, ts int64) error {
	tables := make([]kvs.TableRef, 0, len(values))
	for table := range values {
		tables = append(tables, table)
	}
	sort.Slice(tables, func(i, j int) bool { return tables[i].Less(tables[j]) })
	for _, table := range tables {
		if err := EnqueueValues(ctx, w, table, values[table], ts); err != nil {
			return err
		}
	}
	return nil
}

// NoOp discards every write.
type NoOp struct{}

// Enqueue does nothing.
func (NoOp) Enqueue(context.Context, kvs.TableRef, []sweep.Write) error {
	return nil
}

// Multi fans each write out to every writer in order. The first error
// stops the fan-out.
type Multi []Writer

// Enqueue forwards to every writer.
func (m Multi) Enqueue(ctx context.Context, table kvs.TableRef, writes []sweep.Write) error {
	for _, w := range m {
		if err := w.Enqueue(ctx, table, writes); err != nil {
			return err
		}
	}
	return nil
}

// Overflow enqueues to Primary and, when Primary is full, to Secondary
// instead, so a bounded queue never turns a committed write into an
// error.
type Overflow struct {
	Primary   Writer
	Secondary Writer
}

// Enqueue forwards to Primary, falling back to Secondary on ErrQueueFull.
func (o Overflow) Enqueue(ctx context.Context, table kvs.TableRef, writes []sweep.Write) error {
	err := o.Primary.Enqueue(ctx, table, writes)
	if errors.Is(err, ErrQueueFull) && o.Secondary != nil {
		return o.Secondary.Enqueue(ctx, table, writes)
	}
	return err
}

var (
	_ Writer = NoOp{}
	_ Writer = Multi(nil)
	_ Writer = Overflow{}
)
