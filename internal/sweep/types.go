// Package sweep implements the background sweep engine: it picks a table,
// runs one bounded batch of stale-version deletion against it, and
// records resumable progress and long-lived per-table statistics.
//
// BackgroundSweeper.RunOnce performs exactly one batch. Loop drives it on
// a timer with retry and backoff. Persistence, table choice, deletion and
// metrics are collaborators behind the interfaces in this file so the
// engine is testable with fakes.
package sweep

import (
	"context"
	"errors"
	"math"

	"github.com/dray-io/sweepd/internal/kvs"
)

// UnusedColumn is the placeholder column stored with a resume row. Cursors
// resume at row granularity; the column is kept for record compatibility.
const UnusedColumn = "unused"

// NoSweptTimestamp is the minimum swept timestamp of a run with no
// batches yet.
const NoSweptTimestamp int64 = math.MaxInt64

// ErrNoProgress is returned when progress is requested for a table that
// has no run in flight.
var ErrNoProgress = errors.New("sweep: no progress recorded for table")

// Cursor is the position a batch resumes from.
type Cursor struct {
	Row    []byte
	Column []byte
}

// Results describes the outcome of one batch.
type Results struct {
	StaleValuesDeleted  int64 `json:"staleValuesDeleted"`
	CellTsPairsExamined int64 `json:"cellTsPairsExamined"`
	SweptTimestamp      int64 `json:"sweptTimestamp"`

	// PreviousStartRow is the row the batch started at, nil for the first.
	PreviousStartRow []byte `json:"previousStartRow"`

	// NextStartRow is where the next batch resumes. nil means the table
	// has been swept to the end.
	NextStartRow []byte `json:"nextStartRow"`

	TimeInMillis     int64 `json:"timeInMillis"`
	TimeSweepStarted int64 `json:"timeSweepStarted"`

	// TableDropped is set when the table no longer exists. The batch is
	// complete.
	TableDropped bool `json:"tableDropped,omitempty"`
}

// IsComplete reports whether the batch reached the end of the table.
func (r Results) IsComplete() bool {
	return r.NextStartRow == nil
}

// Progress is the checkpoint of a run that has not reached the end of its
// table. At most one exists per table.
type Progress struct {
	Table kvs.TableRef `json:"table"`

	// RunID tags every log line of the run, across restarts.
	RunID string `json:"runId,omitempty"`

	StaleValuesDeleted    int64 `json:"staleValuesDeleted"`
	CellTsPairsExamined   int64 `json:"cellTsPairsExamined"`
	MinimumSweptTimestamp int64 `json:"minimumSweptTimestamp"`

	StartRow    []byte `json:"startRow"`
	StartColumn []byte `json:"startColumn"`

	TimeInMillis      int64 `json:"timeInMillis"`
	StartTimeInMillis int64 `json:"startTimeInMillis"`
}

// NewProgress returns the empty progress of a run starting now.
func NewProgress(table kvs.TableRef, runID string, nowMillis int64) Progress {
	return Progress{
		Table:                 table,
		RunID:                 runID,
		MinimumSweptTimestamp: NoSweptTimestamp,
		StartTimeInMillis:     nowMillis,
	}
}

// Cursor returns the resume position, or nil when the run starts at the
// first row.
func (p Progress) Cursor() *Cursor {
	if p.StartRow == nil {
		return nil
	}
	return &Cursor{Row: p.StartRow, Column: p.StartColumn}
}

// Merge folds one batch into the run. Counters and time add up, the
// cursor moves to the batch's next row and the swept timestamp keeps the
// minimum over the run. The run start time is left unchanged.
func (p Progress) Merge(batch Results) Progress {
	merged := p
	merged.StaleValuesDeleted += batch.StaleValuesDeleted
	merged.CellTsPairsExamined += batch.CellTsPairsExamined
	merged.TimeInMillis += batch.TimeInMillis
	merged.MinimumSweptTimestamp = min(p.MinimumSweptTimestamp, batch.SweptTimestamp)
	merged.StartRow = batch.NextStartRow
	if batch.NextStartRow != nil {
		merged.StartColumn = []byte(UnusedColumn)
	} else {
		merged.StartColumn = nil
	}
	return merged
}

// Cumulative summarizes the whole run as a single Results value.
func (p Progress) Cumulative() Results {
	return Results{
		StaleValuesDeleted:  p.StaleValuesDeleted,
		CellTsPairsExamined: p.CellTsPairsExamined,
		SweptTimestamp:      p.MinimumSweptTimestamp,
		NextStartRow:        p.StartRow,
		TimeInMillis:        p.TimeInMillis,
		TimeSweepStarted:    p.StartTimeInMillis,
	}
}

// Priority is the long-lived sweep statistics record of a table.
type Priority struct {
	Table kvs.TableRef `json:"table"`

	StaleValuesDeleted    int64 `json:"staleValuesDeleted"`
	CellTsPairsExamined   int64 `json:"cellTsPairsExamined"`
	MinimumSweptTimestamp int64 `json:"minimumSweptTimestamp"`
	LastSweepTimeMillis   int64 `json:"lastSweepTimeMillis"`
	WriteCount            int64 `json:"writeCount"`

	// The part of the totals contributed by batches of the run in flight.
	// A completing update replaces it with the run's cumulative counters.
	RunStaleValuesDeleted  int64 `json:"runStaleValuesDeleted"`
	RunCellTsPairsExamined int64 `json:"runCellTsPairsExamined"`

	// CompletedRunID is the last run whose completing update was applied.
	CompletedRunID string `json:"completedRunId,omitempty"`
}

// StaleRatio is the share of examined versions that turned out stale.
func (p Priority) StaleRatio() float64 {
	if p.CellTsPairsExamined <= 0 {
		return 0
	}
	return float64(p.StaleValuesDeleted) / float64(p.CellTsPairsExamined)
}

// NeverSwept reports whether no sweep of the table has been recorded.
func (p Priority) NeverSwept() bool {
	return p.LastSweepTimeMillis == 0
}

// UpdatePriority is a partial update of a Priority record. Nil fields are
// left unchanged.
type UpdatePriority struct {
	NewStaleValuesDeleted    *int64
	NewCellTsPairsExamined   *int64
	NewMinimumSweptTimestamp *int64
	NewLastSweepTimeMillis   *int64
	NewWriteCount            *int64

	// CompletesRun marks the update issued when a run reaches the end of
	// its table. Its counters are the run's cumulative totals.
	CompletesRun bool

	// RunID identifies the completing run. A completing update whose run
	// was already completed is ignored.
	RunID string
}

// Int64 returns a pointer to v, for building UpdatePriority values.
func Int64(v int64) *int64 {
	return &v
}

// Apply returns p with the update applied.
func (p Priority) Apply(u UpdatePriority) Priority {
	if u.CompletesRun && u.RunID != "" && u.RunID == p.CompletedRunID {
		return p
	}
	out := p
	deleted := deref(u.NewStaleValuesDeleted)
	examined := deref(u.NewCellTsPairsExamined)
	if u.CompletesRun {
		out.StaleValuesDeleted = p.StaleValuesDeleted - p.RunStaleValuesDeleted + deleted
		out.CellTsPairsExamined = p.CellTsPairsExamined - p.RunCellTsPairsExamined + examined
		out.RunStaleValuesDeleted = 0
		out.RunCellTsPairsExamined = 0
		out.CompletedRunID = u.RunID
	} else {
		out.StaleValuesDeleted += deleted
		out.CellTsPairsExamined += examined
		out.RunStaleValuesDeleted += deleted
		out.RunCellTsPairsExamined += examined
	}
	if u.NewMinimumSweptTimestamp != nil {
		out.MinimumSweptTimestamp = *u.NewMinimumSweptTimestamp
	}
	if u.NewLastSweepTimeMillis != nil {
		out.LastSweepTimeMillis = *u.NewLastSweepTimeMillis
	}
	if u.NewWriteCount != nil {
		out.WriteCount = *u.NewWriteCount
	}
	return out
}

// AbandonRun removes the in-flight run's contribution from the totals.
func (p Priority) AbandonRun() Priority {
	out := p
	out.StaleValuesDeleted -= p.RunStaleValuesDeleted
	out.CellTsPairsExamined -= p.RunCellTsPairsExamined
	out.RunStaleValuesDeleted = 0
	out.RunCellTsPairsExamined = 0
	return out
}

func deref(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}

// Write is one cell write reported to the sweep queue.
type Write struct {
	Row         []byte `json:"row"`
	Column      []byte `json:"column"`
	IsTombstone bool   `json:"isTombstone"`
	Timestamp   int64  `json:"timestamp"`
}

// Cell returns the written cell.
func (w Write) Cell() kvs.Cell {
	return kvs.Cell{Row: w.Row, Column: w.Column}
}

// Runner deletes stale versions in one bounded batch of a table.
type Runner interface {
	// Run sweeps from cursor (nil for the first row) using sweepTs as the
	// upper bound of versions that may be considered.
	Run(ctx context.Context, table kvs.TableRef, cursor *Cursor, sweepTs int64) (Results, error)
}

// MetricsSink receives per-batch and per-run results.
type MetricsSink interface {
	UpdateMetricsOneIteration(batch Results)
	UpdateMetricsFullTable(cumulative Results, table kvs.TableRef)
}

// TableForgetter is implemented by metrics sinks that keep per-table
// state. It is called when a swept table turns out to be dropped.
type TableForgetter interface {
	ForgetTable(table kvs.TableRef)
}

// Compacter reclaims space after deletions.
type Compacter interface {
	CompactInternally(ctx context.Context, table kvs.TableRef) error
}

// TimestampSupplier returns the sweep timestamp: no version at or above it
// may be removed.
type TimestampSupplier interface {
	SweepTimestamp(ctx context.Context) (int64, error)
}

// TimestampSupplierFunc adapts a function to TimestampSupplier.
type TimestampSupplierFunc func(ctx context.Context) (int64, error)

// SweepTimestamp calls f.
func (f TimestampSupplierFunc) SweepTimestamp(ctx context.Context) (int64, error) {
	return f(ctx)
}

// ProgressStore persists run checkpoints.
type ProgressStore interface {
	// Load returns the run in flight on table, or nil if none.
	Load(ctx context.Context, table kvs.TableRef) (*Progress, error)
	Save(ctx context.Context, p Progress) error
	Clear(ctx context.Context, table kvs.TableRef) error
}

// PriorityStore persists per-table statistics.
type PriorityStore interface {
	Update(ctx context.Context, table kvs.TableRef, u UpdatePriority) error
}

// TableSelector chooses the next table to sweep. A table with a run in
// flight must be returned ahead of any other eligible table.
type TableSelector interface {
	NextTable(ctx context.Context) (kvs.TableRef, bool, error)
}
