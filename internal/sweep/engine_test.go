package sweep

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dray-io/sweepd/internal/kvs"
)

var testTable = kvs.TableRef{Namespace: "default", Name: "users"}

const nowMillis = 1_700_000_000_000

type fakeProgress struct {
	current  *Progress
	saved    []Progress
	cleared  []kvs.TableRef
	loadErr  error
	saveErr  error
	clearErr error
}

func (f *fakeProgress) Load(_ context.Context, table kvs.TableRef) (*Progress, error) {
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	if f.current == nil || f.current.Table != table {
		return nil, nil
	}
	p := *f.current
	return &p, nil
}

func (f *fakeProgress) Save(_ context.Context, p Progress) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saved = append(f.saved, p)
	f.current = &p
	return nil
}

func (f *fakeProgress) Clear(_ context.Context, table kvs.TableRef) error {
	if f.clearErr != nil {
		return f.clearErr
	}
	f.cleared = append(f.cleared, table)
	f.current = nil
	return nil
}

type priorityCall struct {
	table  kvs.TableRef
	update UpdatePriority
}

type fakePriority struct {
	calls []priorityCall
	err   error
}

func (f *fakePriority) Update(_ context.Context, table kvs.TableRef, u UpdatePriority) error {
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, priorityCall{table, u})
	return nil
}

type fakeSelector struct {
	table kvs.TableRef
	ok    bool
	calls int
	err   error
}

func (f *fakeSelector) NextTable(context.Context) (kvs.TableRef, bool, error) {
	f.calls++
	return f.table, f.ok, f.err
}

type runCall struct {
	table   kvs.TableRef
	cursor  *Cursor
	sweepTs int64
}

type fakeRunner struct {
	results Results
	err     error
	calls   []runCall
}

func (f *fakeRunner) Run(_ context.Context, table kvs.TableRef, cursor *Cursor, sweepTs int64) (Results, error) {
	f.calls = append(f.calls, runCall{table, cursor, sweepTs})
	return f.results, f.err
}

type fakeMetrics struct {
	iterations []Results
	fullTables []Results
	tables     []kvs.TableRef
	forgotten  []kvs.TableRef
}

func (f *fakeMetrics) ForgetTable(table kvs.TableRef) {
	f.forgotten = append(f.forgotten, table)
}

func (f *fakeMetrics) UpdateMetricsOneIteration(r Results) {
	f.iterations = append(f.iterations, r)
}

func (f *fakeMetrics) UpdateMetricsFullTable(r Results, table kvs.TableRef) {
	f.fullTables = append(f.fullTables, r)
	f.tables = append(f.tables, table)
}

type fakeCompacter struct {
	tables []kvs.TableRef
	err    error
}

func (f *fakeCompacter) CompactInternally(_ context.Context, table kvs.TableRef) error {
	f.tables = append(f.tables, table)
	return f.err
}

type harness struct {
	progress  *fakeProgress
	priority  *fakePriority
	selector  *fakeSelector
	runner    *fakeRunner
	metrics   *fakeMetrics
	compacter *fakeCompacter
	sweeper   *BackgroundSweeper
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		progress:  &fakeProgress{},
		priority:  &fakePriority{},
		selector:  &fakeSelector{table: testTable, ok: true},
		runner:    &fakeRunner{},
		metrics:   &fakeMetrics{},
		compacter: &fakeCompacter{},
	}
	sweeper, err := NewBackgroundSweeper(Options{
		Progress:  h.progress,
		Priority:  h.priority,
		Selector:  h.selector,
		Runner:    h.runner,
		Metrics:   h.metrics,
		Compacter: h.compacter,
		Timestamps: TimestampSupplierFunc(func(context.Context) (int64, error) {
			return 55555, nil
		}),
		Now:      func() time.Time { return time.UnixMilli(nowMillis) },
		NewRunID: func() string { return "run-1" },
	})
	require.NoError(t, err)
	h.sweeper = sweeper
	return h
}

func existingProgress() *Progress {
	return &Progress{
		Table:                 testTable,
		RunID:                 "run-0",
		StaleValuesDeleted:    3,
		CellTsPairsExamined:   11,
		MinimumSweptTimestamp: 4567,
		StartRow:              []byte{1, 2, 3},
		StartColumn:           []byte(UnusedColumn),
		TimeInMillis:          10,
		StartTimeInMillis:     20,
	}
}

func TestRunOnceNoTable(t *testing.T) {
	h := newHarness(t)
	h.selector.ok = false

	outcome, err := h.sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoTable, outcome)
	assert.Empty(t, h.runner.calls)
	assert.Empty(t, h.metrics.iterations)
	assert.Empty(t, h.priority.calls)
}

func TestRunOnceFreshRunCompletes(t *testing.T) {
	h := newHarness(t)
	h.runner.results = Results{
		StaleValuesDeleted:  2,
		CellTsPairsExamined: 10,
		SweptTimestamp:      12345,
		TimeInMillis:        10,
		TimeSweepStarted:    20,
	}

	outcome, err := h.sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeComplete, outcome)

	require.Len(t, h.runner.calls, 1)
	assert.Nil(t, h.runner.calls[0].cursor, "a fresh run starts at the first row")
	assert.Equal(t, int64(55555), h.runner.calls[0].sweepTs)

	require.Len(t, h.priority.calls, 1)
	u := h.priority.calls[0].update
	assert.Equal(t, int64(2), *u.NewStaleValuesDeleted)
	assert.Equal(t, int64(10), *u.NewCellTsPairsExamined)
	assert.Equal(t, int64(12345), *u.NewMinimumSweptTimestamp)
	assert.Equal(t, int64(nowMillis), *u.NewLastSweepTimeMillis)
	assert.Equal(t, int64(0), *u.NewWriteCount)
	assert.True(t, u.CompletesRun)
	assert.Equal(t, "run-1", u.RunID)

	assert.Equal(t, []kvs.TableRef{testTable}, h.compacter.tables)
	assert.Equal(t, []kvs.TableRef{testTable}, h.progress.cleared)
	assert.Empty(t, h.progress.saved)

	require.Len(t, h.metrics.fullTables, 1)
	assert.Equal(t, Results{
		StaleValuesDeleted:  2,
		CellTsPairsExamined: 10,
		SweptTimestamp:      12345,
		TimeInMillis:        10,
		TimeSweepStarted:    20,
	}, h.metrics.fullTables[0])
}

func TestRunOnceResumedRunCompletes(t *testing.T) {
	h := newHarness(t)
	h.progress.current = existingProgress()
	h.runner.results = Results{
		StaleValuesDeleted:  2,
		CellTsPairsExamined: 10,
		SweptTimestamp:      9999,
		TimeInMillis:        20,
		TimeSweepStarted:    50,
	}

	outcome, err := h.sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeComplete, outcome)
	assert.Equal(t, 1, h.selector.calls, "the selector chooses tables with a run in flight too")

	require.Len(t, h.runner.calls, 1)
	require.NotNil(t, h.runner.calls[0].cursor)
	assert.Equal(t, []byte{1, 2, 3}, h.runner.calls[0].cursor.Row)

	u := h.priority.calls[0].update
	assert.Equal(t, int64(5), *u.NewStaleValuesDeleted)
	assert.Equal(t, int64(21), *u.NewCellTsPairsExamined)
	assert.Equal(t, int64(4567), *u.NewMinimumSweptTimestamp)
	assert.Equal(t, "run-0", u.RunID)

	require.Len(t, h.metrics.fullTables, 1)
	assert.Equal(t, Results{
		StaleValuesDeleted:  5,
		CellTsPairsExamined: 21,
		SweptTimestamp:      4567,
		TimeInMillis:        30,
		TimeSweepStarted:    20,
	}, h.metrics.fullTables[0])
}

func TestRunOnceFreshRunIncomplete(t *testing.T) {
	h := newHarness(t)
	h.runner.results = Results{
		StaleValuesDeleted:  2,
		CellTsPairsExamined: 10,
		SweptTimestamp:      12345,
		NextStartRow:        []byte{1, 2, 3},
		TimeInMillis:        10,
		TimeSweepStarted:    20,
	}

	outcome, err := h.sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeIncomplete, outcome)

	require.Len(t, h.progress.saved, 1)
	assert.Equal(t, Progress{
		Table:                 testTable,
		RunID:                 "run-1",
		StaleValuesDeleted:    2,
		CellTsPairsExamined:   10,
		MinimumSweptTimestamp: 12345,
		StartRow:              []byte{1, 2, 3},
		StartColumn:           []byte(UnusedColumn),
		TimeInMillis:          10,
		StartTimeInMillis:     20,
	}, h.progress.saved[0])

	require.Len(t, h.priority.calls, 1)
	u := h.priority.calls[0].update
	assert.False(t, u.CompletesRun)
	assert.Equal(t, int64(2), *u.NewStaleValuesDeleted)
	assert.Equal(t, int64(12345), *u.NewMinimumSweptTimestamp)
	assert.Equal(t, int64(0), *u.NewWriteCount)

	assert.Empty(t, h.metrics.fullTables)
	assert.Empty(t, h.compacter.tables)
	assert.Empty(t, h.progress.cleared)
}

func TestRunOnceResumedRunIncomplete(t *testing.T) {
	h := newHarness(t)
	h.progress.current = existingProgress()
	h.runner.results = Results{
		StaleValuesDeleted:  2,
		CellTsPairsExamined: 10,
		SweptTimestamp:      12345,
		NextStartRow:        []byte{4, 5, 6},
		TimeInMillis:        20,
		TimeSweepStarted:    50,
	}

	_, err := h.sweeper.RunOnce(context.Background())
	require.NoError(t, err)

	require.Len(t, h.progress.saved, 1)
	assert.Equal(t, Progress{
		Table:                 testTable,
		RunID:                 "run-0",
		StaleValuesDeleted:    5,
		CellTsPairsExamined:   21,
		MinimumSweptTimestamp: 4567,
		StartRow:              []byte{4, 5, 6},
		StartColumn:           []byte(UnusedColumn),
		TimeInMillis:          30,
		StartTimeInMillis:     20,
	}, h.progress.saved[0])

	u := h.priority.calls[0].update
	assert.Equal(t, int64(2), *u.NewStaleValuesDeleted, "incomplete updates carry batch deltas")
	assert.Equal(t, int64(10), *u.NewCellTsPairsExamined)
	assert.Equal(t, int64(12345), *u.NewMinimumSweptTimestamp)
}

func TestRunOnceNoDeletionsSkipsCompaction(t *testing.T) {
	h := newHarness(t)
	h.runner.results = Results{CellTsPairsExamined: 10, SweptTimestamp: 12345}

	outcome, err := h.sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeComplete, outcome)
	assert.Empty(t, h.compacter.tables)
}

func TestRunOnceAlwaysReportsIteration(t *testing.T) {
	for _, next := range [][]byte{nil, {9}} {
		h := newHarness(t)
		h.runner.results = Results{StaleValuesDeleted: 1, NextStartRow: next}
		_, err := h.sweeper.RunOnce(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []Results{h.runner.results}, h.metrics.iterations)
	}
}

func TestRunOnceFreshStartTimeDefaultsToNow(t *testing.T) {
	h := newHarness(t)
	h.runner.results = Results{NextStartRow: []byte{1}}

	_, err := h.sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(nowMillis), h.progress.saved[0].StartTimeInMillis)
}

func TestRunOnceRunnerFailureCommitsNothing(t *testing.T) {
	h := newHarness(t)
	h.progress.current = existingProgress()
	h.runner.err = errors.New("kvs unavailable")

	_, err := h.sweeper.RunOnce(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, h.runner.err)
	assert.Empty(t, h.progress.saved)
	assert.Empty(t, h.progress.cleared)
	assert.Empty(t, h.priority.calls)
	assert.Empty(t, h.metrics.iterations)
}

func TestRunOnceSaveFailureSkipsPriority(t *testing.T) {
	h := newHarness(t)
	h.progress.saveErr = errors.New("metadata down")
	h.runner.results = Results{NextStartRow: []byte{1}}

	_, err := h.sweeper.RunOnce(context.Background())
	assert.ErrorIs(t, err, h.progress.saveErr)
	assert.Empty(t, h.priority.calls)
}

func TestRunOnceClearFailureSkipsCompaction(t *testing.T) {
	h := newHarness(t)
	h.progress.clearErr = errors.New("metadata down")
	h.runner.results = Results{StaleValuesDeleted: 4}

	_, err := h.sweeper.RunOnce(context.Background())
	assert.ErrorIs(t, err, h.progress.clearErr)
	require.Len(t, h.priority.calls, 1, "the completing update is committed before progress is cleared")
	assert.True(t, h.priority.calls[0].update.CompletesRun)
	assert.Empty(t, h.compacter.tables)
	assert.Empty(t, h.metrics.fullTables)
}

func TestRunOnceCompletionPriorityFailureKeepsProgress(t *testing.T) {
	h := newHarness(t)
	h.progress.current = existingProgress()
	h.priority.err = errors.New("metadata down")
	h.runner.results = Results{StaleValuesDeleted: 4}

	_, err := h.sweeper.RunOnce(context.Background())
	assert.ErrorIs(t, err, h.priority.err)
	assert.Empty(t, h.progress.cleared)
	require.NotNil(t, h.progress.current, "the run is resumed from its last checkpoint")
	assert.Equal(t, []byte{1, 2, 3}, h.progress.current.StartRow)
	assert.Empty(t, h.compacter.tables)
}

func TestRunOnceDroppedTableForgetsMetrics(t *testing.T) {
	h := newHarness(t)
	h.progress.current = existingProgress()
	h.runner.results = Results{SweptTimestamp: 9999, TableDropped: true}

	outcome, err := h.sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeComplete, outcome)
	assert.Equal(t, []kvs.TableRef{testTable}, h.progress.cleared)
	assert.Equal(t, []kvs.TableRef{testTable}, h.metrics.forgotten)
	assert.Empty(t, h.metrics.fullTables)
	assert.Empty(t, h.compacter.tables, "a dropped table is not compacted")
	require.Len(t, h.priority.calls, 1)
	assert.True(t, h.priority.calls[0].update.CompletesRun)
}

func TestRunOnceCancelledBatchIsDiscarded(t *testing.T) {
	lost := errors.New("lease lost")
	for _, next := range [][]byte{nil, {9}} {
		h := newHarness(t)
		h.progress.current = existingProgress()
		h.runner.results = Results{StaleValuesDeleted: 1, NextStartRow: next}

		ctx, cancel := context.WithCancelCause(context.Background())
		cancel(lost)
		outcome, err := h.sweeper.RunOnce(ctx)
		assert.ErrorIs(t, err, lost)
		assert.Equal(t, OutcomeNoTable, outcome)
		assert.Empty(t, h.progress.saved)
		assert.Empty(t, h.progress.cleared)
		assert.Empty(t, h.priority.calls)
		assert.Empty(t, h.compacter.tables)
	}
}

func TestRunOnceCompactionFailureIsReturned(t *testing.T) {
	h := newHarness(t)
	h.compacter.err = errors.New("flatten failed")
	h.runner.results = Results{StaleValuesDeleted: 4}

	outcome, err := h.sweeper.RunOnce(context.Background())
	assert.ErrorIs(t, err, h.compacter.err)
	assert.Equal(t, OutcomeNoTable, outcome)
	assert.Len(t, h.priority.calls, 1, "priority is committed before compaction")
}

func TestRunOnceSelectorAndLoadErrors(t *testing.T) {
	h := newHarness(t)
	h.progress.loadErr = errors.New("load failed")
	_, err := h.sweeper.RunOnce(context.Background())
	assert.ErrorIs(t, err, h.progress.loadErr)
	assert.Equal(t, 1, h.selector.calls)
	assert.Empty(t, h.runner.calls)

	h = newHarness(t)
	h.selector.err = errors.New("list failed")
	_, err = h.sweeper.RunOnce(context.Background())
	assert.ErrorIs(t, err, h.selector.err)
	assert.Empty(t, h.runner.calls)
}

func TestRunOnceTimestampError(t *testing.T) {
	h := newHarness(t)
	boom := errors.New("no timestamp")
	h.sweeper.opts.Timestamps = TimestampSupplierFunc(func(context.Context) (int64, error) {
		return 0, boom
	})

	_, err := h.sweeper.RunOnce(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, h.runner.calls)
}

func TestNewBackgroundSweeperRequiresCollaborators(t *testing.T) {
	_, err := NewBackgroundSweeper(Options{})
	assert.Error(t, err)
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "no_table", OutcomeNoTable.String())
	assert.Equal(t, "incomplete", OutcomeIncomplete.String())
	assert.Equal(t, "complete", OutcomeComplete.String())
	assert.Equal(t, "unknown", Outcome(9).String())
}
