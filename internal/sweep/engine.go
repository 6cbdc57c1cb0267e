package sweep

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dray-io/sweepd/internal/logging"
)

// Outcome is the result of one RunOnce call.
type Outcome int

const (
	// OutcomeNoTable means no table was eligible for sweeping.
	OutcomeNoTable Outcome = iota
	// OutcomeIncomplete means a batch ran and the table has more rows.
	OutcomeIncomplete
	// OutcomeComplete means a batch ran and finished the table.
	OutcomeComplete
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNoTable:
		return "no_table"
	case OutcomeIncomplete:
		return "incomplete"
	case OutcomeComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// Options contains the collaborators of a BackgroundSweeper.
type Options struct {
	Progress   ProgressStore
	Priority   PriorityStore
	Selector   TableSelector
	Runner     Runner
	Metrics    MetricsSink
	Compacter  Compacter
	Timestamps TimestampSupplier

	// Now defaults to time.Now.
	Now func() time.Time

	// NewRunID defaults to uuid.NewString.
	NewRunID func() string

	Logger *logging.Logger
}

// BackgroundSweeper runs sweep batches one at a time.
type BackgroundSweeper struct {
	opts   Options
	logger *logging.Logger
}

// NewBackgroundSweeper validates opts and creates a sweeper.
func NewBackgroundSweeper(opts Options) (*BackgroundSweeper, error) {
	switch {
	case opts.Progress == nil:
		return nil, errors.New("sweep: progress store is required")
	case opts.Priority == nil:
		return nil, errors.New("sweep: priority store is required")
	case opts.Selector == nil:
		return nil, errors.New("sweep: table selector is required")
	case opts.Runner == nil:
		return nil, errors.New("sweep: runner is required")
	case opts.Metrics == nil:
		return nil, errors.New("sweep: metrics sink is required")
	case opts.Compacter == nil:
		return nil, errors.New("sweep: compacter is required")
	case opts.Timestamps == nil:
		return nil, errors.New("sweep: timestamp supplier is required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewRunID == nil {
		opts.NewRunID = uuid.NewString
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	return &BackgroundSweeper{
		opts:   opts,
		logger: logger.With(map[string]any{"component": "sweeper"}),
	}, nil
}

// RunOnce sweeps one batch of the table chosen by the selector, resuming
// its run when one is in flight. On error nothing after the failing step
// has been persisted, so the next call resumes from the last saved
// checkpoint. A batch whose context is cancelled before its results are
// persisted is discarded and the cancellation cause is returned.
func (s *BackgroundSweeper) RunOnce(ctx context.Context) (Outcome, error) {
	progress, fresh, err := s.loadOrStart(ctx)
	if err != nil {
		return OutcomeNoTable, err
	}
	if progress == nil {
		s.logger.Debug("no table to sweep")
		return OutcomeNoTable, nil
	}
	table := progress.Table

	log := s.logger.WithRunID(progress.RunID).WithBatchID(uuid.NewString())
	ctx = logging.PropagateIDs(ctx, log)

	sweepTs, err := s.opts.Timestamps.SweepTimestamp(ctx)
	if err != nil {
		return OutcomeNoTable, fmt.Errorf("sweep: get sweep timestamp: %w", err)
	}

	batch, err := s.opts.Runner.Run(ctx, table, progress.Cursor(), sweepTs)
	if err != nil {
		return OutcomeNoTable, fmt.Errorf("sweep: run batch on %s: %w", table, err)
	}

	merged := progress.Merge(batch)
	if fresh && batch.TimeSweepStarted != 0 {
		merged.StartTimeInMillis = batch.TimeSweepStarted
	}
	nowMillis := s.opts.Now().UnixMilli()

	s.opts.Metrics.UpdateMetricsOneIteration(batch)

	if cause := context.Cause(ctx); cause != nil {
		return OutcomeNoTable, fmt.Errorf("sweep: discard batch on %s: %w", table, cause)
	}

	if !batch.IsComplete() {
		if err := s.opts.Progress.Save(ctx, merged); err != nil {
			return OutcomeNoTable, fmt.Errorf("sweep: save progress of %s: %w", table, err)
		}
		update := UpdatePriority{
			NewStaleValuesDeleted:    Int64(batch.StaleValuesDeleted),
			NewCellTsPairsExamined:   Int64(batch.CellTsPairsExamined),
			NewMinimumSweptTimestamp: Int64(batch.SweptTimestamp),
			NewLastSweepTimeMillis:   Int64(nowMillis),
			NewWriteCount:            Int64(0),
		}
		if err := s.opts.Priority.Update(ctx, table, update); err != nil {
			return OutcomeNoTable, fmt.Errorf("sweep: update priority of %s: %w", table, err)
		}
		log.Infof("swept batch", map[string]any{
			"table":    table.String(),
			"deleted":  batch.StaleValuesDeleted,
			"examined": batch.CellTsPairsExamined,
			"nextRow":  fmt.Sprintf("%x", batch.NextStartRow),
		})
		return OutcomeIncomplete, nil
	}

	// The completing update goes first and is keyed by run ID. If the
	// progress cannot be cleared afterwards, the run's last batch is
	// repeated and its second completing update is ignored.
	cumulative := merged.Cumulative()
	update := UpdatePriority{
		NewStaleValuesDeleted:    Int64(cumulative.StaleValuesDeleted),
		NewCellTsPairsExamined:   Int64(cumulative.CellTsPairsExamined),
		NewMinimumSweptTimestamp: Int64(cumulative.SweptTimestamp),
		NewLastSweepTimeMillis:   Int64(nowMillis),
		NewWriteCount:            Int64(0),
		CompletesRun:             true,
		RunID:                    merged.RunID,
	}
	if err := s.opts.Priority.Update(ctx, table, update); err != nil {
		return OutcomeNoTable, fmt.Errorf("sweep: update priority of %s: %w", table, err)
	}
	if err := s.opts.Progress.Clear(ctx, table); err != nil {
		return OutcomeNoTable, fmt.Errorf("sweep: clear progress of %s: %w", table, err)
	}

	if batch.TableDropped {
		if f, ok := s.opts.Metrics.(TableForgetter); ok {
			f.ForgetTable(table)
		}
		log.Infof("table dropped during sweep run", map[string]any{"table": table.String()})
		return OutcomeComplete, nil
	}

	s.opts.Metrics.UpdateMetricsFullTable(cumulative, table)

	if cumulative.StaleValuesDeleted > 0 {
		if err := s.opts.Compacter.CompactInternally(ctx, table); err != nil {
			return OutcomeNoTable, fmt.Errorf("sweep: compact %s: %w", table, err)
		}
	}

	log.Infof("finished sweeping table", map[string]any{
		"table":          table.String(),
		"deleted":        cumulative.StaleValuesDeleted,
		"examined":       cumulative.CellTsPairsExamined,
		"sweptTimestamp": cumulative.SweptTimestamp,
		"runMillis":      cumulative.TimeInMillis,
	})
	return OutcomeComplete, nil
}

// loadOrStart asks the selector for a table and returns the run to
// continue on it. fresh is true for a run that starts with this batch; a
// nil progress means there is nothing to sweep.
func (s *BackgroundSweeper) loadOrStart(ctx context.Context) (*Progress, bool, error) {
	table, ok, err := s.opts.Selector.NextTable(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("sweep: choose table: %w", err)
	}
	if !ok {
		return nil, false, nil
	}

	progress, err := s.opts.Progress.Load(ctx, table)
	if err != nil {
		return nil, false, fmt.Errorf("sweep: load progress: %w", err)
	}
	if progress != nil {
		if progress.RunID == "" {
			progress.RunID = s.opts.NewRunID()
		}
		return progress, false, nil
	}

	p := NewProgress(table, s.opts.NewRunID(), s.opts.Now().UnixMilli())
	s.logger.Infof("starting sweep run", map[string]any{"table": table.String(), "runId": p.RunID})
	return &p, true, nil
}
