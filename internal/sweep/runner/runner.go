// Package runner deletes stale versions from a table one bounded batch at
// a time.
//
// For every cell the newest version below the sweep timestamp is the one
// the oldest possible reader sees; every older version is stale. Tables
// swept thoroughly also lose that newest version when it is a tombstone.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dray-io/sweepd/internal/kvs"
	"github.com/dray-io/sweepd/internal/logging"
	"github.com/dray-io/sweepd/internal/sweep"
)

// Config configures the runner.
type Config struct {
	// RowsPerBatch is the number of rows scanned by one batch.
	// Default: 100
	RowsPerBatch int

	// DeleteBatchSize is the maximum number of versions removed by one
	// DeleteVersions call.
	// Default: 1000
	DeleteBatchSize int
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		RowsPerBatch:    100,
		DeleteBatchSize: 1000,
	}
}

// Runner implements sweep.Runner over a kvs.KeyValueService.
type Runner struct {
	kv     kvs.KeyValueService
	cfg    Config
	now    func() time.Time
	logger *logging.Logger
}

// New creates a runner. Zero config fields take their defaults.
func New(kv kvs.KeyValueService, cfg Config, logger *logging.Logger) *Runner {
	if cfg.RowsPerBatch <= 0 {
		cfg.RowsPerBatch = 100
	}
	if cfg.DeleteBatchSize <= 0 {
		cfg.DeleteBatchSize = 1000
	}
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	return &Runner{kv: kv, cfg: cfg, now: time.Now, logger: logger}
}

// Run sweeps up to RowsPerBatch rows of table from cursor. A table
// dropped since it was selected is reported as fully swept.
func (r *Runner) Run(ctx context.Context, table kvs.TableRef, cursor *sweep.Cursor, sweepTs int64) (sweep.Results, error) {
	started := r.now()
	log := logging.ContextLogger(ctx, r.logger)

	var startRow []byte
	if cursor != nil {
		startRow = cursor.Row
	}
	results := sweep.Results{
		SweptTimestamp:   sweepTs,
		PreviousStartRow: startRow,
		TimeSweepStarted: started.UnixMilli(),
	}

	md, err := r.kv.Metadata(ctx, table)
	if errors.Is(err, kvs.ErrTableNotFound) {
		log.Warnf("table dropped during sweep", map[string]any{"table": table.String()})
		results.TableDropped = true
		results.TimeInMillis = r.now().Sub(started).Milliseconds()
		return results, nil
	}
	if err != nil {
		return sweep.Results{}, fmt.Errorf("runner: metadata of %s: %w", table, err)
	}
	strategy := md.SweepStrategy.Normalize()
	if strategy == kvs.SweepNothing {
		results.TimeInMillis = r.now().Sub(started).Milliseconds()
		return results, nil
	}

	page, err := r.kv.ScanVersions(ctx, table, startRow, sweepTs, r.cfg.RowsPerBatch)
	if err != nil {
		return sweep.Results{}, fmt.Errorf("runner: scan %s: %w", table, err)
	}

	pending := make(map[kvs.CellKey][]int64)
	queued := 0
	flush := func() error {
		if queued == 0 {
			return nil
		}
		if err := r.kv.DeleteVersions(ctx, table, pending); err != nil {
			return fmt.Errorf("runner: delete from %s: %w", table, err)
		}
		results.StaleValuesDeleted += int64(queued)
		pending = make(map[kvs.CellKey][]int64)
		queued = 0
		return nil
	}

	for _, cv := range page.Cells {
		results.CellTsPairsExamined += int64(len(cv.Versions))
		stale := StaleTimestamps(cv.Versions, strategy)
		if len(stale) == 0 {
			continue
		}
		key := cv.Cell.Key()
		pending[key] = append(pending[key], stale...)
		queued += len(stale)
		if queued >= r.cfg.DeleteBatchSize {
			if err := flush(); err != nil {
				return sweep.Results{}, err
			}
		}
	}
	if err := flush(); err != nil {
		return sweep.Results{}, err
	}

	results.NextStartRow = page.NextRow
	results.TimeInMillis = r.now().Sub(started).Milliseconds()
	log.Debugf("swept rows", map[string]any{
		"table":    table.String(),
		"cells":    len(page.Cells),
		"deleted":  results.StaleValuesDeleted,
		"examined": results.CellTsPairsExamined,
	})
	return results, nil
}

// StaleTimestamps returns the versions of one cell that may be deleted.
// versions must be ordered oldest first and all lie below the sweep
// timestamp.
func StaleTimestamps(versions []kvs.VersionInfo, strategy kvs.SweepStrategy) []int64 {
	if len(versions) == 0 {
		return nil
	}
	n := len(versions) - 1
	if strategy.Normalize() == kvs.SweepThorough && versions[n].Tombstone {
		n++
	}
	stale := make([]int64, n)
	for i, v := range versions[:n] {
		stale[i] = v.Timestamp
	}
	return stale
}

var _ sweep.Runner = (*Runner)(nil)
