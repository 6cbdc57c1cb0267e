package queue

import (
	"context"
	"sync"
	"time"

	"github.com/dray-io/sweepd/internal/kvs"
	"github.com/dray-io/sweepd/internal/logging"
	"github.com/dray-io/sweepd/internal/sweep"
)

// WriteRecorder persists write counts. priority.Store implements it.
type WriteRecorder interface {
	RecordWrites(ctx context.Context, table kvs.TableRef, n int64) error
}

// StatsConfig configures a StatsWriter.
type StatsConfig struct {
	// FlushThreshold flushes once this many writes are pending.
	// Default: 1000
	FlushThreshold int64

	// FlushIntervalMs is the period of background flushes.
	// Default: 10000 (10 seconds)
	FlushIntervalMs int64
}

// DefaultStatsConfig returns a default configuration.
func DefaultStatsConfig() StatsConfig {
	return StatsConfig{
		FlushThreshold:  1000,
		FlushIntervalMs: 10000,
	}
}

// StatsWriter counts writes per table and flushes the counts into the
// priority records, where they make tables eligible for sweeping.
type StatsWriter struct {
	recorder WriteRecorder
	config   StatsConfig
	logger   *logging.Logger

	countsMu sync.Mutex
	counts   map[kvs.TableRef]int64
	pending  int64

	flushMu sync.Mutex

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewStatsWriter creates a stats writer.
func NewStatsWriter(recorder WriteRecorder, config StatsConfig, logger *logging.Logger) *StatsWriter {
	if config.FlushThreshold <= 0 {
		config.FlushThreshold = 1000
	}
	if config.FlushIntervalMs <= 0 {
		config.FlushIntervalMs = 10000
	}
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	return &StatsWriter{
		recorder: recorder,
		config:   config,
		logger:   logger.With(map[string]any{"component": "write-stats"}),
		counts:   make(map[kvs.TableRef]int64),
	}
}

// Enqueue counts writes and flushes when the threshold is reached. A
// failed flush keeps the counts for the next one and is not returned.
func (s *StatsWriter) Enqueue(ctx context.Context, table kvs.TableRef, writes []sweep.Write) error {
	if len(writes) == 0 {
		return nil
	}
	s.countsMu.Lock()
	s.counts[table] += int64(len(writes))
	s.pending += int64(len(writes))
	full := s.pending >= s.config.FlushThreshold
	s.countsMu.Unlock()

	if full {
		if err := s.Flush(ctx); err != nil {
			s.logger.Warnf("failed to flush write counts", map[string]any{"error": err.Error()})
		}
	}
	return nil
}

// Pending returns the number of writes not yet flushed.
func (s *StatsWriter) Pending() int64 {
	s.countsMu.Lock()
	defer s.countsMu.Unlock()
	return s.pending
}

// Flush records every pending count. Counts that fail to flush are kept
// for the next attempt.
func (s *StatsWriter) Flush(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.countsMu.Lock()
	counts := s.counts
	s.counts = make(map[kvs.TableRef]int64)
	s.pending = 0
	s.countsMu.Unlock()

	var firstErr error
	for table, n := range counts {
		if firstErr == nil {
			if err := s.recorder.RecordWrites(ctx, table, n); err != nil {
				firstErr = err
			} else {
				continue
			}
		}
		s.countsMu.Lock()
		s.counts[table] += n
		s.pending += n
		s.countsMu.Unlock()
	}
	return firstErr
}

// Start begins periodic flushing.
func (s *StatsWriter) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	go s.run()
}

// Stop stops periodic flushing and flushes what is left.
func (s *StatsWriter) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return s.Flush(ctx)
	}
	close(s.stopCh)
	s.mu.Unlock()

	<-s.doneCh

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	return s.Flush(ctx)
}

func (s *StatsWriter) run() {
	defer close(s.doneCh)

	ticker := time.NewTicker(time.Duration(s.config.FlushIntervalMs) * time.Millisecond)
	defer ticker.Stop()

	ctx := context.Background()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := s.Flush(ctx); err != nil {
				s.logger.Warnf("failed to flush write counts", map[string]any{"error": err.Error()})
			}
		}
	}
}

var _ Writer = (*StatsWriter)(nil)
