// Package selector chooses the next table to sweep.
//
// A table with a run in flight always wins so runs are finished before
// new ones start. Otherwise every candidate is scored from its priority
// record and the highest score wins.
package selector

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/dray-io/sweepd/internal/kvs"
	"github.com/dray-io/sweepd/internal/logging"
	"github.com/dray-io/sweepd/internal/sweep"
)

// Config configures table selection.
type Config struct {
	// DisabledTables are qualified table names that are never swept.
	DisabledTables []string

	// ShardCount splits tables across sweeper instances by hash of the
	// qualified name. 0 or 1 disables sharding.
	ShardCount int

	// ShardIndex is the shard owned by this instance, in [0, ShardCount).
	ShardIndex int

	// StarvationWeight is the score added for a table with writes that
	// has not been swept for StarvationWindow or has never been swept.
	// Default: 1000
	StarvationWeight float64

	// StarvationWindow is how long after a sweep the starvation term
	// reaches its maximum. Default: 24h
	StarvationWindow time.Duration
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		StarvationWeight: 1000,
		StarvationWindow: 24 * time.Hour,
	}
}

// Tables lists tables and their sweep settings.
type Tables interface {
	ListTables(ctx context.Context) ([]kvs.TableRef, error)
	Metadata(ctx context.Context, table kvs.TableRef) (kvs.TableMetadata, error)
}

// Priorities returns the stored priority of every table.
type Priorities interface {
	ListByTable(ctx context.Context) (map[kvs.TableRef]sweep.Priority, error)
}

// InProgress lists runs in flight.
type InProgress interface {
	List(ctx context.Context) ([]sweep.Progress, error)
}

// Candidate is a table considered for sweeping.
type Candidate struct {
	Table      kvs.TableRef
	Priority   sweep.Priority
	InProgress bool
	Score      float64
}

// Selector implements sweep.TableSelector.
type Selector struct {
	cfg        Config
	tables     Tables
	priorities Priorities
	progress   InProgress
	disabled   map[string]bool
	now        func() time.Time
	logger     *logging.Logger
}

// New creates a selector. Zero config fields take their defaults.
func New(cfg Config, tables Tables, priorities Priorities, progress InProgress, logger *logging.Logger) (*Selector, error) {
	def := DefaultConfig()
	if cfg.StarvationWeight <= 0 {
		cfg.StarvationWeight = def.StarvationWeight
	}
	if cfg.StarvationWindow <= 0 {
		cfg.StarvationWindow = def.StarvationWindow
	}
	if cfg.ShardCount > 1 && (cfg.ShardIndex < 0 || cfg.ShardIndex >= cfg.ShardCount) {
		return nil, fmt.Errorf("selector: shard index %d out of range [0, %d)", cfg.ShardIndex, cfg.ShardCount)
	}
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	disabled := make(map[string]bool, len(cfg.DisabledTables))
	for _, name := range cfg.DisabledTables {
		disabled[kvs.ParseTableRef(name).String()] = true
	}
	return &Selector{
		cfg:        cfg,
		tables:     tables,
		priorities: priorities,
		progress:   progress,
		disabled:   disabled,
		now:        time.Now,
		logger:     logger.With(map[string]any{"component": "selector"}),
	}, nil
}

// SetNow overrides the clock.
func (s *Selector) SetNow(now func() time.Time) {
	s.now = now
}

// Owns reports whether table belongs to this instance's shard.
func (s *Selector) Owns(table kvs.TableRef) bool {
	if s.cfg.ShardCount <= 1 {
		return true
	}
	return xxhash.Sum64String(table.String())%uint64(s.cfg.ShardCount) == uint64(s.cfg.ShardIndex)
}

// NextTable returns the table to sweep next, or false if none is
// eligible.
func (s *Selector) NextTable(ctx context.Context) (kvs.TableRef, bool, error) {
	candidates, err := s.Candidates(ctx)
	if err != nil {
		return kvs.TableRef{}, false, err
	}
	if len(candidates) == 0 {
		return kvs.TableRef{}, false, nil
	}
	best := candidates[0]
	if !best.InProgress && best.Score <= 0 {
		return kvs.TableRef{}, false, nil
	}
	s.logger.Debugf("selected table", map[string]any{
		"table":      best.Table.String(),
		"score":      best.Score,
		"inProgress": best.InProgress,
	})
	return best.Table, true, nil
}

// Candidates returns every sweepable table, best first: runs in flight,
// then descending score, then table name.
func (s *Selector) Candidates(ctx context.Context) ([]Candidate, error) {
	tables, err := s.tables.ListTables(ctx)
	if err != nil {
		return nil, fmt.Errorf("selector: list tables: %w", err)
	}
	priorities, err := s.priorities.ListByTable(ctx)
	if err != nil {
		return nil, fmt.Errorf("selector: list priorities: %w", err)
	}
	runs, err := s.progress.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("selector: list progress: %w", err)
	}
	inProgress := make(map[kvs.TableRef]bool, len(runs))
	for _, p := range runs {
		inProgress[p.Table] = true
	}

	nowMillis := s.now().UnixMilli()
	candidates := make([]Candidate, 0, len(tables))
	for _, table := range tables {
		ok, err := s.eligible(ctx, table)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		p := priorities[table]
		p.Table = table
		candidates = append(candidates, Candidate{
			Table:      table,
			Priority:   p,
			InProgress: inProgress[table],
			Score:      s.Score(p, nowMillis),
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.InProgress != b.InProgress {
			return a.InProgress
		}
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		return a.Table.Less(b.Table)
	})
	return candidates, nil
}

func (s *Selector) eligible(ctx context.Context, table kvs.TableRef) (bool, error) {
	if table.IsSystem() || s.disabled[table.String()] || !s.Owns(table) {
		return false, nil
	}
	md, err := s.tables.Metadata(ctx, table)
	if err != nil {
		return false, fmt.Errorf("selector: metadata of %s: %w", table, err)
	}
	return md.SweepStrategy.Normalize() != kvs.SweepNothing, nil
}

// Score rates how much a table needs sweeping. Writes since the last
// sweep are weighted by how stale past sweeps found the table, and a
// starvation term grows with time since the last sweep. A table never
// swept gets the full starvation term even without recorded writes, since
// it may hold versions written before counting started. A swept table
// without writes scores 0.
func (s *Selector) Score(p sweep.Priority, nowMillis int64) float64 {
	writes := max(p.WriteCount, 0)
	score := float64(writes) * (1 + p.StaleRatio())

	if p.NeverSwept() {
		return score + s.cfg.StarvationWeight
	}
	if writes == 0 {
		return 0
	}
	elapsed := time.Duration(nowMillis-p.LastSweepTimeMillis) * time.Millisecond
	if elapsed <= 0 {
		return score
	}
	frac := float64(elapsed) / float64(s.cfg.StarvationWindow)
	return score + s.cfg.StarvationWeight*min(frac, 1)
}

var _ sweep.TableSelector = (*Selector)(nil)
