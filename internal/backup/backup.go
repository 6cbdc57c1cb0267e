// Package backup snapshots the sweep state (progress checkpoints and
// priority records) to an object store and restores it.
//
// A snapshot is a single JSON document compressed with the configured
// codec and stored at keys.BackupObjectKey. Object keys sort by the time
// the snapshot was taken, so the newest snapshot is the last one listed.
package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/dray-io/sweepd/internal/kvs"
	"github.com/dray-io/sweepd/internal/logging"
	"github.com/dray-io/sweepd/internal/metadata/keys"
	"github.com/dray-io/sweepd/internal/objectstore"
	"github.com/dray-io/sweepd/internal/sweep"
)

// FormatVersion is the snapshot document version written by this package.
const FormatVersion = 1

var (
	// ErrNoBackups is returned by Latest when the store holds no snapshot.
	ErrNoBackups = errors.New("backup: no snapshots found")

	// ErrInconsistentState is returned when a snapshot cannot be restored
	// as a whole: it is unreadable, has an unknown version, names a table
	// twice, or holds a checkpoint for a table without a priority record.
	ErrInconsistentState = errors.New("backup: inconsistent snapshot")
)

// Snapshot is the content of one backup.
type Snapshot struct {
	Version       int              `json:"version"`
	TakenAtMillis int64            `json:"takenAtMillis"`
	Progress      []sweep.Progress `json:"progress"`
	Priorities    []sweep.Priority `json:"priorities"`
}

// Tables returns every table named by the snapshot, sorted.
func (s Snapshot) Tables() []kvs.TableRef {
	seen := make(map[kvs.TableRef]bool)
	var tables []kvs.TableRef
	add := func(t kvs.TableRef) {
		if !seen[t] {
			seen[t] = true
			tables = append(tables, t)
		}
	}
	for _, p := range s.Priorities {
		add(p.Table)
	}
	for _, p := range s.Progress {
		add(p.Table)
	}
	sort.Slice(tables, func(i, j int) bool { return tables[i].Less(tables[j]) })
	return tables
}

// validate checks the snapshot can be restored as a whole.
func (s Snapshot) validate() error {
	if s.Version != FormatVersion {
		return fmt.Errorf("%w: version %d", ErrInconsistentState, s.Version)
	}
	priorities := make(map[kvs.TableRef]bool, len(s.Priorities))
	for _, p := range s.Priorities {
		if err := p.Table.Validate(); err != nil {
			return fmt.Errorf("%w: priority record: %v", ErrInconsistentState, err)
		}
		if priorities[p.Table] {
			return fmt.Errorf("%w: duplicate priority record for %s", ErrInconsistentState, p.Table)
		}
		priorities[p.Table] = true
	}
	progress := make(map[kvs.TableRef]bool, len(s.Progress))
	for _, p := range s.Progress {
		if err := p.Table.Validate(); err != nil {
			return fmt.Errorf("%w: progress record: %v", ErrInconsistentState, err)
		}
		if progress[p.Table] {
			return fmt.Errorf("%w: duplicate progress record for %s", ErrInconsistentState, p.Table)
		}
		if !priorities[p.Table] {
			return fmt.Errorf("%w: progress for %s has no priority record", ErrInconsistentState, p.Table)
		}
		progress[p.Table] = true
	}
	return nil
}

// ProgressStore is the progress store as seen by backups.
type ProgressStore interface {
	List(ctx context.Context) ([]sweep.Progress, error)
	Save(ctx context.Context, p sweep.Progress) error
	Clear(ctx context.Context, table kvs.TableRef) error
}

// PriorityStore is the priority store as seen by backups.
type PriorityStore interface {
	List(ctx context.Context) ([]sweep.Priority, error)
	Put(ctx context.Context, p sweep.Priority) error
}

// Tables reports whether a table still exists.
type Tables interface {
	TableExists(ctx context.Context, table kvs.TableRef) (bool, error)
}

// Config configures backups.
type Config struct {
	Codec Codec

	// Retain is the number of snapshots kept after a backup. Zero keeps all.
	Retain int

	// MaxObjectSize bounds snapshot reads.
	// Default: objectstore.DefaultMaxObjectSize
	MaxObjectSize int64
}

// Info describes a stored snapshot.
type Info struct {
	Key           string
	TakenAtMillis int64
	Codec         Codec
	Size          int64
}

// RestoreOptions controls Restore.
type RestoreOptions struct {
	// SkipMissingTables drops records of tables that no longer exist
	// instead of failing with kvs.ErrTableNotFound.
	SkipMissingTables bool
}

// RestoreResult summarizes a restore.
type RestoreResult struct {
	Key              string
	TakenAtMillis    int64
	ProgressRestored int
	PriorityRestored int
	ProgressCleared  int
	SkippedTables    []kvs.TableRef
}

// Manager takes and restores snapshots.
type Manager struct {
	objects    objectstore.Store
	progress   ProgressStore
	priorities PriorityStore
	tables     Tables
	cfg        Config
	logger     *logging.Logger
	now        func() time.Time
}

// NewManager creates a backup manager.
func NewManager(objects objectstore.Store, progress ProgressStore, priorities PriorityStore, tables Tables, cfg Config, logger *logging.Logger) (*Manager, error) {
	if objects == nil || progress == nil || priorities == nil || tables == nil {
		return nil, errors.New("backup: object store, progress, priority and tables are required")
	}
	if cfg.Codec == "" {
		cfg.Codec = DefaultCodec
	}
	if _, err := ParseCodec(string(cfg.Codec)); err != nil {
		return nil, err
	}
	if cfg.Retain < 0 {
		return nil, fmt.Errorf("backup: retain must be non-negative, got %d", cfg.Retain)
	}
	if cfg.MaxObjectSize <= 0 {
		cfg.MaxObjectSize = objectstore.DefaultMaxObjectSize
	}
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	return &Manager{
		objects:    objects,
		progress:   progress,
		priorities: priorities,
		tables:     tables,
		cfg:        cfg,
		logger:     logger.With(map[string]any{"component": "backup"}),
		now:        time.Now,
	}, nil
}

// SetNow overrides the clock.
func (m *Manager) SetNow(now func() time.Time) {
	m.now = now
}

// Take reads the current sweep state.
func (m *Manager) Take(ctx context.Context) (Snapshot, error) {
	progress, err := m.progress.List(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("backup: list progress: %w", err)
	}
	priorities, err := m.priorities.List(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("backup: list priorities: %w", err)
	}
	if progress == nil {
		progress = []sweep.Progress{}
	}
	if priorities == nil {
		priorities = []sweep.Priority{}
	}
	return Snapshot{
		Version:       FormatVersion,
		TakenAtMillis: m.now().UnixMilli(),
		Progress:      progress,
		Priorities:    priorities,
	}, nil
}

// Backup writes a snapshot of the current state and prunes old ones.
func (m *Manager) Backup(ctx context.Context) (Info, error) {
	snap, err := m.Take(ctx)
	if err != nil {
		return Info{}, err
	}

	raw, err := json.Marshal(snap)
	if err != nil {
		return Info{}, fmt.Errorf("backup: marshal: %w", err)
	}
	body, err := m.cfg.Codec.encode(raw)
	if err != nil {
		return Info{}, fmt.Errorf("backup: encode: %w", err)
	}
	key, err := keys.BackupObjectKey(snap.TakenAtMillis, m.cfg.Codec.Extension())
	if err != nil {
		return Info{}, fmt.Errorf("backup: %w", err)
	}

	err = objectstore.PutBytes(ctx, m.objects, key, body, objectstore.PutOptions{
		ContentType: m.cfg.Codec.ContentType(),
		IfNoneMatch: "*",
		Metadata: map[string]string{
			"format-version": strconv.Itoa(FormatVersion),
			"progress":       strconv.Itoa(len(snap.Progress)),
			"priorities":     strconv.Itoa(len(snap.Priorities)),
		},
	})
	if err != nil {
		return Info{}, fmt.Errorf("backup: put %s: %w", key, err)
	}

	m.logger.Infof("sweep state backed up", map[string]any{
		"key":        key,
		"progress":   len(snap.Progress),
		"priorities": len(snap.Priorities),
		"bytes":      len(body),
	})

	if m.cfg.Retain > 0 {
		if err := m.Prune(ctx, m.cfg.Retain); err != nil {
			return Info{}, err
		}
	}

	return Info{Key: key, TakenAtMillis: snap.TakenAtMillis, Codec: m.cfg.Codec, Size: int64(len(body))}, nil
}

// List returns the stored snapshots, oldest first. Objects under the
// backup prefix that are not snapshots are ignored.
func (m *Manager) List(ctx context.Context) ([]Info, error) {
	objects, err := m.objects.List(ctx, keys.BackupsPrefix)
	if err != nil {
		return nil, fmt.Errorf("backup: list: %w", err)
	}
	infos := make([]Info, 0, len(objects))
	for _, obj := range objects {
		takenAt, ext, err := keys.ParseBackupObjectKey(obj.Key)
		if err != nil {
			continue
		}
		codec, ok := codecForExtension(ext)
		if !ok {
			continue
		}
		infos = append(infos, Info{Key: obj.Key, TakenAtMillis: takenAt, Codec: codec, Size: obj.Size})
	}
	return infos, nil
}

// Latest returns the newest snapshot, or ErrNoBackups.
func (m *Manager) Latest(ctx context.Context) (Info, error) {
	infos, err := m.List(ctx)
	if err != nil {
		return Info{}, err
	}
	if len(infos) == 0 {
		return Info{}, ErrNoBackups
	}
	return infos[len(infos)-1], nil
}

// Prune deletes all but the newest retain snapshots.
func (m *Manager) Prune(ctx context.Context, retain int) error {
	infos, err := m.List(ctx)
	if err != nil {
		return err
	}
	if len(infos) <= retain {
		return nil
	}
	for _, info := range infos[:len(infos)-retain] {
		if err := m.objects.Delete(ctx, info.Key); err != nil {
			return fmt.Errorf("backup: prune %s: %w", info.Key, err)
		}
		m.logger.Debugf("pruned snapshot", map[string]any{"key": info.Key})
	}
	return nil
}

// Load reads and decodes the snapshot stored at key.
func (m *Manager) Load(ctx context.Context, key string) (Snapshot, error) {
	_, ext, err := keys.ParseBackupObjectKey(key)
	if err != nil {
		return Snapshot{}, fmt.Errorf("backup: %s: %w", key, err)
	}
	codec, ok := codecForExtension(ext)
	if !ok {
		return Snapshot{}, fmt.Errorf("backup: %s: unknown extension %q", key, ext)
	}

	body, err := objectstore.GetBytes(ctx, m.objects, key, m.cfg.MaxObjectSize)
	if err != nil {
		return Snapshot{}, fmt.Errorf("backup: get %s: %w", key, err)
	}
	raw, err := codec.decode(body)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: %s: %v", ErrInconsistentState, key, err)
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %s: %v", ErrInconsistentState, key, err)
	}
	return snap, nil
}

// Restore replaces the sweep state with the snapshot at key. An empty key
// selects the latest snapshot.
//
// Every table named by the snapshot must still exist, unless
// opts.SkipMissingTables is set. Nothing is written when validation
// fails. Checkpoints of tables absent from the snapshot are cleared, so
// afterwards exactly the snapshot's runs are in flight.
func (m *Manager) Restore(ctx context.Context, key string, opts RestoreOptions) (RestoreResult, error) {
	if key == "" {
		latest, err := m.Latest(ctx)
		if err != nil {
			return RestoreResult{}, err
		}
		key = latest.Key
	}

	snap, err := m.Load(ctx, key)
	if err != nil {
		return RestoreResult{}, err
	}
	if err := snap.validate(); err != nil {
		return RestoreResult{}, err
	}

	result := RestoreResult{Key: key, TakenAtMillis: snap.TakenAtMillis}
	missing := make(map[kvs.TableRef]bool)
	for _, table := range snap.Tables() {
		exists, err := m.tables.TableExists(ctx, table)
		if err != nil {
			return RestoreResult{}, fmt.Errorf("backup: check table %s: %w", table, err)
		}
		if exists {
			continue
		}
		if !opts.SkipMissingTables {
			return RestoreResult{}, fmt.Errorf("backup: restore %s: %w", table, kvs.ErrTableNotFound)
		}
		missing[table] = true
		result.SkippedTables = append(result.SkippedTables, table)
	}

	keep := make(map[kvs.TableRef]bool, len(snap.Progress))
	for _, p := range snap.Progress {
		keep[p.Table] = true
	}
	current, err := m.progress.List(ctx)
	if err != nil {
		return RestoreResult{}, fmt.Errorf("backup: list progress: %w", err)
	}
	for _, p := range current {
		if keep[p.Table] && !missing[p.Table] {
			continue
		}
		if err := m.progress.Clear(ctx, p.Table); err != nil {
			return RestoreResult{}, fmt.Errorf("backup: clear progress %s: %w", p.Table, err)
		}
		result.ProgressCleared++
	}

	for _, p := range snap.Priorities {
		if missing[p.Table] {
			continue
		}
		if err := m.priorities.Put(ctx, p); err != nil {
			return RestoreResult{}, fmt.Errorf("backup: restore priority %s: %w", p.Table, err)
		}
		result.PriorityRestored++
	}
	for _, p := range snap.Progress {
		if missing[p.Table] {
			continue
		}
		if err := m.progress.Save(ctx, p); err != nil {
			return RestoreResult{}, fmt.Errorf("backup: restore progress %s: %w", p.Table, err)
		}
		result.ProgressRestored++
	}

	m.logger.Infof("sweep state restored", map[string]any{
		"key":        key,
		"priorities": result.PriorityRestored,
		"progress":   result.ProgressRestored,
		"cleared":    result.ProgressCleared,
		"skipped":    len(result.SkippedTables),
	})
	return result, nil
}
