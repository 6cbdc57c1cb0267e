// Package timestamp keeps the timestamp upper bound of the store and
// supplies sweep timestamps derived from it.
//
// The bound lives in the system table _system.timestamp. Before a restore
// from backup the bound is moved aside ("invalidated") so no timestamp
// can be issued or swept against; revalidation moves it back.
package timestamp

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/dray-io/sweepd/internal/kvs"
)

// InitialValue is the bound of a store that never stored one.
const InitialValue int64 = 10000

var (
	// Table holds the bound.
	Table = kvs.TableRef{Namespace: kvs.SystemNamespace, Name: "timestamp"}

	limitCell  = kvs.CellKey{Row: "ts", Column: "upper_limit"}
	backupCell = kvs.CellKey{Row: "ts", Column: "backup"}
)

// Errors.
var (
	// ErrInvalidated is returned while the bound is moved to its backup.
	ErrInvalidated = errors.New("timestamp: bound is invalidated")

	// ErrInconsistentState is returned when neither the bound nor its
	// backup exist where one is required.
	ErrInconsistentState = errors.New("timestamp: inconsistent state")

	// ErrBoundDecrease is returned when storing a smaller bound.
	ErrBoundDecrease = errors.New("timestamp: bound may not decrease")
)

// writeTs is the version every bound cell is written at. Each write
// replaces the previous value in place.
const writeTs = 0

// BoundStore reads and writes the bound.
type BoundStore struct {
	kv kvs.KeyValueService
}

// NewBoundStore creates a bound store.
func NewBoundStore(kv kvs.KeyValueService) *BoundStore {
	return &BoundStore{kv: kv}
}

// UpperLimit returns the stored bound, creating the table with
// InitialValue on first use.
func (s *BoundStore) UpperLimit(ctx context.Context) (int64, error) {
	if err := s.ensureTable(ctx); err != nil {
		return 0, err
	}
	limit, ok, err := s.read(ctx, limitCell)
	if err != nil {
		return 0, err
	}
	if ok {
		return limit, nil
	}
	if _, backedUp, err := s.read(ctx, backupCell); err != nil {
		return 0, err
	} else if backedUp {
		return 0, ErrInvalidated
	}
	if err := s.write(ctx, map[kvs.CellKey][]byte{limitCell: encode(InitialValue)}); err != nil {
		return 0, err
	}
	return InitialValue, nil
}

// StoreUpperLimit raises the bound to limit.
func (s *BoundStore) StoreUpperLimit(ctx context.Context, limit int64) error {
	current, err := s.UpperLimit(ctx)
	if err != nil {
		return err
	}
	if limit < current {
		return fmt.Errorf("%w: %d < %d", ErrBoundDecrease, limit, current)
	}
	return s.write(ctx, map[kvs.CellKey][]byte{limitCell: encode(limit)})
}

// BackupAndInvalidate moves the bound to its backup and returns it. A
// missing table or bound yields InitialValue. Invalidating twice keeps
// the first backup.
func (s *BoundStore) BackupAndInvalidate(ctx context.Context) (int64, error) {
	if err := s.ensureTable(ctx); err != nil {
		return 0, err
	}
	limit, ok, err := s.read(ctx, limitCell)
	if err != nil {
		return 0, err
	}
	if !ok {
		backup, backedUp, err := s.read(ctx, backupCell)
		if err != nil {
			return 0, err
		}
		if backedUp {
			return backup, nil
		}
		limit = InitialValue
	}
	err = s.write(ctx, map[kvs.CellKey][]byte{
		backupCell: encode(limit),
		limitCell:  nil,
	})
	if err != nil {
		return 0, err
	}
	return limit, nil
}

// RevalidateFromBackup restores the bound from its backup. It fails with
// kvs.ErrTableNotFound when the table is missing and with
// ErrInconsistentState when there is nothing to restore.
func (s *BoundStore) RevalidateFromBackup(ctx context.Context) error {
	exists, err := s.kv.TableExists(ctx, Table)
	if err != nil {
		return fmt.Errorf("timestamp: table exists: %w", err)
	}
	if !exists {
		return fmt.Errorf("timestamp: revalidate: %w", kvs.ErrTableNotFound)
	}
	backup, backedUp, err := s.read(ctx, backupCell)
	if err != nil {
		return err
	}
	if !backedUp {
		if _, valid, err := s.read(ctx, limitCell); err != nil {
			return err
		} else if valid {
			return nil
		}
		return fmt.Errorf("%w: no bound and no backup", ErrInconsistentState)
	}
	return s.write(ctx, map[kvs.CellKey][]byte{
		limitCell:  encode(backup),
		backupCell: nil,
	})
}

func (s *BoundStore) ensureTable(ctx context.Context) error {
	exists, err := s.kv.TableExists(ctx, Table)
	if err != nil {
		return fmt.Errorf("timestamp: table exists: %w", err)
	}
	if exists {
		return nil
	}
	if err := s.kv.CreateTable(ctx, Table, kvs.TableMetadata{SweepStrategy: kvs.SweepNothing}); err != nil {
		return fmt.Errorf("timestamp: create table: %w", err)
	}
	return nil
}

func (s *BoundStore) read(ctx context.Context, key kvs.CellKey) (int64, bool, error) {
	v, ok, err := s.kv.Get(ctx, Table, key.Cell(), math.MaxInt64)
	if err != nil {
		return 0, false, fmt.Errorf("timestamp: read %s: %w", key.Column, err)
	}
	if !ok || v.IsTombstone() {
		return 0, false, nil
	}
	if len(v.Value) != 8 {
		return 0, false, fmt.Errorf("%w: %s holds %d bytes", ErrInconsistentState, key.Column, len(v.Value))
	}
	return int64(binary.BigEndian.Uint64(v.Value)), true, nil
}

func (s *BoundStore) write(ctx context.Context, values map[kvs.CellKey][]byte) error {
	if err := s.kv.Put(ctx, Table, values, writeTs); err != nil {
		return fmt.Errorf("timestamp: write bound: %w", err)
	}
	return nil
}

func encode(v int64) []byte {
	return binary.BigEndian.AppendUint64(nil, uint64(v))
}
