// Package priority persists the long-lived sweep statistics of each table.
//
// Records never expire. Every change is a read-modify-write guarded by the
// record version, so concurrent writers (the sweeper and the write-count
// flusher) never lose each other's updates.
package priority

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dray-io/sweepd/internal/kvs"
	"github.com/dray-io/sweepd/internal/metadata"
	"github.com/dray-io/sweepd/internal/metadata/keys"
	"github.com/dray-io/sweepd/internal/sweep"
)

// maxUpdateAttempts bounds the CAS retries of one update.
const maxUpdateAttempts = 16

// ErrTooManyConflicts is returned when an update lost every CAS attempt.
var ErrTooManyConflicts = errors.New("priority: too many concurrent updates")

// Store reads and writes priority records in the metadata store.
type Store struct {
	meta metadata.MetadataStore
}

// NewStore creates a priority store.
func NewStore(meta metadata.MetadataStore) *Store {
	return &Store{meta: meta}
}

// Get returns the priority of table. A table never swept nor written
// yields a zero record and false.
func (s *Store) Get(ctx context.Context, table kvs.TableRef) (sweep.Priority, bool, error) {
	p, _, exists, err := s.get(ctx, table)
	return p, exists, err
}

// List returns every stored priority record in key order.
func (s *Store) List(ctx context.Context) ([]sweep.Priority, error) {
	entries, err := s.meta.List(ctx, keys.PriorityListPrefix(), "", 0)
	if err != nil {
		return nil, fmt.Errorf("priority: list: %w", err)
	}
	out := make([]sweep.Priority, 0, len(entries))
	for _, kv := range entries {
		var p sweep.Priority
		if err := json.Unmarshal(kv.Value, &p); err != nil {
			return nil, fmt.Errorf("priority: unmarshal %s: %w", kv.Key, err)
		}
		out = append(out, p)
	}
	return out, nil
}

// ListByTable returns the stored records keyed by table.
func (s *Store) ListByTable(ctx context.Context) (map[kvs.TableRef]sweep.Priority, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[kvs.TableRef]sweep.Priority, len(all))
	for _, p := range all {
		out[p.Table] = p
	}
	return out, nil
}

// Update applies u to the priority of table.
func (s *Store) Update(ctx context.Context, table kvs.TableRef, u sweep.UpdatePriority) error {
	return s.modify(ctx, table, func(p sweep.Priority) sweep.Priority {
		return p.Apply(u)
	})
}

// RecordWrites adds n to the write count of table.
func (s *Store) RecordWrites(ctx context.Context, table kvs.TableRef, n int64) error {
	if n <= 0 {
		return nil
	}
	return s.modify(ctx, table, func(p sweep.Priority) sweep.Priority {
		p.WriteCount += n
		return p
	})
}

// AbandonRun drops the counters of the run in flight on table. It is
// used when an operator discards the run's progress.
func (s *Store) AbandonRun(ctx context.Context, table kvs.TableRef) error {
	return s.modify(ctx, table, func(p sweep.Priority) sweep.Priority {
		return p.AbandonRun()
	})
}

// Put replaces the priority of p.Table unconditionally. Used by restore.
func (s *Store) Put(ctx context.Context, p sweep.Priority) error {
	if err := p.Table.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("priority: marshal: %w", err)
	}
	if _, err := s.meta.Put(ctx, keys.PriorityKeyPath(p.Table.String()), data); err != nil {
		return fmt.Errorf("priority: put %s: %w", p.Table, err)
	}
	return nil
}

// Delete removes the priority of table.
func (s *Store) Delete(ctx context.Context, table kvs.TableRef) error {
	if err := table.Validate(); err != nil {
		return err
	}
	if err := s.meta.Delete(ctx, keys.PriorityKeyPath(table.String())); err != nil {
		return fmt.Errorf("priority: delete %s: %w", table, err)
	}
	return nil
}

func (s *Store) get(ctx context.Context, table kvs.TableRef) (sweep.Priority, metadata.Version, bool, error) {
	if err := table.Validate(); err != nil {
		return sweep.Priority{}, 0, false, err
	}
	result, err := s.meta.Get(ctx, keys.PriorityKeyPath(table.String()))
	if err != nil {
		return sweep.Priority{}, 0, false, fmt.Errorf("priority: get %s: %w", table, err)
	}
	if !result.Exists {
		return sweep.Priority{Table: table}, 0, false, nil
	}
	var p sweep.Priority
	if err := json.Unmarshal(result.Value, &p); err != nil {
		return sweep.Priority{}, 0, false, fmt.Errorf("priority: unmarshal %s: %w", table, err)
	}
	p.Table = table
	return p, result.Version, true, nil
}

// modify runs a CAS loop. Version 0 asks the store to create the record
// only if it is still absent.
func (s *Store) modify(ctx context.Context, table kvs.TableRef, fn func(sweep.Priority) sweep.Priority) error {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		current, version, _, err := s.get(ctx, table)
		if err != nil {
			return err
		}

		next := fn(current)
		next.Table = table
		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("priority: marshal: %w", err)
		}

		_, err = s.meta.Put(ctx, keys.PriorityKeyPath(table.String()), data, metadata.WithExpectedVersion(version))
		if err == nil {
			return nil
		}
		if !errors.Is(err, metadata.ErrVersionMismatch) {
			return fmt.Errorf("priority: put %s: %w", table, err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return fmt.Errorf("%w: %s", ErrTooManyConflicts, table)
}

var _ sweep.PriorityStore = (*Store)(nil)
