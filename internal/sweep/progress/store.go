// Package progress persists the checkpoint of each table whose sweep run
// has not reached the end of the table.
//
// One record is stored per table at keys.ProgressKeyPath. Presence of a
// record means a run is in flight; Clear removes it when the run ends.
// Each write replaces a single key, so a crash leaves either the old
// checkpoint or the new one.
package progress

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dray-io/sweepd/internal/kvs"
	"github.com/dray-io/sweepd/internal/metadata"
	"github.com/dray-io/sweepd/internal/metadata/keys"
	"github.com/dray-io/sweepd/internal/sweep"
)

// Store reads and writes progress records in the metadata store.
type Store struct {
	meta metadata.MetadataStore
}

// NewStore creates a progress store.
func NewStore(meta metadata.MetadataStore) *Store {
	return &Store{meta: meta}
}

// Load returns the progress of table, or nil if no run is in flight.
func (s *Store) Load(ctx context.Context, table kvs.TableRef) (*sweep.Progress, error) {
	if err := table.Validate(); err != nil {
		return nil, err
	}
	result, err := s.meta.Get(ctx, keys.ProgressKeyPath(table.String()))
	if err != nil {
		return nil, fmt.Errorf("progress: get %s: %w", table, err)
	}
	if !result.Exists {
		return nil, nil
	}
	p, err := decode(result.Value)
	if err != nil {
		return nil, fmt.Errorf("progress: %s: %w", table, err)
	}
	return &p, nil
}

// Save replaces the progress of p.Table.
func (s *Store) Save(ctx context.Context, p sweep.Progress) error {
	if err := p.Table.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("progress: marshal: %w", err)
	}
	if _, err := s.meta.Put(ctx, keys.ProgressKeyPath(p.Table.String()), data); err != nil {
		return fmt.Errorf("progress: put %s: %w", p.Table, err)
	}
	return nil
}

// Clear removes the progress of table. Clearing a table without
// progress is not an error.
func (s *Store) Clear(ctx context.Context, table kvs.TableRef) error {
	if err := table.Validate(); err != nil {
		return err
	}
	if err := s.meta.Delete(ctx, keys.ProgressKeyPath(table.String())); err != nil {
		return fmt.Errorf("progress: delete %s: %w", table, err)
	}
	return nil
}

// List returns every in-flight run in key order.
func (s *Store) List(ctx context.Context) ([]sweep.Progress, error) {
	entries, err := s.meta.List(ctx, keys.ProgressListPrefix(), "", 0)
	if err != nil {
		return nil, fmt.Errorf("progress: list: %w", err)
	}
	out := make([]sweep.Progress, 0, len(entries))
	for _, kv := range entries {
		p, err := decode(kv.Value)
		if err != nil {
			return nil, fmt.Errorf("progress: %s: %w", kv.Key, err)
		}
		out = append(out, p)
	}
	return out, nil
}

func decode(data []byte) (sweep.Progress, error) {
	var p sweep.Progress
	if err := json.Unmarshal(data, &p); err != nil {
		return sweep.Progress{}, fmt.Errorf("unmarshal: %w", err)
	}
	return p, nil
}

var _ sweep.ProgressStore = (*Store)(nil)
