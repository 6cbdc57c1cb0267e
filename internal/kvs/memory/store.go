// Package memory is an in-process KeyValueService backed by B-trees. It is
// used by tests and by the `memory` kvs backend for local experiments.
package memory

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"github.com/google/btree"

	"github.com/dray-io/sweepd/internal/kvs"
)

// btreeDegree is the degree of each table's version tree.
const btreeDegree = 32

type version struct {
	key   []byte
	value []byte
}

// Less implements the btree.Item interface.
func (v *version) Less(than btree.Item) bool {
	return bytes.Compare(v.key, than.(*version).key) < 0
}

type table struct {
	md   kvs.TableMetadata
	tree *btree.BTree
}

// Store is an in-memory KeyValueService.
type Store struct {
	mu     sync.RWMutex
	tables map[kvs.TableRef]*table
	closed bool

	compactions map[kvs.TableRef]int
}

// New creates an empty store.
func New() *Store {
	return &Store{
		tables:      make(map[kvs.TableRef]*table),
		compactions: make(map[kvs.TableRef]int),
	}
}

func (s *Store) lookup(ref kvs.TableRef) (*table, error) {
	if s.closed {
		return nil, kvs.ErrClosed
	}
	t, ok := s.tables[ref]
	if !ok {
		return nil, kvs.ErrTableNotFound
	}
	return t, nil
}

func (s *Store) CreateTable(_ context.Context, ref kvs.TableRef, md kvs.TableMetadata) error {
	if err := ref.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return kvs.ErrClosed
	}
	if t, ok := s.tables[ref]; ok {
		t.md = md
		return nil
	}
	s.tables[ref] = &table{md: md, tree: btree.New(btreeDegree)}
	return nil
}

func (s *Store) DropTable(_ context.Context, ref kvs.TableRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return kvs.ErrClosed
	}
	delete(s.tables, ref)
	return nil
}

func (s *Store) TableExists(_ context.Context, ref kvs.TableRef) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, kvs.ErrClosed
	}
	_, ok := s.tables[ref]
	return ok, nil
}

func (s *Store) ListTables(_ context.Context) ([]kvs.TableRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, kvs.ErrClosed
	}
	refs := make([]kvs.TableRef, 0, len(s.tables))
	for ref := range s.tables {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Less(refs[j]) })
	return refs, nil
}

func (s *Store) Metadata(_ context.Context, ref kvs.TableRef) (kvs.TableMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, err := s.lookup(ref)
	if err != nil {
		return kvs.TableMetadata{}, err
	}
	return t.md, nil
}

func (s *Store) Put(_ context.Context, ref kvs.TableRef, values map[kvs.CellKey][]byte, ts int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.lookup(ref)
	if err != nil {
		return err
	}
	for ck, value := range values {
		stored := make([]byte, len(value))
		copy(stored, value)
		t.tree.ReplaceOrInsert(&version{key: kvs.EncodeVersionKey(ck.Cell(), ts), value: stored})
	}
	return nil
}

func (s *Store) Get(_ context.Context, ref kvs.TableRef, cell kvs.Cell, readTs int64) (kvs.Version, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, err := s.lookup(ref)
	if err != nil {
		return kvs.Version{}, false, err
	}

	var (
		found kvs.Version
		ok    bool
	)
	// Versions of a cell sort by ascending timestamp, so walk down from
	// the key just below readTs.
	pivot := &version{key: kvs.EncodeVersionKey(cell, readTs)}
	t.tree.DescendLessOrEqual(pivot, func(i btree.Item) bool {
		v := i.(*version)
		c, ts, derr := kvs.DecodeVersionKey(v.key)
		if derr != nil || c.Compare(cell) != 0 {
			return false
		}
		if ts >= readTs {
			return true
		}
		found = kvs.Version{Timestamp: ts, Value: append([]byte(nil), v.value...)}
		ok = true
		return false
	})
	return found, ok, nil
}

func (s *Store) ScanVersions(_ context.Context, ref kvs.TableRef, startRow []byte, maxTs int64, rowLimit int) (kvs.ScanResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, err := s.lookup(ref)
	if err != nil {
		return kvs.ScanResult{}, err
	}

	b := kvs.NewScanBuilder(maxTs, rowLimit)
	visit := func(i btree.Item) bool {
		v := i.(*version)
		cell, ts, derr := kvs.DecodeVersionKey(v.key)
		if derr != nil {
			err = derr
			return false
		}
		return b.Add(cell, ts, len(v.value) == 0)
	}
	if startRow == nil {
		t.tree.Ascend(visit)
	} else {
		t.tree.AscendGreaterOrEqual(&version{key: kvs.EncodeRowPrefix(startRow)}, visit)
	}
	if err != nil {
		return kvs.ScanResult{}, err
	}
	return b.Result(), nil
}

func (s *Store) DeleteVersions(_ context.Context, ref kvs.TableRef, versions map[kvs.CellKey][]int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.lookup(ref)
	if err != nil {
		return err
	}
	for ck, timestamps := range versions {
		cell := ck.Cell()
		for _, ts := range timestamps {
			t.tree.Delete(&version{key: kvs.EncodeVersionKey(cell, ts)})
		}
	}
	return nil
}

// CompactInternally is a no-op apart from bookkeeping; deleted versions
// are freed immediately.
func (s *Store) CompactInternally(_ context.Context, ref kvs.TableRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.lookup(ref); err != nil {
		return err
	}
	s.compactions[ref]++
	return nil
}

// CompactionCount returns how many times the table was compacted.
func (s *Store) CompactionCount(ref kvs.TableRef) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.compactions[ref]
}

// VersionCount returns the number of stored versions in a table.
func (s *Store) VersionCount(ref kvs.TableRef) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if t, ok := s.tables[ref]; ok {
		return t.tree.Len()
	}
	return 0
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var _ kvs.KeyValueService = (*Store)(nil)
