// Package badger implements the MetadataStore interface on an embedded
// BadgerDB, for single-node sweepd installs that have no Oxia cluster.
//
// Each value is stored behind an 8-byte big-endian version header. Versions
// start at 1 and increase by one per write of the key. Ephemeral keys are
// written with a TTL of SessionTimeout, so a holder that stops renewing loses
// the key the same way an Oxia session expiry would remove it.
package badger

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/dray-io/sweepd/internal/metadata"
)

const (
	versionHeaderSize  = 8
	maxConflictRetries = 5
)

// DefaultSessionTimeout matches the Oxia backend default.
const DefaultSessionTimeout = 15 * time.Second

// Config configures the Badger metadata store.
type Config struct {
	// Dir is the database directory. Ignored when InMemory is set.
	Dir string

	// InMemory keeps the database in memory only.
	InMemory bool

	// SessionTimeout is the TTL of ephemeral keys.
	SessionTimeout time.Duration
}

// Store implements MetadataStore on BadgerDB.
type Store struct {
	db  *badgerdb.DB
	ttl time.Duration

	mu     sync.RWMutex
	closed bool
}

// Open opens (or creates) a Badger metadata store.
func Open(cfg Config) (*Store, error) {
	if cfg.Dir == "" && !cfg.InMemory {
		return nil, errors.New("badger: dir is required")
	}
	opts := badgerdb.DefaultOptions(cfg.Dir).WithLogger(nil)
	if cfg.InMemory {
		opts = opts.WithDir("").WithValueDir("").WithInMemory(true)
	}

	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger: open failed: %w", err)
	}

	ttl := cfg.SessionTimeout
	if ttl <= 0 {
		ttl = DefaultSessionTimeout
	}
	return &Store{db: db, ttl: ttl}, nil
}

func encodeValue(ver metadata.Version, value []byte) []byte {
	buf := make([]byte, versionHeaderSize+len(value))
	binary.BigEndian.PutUint64(buf, uint64(ver))
	copy(buf[versionHeaderSize:], value)
	return buf
}

func decodeValue(raw []byte) (metadata.Version, []byte, error) {
	if len(raw) < versionHeaderSize {
		return 0, nil, fmt.Errorf("badger: corrupt value of %d bytes", len(raw))
	}
	return metadata.Version(binary.BigEndian.Uint64(raw)), raw[versionHeaderSize:], nil
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return metadata.ErrStoreClosed
	}
	return nil
}

// currentVersion returns the stored version of key, or 0 if absent.
func currentVersion(txn *badgerdb.Txn, key []byte) (metadata.Version, error) {
	item, err := txn.Get(key)
	if err == badgerdb.ErrKeyNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var ver metadata.Version
	err = item.Value(func(raw []byte) error {
		v, _, derr := decodeValue(raw)
		ver = v
		return derr
	})
	return ver, err
}

// update runs fn in a read-write transaction. Badger conflicts are retried
// for unconditional writes and surface as ErrVersionMismatch for CAS writes.
func (s *Store) update(conditional bool, fn func(txn *badgerdb.Txn) error) error {
	for attempt := 0; ; attempt++ {
		err := s.db.Update(fn)
		if !errors.Is(err, badgerdb.ErrConflict) {
			return err
		}
		if conditional || attempt >= maxConflictRetries {
			return metadata.ErrVersionMismatch
		}
	}
}

// Get retrieves a value by key.
func (s *Store) Get(_ context.Context, key string) (metadata.GetResult, error) {
	if err := s.checkOpen(); err != nil {
		return metadata.GetResult{}, err
	}

	var result metadata.GetResult
	err := s.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte(key))
		if err == badgerdb.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		ver, value, err := decodeValue(raw)
		if err != nil {
			return err
		}
		result = metadata.GetResult{Value: value, Version: ver, Exists: true}
		return nil
	})
	if err != nil {
		return metadata.GetResult{}, fmt.Errorf("badger: get failed: %w", err)
	}
	return result, nil
}

func (s *Store) put(key string, value []byte, expectNotExists bool, expected *metadata.Version, ttl time.Duration) (metadata.Version, error) {
	var newVer metadata.Version
	conditional := expectNotExists || expected != nil
	err := s.update(conditional, func(txn *badgerdb.Txn) error {
		k := []byte(key)
		cur, err := currentVersion(txn, k)
		if err != nil {
			return err
		}
		if expectNotExists && cur != 0 {
			return metadata.ErrVersionMismatch
		}
		if expected != nil && cur != *expected {
			return metadata.ErrVersionMismatch
		}
		newVer = cur + 1
		entry := badgerdb.NewEntry(k, encodeValue(newVer, value))
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
	if err != nil {
		if errors.Is(err, metadata.ErrVersionMismatch) {
			return 0, metadata.ErrVersionMismatch
		}
		return 0, fmt.Errorf("badger: put failed: %w", err)
	}
	return newVer, nil
}

// Put stores a value with optional version checking.
func (s *Store) Put(_ context.Context, key string, value []byte, opts ...metadata.PutOption) (metadata.Version, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	return s.put(key, value, false, metadata.ExtractExpectedVersion(opts), 0)
}

// PutEphemeral stores a value that expires unless rewritten within the
// session timeout.
func (s *Store) PutEphemeral(_ context.Context, key string, value []byte, opts ...metadata.EphemeralOption) (metadata.Version, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	expectNotExists, expected := metadata.ExtractEphemeralOptions(opts)
	return s.put(key, value, expectNotExists, expected, s.ttl)
}

// Delete removes a key. Deleting a missing key is not an error.
func (s *Store) Delete(_ context.Context, key string, opts ...metadata.DeleteOption) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	expected := metadata.ExtractDeleteExpectedVersion(opts)
	err := s.update(expected != nil, func(txn *badgerdb.Txn) error {
		k := []byte(key)
		cur, err := currentVersion(txn, k)
		if err != nil {
			return err
		}
		if cur == 0 {
			return nil
		}
		if expected != nil && cur != *expected {
			return metadata.ErrVersionMismatch
		}
		return txn.Delete(k)
	})
	if err != nil {
		if errors.Is(err, metadata.ErrVersionMismatch) {
			return metadata.ErrVersionMismatch
		}
		return fmt.Errorf("badger: delete failed: %w", err)
	}
	return nil
}

// List returns keys in the range [startKey, endKey) in lexicographic order.
// If endKey is empty, startKey is treated as a prefix.
func (s *Store) List(_ context.Context, startKey, endKey string, limit int) ([]metadata.KV, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	start := []byte(startKey)
	end := []byte(endKey)
	var out []metadata.KV
	err := s.db.View(func(txn *badgerdb.Txn) error {
		it := txn.NewIterator(badgerdb.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(start); it.Valid(); it.Next() {
			item := it.Item()
			k := item.Key()
			if endKey == "" {
				if !bytes.HasPrefix(k, start) {
					break
				}
			} else if bytes.Compare(k, end) >= 0 {
				break
			}

			raw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			ver, value, err := decodeValue(raw)
			if err != nil {
				return err
			}
			out = append(out, metadata.KV{Key: string(item.KeyCopy(nil)), Value: value, Version: ver})
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger: list failed: %w", err)
	}
	return out, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

var _ metadata.MetadataStore = (*Store)(nil)
