// Package badger is the durable KeyValueService backend built on BadgerDB.
//
// Layout inside the database:
//
//	'm' + enc(table)                  JSON TableMetadata
//	'd' + enc(table) + versionKey     cell value (empty for tombstones)
//
// enc is kvs.AppendBytes and versionKey is kvs.EncodeVersionKey, so all
// versions of a table are contiguous and sorted by row, column, timestamp.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/dray-io/sweepd/internal/kvs"
	"github.com/dray-io/sweepd/internal/logging"
)

const (
	metaTag byte = 'm'
	dataTag byte = 'd'

	// gcDiscardRatio is the value log rewrite threshold for RunValueLogGC.
	gcDiscardRatio = 0.5
	// maxGCRounds bounds one CompactInternally call.
	maxGCRounds = 16
)

// Config configures the Badger KV backend.
type Config struct {
	Dir      string
	InMemory bool

	// CompactionWorkers is passed to Flatten. Default: 1.
	CompactionWorkers int

	Logger *logging.Logger
}

// Store is a KeyValueService on BadgerDB.
type Store struct {
	db       *badgerdb.DB
	cfg      Config
	logger   *logging.Logger
	compactM sync.Mutex
}

// Open opens (or creates) the database.
func Open(cfg Config) (*Store, error) {
	if cfg.Dir == "" && !cfg.InMemory {
		return nil, errors.New("badger kvs: dir is required")
	}
	if cfg.CompactionWorkers <= 0 {
		cfg.CompactionWorkers = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.DefaultLogger()
	}

	opts := badgerdb.DefaultOptions(cfg.Dir).WithLogger(nil)
	if cfg.InMemory {
		opts = opts.WithDir("").WithValueDir("").WithInMemory(true)
	}
	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger kvs: open failed: %w", err)
	}
	return &Store{db: db, cfg: cfg, logger: logger.With(map[string]any{"component": "kvs-badger"})}, nil
}

func metaKey(ref kvs.TableRef) []byte {
	return kvs.AppendBytes([]byte{metaTag}, []byte(ref.String()))
}

func dataPrefix(ref kvs.TableRef) []byte {
	return kvs.AppendBytes([]byte{dataTag}, []byte(ref.String()))
}

func dataKey(ref kvs.TableRef, cell kvs.Cell, ts int64) []byte {
	prefix := dataPrefix(ref)
	return append(prefix, kvs.EncodeVersionKey(cell, ts)...)
}

func loadMetadata(txn *badgerdb.Txn, ref kvs.TableRef) (kvs.TableMetadata, error) {
	item, err := txn.Get(metaKey(ref))
	if err == badgerdb.ErrKeyNotFound {
		return kvs.TableMetadata{}, kvs.ErrTableNotFound
	}
	if err != nil {
		return kvs.TableMetadata{}, err
	}
	var md kvs.TableMetadata
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &md)
	})
	return md, err
}

func (s *Store) CreateTable(_ context.Context, ref kvs.TableRef, md kvs.TableMetadata) error {
	if err := ref.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(md)
	if err != nil {
		return fmt.Errorf("badger kvs: encode metadata: %w", err)
	}
	return s.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set(metaKey(ref), data)
	})
}

func (s *Store) DropTable(_ context.Context, ref kvs.TableRef) error {
	if err := s.db.DropPrefix(dataPrefix(ref)); err != nil {
		return fmt.Errorf("badger kvs: drop data of %s: %w", ref, err)
	}
	return s.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Delete(metaKey(ref))
	})
}

func (s *Store) TableExists(_ context.Context, ref kvs.TableRef) (bool, error) {
	err := s.db.View(func(txn *badgerdb.Txn) error {
		_, err := txn.Get(metaKey(ref))
		return err
	})
	if err == badgerdb.ErrKeyNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) ListTables(_ context.Context) ([]kvs.TableRef, error) {
	var refs []kvs.TableRef
	err := s.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte{metaTag}
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			name, _, err := kvs.DecodeBytes(it.Item().Key()[1:])
			if err != nil {
				return err
			}
			refs = append(refs, kvs.ParseTableRef(string(name)))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger kvs: list tables: %w", err)
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Less(refs[j]) })
	return refs, nil
}

func (s *Store) Metadata(_ context.Context, ref kvs.TableRef) (kvs.TableMetadata, error) {
	var md kvs.TableMetadata
	err := s.db.View(func(txn *badgerdb.Txn) error {
		var err error
		md, err = loadMetadata(txn, ref)
		return err
	})
	return md, err
}

func (s *Store) requireTable(ref kvs.TableRef) error {
	return s.db.View(func(txn *badgerdb.Txn) error {
		_, err := loadMetadata(txn, ref)
		return err
	})
}

func (s *Store) Put(_ context.Context, ref kvs.TableRef, values map[kvs.CellKey][]byte, ts int64) error {
	if err := s.requireTable(ref); err != nil {
		return err
	}
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for ck, value := range values {
		if err := wb.Set(dataKey(ref, ck.Cell(), ts), append([]byte{}, value...)); err != nil {
			return fmt.Errorf("badger kvs: put: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("badger kvs: put: %w", err)
	}
	return nil
}

func (s *Store) Get(_ context.Context, ref kvs.TableRef, cell kvs.Cell, readTs int64) (kvs.Version, bool, error) {
	var (
		out kvs.Version
		ok  bool
	)
	err := s.db.View(func(txn *badgerdb.Txn) error {
		if _, err := loadMetadata(txn, ref); err != nil {
			return err
		}
		opts := badgerdb.DefaultIteratorOptions
		opts.Reverse = true
		cellPrefix := append(dataPrefix(ref), kvs.AppendBytes(kvs.EncodeRowPrefix(cell.Row), cell.Column)...)
		opts.Prefix = cellPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse seek lands on the greatest key <= the seek key.
		seek := dataKey(ref, cell, readTs-1)
		for it.Seek(seek); it.ValidForPrefix(cellPrefix); it.Next() {
			item := it.Item()
			_, ts, err := kvs.DecodeVersionKey(item.Key()[len(dataPrefix(ref)):])
			if err != nil {
				return err
			}
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			out = kvs.Version{Timestamp: ts, Value: val}
			ok = true
			return nil
		}
		return nil
	})
	return out, ok, err
}

func (s *Store) ScanVersions(_ context.Context, ref kvs.TableRef, startRow []byte, maxTs int64, rowLimit int) (kvs.ScanResult, error) {
	b := kvs.NewScanBuilder(maxTs, rowLimit)
	err := s.db.View(func(txn *badgerdb.Txn) error {
		if _, err := loadMetadata(txn, ref); err != nil {
			return err
		}
		prefix := dataPrefix(ref)
		opts := badgerdb.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := prefix
		if startRow != nil {
			seek = append(append([]byte{}, prefix...), kvs.EncodeRowPrefix(startRow)...)
		}
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			cell, ts, err := kvs.DecodeVersionKey(item.Key()[len(prefix):])
			if err != nil {
				return err
			}
			tombstone := false
			if ts < maxTs {
				if err := item.Value(func(val []byte) error {
					tombstone = len(val) == 0
					return nil
				}); err != nil {
					return err
				}
			}
			if !b.Add(cell, ts, tombstone) {
				break
			}
		}
		return nil
	})
	if err != nil {
		return kvs.ScanResult{}, err
	}
	return b.Result(), nil
}

func (s *Store) DeleteVersions(_ context.Context, ref kvs.TableRef, versions map[kvs.CellKey][]int64) error {
	if err := s.requireTable(ref); err != nil {
		return err
	}
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for ck, timestamps := range versions {
		cell := ck.Cell()
		for _, ts := range timestamps {
			if err := wb.Delete(dataKey(ref, cell, ts)); err != nil {
				return fmt.Errorf("badger kvs: delete versions: %w", err)
			}
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("badger kvs: delete versions: %w", err)
	}
	return nil
}

// CompactInternally flattens the LSM tree so deletion markers meet the
// data they shadow, then rewrites value log files until nothing is left
// to reclaim. Badger compacts the whole database; ref only scopes logging.
func (s *Store) CompactInternally(_ context.Context, ref kvs.TableRef) error {
	s.compactM.Lock()
	defer s.compactM.Unlock()

	if err := s.db.Flatten(s.cfg.CompactionWorkers); err != nil {
		return fmt.Errorf("badger kvs: flatten after sweeping %s: %w", ref, err)
	}
	if s.cfg.InMemory {
		return nil
	}

	rounds := 0
	for ; rounds < maxGCRounds; rounds++ {
		err := s.db.RunValueLogGC(gcDiscardRatio)
		if errors.Is(err, badgerdb.ErrNoRewrite) || errors.Is(err, badgerdb.ErrRejected) {
			break
		}
		if err != nil {
			return fmt.Errorf("badger kvs: value log gc after sweeping %s: %w", ref, err)
		}
	}
	s.logger.Debugf("compacted after sweep", map[string]any{
		"table":    ref.String(),
		"gcRounds": rounds,
	})
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

var _ kvs.KeyValueService = (*Store)(nil)
