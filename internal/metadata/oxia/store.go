package oxia

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	oxiaclient "github.com/oxia-db/oxia/oxia"

	"github.com/dray-io/sweepd/internal/metadata"
)

// Config configures the Oxia metadata store.
type Config struct {
	// ServiceAddress is the Oxia service endpoint (e.g., "localhost:6648").
	ServiceAddress string

	// Namespace is the Oxia namespace holding sweep state (e.g., "sweepd").
	Namespace string

	// RequestTimeout is the timeout for individual requests.
	// Default: 30 seconds.
	RequestTimeout time.Duration

	// SessionTimeout bounds how long the sweep lease outlives a crashed
	// holder. Oxia rejects values under 5 seconds.
	// Default: 15 seconds.
	SessionTimeout time.Duration
}

// Store implements MetadataStore using Oxia.
type Store struct {
	client oxiaclient.SyncClient
	config Config

	mu     sync.RWMutex
	closed bool
}

// New creates a new Oxia metadata store.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.ServiceAddress == "" {
		return nil, errors.New("oxia: service address is required")
	}
	if cfg.Namespace == "" {
		return nil, errors.New("oxia: namespace is required")
	}

	opts := []oxiaclient.ClientOption{
		oxiaclient.WithNamespace(cfg.Namespace),
	}
	if cfg.RequestTimeout > 0 {
		opts = append(opts, oxiaclient.WithRequestTimeout(cfg.RequestTimeout))
	}
	if cfg.SessionTimeout > 0 {
		opts = append(opts, oxiaclient.WithSessionTimeout(cfg.SessionTimeout))
	}

	client, err := oxiaclient.NewSyncClient(cfg.ServiceAddress, opts...)
	if err != nil {
		return nil, fmt.Errorf("oxia: failed to create client: %w", err)
	}

	return &Store{client: client, config: cfg}, nil
}

// Oxia versions start at 0 while metadata.Version reserves 0 for "absent".
func fromOxiaVersion(v int64) metadata.Version {
	return metadata.Version(v + 1)
}

func toOxiaVersion(v metadata.Version) int64 {
	return int64(v - 1)
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return metadata.ErrStoreClosed
	}
	return nil
}

func mapError(op string, err error) error {
	if errors.Is(err, oxiaclient.ErrUnexpectedVersionId) {
		return metadata.ErrVersionMismatch
	}
	return fmt.Errorf("oxia: %s failed: %w", op, err)
}

// Get retrieves a value by key.
func (s *Store) Get(ctx context.Context, key string) (metadata.GetResult, error) {
	if err := s.checkOpen(); err != nil {
		return metadata.GetResult{}, err
	}

	_, value, version, err := s.client.Get(ctx, key)
	if err != nil {
		if errors.Is(err, oxiaclient.ErrKeyNotFound) {
			return metadata.GetResult{Exists: false}, nil
		}
		return metadata.GetResult{}, mapError("get", err)
	}

	return metadata.GetResult{
		Value:   value,
		Version: fromOxiaVersion(version.VersionId),
		Exists:  true,
	}, nil
}

// Put stores a value with optional version checking.
func (s *Store) Put(ctx context.Context, key string, value []byte, opts ...metadata.PutOption) (metadata.Version, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	var oxiaOpts []oxiaclient.PutOption
	if expected := metadata.ExtractExpectedVersion(opts); expected != nil {
		if *expected == 0 {
			oxiaOpts = append(oxiaOpts, oxiaclient.ExpectedRecordNotExists())
		} else {
			oxiaOpts = append(oxiaOpts, oxiaclient.ExpectedVersionId(toOxiaVersion(*expected)))
		}
	}

	_, version, err := s.client.Put(ctx, key, value, oxiaOpts...)
	if err != nil {
		return 0, mapError("put", err)
	}
	return fromOxiaVersion(version.VersionId), nil
}

// Delete removes a key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string, opts ...metadata.DeleteOption) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	var oxiaOpts []oxiaclient.DeleteOption
	if expected := metadata.ExtractDeleteExpectedVersion(opts); expected != nil {
		oxiaOpts = append(oxiaOpts, oxiaclient.ExpectedVersionId(toOxiaVersion(*expected)))
	}

	if err := s.client.Delete(ctx, key, oxiaOpts...); err != nil {
		if errors.Is(err, oxiaclient.ErrKeyNotFound) {
			return nil
		}
		return mapError("delete", err)
	}
	return nil
}

// List returns keys in the range [startKey, endKey) in lexicographic order.
//
// Oxia sorts keys hierarchically by '/' segment, so a prefix ending in '/'
// is scanned with the double-slash end key to get its direct children.
// Sweep keys never nest below their collection prefix.
func (s *Store) List(ctx context.Context, startKey, endKey string, limit int) ([]metadata.KV, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	if endKey == "" {
		if strings.HasSuffix(startKey, "/") {
			endKey = startKey + "/"
		} else {
			endKey = prefixEnd(startKey)
		}
	}

	results := s.client.RangeScan(ctx, startKey, endKey)

	var out []metadata.KV
	for result := range results {
		if result.Err != nil {
			go drainRangeScan(results)
			return nil, mapError("list", result.Err)
		}
		out = append(out, metadata.KV{
			Key:     result.Key,
			Value:   result.Value,
			Version: fromOxiaVersion(result.Version.VersionId),
		})
		if limit > 0 && len(out) >= limit {
			go drainRangeScan(results)
			break
		}
	}
	return out, nil
}

// PutEphemeral stores a value bound to this client's session.
func (s *Store) PutEphemeral(ctx context.Context, key string, value []byte, opts ...metadata.EphemeralOption) (metadata.Version, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	oxiaOpts := []oxiaclient.PutOption{oxiaclient.Ephemeral()}
	expectNotExists, expected := metadata.ExtractEphemeralOptions(opts)
	if expectNotExists {
		oxiaOpts = append(oxiaOpts, oxiaclient.ExpectedRecordNotExists())
	} else if expected != nil {
		oxiaOpts = append(oxiaOpts, oxiaclient.ExpectedVersionId(toOxiaVersion(*expected)))
	}

	_, version, err := s.client.Put(ctx, key, value, oxiaOpts...)
	if err != nil {
		return 0, mapError("put ephemeral", err)
	}
	return fromOxiaVersion(version.VersionId), nil
}

// Close ends the client session, releasing every ephemeral key it holds.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}

// prefixEnd returns the smallest key greater than every key with the prefix.
func prefixEnd(prefix string) string {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xFF {
			b[i]++
			return string(b[:i+1])
		}
	}
	return ""
}

func drainRangeScan(results <-chan oxiaclient.GetResult) {
	for range results {
	}
}

var _ metadata.MetadataStore = (*Store)(nil)
