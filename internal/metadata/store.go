// Package metadata defines the MetadataStore interface used to persist sweep
// state: per-table progress checkpoints, per-table priority statistics and
// the cross-instance sweep lease.
//
// Two implementations exist: Oxia (metadata/oxia) for clustered deployments
// and Badger (metadata/badger) for single-node installs. MockStore is an
// in-memory implementation for tests.
package metadata

import (
	"context"
	"errors"
)

// Common errors returned by MetadataStore operations.
var (
	// ErrKeyNotFound is returned when a key does not exist.
	ErrKeyNotFound = errors.New("metadata: key not found")

	// ErrVersionMismatch is returned when the expected version does not match
	// the current version during a CAS (compare-and-set) operation.
	ErrVersionMismatch = errors.New("metadata: version mismatch")

	// ErrSessionExpired is returned when an ephemeral key's session has expired.
	ErrSessionExpired = errors.New("metadata: session expired")

	// ErrStoreClosed is returned when operations are attempted on a closed store.
	ErrStoreClosed = errors.New("metadata: store closed")
)

// Version represents a key's version in the metadata store.
// Versions increase on every write and are used for optimistic
// concurrency control via compare-and-set operations.
//
// A zero version indicates the key has never been written.
type Version int64

// NoVersion is a sentinel value indicating no version constraint.
const NoVersion Version = -1

// KV represents a key-value pair with its version.
type KV struct {
	Key     string
	Value   []byte
	Version Version
}

// GetResult is the result of a Get operation.
type GetResult struct {
	Value   []byte
	Version Version
	Exists  bool
}

// PutOption configures a Put operation.
type PutOption func(*putOptions)

type putOptions struct {
	expectedVersion *Version
}

// WithExpectedVersion specifies the expected version for a CAS operation.
// If the current version does not match, the Put fails with ErrVersionMismatch.
// An expected version of 0 means the key must not exist yet.
func WithExpectedVersion(v Version) PutOption {
	return func(o *putOptions) {
		o.expectedVersion = &v
	}
}

// DeleteOption configures a Delete operation.
type DeleteOption func(*deleteOptions)

type deleteOptions struct {
	expectedVersion *Version
}

// WithDeleteExpectedVersion specifies the expected version for a conditional delete.
// If the current version does not match, the Delete fails with ErrVersionMismatch.
func WithDeleteExpectedVersion(v Version) DeleteOption {
	return func(o *deleteOptions) {
		o.expectedVersion = &v
	}
}

// ExtractExpectedVersion extracts the expected version from Put options.
// Returns nil if no expected version was specified.
func ExtractExpectedVersion(opts []PutOption) *Version {
	var pOpts putOptions
	for _, opt := range opts {
		opt(&pOpts)
	}
	return pOpts.expectedVersion
}

// ExtractDeleteExpectedVersion extracts the expected version from Delete options.
// Returns nil if no expected version was specified.
func ExtractDeleteExpectedVersion(opts []DeleteOption) *Version {
	var dOpts deleteOptions
	for _, opt := range opts {
		opt(&dOpts)
	}
	return dOpts.expectedVersion
}

// EphemeralOption configures a PutEphemeral operation.
type EphemeralOption func(*ephemeralOptions)

type ephemeralOptions struct {
	expectNotExists bool
	expectedVersion *Version
}

// WithEphemeralExpectNotExists makes PutEphemeral fail with
// ErrVersionMismatch if the key already exists. Used to take a lease.
func WithEphemeralExpectNotExists() EphemeralOption {
	return func(o *ephemeralOptions) {
		o.expectNotExists = true
	}
}

// WithEphemeralExpectedVersion makes PutEphemeral fail with
// ErrVersionMismatch if the key's current version doesn't match.
// Used to renew a lease already held.
func WithEphemeralExpectedVersion(v Version) EphemeralOption {
	return func(o *ephemeralOptions) {
		o.expectedVersion = &v
	}
}

// ExtractEphemeralOptions extracts options from an EphemeralOption slice.
func ExtractEphemeralOptions(opts []EphemeralOption) (expectNotExists bool, expectedVersion *Version) {
	var o ephemeralOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o.expectNotExists, o.expectedVersion
}

// MetadataStore is the interface for metadata storage operations.
//
// All operations accept a context.Context for cancellation and timeouts.
// Single-key writes are atomic: a reader observes either the previous value
// or the new one, never a partial write. Sweep progress relies on this for
// crash consistency and the priority store relies on CAS for atomic
// read-modify-write.
//
// Example usage:
//
//	store, err := oxia.New(ctx, oxia.Config{
//	    ServiceAddress: "localhost:6648",
//	    Namespace:      "sweepd",
//	})
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//
//	v, err := store.Put(ctx, keys.ProgressKeyPath("default.users"), data)
//	...
//	_, err = store.Put(ctx, key, updated, metadata.WithExpectedVersion(v))
//	if errors.Is(err, metadata.ErrVersionMismatch) {
//	    // re-read and retry
//	}
type MetadataStore interface {
	// Get retrieves a value by key.
	// Returns GetResult with Exists=false if the key does not exist (not an error).
	Get(ctx context.Context, key string) (GetResult, error)

	// Put stores a value, optionally with version checking for CAS operations.
	// Returns the new version assigned to the key.
	Put(ctx context.Context, key string, value []byte, opts ...PutOption) (Version, error)

	// Delete removes a key, optionally with version checking.
	// Returns nil if the key does not exist (idempotent).
	Delete(ctx context.Context, key string, opts ...DeleteOption) error

	// List returns keys in the range [startKey, endKey) in lexicographic order.
	// If endKey is empty, returns all keys with the prefix startKey.
	// If limit is 0 or negative, returns all matching keys.
	List(ctx context.Context, startKey, endKey string, limit int) ([]KV, error)

	// PutEphemeral stores a value that is automatically deleted when the
	// client session ends. The sweep lease lives under an ephemeral key so a
	// crashed sweeper releases it without operator action.
	PutEphemeral(ctx context.Context, key string, value []byte, opts ...EphemeralOption) (Version, error)

	// Close releases resources held by the store.
	// After Close is called, all operations return ErrStoreClosed.
	Close() error
}
