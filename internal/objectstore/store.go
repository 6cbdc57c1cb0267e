// Package objectstore defines the object storage used for sweep state
// snapshots.
//
// Snapshots are small, written once and never modified, so the interface
// covers whole-object writes and reads plus listing by prefix:
//
//	store, err := s3.New(ctx, cfg)
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//
//	err = objectstore.PutBytes(ctx, store, key, data, objectstore.PutOptions{
//	    ContentType: "application/zstd",
//	    IfNoneMatch: "*",
//	})
//
//	data, err := objectstore.GetBytes(ctx, store, key, objectstore.DefaultMaxObjectSize)
//	if errors.Is(err, objectstore.ErrNotFound) {
//	    // no such snapshot
//	}
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
)

// DefaultMaxObjectSize bounds GetBytes reads when callers have no better limit.
const DefaultMaxObjectSize = 64 << 20

// Common errors returned by Store implementations.
var (
	// ErrNotFound is returned when the requested object does not exist.
	ErrNotFound = errors.New("object not found")

	// ErrPreconditionFailed is returned when a conditional write fails.
	ErrPreconditionFailed = errors.New("precondition failed")

	// ErrBucketNotFound is returned when the configured bucket does not exist.
	ErrBucketNotFound = errors.New("bucket not found")

	// ErrAccessDenied is returned when the credentials lack permission for the operation.
	ErrAccessDenied = errors.New("access denied")

	// ErrTooLarge is returned by GetBytes when an object exceeds the read limit.
	ErrTooLarge = errors.New("object too large")

	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("store is closed")
)

// ObjectError wraps an error with the object key for context.
type ObjectError struct {
	Op  string // Put, Get, Head, Delete or List
	Key string
	Err error
}

func (e *ObjectError) Error() string {
	return fmt.Sprintf("objectstore: %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *ObjectError) Unwrap() error {
	return e.Err
}

// ObjectMeta contains metadata about an object.
type ObjectMeta struct {
	Key  string
	Size int64

	ContentType string
	ETag        string

	// LastModified is in Unix milliseconds.
	LastModified int64

	// Metadata contains user-defined key-value metadata. List does not
	// populate it; use Head.
	Metadata map[string]string
}

// PutOptions configures a Put.
type PutOptions struct {
	// ContentType defaults to application/octet-stream.
	ContentType string

	// Metadata is stored with the object. Providers may lower-case keys.
	Metadata map[string]string

	// IfNoneMatch set to "*" makes the Put fail with ErrPreconditionFailed
	// when an object already exists at the key.
	IfNoneMatch string
}

func (o PutOptions) contentType() string {
	if o.ContentType == "" {
		return "application/octet-stream"
	}
	return o.ContentType
}

// Store is the interface for object storage operations.
//
// Implementations must be safe for concurrent use and should wrap errors
// in *ObjectError so errors.Is works against the sentinels above.
type Store interface {
	// Put stores size bytes read from reader at key.
	Put(ctx context.Context, key string, reader io.Reader, size int64, opts PutOptions) error

	// Get returns the object body. The caller must close it.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Head returns object metadata, or ErrNotFound.
	Head(ctx context.Context, key string) (ObjectMeta, error)

	// Delete removes an object. Deleting a missing object succeeds.
	Delete(ctx context.Context, key string) error

	// List returns objects under prefix in lexicographic key order.
	List(ctx context.Context, prefix string) ([]ObjectMeta, error)

	Close() error
}

// PutBytes stores data at key.
func PutBytes(ctx context.Context, store Store, key string, data []byte, opts PutOptions) error {
	return store.Put(ctx, key, bytes.NewReader(data), int64(len(data)), opts)
}

// GetBytes reads the whole object at key. Objects larger than limit fail
// with ErrTooLarge; limit <= 0 means DefaultMaxObjectSize.
func GetBytes(ctx context.Context, store Store, key string, limit int64) ([]byte, error) {
	if limit <= 0 {
		limit = DefaultMaxObjectSize
	}
	rc, err := store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, limit+1))
	if err != nil {
		return nil, &ObjectError{Op: "Get", Key: key, Err: err}
	}
	if int64(len(data)) > limit {
		return nil, &ObjectError{Op: "Get", Key: key, Err: ErrTooLarge}
	}
	return data, nil
}
