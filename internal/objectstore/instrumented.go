package objectstore

import (
	"context"
	"errors"
	"io"
	"time"
)

// Operation names passed to MetricsRecorder.
const (
	OpPut    = "put"
	OpGet    = "get"
	OpHead   = "head"
	OpDelete = "delete"
	OpList   = "list"
)

// MetricsRecorder records object store operation metrics. It keeps the
// objectstore package decoupled from the metrics package.
type MetricsRecorder interface {
	// RecordOperation is called once per operation. bytes is the payload
	// size for put and get, zero otherwise.
	RecordOperation(op string, durationSeconds float64, success bool, bytes int64)
}

// InstrumentedStore wraps a Store and records metrics for each operation.
type InstrumentedStore struct {
	store   Store
	metrics MetricsRecorder
}

// NewInstrumentedStore wraps store. A nil recorder passes calls straight through.
func NewInstrumentedStore(store Store, metrics MetricsRecorder) *InstrumentedStore {
	return &InstrumentedStore{store: store, metrics: metrics}
}

func (s *InstrumentedStore) record(op string, start time.Time, err error, bytes int64) {
	if s.metrics == nil {
		return
	}
	// A missing object is an answer, not a failed call.
	success := err == nil || errors.Is(err, ErrNotFound)
	s.metrics.RecordOperation(op, time.Since(start).Seconds(), success, bytes)
}

func (s *InstrumentedStore) Put(ctx context.Context, key string, reader io.Reader, size int64, opts PutOptions) error {
	start := time.Now()
	err := s.store.Put(ctx, key, reader, size, opts)
	var n int64
	if err == nil {
		n = size
	}
	s.record(OpPut, start, err, n)
	return err
}

// Get records the operation when the returned body is closed so the byte
// count covers what the caller actually read.
func (s *InstrumentedStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	start := time.Now()
	rc, err := s.store.Get(ctx, key)
	if err != nil {
		s.record(OpGet, start, err, 0)
		return nil, err
	}
	if s.metrics == nil {
		return rc, nil
	}
	return &countingReadCloser{ReadCloser: rc, store: s, start: start}, nil
}

func (s *InstrumentedStore) Head(ctx context.Context, key string) (ObjectMeta, error) {
	start := time.Now()
	meta, err := s.store.Head(ctx, key)
	s.record(OpHead, start, err, 0)
	return meta, err
}

func (s *InstrumentedStore) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := s.store.Delete(ctx, key)
	s.record(OpDelete, start, err, 0)
	return err
}

func (s *InstrumentedStore) List(ctx context.Context, prefix string) ([]ObjectMeta, error) {
	start := time.Now()
	result, err := s.store.List(ctx, prefix)
	s.record(OpList, start, err, 0)
	return result, err
}

func (s *InstrumentedStore) Close() error {
	return s.store.Close()
}

type countingReadCloser struct {
	io.ReadCloser
	store   *InstrumentedStore
	start   time.Time
	n       int64
	readErr error
	closed  bool
}

func (r *countingReadCloser) Read(p []byte) (int, error) {
	n, err := r.ReadCloser.Read(p)
	r.n += int64(n)
	if err != nil && err != io.EOF {
		r.readErr = err
	}
	return n, err
}

func (r *countingReadCloser) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	err := r.ReadCloser.Close()
	if r.readErr != nil {
		r.store.record(OpGet, r.start, r.readErr, r.n)
	} else {
		r.store.record(OpGet, r.start, err, r.n)
	}
	return err
}

var _ Store = (*InstrumentedStore)(nil)
