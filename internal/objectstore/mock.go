package objectstore

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

// MockStore is an in-memory Store for tests and local runs.
type MockStore struct {
	mu      sync.RWMutex
	objects map[string]mockObject
	closed  bool
	now     func() time.Time

	failPut error
	failGet error
}

type mockObject struct {
	data []byte
	meta ObjectMeta
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		objects: make(map[string]mockObject),
		now:     time.Now,
	}
}

// SetNow overrides the clock used for LastModified.
func (s *MockStore) SetNow(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SetPutError makes every subsequent Put fail with err. Pass nil to clear.
func (s *MockStore) SetPutError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failPut = err
}

// SetGetError makes every subsequent Get fail with err. Pass nil to clear.
func (s *MockStore) SetGetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failGet = err
}

func (s *MockStore) Put(_ context.Context, key string, reader io.Reader, size int64, opts PutOptions) error {
	data, err := io.ReadAll(reader)
	if err != nil {
		return &ObjectError{Op: "Put", Key: key, Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.failPut != nil {
		return &ObjectError{Op: "Put", Key: key, Err: s.failPut}
	}
	if opts.IfNoneMatch == "*" {
		if _, exists := s.objects[key]; exists {
			return &ObjectError{Op: "Put", Key: key, Err: ErrPreconditionFailed}
		}
	}
	if size >= 0 && int64(len(data)) != size {
		return &ObjectError{Op: "Put", Key: key, Err: io.ErrUnexpectedEOF}
	}

	s.objects[key] = mockObject{
		data: data,
		meta: ObjectMeta{
			Key:          key,
			Size:         int64(len(data)),
			ContentType:  opts.contentType(),
			ETag:         "mock-etag",
			LastModified: s.now().UnixMilli(),
			Metadata:     opts.Metadata,
		},
	}
	return nil
}

func (s *MockStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}
	if s.failGet != nil {
		return nil, &ObjectError{Op: "Get", Key: key, Err: s.failGet}
	}
	obj, exists := s.objects[key]
	if !exists {
		return nil, &ObjectError{Op: "Get", Key: key, Err: ErrNotFound}
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (s *MockStore) Head(_ context.Context, key string) (ObjectMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ObjectMeta{}, ErrClosed
	}
	obj, exists := s.objects[key]
	if !exists {
		return ObjectMeta{}, &ObjectError{Op: "Head", Key: key, Err: ErrNotFound}
	}
	return obj.meta, nil
}

func (s *MockStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	delete(s.objects, key)
	return nil
}

func (s *MockStore) List(_ context.Context, prefix string) ([]ObjectMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}
	var result []ObjectMeta
	for key, obj := range s.objects {
		if strings.HasPrefix(key, prefix) {
			meta := obj.meta
			meta.Metadata = nil
			result = append(result, meta)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Key < result[j].Key
	})
	return result, nil
}

func (s *MockStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Len returns the number of stored objects.
func (s *MockStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}

var _ Store = (*MockStore)(nil)
