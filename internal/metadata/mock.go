package metadata

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MockStore implements MetadataStore for testing.
// It is exported so that tests in other packages can use it.
type MockStore struct {
	mu        sync.RWMutex
	data      map[string]KV
	ephemeral map[string]bool
	closed    bool
	nextVer   Version
	putCalls  int
	failPut   error
	failGet   error
	closeErr  error
}

// NewMockStore creates a new MockStore for testing.
func NewMockStore() *MockStore {
	return &MockStore{
		data:      make(map[string]KV),
		ephemeral: make(map[string]bool),
		nextVer:   1,
	}
}

func (m *MockStore) Get(_ context.Context, key string) (GetResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return GetResult{}, ErrStoreClosed
	}
	if m.failGet != nil {
		return GetResult{}, m.failGet
	}
	kv, ok := m.data[key]
	if !ok {
		return GetResult{Exists: false}, nil
	}
	return GetResult{Value: kv.Value, Version: kv.Version, Exists: true}, nil
}

func (m *MockStore) Put(_ context.Context, key string, value []byte, opts ...PutOption) (Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrStoreClosed
	}
	m.putCalls++
	if m.failPut != nil {
		return 0, m.failPut
	}

	if err := m.checkVersion(key, ExtractExpectedVersion(opts)); err != nil {
		return 0, err
	}

	delete(m.ephemeral, key)
	return m.write(key, value), nil
}

func (m *MockStore) Delete(_ context.Context, key string, opts ...DeleteOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}

	if expected := ExtractDeleteExpectedVersion(opts); expected != nil {
		existing, ok := m.data[key]
		if !ok {
			return nil // Idempotent delete
		}
		if existing.Version != *expected {
			return ErrVersionMismatch
		}
	}

	delete(m.data, key)
	delete(m.ephemeral, key)
	return nil
}

func (m *MockStore) List(_ context.Context, startKey, endKey string, limit int) ([]KV, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	var keys []string
	for k := range m.data {
		if endKey == "" {
			if strings.HasPrefix(k, startKey) {
				keys = append(keys, k)
			}
		} else if k >= startKey && k < endKey {
			keys = append(keys, k)
		}
	}

	sort.Strings(keys)

	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}

	result := make([]KV, len(keys))
	for i, k := range keys {
		result[i] = m.data[k]
	}
	return result, nil
}

func (m *MockStore) PutEphemeral(_ context.Context, key string, value []byte, opts ...EphemeralOption) (Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrStoreClosed
	}

	expectNotExists, expected := ExtractEphemeralOptions(opts)
	if expectNotExists {
		if _, ok := m.data[key]; ok {
			return 0, ErrVersionMismatch
		}
	} else if err := m.checkVersion(key, expected); err != nil {
		return 0, err
	}

	m.ephemeral[key] = true
	return m.write(key, value), nil
}

func (m *MockStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	return m.closeErr
}

// ExpireSession drops every ephemeral key, as if the client session timed out.
func (m *MockStore) ExpireSession() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.ephemeral {
		delete(m.data, key)
	}
	m.ephemeral = make(map[string]bool)
}

// SetPutError makes every subsequent Put fail with err. Pass nil to clear.
func (m *MockStore) SetPutError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failPut = err
}

// SetGetError makes every subsequent Get fail with err. Pass nil to clear.
func (m *MockStore) SetGetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failGet = err
}

// PutCallCount returns the number of times Put was called (for testing).
func (m *MockStore) PutCallCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.putCalls
}

// Len returns the number of stored keys.
func (m *MockStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

func (m *MockStore) checkVersion(key string, expected *Version) error {
	if expected == nil {
		return nil
	}
	existing, ok := m.data[key]
	if !ok && *expected != 0 {
		return ErrVersionMismatch
	}
	if ok && existing.Version != *expected {
		return ErrVersionMismatch
	}
	return nil
}

func (m *MockStore) write(key string, value []byte) Version {
	ver := m.nextVer
	m.nextVer++
	stored := make([]byte, len(value))
	copy(stored, value)
	m.data[key] = KV{Key: key, Value: stored, Version: ver}
	return ver
}

// Ensure MockStore implements MetadataStore
var _ MetadataStore = (*MockStore)(nil)
