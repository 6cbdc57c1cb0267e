// Package lease ensures at most one sweepd instance sweeps at a time.
//
// The lease is an ephemeral key, keys.LeaseKeyPath or one per shard from
// keys.ShardLeaseKeyPath, removed by the metadata store when the holder's
// session ends. On top of the session
// the holder stamps every renewal; a lease not renewed within the
// timeout is treated as lost by its holder and may be taken over by
// another instance.
package lease

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dray-io/sweepd/internal/metadata"
	"github.com/dray-io/sweepd/internal/metadata/keys"
)

// DefaultTimeout is how long a lease stays valid without renewal.
const DefaultTimeout = 20 * time.Second

var (
	// ErrLeaseHeldByOther is returned when another instance holds a
	// valid lease.
	ErrLeaseHeldByOther = errors.New("lease: held by another instance")

	// ErrLeaseNotHeld is returned when an operation requires the lease.
	ErrLeaseNotHeld = errors.New("lease: not held")

	// ErrInvalidHolderID is returned for an empty holder ID.
	ErrInvalidHolderID = errors.New("lease: holder id is required")
)

// Lease is the record stored under the lease key.
type Lease struct {
	HolderID     string `json:"holderId"`
	AcquiredAtMs int64  `json:"acquiredAtMs"`
	RenewedAtMs  int64  `json:"renewedAtMs"`
}

// Manager acquires and renews the lease for one instance. It is safe for
// concurrent use.
type Manager struct {
	meta     metadata.MetadataStore
	key      string
	holderID string
	timeout  time.Duration
	now      func() time.Time

	mu      sync.Mutex
	held    *Lease
	version metadata.Version
}

// Option configures a Manager.
type Option func(*Manager)

// WithKey stores the lease under key instead of keys.LeaseKeyPath.
func WithKey(key string) Option {
	return func(m *Manager) {
		m.key = key
	}
}

// NewManager creates a lease manager. A timeout of 0 uses DefaultTimeout.
func NewManager(meta metadata.MetadataStore, holderID string, timeout time.Duration, opts ...Option) (*Manager, error) {
	if holderID == "" {
		return nil, ErrInvalidHolderID
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	m := &Manager{
		meta:     meta,
		key:      keys.LeaseKeyPath,
		holderID: holderID,
		timeout:  timeout,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Key returns the metadata key of the lease.
func (m *Manager) Key() string {
	return m.key
}

// SetNow overrides the clock.
func (m *Manager) SetNow(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// HolderID returns this instance's holder ID.
func (m *Manager) HolderID() string {
	return m.holderID
}

// Acquire takes the lease or renews it if already held. It returns
// ErrLeaseHeldByOther while another instance holds a valid lease.
func (m *Manager) Acquire(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	nowMs := m.now().UnixMilli()

	result, err := m.meta.Get(ctx, m.key)
	if err != nil {
		return fmt.Errorf("lease: get: %w", err)
	}

	if !result.Exists {
		lease := Lease{HolderID: m.holderID, AcquiredAtMs: nowMs, RenewedAtMs: nowMs}
		return m.put(ctx, lease, metadata.WithEphemeralExpectNotExists())
	}

	var existing Lease
	if err := json.Unmarshal(result.Value, &existing); err != nil {
		return fmt.Errorf("lease: unmarshal: %w", err)
	}

	switch {
	case existing.HolderID == m.holderID:
		if m.held == nil || m.version != result.Version {
			// Our record survived a restart of this manager; adopt it.
			existing.AcquiredAtMs = nowMs
		}
	case nowMs-existing.RenewedAtMs < m.timeout.Milliseconds():
		m.held = nil
		return fmt.Errorf("%w: %s", ErrLeaseHeldByOther, existing.HolderID)
	default:
		existing = Lease{HolderID: m.holderID, AcquiredAtMs: nowMs}
	}
	existing.RenewedAtMs = nowMs
	return m.put(ctx, existing, metadata.WithEphemeralExpectedVersion(result.Version))
}

func (m *Manager) put(ctx context.Context, lease Lease, opt metadata.EphemeralOption) error {
	data, err := json.Marshal(lease)
	if err != nil {
		return fmt.Errorf("lease: marshal: %w", err)
	}
	version, err := m.meta.PutEphemeral(ctx, m.key, data, opt)
	if err != nil {
		m.held = nil
		if errors.Is(err, metadata.ErrVersionMismatch) {
			return ErrLeaseHeldByOther
		}
		return fmt.Errorf("lease: put: %w", err)
	}
	m.held = &lease
	m.version = version
	return nil
}

// Valid reports whether this instance holds the lease and renewed it
// within the timeout.
func (m *Manager) Valid() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held == nil {
		return false
	}
	return m.now().UnixMilli()-m.held.RenewedAtMs < m.timeout.Milliseconds()
}

// Release gives the lease up. Releasing a lease that is not held, or
// that another instance has taken over, is not an error.
func (m *Manager) Release(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.held == nil {
		return nil
	}
	version := m.version
	m.held = nil

	err := m.meta.Delete(ctx, m.key, metadata.WithDeleteExpectedVersion(version))
	if err != nil && !errors.Is(err, metadata.ErrVersionMismatch) {
		return fmt.Errorf("lease: delete: %w", err)
	}
	return nil
}

// Current returns the lease stored under key, or nil if nobody holds it.
func Current(ctx context.Context, meta metadata.MetadataStore, key string) (*Lease, error) {
	result, err := meta.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("lease: get: %w", err)
	}
	if !result.Exists {
		return nil, nil
	}
	var lease Lease
	if err := json.Unmarshal(result.Value, &lease); err != nil {
		return nil, fmt.Errorf("lease: unmarshal: %w", err)
	}
	return &lease, nil
}
