package lease

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dray-io/sweepd/internal/metadata"
	"github.com/dray-io/sweepd/internal/metadata/keys"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newManager(t *testing.T, meta metadata.MetadataStore, id string, c *clock) *Manager {
	t.Helper()
	m, err := NewManager(meta, id, 20*time.Second)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	m.SetNow(c.Now)
	return m
}

func TestAcquire_Success(t *testing.T) {
	ctx := context.Background()
	store := metadata.NewMockStore()
	c := &clock{now: time.UnixMilli(1_000_000)}
	m := newManager(t, store, "sweeper-1", c)

	if err := m.Acquire(ctx); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if !m.Valid() {
		t.Fatal("expected lease to be valid after acquire")
	}

	lease, err := Current(ctx, store, keys.LeaseKeyPath)
	if err != nil {
		t.Fatalf("Current failed: %v", err)
	}
	if lease == nil || lease.HolderID != "sweeper-1" {
		t.Fatalf("stored lease = %+v, want holder sweeper-1", lease)
	}
	if lease.AcquiredAtMs != 1_000_000 || lease.RenewedAtMs != 1_000_000 {
		t.Errorf("timestamps = %d/%d, want 1000000", lease.AcquiredAtMs, lease.RenewedAtMs)
	}
}

func TestAcquire_Renews(t *testing.T) {
	ctx := context.Background()
	store := metadata.NewMockStore()
	c := &clock{now: time.UnixMilli(1_000_000)}
	m := newManager(t, store, "sweeper-1", c)

	if err := m.Acquire(ctx); err != nil {
		t.Fatal(err)
	}
	c.Advance(15 * time.Second)
	if err := m.Acquire(ctx); err != nil {
		t.Fatalf("renew failed: %v", err)
	}
	c.Advance(15 * time.Second)
	if !m.Valid() {
		t.Error("renewed lease should still be valid")
	}

	lease, _ := Current(ctx, store, keys.LeaseKeyPath)
	if lease.AcquiredAtMs != 1_000_000 {
		t.Errorf("renewal changed AcquiredAtMs to %d", lease.AcquiredAtMs)
	}
	if lease.RenewedAtMs != 1_015_000 {
		t.Errorf("RenewedAtMs = %d, want 1015000", lease.RenewedAtMs)
	}
}

func TestAcquire_HeldByOther(t *testing.T) {
	ctx := context.Background()
	store := metadata.NewMockStore()
	c := &clock{now: time.UnixMilli(1_000_000)}
	m1 := newManager(t, store, "sweeper-1", c)
	m2 := newManager(t, store, "sweeper-2", c)

	if err := m1.Acquire(ctx); err != nil {
		t.Fatal(err)
	}
	err := m2.Acquire(ctx)
	if !errors.Is(err, ErrLeaseHeldByOther) {
		t.Fatalf("second acquire: got %v, want ErrLeaseHeldByOther", err)
	}
	if m2.Valid() {
		t.Error("loser must not consider itself valid")
	}
}

func TestLeaseExpiresWithoutRenewal(t *testing.T) {
	ctx := context.Background()
	store := metadata.NewMockStore()
	c := &clock{now: time.UnixMilli(1_000_000)}
	m1 := newManager(t, store, "sweeper-1", c)
	m2 := newManager(t, store, "sweeper-2", c)

	if err := m1.Acquire(ctx); err != nil {
		t.Fatal(err)
	}
	c.Advance(21 * time.Second)
	if m1.Valid() {
		t.Fatal("lease should be invalid after the timeout")
	}

	if err := m2.Acquire(ctx); err != nil {
		t.Fatalf("takeover of expired lease failed: %v", err)
	}
	if !m2.Valid() {
		t.Fatal("new holder should be valid")
	}

	// The old holder cannot renew what it lost.
	if err := m1.Acquire(ctx); !errors.Is(err, ErrLeaseHeldByOther) {
		t.Errorf("old holder renew: got %v, want ErrLeaseHeldByOther", err)
	}
}

func TestSessionExpiryReleasesLease(t *testing.T) {
	ctx := context.Background()
	store := metadata.NewMockStore()
	c := &clock{now: time.UnixMilli(1_000_000)}
	m1 := newManager(t, store, "sweeper-1", c)
	m2 := newManager(t, store, "sweeper-2", c)

	if err := m1.Acquire(ctx); err != nil {
		t.Fatal(err)
	}
	store.ExpireSession()

	if err := m2.Acquire(ctx); err != nil {
		t.Fatalf("acquire after session expiry failed: %v", err)
	}
}

func TestRelease(t *testing.T) {
	ctx := context.Background()
	store := metadata.NewMockStore()
	c := &clock{now: time.UnixMilli(1_000_000)}
	m := newManager(t, store, "sweeper-1", c)

	if err := m.Release(ctx); err != nil {
		t.Fatalf("release without lease: %v", err)
	}
	if err := m.Acquire(ctx); err != nil {
		t.Fatal(err)
	}
	if err := m.Release(ctx); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if m.Valid() {
		t.Error("released lease should be invalid")
	}
	result, _ := store.Get(ctx, keys.LeaseKeyPath)
	if result.Exists {
		t.Error("lease key should be deleted")
	}
}

func TestRelease_DoesNotClobberNewHolder(t *testing.T) {
	ctx := context.Background()
	store := metadata.NewMockStore()
	c := &clock{now: time.UnixMilli(1_000_000)}
	m1 := newManager(t, store, "sweeper-1", c)
	m2 := newManager(t, store, "sweeper-2", c)

	if err := m1.Acquire(ctx); err != nil {
		t.Fatal(err)
	}
	c.Advance(time.Minute)
	if err := m2.Acquire(ctx); err != nil {
		t.Fatal(err)
	}
	if err := m1.Release(ctx); err != nil {
		t.Fatalf("stale release failed: %v", err)
	}
	lease, _ := Current(ctx, store, keys.LeaseKeyPath)
	if lease == nil || lease.HolderID != "sweeper-2" {
		t.Errorf("lease after stale release = %+v, want sweeper-2", lease)
	}
}

func TestConcurrentAcquireHasOneWinner(t *testing.T) {
	ctx := context.Background()
	store := metadata.NewMockStore()
	c := &clock{now: time.UnixMilli(1_000_000)}

	const n = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < n; i++ {
		m := newManager(t, store, "sweeper-"+string(rune('a'+i)), c)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.Acquire(ctx); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if winners != 1 {
		t.Errorf("winners = %d, want 1", winners)
	}
}

func TestNewManager_RequiresHolderID(t *testing.T) {
	if _, err := NewManager(metadata.NewMockStore(), "", 0); !errors.Is(err, ErrInvalidHolderID) {
		t.Errorf("got %v, want ErrInvalidHolderID", err)
	}
	m, err := NewManager(metadata.NewMockStore(), "x", 0)
	if err != nil {
		t.Fatal(err)
	}
	if m.timeout != DefaultTimeout {
		t.Errorf("timeout = %v, want %v", m.timeout, DefaultTimeout)
	}
}

func TestShardLeasesAreIndependent(t *testing.T) {
	ctx := context.Background()
	store := metadata.NewMockStore()
	c := &clock{now: time.UnixMilli(1_000_000)}

	managers := make([]*Manager, 2)
	for i := range managers {
		m, err := NewManager(store, "sweeper-"+string(rune('a'+i)), 20*time.Second, WithKey(keys.ShardLeaseKeyPath(i, 2)))
		if err != nil {
			t.Fatal(err)
		}
		m.SetNow(c.Now)
		managers[i] = m
	}

	for i, m := range managers {
		if err := m.Acquire(ctx); err != nil {
			t.Fatalf("shard %d Acquire failed: %v", i, err)
		}
		if !m.Valid() {
			t.Errorf("shard %d lease should be valid", i)
		}
		lease, err := Current(ctx, store, m.Key())
		if err != nil {
			t.Fatal(err)
		}
		if lease == nil || lease.HolderID != m.HolderID() {
			t.Errorf("shard %d stored lease = %+v", i, lease)
		}
	}

	if lease, _ := Current(ctx, store, keys.LeaseKeyPath); lease != nil {
		t.Errorf("unsharded lease should be untouched, got %+v", lease)
	}

	other, err := NewManager(store, "sweeper-z", 20*time.Second, WithKey(keys.ShardLeaseKeyPath(1, 2)))
	if err != nil {
		t.Fatal(err)
	}
	other.SetNow(c.Now)
	if err := other.Acquire(ctx); !errors.Is(err, ErrLeaseHeldByOther) {
		t.Errorf("second holder of shard 1: got %v, want ErrLeaseHeldByOther", err)
	}
}
