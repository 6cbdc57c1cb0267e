//go:build integration

package oxia

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dray-io/sweepd/internal/metadata"
)

// Oxia requires a minimum session timeout of 5 seconds
const minSessionTimeout = 5 * time.Second

const leaseKey = "/sweepd/v1/lease"

// A crashed sweeper's lease disappears once its session expires, letting
// another instance take it.
func TestEphemeral_LeaseReleasedOnSessionExpiry(t *testing.T) {
	cfg := StartTestServer(t).Config(minSessionTimeout)
	ctx := context.Background()

	holder, err := New(ctx, cfg)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if _, err := holder.PutEphemeral(ctx, leaseKey, []byte("sweeper-a"), metadata.WithEphemeralExpectNotExists()); err != nil {
		t.Fatalf("PutEphemeral failed: %v", err)
	}

	contender, err := New(ctx, cfg)
	if err != nil {
		t.Fatalf("failed to create second store: %v", err)
	}
	defer contender.Close()

	_, err = contender.PutEphemeral(ctx, leaseKey, []byte("sweeper-b"), metadata.WithEphemeralExpectNotExists())
	if !errors.Is(err, metadata.ErrVersionMismatch) {
		t.Fatalf("contender acquire while held: got %v, want ErrVersionMismatch", err)
	}

	holder.Close()
	time.Sleep(minSessionTimeout + 2*time.Second)

	if _, err := contender.PutEphemeral(ctx, leaseKey, []byte("sweeper-b"), metadata.WithEphemeralExpectNotExists()); err != nil {
		t.Fatalf("contender acquire after expiry failed: %v", err)
	}
	result, _ := contender.Get(ctx, leaseKey)
	if string(result.Value) != "sweeper-b" {
		t.Errorf("lease owner = %q, want sweeper-b", result.Value)
	}
}

func TestEphemeral_SurvivesWhileSessionActive(t *testing.T) {
	store := newIntegrationTestStore(t, minSessionTimeout)
	ctx := context.Background()

	if _, err := store.PutEphemeral(ctx, leaseKey, []byte("held")); err != nil {
		t.Fatalf("PutEphemeral failed: %v", err)
	}

	// The client renews its session in the background.
	for i := 0; i < 4; i++ {
		time.Sleep(2 * time.Second)
		result, err := store.Get(ctx, leaseKey)
		if err != nil {
			t.Fatalf("Get failed at iteration %d: %v", i, err)
		}
		if !result.Exists {
			t.Fatalf("ephemeral key vanished at iteration %d", i)
		}
	}
}

func TestEphemeral_ReleaseWithVersion(t *testing.T) {
	store := newIntegrationTestStore(t, 15*time.Second)
	ctx := context.Background()

	v1, err := store.PutEphemeral(ctx, leaseKey, []byte("held"), metadata.WithEphemeralExpectNotExists())
	if err != nil {
		t.Fatalf("PutEphemeral failed: %v", err)
	}
	v2, err := store.PutEphemeral(ctx, leaseKey, []byte("held"), metadata.WithEphemeralExpectedVersion(v1))
	if err != nil {
		t.Fatalf("renew failed: %v", err)
	}
	if v2 <= v1 {
		t.Errorf("renewal should bump the version: v1=%d v2=%d", v1, v2)
	}

	if err := store.Delete(ctx, leaseKey, metadata.WithDeleteExpectedVersion(v1)); !errors.Is(err, metadata.ErrVersionMismatch) {
		t.Errorf("release with stale version: got %v, want ErrVersionMismatch", err)
	}
	if err := store.Delete(ctx, leaseKey, metadata.WithDeleteExpectedVersion(v2)); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	result, _ := store.Get(ctx, leaseKey)
	if result.Exists {
		t.Error("lease should be gone after release")
	}
}
