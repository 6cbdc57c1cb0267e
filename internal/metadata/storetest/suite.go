// Package storetest provides a conformance suite that every
// metadata.MetadataStore implementation must pass.
package storetest

import (
	"context"
	"errors"
	"testing"

	"github.com/dray-io/sweepd/internal/metadata"
)

// StoreFactory creates a fresh MetadataStore instance for each test.
// The factory receives *testing.T so it can use t.TempDir() and t.Cleanup().
type StoreFactory func(t *testing.T) metadata.MetadataStore

// RunConformanceSuite runs the conformance tests against the provided store
// factory. Each subtest gets a fresh store.
func RunConformanceSuite(t *testing.T, factory StoreFactory) {
	t.Helper()

	t.Run("GetPut", func(t *testing.T) { testGetPut(t, factory(t)) })
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, factory(t)) })
	t.Run("CAS", func(t *testing.T) { testCAS(t, factory(t)) })
	t.Run("CreateOnly", func(t *testing.T) { testCreateOnly(t, factory(t)) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, factory(t)) })
	t.Run("ListPrefix", func(t *testing.T) { testListPrefix(t, factory(t)) })
	t.Run("ListRange", func(t *testing.T) { testListRange(t, factory(t)) })
	t.Run("Ephemeral", func(t *testing.T) { testEphemeral(t, factory(t)) })
}

func testGetPut(t *testing.T, store metadata.MetadataStore) {
	ctx := context.Background()

	ver, err := store.Put(ctx, "/sweepd/test/key1", []byte("value1"))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if ver <= 0 {
		t.Errorf("expected positive version, got %d", ver)
	}

	result, err := store.Get(ctx, "/sweepd/test/key1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !result.Exists {
		t.Fatal("key should exist")
	}
	if string(result.Value) != "value1" {
		t.Errorf("value = %q, want value1", result.Value)
	}
	if result.Version != ver {
		t.Errorf("version = %d, want %d", result.Version, ver)
	}
}

func testGetMissing(t *testing.T, store metadata.MetadataStore) {
	result, err := store.Get(context.Background(), "/sweepd/test/missing")
	if err != nil {
		t.Fatalf("Get of missing key should not error: %v", err)
	}
	if result.Exists {
		t.Error("missing key reported as existing")
	}
}

func testCAS(t *testing.T, store metadata.MetadataStore) {
	ctx := context.Background()

	ver1, err := store.Put(ctx, "/sweepd/test/cas", []byte("v1"))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	ver2, err := store.Put(ctx, "/sweepd/test/cas", []byte("v2"), metadata.WithExpectedVersion(ver1))
	if err != nil {
		t.Fatalf("CAS with correct version should succeed: %v", err)
	}
	if ver2 <= ver1 {
		t.Errorf("new version %d should be greater than %d", ver2, ver1)
	}

	_, err = store.Put(ctx, "/sweepd/test/cas", []byte("v3"), metadata.WithExpectedVersion(ver1))
	if !errors.Is(err, metadata.ErrVersionMismatch) {
		t.Errorf("CAS with stale version: got %v, want ErrVersionMismatch", err)
	}

	result, _ := store.Get(ctx, "/sweepd/test/cas")
	if string(result.Value) != "v2" {
		t.Errorf("value after failed CAS = %q, want v2", result.Value)
	}
}

func testCreateOnly(t *testing.T, store metadata.MetadataStore) {
	ctx := context.Background()

	if _, err := store.Put(ctx, "/sweepd/test/new", []byte("a"), metadata.WithExpectedVersion(0)); err != nil {
		t.Fatalf("create-only put on missing key failed: %v", err)
	}
	_, err := store.Put(ctx, "/sweepd/test/new", []byte("b"), metadata.WithExpectedVersion(0))
	if !errors.Is(err, metadata.ErrVersionMismatch) {
		t.Errorf("create-only put on existing key: got %v, want ErrVersionMismatch", err)
	}
}

func testDelete(t *testing.T, store metadata.MetadataStore) {
	ctx := context.Background()

	if _, err := store.Put(ctx, "/sweepd/test/del", []byte("data")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := store.Delete(ctx, "/sweepd/test/del"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	result, _ := store.Get(ctx, "/sweepd/test/del")
	if result.Exists {
		t.Error("key should not exist after delete")
	}

	if err := store.Delete(ctx, "/sweepd/test/del"); err != nil {
		t.Errorf("delete of missing key should be idempotent: %v", err)
	}

	newVer, _ := store.Put(ctx, "/sweepd/test/del2", []byte("data"))
	err := store.Delete(ctx, "/sweepd/test/del2", metadata.WithDeleteExpectedVersion(newVer+100))
	if !errors.Is(err, metadata.ErrVersionMismatch) {
		t.Errorf("delete with wrong version: got %v, want ErrVersionMismatch", err)
	}
	if err := store.Delete(ctx, "/sweepd/test/del2", metadata.WithDeleteExpectedVersion(newVer)); err != nil {
		t.Errorf("delete with current version failed: %v", err)
	}
}

func testListPrefix(t *testing.T, store metadata.MetadataStore) {
	ctx := context.Background()

	for _, k := range []string{"/sweepd/test/p/c", "/sweepd/test/p/a", "/sweepd/test/p/b", "/sweepd/test/q/x"} {
		if _, err := store.Put(ctx, k, []byte(k)); err != nil {
			t.Fatalf("Put %s failed: %v", k, err)
		}
	}

	result, err := store.List(ctx, "/sweepd/test/p/", "", 0)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	want := []string{"/sweepd/test/p/a", "/sweepd/test/p/b", "/sweepd/test/p/c"}
	if len(result) != len(want) {
		t.Fatalf("List returned %d keys, want %d", len(result), len(want))
	}
	for i, kv := range result {
		if kv.Key != want[i] {
			t.Errorf("key[%d] = %s, want %s", i, kv.Key, want[i])
		}
		if string(kv.Value) != want[i] {
			t.Errorf("value[%d] = %s, want %s", i, kv.Value, want[i])
		}
	}

	limited, err := store.List(ctx, "/sweepd/test/p/", "", 2)
	if err != nil {
		t.Fatalf("List with limit failed: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("List with limit returned %d keys, want 2", len(limited))
	}
}

func testListRange(t *testing.T, store metadata.MetadataStore) {
	ctx := context.Background()

	for _, k := range []string{"/sweepd/test/r/1", "/sweepd/test/r/2", "/sweepd/test/r/3"} {
		if _, err := store.Put(ctx, k, []byte("x")); err != nil {
			t.Fatalf("Put %s failed: %v", k, err)
		}
	}

	result, err := store.List(ctx, "/sweepd/test/r/2", "/sweepd/test/r/3", 0)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(result) != 1 || result[0].Key != "/sweepd/test/r/2" {
		t.Errorf("range list = %v, want only /sweepd/test/r/2", result)
	}
}

func testEphemeral(t *testing.T, store metadata.MetadataStore) {
	ctx := context.Background()
	key := "/sweepd/test/lease"

	ver, err := store.PutEphemeral(ctx, key, []byte("owner-1"), metadata.WithEphemeralExpectNotExists())
	if err != nil {
		t.Fatalf("PutEphemeral failed: %v", err)
	}

	_, err = store.PutEphemeral(ctx, key, []byte("owner-2"), metadata.WithEphemeralExpectNotExists())
	if !errors.Is(err, metadata.ErrVersionMismatch) {
		t.Errorf("second acquire: got %v, want ErrVersionMismatch", err)
	}

	if _, err := store.PutEphemeral(ctx, key, []byte("owner-1"), metadata.WithEphemeralExpectedVersion(ver)); err != nil {
		t.Errorf("renew with current version failed: %v", err)
	}

	result, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !result.Exists || string(result.Value) != "owner-1" {
		t.Errorf("lease value = %q (exists=%v), want owner-1", result.Value, result.Exists)
	}
}
