//go:build integration

package oxia

import (
	"context"
	"testing"
	"time"

	"github.com/dray-io/sweepd/internal/metadata"
	"github.com/dray-io/sweepd/internal/metadata/storetest"
)

// Set SWEEPD_TEST_OXIA_ADDRESS to run against an external server.

func newIntegrationTestStore(t *testing.T, sessionTimeout time.Duration) *Store {
	t.Helper()

	store, err := New(context.Background(), StartTestServer(t).Config(sessionTimeout))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestIntegration_Conformance(t *testing.T) {
	storetest.RunConformanceSuite(t, func(t *testing.T) metadata.MetadataStore {
		return newIntegrationTestStore(t, 15*time.Second)
	})
}
