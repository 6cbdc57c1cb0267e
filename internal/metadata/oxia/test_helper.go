package oxia

import (
	"os"
	"testing"
	"time"

	"github.com/oxia-db/oxia/oxiad/dataserver"
)

// EnvTestAddress points tests at a running Oxia server instead of an
// embedded one.
const EnvTestAddress = "SWEEPD_TEST_OXIA_ADDRESS"

// TestNamespace is the namespace the embedded server provisions.
const TestNamespace = "default"

// TestServer is an Oxia server used by tests.
type TestServer struct {
	addr string
}

// Addr returns the service address of the server.
func (s *TestServer) Addr() string {
	return s.addr
}

// Config returns a store configuration for the server with the given
// session timeout.
func (s *TestServer) Config(sessionTimeout time.Duration) Config {
	return Config{
		ServiceAddress: s.addr,
		Namespace:      TestNamespace,
		RequestTimeout: 10 * time.Second,
		SessionTimeout: sessionTimeout,
	}
}

// StartTestServer starts an embedded standalone Oxia server that is
// stopped when the test ends. When EnvTestAddress is set that server is
// used instead.
func StartTestServer(t testing.TB) *TestServer {
	t.Helper()

	if addr := os.Getenv(EnvTestAddress); addr != "" {
		t.Logf("using external oxia server at %s", addr)
		return &TestServer{addr: addr}
	}

	standalone, err := dataserver.NewStandalone(dataserver.NewTestConfig(t.TempDir()))
	if err != nil {
		t.Fatalf("start embedded oxia: %v", err)
	}
	t.Cleanup(func() {
		if err := standalone.Close(); err != nil {
			t.Logf("stop embedded oxia: %v", err)
		}
	})
	return &TestServer{addr: standalone.ServiceAddr()}
}
