package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dray-io/sweepd/internal/logging"
)

// Server serves /metrics for Prometheus scraping.
type Server struct {
	mu        sync.RWMutex
	addr      string
	boundAddr string
	server    *http.Server
	gatherer  prometheus.Gatherer
	logger    *logging.Logger
}

// NewServer creates a metrics server for the default registry.
func NewServer(addr string) *Server {
	return NewServerWithRegistry(addr, nil)
}

// NewServerWithRegistry creates a metrics server for gatherer. A nil
// gatherer selects the default registry.
func NewServerWithRegistry(addr string, gatherer prometheus.Gatherer) *Server {
	return &Server{
		addr:     addr,
		gatherer: gatherer,
		logger:   logging.DefaultLogger().With(map[string]any{"component": "metrics-server"}),
	}
}

// SetLogger replaces the logger used for serve errors.
func (s *Server) SetLogger(l *logging.Logger) {
	s.logger = l
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	if s.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	} else {
		mux.Handle("/metrics", promhttp.Handler())
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	s.server = srv
	s.boundAddr = ln.Addr().String()
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Warnf("metrics server stopped", map[string]any{"error": err.Error()})
		}
	}()
	return nil
}

// Addr returns the bound address once started, the configured one before.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.boundAddr != "" {
		return s.boundAddr
	}
	return s.addr
}

// Close shuts the server down.
func (s *Server) Close() error {
	s.mu.RLock()
	srv := s.server
	s.mu.RUnlock()
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}
