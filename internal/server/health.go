// Package server serves the sweepd health endpoints: /healthz for
// liveness, /readyz for readiness, and the pprof handlers.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/pprof"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dray-io/sweepd/internal/logging"
	"github.com/dray-io/sweepd/internal/sweep"
)

// ReadinessChecker is implemented by every dependency that takes part in
// readiness: metadata store, key-value service, object store, sweeper.
type ReadinessChecker interface {
	// Name is the key of the check in the health status.
	Name() string

	// CheckReady returns nil when the component is ready.
	CheckReady(ctx context.Context) error
}

// Status values.
const (
	StatusOK           = "ok"
	StatusDegraded     = "degraded"
	StatusNotReady     = "not_ready"
	StatusShuttingDown = "shutting_down"
)

// HealthStatus is the JSON body of /healthz and /readyz.
type HealthStatus struct {
	Status     string                 `json:"status"`
	Goroutines map[string]bool        `json:"goroutines,omitempty"`
	Checks     map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is the result of a single check.
type CheckResult struct {
	Healthy bool   `json:"healthy"`
	Message string `json:"message,omitempty"`
}

// DefaultReadinessTimeout bounds each readiness check.
const DefaultReadinessTimeout = 5 * time.Second

// DefaultHeartbeatTimeout is how long a registered goroutine may go
// without a heartbeat before liveness reports it as stuck.
const DefaultHeartbeatTimeout = 30 * time.Second

// HealthServer serves the health endpoints.
type HealthServer struct {
	mu               sync.RWMutex
	addr             string
	boundAddr        string
	server           *http.Server
	logger           *logging.Logger
	shutDown         atomic.Bool
	goroutines       map[string]*goroutineStatus
	readinessChecks  []ReadinessChecker
	readinessTimeout time.Duration
	extraHandlers    map[string]http.Handler
	now              func() time.Time
}

type goroutineStatus struct {
	running       bool
	lastHeartbeat time.Time
	timeout       time.Duration
}

// NewHealthServer creates a HealthServer listening on addr once started.
func NewHealthServer(addr string, logger *logging.Logger) *HealthServer {
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	return &HealthServer{
		addr:             addr,
		logger:           logger.With(map[string]any{"component": "health-server"}),
		goroutines:       make(map[string]*goroutineStatus),
		readinessTimeout: DefaultReadinessTimeout,
		extraHandlers:    make(map[string]http.Handler),
		now:              time.Now,
	}
}

// RegisterHandler mounts an extra handler. Call before Start.
func (h *HealthServer) RegisterHandler(pattern string, handler http.Handler) {
	if pattern == "" || handler == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.extraHandlers[pattern] = handler
}

// RegisterReadinessCheck adds a check run on every /readyz request.
func (h *HealthServer) RegisterReadinessCheck(checker ReadinessChecker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.readinessChecks = append(h.readinessChecks, checker)
}

// SetReadinessTimeout sets the timeout of each readiness check.
func (h *HealthServer) SetReadinessTimeout(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.readinessTimeout = d
}

// RegisterGoroutine starts tracking a critical goroutine. A zero timeout
// means DefaultHeartbeatTimeout.
func (h *HealthServer) RegisterGoroutine(name string, timeout time.Duration) {
	if timeout <= 0 {
		timeout = DefaultHeartbeatTimeout
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.goroutines[name] = &goroutineStatus{
		running:       true,
		lastHeartbeat: h.now(),
		timeout:       timeout,
	}
}

// Heartbeat records that the goroutine is still making progress.
func (h *HealthServer) Heartbeat(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if status, ok := h.goroutines[name]; ok {
		status.lastHeartbeat = h.now()
	}
}

// UnregisterGoroutine marks a goroutine as stopped.
func (h *HealthServer) UnregisterGoroutine(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if status, ok := h.goroutines[name]; ok {
		status.running = false
	}
}

// LoopHeartbeat returns a sweep.LoopObserver that heartbeats the named
// goroutine on every loop event, so a wedged batch shows up in liveness.
func (h *HealthServer) LoopHeartbeat(name string) sweep.LoopObserver {
	return loopHeartbeat{h: h, name: name}
}

type loopHeartbeat struct {
	h    *HealthServer
	name string
}

func (l loopHeartbeat) ObserveIteration(sweep.Outcome, error) { l.h.Heartbeat(l.name) }
func (l loopHeartbeat) ObserveLease(bool)                     { l.h.Heartbeat(l.name) }

// SetShuttingDown makes both endpoints report 503.
func (h *HealthServer) SetShuttingDown() {
	h.shutDown.Store(true)
}

// IsShuttingDown reports whether SetShuttingDown was called.
func (h *HealthServer) IsShuttingDown() bool {
	return h.shutDown.Load()
}

// Start listens and serves in the background.
func (h *HealthServer) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealthz)
	mux.HandleFunc("/readyz", h.handleReadyz)
	h.mu.RLock()
	for pattern, handler := range h.extraHandlers {
		mux.Handle(pattern, handler)
	}
	h.mu.RUnlock()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:     mux,
		ReadTimeout: 5 * time.Second,
		// Readiness checks run inside the request.
		WriteTimeout: 10 * time.Second,
	}

	h.mu.Lock()
	h.server = srv
	h.boundAddr = ln.Addr().String()
	h.mu.Unlock()

	h.logger.Infof("health server listening", map[string]any{"addr": ln.Addr().String()})

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Errorf("health server error", map[string]any{"error": err.Error()})
		}
	}()
	return nil
}

// Addr returns the bound address once started, the configured one before.
func (h *HealthServer) Addr() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.boundAddr != "" {
		return h.boundAddr
	}
	return h.addr
}

// Close shuts the server down.
func (h *HealthServer) Close() error {
	h.mu.RLock()
	srv := h.server
	h.mu.RUnlock()
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

func (h *HealthServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeStatus(w, r, h.CheckHealth())
}

func (h *HealthServer) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeStatus(w, r, h.CheckReadiness(r.Context()))
}

func writeStatus(w http.ResponseWriter, r *http.Request, status HealthStatus) {
	w.Header().Set("Content-Type", "application/json")
	if status.Status != StatusOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	if r.Method != http.MethodHead {
		json.NewEncoder(w).Encode(status)
	}
}

// CheckHealth returns the liveness status.
func (h *HealthServer) CheckHealth() HealthStatus {
	status := HealthStatus{
		Status:     StatusOK,
		Goroutines: make(map[string]bool),
		Checks:     make(map[string]CheckResult),
	}

	if h.shutDown.Load() {
		status.Status = StatusShuttingDown
		status.Checks["shutdown"] = CheckResult{Healthy: false, Message: "sweepd is shutting down"}
		return status
	}
	status.Checks["shutdown"] = CheckResult{Healthy: true, Message: "sweepd is running"}

	h.mu.RLock()
	defer h.mu.RUnlock()

	now := h.now()
	allOK := true
	for name, gs := range h.goroutines {
		healthy := gs.running && now.Sub(gs.lastHeartbeat) < gs.timeout
		status.Goroutines[name] = healthy
		if !healthy {
			allOK = false
		}
	}
	switch {
	case !allOK:
		status.Status = StatusDegraded
		status.Checks["goroutines"] = CheckResult{Healthy: false, Message: "one or more critical goroutines are stopped or stuck"}
	case len(h.goroutines) > 0:
		status.Checks["goroutines"] = CheckResult{Healthy: true, Message: "all critical goroutines are running"}
	}
	return status
}

// CheckReadiness runs every readiness check.
func (h *HealthServer) CheckReadiness(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Status: StatusOK,
		Checks: make(map[string]CheckResult),
	}

	if h.shutDown.Load() {
		status.Status = StatusShuttingDown
		status.Checks["shutdown"] = CheckResult{Healthy: false, Message: "sweepd is shutting down"}
		return status
	}
	status.Checks["shutdown"] = CheckResult{Healthy: true, Message: "sweepd is running"}

	h.mu.RLock()
	checks := make([]ReadinessChecker, len(h.readinessChecks))
	copy(checks, h.readinessChecks)
	timeout := h.readinessTimeout
	h.mu.RUnlock()

	for _, checker := range checks {
		checkCtx, cancel := context.WithTimeout(ctx, timeout)
		err := checker.CheckReady(checkCtx)
		cancel()

		if err != nil {
			status.Status = StatusNotReady
			status.Checks[checker.Name()] = CheckResult{Healthy: false, Message: err.Error()}
		} else {
			status.Checks[checker.Name()] = CheckResult{Healthy: true, Message: "healthy"}
		}
	}
	return status
}
