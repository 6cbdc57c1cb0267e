package sweep

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dray-io/sweepd/internal/logging"
)

// ErrLeaseLost is the cancellation cause of a batch whose lease lapsed
// while it ran.
var ErrLeaseLost = errors.New("sweep: lease lost during batch")

// BatchRunner runs one sweep iteration. BackgroundSweeper implements it.
type BatchRunner interface {
	RunOnce(ctx context.Context) (Outcome, error)
}

// Lease guards the loop against concurrent sweepers.
type Lease interface {
	// Acquire takes or renews the lease.
	Acquire(ctx context.Context) error
	// Valid reports whether the lease is held and fresh.
	Valid() bool
	Release(ctx context.Context) error
}

// LoopObserver receives loop events, e.g. for metrics.
type LoopObserver interface {
	ObserveIteration(outcome Outcome, err error)
	ObserveLease(held bool)
}

// LoopConfig configures a Loop.
type LoopConfig struct {
	Retry RetryPolicy

	// Lease is optional. Without it the loop sweeps unconditionally.
	Lease Lease

	// LeaseRenewInterval is how often the lease is renewed while a batch
	// runs. It must be well below the lease timeout.
	// Default: 5s
	LeaseRenewInterval time.Duration

	Observer LoopObserver
	Logger   *logging.Logger
}

// Loop drives a BatchRunner in the background until stopped.
type Loop struct {
	runner   BatchRunner
	retry    RetryPolicy
	lease    Lease
	renew    time.Duration
	observer LoopObserver
	logger   *logging.Logger

	failures int

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewLoop creates a loop. Zero retry fields take their defaults.
func NewLoop(runner BatchRunner, cfg LoopConfig) *Loop {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	renew := cfg.LeaseRenewInterval
	if renew <= 0 {
		renew = 5 * time.Second
	}
	return &Loop{
		runner:   runner,
		retry:    cfg.Retry.withDefaults(),
		lease:    cfg.Lease,
		renew:    renew,
		observer: cfg.Observer,
		logger:   logger.With(map[string]any{"component": "sweep-loop"}),
	}
}

// Start begins sweeping in the background. The first iteration runs
// immediately.
func (l *Loop) Start() {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return
	}
	l.running = true
	l.stopCh = make(chan struct{})
	l.doneCh = make(chan struct{})
	l.mu.Unlock()

	go l.run()
}

// Stop waits for the in-flight batch to finish, stops the loop and
// releases the lease.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	close(l.stopCh)
	l.mu.Unlock()

	<-l.doneCh

	l.mu.Lock()
	l.running = false
	l.mu.Unlock()

	if l.lease != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := l.lease.Release(ctx); err != nil {
			l.logger.Warnf("failed to release lease", map[string]any{"error": err.Error()})
		}
		l.observe(func(o LoopObserver) { o.ObserveLease(false) })
	}
}

// Running reports whether the loop is started.
func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

func (l *Loop) run() {
	defer close(l.doneCh)

	ctx := context.Background()
	for {
		delay := l.Step(ctx)

		timer := time.NewTimer(delay)
		select {
		case <-l.stopCh:
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// Step runs one iteration, including the lease check, and returns how
// long to wait before the next one. While the batch runs the lease is
// renewed in the background; if it lapses the batch's context is
// cancelled with ErrLeaseLost so its results are not persisted.
func (l *Loop) Step(ctx context.Context) time.Duration {
	runCtx := ctx
	if l.lease != nil {
		err := l.lease.Acquire(ctx)
		held := err == nil && l.lease.Valid()
		l.observe(func(o LoopObserver) { o.ObserveLease(held) })
		if !held {
			if err != nil {
				l.logger.Debugf("lease not acquired", map[string]any{"error": err.Error()})
			}
			return l.retry.PauseOnNoWork
		}
		var release func()
		runCtx, release = l.holdLease(ctx)
		defer release()
	}

	outcome, err := l.runner.RunOnce(runCtx)
	l.observe(func(o LoopObserver) { o.ObserveIteration(outcome, err) })
	if err != nil && errors.Is(context.Cause(runCtx), ErrLeaseLost) {
		l.logger.Warnf("lease lost during batch, results discarded", map[string]any{"error": err.Error()})
		l.observe(func(o LoopObserver) { o.ObserveLease(false) })
		return l.retry.PauseOnNoWork
	}
	if err != nil {
		l.failures++
		delay := l.retry.Backoff(l.failures)
		if !errors.Is(err, context.Canceled) {
			l.logger.Warnf("sweep iteration failed", map[string]any{
				"error":    err.Error(),
				"failures": l.failures,
				"retryIn":  delay.String(),
			})
		}
		return delay
	}
	l.failures = 0
	return l.retry.Delay(outcome, 0)
}

// holdLease renews the lease every renew interval until release is
// called. The returned context is cancelled with ErrLeaseLost as soon as
// the lease is no longer valid. A failed renewal alone is tolerated while
// the lease has not timed out.
func (l *Loop) holdLease(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(ctx)
	stop := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(l.renew)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			if err := l.lease.Acquire(ctx); err != nil {
				l.logger.Debugf("lease renewal failed", map[string]any{"error": err.Error()})
			}
			if !l.lease.Valid() {
				cancel(ErrLeaseLost)
				return
			}
		}
	}()

	return ctx, func() {
		close(stop)
		<-done
		cancel(nil)
	}
}

func (l *Loop) observe(fn func(LoopObserver)) {
	if l.observer != nil {
		fn(l.observer)
	}
}

// Observers fans loop events out to several observers.
type Observers []LoopObserver

func (o Observers) ObserveIteration(outcome Outcome, err error) {
	for _, obs := range o {
		obs.ObserveIteration(outcome, err)
	}
}

func (o Observers) ObserveLease(held bool) {
	for _, obs := range o {
		obs.ObserveLease(held)
	}
}
