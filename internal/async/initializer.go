// Package async initializes dependencies in the background, retrying
// until they succeed.
package async

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dray-io/sweepd/internal/logging"
)

// ErrCancelled is returned by Wait when initialization was cancelled
// before it succeeded.
var ErrCancelled = errors.New("async: initialization cancelled")

// Initializer runs an init function until it returns nil.
type Initializer struct {
	name     string
	init     func(ctx context.Context) error
	interval time.Duration
	logger   *logging.Logger

	mu          sync.Mutex
	started     bool
	initialized bool
	attempts    int
	lastErr     error
	runCtx      context.Context
	cancel      context.CancelFunc
	doneCh      chan struct{}
}

// NewInitializer creates an initializer that retries every interval.
func NewInitializer(name string, interval time.Duration, init func(ctx context.Context) error, logger *logging.Logger) *Initializer {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	return &Initializer{
		name:     name,
		init:     init,
		interval: interval,
		logger:   logger.With(map[string]any{"component": "async-init", "dependency": name}),
		doneCh:   make(chan struct{}),
	}
}

// Start makes the first attempt synchronously and, if it fails, keeps
// retrying in the background. It returns true when initialization
// already succeeded.
func (i *Initializer) Start(ctx context.Context) bool {
	i.mu.Lock()
	if i.started {
		done := i.initialized
		i.mu.Unlock()
		return done
	}
	i.started = true
	ctx, i.cancel = context.WithCancel(ctx)
	i.runCtx = ctx
	i.mu.Unlock()

	if i.attempt(ctx) {
		return true
	}
	go i.retry(ctx)
	return false
}

func (i *Initializer) attempt(ctx context.Context) bool {
	err := i.init(ctx)

	i.mu.Lock()
	defer i.mu.Unlock()
	i.attempts++
	i.lastErr = err
	if err != nil {
		i.logger.Warnf("initialization failed, will retry", map[string]any{
			"error":    err.Error(),
			"attempts": i.attempts,
			"retryIn":  i.interval.String(),
		})
		return false
	}
	i.initialized = true
	close(i.doneCh)
	i.logger.Infof("initialized", map[string]any{"attempts": i.attempts})
	return true
}

func (i *Initializer) retry(ctx context.Context) {
	ticker := time.NewTicker(i.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if i.attempt(ctx) {
				return
			}
		}
	}
}

// IsInitialized reports whether an attempt succeeded.
func (i *Initializer) IsInitialized() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.initialized
}

// LastError returns the error of the latest failed attempt.
func (i *Initializer) LastError() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.initialized {
		return nil
	}
	return i.lastErr
}

// Cancel stops retrying.
func (i *Initializer) Cancel() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.cancel != nil {
		i.cancel()
	}
}

// Wait blocks until initialization succeeds, ctx is done, or retrying
// stops without success.
func (i *Initializer) Wait(ctx context.Context) error {
	i.mu.Lock()
	runCtx := i.runCtx
	i.mu.Unlock()
	if runCtx == nil {
		return errors.New("async: initializer not started")
	}

	select {
	case <-i.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-runCtx.Done():
		if i.IsInitialized() {
			return nil
		}
		return ErrCancelled
	}
}
