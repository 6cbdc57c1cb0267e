package async

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestInitializer_SucceedsImmediately(t *testing.T) {
	var calls atomic.Int32
	i := NewInitializer("kvs", time.Millisecond, func(context.Context) error {
		calls.Add(1)
		return nil
	}, nil)

	if !i.Start(context.Background()) {
		t.Fatal("expected synchronous success")
	}
	if !i.IsInitialized() {
		t.Error("IsInitialized = false")
	}
	if err := i.Wait(context.Background()); err != nil {
		t.Errorf("Wait = %v", err)
	}
	if i.Start(context.Background()) != true {
		t.Error("second Start should report initialized")
	}
	if calls.Load() != 1 {
		t.Errorf("init called %d times, want 1", calls.Load())
	}
}

func TestInitializer_RetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	i := NewInitializer("metadata", 5*time.Millisecond, func(context.Context) error {
		if calls.Add(1) < 3 {
			return errors.New("not yet")
		}
		return nil
	}, nil)

	if i.Start(context.Background()) {
		t.Fatal("first attempt should fail")
	}
	if i.LastError() == nil {
		t.Error("LastError should report the failure")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := i.Wait(ctx); err != nil {
		t.Fatalf("Wait = %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("init called %d times, want 3", calls.Load())
	}
	if i.LastError() != nil {
		t.Errorf("LastError after success = %v", i.LastError())
	}
}

func TestInitializer_Cancel(t *testing.T) {
	i := NewInitializer("s3", time.Millisecond, func(context.Context) error {
		return errors.New("unreachable")
	}, nil)
	i.Start(context.Background())
	i.Cancel()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := i.Wait(ctx); !errors.Is(err, ErrCancelled) {
		t.Errorf("Wait = %v, want ErrCancelled", err)
	}
	if i.IsInitialized() {
		t.Error("cancelled initializer reports initialized")
	}
}

func TestInitializer_WaitBeforeStart(t *testing.T) {
	i := NewInitializer("x", 0, func(context.Context) error { return nil }, nil)
	if err := i.Wait(context.Background()); err == nil {
		t.Error("Wait before Start should fail")
	}
}
