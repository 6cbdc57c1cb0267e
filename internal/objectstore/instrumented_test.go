package objectstore

import (
	"context"
	"errors"
	"io"
	"testing"
)

type opCall struct {
	op      string
	success bool
	bytes   int64
}

type recordingMetrics struct {
	calls []opCall
}

func (m *recordingMetrics) RecordOperation(op string, _ float64, success bool, bytes int64) {
	m.calls = append(m.calls, opCall{op: op, success: success, bytes: bytes})
}

func (m *recordingMetrics) last(t *testing.T) opCall {
	t.Helper()
	if len(m.calls) == 0 {
		t.Fatal("no metrics recorded")
	}
	return m.calls[len(m.calls)-1]
}

func TestInstrumentedStorePutAndGet(t *testing.T) {
	ctx := context.Background()
	metrics := &recordingMetrics{}
	store := NewInstrumentedStore(NewMockStore(), metrics)

	if err := PutBytes(ctx, store, "snap/1", []byte("hello"), PutOptions{}); err != nil {
		t.Fatalf("PutBytes: %v", err)
	}
	if got := metrics.last(t); got != (opCall{op: OpPut, success: true, bytes: 5}) {
		t.Errorf("put call = %+v", got)
	}

	rc, err := store.Get(ctx, "snap/1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(metrics.calls) != 1 {
		t.Fatalf("get recorded before close: %+v", metrics.calls)
	}
	data, _ := io.ReadAll(rc)
	if string(data) != "hello" {
		t.Errorf("data = %q", data)
	}
	rc.Close()
	rc.Close()

	if len(metrics.calls) != 2 {
		t.Fatalf("calls = %+v, want put and one get", metrics.calls)
	}
	if got := metrics.last(t); got != (opCall{op: OpGet, success: true, bytes: 5}) {
		t.Errorf("get call = %+v", got)
	}
}

func TestInstrumentedStoreNotFoundIsSuccess(t *testing.T) {
	ctx := context.Background()
	metrics := &recordingMetrics{}
	store := NewInstrumentedStore(NewMockStore(), metrics)

	_, err := store.Get(ctx, "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get missing: %v", err)
	}
	if got := metrics.last(t); got.op != OpGet || !got.success {
		t.Errorf("get call = %+v, want successful get", got)
	}

	if _, err := store.Head(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Head missing: %v", err)
	}
	if got := metrics.last(t); got.op != OpHead || !got.success {
		t.Errorf("head call = %+v", got)
	}
}

func TestInstrumentedStoreFailures(t *testing.T) {
	ctx := context.Background()
	metrics := &recordingMetrics{}
	mock := NewMockStore()
	store := NewInstrumentedStore(mock, metrics)

	boom := errors.New("boom")
	mock.SetPutError(boom)
	if err := PutBytes(ctx, store, "k", []byte("x"), PutOptions{}); !errors.Is(err, boom) {
		t.Fatalf("Put err = %v, want boom", err)
	}
	if got := metrics.last(t); got != (opCall{op: OpPut, success: false}) {
		t.Errorf("put call = %+v", got)
	}

	mock.SetGetError(boom)
	if _, err := store.Get(ctx, "k"); !errors.Is(err, boom) {
		t.Fatalf("Get err = %v, want boom", err)
	}
	if got := metrics.last(t); got.success {
		t.Errorf("get call = %+v, want failure", got)
	}
}

func TestInstrumentedStoreListDelete(t *testing.T) {
	ctx := context.Background()
	metrics := &recordingMetrics{}
	store := NewInstrumentedStore(NewMockStore(), metrics)

	for _, k := range []string{"b/2", "b/1", "a/1"} {
		if err := PutBytes(ctx, store, k, []byte(k), PutOptions{}); err != nil {
			t.Fatalf("PutBytes %s: %v", k, err)
		}
	}
	objs, err := store.List(ctx, "b/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(objs) != 2 || objs[0].Key != "b/1" || objs[1].Key != "b/2" {
		t.Errorf("List = %+v", objs)
	}
	if err := store.Delete(ctx, "b/1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	var ops []string
	for _, c := range metrics.calls {
		ops = append(ops, c.op)
	}
	want := []string{OpPut, OpPut, OpPut, OpList, OpDelete}
	if len(ops) != len(want) {
		t.Fatalf("ops = %v, want %v", ops, want)
	}
	for i := range want {
		if ops[i] != want[i] {
			t.Errorf("ops[%d] = %s, want %s", i, ops[i], want[i])
		}
	}
}

func TestInstrumentedStoreNilMetrics(t *testing.T) {
	ctx := context.Background()
	store := NewInstrumentedStore(NewMockStore(), nil)
	if err := PutBytes(ctx, store, "k", []byte("v"), PutOptions{}); err != nil {
		t.Fatalf("PutBytes: %v", err)
	}
	data, err := GetBytes(ctx, store, "k", 0)
	if err != nil || string(data) != "v" {
		t.Fatalf("GetBytes = %q, %v", data, err)
	}
}
