package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
)

func TestRunAndBatchIDCtx(t *testing.T) {
	ctx := context.Background()
	if RunIDFromCtx(ctx) != "" || BatchIDFromCtx(ctx) != "" {
		t.Error("empty context should carry no IDs")
	}

	ctx = WithRunIDCtx(ctx, "run-1")
	ctx = WithBatchIDCtx(ctx, "batch-2")
	if got := RunIDFromCtx(ctx); got != "run-1" {
		t.Errorf("RunIDFromCtx = %q", got)
	}
	if got := BatchIDFromCtx(ctx); got != "batch-2" {
		t.Errorf("BatchIDFromCtx = %q", got)
	}
}

func TestContextLoggerPrefersContextLogger(t *testing.T) {
	var ctxBuf, baseBuf bytes.Buffer
	ctxLogger := New(Config{Output: &ctxBuf})
	base := New(Config{Output: &baseBuf})

	ctx := WithLoggerCtx(context.Background(), ctxLogger)
	ctx = WithRunIDCtx(ctx, "run-1")
	ContextLogger(ctx, base).Info("hello")

	if baseBuf.Len() != 0 {
		t.Error("base logger should not be used when the context has one")
	}
	var entry Entry
	if err := json.Unmarshal(ctxBuf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse JSON: %v", err)
	}
	if entry.RunID != "run-1" {
		t.Errorf("runId = %q, want run-1", entry.RunID)
	}
}

func TestContextLoggerFallsBackToBase(t *testing.T) {
	var buf bytes.Buffer
	base := New(Config{Output: &buf})

	ctx := WithBatchIDCtx(context.Background(), "batch-9")
	ContextLogger(ctx, base).Info("hello")

	var entry Entry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse JSON: %v", err)
	}
	if entry.BatchID != "batch-9" {
		t.Errorf("batchId = %q, want batch-9", entry.BatchID)
	}
}

func TestFromCtxUsesGlobal(t *testing.T) {
	var buf bytes.Buffer
	withGlobal(t, New(Config{Output: &buf}))

	FromCtx(WithRunIDCtx(context.Background(), "run-g")).Info("global")
	var entry Entry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse JSON: %v", err)
	}
	if entry.RunID != "run-g" {
		t.Errorf("runId = %q, want run-g", entry.RunID)
	}
}

func TestPropagateIDs(t *testing.T) {
	l := DefaultLogger().WithRunID("run-1").WithBatchID("batch-2")
	ctx := PropagateIDs(context.Background(), l)

	if RunIDFromCtx(ctx) != "run-1" || BatchIDFromCtx(ctx) != "batch-2" {
		t.Errorf("propagated run=%q batch=%q", RunIDFromCtx(ctx), BatchIDFromCtx(ctx))
	}
	if got := PropagateIDs(context.Background(), nil); got != context.Background() {
		t.Error("nil logger should leave the context untouched")
	}
}
