package logging

import (
	"context"
)

type contextKey int

const (
	runIDKey contextKey = iota
	batchIDKey
	loggerKey
)

// WithRunIDCtx returns a new context carrying a sweep run ID.
func WithRunIDCtx(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey, id)
}

// RunIDFromCtx extracts the run ID from the context.
func RunIDFromCtx(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey).(string)
	return id
}

// WithBatchIDCtx returns a new context carrying a sweep batch ID.
func WithBatchIDCtx(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, batchIDKey, id)
}

// BatchIDFromCtx extracts the batch ID from the context.
func BatchIDFromCtx(ctx context.Context) string {
	id, _ := ctx.Value(batchIDKey).(string)
	return id
}

// WithLoggerCtx returns a new context with the logger attached.
func WithLoggerCtx(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// LoggerFromCtx returns the logger from context, or nil if not set.
func LoggerFromCtx(ctx context.Context) *Logger {
	l, _ := ctx.Value(loggerKey).(*Logger)
	return l
}

// FromCtx is ContextLogger with the global logger as the base.
func FromCtx(ctx context.Context) *Logger {
	return ContextLogger(ctx, nil)
}

// ContextLogger returns the context's logger (or base, or the global
// logger) tagged with the run and batch IDs found in the context.
func ContextLogger(ctx context.Context, base *Logger) *Logger {
	l := LoggerFromCtx(ctx)
	if l == nil {
		l = base
	}
	if l == nil {
		l = Global()
	}
	if id := RunIDFromCtx(ctx); id != "" {
		l = l.WithRunID(id)
	}
	if id := BatchIDFromCtx(ctx); id != "" {
		l = l.WithBatchID(id)
	}
	return l
}

// PropagateIDs copies the logger's run and batch IDs into the context.
func PropagateIDs(ctx context.Context, l *Logger) context.Context {
	if l == nil {
		return ctx
	}

	l.mu.Lock()
	runID, batchID := l.runID, l.batchID
	l.mu.Unlock()

	if runID != "" {
		ctx = WithRunIDCtx(ctx, runID)
	}
	if batchID != "" {
		ctx = WithBatchIDCtx(ctx, batchID)
	}
	return ctx
}
