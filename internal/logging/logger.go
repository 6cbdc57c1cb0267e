// Package logging provides structured logging with sweep run and batch ID
// propagation.
//
// A sweep run covers one full pass over a table and may span many batches
// and restarts; its run ID is stored in the progress record so log lines of
// a resumed run share the ID. Each RunOnce call gets a fresh batch ID.
package logging

import (
	"encoding/json"
	"io"
	"os"
	"runtime"
	"sort"
	"strconv"
	"sync"
	"time"
)

// Level represents the severity of a log message.
type Level int

const (
	// LevelDebug is for detailed debugging information.
	LevelDebug Level = iota
	// LevelInfo is for general information messages.
	LevelInfo
	// LevelWarn is for warning messages.
	LevelWarn
	// LevelError is for error messages.
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

// ParseLevel converts a string to a Level. Unknown values map to info.
func ParseLevel(s string) Level {
	switch s {
	case "debug":
		return LevelDebug
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Format represents the output format for log messages.
type Format int

const (
	// FormatJSON outputs logs as JSON objects.
	FormatJSON Format = iota
	// FormatText outputs logs as human-readable text.
	FormatText
)

// ParseFormat converts a string to a Format. Unknown values map to JSON.
func ParseFormat(s string) Format {
	if s == "text" {
		return FormatText
	}
	return FormatJSON
}

// Entry represents a single log entry.
type Entry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	RunID     string         `json:"runId,omitempty"`
	BatchID   string         `json:"batchId,omitempty"`
	File      string         `json:"file,omitempty"`
	Line      int            `json:"line,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Logger provides structured logging with configurable levels and formats.
type Logger struct {
	mu         sync.Mutex
	out        io.Writer
	level      Level
	format     Format
	addCaller  bool
	callerSkip int
	fields     map[string]any
	runID      string
	batchID    string
}

// Config holds configuration for a Logger.
type Config struct {
	Level      Level
	Format     Format
	Output     io.Writer
	AddCaller  bool
	CallerSkip int
}

// New creates a new Logger with the given configuration.
func New(cfg Config) *Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	return &Logger{
		out:        out,
		level:      cfg.Level,
		format:     cfg.Format,
		addCaller:  cfg.AddCaller,
		callerSkip: cfg.CallerSkip,
		fields:     make(map[string]any),
	}
}

// DefaultLogger returns a logger with default settings.
func DefaultLogger() *Logger {
	return New(Config{
		Level:  LevelInfo,
		Format: FormatJSON,
		Output: os.Stderr,
	})
}

// SetLevel updates the minimum logging level.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// GetLevel returns the current logging level.
func (l *Logger) GetLevel() Level {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

// SetFormat updates the output format.
func (l *Logger) SetFormat(format Format) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.format = format
}

// SetAddCaller enables or disables caller info (file/line).
func (l *Logger) SetAddCaller(add bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.addCaller = add
}

// derive copies l under its lock, merges extra fields and lets mutate
// adjust the copy before it is returned.
func (l *Logger) derive(extra map[string]any, mutate func(*Logger)) *Logger {
	l.mu.Lock()
	defer l.mu.Unlock()

	fields := make(map[string]any, len(l.fields)+len(extra))
	for k, v := range l.fields {
		fields[k] = v
	}
	for k, v := range extra {
		fields[k] = v
	}

	child := &Logger{
		out:        l.out,
		level:      l.level,
		format:     l.format,
		addCaller:  l.addCaller,
		callerSkip: l.callerSkip,
		fields:     fields,
		runID:      l.runID,
		batchID:    l.batchID,
	}
	if mutate != nil {
		mutate(child)
	}
	return child
}

// With returns a new Logger with the given fields added.
func (l *Logger) With(fields map[string]any) *Logger {
	return l.derive(fields, nil)
}

// WithRunID returns a new Logger tagged with a sweep run ID.
func (l *Logger) WithRunID(id string) *Logger {
	return l.derive(nil, func(c *Logger) { c.runID = id })
}

// WithBatchID returns a new Logger tagged with a sweep batch ID.
func (l *Logger) WithBatchID(id string) *Logger {
	return l.derive(nil, func(c *Logger) { c.batchID = id })
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string) {
	l.log(LevelDebug, msg, nil)
}

// Debugf logs a debug message with fields.
func (l *Logger) Debugf(msg string, fields map[string]any) {
	l.log(LevelDebug, msg, fields)
}

// Info logs an info message.
func (l *Logger) Info(msg string) {
	l.log(LevelInfo, msg, nil)
}

// Infof logs an info message with fields.
func (l *Logger) Infof(msg string, fields map[string]any) {
	l.log(LevelInfo, msg, fields)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string) {
	l.log(LevelWarn, msg, nil)
}

// Warnf logs a warning message with fields.
func (l *Logger) Warnf(msg string, fields map[string]any) {
	l.log(LevelWarn, msg, fields)
}

// Error logs an error message.
func (l *Logger) Error(msg string) {
	l.log(LevelError, msg, nil)
}

// Errorf logs an error message with fields.
func (l *Logger) Errorf(msg string, fields map[string]any) {
	l.log(LevelError, msg, fields)
}

func (l *Logger) log(level Level, msg string, extraFields map[string]any) {
	l.mu.Lock()
	if level < l.level {
		l.mu.Unlock()
		return
	}
	entry := Entry{
		Timestamp: time.Now().UTC(),
		Level:     level.String(),
		Message:   msg,
		RunID:     l.runID,
		BatchID:   l.batchID,
	}
	format := l.format
	addCaller := l.addCaller
	callerSkip := l.callerSkip
	fields := l.fields
	out := l.out
	l.mu.Unlock()

	if addCaller {
		if _, file, line, ok := runtime.Caller(2 + callerSkip); ok {
			entry.File = file
			entry.Line = line
		}
	}

	if len(fields) > 0 || len(extraFields) > 0 {
		entry.Fields = make(map[string]any, len(fields)+len(extraFields))
		for k, v := range fields {
			entry.Fields[k] = v
		}
		for k, v := range extraFields {
			entry.Fields[k] = v
		}
	}

	var data []byte
	switch format {
	case FormatJSON:
		data, _ = json.Marshal(entry)
		data = append(data, '\n')
	case FormatText:
		data = formatText(entry)
	}

	l.mu.Lock()
	_, _ = out.Write(data)
	l.mu.Unlock()
}

// formatText renders an entry on one line with fields in key order.
func formatText(e Entry) []byte {
	buf := make([]byte, 0, 256)
	buf = append(buf, e.Timestamp.Format(time.RFC3339)...)
	buf = append(buf, " ["...)
	buf = append(buf, e.Level...)
	buf = append(buf, "] "...)
	buf = append(buf, e.Message...)

	if e.RunID != "" {
		buf = append(buf, " runId="...)
		buf = append(buf, e.RunID...)
	}
	if e.BatchID != "" {
		buf = append(buf, " batchId="...)
		buf = append(buf, e.BatchID...)
	}
	if e.File != "" {
		buf = append(buf, " file="...)
		buf = append(buf, e.File...)
		buf = append(buf, ':')
		buf = strconv.AppendInt(buf, int64(e.Line), 10)
	}

	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		buf = append(buf, ' ')
		buf = append(buf, k...)
		buf = append(buf, '=')
		switch val := e.Fields[k].(type) {
		case string:
			buf = append(buf, val...)
		case error:
			buf = append(buf, val.Error()...)
		default:
			data, _ := json.Marshal(val)
			buf = append(buf, data...)
		}
	}
	return append(buf, '\n')
}
