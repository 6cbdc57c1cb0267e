package logging

import (
	"io"
	"os"
	"sync"
)

var (
	globalLogger = DefaultLogger()
	globalMu     sync.RWMutex
)

// SetGlobal sets the global logger.
func SetGlobal(l *Logger) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalLogger = l
}

// Global returns the global logger.
func Global() *Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}

// Configure builds a stderr logger from the observability settings and
// installs it as the global logger. Caller info is enabled at debug level.
func Configure(level, format string) *Logger {
	return ConfigureOutput(os.Stderr, level, format)
}

// ConfigureOutput is Configure with an explicit destination.
func ConfigureOutput(w io.Writer, level, format string) *Logger {
	lvl := ParseLevel(level)
	l := New(Config{
		Level:     lvl,
		Format:    ParseFormat(format),
		Output:    w,
		AddCaller: lvl == LevelDebug,
	})
	SetGlobal(l)
	return l
}

// Infof logs an info message with fields to the global logger.
func Infof(msg string, fields map[string]any) {
	Global().Infof(msg, fields)
}

// Warnf logs a warning message with fields to the global logger.
func Warnf(msg string, fields map[string]any) {
	Global().Warnf(msg, fields)
}

// Errorf logs an error message with fields to the global logger.
func Errorf(msg string, fields map[string]any) {
	Global().Errorf(msg, fields)
}
