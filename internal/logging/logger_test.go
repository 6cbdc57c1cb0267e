package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func newTestLogger(level Level, format Format) (*Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return New(Config{Level: level, Format: format, Output: &buf}), &buf
}

func decode(t *testing.T, buf *bytes.Buffer) Entry {
	t.Helper()
	var entry Entry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse JSON %q: %v", buf.String(), err)
	}
	return entry
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
	}{
		{"debug", LevelDebug},
		{"info", LevelInfo},
		{"warn", LevelWarn},
		{"error", LevelError},
		{"bogus", LevelInfo},
	}
	for _, tc := range tests {
		t.Run(tc.input, func(t *testing.T) {
			if got := ParseLevel(tc.input); got != tc.expected {
				t.Errorf("ParseLevel(%q) = %v, want %v", tc.input, got, tc.expected)
			}
		})
	}
}

func TestLevelString(t *testing.T) {
	for lvl, want := range map[Level]string{
		LevelDebug: "debug", LevelInfo: "info", LevelWarn: "warn", LevelError: "error", Level(42): "unknown",
	} {
		if got := lvl.String(); got != want {
			t.Errorf("Level(%d).String() = %q, want %q", lvl, got, want)
		}
	}
}

func TestParseFormat(t *testing.T) {
	if ParseFormat("text") != FormatText {
		t.Error("text should parse as FormatText")
	}
	if ParseFormat("json") != FormatJSON || ParseFormat("other") != FormatJSON {
		t.Error("json and unknown values should parse as FormatJSON")
	}
}

func TestLoggerJSONEntry(t *testing.T) {
	l, buf := newTestLogger(LevelInfo, FormatJSON)
	l.Infof("batch swept", map[string]any{"deleted": 3})

	entry := decode(t, buf)
	if entry.Level != "info" || entry.Message != "batch swept" {
		t.Errorf("entry = %+v", entry)
	}
	if entry.Fields["deleted"] != float64(3) {
		t.Errorf("fields = %v", entry.Fields)
	}
	if entry.Timestamp.IsZero() {
		t.Error("timestamp should be set")
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	l, buf := newTestLogger(LevelWarn, FormatJSON)

	l.Debug("debug msg")
	l.Info("info msg")
	if buf.Len() > 0 {
		t.Error("debug/info should be filtered at warn level")
	}
	l.Warn("warn msg")
	if buf.Len() == 0 {
		t.Error("warn should pass at warn level")
	}

	buf.Reset()
	l.SetLevel(LevelError)
	l.Warn("dropped")
	if buf.Len() > 0 {
		t.Error("SetLevel should raise the threshold")
	}
	l.Error("kept")
	if decode(t, buf).Level != "error" {
		t.Error("error should pass at error level")
	}
}

func TestLoggerWithFields(t *testing.T) {
	l, buf := newTestLogger(LevelInfo, FormatJSON)
	child := l.With(map[string]any{"component": "sweeper"})

	child.Infof("msg", map[string]any{"table": "t"})
	entry := decode(t, buf)
	if entry.Fields["component"] != "sweeper" || entry.Fields["table"] != "t" {
		t.Errorf("fields = %v", entry.Fields)
	}

	buf.Reset()
	l.Info("parent")
	if decode(t, buf).Fields["component"] != nil {
		t.Error("With must not mutate the parent logger")
	}
}

func TestLoggerRunAndBatchIDs(t *testing.T) {
	l, buf := newTestLogger(LevelInfo, FormatJSON)

	l.WithRunID("run-1").WithBatchID("batch-7").Info("tagged")
	entry := decode(t, buf)
	if entry.RunID != "run-1" || entry.BatchID != "batch-7" {
		t.Errorf("runId=%q batchId=%q", entry.RunID, entry.BatchID)
	}

	buf.Reset()
	l.Info("untagged")
	entry = decode(t, buf)
	if entry.RunID != "" || entry.BatchID != "" {
		t.Error("deriving must not tag the original logger")
	}
}

func TestLoggerTextFormat(t *testing.T) {
	l, buf := newTestLogger(LevelInfo, FormatText)
	l.WithRunID("run-1").WithBatchID("batch-7").Infof("text", map[string]any{
		"zeta":  "last",
		"alpha": 1,
		"err":   errors.New("boom"),
	})

	out := buf.String()
	for _, want := range []string{"[info] text", "runId=run-1", "batchId=batch-7", "err=boom", "alpha=1"} {
		if !strings.Contains(out, want) {
			t.Errorf("text output %q missing %q", out, want)
		}
	}
	if strings.Index(out, "alpha=") > strings.Index(out, "zeta=") {
		t.Error("text fields should be sorted by key")
	}
	if !strings.HasSuffix(out, "\n") {
		t.Error("text output should end with a newline")
	}
}

func TestLoggerCaller(t *testing.T) {
	l, buf := newTestLogger(LevelInfo, FormatJSON)
	l.SetAddCaller(true)
	l.Info("where")

	entry := decode(t, buf)
	if !strings.HasSuffix(entry.File, "logger_test.go") || entry.Line == 0 {
		t.Errorf("caller = %s:%d", entry.File, entry.Line)
	}
}

func TestLoggerSetFormat(t *testing.T) {
	l, buf := newTestLogger(LevelInfo, FormatJSON)
	l.SetFormat(FormatText)
	l.Info("plain")
	if strings.HasPrefix(buf.String(), "{") {
		t.Errorf("expected text output, got %q", buf.String())
	}
}
