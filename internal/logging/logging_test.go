package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync/atomic"
	"testing"
)

func capture(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	defaultLogger.mu.Lock()
	origOut, origLevel := defaultLogger.output, defaultLogger.minLevel
	defaultLogger.mu.Unlock()
	SetOutput(&buf)
	t.Cleanup(func() {
		SetOutput(origOut)
		defaultLogger.mu.Lock()
		defaultLogger.minLevel = origLevel
		defaultLogger.mu.Unlock()
	})
	return &buf
}

func decode(t *testing.T, line string) LogEntry {
	t.Helper()
	var entry LogEntry
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("failed to unmarshal log entry %q: %v", line, err)
	}
	return entry
}

func TestF(t *testing.T) {
	tests := []struct {
		name     string
		keyvals  []interface{}
		expected map[string]interface{}
	}{
		{"single pair", []interface{}{"key", "value"}, map[string]interface{}{"key": "value"}},
		{"multiple pairs", []interface{}{"a", 1, "b", true}, map[string]interface{}{"a": 1, "b": true}},
		{"empty", nil, map[string]interface{}{}},
		{"odd number of args", []interface{}{"a", 1, "b"}, map[string]interface{}{"a": 1}},
		{"non-string key", []interface{}{7, "x", "k", "v"}, map[string]interface{}{"k": "v"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := F(tt.keyvals...)
			if len(got) != len(tt.expected) {
				t.Fatalf("F() returned %d fields, expected %d", len(got), len(tt.expected))
			}
			for k, v := range tt.expected {
				if got[k] != v {
					t.Errorf("F() key %q = %v, expected %v", k, got[k], v)
				}
			}
		})
	}
}

func TestSeverities(t *testing.T) {
	tests := []struct {
		emit     func(string, ...map[string]interface{})
		text     string
		severity int
	}{
		{Info, "INFO", 9},
		{Warn, "WARN", 13},
		{Error, "ERROR", 17},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			buf := capture(t)
			tt.emit("harvest finished", F("endpoint", "jserrors"))

			entry := decode(t, strings.TrimSpace(buf.String()))
			if entry.SeverityText != tt.text {
				t.Errorf("SeverityText = %q, want %q", entry.SeverityText, tt.text)
			}
			if entry.SeverityNumber != tt.severity {
				t.Errorf("SeverityNumber = %d, want %d", entry.SeverityNumber, tt.severity)
			}
			if entry.Attributes["endpoint"] != "jserrors" {
				t.Errorf("endpoint attribute = %v", entry.Attributes["endpoint"])
			}
			if entry.Timestamp == "" {
				t.Error("expected Timestamp to be set")
			}
		})
	}
}

func TestSetLevelFiltersDebug(t *testing.T) {
	buf := capture(t)

	Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug entry written at default level: %s", buf.String())
	}

	SetLevel(LevelDebug)
	Debug("visible")
	entry := decode(t, strings.TrimSpace(buf.String()))
	if entry.SeverityNumber != 5 {
		t.Errorf("SeverityNumber = %d, want 5", entry.SeverityNumber)
	}

	SetLevel(LevelError)
	if Enabled(LevelWarn) {
		t.Error("WARN should be disabled at ERROR level")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":   LevelDebug,
		" WARN ":  LevelWarn,
		"warning": LevelWarn,
		"error":   LevelError,
		"":        LevelInfo,
		"bogus":   LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestResourceAndHook(t *testing.T) {
	buf := capture(t)

	var calls atomic.Int32
	SetHook(func(level Level, msg string, attrs map[string]interface{}) {
		if level == LevelWarn && msg == "payload dropped" {
			calls.Add(1)
		}
	})
	SetResource(map[string]string{"service.name": "telemetry-harvester"})
	defer SetHook(nil)
	defer SetResource(nil)

	Warn("payload dropped")

	entry := decode(t, strings.TrimSpace(buf.String()))
	if entry.Resource["service.name"] != "telemetry-harvester" {
		t.Errorf("resource not attached: %v", entry.Resource)
	}
	if calls.Load() != 1 {
		t.Errorf("hook called %d times, want 1", calls.Load())
	}
}
