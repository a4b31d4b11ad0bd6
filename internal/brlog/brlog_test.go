package brlog

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestLogEmitsJSONLine(t *testing.T) {
	var buf bytes.Buffer
	l := New()
	l.SetOutput(&buf)

	l.Info("session saved", map[string]any{"agent": "a1", "session": "s1"})

	var entry Entry
	if err := json.Unmarshal(bytes.TrimRight(buf.Bytes(), "\n"), &entry); err != nil {
		t.Fatalf("expected valid JSON line, got %q: %v", buf.String(), err)
	}
	if entry.Level != LevelInfo || entry.Message != "session saved" {
		t.Errorf("unexpected entry: %+v", entry)
	}
	if entry.Fields["agent"] != "a1" {
		t.Errorf("expected fields.agent = a1, got %+v", entry.Fields)
	}
}

func TestSetLevelFiltersBelowMinimum(t *testing.T) {
	var buf bytes.Buffer
	l := New()
	l.SetOutput(&buf)
	l.SetLevel(LevelWarn)

	l.Debug("should be dropped")
	l.Info("should also be dropped")
	if buf.Len() != 0 {
		t.Errorf("expected no output below min level, got %q", buf.String())
	}

	l.Warn("should appear")
	if !strings.Contains(buf.String(), "should appear") {
		t.Errorf("expected warn line to be emitted, got %q", buf.String())
	}
}

func TestWithComponentStampsComponentField(t *testing.T) {
	var buf bytes.Buffer
	l := New()
	l.SetOutput(&buf)
	scoped := l.WithComponent("store")

	scoped.Error("write failed", nil)

	var entry Entry
	if err := json.Unmarshal(bytes.TrimRight(buf.Bytes(), "\n"), &entry); err != nil {
		t.Fatalf("invalid JSON line: %v", err)
	}
	if entry.Component != "store" {
		t.Errorf("expected component 'store', got %q", entry.Component)
	}
}
