package sidestore

import (
	"os"
	"testing"
	"time"
)

func TestStoreReadDelete(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	payload := map[string]any{"thinking": "hello", "__meta": map[string]any{"trigger_type": "thinking"}}
	path, n, err := s.Store("agent1", "sess1", "e1", payload)
	if err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	if n == 0 {
		t.Error("expected non-zero bytes written")
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("payload file not on disk: %v", err)
	}

	got, err := s.Read("agent1", "sess1", "e1")
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if got["thinking"] != "hello" {
		t.Errorf("wrong payload content: %v", got)
	}

	ids, err := s.List("agent1", "sess1")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != "e1" {
		t.Errorf("expected [e1], got %v", ids)
	}

	ok, err := s.Delete("agent1", "sess1", "e1")
	if err != nil || !ok {
		t.Fatalf("Delete failed: ok=%v err=%v", ok, err)
	}

	got2, err := s.Read("agent1", "sess1", "e1")
	if err != nil {
		t.Fatal(err)
	}
	if got2 != nil {
		t.Error("expected nil after delete")
	}
}

func TestReadMissingReturnsNil(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	got, err := s.Read("agent1", "sess1", "missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Error("expected nil payload for missing entry")
	}
}

func TestFindExpiredIsMonotoneAndRespectsAge(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	if _, _, err := s.Store("agent1", "sess1", "old", map[string]any{"x": 1}); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.Store("agent1", "sess1", "new", map[string]any{"x": 2}); err != nil {
		t.Fatal(err)
	}

	oldPath := s.path("agent1", "sess1", "old")
	oldTime := time.Now().Add(-25 * time.Hour)
	if err := os.Chtimes(oldPath, oldTime, oldTime); err != nil {
		t.Fatal(err)
	}

	expired, err := s.FindExpired(24 * time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if len(expired) != 1 || expired[0].Entry != "old" {
		t.Fatalf("expected only 'old' to be expired, got %+v", expired)
	}

	// Monotonicity: a larger threshold never returns more than a smaller one.
	wider, err := s.FindExpired(1 * time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if len(wider) < len(expired) {
		t.Errorf("FindExpired should be monotone in its threshold: wider=%d narrower=%d", len(wider), len(expired))
	}
}
