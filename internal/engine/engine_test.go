package engine

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"brainsurgeon/internal/bsconfig"
	"brainsurgeon/internal/bus"
	"brainsurgeon/internal/entry"
	"brainsurgeon/internal/store"
	"brainsurgeon/internal/telemetry"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	root := t.TempDir()
	opts := Options{
		AgentsDir:  root,
		ConfigPath: filepath.Join(root, "config.json"),
		BusPath:    filepath.Join(root, "bus.db"),
		Telemetry:  telemetry.Config{Protocol: "noop"},
	}
	e, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { e.Bus.Close() })
	return e
}

func TestPruneRequestExtractsAndPublishesResponse(t *testing.T) {
	e := newTestEngine(t)

	cfg := e.Config.Get()
	cfg.Enabled = true
	cfg.TriggerRules = []bsconfig.RawRule{{"type": "thinking", "min_length": float64(100), "keep_recent": float64(0)}}
	if err := e.Config.Save(cfg); err != nil {
		t.Fatalf("Save config: %v", err)
	}

	big := strings.Repeat("a", 600)
	var ent entry.Entry
	if err := ent.UnmarshalJSON([]byte(`{"__id":"e1","customType":"thinking","thinking":"` + big + `"}`)); err != nil {
		t.Fatalf("bad fixture: %v", err)
	}
	if err := e.Sessions.Save("agentA", "sess1", &store.Session{Agent: "agentA", ID: "sess1", Entries: []entry.Entry{ent}}); err != nil {
		t.Fatalf("Save session: %v", err)
	}

	received := make(chan bus.Message, 1)
	e.Bus.Subscribe("prune.response", func(m bus.Message) error {
		received <- m
		return nil
	})

	if err := e.Bus.Publish("prune.request", map[string]any{"agentId": "agentA", "sessionId": "sess1"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	e.Start(ctx)
	defer e.Stop(ctx)

	select {
	case msg := <-received:
		count, _ := msg.Payload["externalized"].(float64)
		if count != 1 {
			t.Errorf("expected externalized=1, got payload %#v", msg.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for prune.response")
	}

	reloaded, err := e.Sessions.Load("agentA", "sess1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	val, _ := reloaded.Entries[0].GetString("thinking")
	if val != "[[extracted-e1]]" {
		t.Errorf("expected entry extracted via prune.request, got %q", val)
	}
}

func TestRestoreRequestPublishesResponse(t *testing.T) {
	e := newTestEngine(t)

	var ent entry.Entry
	if err := ent.UnmarshalJSON([]byte(`{"__id":"e1","customType":"thinking","thinking":"[[extracted-e1]]"}`)); err != nil {
		t.Fatalf("bad fixture: %v", err)
	}
	if err := e.Sessions.Save("agentA", "sess1", &store.Session{Agent: "agentA", ID: "sess1", Entries: []entry.Entry{ent}}); err != nil {
		t.Fatalf("Save session: %v", err)
	}
	if _, _, err := e.Payloads.Store("agentA", "sess1", "e1", map[string]any{"thinking": "the original long thought"}); err != nil {
		t.Fatalf("Store payload: %v", err)
	}

	received := make(chan bus.Message, 1)
	e.Bus.Subscribe("restore.response", func(m bus.Message) error {
		received <- m
		return nil
	})

	if err := e.Bus.Publish("restore.request", map[string]any{
		"agentId": "agentA", "sessionId": "sess1", "entryId": "e1",
	}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	e.Start(ctx)
	defer e.Stop(ctx)

	select {
	case msg := <-received:
		if ok, _ := msg.Payload["success"].(bool); !ok {
			t.Errorf("expected success=true, got payload %#v", msg.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for restore.response")
	}
}
