package scheduler

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"brainsurgeon/internal/bsconfig"
	"brainsurgeon/internal/entry"
	"brainsurgeon/internal/sidestore"
	"brainsurgeon/internal/store"
	"brainsurgeon/internal/telemetry"
)

func TestParseDuration(t *testing.T) {
	cases := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"500ms", 500 * time.Millisecond, false},
		{"30s", 30 * time.Second, false},
		{"24h", 24 * time.Hour, false},
		{"7d", 7 * 24 * time.Hour, false},
		{"2w", 2 * 7 * 24 * time.Hour, false},
		{"5", 5 * time.Millisecond, false},
		{"", 0, true},
		{"abc", 0, true},
		{"10x", 0, true},
	}
	for _, c := range cases {
		got, err := ParseDuration(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("ParseDuration(%q): expected error", c.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseDuration(%q): unexpected error: %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("ParseDuration(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func setup(t *testing.T) (*Scheduler, *store.Store, *sidestore.Store, *bsconfig.Store) {
	t.Helper()
	root := t.TempDir()
	sessions := store.New(root)
	payloads := sidestore.New(root)

	cfgStore, err := bsconfig.NewStore(filepath.Join(t.TempDir(), "config.json"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	cfg := cfgStore.Get()
	cfg.Enabled = true
	cfg.KeepRecent = 0
	cfg.MinValueLength = 100
	cfg.TriggerRules = []bsconfig.RawRule{{"type": "thinking", "min_length": float64(100), "keep_recent": float64(0)}}
	if err := cfgStore.Save(cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	telem, err := telemetry.New(telemetry.Config{Protocol: "noop"})
	if err != nil {
		t.Fatalf("telemetry.New: %v", err)
	}

	return New(sessions, payloads, cfgStore, telem), sessions, payloads, cfgStore
}

func TestExtractPassOneAppliesTriggerAndStoresPayload(t *testing.T) {
	sched, sessions, payloads, _ := setup(t)

	big := strings.Repeat("a", 600)
	var e entry.Entry
	if err := e.UnmarshalJSON([]byte(`{"__id":"e1","customType":"thinking","thinking":"` + big + `"}`)); err != nil {
		t.Fatalf("bad fixture: %v", err)
	}
	if err := sessions.Save("agentA", "sess1", &store.Session{Agent: "agentA", ID: "sess1", Entries: []entry.Entry{e}}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	sched.runAutoTrigger()

	reloaded, err := sessions.Load("agentA", "sess1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	val, _ := reloaded.Entries[0].GetString("thinking")
	if val != "[[extracted-e1]]" {
		t.Errorf("expected entry to be extracted, got %q", val)
	}

	payload, err := payloads.Read("agentA", "sess1", "e1")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if payload == nil || payload["thinking"] != big {
		t.Error("expected payload to hold original value")
	}
}

func TestRunJobNowUnknownJob(t *testing.T) {
	sched, _, _, _ := setup(t)
	if err := sched.RunJobNow("bogus"); err == nil {
		t.Error("expected error for unknown job name")
	}
}

func TestSingleFlightDropsConcurrentFire(t *testing.T) {
	sched, _, _, _ := setup(t)
	j := &job{name: "test"}

	started := make(chan struct{})
	release := make(chan struct{})
	var secondRan bool

	go sched.runSingleFlight(j, func() {
		close(started)
		<-release
	})
	<-started

	sched.runSingleFlight(j, func() { secondRan = true })
	close(release)

	if secondRan {
		t.Error("expected concurrent fire to be dropped")
	}
}
