// Package bsconfig implements the engine Config entity (§3) and its on-disk
// JSON format (§6), adapted from the teacher's defaults-filling
// New()/LoadFile pattern in internal/config/config.go -- but persisted as
// pretty JSON rather than TOML, since §6 mandates a bit-exact JSON format
// for this one file.
package bsconfig

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"brainsurgeon/internal/brerr"
	"brainsurgeon/internal/trigger"
)

// RawRule is one trigger rule as it appears in the config file: a free-form
// JSON object decoded into a trigger.Rule by the trigger-matching layer.
type RawRule map[string]any

// Config is the engine configuration (§3).
type Config struct {
	Enabled                 bool      `json:"enabled"`
	TriggerRules            []RawRule `json:"trigger_rules"`
	KeepRecent              int       `json:"keep_recent"`
	MinValueLength          int       `json:"min_value_length"`
	AutoCron                string    `json:"auto_cron"`
	Retention               string    `json:"retention"`
	RetentionCron           string    `json:"retention_cron"`
	KeepRestoreRemoteCalls  bool      `json:"keep_restore_remote_calls"`
	KeepAfterRestoreSeconds int       `json:"keep_after_restore_seconds"`
	LastRunAt               string    `json:"last_run_at,omitempty"`
	LastRetentionRunAt      string    `json:"last_retention_run_at,omitempty"`
}

// Defaults returns a Config populated with the §6 defaults.
func Defaults() Config {
	return Config{
		Enabled:                 false,
		TriggerRules:            []RawRule{},
		KeepRecent:              3,
		MinValueLength:          500,
		AutoCron:                "*/2 * * * *",
		Retention:               "24h",
		RetentionCron:           "0 */6 * * *",
		KeepRestoreRemoteCalls:  false,
		KeepAfterRestoreSeconds: 600,
	}
}

// Rules decodes TriggerRules into trigger.Rule values for the Trigger Engine.
func (c Config) Rules() []trigger.Rule {
	rules := make([]trigger.Rule, 0, len(c.TriggerRules))
	for _, r := range c.TriggerRules {
		rules = append(rules, trigger.RuleFromMap(r))
	}
	return rules
}

// Effective builds the trigger.EffectiveConfig the Trigger Engine consumes.
func (c Config) Effective() trigger.EffectiveConfig {
	return trigger.EffectiveConfig{
		Enabled:                 c.Enabled,
		Rules:                   c.Rules(),
		KeepRecent:              c.KeepRecent,
		MinValueLength:          c.MinValueLength,
		KeepAfterRestoreSeconds: c.KeepAfterRestoreSeconds,
	}
}

// Store owns the on-disk config file and fills missing fields from
// Defaults() on load, matching §6: "missing fields filled from defaults."
type Store struct {
	path string
	mu   sync.RWMutex
	cfg  Config
}

// NewStore loads (or initializes) the config file at path.
func NewStore(path string) (*Store, error) {
	s := &Store{path: path}
	cfg, err := loadOrDefault(path)
	if err != nil {
		return nil, err
	}
	s.cfg = cfg
	return s, nil
}

func loadOrDefault(path string) (Config, error) {
	defaults := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return defaults, nil
		}
		return Config{}, brerr.New(brerr.Internal, "bsconfig.Load", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Config{}, brerr.New(brerr.Validation, "bsconfig.Load", err)
	}

	cfg := defaults
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, brerr.New(brerr.Validation, "bsconfig.Load", err)
	}
	// Unmarshal leaves fields absent from the file at their Defaults()
	// values, and an explicit 0 in the file is kept as 0. The pass below
	// re-applies defaults for keys missing from the file and also replaces
	// explicitly empty cron/retention strings and a null trigger_rules.
	applyMissingDefaults(&cfg, raw, defaults)

	return cfg, nil
}

func applyMissingDefaults(cfg *Config, raw map[string]json.RawMessage, defaults Config) {
	if _, ok := raw["keep_recent"]; !ok {
		cfg.KeepRecent = defaults.KeepRecent
	}
	if _, ok := raw["min_value_length"]; !ok {
		cfg.MinValueLength = defaults.MinValueLength
	}
	if _, ok := raw["auto_cron"]; !ok || cfg.AutoCron == "" {
		cfg.AutoCron = defaults.AutoCron
	}
	if _, ok := raw["retention"]; !ok || cfg.Retention == "" {
		cfg.Retention = defaults.Retention
	}
	if _, ok := raw["retention_cron"]; !ok || cfg.RetentionCron == "" {
		cfg.RetentionCron = defaults.RetentionCron
	}
	if _, ok := raw["keep_after_restore_seconds"]; !ok {
		cfg.KeepAfterRestoreSeconds = defaults.KeepAfterRestoreSeconds
	}
	if cfg.TriggerRules == nil {
		cfg.TriggerRules = defaults.TriggerRules
	}
}

// Get returns the current in-memory config.
func (s *Store) Get() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Save persists cfg as pretty JSON (2-space indent) and updates the
// in-memory copy.
func (s *Store) Save(cfg Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return brerr.New(brerr.Internal, "bsconfig.Save", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return brerr.New(brerr.Internal, "bsconfig.Save", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return brerr.New(brerr.Internal, "bsconfig.Save", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return brerr.New(brerr.Internal, "bsconfig.Save", err)
	}

	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	return nil
}

// Reload re-reads the config file from disk, used by the fsnotify watch
// loop in watch.go when the file changes underneath the process.
func (s *Store) Reload() (Config, error) {
	cfg, err := loadOrDefault(s.path)
	if err != nil {
		return Config{}, err
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	return cfg, nil
}

// Path returns the config file path.
func (s *Store) Path() string { return s.path }
