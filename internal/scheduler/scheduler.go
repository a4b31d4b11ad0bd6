// Package scheduler implements the two cron-driven jobs (§4.G): the
// auto-trigger extract pass and the retention-cleanup payload sweep, each
// guarded by single-flight and independently reloadable from live config.
package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"brainsurgeon/internal/brerr"
	"brainsurgeon/internal/brlog"
	"brainsurgeon/internal/bsconfig"
	"brainsurgeon/internal/sidestore"
	"brainsurgeon/internal/store"
	"brainsurgeon/internal/telemetry"
	"brainsurgeon/internal/transform"
	"brainsurgeon/internal/trigger"
)

var logger = brlog.Default.WithComponent("scheduler")

const (
	jobAutoTrigger      = "auto-trigger"
	jobRetentionCleanup = "retention-cleanup"
)

// job wraps one scheduled task with its own single-flight guard.
type job struct {
	name    string
	running int32 // atomic bool
	entryID cron.EntryID
	task    func()
}

// Scheduler owns the cron runtime and both named jobs.
type Scheduler struct {
	cron      *cron.Cron
	sessions  *store.Store
	payloads  *sidestore.Store
	config    *bsconfig.Store
	telemetry *telemetry.Provider

	mu   sync.Mutex
	jobs map[string]*job
}

// New builds a Scheduler over the given Session Store, Extraction Side-Store,
// and config Store, and schedules both jobs from the current config.
func New(sessions *store.Store, payloads *sidestore.Store, config *bsconfig.Store, telem *telemetry.Provider) *Scheduler {
	s := &Scheduler{
		cron:      cron.New(),
		sessions:  sessions,
		payloads:  payloads,
		config:    config,
		telemetry: telem,
		jobs:      make(map[string]*job),
	}
	s.scheduleFromConfig(config.Get())
	return s
}

// Start begins the cron runtime in the background.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the cron runtime and waits for any running job invocation to
// return.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// ReloadConfig stops both jobs and reschedules them from newConfig, per §4.G.
func (s *Scheduler) ReloadConfig(newConfig bsconfig.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.cron.Entries()
	for _, e := range entries {
		s.cron.Remove(e.ID)
	}
	s.jobs = make(map[string]*job)

	s.scheduleFromConfigLocked(newConfig)
}

func (s *Scheduler) scheduleFromConfig(cfg bsconfig.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scheduleFromConfigLocked(cfg)
}

func (s *Scheduler) scheduleFromConfigLocked(cfg bsconfig.Config) {
	if cfg.Enabled {
		s.addJobLocked(jobAutoTrigger, cfg.AutoCron, s.runAutoTrigger)
	}
	s.addJobLocked(jobRetentionCleanup, cfg.RetentionCron, s.runRetentionCleanup)
}

func (s *Scheduler) addJobLocked(name, expr string, task func()) {
	j := &job{name: name}
	wrapped := func() { s.runSingleFlight(j, task) }
	id, err := s.cron.AddFunc(expr, wrapped)
	if err != nil {
		logger.Warn("failed to schedule job", map[string]any{"job": name, "cron": expr, "error": err.Error()})
		return
	}
	j.entryID = id
	j.task = task
	s.jobs[name] = j
}

// runSingleFlight drops a fire if the job's task is already running (§4.G).
func (s *Scheduler) runSingleFlight(j *job, task func()) {
	if !atomic.CompareAndSwapInt32(&j.running, 0, 1) {
		logger.Debug("job fire dropped, already running", map[string]any{"job": j.name})
		return
	}
	defer atomic.StoreInt32(&j.running, 0)
	task()
}

// RunJobNow synchronously executes the named job regardless of single-flight
// state. Callers must not invoke it concurrently with itself (§4.G).
func (s *Scheduler) RunJobNow(name string) error {
	switch name {
	case jobAutoTrigger:
		s.runAutoTrigger()
		return nil
	case jobRetentionCleanup:
		s.runRetentionCleanup()
		return nil
	default:
		return brerr.New(brerr.Validation, "scheduler.RunJobNow", fmt.Errorf("unknown job %q", name))
	}
}

// runAutoTrigger iterates every session, evaluating and applying the trigger
// engine per entry, oldest to newest, writing back sessions that changed.
func (s *Scheduler) runAutoTrigger() {
	cfg := s.config.Get()
	eff := cfg.Effective()
	now := time.Now()

	summaries, err := s.sessions.List("")
	if err != nil {
		logger.Error("auto-trigger: failed to list sessions", map[string]any{"error": err.Error()})
		return
	}

	for _, summary := range summaries {
		if _, err := s.extractPassOne(context.Background(), summary.Agent, summary.ID, eff, now); err != nil {
			logger.Warn("auto-trigger: extract pass failed", map[string]any{
				"agent": summary.Agent, "session": summary.ID, "error": err.Error(),
			})
		}
	}

	cfg.LastRunAt = now.UTC().Format(time.RFC3339Nano)
	if err := s.config.Save(cfg); err != nil {
		logger.Warn("auto-trigger: failed to persist last_run_at", map[string]any{"error": err.Error()})
	}
}

// ExtractSession runs the extract pass for a single (agent, session) under
// its lock, writing back once if at least one entry changed, and returns
// the number of entries extracted. Used by the auto-trigger job and by the
// bus's prune.request handler alike (§4.G, §4.H).
func (s *Scheduler) ExtractSession(ctx context.Context, agent, sessionID string) (int, error) {
	return s.extractPassOne(ctx, agent, sessionID, s.config.Get().Effective(), time.Now())
}

// extractPassOne runs the extract pass for a single session under its lock,
// writing back once if at least one entry changed, and returns the count of
// entries extracted. It opens the extract-pass span for the whole call, a
// lock span around the WithLock critical section, and one entry span per
// entry considered for extraction (§A.5).
func (s *Scheduler) extractPassOne(ctx context.Context, agent, sessionID string, eff trigger.EffectiveConfig, now time.Time) (extracted int, err error) {
	ctx, span := s.telemetry.StartExtractSpan(ctx, agent, sessionID)
	defer func() { s.telemetry.EndExtractSpan(span, extracted, err) }()

	lockCtx, lockSpan := s.telemetry.StartLockSpan(ctx, agent, sessionID)
	err = s.sessions.WithLock(agent, sessionID, func(sess *store.Session) (*store.Session, error) {
		changed := false
		n := len(sess.Entries)

		for i := 0; i < n; i++ {
			e := sess.Entries[i]
			positionFromEnd := n - 1 - i

			decision := trigger.Evaluate(e, positionFromEnd, eff, now)
			if !decision.ShouldExtract {
				continue
			}

			entryID, _ := e.ID()
			keepChars := 0
			if decision.MatchedRule != nil {
				keepChars = decision.MatchedRule.KeepChars
			}

			_, entrySpan := s.telemetry.StartEntrySpan(lockCtx, agent, sessionID, entryID, decision.TriggerType)

			fwd := transform.Forward(e, decision.TriggerType, keepChars)
			if !fwd.Success {
				logger.Warn("extract pass: forward transform failed", map[string]any{
					"agent": agent, "session": sessionID,
				})
				s.telemetry.EndEntrySpan(entrySpan, false, fmt.Errorf("forward transform failed"))
				continue
			}

			if _, _, err := s.payloads.Store(agent, sessionID, entryID, fwd.ExtractedData); err != nil {
				logger.Error("extract pass: failed to store payload", map[string]any{
					"agent": agent, "session": sessionID, "entry": entryID, "error": err.Error(),
				})
				s.telemetry.EndEntrySpan(entrySpan, false, err)
				continue
			}

			sess.Entries[i] = fwd.ModifiedEntry
			changed = true
			extracted++
			s.telemetry.EndEntrySpan(entrySpan, true, nil)
		}

		if !changed {
			return nil, nil
		}
		return sess, nil
	})
	s.telemetry.EndLockSpan(lockSpan, err)

	return extracted, err
}

// runRetentionCleanup deletes payload files older than the configured
// retention window.
func (s *Scheduler) runRetentionCleanup() {
	cfg := s.config.Get()
	now := time.Now()

	maxAge, err := ParseDuration(cfg.Retention)
	if err != nil {
		logger.Error("retention-cleanup: invalid retention duration", map[string]any{
			"retention": cfg.Retention, "error": err.Error(),
		})
		return
	}

	expired, err := s.payloads.FindExpired(maxAge)
	if err != nil {
		logger.Error("retention-cleanup: scan failed", map[string]any{"error": err.Error()})
		return
	}

	for _, x := range expired {
		if _, err := s.payloads.Delete(x.Agent, x.Session, x.Entry); err != nil {
			logger.Warn("retention-cleanup: delete failed", map[string]any{
				"path": x.Path, "error": err.Error(),
			})
		}
	}

	cfg.LastRetentionRunAt = now.UTC().Format(time.RFC3339Nano)
	if err := s.config.Save(cfg); err != nil {
		logger.Warn("retention-cleanup: failed to persist last_retention_run_at", map[string]any{"error": err.Error()})
	}
}

// durationUnits maps the §4.G grammar's unit suffixes to the time.Duration
// of one unit.
var durationUnits = map[string]time.Duration{
	"ms": time.Millisecond,
	"s":  time.Second,
	"m":  time.Minute,
	"h":  time.Hour,
	"d":  24 * time.Hour,
	"w":  7 * 24 * time.Hour,
}

// ParseDuration parses the <decimal><unit> grammar from §4.G: unit ∈
// {ms, s, m, h, d, w}, defaulting to ms when absent. Empty or malformed
// input is an error.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, brerr.New(brerr.Validation, "scheduler.ParseDuration", fmt.Errorf("empty duration"))
	}

	unit := "ms"
	numPart := s
	switch {
	case strings.HasSuffix(s, "ms"):
		unit, numPart = "ms", strings.TrimSuffix(s, "ms")
	case strings.HasSuffix(s, "s"):
		unit, numPart = "s", strings.TrimSuffix(s, "s")
	case strings.HasSuffix(s, "m"):
		unit, numPart = "m", strings.TrimSuffix(s, "m")
	case strings.HasSuffix(s, "h"):
		unit, numPart = "h", strings.TrimSuffix(s, "h")
	case strings.HasSuffix(s, "d"):
		unit, numPart = "d", strings.TrimSuffix(s, "d")
	case strings.HasSuffix(s, "w"):
		unit, numPart = "w", strings.TrimSuffix(s, "w")
	}

	numPart = strings.TrimSpace(numPart)
	if numPart == "" {
		return 0, brerr.New(brerr.Validation, "scheduler.ParseDuration", fmt.Errorf("missing numeric part in %q", s))
	}

	value, err := strconv.ParseFloat(numPart, 64)
	if err != nil {
		return 0, brerr.New(brerr.Validation, "scheduler.ParseDuration", fmt.Errorf("invalid numeric part in %q: %w", s, err))
	}

	mult, ok := durationUnits[unit]
	if !ok {
		return 0, brerr.New(brerr.Validation, "scheduler.ParseDuration", fmt.Errorf("unknown unit in %q", s))
	}

	return time.Duration(value * float64(mult)), nil
}
