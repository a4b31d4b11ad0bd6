// Package lock implements the cooperative, cross-process file lock protocol
// of §4.A: an exclusive, advisory lock on a single transcript file, shared
// bit-for-bit with an external peer process. Changing the on-disk format
// breaks interoperability with that peer and must never be done casually.
package lock

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"brainsurgeon/internal/brerr"
	"brainsurgeon/internal/brlog"
)

const (
	// StaleThreshold is the age past which a lock file is considered
	// abandoned regardless of whether its pid looks alive.
	StaleThreshold = 30 * time.Minute
	// MaxAttempts caps acquisition retries. With the backoff formula below
	// (50ms steps capped at 1s) the sleeps add up to about 190s in total.
	MaxAttempts = 200
	// WatchdogDuration is the self-watchdog window: if a lock is not
	// released within this long, it is forcibly removed.
	WatchdogDuration = 5 * time.Minute
)

var logger = brlog.Default.WithComponent("lock")

// payload is the on-disk lock file contents. Field names and JSON shape are
// part of the shared protocol and must not change.
type payload struct {
	PID       int    `json:"pid"`
	CreatedAt string `json:"createdAt"`
}

// Handle represents a held lock. Release must be called exactly once.
type Handle struct {
	path     string
	lockPath string
	watchdog *time.Timer
	mu       sync.Mutex
	released bool
}

// lockPathFor returns the lock file path for a transcript path.
func lockPathFor(path string) string {
	return path + ".lock"
}

// IsLocked reports whether path currently has a (non-stale) lock held.
func IsLocked(path string) bool {
	lp := lockPathFor(path)
	info, err := os.Stat(lp)
	if err != nil {
		return false
	}
	return !isStale(lp, info)
}

// Acquire attempts to acquire the exclusive lock on path, retrying on
// contention per the backoff formula in §4.A. Returns brerr.LockUnavailable
// if the retry budget is exhausted.
func Acquire(path string) (*Handle, error) {
	lp := lockPathFor(path)

	for attempt := 0; attempt < MaxAttempts; attempt++ {
		ok, err := tryCreate(lp)
		if err != nil {
			return nil, brerr.New(brerr.Internal, "lock.Acquire", err)
		}
		if ok {
			h := &Handle{path: path, lockPath: lp}
			h.watchdog = time.AfterFunc(WatchdogDuration, func() {
				h.forceRelease()
			})
			return h, nil
		}

		info, statErr := os.Stat(lp)
		if statErr != nil {
			// Lock file vanished between our failed create and this stat;
			// just retry immediately.
			continue
		}
		if isStale(lp, info) {
			os.Remove(lp) // best-effort; ignore races, retry will re-create
			continue
		}

		backoff := time.Duration(attempt+1) * 50 * time.Millisecond
		if backoff > time.Second {
			backoff = time.Second
		}
		time.Sleep(backoff)
	}

	return nil, brerr.New(brerr.LockUnavailable, "lock.Acquire", fmt.Errorf("exhausted %d attempts on %s", MaxAttempts, path))
}

// tryCreate attempts an atomic create-exclusive of the lock file.
func tryCreate(lp string) (bool, error) {
	f, err := os.OpenFile(lp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()

	p := payload{PID: os.Getpid(), CreatedAt: time.Now().UTC().Format(time.RFC3339Nano)}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return false, err
	}
	if _, err := f.Write(data); err != nil {
		return false, err
	}
	return true, nil
}

// isStale determines whether the lock file at lp (with the given stat info)
// should be treated as abandoned: either its age exceeds StaleThreshold, or
// its recorded pid does not correspond to a live process on this host, or
// its payload cannot be parsed.
func isStale(lp string, info os.FileInfo) bool {
	if time.Since(info.ModTime()) > StaleThreshold {
		return true
	}

	data, err := os.ReadFile(lp)
	if err != nil {
		return true
	}
	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return true
	}
	return !processAlive(p.PID)
}

// Release cancels the watchdog and removes the lock file (best-effort).
func (h *Handle) Release() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return
	}
	h.released = true
	if h.watchdog != nil {
		h.watchdog.Stop()
	}
	os.Remove(h.lockPath)
}

// forceRelease is invoked by the watchdog timer when a lock outlives
// WatchdogDuration without being released.
func (h *Handle) forceRelease() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return
	}
	h.released = true
	logger.Warn("lock watchdog forcibly removed stale lock", map[string]any{
		"path": h.path,
	})
	os.Remove(h.lockPath)
}

// With acquires the lock on path, runs fn, and releases it afterward
// regardless of fn's outcome.
func With(path string, fn func() error) error {
	h, err := Acquire(path)
	if err != nil {
		return err
	}
	defer h.Release()
	return fn()
}

