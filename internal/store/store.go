// Package store implements the Session Store (§4.B): reading and writing
// transcripts as ordered lists of opaque JSON entries, cached by mtime and
// size, with every mutation bracketed by the per-file lock in internal/lock.
package store

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"brainsurgeon/internal/brerr"
	"brainsurgeon/internal/brlog"
	"brainsurgeon/internal/entry"
	"brainsurgeon/internal/lock"
)

var logger = brlog.Default.WithComponent("store")

// Session is an ordered sequence of entries for a given agent/session pair.
// File order is entry order; the newest entry is last.
type Session struct {
	Agent   string
	ID      string
	Entries []entry.Entry
}

// SessionSummary is a lightweight description returned by List.
type SessionSummary struct {
	Agent string `json:"agent"`
	ID    string `json:"id"`
}

type cacheEntry struct {
	entries []entry.Entry
	mtimeMs int64
	size    int64
}

// Store implements the Session Store contract over a filesystem root laid
// out as {root}/{agent}/sessions/{session}.jsonl, matching §6.
type Store struct {
	root string

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// New creates a Store rooted at root (the AGENTS_DIR).
func New(root string) *Store {
	return &Store{root: root, cache: make(map[string]cacheEntry)}
}

// Path returns the transcript path for (agent, session).
func (s *Store) Path(agent, session string) string {
	return filepath.Join(s.root, agent, "sessions", session+".jsonl")
}

// sessionsDir returns {root}/{agent}/sessions.
func (s *Store) sessionsDir(agent string) string {
	return filepath.Join(s.root, agent, "sessions")
}

// Load reads a session's entries. Cache reads do not require the lock;
// any subsequent write must go through Save, which invalidates the cache
// before releasing the lock (§4.B, §5).
func (s *Store) Load(agent, session string) (*Session, error) {
	path := s.Path(agent, session)

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, brerr.New(brerr.NotFound, "store.Load", err)
		}
		return nil, brerr.New(brerr.Internal, "store.Load", err)
	}

	if cached, ok := s.cached(path, info); ok {
		return &Session{Agent: agent, ID: session, Entries: cached}, nil
	}

	entries, err := s.readFile(path)
	if err != nil {
		return nil, brerr.New(brerr.Internal, "store.Load", err)
	}

	s.putCache(path, entries, info)
	return &Session{Agent: agent, ID: session, Entries: entries}, nil
}

// Save replaces the transcript file in place under the per-file lock.
func (s *Store) Save(agent, session string, sess *Session) error {
	path := s.Path(agent, session)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return brerr.New(brerr.Internal, "store.Save", err)
	}

	return lock.With(path, func() error {
		if err := s.writeFile(path, sess.Entries); err != nil {
			return brerr.New(brerr.Internal, "store.Save", err)
		}

		s.mu.Lock()
		delete(s.cache, path)
		s.mu.Unlock()
		return nil
	})
}

// WithLock acquires the per-file lock for (agent, session), loads the
// current entries, and invokes fn. If fn returns a non-nil Session, it is
// written back (and the cache invalidated) before the lock is released --
// this is the single-lock load-mutate-save sequence used by the Restore
// Service and the scheduler's extract pass (§4.F, §4.G), which both need
// read-then-write atomicity that Load's cache-only reads can't provide.
func (s *Store) WithLock(agent, session string, fn func(*Session) (*Session, error)) error {
	path := s.Path(agent, session)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return brerr.New(brerr.Internal, "store.WithLock", err)
	}

	return lock.With(path, func() error {
		entries, err := s.readFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return brerr.New(brerr.NotFound, "store.WithLock", err)
			}
			return brerr.New(brerr.Internal, "store.WithLock", err)
		}
		current := &Session{Agent: agent, ID: session, Entries: entries}

		updated, err := fn(current)
		if err != nil {
			return err
		}
		if updated == nil {
			return nil
		}

		if err := s.writeFile(path, updated.Entries); err != nil {
			return brerr.New(brerr.Internal, "store.WithLock", err)
		}
		s.mu.Lock()
		delete(s.cache, path)
		s.mu.Unlock()
		return nil
	})
}

// List enumerates sessions for an agent (empty agent means all agents) via
// a directory scan. The peer-maintained sessions.json index, when present,
// is consulted only by FindChildren -- List itself never needs to parse it,
// since the filesystem layout alone is authoritative for existence.
func (s *Store) List(agent string) ([]SessionSummary, error) {
	var summaries []SessionSummary

	agents := []string{agent}
	if agent == "" {
		entries, err := os.ReadDir(s.root)
		if err != nil {
			if os.IsNotExist(err) {
				return summaries, nil
			}
			return nil, brerr.New(brerr.Internal, "store.List", err)
		}
		agents = agents[:0]
		for _, e := range entries {
			if e.IsDir() {
				agents = append(agents, e.Name())
			}
		}
	}

	for _, a := range agents {
		dir := s.sessionsDir(a)
		files, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, brerr.New(brerr.Internal, "store.List", err)
		}
		for _, f := range files {
			if f.IsDir() || filepath.Ext(f.Name()) != ".jsonl" {
				continue
			}
			id := f.Name()[:len(f.Name())-len(".jsonl")]
			summaries = append(summaries, SessionSummary{Agent: a, ID: id})
		}
	}

	return summaries, nil
}

// Delete moves a session's transcript into a trash subdirectory. Full
// trash-bin semantics (retention, listing, undelete) are out of scope
// (§1) -- this performs the underlying atomic rename only.
func (s *Store) Delete(agent, session string) error {
	path := s.Path(agent, session)
	trashDir := filepath.Join(s.root, agent, "sessions", ".trash")
	if err := os.MkdirAll(trashDir, 0o755); err != nil {
		return brerr.New(brerr.Internal, "store.Delete", err)
	}

	return lock.With(path, func() error {
		dest := filepath.Join(trashDir, session+".jsonl")
		if err := os.Rename(path, dest); err != nil {
			if os.IsNotExist(err) {
				return brerr.New(brerr.NotFound, "store.Delete", err)
			}
			return brerr.New(brerr.Internal, "store.Delete", err)
		}
		s.mu.Lock()
		delete(s.cache, path)
		s.mu.Unlock()
		return nil
	})
}

// ChildRef describes one entry in the peer-maintained session index.
type ChildRef struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// FindChildren performs a read-only inspection of the peer-maintained
// sessions.json index for a session's child references.
func (s *Store) FindChildren(agent, session string) ([]ChildRef, error) {
	indexPath := filepath.Join(s.root, agent, "sessions", "sessions.json")
	data, err := os.ReadFile(indexPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, brerr.New(brerr.Internal, "store.FindChildren", err)
	}

	var idx map[string]struct {
		Children []ChildRef `json:"children"`
	}
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, brerr.New(brerr.Internal, "store.FindChildren", err)
	}

	rec, ok := idx[session]
	if !ok {
		return nil, nil
	}
	return rec.Children, nil
}

func (s *Store) cached(path string, info os.FileInfo) ([]entry.Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.cache[path]
	if !ok {
		return nil, false
	}
	if c.mtimeMs != info.ModTime().UnixMilli() || c.size != info.Size() {
		return nil, false
	}
	return c.entries, true
}

func (s *Store) putCache(path string, entries []entry.Entry, info os.FileInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[path] = cacheEntry{entries: entries, mtimeMs: info.ModTime().UnixMilli(), size: info.Size()}
}

// readFile parses a transcript: one JSON object per line, LF-terminated.
// Malformed lines are silently skipped; the load never fails because of
// them (§4.B).
func (s *Store) readFile(path string) ([]entry.Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []entry.Entry
	reader := bufio.NewReaderSize(f, 64*1024)
	for {
		line, err := reader.ReadBytes('\n')
		atEOF := err == io.EOF
		if err != nil && !atEOF {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}

		trimmed := bytes.TrimSpace(line)
		if len(trimmed) > 0 {
			var e entry.Entry
			if uerr := json.Unmarshal(trimmed, &e); uerr != nil {
				logger.Warn("skipping malformed transcript line", map[string]any{
					"path": path, "error": uerr.Error(),
				})
			} else {
				entries = append(entries, e)
			}
		}

		if atEOF {
			break
		}
	}

	return entries, nil
}

// writeFile serializes entries as one JSON object per line, LF-terminated,
// with a trailing LF after the last entry, written to a temp file and
// renamed over the target so a concurrent reader never observes a partial
// write.
func (s *Store) writeFile(path string, entries []entry.Entry) error {
	tmp := path + ".tmp-write"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}

	w := bufio.NewWriter(f)
	for _, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("marshal entry: %w", err)
		}
		if _, err := w.Write(data); err != nil {
			f.Close()
			os.Remove(tmp)
			return err
		}
		if err := w.WriteByte('\n'); err != nil {
			f.Close()
			os.Remove(tmp)
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}

	return os.Rename(tmp, path)
}
