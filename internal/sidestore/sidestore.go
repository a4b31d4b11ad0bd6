// Package sidestore implements the Extraction Side-Store (§4.C): atomic
// per-entry JSON payload files under a sharded directory tree, laid out as
// {root}/{agent}/sessions/extracted/{session}/{entry}.json.
package sidestore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"brainsurgeon/internal/brerr"
	"brainsurgeon/internal/brlog"
)

var logger = brlog.Default.WithComponent("sidestore")

// Store is the Extraction Side-Store.
type Store struct {
	root string
}

// New creates a Store rooted at root (the AGENTS_DIR).
func New(root string) *Store {
	return &Store{root: root}
}

// dir returns the directory holding payload files for (agent, session).
func (s *Store) dir(agent, session string) string {
	return filepath.Join(s.root, agent, "sessions", "extracted", session)
}

// path returns the payload file path for one entry.
func (s *Store) path(agent, session, entryID string) string {
	return filepath.Join(s.dir(agent, session), entryID+".json")
}

// Store writes payload atomically: to a temp file in the same directory,
// then rename over the target. Returns the final path and the byte length
// written. The directory is created (mode 0o755, files 0o644) on first
// write so a peer running as a different user can still read it.
func (s *Store) Store(agent, session, entryID string, payload map[string]any) (string, int, error) {
	dir := s.dir(agent, session)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", 0, brerr.New(brerr.Internal, "sidestore.Store", err)
	}

	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", 0, brerr.New(brerr.ExtractionFailed, "sidestore.Store", err)
	}

	tmpName := fmt.Sprintf(".tmp-%s.json", uuid.NewString())
	tmpPath := filepath.Join(dir, tmpName)
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return "", 0, brerr.New(brerr.Internal, "sidestore.Store", err)
	}

	finalPath := s.path(agent, session, entryID)
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return "", 0, brerr.New(brerr.Internal, "sidestore.Store", err)
	}

	return finalPath, len(data), nil
}

// Read returns the payload for one entry, or nil if it does not exist.
func (s *Store) Read(agent, session, entryID string) (map[string]any, error) {
	data, err := os.ReadFile(s.path(agent, session, entryID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, brerr.New(brerr.Internal, "sidestore.Read", err)
	}

	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, brerr.New(brerr.Internal, "sidestore.Read", err)
	}
	return payload, nil
}

// List returns the entry IDs with a stored payload for (agent, session),
// ignoring dot-prefixed temp files.
func (s *Store) List(agent, session string) ([]string, error) {
	files, err := os.ReadDir(s.dir(agent, session))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, brerr.New(brerr.Internal, "sidestore.List", err)
	}

	var ids []string
	for _, f := range files {
		name := f.Name()
		if f.IsDir() || name[0] == '.' || filepath.Ext(name) != ".json" {
			continue
		}
		ids = append(ids, name[:len(name)-len(".json")])
	}
	return ids, nil
}

// Delete removes one entry's payload file. Returns whether a file existed.
func (s *Store) Delete(agent, session, entryID string) (bool, error) {
	err := os.Remove(s.path(agent, session, entryID))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, brerr.New(brerr.Internal, "sidestore.Delete", err)
	}
	return true, nil
}

// DeleteAll removes every payload file for (agent, session) and returns the
// count removed.
func (s *Store) DeleteAll(agent, session string) (int, error) {
	ids, err := s.List(agent, session)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, id := range ids {
		ok, err := s.Delete(agent, session, id)
		if err != nil {
			return count, err
		}
		if ok {
			count++
		}
	}
	return count, nil
}

// Expired describes one payload file found older than the retention window.
type Expired struct {
	Agent   string
	Session string
	Entry   string
	Path    string
	AgeMs   int64
}

// FindExpired walks every agent's extracted tree and returns payload files
// whose age (now - mtime) is >= maxAge. Errors on individual files are
// logged and skipped so the scan continues (§7).
func (s *Store) FindExpired(maxAge time.Duration) ([]Expired, error) {
	var out []Expired
	now := time.Now()

	agentDirs, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, brerr.New(brerr.Internal, "sidestore.FindExpired", err)
	}

	for _, ad := range agentDirs {
		if !ad.IsDir() {
			continue
		}
		agent := ad.Name()
		extractedRoot := filepath.Join(s.root, agent, "sessions", "extracted")
		sessionDirs, err := os.ReadDir(extractedRoot)
		if err != nil {
			continue // no extracted/ tree for this agent yet
		}

		for _, sd := range sessionDirs {
			if !sd.IsDir() {
				continue
			}
			session := sd.Name()
			dir := filepath.Join(extractedRoot, session)
			files, err := os.ReadDir(dir)
			if err != nil {
				logger.Warn("failed to scan extracted dir", map[string]any{"dir": dir, "error": err.Error()})
				continue
			}

			for _, f := range files {
				name := f.Name()
				if f.IsDir() || name[0] == '.' || filepath.Ext(name) != ".json" {
					continue
				}
				info, err := f.Info()
				if err != nil {
					logger.Warn("failed to stat payload file", map[string]any{"file": name, "error": err.Error()})
					continue
				}
				age := now.Sub(info.ModTime())
				if age >= maxAge {
					entryID := name[:len(name)-len(".json")]
					out = append(out, Expired{
						Agent:   agent,
						Session: session,
						Entry:   entryID,
						Path:    filepath.Join(dir, name),
						AgeMs:   age.Milliseconds(),
					})
				}
			}
		}
	}

	return out, nil
}
