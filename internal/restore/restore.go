// Package restore implements the Restore Service (§4.F): reversing a prior
// extraction for one entry, under the same per-session lock the Session
// Store uses for every mutation.
package restore

import (
	"context"
	"time"

	"brainsurgeon/internal/brerr"
	"brainsurgeon/internal/entry"
	"brainsurgeon/internal/sidestore"
	"brainsurgeon/internal/store"
	"brainsurgeon/internal/telemetry"
	"brainsurgeon/internal/transform"
)

// Result is the outcome of a successful restore.
type Result struct {
	Entry              entry.Entry
	KeysRestored       []string
	SizesBytes         map[string]int
	TotalSize          int
	PreviousRestoredAt string // set when this entry had been restored before
}

// Service composes the Session Store and Extraction Side-Store to implement
// restore and the tool-call redaction helper.
type Service struct {
	sessions  *store.Store
	payloads  *sidestore.Store
	telemetry *telemetry.Provider
}

// New builds a Service over the given Session Store and Extraction Side-Store.
func New(sessions *store.Store, payloads *sidestore.Store, telem *telemetry.Provider) *Service {
	return &Service{sessions: sessions, payloads: payloads, telemetry: telem}
}

// Restore reverses extraction for entryID within (agent, session). keys, if
// non-empty, restricts which top-level keys are restored: payload values for
// any other key are withheld from transform.Reverse, so those placeholders
// stay in place. An empty keys restores every placeholder with a payload value.
// It opens the restore span for the whole call and a lock span around the
// WithLock critical section (§A.5).
func (s *Service) Restore(ctx context.Context, agent, sessionID, entryID string, keys []string) (result Result, err error) {
	ctx, span := s.telemetry.StartRestoreSpan(ctx, agent, sessionID, entryID)
	defer func() { s.telemetry.EndRestoreSpan(span, len(result.KeysRestored), err) }()

	_, lockSpan := s.telemetry.StartLockSpan(ctx, agent, sessionID)
	err = s.sessions.WithLock(agent, sessionID, func(sess *store.Session) (*store.Session, error) {
		idx, found := findEntry(sess.Entries, entryID)
		if !found {
			return nil, brerr.New(brerr.NotFound, "restore.Restore", nil)
		}
		target := sess.Entries[idx]

		if !target.HasAnyPlaceholder() {
			if restoredAt, ok := target.Restored(); ok && restoredAt != "" {
				return nil, brerr.New(brerr.AlreadyRestored, "restore.Restore", nil)
			}
			return nil, brerr.New(brerr.NoExtractedContent, "restore.Restore", nil)
		}

		payload, err := s.payloads.Read(agent, sessionID, entryID)
		if err != nil {
			return nil, err
		}
		if payload == nil {
			return nil, brerr.New(brerr.StorageMissing, "restore.Restore", nil)
		}

		if prev, ok := target.Restored(); ok {
			result.PreviousRestoredAt = prev
		}

		if len(keys) > 0 {
			wanted := make(map[string]any, len(keys))
			for _, k := range keys {
				if v, ok := payload[k]; ok {
					wanted[k] = v
				}
			}
			payload = wanted
		}

		rev := transform.Reverse(target, payload)
		rev.RestoredEntry.Set("_restored", time.Now().UTC().Format(time.RFC3339Nano))

		total := 0
		for _, sz := range rev.SizesBytes {
			total += sz
		}

		sess.Entries[idx] = rev.RestoredEntry
		result.Entry = rev.RestoredEntry
		result.KeysRestored = rev.KeysRestored
		result.SizesBytes = rev.SizesBytes
		result.TotalSize = total

		return sess, nil
	})
	s.telemetry.EndLockSpan(lockSpan, err)

	if err != nil {
		return Result{}, err
	}
	return result, nil
}

// RedactRestoreCall finds the tool-call entry identified by toolCallEntryID
// in (agent, session) and, if it is a restore_remote call, rewrites it in
// place per §4.F: name -> "remote_restore", arguments nulled (including
// nested message/tool objects), and _redacted_from stamped. Returns false
// without error if the entry is absent or is not a restore_remote call.
func (s *Service) RedactRestoreCall(agent, sessionID, toolCallEntryID string) (bool, error) {
	redacted := false

	err := s.sessions.WithLock(agent, sessionID, func(sess *store.Session) (*store.Session, error) {
		idx, found := findEntry(sess.Entries, toolCallEntryID)
		if !found {
			return nil, nil
		}
		target := sess.Entries[idx]

		if !isRestoreRemoteCall(target) {
			return nil, nil
		}

		modified := target.Clone()
		redactToolCall(modified)
		sess.Entries[idx] = modified
		redacted = true
		return sess, nil
	})
	if err != nil {
		return false, err
	}
	return redacted, nil
}

func findEntry(entries []entry.Entry, id string) (int, bool) {
	for i, e := range entries {
		if eid, ok := e.ID(); ok && eid == id {
			return i, true
		}
	}
	return -1, false
}

func isRestoreRemoteCall(e entry.Entry) bool {
	typ, _ := e.GetString("type")
	if typ != "tool_call" && typ != "custom tool_call" {
		return false
	}
	name, _ := e.GetString("name")
	if name == "restore_remote" {
		return true
	}
	if m, ok := e.Message(); ok {
		if toolName, ok := m["name"].(string); ok && toolName == "restore_remote" {
			return true
		}
		if tool, ok := m["tool"].(map[string]any); ok {
			if toolName, ok := tool["name"].(string); ok && toolName == "restore_remote" {
				return true
			}
		}
	}
	return false
}

func redactToolCall(e entry.Entry) {
	if name, ok := e.GetString("name"); ok && name == "restore_remote" {
		e.Set("name", "remote_restore")
	}
	if _, ok := e.Get("arguments"); ok {
		e.Set("arguments", nil)
	}
	e.Set("_redacted_from", "restore_remote")

	m, ok := e.Message()
	if !ok {
		return
	}
	if name, ok := m["name"].(string); ok && name == "restore_remote" {
		m["name"] = "remote_restore"
	}
	if _, ok := m["arguments"]; ok {
		m["arguments"] = nil
	}
	if tool, ok := m["tool"].(map[string]any); ok {
		if name, ok := tool["name"].(string); ok && name == "restore_remote" {
			tool["name"] = "remote_restore"
		}
		if _, ok := tool["arguments"]; ok {
			tool["arguments"] = nil
		}
	}
}
