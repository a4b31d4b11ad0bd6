// Package entry implements the opaque transcript-entry data model (§3 of the
// specification): a mapping from string key to arbitrary JSON, with a small
// set of recognized fields exposed through typed accessors while every other
// key is preserved verbatim in Extras.
package entry

import (
	"encoding/json"
	"strconv"
	"strings"
)

// neverExtract is the structural/linking key set that MUST never be
// extracted, per §3.
var neverExtract = map[string]bool{
	"parentId":        true,
	"toolCallId":      true,
	"toolUseId":       true,
	"tool_call_id":    true,
	"timestamp":       true,
	"__ts":            true,
	"__hash":          true,
	"__meta":          true,
	"type":            true,
	"customType":      true,
	"role":            true,
	"version":         true,
	"cwd":             true,
	"modelId":         true,
	"provider":        true,
	"thinkingLevel":   true,
	"firstKeptEntryId": true,
	"fromHook":        true,
	"tokensBefore":    true,
}

// IsStructural reports whether key is in the never-extract set, including
// every "_*" control-flag key.
func IsStructural(key string) bool {
	if strings.HasPrefix(key, "_") {
		return true
	}
	return neverExtract[key]
}

// PlaceholderPrefix is the substring that identifies an extraction
// placeholder wherever it occurs in an entry's values.
const PlaceholderPrefix = "[[extracted-"

// Placeholder returns the full placeholder literal for entryID, optionally
// prefixed with the first keepChars characters of original (truncated form).
func Placeholder(entryID string, original string, keepChars int) string {
	full := PlaceholderPrefix + entryID + "]]"
	if keepChars > 0 && len(original) > 0 {
		n := keepChars
		if n > len(original) {
			n = len(original)
		}
		return original[:n] + "... " + full
	}
	return full
}

// ContainsPlaceholder reports whether v's string form contains the
// placeholder substring. Only strings can contain placeholders; other JSON
// value kinds never do.
func ContainsPlaceholder(v any) bool {
	s, ok := v.(string)
	if !ok {
		return false
	}
	return strings.Contains(s, PlaceholderPrefix)
}

// Entry is an opaque transcript record: a mapping from string key to
// arbitrary JSON. Recognized fields are exposed as accessors; every other
// key lives in Extras and is preserved verbatim through Marshal/Unmarshal.
type Entry struct {
	Extras map[string]any
}

// UnmarshalJSON decodes a raw JSON object into Extras.
func (e *Entry) UnmarshalJSON(data []byte) error {
	m := make(map[string]any)
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	e.Extras = m
	return nil
}

// MarshalJSON encodes Extras back out verbatim.
func (e Entry) MarshalJSON() ([]byte, error) {
	if e.Extras == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(e.Extras)
}

// Clone returns a deep-enough copy of the entry suitable for producing a
// modified copy without mutating the original (shallow copy of the map,
// values are not deep cloned — callers that mutate nested maps/slices must
// copy them first, as the forward/reverse transforms do).
func (e Entry) Clone() Entry {
	m := make(map[string]any, len(e.Extras))
	for k, v := range e.Extras {
		m[k] = v
	}
	return Entry{Extras: m}
}

// ID returns the entry's identity: __id if present, else id. Returns "",
// false if neither is present (an entry without either is ineligible for
// extraction per §3).
func (e Entry) ID() (string, bool) {
	if v, ok := e.Extras["__id"]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s, true
		}
	}
	if v, ok := e.Extras["id"]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s, true
		}
	}
	return "", false
}

// Get returns the top-level value for key, if present.
func (e Entry) Get(key string) (any, bool) {
	v, ok := e.Extras[key]
	return v, ok
}

// GetString returns the top-level string value for key, if present and a string.
func (e Entry) GetString(key string) (string, bool) {
	v, ok := e.Extras[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Set sets a top-level key.
func (e Entry) Set(key string, v any) { e.Extras[key] = v }

// Delete removes a top-level key.
func (e Entry) Delete(key string) { delete(e.Extras, key) }

// Message returns the nested "message" object, if present.
func (e Entry) Message() (map[string]any, bool) {
	v, ok := e.Extras["message"]
	if !ok {
		return nil, false
	}
	m, ok := v.(map[string]any)
	return m, ok
}

// MessageRole returns message.role, if the message object and role exist.
func (e Entry) MessageRole() (string, bool) {
	m, ok := e.Message()
	if !ok {
		return "", false
	}
	v, ok := m["role"]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// MessageContent returns message.content, if present.
func (e Entry) MessageContent() (any, bool) {
	m, ok := e.Message()
	if !ok {
		return nil, false
	}
	v, ok := m["content"]
	return v, ok
}

// Extractable reports the _extractable override. kind is one of "true",
// "false", "int", or "absent".
type ExtractableOverride struct {
	Kind  string // "true", "false", "int", "absent"
	Value int    // valid when Kind == "int"
}

// Extractable reads the _extractable control flag.
func (e Entry) Extractable() ExtractableOverride {
	v, ok := e.Extras["_extractable"]
	if !ok {
		return ExtractableOverride{Kind: "absent"}
	}
	switch t := v.(type) {
	case bool:
		if t {
			return ExtractableOverride{Kind: "true"}
		}
		return ExtractableOverride{Kind: "false"}
	case float64:
		if t >= 0 {
			return ExtractableOverride{Kind: "int", Value: int(t)}
		}
		return ExtractableOverride{Kind: "absent"}
	case json.Number:
		n, err := t.Int64()
		if err == nil && n >= 0 {
			return ExtractableOverride{Kind: "int", Value: int(n)}
		}
		return ExtractableOverride{Kind: "absent"}
	case string:
		if n, err := strconv.Atoi(t); err == nil && n >= 0 {
			return ExtractableOverride{Kind: "int", Value: n}
		}
		return ExtractableOverride{Kind: "absent"}
	default:
		return ExtractableOverride{Kind: "absent"}
	}
}

// Restored returns the _restored timestamp string, if set.
func (e Entry) Restored() (string, bool) {
	return e.GetString("_restored")
}

// HasAnyPlaceholder reports whether any top-level value (recursively, through
// nested maps/slices) contains the placeholder substring.
func (e Entry) HasAnyPlaceholder() bool {
	return containsPlaceholderDeep(e.Extras, 0)
}

func containsPlaceholderDeep(v any, depth int) bool {
	if depth > 20 {
		return false
	}
	switch t := v.(type) {
	case string:
		return strings.Contains(t, PlaceholderPrefix)
	case map[string]any:
		for _, vv := range t {
			if containsPlaceholderDeep(vv, depth+1) {
				return true
			}
		}
		return false
	case []any:
		for _, vv := range t {
			if containsPlaceholderDeep(vv, depth+1) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// JSONLen returns the "length" of a value per §4.D: the string length for
// strings, else the byte length of its JSON encoding.
func JSONLen(v any) int {
	if s, ok := v.(string); ok {
		return len(s)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return len(data)
}
