// Package trigger implements the Trigger Engine (§4.D): given an entry, its
// position from the end of the session, and the effective configuration, it
// decides whether the entry should be extracted and which rule matched.
package trigger

import "strings"

// Rule is a declarative trigger rule (§3). Type and the values of any
// free-form matcher may be pipe-delimited (OR) or "*" (any).
type Rule struct {
	Type        string            `json:"type"`
	Role        string            `json:"role,omitempty"`
	MinLength   *int              `json:"min_length,omitempty"`
	KeepChars   int               `json:"keep_chars,omitempty"`
	KeepRecent  *int              `json:"keep_recent,omitempty"`
	Matchers    map[string]any    `json:"-"` // free-form k:v matchers, everything outside the reserved set
}

// reservedRuleKeys are never treated as generic matchers.
var reservedRuleKeys = map[string]bool{
	"type": true, "min_length": true, "keep_chars": true, "role": true, "keep_recent": true,
}

// RuleFromMap builds a Rule from a decoded JSON object, separating reserved
// fields from free-form matchers.
func RuleFromMap(m map[string]any) Rule {
	r := Rule{Matchers: make(map[string]any)}

	if v, ok := m["type"].(string); ok {
		r.Type = v
	}
	if v, ok := m["role"].(string); ok {
		r.Role = v
	} else {
		r.Role = "*"
	}
	if v, ok := m["min_length"]; ok {
		if n, ok := asInt(v); ok {
			r.MinLength = &n
		}
	}
	if v, ok := m["keep_chars"]; ok {
		if n, ok := asInt(v); ok {
			r.KeepChars = n
		}
	}
	if v, ok := m["keep_recent"]; ok {
		if n, ok := asInt(v); ok {
			r.KeepRecent = &n
		}
	}
	for k, v := range m {
		if reservedRuleKeys[k] {
			continue
		}
		r.Matchers[k] = v
	}
	return r
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case float64:
		return int(t), true
	case int:
		return t, true
	default:
		return 0, false
	}
}

// matchPipeOr reports whether value case-insensitively equals any of
// pattern's pipe-delimited alternatives, or pattern is "*".
func matchPipeOr(pattern, value string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	for _, alt := range strings.Split(pattern, "|") {
		if strings.EqualFold(strings.TrimSpace(alt), value) {
			return true
		}
	}
	return false
}
