package trigger

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"brainsurgeon/internal/entry"
)

// EffectiveConfig is the subset of engine configuration the Trigger Engine
// consults (§4.D).
type EffectiveConfig struct {
	Enabled                 bool
	Rules                   []Rule
	KeepRecent              int
	MinValueLength          int
	KeepAfterRestoreSeconds int
}

// Decision is the result of evaluating one entry.
type Decision struct {
	ShouldExtract bool
	TriggerType   string
	MatchedRule   *Rule
	SkipReason    string
}

func skip(reason string) Decision { return Decision{SkipReason: reason} }

// candidateContentKeys are consulted for min_length purposes, in addition
// to the nested message.content per §4.D.
var candidateContentKeys = []string{"content", "text", "output", "result", "data", "thinking", "message"}

// Evaluate runs the decision order of §4.D against one entry.
func Evaluate(e entry.Entry, positionFromEnd int, cfg EffectiveConfig, now time.Time) Decision {
	// Gate 1: globally disabled.
	if !cfg.Enabled {
		return skip("smart_pruning_disabled")
	}

	// Gate 2: entry must have an identity.
	if _, ok := e.ID(); !ok {
		return skip("no_entry_id")
	}

	// Gate 3: already has a placeholder anywhere.
	if e.HasAnyPlaceholder() {
		return skip("already_extracted")
	}

	// Gate 4: _extractable override.
	override := e.Extractable()
	switch override.Kind {
	case "true":
		t := detectType(e)
		if t == "" {
			t = "assistant"
		}
		return Decision{ShouldExtract: true, TriggerType: t}
	case "false":
		return skip("_extractable_false")
	case "int":
		if positionFromEnd < override.Value {
			return skip("_extractable_false")
		}
		// fall through to gate 5+
	}

	// Gate 5: re-extraction protection window.
	if restoredAt, ok := e.Restored(); ok && restoredAt != "" {
		if ts, err := time.Parse(time.RFC3339Nano, restoredAt); err == nil {
			remaining := time.Duration(cfg.KeepAfterRestoreSeconds)*time.Second - now.Sub(ts)
			if remaining > 0 {
				return skip(fmt.Sprintf("recently_restored (%ds remaining)", int(remaining.Seconds())))
			}
		} else if ts, err := time.Parse(time.RFC3339, restoredAt); err == nil {
			remaining := time.Duration(cfg.KeepAfterRestoreSeconds)*time.Second - now.Sub(ts)
			if remaining > 0 {
				return skip(fmt.Sprintf("recently_restored (%ds remaining)", int(remaining.Seconds())))
			}
		}
	}

	// Gate 6: rule matching, in declaration order.
	detected := detectType(e)
	role := detectRole(e)

	for i := range cfg.Rules {
		rule := cfg.Rules[i]
		if !matchPipeOr(rule.Type, detected) {
			continue
		}
		ruleRole := rule.Role
		if ruleRole == "" {
			ruleRole = "*"
		}
		if !matchPipeOr(ruleRole, role) {
			continue
		}
		if !matchGenericFields(rule, e) {
			continue
		}

		keepRecent := cfg.KeepRecent
		if rule.KeepRecent != nil {
			keepRecent = *rule.KeepRecent
		}
		if positionFromEnd < keepRecent {
			return Decision{MatchedRule: &rule, SkipReason: "too_recent"}
		}

		minLength := cfg.MinValueLength
		if rule.MinLength != nil {
			minLength = *rule.MinLength
		}
		if !anyValueReachesMinLength(e, minLength) {
			return Decision{MatchedRule: &rule, SkipReason: "values_too_small"}
		}

		return Decision{ShouldExtract: true, TriggerType: detected, MatchedRule: &rule}
	}

	// Gate 7: no rule matched.
	return skip("type_not_matched")
}

// matchGenericFields checks every rule matcher key outside the reserved set
// against the entry's top-level field of the same name.
func matchGenericFields(rule Rule, e entry.Entry) bool {
	for key, pattern := range rule.Matchers {
		v, present := e.Get(key)
		switch pat := pattern.(type) {
		case string:
			if pat == "*" {
				continue
			}
			if !present {
				return false
			}
			sv, ok := v.(string)
			if !ok || !matchPipeOr(pat, sv) {
				return false
			}
		case float64:
			if !present {
				return false
			}
			nv, ok := v.(float64)
			if !ok || nv != pat {
				return false
			}
		default:
			// Unknown matcher shape: require an exact match if present.
			if !present || !reflect.DeepEqual(v, pattern) {
				return false
			}
		}
	}
	return true
}

// detectType derives the entry's type per §4.D: customType -> type ->
// message.role -> role -> content-inference, with ai/human aliasing.
func detectType(e entry.Entry) string {
	if v, ok := e.GetString("customType"); ok && v != "" {
		return normalizeType(v)
	}
	if v, ok := e.GetString("type"); ok && v != "" {
		return normalizeType(v)
	}
	if v, ok := e.MessageRole(); ok && v != "" {
		return normalizeType(v)
	}
	if v, ok := e.GetString("role"); ok && v != "" {
		return normalizeType(v)
	}

	// Content inference.
	if v, ok := e.Get("thinking"); ok && v != nil {
		return "thinking"
	}
	if data, ok := e.Get("data"); ok {
		if m, ok := data.(map[string]any); ok {
			if v, ok := m["thinking"]; ok && v != nil {
				return "thinking"
			}
			if v, ok := m["result"]; ok && v != nil {
				return "tool_result"
			}
		}
	}
	if v, ok := e.Get("result"); ok && v != nil {
		return "tool_result"
	}
	if v, ok := e.Get("tool_result"); ok && v != nil {
		return "tool_result"
	}

	return ""
}

func normalizeType(t string) string {
	lower := strings.ToLower(strings.TrimSpace(t))
	switch lower {
	case "ai":
		return "assistant"
	case "human":
		return "user"
	default:
		return lower
	}
}

// detectRole derives the entry's role: message.role or role, falling back
// to type-specific defaults when absent.
func detectRole(e entry.Entry) string {
	if v, ok := e.MessageRole(); ok && v != "" {
		return normalizeType(v)
	}
	if v, ok := e.GetString("role"); ok && v != "" {
		return normalizeType(v)
	}

	if v, ok := e.GetString("customType"); ok && normalizeType(v) == "thinking" {
		return "agent"
	}
	return ""
}

// anyValueReachesMinLength checks the candidate content fields plus the
// nested message.content per §4.D.
func anyValueReachesMinLength(e entry.Entry, minLength int) bool {
	for _, key := range candidateContentKeys {
		if v, ok := e.Get(key); ok && v != nil {
			if entry.JSONLen(v) >= minLength {
				return true
			}
		}
	}
	if v, ok := e.MessageContent(); ok && v != nil {
		if entry.JSONLen(v) >= minLength {
			return true
		}
	}
	return false
}
