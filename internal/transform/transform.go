// Package transform implements the Key-Level Transform (§4.E): a pure,
// reversible move of selected entry fields into a payload, replaced in place
// by placeholders.
package transform

import (
	"encoding/json"
	"time"

	"brainsurgeon/internal/entry"
)

// preferredKeys returns the trigger-type-biased candidate key order. Keys
// not present in the entry are simply skipped later.
func preferredKeys(triggerType string) []string {
	switch triggerType {
	case "thinking":
		return []string{"thinking", "reasoning", "chain_of_thought"}
	case "tool_result":
		return []string{"output", "result", "content", "data"}
	case "assistant", "user", "system":
		return []string{"content", "message", "text", "response"}
	default:
		return nil
	}
}

// ForwardResult is the outcome of a forward (extract) transform.
type ForwardResult struct {
	Success       bool
	ExtractedKeys []string
	ExtractedSize int
	SizesBytes    map[string]int
	ModifiedEntry entry.Entry
	ExtractedData map[string]any
}

// Forward extracts the candidate keys chosen by candidateKeys (the
// trigger-type-preferred keys, plus every other non-structural top-level key
// for "thinking" and for types with no preference list) out of e
// into a payload, replacing each with a placeholder in the returned
// modified entry. keepChars > 0 preserves a truncated prefix inline for
// string values. Returns Success=false with the original entry unchanged on
// any JSON-encoding failure (§9).
func Forward(e entry.Entry, triggerType string, keepChars int) ForwardResult {
	entryID, ok := e.ID()
	if !ok {
		entryID = "unknown"
	}

	modified := e.Clone()
	payload := make(map[string]any)
	sizes := make(map[string]int)
	var extractedKeys []string

	candidates := candidateKeys(e, triggerType)
	for _, key := range candidates {
		v, present := e.Get(key)
		if !present || v == nil {
			continue
		}
		if entry.IsStructural(key) {
			continue
		}
		if !isEncodable(v) {
			continue
		}

		size, ok := jsonByteLen(v)
		if !ok {
			return ForwardResult{Success: false, ModifiedEntry: e}
		}

		payload[key] = v
		sizes[key] = size
		extractedKeys = append(extractedKeys, key)

		placeholder := entry.Placeholder(entryID, "", 0)
		if s, isStr := v.(string); isStr && keepChars > 0 {
			placeholder = entry.Placeholder(entryID, s, keepChars)
		}
		modified.Set(key, placeholder)
	}

	// Recurse one level into a nested "data" object (§4.E).
	if dataVal, present := e.Get("data"); present {
		if dataMap, ok := dataVal.(map[string]any); ok {
			nestedPayload := make(map[string]any)
			modifiedData := make(map[string]any, len(dataMap))
			for k, v := range dataMap {
				modifiedData[k] = v
			}

			nestedCandidates := preferredKeys(triggerType)
			for k, v := range dataMap {
				if v == nil || entry.IsStructural(k) {
					continue
				}
				eligible := false
				if len(nestedCandidates) > 0 {
					eligible = containsString(nestedCandidates, k)
				} else if s, isStr := v.(string); isStr {
					eligible = len(s) > 100
				} else if size, ok := jsonByteLen(v); ok {
					eligible = size > 100
				}
				if !eligible || !isEncodable(v) {
					continue
				}

				size, ok := jsonByteLen(v)
				if !ok {
					return ForwardResult{Success: false, ModifiedEntry: e}
				}

				nestedPayload[k] = v
				sizes["data."+k] = size
				extractedKeys = append(extractedKeys, "data."+k)

				placeholder := entry.Placeholder(entryID, "", 0)
				if s, isStr := v.(string); isStr && keepChars > 0 {
					placeholder = entry.Placeholder(entryID, s, keepChars)
				}
				modifiedData[k] = placeholder
			}

			if len(nestedPayload) > 0 {
				payload["data"] = nestedPayload
				modified.Set("data", modifiedData)
			}
		}
	}

	payload["__meta"] = map[string]any{
		"extracted_at": time.Now().UTC().Format(time.RFC3339Nano),
		"trigger_type": triggerType,
		"original_keys": candidatesPresent(extractedKeys),
	}

	encodedSize, ok := jsonByteLen(payload)
	if !ok {
		return ForwardResult{Success: false, ModifiedEntry: e}
	}

	return ForwardResult{
		Success:       true,
		ExtractedKeys: extractedKeys,
		ExtractedSize: encodedSize,
		SizesBytes:    sizes,
		ModifiedEntry: modified,
		ExtractedData: payload,
	}
}

// candidateKeys returns the ordered candidate key list for one trigger
// type. "thinking" and the unmatched/"default" bucket both prefer their
// biased keys first, then fall through to every remaining non-structural
// top-level key (§4.E); "tool_result"/"assistant"/"user"/"system" stay
// preferred-only.
func candidateKeys(e entry.Entry, triggerType string) []string {
	preferred := preferredKeys(triggerType)
	if len(preferred) > 0 && triggerType != "thinking" {
		return preferred
	}

	keys := append([]string{}, preferred...)
	seen := make(map[string]bool, len(preferred))
	for _, k := range preferred {
		seen[k] = true
	}
	for k := range e.Extras {
		if entry.IsStructural(k) || seen[k] {
			continue
		}
		keys = append(keys, k)
	}
	return keys
}

func candidatesPresent(keys []string) []string {
	if keys == nil {
		return []string{}
	}
	return keys
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// isEncodable reports whether v can plausibly be JSON-encoded (rules out
// channels, functions, and other non-serializable Go kinds that would never
// arise from json.Unmarshal output but guards the contract regardless).
func isEncodable(v any) bool {
	switch v.(type) {
	case func(), chan any:
		return false
	default:
		return true
	}
}

// jsonByteLen returns the byte length of v's JSON encoding, or false if v
// cannot be encoded (cyclic structures, unsupported types).
func jsonByteLen(v any) (int, bool) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, false
	}
	return len(data), true
}

// ReverseResult is the outcome of a reverse (restore) transform.
type ReverseResult struct {
	RestoredEntry entry.Entry
	KeysRestored  []string
	SizesBytes    map[string]int
}

// maxReverseDepth bounds the recursive walk on restore (§4.E).
const maxReverseDepth = 10

// Reverse restores placeholder values in placeholderEntry from payload,
// recursing through nested objects/arrays up to maxReverseDepth. __id and
// other structural fields are never overwritten. Keys whose payload value
// is missing are left as placeholders (acceptable degradation, §4.E).
func Reverse(placeholderEntry entry.Entry, payload map[string]any) ReverseResult {
	contentData := make(map[string]any, len(payload))
	for k, v := range payload {
		if k == "__meta" {
			continue
		}
		contentData[k] = v
	}

	restored := placeholderEntry.Clone()
	var keysRestored []string
	sizes := make(map[string]int)

	for key, v := range restored.Extras {
		if entry.IsStructural(key) {
			continue
		}
		newVal, changed := reverseValue(v, contentData[key], 1, &keysRestored, sizes, key)
		if changed {
			restored.Set(key, newVal)
		}
	}

	return ReverseResult{RestoredEntry: restored, KeysRestored: keysRestored, SizesBytes: sizes}
}

// reverseValue recursively reverses placeholders within v, using
// corresponding when v itself is a direct placeholder match at this key, and
// recursing into nested maps/arrays otherwise. reportKey is the dotted path
// recorded in keysRestored/sizes.
func reverseValue(v any, corresponding any, depth int, keysRestored *[]string, sizes map[string]int, reportKey string) (any, bool) {
	if depth > maxReverseDepth {
		return v, false
	}

	switch t := v.(type) {
	case string:
		if !entry.ContainsPlaceholder(t) {
			return v, false
		}
		if corresponding == nil {
			return v, false // leave placeholder in place; acceptable degradation
		}
		*keysRestored = append(*keysRestored, reportKey)
		if s, ok := corresponding.(string); ok {
			sizes[reportKey] = len(s)
		} else if data, err := json.Marshal(corresponding); err == nil {
			sizes[reportKey] = len(data)
		}
		return corresponding, true

	case map[string]any:
		var nestedCorresponding map[string]any
		if m, ok := corresponding.(map[string]any); ok {
			nestedCorresponding = m
		}
		changedAny := false
		out := make(map[string]any, len(t))
		for k, vv := range t {
			var childCorresponding any
			if nestedCorresponding != nil {
				childCorresponding = nestedCorresponding[k]
			}
			newVal, changed := reverseValue(vv, childCorresponding, depth+1, keysRestored, sizes, reportKey+"."+k)
			out[k] = newVal
			if changed {
				changedAny = true
			}
		}
		if !changedAny {
			return v, false
		}
		return out, true

	case []any:
		var nestedCorresponding []any
		if arr, ok := corresponding.([]any); ok {
			nestedCorresponding = arr
		}
		changedAny := false
		out := make([]any, len(t))
		for i, vv := range t {
			var childCorresponding any
			if i < len(nestedCorresponding) {
				childCorresponding = nestedCorresponding[i]
			}
			newVal, changed := reverseValue(vv, childCorresponding, depth+1, keysRestored, sizes, reportKey)
			out[i] = newVal
			if changed {
				changedAny = true
			}
		}
		if !changedAny {
			return v, false
		}
		return out, true

	default:
		return v, false
	}
}
