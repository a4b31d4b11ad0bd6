package transform

import (
	"strings"
	"testing"

	"brainsurgeon/internal/entry"
)

func mkEntry(t *testing.T, raw string) entry.Entry {
	t.Helper()
	var e entry.Entry
	if err := e.UnmarshalJSON([]byte(raw)); err != nil {
		t.Fatalf("bad fixture: %v", err)
	}
	return e
}

func TestForwardBasicThinking(t *testing.T) {
	big := strings.Repeat("a", 600)
	e := mkEntry(t, `{"__id":"e1","customType":"thinking","thinking":"`+big+`","timestamp":"2024-01-01T00:00:00Z"}`)

	res := Forward(e, "thinking", 0)
	if !res.Success {
		t.Fatal("expected successful forward transform")
	}
	if len(res.ExtractedKeys) != 1 || res.ExtractedKeys[0] != "thinking" {
		t.Fatalf("expected thinking key extracted, got %v", res.ExtractedKeys)
	}

	val, _ := res.ModifiedEntry.GetString("thinking")
	if val != "[[extracted-e1]]" {
		t.Errorf("expected full placeholder, got %q", val)
	}

	ts, _ := res.ModifiedEntry.GetString("timestamp")
	if ts != "2024-01-01T00:00:00Z" {
		t.Error("structural timestamp key must be preserved unchanged")
	}

	if res.ExtractedData["thinking"] != big {
		t.Error("payload must contain original value")
	}
	meta, ok := res.ExtractedData["__meta"].(map[string]any)
	if !ok {
		t.Fatal("expected __meta in payload")
	}
	if meta["trigger_type"] != "thinking" {
		t.Errorf("wrong trigger_type in meta: %v", meta["trigger_type"])
	}
}

func TestS7KeepCharsTruncationAndRestoreRoundTrip(t *testing.T) {
	original := strings.Repeat("x", 2000)
	e := mkEntry(t, `{"__id":"e7","customType":"thinking","thinking":"`+original+`"}`)

	res := Forward(e, "thinking", 75)
	if !res.Success {
		t.Fatal("forward failed")
	}
	val, _ := res.ModifiedEntry.GetString("thinking")
	want := strings.Repeat("x", 75) + "... [[extracted-e7]]"
	if val != want {
		t.Fatalf("truncated placeholder mismatch:\n got:  %q\n want: %q", val, want)
	}

	rev := Reverse(res.ModifiedEntry, res.ExtractedData)
	restoredVal, _ := rev.RestoredEntry.GetString("thinking")
	if restoredVal != original {
		t.Errorf("restore did not recover original 2000-char string")
	}
}

func TestRoundTripInvariant(t *testing.T) {
	big := strings.Repeat("b", 600)
	e := mkEntry(t, `{"__id":"e2","customType":"thinking","thinking":"`+big+`","parentId":"p1","toolCallId":"t1"}`)

	res := Forward(e, "thinking", 0)
	if !res.Success {
		t.Fatal("forward failed")
	}

	rev := Reverse(res.ModifiedEntry, res.ExtractedData)

	for k, origVal := range e.Extras {
		if k == "_restored" {
			continue
		}
		restoredVal, ok := rev.RestoredEntry.Get(k)
		if !ok {
			t.Errorf("key %q missing after round-trip", k)
			continue
		}
		if origVal != restoredVal {
			t.Errorf("key %q: round-trip mismatch: got %v want %v", k, restoredVal, origVal)
		}
	}
}

func TestStructuralKeysNeverExtracted(t *testing.T) {
	big := strings.Repeat("c", 600)
	e := mkEntry(t, `{"__id":"e3","customType":"thinking","thinking":"`+big+`","parentId":"p1","toolCallId":"t1","version":"1.0"}`)

	res := Forward(e, "thinking", 0)
	if !res.Success {
		t.Fatal("forward failed")
	}
	for _, structKey := range []string{"parentId", "toolCallId", "version"} {
		for _, extracted := range res.ExtractedKeys {
			if extracted == structKey {
				t.Errorf("structural key %q must never be extracted", structKey)
			}
		}
		orig, _ := e.Get(structKey)
		got, _ := res.ModifiedEntry.Get(structKey)
		if orig != got {
			t.Errorf("structural key %q was modified", structKey)
		}
	}
}

func TestNestedDataExtraction(t *testing.T) {
	big := strings.Repeat("d", 200)
	e := mkEntry(t, `{"__id":"e4","type":"tool_result","data":{"result":"`+big+`","small":"ok"}}`)

	res := Forward(e, "tool_result", 0)
	if !res.Success {
		t.Fatal("forward failed")
	}

	found := false
	for _, k := range res.ExtractedKeys {
		if k == "data.result" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected data.result to be reported extracted, got %v", res.ExtractedKeys)
	}

	dataPayload, ok := res.ExtractedData["data"].(map[string]any)
	if !ok {
		t.Fatal("expected nested data payload")
	}
	if dataPayload["result"] != big {
		t.Error("nested payload should contain original value")
	}

	modifiedData, ok := res.ModifiedEntry.Get("data")
	if !ok {
		t.Fatal("modified entry missing data")
	}
	modifiedMap := modifiedData.(map[string]any)
	if modifiedMap["small"] != "ok" {
		t.Error("nested value outside the tool_result preferred keys should be left untouched")
	}
}
