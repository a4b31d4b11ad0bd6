package entry

import "testing"

func TestIDPrefersDunderID(t *testing.T) {
	e := Entry{Extras: map[string]any{"__id": "e1", "id": "e2"}}
	id, ok := e.ID()
	if !ok || id != "e1" {
		t.Errorf("expected __id to win, got %q, %v", id, ok)
	}
}

func TestIDFallsBackToID(t *testing.T) {
	e := Entry{Extras: map[string]any{"id": "e2"}}
	id, ok := e.ID()
	if !ok || id != "e2" {
		t.Errorf("expected fallback to id, got %q, %v", id, ok)
	}
}

func TestIDAbsentReturnsFalse(t *testing.T) {
	e := Entry{Extras: map[string]any{}}
	if _, ok := e.ID(); ok {
		t.Error("expected ok=false for entry with no identity field")
	}
}

func TestIsStructuralCoversUnderscoreAndNamedKeys(t *testing.T) {
	cases := []struct {
		key  string
		want bool
	}{
		{"_restored", true},
		{"_extractable", true},
		{"parentId", true},
		{"toolCallId", true},
		{"content", false},
		{"thinking", false},
	}
	for _, c := range cases {
		if got := IsStructural(c.key); got != c.want {
			t.Errorf("IsStructural(%q) = %v, want %v", c.key, got, c.want)
		}
	}
}

func TestPlaceholderWithoutKeepChars(t *testing.T) {
	got := Placeholder("e1", "hello world", 0)
	want := "[[extracted-e1]]"
	if got != want {
		t.Errorf("Placeholder() = %q, want %q", got, want)
	}
}

func TestPlaceholderWithKeepChars(t *testing.T) {
	got := Placeholder("e1", "hello world", 5)
	want := "hello... [[extracted-e1]]"
	if got != want {
		t.Errorf("Placeholder() = %q, want %q", got, want)
	}
}

func TestPlaceholderKeepCharsClampedToLength(t *testing.T) {
	got := Placeholder("e1", "hi", 50)
	want := "hi... [[extracted-e1]]"
	if got != want {
		t.Errorf("Placeholder() = %q, want %q", got, want)
	}
}

func TestHasAnyPlaceholderRecursesNested(t *testing.T) {
	e := Entry{Extras: map[string]any{
		"message": map[string]any{
			"content": []any{
				map[string]any{"text": "[[extracted-e7]]"},
			},
		},
	}}
	if !e.HasAnyPlaceholder() {
		t.Error("expected nested placeholder to be detected")
	}
}

func TestHasAnyPlaceholderFalseWhenAbsent(t *testing.T) {
	e := Entry{Extras: map[string]any{"thinking": "just a normal thought"}}
	if e.HasAnyPlaceholder() {
		t.Error("expected no placeholder to be detected")
	}
}

func TestExtractableOverrideKinds(t *testing.T) {
	cases := []struct {
		name string
		v    any
		want ExtractableOverride
	}{
		{"true", true, ExtractableOverride{Kind: "true"}},
		{"false", false, ExtractableOverride{Kind: "false"}},
		{"non-negative float", float64(3), ExtractableOverride{Kind: "int", Value: 3}},
		{"negative float", float64(-1), ExtractableOverride{Kind: "absent"}},
	}
	for _, c := range cases {
		e := Entry{Extras: map[string]any{"_extractable": c.v}}
		got := e.Extractable()
		if got != c.want {
			t.Errorf("%s: Extractable() = %+v, want %+v", c.name, got, c.want)
		}
	}
}

func TestExtractableAbsent(t *testing.T) {
	e := Entry{Extras: map[string]any{}}
	if got := e.Extractable(); got.Kind != "absent" {
		t.Errorf("expected absent, got %+v", got)
	}
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	var e Entry
	raw := `{"__id":"e1","type":"thinking","thinking":"hello"}`
	if err := e.UnmarshalJSON([]byte(raw)); err != nil {
		t.Fatalf("UnmarshalJSON: %v", err)
	}
	data, err := e.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON: %v", err)
	}
	var roundTripped Entry
	if err := roundTripped.UnmarshalJSON(data); err != nil {
		t.Fatalf("re-unmarshal: %v", err)
	}
	if v, _ := roundTripped.GetString("thinking"); v != "hello" {
		t.Errorf("expected thinking=hello after round trip, got %q", v)
	}
}

func TestCloneIsIndependentShallowCopy(t *testing.T) {
	e := Entry{Extras: map[string]any{"thinking": "original"}}
	clone := e.Clone()
	clone.Set("thinking", "changed")

	if v, _ := e.GetString("thinking"); v != "original" {
		t.Errorf("expected original entry untouched, got %q", v)
	}
	if v, _ := clone.GetString("thinking"); v != "changed" {
		t.Errorf("expected clone to carry the mutation, got %q", v)
	}
}
