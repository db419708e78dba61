package schema

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestPayloadClone_IsDeep(t *testing.T) {
	original := Payload{
		"name": "Alice",
		"tags": []any{"a", "b"},
		"address": map[string]any{
			"city": "Oslo",
		},
	}

	clone := original.Clone()
	clone["name"] = "Mallory"
	clone["tags"].([]any)[0] = "z"
	clone["address"].(map[string]any)["city"] = "Paris"

	if original["name"] != "Alice" {
		t.Errorf("top-level field leaked: %v", original["name"])
	}
	if original["tags"].([]any)[0] != "a" {
		t.Errorf("slice element leaked: %v", original["tags"])
	}
	if original["address"].(map[string]any)["city"] != "Oslo" {
		t.Errorf("nested map leaked: %v", original["address"])
	}
}

func TestPayloadClone_Nil(t *testing.T) {
	var p Payload
	if p.Clone() != nil {
		t.Error("expected nil clone of nil payload")
	}
}

func TestApplyPatch(t *testing.T) {
	record := Payload{"name": "Bo", "age": 30}

	patched, err := record.ApplyPatch(map[string]any{"age": 31, "email": "bo@example.com"})
	if err != nil {
		t.Fatalf("ApplyPatch failed: %v", err)
	}

	want := Payload{"name": "Bo", "age": 31, "email": "bo@example.com"}
	if diff := cmp.Diff(want, patched); diff != "" {
		t.Errorf("patched payload mismatch (-want +got):\n%s", diff)
	}
	if record["age"] != 30 {
		t.Errorf("ApplyPatch mutated the receiver: %v", record)
	}
}

func TestApplyPatch_RejectsWholePatch(t *testing.T) {
	record := Payload{"name": "Bo", "age": 30}

	patched, err := record.ApplyPatch(map[string]any{
		"age":    31,
		"broken": make(chan int),
	})
	if err == nil {
		t.Fatal("expected error for unsupported value")
	}
	if patched != nil {
		t.Errorf("expected nil payload on error, got %v", patched)
	}
	if record["age"] != 30 {
		t.Errorf("receiver changed despite failed patch: %v", record)
	}
}

func TestApplyPatch_EmptyFieldName(t *testing.T) {
	if _, err := (Payload{}).ApplyPatch(map[string]any{"": 1}); err == nil {
		t.Error("expected error for empty field name")
	}
}

func TestPayloadFields_Sorted(t *testing.T) {
	got := Payload{"b": 1, "c": 2, "a": 3}.Fields()
	if diff := cmp.Diff([]string{"a", "b", "c"}, got); diff != "" {
		t.Errorf("fields mismatch (-want +got):\n%s", diff)
	}
}

func TestPayloadPlain_NestedPayloads(t *testing.T) {
	p := Payload{
		"address": Payload{"city": "Oslo", "geo": Payload{"lat": 59.9}},
		"tags":    []any{"a", Payload{"k": "v"}},
		"age":     22,
	}.plain()

	address, ok := p["address"].(map[string]any)
	if !ok {
		t.Fatalf("expected address to be map[string]any, got %T", p["address"])
	}
	if _, ok := address["geo"].(map[string]any); !ok {
		t.Errorf("expected nested geo to be map[string]any, got %T", address["geo"])
	}
	if _, ok := p["tags"].([]any)[1].(map[string]any); !ok {
		t.Errorf("expected list element to be map[string]any, got %T", p["tags"].([]any)[1])
	}
	if p["age"] != 22 {
		t.Errorf("scalar changed: %v", p["age"])
	}
}
