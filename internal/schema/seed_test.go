package schema

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeSeedFile(t *testing.T, name, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write seed file: %v", err)
	}
	return path
}

func TestReadSeedFile_JSON(t *testing.T) {
	path := writeSeedFile(t, "seeds.json", `[
		{"key": "John", "payload": {"name": "John", "age": 20}},
		{"key": "Jane", "payload": {"name": "Jane", "age": 21}}
	]`)

	seeds, err := ReadSeedFile(path)
	if err != nil {
		t.Fatalf("ReadSeedFile failed: %v", err)
	}
	if len(seeds) != 2 {
		t.Fatalf("expected 2 seeds, got %d", len(seeds))
	}
	if seeds[0].Key != "John" || seeds[1].Key != "Jane" {
		t.Errorf("seed order not preserved: %q, %q", seeds[0].Key, seeds[1].Key)
	}
}

func TestReadSeedFile_JSONL(t *testing.T) {
	path := writeSeedFile(t, "seeds.jsonl",
		`{"key": "a", "payload": {"n": 1}}`+"\n"+
			`{"key": "b", "payload": {"n": 2}}`+"\n")

	seeds, err := ReadSeedFile(path)
	if err != nil {
		t.Fatalf("ReadSeedFile failed: %v", err)
	}
	if len(seeds) != 2 {
		t.Errorf("expected 2 seeds, got %d", len(seeds))
	}
}

func TestReadSeedFile_YAML(t *testing.T) {
	path := writeSeedFile(t, "seeds.yaml", `
- key: Alice
  payload:
    name: Alice
    age: 22
    address:
      city: Oslo
`)

	seeds, err := ReadSeedFile(path)
	if err != nil {
		t.Fatalf("ReadSeedFile failed: %v", err)
	}
	if len(seeds) != 1 {
		t.Fatalf("expected 1 seed, got %d", len(seeds))
	}
	if seeds[0].Payload["age"] != 22 {
		t.Errorf("expected age 22, got %v (%T)", seeds[0].Payload["age"], seeds[0].Payload["age"])
	}
	if _, ok := seeds[0].Payload["address"].(map[string]any); !ok {
		t.Errorf("expected nested map, got %T", seeds[0].Payload["address"])
	}
}

func TestReadSeedFile_EmptyYAML(t *testing.T) {
	seeds, err := ReadSeedFile(writeSeedFile(t, "empty.yml", ""))
	if err != nil {
		t.Fatalf("ReadSeedFile failed: %v", err)
	}
	if len(seeds) != 0 {
		t.Errorf("expected no seeds, got %d", len(seeds))
	}
}

func TestReadSeedFile_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		want    string
	}{
		{"duplicate key", "dup.json", `[{"key":"a","payload":{}},{"key":"a","payload":{}}]`, "duplicate seed key"},
		{"missing key", "nokey.json", `[{"payload":{"n":1}}]`, "key is required"},
		{"bad extension", "seeds.csv", `a,b`, "unsupported seed file extension"},
		{"bad jsonl", "bad.jsonl", `{"key":`, "invalid JSON at line 1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadSeedFile(writeSeedFile(t, tt.file, tt.content))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestDefaultSeeds(t *testing.T) {
	seeds := DefaultSeeds()
	if len(seeds) != 4 {
		t.Fatalf("expected 4 default seeds, got %d", len(seeds))
	}
	for _, s := range seeds {
		if err := s.Validate(); err != nil {
			t.Errorf("default seed %q invalid: %v", s.Key, err)
		}
		if s.Payload["name"] != s.Key {
			t.Errorf("expected seed keyed by name, got key %q name %v", s.Key, s.Payload["name"])
		}
	}
}
