package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Seed is one initial record: the key it is stored under and its payload.
type Seed struct {
	Key     string  `json:"key" yaml:"key"`
	Payload Payload `json:"payload" yaml:"payload"`
}

// Validate checks the seed's key and payload.
func (s *Seed) Validate() error {
	if s.Key == "" {
		return fmt.Errorf("key is required")
	}
	if err := s.Payload.Validate(); err != nil {
		return fmt.Errorf("invalid payload for %q: %w", s.Key, err)
	}
	return nil
}

// DefaultSeeds returns the built-in record set used when no seed file is
// configured: four users keyed by name.
func DefaultSeeds() []Seed {
	users := []struct {
		name  string
		age   int
		email string
	}{
		{"John", 20, "john@example.com"},
		{"Jane", 21, "jane@example.com"},
		{"Alice", 22, "alice@example.com"},
		{"Bob", 23, "bob@example.com"},
	}
	seeds := make([]Seed, 0, len(users))
	for _, u := range users {
		seeds = append(seeds, Seed{
			Key:     u.name,
			Payload: Payload{"name": u.name, "age": u.age, "email": u.email},
		})
	}
	return seeds
}

// ReadSeedFile reads the initial record set from path. The format is chosen by
// extension: .yaml/.yml, .jsonl (one seed per line) or .json (an array).
// Duplicate keys are rejected.
func ReadSeedFile(path string) ([]Seed, error) {
	// #nosec G304 - path comes from configuration
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open seed file: %w", err)
	}
	defer f.Close()

	var seeds []Seed
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		seeds, err = decodeYAMLSeeds(f)
	case ".jsonl":
		seeds, err = decodeJSONLSeeds(f)
	case ".json":
		err = json.NewDecoder(f).Decode(&seeds)
	default:
		return nil, fmt.Errorf("unsupported seed file extension %q", filepath.Ext(path))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse seed file %s: %w", path, err)
	}

	seen := make(map[string]bool, len(seeds))
	for i := range seeds {
		if err := seeds[i].Validate(); err != nil {
			return nil, fmt.Errorf("invalid seed %d in %s: %w", i, path, err)
		}
		if seen[seeds[i].Key] {
			return nil, fmt.Errorf("duplicate seed key %q in %s", seeds[i].Key, path)
		}
		seen[seeds[i].Key] = true
	}
	return seeds, nil
}

func decodeYAMLSeeds(r io.Reader) ([]Seed, error) {
	var seeds []Seed
	if err := yaml.NewDecoder(r).Decode(&seeds); err != nil {
		if errors.Is(err, io.EOF) {
			return []Seed{}, nil
		}
		return nil, err
	}
	for i := range seeds {
		seeds[i].Payload = seeds[i].Payload.plain()
	}
	return seeds, nil
}

func decodeJSONLSeeds(r io.Reader) ([]Seed, error) {
	var seeds []Seed
	decoder := json.NewDecoder(r)
	for line := 1; ; line++ {
		var seed Seed
		if err := decoder.Decode(&seed); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("invalid JSON at line %d: %w", line, err)
		}
		seeds = append(seeds, seed)
	}
	return seeds, nil
}
