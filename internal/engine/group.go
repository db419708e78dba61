package engine

import "github.com/steveyegge/rowsync/internal/schema"

// GroupByKey partitions actions by the key they target, regardless of kind.
// Within each group actions keep their input order. It has no side effects.
func GroupByKey(actions []schema.Action) map[string][]schema.Action {
	groups := make(map[string][]schema.Action)
	for _, a := range actions {
		key := a.Info().Key
		groups[key] = append(groups[key], a)
	}
	return groups
}

// keyOrder returns the distinct keys of actions in order of first appearance.
func keyOrder(actions []schema.Action) []string {
	seen := make(map[string]bool)
	var keys []string
	for _, a := range actions {
		key := a.Info().Key
		if !seen[key] {
			seen[key] = true
			keys = append(keys, key)
		}
	}
	return keys
}
