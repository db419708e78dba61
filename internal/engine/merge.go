package engine

import (
	"cmp"
	"slices"
	"strings"

	"github.com/steveyegge/rowsync/internal/schema"
)

// mergeEdits folds edits into a single field patch. Edits are applied in
// ascending request version; equal versions keep arrival order.
func mergeEdits(edits []schema.Edit) map[string]any {
	sorted := slices.Clone(edits)
	slices.SortStableFunc(sorted, func(a, b schema.Edit) int {
		return cmp.Compare(a.RequestVersion, b.RequestVersion)
	})

	patch := make(map[string]any, len(sorted))
	for _, ed := range sorted {
		patch[ed.Field] = ed.Value
	}
	return patch
}

func editClients(edits []schema.Edit) []string {
	seen := make(map[string]bool)
	var clients []string
	for _, ed := range edits {
		if !seen[ed.ClientID] {
			seen[ed.ClientID] = true
			clients = append(clients, ed.ClientID)
		}
	}
	return clients
}

func joinFields(fields []string) string {
	if len(fields) == 0 {
		return "no fields"
	}
	return "fields: " + strings.Join(fields, ", ")
}
