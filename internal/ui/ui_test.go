package ui

import (
	"strings"
	"testing"
)

func TestKeyValues_Aligned(t *testing.T) {
	out := KeyValues([2]string{"Version", "3"}, [2]string{"Records", "12"}, [2]string{"DB", "x.db"})
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d: %q", len(lines), out)
	}
	col := strings.Index(lines[0], "3")
	if strings.Index(lines[2], "x.db") != col {
		t.Errorf("values not aligned:\n%s", out)
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in    string
		width int
		want  string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"much longer text", 8, "much lo…"},
		{"anything", 0, "anything"},
	}
	for _, tt := range tests {
		if got := Truncate(tt.in, tt.width); got != tt.want {
			t.Errorf("Truncate(%q, %d) = %q, want %q", tt.in, tt.width, got, tt.want)
		}
	}
}
