package main

import (
	"testing"
	"time"
)

func TestParseSince(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		input string
		want  time.Time
	}{
		{"duration", "15m", now.Add(-15 * time.Minute)},
		{"negative duration", "-2h", now.Add(-2 * time.Hour)},
		{"rfc3339", "2026-03-01T08:30:00Z", time.Date(2026, 3, 1, 8, 30, 0, 0, time.UTC)},
		{"natural language", "10 minutes ago", now.Add(-10 * time.Minute)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseSince(tt.input, now)
			if err != nil {
				t.Fatalf("parseSince(%q) failed: %v", tt.input, err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("parseSince(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestParseSince_Unrecognized(t *testing.T) {
	if _, err := parseSince("qwxz", time.Now()); err == nil {
		t.Error("expected error for unrecognized input")
	}
}
