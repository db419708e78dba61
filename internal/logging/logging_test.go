package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestOpen_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "rowsync.log")
	out := Open(Options{File: path, MaxSizeMB: 1})
	defer out.Close()

	out.Logger("engine").Printf("Pass v%d applied", 2)

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	if !strings.Contains(string(data), "[engine] ") || !strings.Contains(string(data), "Pass v2 applied") {
		t.Errorf("unexpected log contents: %q", data)
	}
}

func TestOpen_StderrIsNotClosed(t *testing.T) {
	out := Open(Options{})
	if out.Writer() != os.Stderr {
		t.Error("expected stderr writer without a file")
	}
	if err := out.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if err := out.Rotate(); err != nil {
		t.Errorf("Rotate failed: %v", err)
	}
}

func TestOpen_Quiet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "never.log")
	out := Open(Options{Quiet: true, File: path})
	out.Logger("hub").Println("dropped")
	if _, err := os.Stat(path); err == nil {
		t.Error("quiet output should not create a log file")
	}
}
