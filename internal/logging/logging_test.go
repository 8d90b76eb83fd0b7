package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFactory_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "shopsync.log")

	f, err := New(Config{File: path, MaxSizeMB: 1, MaxBackups: 1})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	f.Logger("queue").Printf("drained %d", 3)
	f.Logger("sync").Println("refreshed")
	if err := f.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() failed: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("log has %d lines, want 2:\n%s", len(lines), data)
	}
	if !strings.HasPrefix(lines[0], "[queue] ") || !strings.HasSuffix(lines[0], "drained 3") {
		t.Errorf("line 1 = %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "[sync] ") {
		t.Errorf("line 2 = %q", lines[1])
	}
}

func TestFactory_Stderr(t *testing.T) {
	f, err := New(Config{})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if f.Writer() != os.Stderr {
		t.Error("empty file does not log to stderr")
	}
	if err := f.Close(); err != nil {
		t.Errorf("Close() failed: %v", err)
	}
	if Discard().Logger("x").Writer() == os.Stderr {
		t.Error("Discard() logs to stderr")
	}
}
