package ignorelist

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func TestAddContainsRemoveCaseInsensitive(t *testing.T) {
	dir := t.TempDir()
	l, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := l.Add("Launcher.exe"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if !l.Contains("launcher.exe") {
		t.Fatalf("expected case-insensitive match")
	}
	if l.Count() != 1 {
		t.Fatalf("count = %d, want 1", l.Count())
	}

	// Idempotent add.
	if err := l.Add("LAUNCHER.EXE"); err != nil {
		t.Fatalf("Add (dup): %v", err)
	}
	if l.Count() != 1 {
		t.Fatalf("count after dup add = %d, want 1", l.Count())
	}

	if err := l.Remove("launcher.exe"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if l.Contains("Launcher.exe") {
		t.Fatalf("expected entry removed")
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	l, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := l.Add("Bench.exe"); err != nil {
		t.Fatalf("Add: %v", err)
	}

	l2, err := New(dir)
	if err != nil {
		t.Fatalf("New (reload): %v", err)
	}
	if !l2.Contains("Bench.exe") {
		t.Fatalf("expected persisted entry to survive reload")
	}
}

func TestAddUsesTempThenRename(t *testing.T) {
	dir := t.TempDir()
	l, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := l.Add("Game.exe"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "ignore_list.json.tmp")); !os.IsNotExist(err) {
		t.Fatalf("expected temp file to be renamed away, stat err = %v", err)
	}
	if _, err := os.Stat(l.Path()); err != nil {
		t.Fatalf("expected final file to exist: %v", err)
	}
}

func TestCapacityLimit(t *testing.T) {
	dir := t.TempDir()
	l, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i := 0; i < MaxEntries; i++ {
		if err := l.Add(fmt.Sprintf("proc-%d.exe", i)); err != nil {
			t.Fatalf("Add #%d: %v", i, err)
		}
	}
	if err := l.Add("overflow.exe"); err == nil {
		t.Fatalf("expected capacity error")
	}
}
