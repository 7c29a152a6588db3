package walker

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/certen-labs/merkle-snapshot/pkg/apperr"
)

func mustWrite(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestWalkDeterministicOrder(t *testing.T) {
	dir := t.TempDir()
	mustWrite(t, filepath.Join(dir, "B", "y.txt"), "y")
	mustWrite(t, filepath.Join(dir, "A", "x.txt"), "x")
	mustWrite(t, filepath.Join(dir, "z.txt"), "z")

	w := New()
	paths, err := w.Walk(dir, 0)
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	if len(paths) != 3 {
		t.Fatalf("expected 3 files, got %d", len(paths))
	}
	for i := 1; i < len(paths); i++ {
		if paths[i-1] >= paths[i] {
			t.Fatalf("paths not strictly sorted: %v", paths)
		}
	}
}

func TestWalkEmptyDir(t *testing.T) {
	dir := t.TempDir()
	w := New()
	_, err := w.Walk(dir, 0)
	if !apperr.Is(err, apperr.KindEmpty) {
		t.Fatalf("expected KindEmpty, got %v", err)
	}
}

func TestWalkMissingRoot(t *testing.T) {
	w := New()
	_, err := w.Walk(filepath.Join(t.TempDir(), "nope"), 0)
	if !apperr.Is(err, apperr.KindIO) {
		t.Fatalf("expected KindIO, got %v", err)
	}
}

func TestWalkBatchLimit(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 5; i++ {
		mustWrite(t, filepath.Join(dir, string(rune('a'+i))+".txt"), "x")
	}
	w := New()
	paths, err := w.Walk(dir, 2)
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	if len(paths) != 2 {
		t.Fatalf("expected batchLimit to truncate to 2, got %d", len(paths))
	}
}

func TestWalkSkipsSymlinks(t *testing.T) {
	dir := t.TempDir()
	mustWrite(t, filepath.Join(dir, "real.txt"), "real")
	if err := os.Symlink(filepath.Join(dir, "real.txt"), filepath.Join(dir, "link.txt")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	w := New()
	paths, err := w.Walk(dir, 0)
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	if len(paths) != 1 {
		t.Fatalf("expected symlink to be skipped, got %d paths: %v", len(paths), paths)
	}
}
