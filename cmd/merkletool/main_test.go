package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/certen-labs/merkle-snapshot/pkg/tree"
)

func TestRunWithPositionalArgsPrintsRoot(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "tree.json")

	code := run([]string{"-output-file", out, "a", "b"})
	if code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}
	if _, err := os.Stat(out); err != nil {
		t.Fatalf("expected tree file to be written: %v", err)
	}
}

func TestRunWithNoInputFails(t *testing.T) {
	code := run(nil)
	if code != 1 {
		t.Fatalf("expected exit code 1 for no input, got %d", code)
	}
}

func TestRunVerifyValidProof(t *testing.T) {
	code := run([]string{"-verify", "a", "a", "b"})
	if code != 0 {
		t.Fatalf("expected VALID proof to exit 0, got %d", code)
	}
}

func TestGatherItemsFromDirectory(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "x.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	items, mode, err := gatherItems(nil, "", dir)
	if err != nil {
		t.Fatalf("gatherItems: %v", err)
	}
	if mode != tree.ModeFiles {
		t.Fatalf("expected ModeFiles, got %v", mode)
	}
	if len(items) != 1 {
		t.Fatalf("expected one file, got %d", len(items))
	}
}

func TestGatherItemsFromInputFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "blocks.txt")
	if err := os.WriteFile(path, []byte("one\ntwo\nthree\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	items, mode, err := gatherItems(nil, path, "")
	if err != nil {
		t.Fatalf("gatherItems: %v", err)
	}
	if mode != tree.ModeData {
		t.Fatalf("expected ModeData, got %v", mode)
	}
	if len(items) != 3 {
		t.Fatalf("expected three blocks, got %d", len(items))
	}
}
