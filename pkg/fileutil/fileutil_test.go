package fileutil

import (
	"os"
	"path/filepath"
	"testing"
)

func TestExists(t *testing.T) {
	tmpDir := t.TempDir()

	if Exists(filepath.Join(tmpDir, "nonexistent")) {
		t.Error("Exists returned true for non-existent file")
	}

	path := filepath.Join(tmpDir, "exists.txt")
	if err := os.WriteFile(path, []byte("content"), 0o644); err != nil {
		t.Fatal(err)
	}
	if !Exists(path) {
		t.Error("Exists returned false for existing file")
	}
}

func TestAtomicCommit(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")
	path := filepath.Join(dir, "out.bin")

	f, err := CreateAtomic(path)
	if err != nil {
		t.Fatalf("CreateAtomic: %v", err)
	}
	if _, err := f.Write([]byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if Exists(path) {
		t.Error("final path visible before commit")
	}
	if err := f.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("expected hello, got %q", data)
	}
	if err := f.Commit(); err == nil {
		t.Error("expected error on second commit")
	}
}

func TestAtomicAbort(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.bin")

	f, err := CreateAtomic(path)
	if err != nil {
		t.Fatalf("CreateAtomic: %v", err)
	}
	if err := f.Abort(); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if Exists(path) {
		t.Error("aborted file must not exist")
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("expected empty dir, got %d entries", len(entries))
	}
}

func TestCleanupTmpFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.chunk", "b.chunk.123.tmp", "c.tmp"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}

	if err := CleanupTmpFiles(dir); err != nil {
		t.Fatalf("CleanupTmpFiles: %v", err)
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 || entries[0].Name() != "a.chunk" {
		t.Errorf("expected only a.chunk left, got %v", entries)
	}

	if err := CleanupTmpFiles(filepath.Join(dir, "missing")); err != nil {
		t.Errorf("missing dir should be ignored, got %v", err)
	}
}
