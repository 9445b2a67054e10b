package which

import (
	"os"
	"path/filepath"
	"testing"
)

func makeExecutable(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"), 0755); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestResolveAbsoluteBypassesSearch(t *testing.T) {
	dir := t.TempDir()
	path := makeExecutable(t, dir, "tool")

	r := New(nil)
	got, ok := r.Resolve(path)
	if !ok || got != path {
		t.Errorf("Resolve(%q) = (%q, %v), want (%q, true)", path, got, ok, path)
	}
}

func TestResolveFindsAcrossPath(t *testing.T) {
	dir1 := t.TempDir()
	dir2 := t.TempDir()
	makeExecutable(t, dir2, "tool")

	r := New([]string{dir1, dir2})
	got, ok := r.Resolve("tool")
	if !ok {
		t.Fatal("expected tool to resolve")
	}
	if got != filepath.Join(dir2, "tool") {
		t.Errorf("Resolve(tool) = %q, want path in dir2", got)
	}
}

func TestResolveNotFound(t *testing.T) {
	dir := t.TempDir()
	r := New([]string{dir})
	if _, ok := r.Resolve("nonexistent-tool"); ok {
		t.Error("expected not found")
	}
}

func TestResolveIgnoresNonExecutableFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "data"), []byte("x"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	r := New([]string{dir})
	if _, ok := r.Resolve("data"); ok {
		t.Error("non-executable file should not resolve")
	}
}

func TestResolveCachesResult(t *testing.T) {
	dir := t.TempDir()
	path := makeExecutable(t, dir, "tool")

	r := New([]string{dir})
	first, _ := r.Resolve("tool")

	if err := os.Remove(path); err != nil {
		t.Fatalf("remove: %v", err)
	}

	second, ok := r.Resolve("tool")
	if !ok || second != first {
		t.Errorf("expected cached result to survive removal, got (%q, %v)", second, ok)
	}
}

func TestForgetInvalidatesCache(t *testing.T) {
	dir := t.TempDir()
	path := makeExecutable(t, dir, "tool")

	r := New([]string{dir})
	r.Resolve("tool")

	if err := os.Remove(path); err != nil {
		t.Fatalf("remove: %v", err)
	}
	r.Forget("tool")

	if _, ok := r.Resolve("tool"); ok {
		t.Error("expected re-search to miss after removal")
	}
}

func TestResolveDirectoryIsNotExecutable(t *testing.T) {
	dir := t.TempDir()
	if err := os.Mkdir(filepath.Join(dir, "subdir"), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	r := New([]string{dir})
	if _, ok := r.Resolve("subdir"); ok {
		t.Error("a directory should never resolve as an executable")
	}
}
