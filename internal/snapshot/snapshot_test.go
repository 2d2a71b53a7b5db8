package snapshot

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir %s: %v", rel, err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", rel, err)
	}
}

func TestCapture(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "main.go", "package main\n")
	writeFile(t, dir, "src/helper.go", "package src\n")
	writeFile(t, dir, ".git/config", "[core]\n")
	writeFile(t, dir, "node_modules/pkg.js", "module.exports = {}\n")
	writeFile(t, dir, ".hermes/tasks.db", "sqlite\n")
	writeFile(t, dir, ".hidden", "secret\n")

	m, err := Capture(dir)
	if err != nil {
		t.Fatalf("Capture() error = %v", err)
	}

	got := map[string]bool{}
	for _, f := range m.Files {
		got[f.Path] = true
	}

	for _, want := range []string{"main.go", "src/helper.go"} {
		if !got[want] {
			t.Errorf("manifest missing %s", want)
		}
	}
	for _, excluded := range []string{".git/config", "node_modules/pkg.js", ".hermes/tasks.db", ".hidden"} {
		if got[excluded] {
			t.Errorf("manifest should not contain %s", excluded)
		}
	}

	// Deterministic ordering
	for i := 1; i < len(m.Files); i++ {
		if m.Files[i-1].Path >= m.Files[i].Path {
			t.Errorf("files not sorted: %s before %s", m.Files[i-1].Path, m.Files[i].Path)
		}
	}

	for _, f := range m.Files {
		if f.SHA256 == "" {
			t.Errorf("file %s has empty checksum", f.Path)
		}
	}
}

func TestDiff(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "unchanged.txt", "same\n")
	writeFile(t, dir, "modified.txt", "old\n")
	writeFile(t, dir, "removed.txt", "going away\n")

	before, err := Capture(dir)
	if err != nil {
		t.Fatalf("Capture(before) error = %v", err)
	}

	writeFile(t, dir, "modified.txt", "new\n")
	writeFile(t, dir, "added.txt", "brand new\n")
	if err := os.Remove(filepath.Join(dir, "removed.txt")); err != nil {
		t.Fatalf("remove: %v", err)
	}

	after, err := Capture(dir)
	if err != nil {
		t.Fatalf("Capture(after) error = %v", err)
	}

	changed := Diff(before, after)
	want := []string{"added.txt", "modified.txt", "removed.txt"}
	if len(changed) != len(want) {
		t.Fatalf("Diff() = %v, want %v", changed, want)
	}
	for i := range want {
		if changed[i] != want[i] {
			t.Errorf("Diff()[%d] = %s, want %s", i, changed[i], want[i])
		}
	}
}

func TestDiffNoChanges(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "content\n")

	before, err := Capture(dir)
	if err != nil {
		t.Fatalf("Capture(before) error = %v", err)
	}
	after, err := Capture(dir)
	if err != nil {
		t.Fatalf("Capture(after) error = %v", err)
	}

	if changed := Diff(before, after); len(changed) != 0 {
		t.Errorf("Diff() = %v, want empty", changed)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "content\n")

	m, err := Capture(dir)
	if err != nil {
		t.Fatalf("Capture() error = %v", err)
	}

	path := filepath.Join(t.TempDir(), "manifests", "task-1.json")
	if err := Save(m, path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if len(loaded.Files) != len(m.Files) {
		t.Fatalf("loaded %d files, want %d", len(loaded.Files), len(m.Files))
	}
	if loaded.Files[0].SHA256 != m.Files[0].SHA256 {
		t.Errorf("checksum mismatch after round trip")
	}

	// A loaded manifest must diff cleanly against a fresh capture
	fresh, err := Capture(dir)
	if err != nil {
		t.Fatalf("Capture() error = %v", err)
	}
	if changed := Diff(loaded, fresh); len(changed) != 0 {
		t.Errorf("Diff(loaded, fresh) = %v, want empty", changed)
	}
}

func TestLoadMissingManifest(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Error("Load() expected error for missing manifest")
	}
}
