package workspace

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewCreatesRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "data")
	w, err := New(root)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := os.Stat(w.Root); err != nil {
		t.Errorf("root not created: %v", err)
	}
}

func TestUserDirLayout(t *testing.T) {
	w, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	dir := w.UserDir("alice")
	if !strings.HasPrefix(dir, w.WorkspacesRoot()) {
		t.Errorf("UserDir %q not under workspaces root %q", dir, w.WorkspacesRoot())
	}
	for _, sub := range []string{"files", "archive"} {
		if _, err := os.Stat(filepath.Join(dir, sub)); err != nil {
			t.Errorf("%s/ not created: %v", sub, err)
		}
	}

	if got := w.InstructionsPath("alice"); filepath.Base(got) != "ASSISTANT.md" {
		t.Errorf("InstructionsPath = %q", got)
	}
	if got := w.MemoryPath("alice"); filepath.Base(got) != "memory.md" {
		t.Errorf("MemoryPath = %q", got)
	}
	if got := w.HeartbeatPath("alice"); filepath.Base(got) != "HEARTBEAT.md" {
		t.Errorf("HeartbeatPath = %q", got)
	}
}

func TestUserDirSanitizesID(t *testing.T) {
	w, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for _, id := range []string{"../../etc", "a/b", `a\b`, ""} {
		dir := w.UserDir(id)
		rel, err := filepath.Rel(w.WorkspacesRoot(), dir)
		if err != nil || strings.HasPrefix(rel, "..") || strings.Contains(rel, string(filepath.Separator)) {
			t.Errorf("UserDir(%q) = %q escapes workspaces root", id, dir)
		}
	}
}

func TestCleanScratch(t *testing.T) {
	w, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	scratch := w.ScratchDir()
	if err := os.MkdirAll(filepath.Join(scratch, "exec-1"), 0750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(scratch, "stale.json"), []byte("{}"), 0640); err != nil {
		t.Fatal(err)
	}

	if err := w.CleanScratch(); err != nil {
		t.Fatalf("CleanScratch: %v", err)
	}
	entries, err := os.ReadDir(scratch)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("scratch not empty after clean: %d entries", len(entries))
	}
}

func TestCleanScratchMissingDir(t *testing.T) {
	w := &Workspace{Root: filepath.Join(t.TempDir(), "never-made"), created: map[string]bool{}}
	if err := w.CleanScratch(); err != nil {
		t.Errorf("CleanScratch on missing dir = %v, want nil", err)
	}
}
