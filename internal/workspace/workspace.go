// Package workspace manages the Msaidizi runtime directory structure.
// All persistent state (user workspaces, database, sandbox scratch files)
// is consolidated under a single data root, making the daemon portable.
//
// Per-user layout under <root>/workspaces/<user>/:
//
//	ASSISTANT.md  regenerated instructions artifact (never hand-edited)
//	memory.md     append-only, deduplicated fact list
//	HEARTBEAT.md  optional user-editable heartbeat checklist
//	files/        free-form user files, read-write inside the sandbox
//	archive/      immutable conversation snapshots
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Default data root relative to the user home directory.
const defaultRelativePath = ".msaidizi/data"

// Workspace manages the data root and all derived paths.
type Workspace struct {
	Root string

	mu      sync.Mutex
	created map[string]bool // tracks which directories have been ensured
}

// New creates a Workspace rooted at the given path. It resolves ~ to the
// user's home directory and creates the root if it does not exist.
func New(root string) (*Workspace, error) {
	resolved, err := resolvePath(root)
	if err != nil {
		return nil, fmt.Errorf("resolving data root %q: %w", root, err)
	}

	w := &Workspace{
		Root:    resolved,
		created: make(map[string]bool),
	}

	if err := w.ensureDir(resolved, 0750); err != nil {
		return nil, fmt.Errorf("creating data root: %w", err)
	}
	return w, nil
}

// Default creates a Workspace at ~/.msaidizi/data.
func Default() (*Workspace, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("determining home directory: %w", err)
	}
	return New(filepath.Join(home, defaultRelativePath))
}

// --- Top-level directories ---

// WorkspacesRoot returns <root>/workspaces/ — the single allowed root for
// all per-user sandbox workspaces.
func (w *Workspace) WorkspacesRoot() string {
	return w.dir("workspaces")
}

// ScratchDir returns <root>/scratch/. Ephemeral per-execution IPC files.
func (w *Workspace) ScratchDir() string {
	return w.dir("scratch")
}

// DatabasePath returns <root>/msaidizi.db, the default SQLite location.
func (w *Workspace) DatabasePath() string {
	return filepath.Join(w.Root, "msaidizi.db")
}

// --- User-scoped paths ---

// UserDir returns <root>/workspaces/<user>/ with files/ and archive/ ensured.
func (w *Workspace) UserDir(userID string) string {
	p := filepath.Join(w.WorkspacesRoot(), sanitizeName(userID))
	_ = w.ensureDir(p, 0750)
	_ = w.ensureDir(filepath.Join(p, "files"), 0750)
	_ = w.ensureDir(filepath.Join(p, "archive"), 0750)
	return p
}

// InstructionsPath returns the regenerated instructions artifact for a user.
func (w *Workspace) InstructionsPath(userID string) string {
	return filepath.Join(w.UserDir(userID), "ASSISTANT.md")
}

// MemoryPath returns the append-only memory facts artifact for a user.
func (w *Workspace) MemoryPath(userID string) string {
	return filepath.Join(w.UserDir(userID), "memory.md")
}

// HeartbeatPath returns the user-editable heartbeat checklist.
func (w *Workspace) HeartbeatPath(userID string) string {
	return filepath.Join(w.UserDir(userID), "HEARTBEAT.md")
}

// ArchiveDir returns the immutable conversation snapshot directory for a user.
func (w *Workspace) ArchiveDir(userID string) string {
	return filepath.Join(w.UserDir(userID), "archive")
}

// --- Cleanup ---

// CleanScratch removes all contents of the scratch directory. Called on
// startup so a crashed run never leaves stale IPC files behind.
func (w *Workspace) CleanScratch() error {
	dir := filepath.Join(w.Root, "scratch")
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading scratch dir: %w", err)
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			return fmt.Errorf("removing scratch entry %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// --- Internal helpers ---

// dir returns an absolute path under the data root and ensures it exists.
func (w *Workspace) dir(name string) string {
	p := filepath.Join(w.Root, name)
	_ = w.ensureDir(p, 0750)
	return p
}

// ensureDir creates a directory if it doesn't already exist.
// Uses a cache to avoid redundant stat/mkdir calls.
func (w *Workspace) ensureDir(path string, perm os.FileMode) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.created[path] {
		return nil
	}

	if err := os.MkdirAll(path, perm); err != nil {
		return fmt.Errorf("creating directory %s: %w", path, err)
	}
	w.created[path] = true
	return nil
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// sanitizeName replaces path separator characters to prevent directory traversal.
func sanitizeName(name string) string {
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "\\", "_")
	name = strings.ReplaceAll(name, "..", "_")
	if name == "" {
		name = "_"
	}
	return name
}
