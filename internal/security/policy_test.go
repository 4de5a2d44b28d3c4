package security

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func testPolicy(t *testing.T, root string) *Policy {
	t.Helper()
	p, err := NewPolicy(root, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewPolicy: %v", err)
	}
	return p
}

func TestValidateWorkspace(t *testing.T) {
	tmp := t.TempDir()
	root := filepath.Join(tmp, "data", "workspaces")
	if err := os.MkdirAll(root, 0750); err != nil {
		t.Fatal(err)
	}
	p := testPolicy(t, root)

	tests := []struct {
		name    string
		path    string
		wantErr Reason // "" = valid
	}{
		{"descendant", filepath.Join(root, "alice"), ""},
		{"nested descendant", filepath.Join(root, "alice", "files"), ""},
		{"nonexistent descendant", filepath.Join(root, "new-user"), ""},
		{"root itself", root, ReasonOutsideRoot},
		{"dotdot escape", filepath.Join(root, "..", "escaped"), ReasonOutsideRoot},
		{"sibling", filepath.Join(tmp, "data", "other"), ReasonOutsideRoot},
		{"absolute outside", "/etc", ReasonOutsideRoot},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := p.ValidateWorkspace(tc.path)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("ValidateWorkspace(%q) = %v, want nil", tc.path, err)
				}
				return
			}
			var me *MountError
			if !errors.As(err, &me) {
				t.Fatalf("ValidateWorkspace(%q) = %v, want *MountError", tc.path, err)
			}
			if me.Reason != tc.wantErr {
				t.Errorf("reason = %q, want %q", me.Reason, tc.wantErr)
			}
		})
	}
}

func TestValidateWorkspaceSymlinkEscape(t *testing.T) {
	tmp := t.TempDir()
	root := filepath.Join(tmp, "workspaces")
	outside := filepath.Join(tmp, "outside")
	for _, d := range []string{root, outside} {
		if err := os.MkdirAll(d, 0750); err != nil {
			t.Fatal(err)
		}
	}

	link := filepath.Join(root, "sneaky")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlinks not supported: %v", err)
	}

	p := testPolicy(t, root)
	err := p.ValidateWorkspace(link)
	var me *MountError
	if !errors.As(err, &me) || me.Reason != ReasonOutsideRoot {
		t.Errorf("symlinked workspace escaping the root = %v, want outside_root rejection", err)
	}
}

func TestValidateMountBlockedPattern(t *testing.T) {
	tmp := t.TempDir()
	p := testPolicy(t, tmp)

	// Blocked-pattern rejection fires even when the path exists and is readable.
	sshDir := filepath.Join(tmp, ".ssh")
	if err := os.MkdirAll(sshDir, 0750); err != nil {
		t.Fatal(err)
	}

	blocked := []string{
		sshDir,
		filepath.Join(tmp, "home", ".aws", "config"),
		filepath.Join(tmp, "app", ".env"),
		filepath.Join(tmp, "repo", ".git", "config"),
		filepath.Join(tmp, "vault", "secrets"),
		filepath.Join(tmp, "proj", "node_modules"),
	}
	for _, path := range blocked {
		err := p.ValidateMount(MountRequest{HostPath: path, ContainerPath: "/mnt"})
		var me *MountError
		if !errors.As(err, &me) {
			t.Fatalf("ValidateMount(%q) = %v, want *MountError", path, err)
		}
		if me.Reason != ReasonBlockedPattern {
			t.Errorf("ValidateMount(%q) reason = %q, want blocked_pattern", path, me.Reason)
		}
	}
}

func TestValidateMountChecksOrdering(t *testing.T) {
	tmp := t.TempDir()
	p := testPolicy(t, tmp)

	// Nonexistent AND blocked: the pattern check must win (it runs first).
	err := p.ValidateMount(MountRequest{
		HostPath:      filepath.Join(tmp, "missing", ".ssh"),
		ContainerPath: "/mnt",
	})
	var me *MountError
	if !errors.As(err, &me) || me.Reason != ReasonBlockedPattern {
		t.Errorf("blocked+missing path = %v, want blocked_pattern first", err)
	}

	// Nonexistent, not blocked: not_found.
	err = p.ValidateMount(MountRequest{
		HostPath:      filepath.Join(tmp, "missing", "dir"),
		ContainerPath: "/mnt",
	})
	if !errors.As(err, &me) || me.Reason != ReasonNotFound {
		t.Errorf("missing path = %v, want not_found", err)
	}
}

func TestValidateMountAccepts(t *testing.T) {
	tmp := t.TempDir()
	p := testPolicy(t, tmp)

	dir := filepath.Join(tmp, "projects", "myapp")
	if err := os.MkdirAll(dir, 0750); err != nil {
		t.Fatal(err)
	}
	if err := p.ValidateMount(MountRequest{HostPath: dir, ContainerPath: "/projects/myapp", ReadOnly: true}); err != nil {
		t.Errorf("ValidateMount(%q) = %v, want nil", dir, err)
	}
}

func TestExtraMounts(t *testing.T) {
	tmp := t.TempDir()
	p := testPolicy(t, tmp)

	ws := filepath.Join(tmp, "ws")
	good := filepath.Join(tmp, "shared")
	for _, d := range []string{ws, good} {
		if err := os.MkdirAll(d, 0750); err != nil {
			t.Fatal(err)
		}
	}

	cfg := map[string]any{
		"additional_mounts": []MountRequest{
			{HostPath: good, ContainerPath: "/shared", ReadOnly: true},
			{HostPath: filepath.Join(tmp, ".ssh"), ContainerPath: "/keys"}, // blocked
			{HostPath: filepath.Join(tmp, "nope"), ContainerPath: "/nope"}, // missing
			{HostPath: good}, // no container path
		},
	}
	raw, _ := json.Marshal(cfg)
	if err := os.WriteFile(filepath.Join(ws, "config.json"), raw, 0640); err != nil {
		t.Fatal(err)
	}

	mounts := p.ExtraMounts(ws)
	if len(mounts) != 1 {
		t.Fatalf("ExtraMounts = %d entries, want 1 (invalid entries skipped)", len(mounts))
	}
	if mounts[0].ContainerPath != "/shared" || !mounts[0].ReadOnly {
		t.Errorf("unexpected mount %+v", mounts[0])
	}
}

func TestExtraMountsNoConfig(t *testing.T) {
	p := testPolicy(t, t.TempDir())
	if got := p.ExtraMounts(t.TempDir()); got != nil {
		t.Errorf("ExtraMounts without config.json = %v, want nil", got)
	}
}
