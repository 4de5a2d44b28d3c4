package sandbox

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/wachira/msaidizi/internal/protocol"
	"github.com/wachira/msaidizi/internal/security"
)

func newTestDockerRunner(t *testing.T) *DockerRunner {
	t.Helper()
	r, err := NewDockerRunner(DockerConfig{
		Binary:     "docker",
		Image:      "msaidizi-worker:test",
		ScratchDir: t.TempDir(),
		DefaultProfile: ResourceProfile{
			Timeout:   time.Minute,
			MemoryMB:  512,
			CPUCores:  1,
			PIDsLimit: 64,
		},
	}, testLogger())
	if err != nil {
		t.Fatalf("NewDockerRunner: %v", err)
	}
	return r
}

func TestBuildRunArgsHardening(t *testing.T) {
	r := newTestDockerRunner(t)
	execDir := t.TempDir()

	args := r.buildRunArgs("msaidizi-sbx-test", r.config.DefaultProfile, execDir, ExecutionContext{
		UserID:       "alice",
		WorkspaceDir: "/data/workspaces/alice",
	})
	joined := strings.Join(args, " ")

	for _, want := range []string{
		"--rm",
		"--cap-drop=ALL",
		"--security-opt=no-new-privileges",
		"--read-only",
		"--user=65534:65534",
		"--memory=512m",
		"--memory-swap=512m",
		"--cpus=1.00",
		"--pids-limit=64",
		"--network=none",
		filepath.Join(execDir, "input.json") + ":" + InputMountPath + ":ro",
		"/data/workspaces/alice:" + WorkspaceMount,
		execDir + ":" + OutputMount,
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("args missing %q:\n%s", want, joined)
		}
	}

	// Image must come last.
	if args[len(args)-1] != "msaidizi-worker:test" {
		t.Errorf("last arg = %q, want image", args[len(args)-1])
	}
}

func TestBuildRunArgsExtraMounts(t *testing.T) {
	r := newTestDockerRunner(t)

	args := r.buildRunArgs("n", r.config.DefaultProfile, t.TempDir(), ExecutionContext{
		WorkspaceDir: "/w",
		ExtraMounts: []security.MountRequest{
			{HostPath: "/data/shared", ContainerPath: "/shared", ReadOnly: true},
			{HostPath: "/data/projects", ContainerPath: "/projects"},
		},
	})
	joined := strings.Join(args, " ")

	if !strings.Contains(joined, "/data/shared:/shared:ro") {
		t.Errorf("read-only extra mount missing:\n%s", joined)
	}
	if !strings.Contains(joined, "/data/projects:/projects") ||
		strings.Contains(joined, "/data/projects:/projects:ro") {
		t.Errorf("read-write extra mount wrong:\n%s", joined)
	}
}

func TestBuildRunArgsCredentialEnv(t *testing.T) {
	r := newTestDockerRunner(t)

	args := r.buildRunArgs("n", r.config.DefaultProfile, t.TempDir(), ExecutionContext{
		WorkspaceDir: "/w",
		Env:          map[string]string{ModelCredentialEnv: "sk-test"},
	})
	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "--env "+ModelCredentialEnv+"=sk-test") {
		t.Errorf("credential env not passed to container:\n%s", joined)
	}
}

func TestBuildRunArgsNetworkOptIn(t *testing.T) {
	r := newTestDockerRunner(t)
	r.config.NetworkAllowed = true

	args := r.buildRunArgs("n", r.config.DefaultProfile, t.TempDir(), ExecutionContext{WorkspaceDir: "/w"})
	joined := strings.Join(args, " ")
	if strings.Contains(joined, "--network=none") || !strings.Contains(joined, "--network=bridge") {
		t.Errorf("network opt-in not honored:\n%s", joined)
	}
}

func TestActiveTracking(t *testing.T) {
	r := newTestDockerRunner(t)

	if got := r.Active(); len(got) != 0 {
		t.Fatalf("Active before any run = %v", got)
	}
	r.track("msaidizi-sbx-1", "alice")
	r.track("msaidizi-sbx-2", "bob")

	active := r.Active()
	if len(active) != 2 || active["msaidizi-sbx-1"] != "alice" {
		t.Errorf("Active = %v", active)
	}

	// The snapshot must be a copy, not the live map.
	delete(active, "msaidizi-sbx-1")
	if len(r.Active()) != 2 {
		t.Error("Active returned the internal map")
	}

	r.untrack("msaidizi-sbx-1")
	r.untrack("msaidizi-sbx-2")
	if got := r.Active(); len(got) != 0 {
		t.Errorf("Active after untrack = %v", got)
	}
}

func TestGenerateContainerName(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		name, err := generateContainerName()
		if err != nil {
			t.Fatalf("generateContainerName: %v", err)
		}
		if !strings.HasPrefix(name, "msaidizi-sbx-") {
			t.Fatalf("name = %q", name)
		}
		if seen[name] {
			t.Fatalf("duplicate name %q", name)
		}
		seen[name] = true
	}
}

func TestResolveProfileOverrides(t *testing.T) {
	r := newTestDockerRunner(t)

	got := r.resolveProfile(ResourceProfile{Timeout: 5 * time.Second, MemoryMB: 128})
	if got.Timeout != 5*time.Second || got.MemoryMB != 128 {
		t.Errorf("overrides not applied: %+v", got)
	}
	if got.CPUCores != 1 || got.PIDsLimit != 64 {
		t.Errorf("defaults not preserved: %+v", got)
	}
}

func TestReadOutputArtifact(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ResultFileName)

	// A missing artifact means the workload never finished its job — a
	// crash, not a protocol violation, with the captured stderr attached.
	_, err := readOutputArtifact(path, "worker died")
	var ce *CrashError
	if !errors.As(err, &ce) {
		t.Fatalf("missing artifact = %v, want *CrashError", err)
	}
	if ce.Stderr != "worker died" {
		t.Errorf("Stderr = %q, want captured diagnostics", ce.Stderr)
	}

	if err := protocol.WriteInput(path, &protocol.Input{}); err != nil {
		t.Fatal(err)
	}
	// An input artifact has no status field, so it is malformed as output.
	var pe *ProtocolError
	if _, err := readOutputArtifact(path, ""); !errors.As(err, &pe) {
		t.Errorf("artifact without status = %v, want *ProtocolError", err)
	}
}
