package sandbox

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

const (
	defaultTimeout   = 5 * time.Minute
	defaultMemoryMB  = 2048
	defaultCPUCores  = 2.0
	defaultPIDsLimit = 256
	defaultImage     = "msaidizi-worker:latest"

	// maxOutputBytes caps captured stderr to prevent OOM from chatty workloads.
	maxOutputBytes = 1 << 20 // 1 MB
)

// DockerConfig configures the container-based runner.
type DockerConfig struct {
	Binary         string  // "docker" or "podman". Empty = autodetect.
	Image          string  // Worker image. Default: msaidizi-worker:latest.
	ScratchDir     string  // Host directory for per-execution artifact dirs.
	DefaultProfile ResourceProfile
	NetworkAllowed bool // false = --network=none (no network stack at all).
	OutputCap      int  // Captured stderr cap in bytes. Zero = 1 MiB.
}

// DockerRunner executes workloads inside ephemeral hardened containers.
//
// Security guarantees:
//   - Each execution gets its own container (--rm, plus deferred rm -f safety net)
//   - ALL Linux capabilities dropped (--cap-drop=ALL)
//   - Read-only root filesystem (--read-only) with tmpfs for /tmp
//   - Privilege escalation blocked (--security-opt=no-new-privileges)
//   - Non-root user (--user=65534:65534)
//   - Network disabled by default (--network=none)
//   - Memory hard limit with no swap (OOM kill on exceed)
//   - PIDs limit prevents fork bombs, CPU rate limited
//   - Only the declared mounts are visible; host env never inherited
type DockerRunner struct {
	config DockerConfig
	binary string
	logger *slog.Logger

	mu     sync.Mutex
	active map[string]string // container name -> user ID
}

// NewDockerRunner creates a container-based runner. When cfg.Binary is
// empty it probes for docker, then podman, on PATH.
func NewDockerRunner(cfg DockerConfig, logger *slog.Logger) (*DockerRunner, error) {
	binary := cfg.Binary
	if binary == "" {
		var err error
		binary, err = detectContainerBinary()
		if err != nil {
			return nil, err
		}
	}
	if cfg.Image == "" {
		cfg.Image = defaultImage
	}
	if cfg.ScratchDir == "" {
		cfg.ScratchDir = os.TempDir()
	}
	applyProfileDefaults(&cfg.DefaultProfile)
	if cfg.OutputCap <= 0 {
		cfg.OutputCap = maxOutputBytes
	}

	return &DockerRunner{
		config: cfg,
		binary: binary,
		logger: logger,
		active: make(map[string]string),
	}, nil
}

// Run executes one workload inside a fresh hardened container.
func (r *DockerRunner) Run(ctx context.Context, ec ExecutionContext) (*ExecutionResult, error) {
	profile := r.resolveProfile(ec.Profile)
	ctx, cancel := context.WithTimeout(ctx, profile.Timeout)
	defer cancel()

	name, err := generateContainerName()
	if err != nil {
		return nil, fmt.Errorf("generating container name: %w", err)
	}

	// Per-execution artifact directory on the host.
	execDir := filepath.Join(r.config.ScratchDir, name)
	if err := os.MkdirAll(execDir, 0750); err != nil {
		return nil, fmt.Errorf("creating execution dir: %w", err)
	}
	defer func() {
		if rmErr := os.RemoveAll(execDir); rmErr != nil {
			r.logger.Warn("failed to remove execution dir",
				slog.String("dir", execDir),
				slog.String("error", rmErr.Error()))
		}
	}()

	inputPath := filepath.Join(execDir, "input.json")
	if err := writeInputArtifact(inputPath, &ec.Input); err != nil {
		return nil, err
	}

	args := r.buildRunArgs(name, profile, execDir, ec)

	cmd := exec.CommandContext(ctx, r.binary, args...)
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return cmd.Process.Kill()
	}

	var stderrBuf bytes.Buffer
	cmd.Stdout = io.Discard // The result travels via /output, not stdout.
	cmd.Stderr = &limitedWriter{w: &stderrBuf, remaining: r.config.OutputCap}

	r.logger.Info("sandbox executing",
		slog.String("container", name),
		slog.String("user", ec.UserID),
		slog.String("image", r.config.Image),
		slog.Int("extra_mounts", len(ec.ExtraMounts)),
		slog.Duration("timeout", profile.Timeout),
	)

	r.track(name, ec.UserID)
	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)
	r.untrack(name)

	// Safety net: force remove in case --rm didn't fire (OOM kill, daemon
	// restart, context cancel race).
	r.forceRemoveContainer(name)

	if runErr != nil {
		if ctx.Err() != nil {
			r.logger.Warn("sandbox timed out",
				slog.String("container", name),
				slog.String("user", ec.UserID),
				slog.Duration("timeout", profile.Timeout))
			return nil, &TimeoutError{Timeout: profile.Timeout}
		}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			return nil, &CrashError{ExitCode: exitErr.ExitCode(), Stderr: stderrBuf.String()}
		}
		return nil, fmt.Errorf("%s execution failed: %w", r.binary, runErr)
	}

	out, err := readOutputArtifact(filepath.Join(execDir, ResultFileName), stderrBuf.String())
	if err != nil {
		return nil, err
	}

	r.logger.Info("sandbox completed",
		slog.String("container", name),
		slog.String("user", ec.UserID),
		slog.String("status", out.Status),
		slog.Duration("duration", duration),
	)
	return &ExecutionResult{Output: out, Stderr: stderrBuf.String(), Duration: duration}, nil
}

// Active returns the user IDs of currently running containers, keyed by
// container name.
func (r *DockerRunner) Active() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	snapshot := make(map[string]string, len(r.active))
	for name, user := range r.active {
		snapshot[name] = user
	}
	return snapshot
}

func (r *DockerRunner) track(name, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active[name] = userID
}

func (r *DockerRunner) untrack(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, name)
}

// buildRunArgs constructs the container run argument list with all
// hardening flags and artifact mounts.
func (r *DockerRunner) buildRunArgs(name string, profile ResourceProfile, execDir string, ec ExecutionContext) []string {
	memoryFlag := strconv.Itoa(profile.MemoryMB) + "m"
	cpuFlag := strconv.FormatFloat(profile.CPUCores, 'f', 2, 64)
	pidsFlag := strconv.Itoa(profile.PIDsLimit)

	args := []string{
		"run", "--rm",
		"--name", name,

		// --- Security hardening ---
		"--cap-drop=ALL",
		"--security-opt=no-new-privileges",
		"--read-only",
		"--user=65534:65534",

		// --- Resource limits ---
		"--memory=" + memoryFlag,
		"--memory-swap=" + memoryFlag, // Same as memory = disable swap.
		"--cpus=" + cpuFlag,
		"--pids-limit=" + pidsFlag,

		"--tmpfs", "/tmp:rw,noexec,nosuid,size=64m",

		// --- Artifact mounts ---
		"--volume", filepath.Join(execDir, "input.json") + ":" + InputMountPath + ":ro",
		"--volume", ec.WorkspaceDir + ":" + WorkspaceMount,
		"--volume", execDir + ":" + OutputMount,

		// --- Sanitized environment (no host inheritance) ---
		"--env", "HOME=/tmp",
		"--env", "PATH=/usr/local/bin:/usr/bin:/bin",
		"--env", "LANG=en_US.UTF-8",
		"--env", "TERM=dumb",
		"--workdir", WorkspaceMount,
	}

	if r.config.NetworkAllowed {
		args = append(args, "--network=bridge")
	} else {
		args = append(args, "--network=none")
	}

	for _, m := range ec.ExtraMounts {
		spec := m.HostPath + ":" + m.ContainerPath
		if m.ReadOnly {
			spec += ":ro"
		}
		args = append(args, "--volume", spec)
	}

	for k, v := range ec.Env {
		args = append(args, "--env", k+"="+v)
	}

	args = append(args, r.config.Image)
	return args
}

// forceRemoveContainer attempts to remove a container by name. Errors are
// logged but not returned (best-effort cleanup).
func (r *DockerRunner) forceRemoveContainer(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, r.binary, "rm", "-f", name).CombinedOutput()
	if err != nil {
		// "No such container" is expected when --rm already cleaned up.
		if !bytes.Contains(out, []byte("No such container")) {
			r.logger.Warn("container rm -f failed",
				slog.String("container", name),
				slog.String("error", err.Error()),
				slog.String("output", string(out)))
		}
	}
}

func (r *DockerRunner) resolveProfile(req ResourceProfile) ResourceProfile {
	profile := r.config.DefaultProfile
	if req.Timeout > 0 {
		profile.Timeout = req.Timeout
	}
	if req.MemoryMB > 0 {
		profile.MemoryMB = req.MemoryMB
	}
	if req.CPUCores > 0 {
		profile.CPUCores = req.CPUCores
	}
	if req.PIDsLimit > 0 {
		profile.PIDsLimit = req.PIDsLimit
	}
	return profile
}

func applyProfileDefaults(p *ResourceProfile) {
	if p.Timeout == 0 {
		p.Timeout = defaultTimeout
	}
	if p.MemoryMB == 0 {
		p.MemoryMB = defaultMemoryMB
	}
	if p.CPUCores <= 0 {
		p.CPUCores = defaultCPUCores
	}
	if p.PIDsLimit <= 0 {
		p.PIDsLimit = defaultPIDsLimit
	}
}

// detectContainerBinary probes for docker, then podman, on PATH.
func detectContainerBinary() (string, error) {
	for _, candidate := range []string{"docker", "podman"} {
		if _, err := exec.LookPath(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("no container runtime found: need docker or podman on PATH")
}

// generateContainerName returns a unique container name: msaidizi-sbx-<16 hex chars>.
func generateContainerName() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "msaidizi-sbx-" + hex.EncodeToString(b), nil
}

// limitedWriter wraps a writer and stops writing after a byte limit.
// Excess data is silently discarded (not an error — just capped). Write
// always reports the full input length so the io.Copy feeding it never
// sees a short write when a chunk straddles the cap.
type limitedWriter struct {
	w         io.Writer
	remaining int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.remaining <= 0 {
		return len(p), nil // Silently discard.
	}
	keep := p
	if len(keep) > lw.remaining {
		keep = keep[:lw.remaining]
	}
	n, err := lw.w.Write(keep)
	lw.remaining -= n
	if err != nil {
		return n, err
	}
	return len(p), nil
}
