package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"
)

// LocalConfig configures the process-based runner.
type LocalConfig struct {
	// WorkerCommand is the program and arguments to execute. Paths to the
	// artifacts are passed via MSAIDIZI_INPUT and MSAIDIZI_OUTPUT.
	WorkerCommand []string

	ScratchDir     string
	DefaultProfile ResourceProfile
	OutputCap      int
}

// LocalRunner executes workloads as isolated OS processes. Weaker isolation
// than containers — intended for development and environments without a
// container runtime.
//
// Security guarantees:
//   - Each execution gets its own artifact directory (removed after)
//   - Process runs in its own process group (Setpgid)
//   - Entire process group killed on timeout/cancel
//   - No environment inheritance from parent — only a minimal safe set
//   - Memory limited via ulimit, stderr capped
type LocalRunner struct {
	config LocalConfig
	logger *slog.Logger
}

// NewLocalRunner creates a process-based runner.
func NewLocalRunner(cfg LocalConfig, logger *slog.Logger) (*LocalRunner, error) {
	if len(cfg.WorkerCommand) == 0 {
		return nil, fmt.Errorf("worker command is required for the local runner")
	}
	if cfg.ScratchDir == "" {
		cfg.ScratchDir = os.TempDir()
	}
	applyProfileDefaults(&cfg.DefaultProfile)
	if cfg.OutputCap <= 0 {
		cfg.OutputCap = maxOutputBytes
	}
	return &LocalRunner{config: cfg, logger: logger}, nil
}

// Run executes the worker command in an isolated process group.
func (r *LocalRunner) Run(ctx context.Context, ec ExecutionContext) (*ExecutionResult, error) {
	profile := r.config.DefaultProfile
	if ec.Profile.Timeout > 0 {
		profile.Timeout = ec.Profile.Timeout
	}
	if ec.Profile.MemoryMB > 0 {
		profile.MemoryMB = ec.Profile.MemoryMB
	}
	ctx, cancel := context.WithTimeout(ctx, profile.Timeout)
	defer cancel()

	execDir, err := os.MkdirTemp(r.config.ScratchDir, "msaidizi-local-*")
	if err != nil {
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
	outputPath := filepath.Join(execDir, ResultFileName)
	if err := writeInputArtifact(inputPath, &ec.Input); err != nil {
		return nil, err
	}

	// Wrap with ulimit for memory enforcement. exec "$@" with positional
	// parameters prevents shell interpolation of the worker command.
	memKB := profile.MemoryMB * 1024
	shellScript := fmt.Sprintf("ulimit -v %d 2>/dev/null; exec \"$@\"", memKB)
	args := make([]string, 0, 3+len(r.config.WorkerCommand))
	args = append(args, "-c", shellScript, "_")
	args = append(args, r.config.WorkerCommand...)

	cmd := exec.CommandContext(ctx, "/bin/sh", args...)
	cmd.Dir = ec.WorkspaceDir

	// Process group isolation; negative PID kill takes children down too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	cmd.Env = buildLocalEnv(execDir, inputPath, outputPath, ec)

	var stderrBuf bytes.Buffer
	cmd.Stdout = io.Discard
	cmd.Stderr = &limitedWriter{w: &stderrBuf, remaining: r.config.OutputCap}

	r.logger.Info("local sandbox executing",
		slog.String("user", ec.UserID),
		slog.String("workspace", ec.WorkspaceDir),
		slog.Duration("timeout", profile.Timeout))

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	if runErr != nil {
		if ctx.Err() != nil {
			r.logger.Warn("local sandbox timed out",
				slog.String("user", ec.UserID),
				slog.Duration("timeout", profile.Timeout))
			return nil, &TimeoutError{Timeout: profile.Timeout}
		}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			return nil, &CrashError{ExitCode: exitErr.ExitCode(), Stderr: stderrBuf.String()}
		}
		return nil, fmt.Errorf("local execution failed: %w", runErr)
	}

	out, err := readOutputArtifact(outputPath, stderrBuf.String())
	if err != nil {
		return nil, err
	}

	r.logger.Info("local sandbox completed",
		slog.String("user", ec.UserID),
		slog.String("status", out.Status),
		slog.Duration("duration", duration))
	return &ExecutionResult{Output: out, Stderr: stderrBuf.String(), Duration: duration}, nil
}

// buildLocalEnv constructs a minimal environment. The parent process's
// environment is never inherited, so host credentials cannot leak into
// the workload.
func buildLocalEnv(execDir, inputPath, outputPath string, ec ExecutionContext) []string {
	env := []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + execDir,
		"TMPDIR=" + execDir,
		"LANG=en_US.UTF-8",
		"TERM=dumb",
		"MSAIDIZI_INPUT=" + inputPath,
		"MSAIDIZI_OUTPUT=" + outputPath,
		"MSAIDIZI_WORKSPACE=" + ec.WorkspaceDir,
	}
	for k, v := range ec.Env {
		env = append(env, k+"="+v)
	}
	return env
}
