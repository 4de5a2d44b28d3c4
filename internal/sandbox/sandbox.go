// Package sandbox provides isolated execution environments for assistant
// workloads. Every task — interactive, scheduled, or heartbeat — runs
// through a sandbox, never directly on the host.
//
// The host and the workload communicate only through file artifacts: the
// task input is mounted read-only at /input.json, the user workspace
// read-write at /workspace, and a per-execution scratch directory at
// /output where the workload must write result.json before exiting.
package sandbox

import (
	"context"
	"time"

	"github.com/wachira/msaidizi/internal/protocol"
	"github.com/wachira/msaidizi/internal/security"
)

// Container mount points, fixed across all runtimes.
const (
	InputMountPath = "/input.json"
	WorkspaceMount = "/workspace"
	OutputMount    = "/output"
	ResultFileName = "result.json"
)

// ModelCredentialEnv is the environment variable workloads read their
// model-service credential from. Credentials travel through the sandbox
// environment only, never through mounted files.
const ModelCredentialEnv = "MSAIDIZI_MODEL_API_KEY"

// Runner executes one task in an isolated environment.
type Runner interface {
	Run(ctx context.Context, ec ExecutionContext) (*ExecutionResult, error)
}

// ExecutionContext defines one sandboxed task run.
type ExecutionContext struct {
	// UserID names the requesting user; used for logging and container naming.
	UserID string

	// WorkspaceDir is the validated host path mounted read-write at /workspace.
	WorkspaceDir string

	// ExtraMounts are policy-validated additional mounts. The runner trusts
	// them — validation happens before an ExecutionContext is built.
	ExtraMounts []security.MountRequest

	// Input is the task payload written to the input artifact.
	Input protocol.Input

	// Env adds environment variables on top of the sanitized base set.
	Env map[string]string

	// Profile overrides resource limits. Zero values = runner defaults.
	Profile ResourceProfile
}

// ResourceProfile constrains a sandboxed execution.
type ResourceProfile struct {
	Timeout   time.Duration
	MemoryMB  int
	CPUCores  float64
	PIDsLimit int
}

// ExecutionResult captures the outcome of a completed sandboxed run.
// Output is non-nil only when the workload produced a well-formed artifact;
// all other outcomes surface as typed errors from Run.
type ExecutionResult struct {
	Output   *protocol.Output
	Stderr   string
	Duration time.Duration
}
