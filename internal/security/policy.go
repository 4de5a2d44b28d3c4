// Package security implements the mount and workspace validation policy.
//
// Default behavior: a sandbox may only see the requesting user's workspace
// directory (read-write) plus the per-execution input artifact (read-only).
// Anything beyond that requires an explicit opt-in entry in the workspace's
// config.json, and every entry must pass validation here before it reaches
// the sandbox runner.
//
// Validation is a pure function of filesystem state and configuration:
// no side effects, deterministic check ordering.
package security

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// DefaultBlockedPatterns are path substrings that are never mountable,
// regardless of per-user configuration.
var DefaultBlockedPatterns = []string{
	".ssh",        // SSH keys
	".aws",        // AWS credentials
	".env",        // Environment files
	".git/config", // Git credentials
	"credentials", // Generic credential stores
	"secrets",     // Secret files
	"node_modules",
	".venv",
	"__pycache__",
}

// Reason classifies why a mount or workspace request was rejected.
type Reason string

const (
	ReasonOutsideRoot    Reason = "outside_root"
	ReasonBlockedPattern Reason = "blocked_pattern"
	ReasonNotFound       Reason = "not_found"
	ReasonNotReadable    Reason = "not_readable"
)

// MountError is the typed rejection returned by policy checks.
// The reason propagates to user-visible errors, so the message must
// distinguish the rejection classes from each other.
type MountError struct {
	Path    string
	Reason  Reason
	Pattern string // Set when Reason is ReasonBlockedPattern.
}

func (e *MountError) Error() string {
	switch e.Reason {
	case ReasonOutsideRoot:
		return fmt.Sprintf("path %q is outside the allowed workspace root", e.Path)
	case ReasonBlockedPattern:
		return fmt.Sprintf("path %q matches blocked pattern %q", e.Path, e.Pattern)
	case ReasonNotFound:
		return fmt.Sprintf("path %q does not exist", e.Path)
	case ReasonNotReadable:
		return fmt.Sprintf("path %q is not readable", e.Path)
	}
	return fmt.Sprintf("path %q rejected", e.Path)
}

// MountRequest asks for a host path to be exposed inside a sandbox.
// Transient: constructed per execution, validated here, never persisted.
type MountRequest struct {
	HostPath      string `json:"host"`
	ContainerPath string `json:"container"`
	ReadOnly      bool   `json:"readonly"`
}

// Policy validates workspace and mount requests against a single configured
// workspace root and a blocked-pattern list.
type Policy struct {
	workspaceRoot   string
	blockedPatterns []string
	logger          *slog.Logger
}

// NewPolicy creates a Policy rooted at workspaceRoot. An empty pattern list
// falls back to DefaultBlockedPatterns.
func NewPolicy(workspaceRoot string, blockedPatterns []string, logger *slog.Logger) (*Policy, error) {
	abs, err := filepath.Abs(workspaceRoot)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root %q: %w", workspaceRoot, err)
	}
	if len(blockedPatterns) == 0 {
		blockedPatterns = DefaultBlockedPatterns
	}
	return &Policy{
		workspaceRoot:   abs,
		blockedPatterns: blockedPatterns,
		logger:          logger,
	}, nil
}

// WorkspaceRoot returns the configured root under which all user workspaces live.
func (p *Policy) WorkspaceRoot() string {
	return p.workspaceRoot
}

// ValidateWorkspace succeeds only when path, after resolving symlinks and
// "..", is a strict descendant of the workspace root. The root itself and
// anything outside it are rejected.
func (p *Policy) ValidateWorkspace(path string) error {
	// The workspace may not exist yet on first contact, so symlink
	// resolution is best-effort; ".." is always resolved lexically.
	resolved, err := canonicalize(path)
	if err != nil {
		abs, absErr := filepath.Abs(path)
		if absErr != nil {
			return &MountError{Path: path, Reason: ReasonOutsideRoot}
		}
		resolved = filepath.Clean(abs)
	}

	rel, err := filepath.Rel(p.workspaceRoot, resolved)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		p.logger.Warn("workspace rejected: outside allowed root",
			slog.String("requested", resolved),
			slog.String("allowed_root", p.workspaceRoot),
		)
		return &MountError{Path: path, Reason: ReasonOutsideRoot}
	}

	for _, pattern := range p.blockedPatterns {
		if strings.Contains(resolved, pattern) {
			p.logger.Warn("workspace rejected: blocked pattern",
				slog.String("path", resolved),
				slog.String("pattern", pattern),
			)
			return &MountError{Path: path, Reason: ReasonBlockedPattern, Pattern: pattern}
		}
	}
	return nil
}

// ValidateMount validates an opt-in additional mount. The blocked-pattern
// check runs first on the canonicalized path (fail fast, deterministic
// ordering), then existence, then readability.
func (p *Policy) ValidateMount(req MountRequest) error {
	resolved, resolveErr := canonicalize(req.HostPath)
	if resolveErr != nil {
		// Fall back to a lexical clean so blocked-pattern matching still
		// applies to paths that do not exist yet.
		abs, err := filepath.Abs(req.HostPath)
		if err != nil {
			return &MountError{Path: req.HostPath, Reason: ReasonNotFound}
		}
		resolved = filepath.Clean(abs)
	}

	for _, pattern := range p.blockedPatterns {
		if strings.Contains(resolved, pattern) {
			p.logger.Warn("mount rejected: blocked pattern",
				slog.String("path", resolved),
				slog.String("pattern", pattern),
			)
			return &MountError{Path: req.HostPath, Reason: ReasonBlockedPattern, Pattern: pattern}
		}
	}

	info, err := os.Stat(resolved)
	if err != nil {
		p.logger.Warn("mount rejected: path does not exist", slog.String("path", resolved))
		return &MountError{Path: req.HostPath, Reason: ReasonNotFound}
	}

	if !readable(resolved, info.IsDir()) {
		p.logger.Warn("mount rejected: path not readable", slog.String("path", resolved))
		return &MountError{Path: req.HostPath, Reason: ReasonNotReadable}
	}
	return nil
}

// workspaceConfig is the optional per-user opt-in file at
// <workspace>/config.json.
type workspaceConfig struct {
	AdditionalMounts []MountRequest `json:"additional_mounts"`
}

// ExtraMounts loads and validates the optional additional mounts configured
// in the user workspace. Invalid entries are skipped with a logged warning
// rather than failing the whole request; mounts default to read-only.
func (p *Policy) ExtraMounts(workspaceDir string) []MountRequest {
	raw, err := os.ReadFile(filepath.Join(workspaceDir, "config.json"))
	if err != nil {
		return nil
	}

	var cfg workspaceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		p.logger.Warn("ignoring malformed workspace config.json",
			slog.String("workspace", workspaceDir),
			slog.String("error", err.Error()),
		)
		return nil
	}

	var validated []MountRequest
	for _, m := range cfg.AdditionalMounts {
		if m.ContainerPath == "" {
			p.logger.Warn("skipping additional mount without container path",
				slog.String("host", m.HostPath))
			continue
		}
		if err := p.ValidateMount(m); err != nil {
			p.logger.Warn("skipping invalid additional mount",
				slog.String("host", m.HostPath),
				slog.String("error", err.Error()),
			)
			continue
		}
		host, _ := canonicalize(m.HostPath)
		validated = append(validated, MountRequest{
			HostPath:      host,
			ContainerPath: m.ContainerPath,
			ReadOnly:      m.ReadOnly,
		})
	}
	return validated
}

// canonicalize resolves symlinks and ".." segments to an absolute path.
func canonicalize(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", err
	}
	return resolved, nil
}

// readable reports whether the current process can read the path.
func readable(path string, isDir bool) bool {
	if isDir {
		_, err := os.ReadDir(path)
		return err == nil
	}
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	_ = f.Close()
	return true
}
