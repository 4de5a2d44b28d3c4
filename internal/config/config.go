// Package config handles loading and validating Msaidizi configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for Msaidizi.
type Config struct {
	DataDir    string            `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Persistent data directory. Default: ~/.msaidizi/data. Override: MSAIDIZI_DATA_DIR env var.
	Storage    *StorageConfig    `json:"storage,omitempty" yaml:"storage,omitempty"`   // nil = SQLite default (derived from data dir)
	Security   SecurityConfig    `json:"security" yaml:"security"`
	Sandbox    SandboxConfig     `json:"sandbox" yaml:"sandbox"`
	Dispatcher *DispatcherConfig `json:"dispatcher,omitempty" yaml:"dispatcher,omitempty"` // nil = defaults
	Scheduler  *SchedulerConfig  `json:"scheduler,omitempty" yaml:"scheduler,omitempty"`   // nil = defaults
	Heartbeat  *HeartbeatConfig  `json:"heartbeat,omitempty" yaml:"heartbeat,omitempty"`   // nil = defaults
	HTTP       *HTTPConfig       `json:"http,omitempty" yaml:"http,omitempty"`             // nil = listen on :8800, no auth
	Callback   *CallbackConfig   `json:"callback,omitempty" yaml:"callback,omitempty"`     // nil = result delivery disabled
}

// StorageConfig configures the persistence backend.
// When nil, defaults to SQLite with the database path derived from the data dir.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: derived from data dir.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// SecurityConfig configures mount validation.
type SecurityConfig struct {
	BlockedPatterns []string `json:"blocked_patterns,omitempty" yaml:"blocked_patterns,omitempty"` // Empty = built-in default list.
}

// SandboxConfig configures the execution sandbox.
type SandboxConfig struct {
	Runtime        string   `json:"runtime,omitempty" yaml:"runtime,omitempty"` // "docker", "podman", "local", or "" for autodetect.
	Image          string   `json:"image" yaml:"image"`                         // Container image. Default: msaidizi-worker:latest.
	WorkerCommand  []string `json:"worker_command,omitempty" yaml:"worker_command,omitempty"`
	ModelAPIKey    string   `json:"model_api_key,omitempty" yaml:"model_api_key,omitempty"` // Model-service credential, injected into workloads via env. Override: MSAIDIZI_MODEL_API_KEY.
	TimeoutSeconds int      `json:"timeout_s" yaml:"timeout_s"`                             // Default: 300. Override: MSAIDIZI_SANDBOX_TIMEOUT_S.
	MemoryMB       int      `json:"memory_mb" yaml:"memory_mb"`                             // Default: 2048. Override: MSAIDIZI_SANDBOX_MEMORY_MB.
	CPUCores       float64  `json:"cpu_cores" yaml:"cpu_cores"`                             // Default: 2.
	PIDsLimit      int      `json:"pids_limit" yaml:"pids_limit"`                           // Default: 256.
	NetworkAllowed bool     `json:"network" yaml:"network"`                                // Default: false (no network).
	MaxOutputBytes int      `json:"max_output_b" yaml:"max_output_b"`                      // Stdout/stderr capture cap. Default: 1 MiB.
}

// Timeout returns the per-execution wall-clock limit.
func (s *SandboxConfig) Timeout() time.Duration {
	if s != nil && s.TimeoutSeconds > 0 {
		return time.Duration(s.TimeoutSeconds) * time.Second
	}
	return 5 * time.Minute
}

// Credential returns the model-service API key, empty when none is configured.
func (s *SandboxConfig) Credential() string {
	if s != nil {
		return s.ModelAPIKey
	}
	return ""
}

// ContainerImage returns the configured image, defaulting to msaidizi-worker:latest.
func (s *SandboxConfig) ContainerImage() string {
	if s != nil && s.Image != "" {
		return s.Image
	}
	return "msaidizi-worker:latest"
}

// Memory returns the container memory limit in MiB.
func (s *SandboxConfig) Memory() int {
	if s != nil && s.MemoryMB > 0 {
		return s.MemoryMB
	}
	return 2048
}

// CPUs returns the container CPU quota in cores.
func (s *SandboxConfig) CPUs() float64 {
	if s != nil && s.CPUCores > 0 {
		return s.CPUCores
	}
	return 2
}

// PIDs returns the container process-count limit.
func (s *SandboxConfig) PIDs() int {
	if s != nil && s.PIDsLimit > 0 {
		return s.PIDsLimit
	}
	return 256
}

// OutputCap returns the maximum captured output size in bytes.
func (s *SandboxConfig) OutputCap() int {
	if s != nil && s.MaxOutputBytes > 0 {
		return s.MaxOutputBytes
	}
	return 1 << 20
}

// DispatcherConfig bounds concurrent task processing.
type DispatcherConfig struct {
	MaxWorkers int `json:"max_workers" yaml:"max_workers"` // Default: 4.
}

// Workers returns the dispatcher concurrency bound.
func (d *DispatcherConfig) Workers() int {
	if d != nil && d.MaxWorkers > 0 {
		return d.MaxWorkers
	}
	return 4
}

// SchedulerConfig configures the cron task scheduler.
type SchedulerConfig struct {
	PollIntervalSeconds int `json:"poll_interval_s" yaml:"poll_interval_s"` // Default: 30.
	MaxConcurrent       int `json:"max_concurrent" yaml:"max_concurrent"`   // Default: 3.
	MissedWindowSeconds int `json:"missed_window_s" yaml:"missed_window_s"` // Fire-on-recovery window. Default: 3600.
}

// PollInterval returns how often the scheduler checks for due tasks.
func (s *SchedulerConfig) PollInterval() time.Duration {
	if s != nil && s.PollIntervalSeconds > 0 {
		return time.Duration(s.PollIntervalSeconds) * time.Second
	}
	return 30 * time.Second
}

// Concurrency returns the max number of simultaneously firing tasks.
func (s *SchedulerConfig) Concurrency() int {
	if s != nil && s.MaxConcurrent > 0 {
		return s.MaxConcurrent
	}
	return 3
}

// MissedWindow returns how far past its due time a task may still fire
// after a daemon restart.
func (s *SchedulerConfig) MissedWindow() time.Duration {
	if s != nil && s.MissedWindowSeconds > 0 {
		return time.Duration(s.MissedWindowSeconds) * time.Second
	}
	return time.Hour
}

// HeartbeatConfig configures proactive heartbeat execution.
type HeartbeatConfig struct {
	DefaultIntervalSeconds int    `json:"default_interval_s" yaml:"default_interval_s"` // Default: 1800 (30 min).
	PollIntervalSeconds    int    `json:"poll_interval_s" yaml:"poll_interval_s"`       // Default: 60.
	Model                  string `json:"model,omitempty" yaml:"model,omitempty"`       // Model hint for heartbeat runs.
}

// DefaultInterval returns the heartbeat cadence used when a user enables
// heartbeats without specifying one.
func (h *HeartbeatConfig) DefaultInterval() time.Duration {
	if h != nil && h.DefaultIntervalSeconds > 0 {
		return time.Duration(h.DefaultIntervalSeconds) * time.Second
	}
	return 30 * time.Minute
}

// PollInterval returns how often the heartbeat loop checks for due users.
func (h *HeartbeatConfig) PollInterval() time.Duration {
	if h != nil && h.PollIntervalSeconds > 0 {
		return time.Duration(h.PollIntervalSeconds) * time.Second
	}
	return time.Minute
}

// ModelHint returns the model hint for heartbeat executions, may be empty.
func (h *HeartbeatConfig) ModelHint() string {
	if h != nil {
		return h.Model
	}
	return ""
}

// HTTPConfig configures the API gateway.
type HTTPConfig struct {
	ListenAddr string `json:"listen,omitempty" yaml:"listen,omitempty"`         // Default: ":8800".
	AuthToken  string `json:"auth_token,omitempty" yaml:"auth_token,omitempty"` // Empty = no auth. Override: MSAIDIZI_API_TOKEN.
}

// Addr returns the listen address, defaulting to ":8800".
func (h *HTTPConfig) Addr() string {
	if h != nil && h.ListenAddr != "" {
		return h.ListenAddr
	}
	return ":8800"
}

// Token returns the bearer token required by the API, empty when auth is off.
func (h *HTTPConfig) Token() string {
	if h != nil {
		return h.AuthToken
	}
	return ""
}

// CallbackConfig configures webhook delivery of scheduled/heartbeat results.
type CallbackConfig struct {
	URL            string `json:"url" yaml:"url"`
	TimeoutSeconds int    `json:"timeout_s" yaml:"timeout_s"` // Default: 10.
	AllowPrivate   bool   `json:"allow_private" yaml:"allow_private"`
}

// Enabled reports whether a callback target is configured.
func (c *CallbackConfig) Enabled() bool {
	return c != nil && c.URL != ""
}

// Timeout returns the callback HTTP timeout.
func (c *CallbackConfig) Timeout() time.Duration {
	if c != nil && c.TimeoutSeconds > 0 {
		return time.Duration(c.TimeoutSeconds) * time.Second
	}
	return 10 * time.Second
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/msaidizi.json" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".msaidizi", "config.json")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything
// else for JSON. Environment variables take precedence over file values.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Default returns a Config with all defaults applied and environment
// overrides honored, used when no config file exists.
func Default() *Config {
	cfg := &Config{}
	applyEnvOverrides(cfg)
	return cfg
}

// applyEnvOverrides applies MSAIDIZI_* environment variables on top of the
// file-sourced configuration.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MSAIDIZI_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("MSAIDIZI_DB_DSN"); v != "" {
		if cfg.Storage == nil {
			cfg.Storage = &StorageConfig{Driver: "postgres"}
		}
		if cfg.Storage.Postgres == nil {
			cfg.Storage.Postgres = &PostgresStorageConfig{}
		}
		cfg.Storage.Postgres.DSN = v
	}
	if v := os.Getenv("MSAIDIZI_API_TOKEN"); v != "" {
		if cfg.HTTP == nil {
			cfg.HTTP = &HTTPConfig{}
		}
		cfg.HTTP.AuthToken = v
	}
	if v := os.Getenv("MSAIDIZI_SANDBOX_RUNTIME"); v != "" {
		cfg.Sandbox.Runtime = v
	}
	if v := os.Getenv("MSAIDIZI_SANDBOX_IMAGE"); v != "" {
		cfg.Sandbox.Image = v
	}
	if v := os.Getenv("MSAIDIZI_MODEL_API_KEY"); v != "" {
		cfg.Sandbox.ModelAPIKey = v
	}
	if v := os.Getenv("MSAIDIZI_SANDBOX_TIMEOUT_S"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Sandbox.TimeoutSeconds = n
		}
	}
	if v := os.Getenv("MSAIDIZI_SANDBOX_MEMORY_MB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Sandbox.MemoryMB = n
		}
	}
	if v := os.Getenv("MSAIDIZI_CALLBACK_URL"); v != "" {
		if cfg.Callback == nil {
			cfg.Callback = &CallbackConfig{}
		}
		cfg.Callback.URL = v
	}
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		return filepath.Join(home, ".msaidizi", "data")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the effective SQLite database path.
func (c *Config) DatabasePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "msaidizi.db")
}

func (c *Config) validate() error {
	switch driver := c.Storage.StorageDriver(); driver {
	case "sqlite":
	case "postgres":
		if c.Storage == nil || c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage driver %q requires a postgres DSN", driver)
		}
	default:
		return fmt.Errorf("unknown storage driver %q", driver)
	}

	switch c.Sandbox.Runtime {
	case "", "docker", "podman", "local":
	default:
		return fmt.Errorf("unknown sandbox runtime %q", c.Sandbox.Runtime)
	}
	if c.Sandbox.Runtime == "local" && len(c.Sandbox.WorkerCommand) == 0 {
		return fmt.Errorf("sandbox runtime \"local\" requires worker_command")
	}

	if c.Callback != nil && c.Callback.URL != "" && !strings.HasPrefix(c.Callback.URL, "http") {
		return fmt.Errorf("callback url must be http(s), got %q", c.Callback.URL)
	}
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
