package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/wachira/msaidizi/internal/config"
	"github.com/wachira/msaidizi/internal/contextstore"
	"github.com/wachira/msaidizi/internal/dispatcher"
	"github.com/wachira/msaidizi/internal/gateway/httpapi"
	"github.com/wachira/msaidizi/internal/heartbeat"
	"github.com/wachira/msaidizi/internal/notify"
	"github.com/wachira/msaidizi/internal/sandbox"
	"github.com/wachira/msaidizi/internal/scheduler"
	"github.com/wachira/msaidizi/internal/security"
	"github.com/wachira/msaidizi/internal/storage"
	"github.com/wachira/msaidizi/internal/workspace"
)

var (
	serveConfigPath string
	serveListenAddr string
	serveDocs       bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the assistant daemon (HTTP API, scheduler, heartbeat)",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `msaidizi --config path` and `msaidizi serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultPath(), "path to config file")
		cmd.Flags().StringVar(&serveListenAddr, "listen", "", "override HTTP listen address (e.g. :8800)")
		cmd.Flags().BoolVar(&serveDocs, "docs", false, "serve OpenAPI documentation")
	}
}

// runServe starts the full daemon: storage, sandbox, dispatcher, scheduler,
// heartbeat loop, and the HTTP API gateway.
func runServe(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := loadConfig(goutils.Env("MSAIDIZI_CONFIG", serveConfigPath), logger)
	if err != nil {
		return err
	}

	// Apply CLI overrides.
	if serveListenAddr != "" {
		if cfg.HTTP == nil {
			cfg.HTTP = &config.HTTPConfig{}
		}
		cfg.HTTP.ListenAddr = serveListenAddr
	}

	// Workspace rooted at the data directory. Leftover per-execution
	// scratch dirs from a previous run are removed up front.
	ws, err := workspace.New(cfg.ResolvedDataDir())
	if err != nil {
		return fmt.Errorf("initializing workspace: %w", err)
	}
	if err := ws.CleanScratch(); err != nil {
		logger.Warn("cleaning scratch directory", slog.String("error", err.Error()))
	}
	logger.Info("workspace initialized", slog.String("root", ws.Root))

	// Storage.
	store, err := initStore(cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("closing store", slog.String("error", err.Error()))
		}
	}()
	if err := store.Migrate(context.Background()); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("storage initialized", slog.String("driver", store.Driver()))

	// Mount policy.
	policy, err := security.NewPolicy(ws.WorkspacesRoot(), cfg.Security.BlockedPatterns, logger)
	if err != nil {
		return fmt.Errorf("initializing mount policy: %w", err)
	}

	// Sandbox runner.
	runner, err := initRunner(cfg, ws, logger)
	if err != nil {
		return fmt.Errorf("initializing sandbox runner: %w", err)
	}

	registry := prometheus.NewRegistry()

	// Context store.
	contexts := contextstore.New(
		store.Contexts(), store.Turns(), store.Archives(), ws,
		contextstore.Config{DefaultHeartbeatInterval: cfg.Heartbeat.DefaultInterval()},
		logger,
	)

	// Callback delivery.
	sender := notify.NewWebhookSender(notify.Config{
		Timeout:      cfg.Callback.Timeout(),
		AllowPrivate: cfg.Callback != nil && cfg.Callback.AllowPrivate,
	}, logger)

	// Credentials reach workloads through the sandbox environment only.
	sandboxEnv := make(map[string]string)
	if cred := cfg.Sandbox.Credential(); cred != "" {
		sandboxEnv[sandbox.ModelCredentialEnv] = cred
	} else {
		logger.Warn("no model API key configured; workloads cannot authenticate to the model service")
	}

	// Dispatcher: the single execution pipeline every task flows through.
	disp := dispatcher.New(
		contexts, policy, runner, sender,
		dispatcher.Config{
			MaxWorkers: cfg.Dispatcher.Workers(),
			SandboxEnv: sandboxEnv,
		},
		logger,
		dispatcher.NewMetrics(registry),
	)

	var callbackURL string
	if cfg.Callback.Enabled() {
		callbackURL = cfg.Callback.URL
		disp.RegisterAdapter(notify.NewWebhookAdapter(sender, callbackURL, nil))
	}

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Gate shared by the scheduler and heartbeat loops: one background
	// execution per user at a time.
	gate := dispatcher.NewGate()

	sched := scheduler.New(
		store.Tasks(), disp, gate,
		scheduler.Config{
			PollInterval:  cfg.Scheduler.PollInterval(),
			MaxConcurrent: cfg.Scheduler.Concurrency(),
			MissedWindow:  cfg.Scheduler.MissedWindow(),
			CallbackURL:   callbackURL,
		},
		logger,
		scheduler.NewMetrics(registry),
	)
	cancelScheduler := sched.Start(ctx)
	defer cancelScheduler()

	hb := heartbeat.New(
		contexts, store.HeartbeatLog(), disp, disp, gate, ws,
		heartbeat.Config{
			PollInterval: cfg.Heartbeat.PollInterval(),
			Model:        cfg.Heartbeat.ModelHint(),
		},
		logger,
		heartbeat.NewMetrics(registry),
	)
	cancelHeartbeat := hb.Start(ctx)
	defer cancelHeartbeat()

	// HTTP API gateway.
	gw := httpapi.NewGateway(httpapi.Config{
		ListenAddr:      cfg.HTTP.Addr(),
		AuthToken:       cfg.HTTP.Token(),
		EnableDocs:      serveDocs,
		MetricsRegistry: registry,
	}, disp, sched, contexts, logger)

	errs := make(chan error, 1)
	go func() {
		errs <- gw.Start(ctx)
	}()

	// Wait for signal or gateway error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Error("stopping gateway", slog.String("error", err.Error()))
	}

	return nil
}

// loadConfig reads the config file when one exists, falling back to
// built-in defaults (plus env overrides) for zero-config local runs.
func loadConfig(path string, logger *slog.Logger) (*config.Config, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			logger.Info("no config file, using defaults", slog.String("path", path))
			return config.Default(), nil
		}
		return nil, fmt.Errorf("checking config %s: %w", path, err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	logger.Info("config loaded", slog.String("path", path))
	return cfg, nil
}

// initStore creates the storage backend from config.
func initStore(cfg *config.Config, logger *slog.Logger) (*storage.Store, error) {
	switch driver := cfg.Storage.StorageDriver(); driver {
	case "postgres":
		pgCfg := storage.PostgresConfig{DSN: cfg.Storage.Postgres.DSN}
		pgCfg.MaxOpenConns = cfg.Storage.Postgres.MaxOpenConns
		pgCfg.MaxIdleConns = cfg.Storage.Postgres.MaxIdleConns
		pgCfg.ConnMaxLifetime = time.Duration(cfg.Storage.Postgres.ConnMaxLifetimeS) * time.Second
		return storage.OpenPostgres(pgCfg, logger)
	case "sqlite":
		journalMode := "wal"
		if cfg.Storage != nil && cfg.Storage.SQLite != nil && cfg.Storage.SQLite.JournalMode != "" {
			journalMode = cfg.Storage.SQLite.JournalMode
		}
		return storage.OpenSQLite(storage.SQLiteConfig{
			Path:        cfg.DatabasePath(),
			JournalMode: journalMode,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}

// initRunner creates the sandbox runner based on the configured runtime.
func initRunner(cfg *config.Config, ws *workspace.Workspace, logger *slog.Logger) (sandbox.Runner, error) {
	profile := sandbox.ResourceProfile{
		Timeout:   cfg.Sandbox.Timeout(),
		MemoryMB:  cfg.Sandbox.Memory(),
		CPUCores:  cfg.Sandbox.CPUs(),
		PIDsLimit: cfg.Sandbox.PIDs(),
	}

	switch cfg.Sandbox.Runtime {
	case "local":
		return sandbox.NewLocalRunner(sandbox.LocalConfig{
			WorkerCommand:  cfg.Sandbox.WorkerCommand,
			ScratchDir:     ws.ScratchDir(),
			DefaultProfile: profile,
			OutputCap:      cfg.Sandbox.OutputCap(),
		}, logger)
	case "docker", "podman", "":
		return sandbox.NewDockerRunner(sandbox.DockerConfig{
			Binary:         cfg.Sandbox.Runtime,
			Image:          cfg.Sandbox.ContainerImage(),
			ScratchDir:     ws.ScratchDir(),
			DefaultProfile: profile,
			NetworkAllowed: cfg.Sandbox.NetworkAllowed,
			OutputCap:      cfg.Sandbox.OutputCap(),
		}, logger)
	default:
		return nil, fmt.Errorf("unknown sandbox runtime: %q (supported: docker, podman, local)", cfg.Sandbox.Runtime)
	}
}
