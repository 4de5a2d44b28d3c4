// Package storage implements persistence for Msaidizi using GORM.
// Two backends share one set of models and repositories: SQLite
// (default, zero-config, via the pure-Go glebarez driver) and PostgreSQL.
// All GORM usage is confined to this package — domain types remain ORM-free.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Driver names.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// SQLiteConfig holds SQLite-specific settings.
type SQLiteConfig struct {
	Path        string // Database file path.
	JournalMode string // "wal" by default.
}

// PostgresConfig configures the PostgreSQL connection and pool.
type PostgresConfig struct {
	DSN             string
	MaxOpenConns    int           // Default: 25
	MaxIdleConns    int           // Default: 5
	ConnMaxLifetime time.Duration // Default: 30m
}

// Store provides access to all repositories over a single connection.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
	driver string

	// Repository instances (created lazily on first access).
	mu        sync.Mutex
	contexts  *ContextRepository
	turns     *TurnRepository
	tasks     *TaskRepository
	heartbeat *HeartbeatLogRepository
	archives  *ArchiveRepository
}

// OpenSQLite creates a SQLite-backed Store. WAL mode is enabled by default
// for concurrent reads; busy_timeout covers writer contention.
func OpenSQLite(cfg SQLiteConfig, slogger *slog.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("creating database directory %s: %w", dir, err)
	}

	journalMode := cfg.JournalMode
	if journalMode == "" {
		journalMode = "wal"
	}
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(%s)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", cfg.Path, journalMode)

	db, err := gorm.Open(sqlite.Open(dsn), gormConfig(slogger))
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}

	slogger.Info("sqlite store opened",
		slog.String("path", cfg.Path),
		slog.String("journal_mode", journalMode))
	return &Store{db: db, logger: slogger, driver: DriverSQLite}, nil
}

// OpenPostgres creates a PostgreSQL-backed Store with a configured pool.
func OpenPostgres(cfg PostgresConfig, slogger *slog.Logger) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	db, err := gorm.Open(postgres.Open(cfg.DSN), gormConfig(slogger))
	if err != nil {
		return nil, fmt.Errorf("opening postgres database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("accessing postgres connection pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(orDefault(cfg.MaxOpenConns, 25))
	sqlDB.SetMaxIdleConns(orDefault(cfg.MaxIdleConns, 5))
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
	}

	slogger.Info("postgres store opened")
	return &Store{db: db, logger: slogger, driver: DriverPostgres}, nil
}

func gormConfig(slogger *slog.Logger) *gorm.Config {
	gormLogger := logger.New(
		slogAdapter{slogger},
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)
	return &gorm.Config{
		Logger:  gormLogger,
		NowFunc: func() time.Time { return time.Now().UTC() },
	}
}

// Migrate runs GORM AutoMigrate to create/update tables.
func (s *Store) Migrate(_ context.Context) error {
	return s.db.AutoMigrate(
		&UserContextModel{},
		&TurnModel{},
		&ScheduledTaskModel{},
		&HeartbeatLogModel{},
		&ArchiveModel{},
	)
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Driver returns the storage driver name ("sqlite" or "postgres").
func (s *Store) Driver() string { return s.driver }

// --- Repository accessors ---

func (s *Store) Contexts() *ContextRepository {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.contexts == nil {
		s.contexts = NewContextRepository(s.db)
	}
	return s.contexts
}

func (s *Store) Turns() *TurnRepository {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.turns == nil {
		s.turns = NewTurnRepository(s.db)
	}
	return s.turns
}

func (s *Store) Tasks() *TaskRepository {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tasks == nil {
		s.tasks = NewTaskRepository(s.db)
	}
	return s.tasks
}

func (s *Store) HeartbeatLog() *HeartbeatLogRepository {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.heartbeat == nil {
		s.heartbeat = NewHeartbeatLogRepository(s.db)
	}
	return s.heartbeat
}

func (s *Store) Archives() *ArchiveRepository {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.archives == nil {
		s.archives = NewArchiveRepository(s.db)
	}
	return s.archives
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

// slogAdapter wraps *slog.Logger for GORM's logger.Writer interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (s slogAdapter) Printf(format string, args ...any) {
	s.logger.Info(fmt.Sprintf(format, args...))
}
