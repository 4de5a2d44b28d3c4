// Package contextstore owns all durable per-user assistant state: the
// context row, conversation history, memory facts, and archives. It is the
// sole mutator — the dispatcher, scheduler, and heartbeat loops all go
// through it, and per-user mutations are serialized internally.
package contextstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/wachira/msaidizi/internal/domain"
	"github.com/wachira/msaidizi/internal/workspace"
)

const (
	// liveHistoryLimit bounds the history loaded into prompts.
	liveHistoryLimit = 10

	// archiveThreshold triggers a snapshot once this many messages have
	// been persisted since the previous archive.
	archiveThreshold = 50
)

// ContextStore persists per-user context rows.
type ContextStore interface {
	Get(ctx context.Context, userID string) (*domain.UserContext, error)
	Create(ctx context.Context, uc *domain.UserContext) error
	Save(ctx context.Context, uc *domain.UserContext) error
	SetHeartbeat(ctx context.Context, userID string, enabled bool, interval time.Duration) error
	TouchHeartbeat(ctx context.Context, userID string, at time.Time) error
	DueHeartbeats(ctx context.Context, now time.Time, fallback time.Duration) ([]domain.UserContext, error)
}

// TurnStore persists conversation turns.
type TurnStore interface {
	Append(ctx context.Context, t *domain.Turn) error
	Recent(ctx context.Context, userID string, n int) ([]domain.Turn, error)
	All(ctx context.Context, userID string) ([]domain.Turn, error)
	DeleteAllButNewest(ctx context.Context, userID string, keep int) error
}

// ArchiveStore records write-once snapshot index entries.
type ArchiveStore interface {
	Create(ctx context.Context, a *domain.Archive) error
	ListByUser(ctx context.Context, userID string) ([]domain.Archive, error)
}

// Config configures the context store.
type Config struct {
	// DefaultHeartbeatInterval applies to users who enable heartbeats
	// without an explicit interval.
	DefaultHeartbeatInterval time.Duration
}

// Store coordinates the database rows and workspace files for all users.
type Store struct {
	contexts ContextStore
	turns    TurnStore
	archives ArchiveStore
	ws       *workspace.Workspace
	config   Config
	logger   *slog.Logger

	// Per-user mutation locks.
	mu    sync.Mutex
	users map[string]*sync.Mutex
}

// New creates a Store.
func New(contexts ContextStore, turns TurnStore, archives ArchiveStore, ws *workspace.Workspace, cfg Config, logger *slog.Logger) *Store {
	if cfg.DefaultHeartbeatInterval <= 0 {
		cfg.DefaultHeartbeatInterval = 30 * time.Minute
	}
	return &Store{
		contexts: contexts,
		turns:    turns,
		archives: archives,
		ws:       ws,
		config:   cfg,
		logger:   logger,
		users:    make(map[string]*sync.Mutex),
	}
}

// userLock returns the mutex serializing mutations for one user.
func (s *Store) userLock(userID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.users[userID] == nil {
		s.users[userID] = &sync.Mutex{}
	}
	return s.users[userID]
}

// LoadOrCreate returns the user's context, creating the row and workspace
// tree on first contact. The instructions artifact is regenerated from the
// current memory facts on every load — it is a projection, never an input.
func (s *Store) LoadOrCreate(ctx context.Context, userID string) (*domain.UserContext, error) {
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()
	return s.loadOrCreateLocked(ctx, userID)
}

func (s *Store) loadOrCreateLocked(ctx context.Context, userID string) (*domain.UserContext, error) {
	uc, err := s.contexts.Get(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if uc == nil {
		uc = &domain.UserContext{
			UserID:        userID,
			WorkspacePath: s.ws.UserDir(userID),
			CreatedAt:     now,
			LastActive:    now,
		}
		if err := s.contexts.Create(ctx, uc); err != nil {
			return nil, err
		}
		s.logger.Info("user context created",
			slog.String("user", userID),
			slog.String("workspace", uc.WorkspacePath))
	}

	instructions := s.renderInstructions(userID)
	if err := os.WriteFile(s.ws.InstructionsPath(userID), []byte(instructions), 0640); err != nil {
		return nil, fmt.Errorf("writing instructions for %s: %w", userID, err)
	}
	if instructions != uc.Instructions {
		uc.Instructions = instructions
		if err := s.contexts.Save(ctx, uc); err != nil {
			return nil, err
		}
	}
	return uc, nil
}

// AppendTurn persists a completed turn, bumps the archive counter, and
// triggers archival when the threshold is crossed.
func (s *Store) AppendTurn(ctx context.Context, userID string, turn *domain.Turn) error {
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	uc, err := s.loadOrCreateLocked(ctx, userID)
	if err != nil {
		return err
	}

	turn.UserID = userID
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}
	if err := s.turns.Append(ctx, turn); err != nil {
		return err
	}

	uc.MessagesSinceArchive++
	uc.LastActive = time.Now().UTC()
	if err := s.contexts.Save(ctx, uc); err != nil {
		return err
	}

	return s.archiveIfNeededLocked(ctx, uc)
}

// ArchiveIfNeeded snapshots and trims the conversation when the archive
// threshold has been reached. Safe to call at any time.
func (s *Store) ArchiveIfNeeded(ctx context.Context, userID string) error {
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	uc, err := s.contexts.Get(ctx, userID)
	if err != nil || uc == nil {
		return err
	}
	return s.archiveIfNeededLocked(ctx, uc)
}

func (s *Store) archiveIfNeededLocked(ctx context.Context, uc *domain.UserContext) error {
	if uc.MessagesSinceArchive < archiveThreshold {
		return nil
	}

	turns, err := s.turns.All(ctx, uc.UserID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	name := fmt.Sprintf("conversation-%s.json", now.Format("20060102T150405.000000000"))
	path := filepath.Join(s.ws.ArchiveDir(uc.UserID), name)

	snapshot, err := json.MarshalIndent(archiveSnapshot{
		UserID:     uc.UserID,
		ArchivedAt: now,
		Turns:      turns,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding archive snapshot: %w", err)
	}
	if err := os.WriteFile(path, snapshot, 0440); err != nil {
		return fmt.Errorf("writing archive snapshot: %w", err)
	}

	if err := s.archives.Create(ctx, &domain.Archive{
		ID:        domain.NewID(),
		UserID:    uc.UserID,
		Path:      filepath.Join("archive", name),
		TurnCount: len(turns),
		CreatedAt: now,
	}); err != nil {
		return err
	}

	if err := s.turns.DeleteAllButNewest(ctx, uc.UserID, liveHistoryLimit); err != nil {
		return err
	}

	uc.MessagesSinceArchive = 0
	if err := s.contexts.Save(ctx, uc); err != nil {
		return err
	}

	s.logger.Info("conversation archived",
		slog.String("user", uc.UserID),
		slog.String("snapshot", name),
		slog.Int("turns", len(turns)))
	return nil
}

// History returns the newest n turns in chronological order, capped at the
// live history limit.
func (s *Store) History(ctx context.Context, userID string, n int) ([]domain.Turn, error) {
	if n <= 0 || n > liveHistoryLimit {
		n = liveHistoryLimit
	}
	return s.turns.Recent(ctx, userID, n)
}

// Archives lists the user's snapshot index entries, newest first.
func (s *Store) Archives(ctx context.Context, userID string) ([]domain.Archive, error) {
	return s.archives.ListByUser(ctx, userID)
}

// RememberFact appends a fact to the user's memory file. Matching is
// case-insensitive; a duplicate fact is a no-op.
func (s *Store) RememberFact(ctx context.Context, userID, fact string) error {
	fact = strings.TrimSpace(fact)
	if fact == "" {
		return fmt.Errorf("empty fact")
	}

	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	if _, err := s.loadOrCreateLocked(ctx, userID); err != nil {
		return err
	}

	for _, existing := range s.memoryFacts(userID) {
		if strings.EqualFold(existing, fact) {
			s.logger.Debug("duplicate fact ignored",
				slog.String("user", userID),
				slog.String("fact", fact))
			return nil
		}
	}

	f, err := os.OpenFile(s.ws.MemoryPath(userID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
	if err != nil {
		return fmt.Errorf("opening memory file for %s: %w", userID, err)
	}
	defer f.Close()
	if _, err := fmt.Fprintf(f, "- %s\n", fact); err != nil {
		return fmt.Errorf("appending fact for %s: %w", userID, err)
	}
	return nil
}

// memoryFacts reads the user's memory file as a list of fact lines.
func (s *Store) memoryFacts(userID string) []string {
	raw, err := os.ReadFile(s.ws.MemoryPath(userID))
	if err != nil {
		return nil
	}
	var facts []string
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "-"))
		if line != "" {
			facts = append(facts, line)
		}
	}
	return facts
}

// renderInstructions builds the ASSISTANT.md projection from the template
// and the current memory facts.
func (s *Store) renderInstructions(userID string) string {
	var b strings.Builder
	b.WriteString("# Assistant Instructions\n\n")
	fmt.Fprintf(&b, "You are the personal assistant for %s. Work inside the\n", userID)
	b.WriteString("workspace, keep responses concise, and use remembered facts when relevant.\n")

	facts := s.memoryFacts(userID)
	if len(facts) > 0 {
		b.WriteString("\n## Memory\n\n")
		for _, fact := range facts {
			fmt.Fprintf(&b, "- %s\n", fact)
		}
	}
	return b.String()
}

// --- Heartbeat management ---

// EnableHeartbeat turns heartbeats on for a user. A zero interval keeps the
// configured default.
func (s *Store) EnableHeartbeat(ctx context.Context, userID string, interval time.Duration) error {
	if _, err := s.LoadOrCreate(ctx, userID); err != nil {
		return err
	}
	return s.contexts.SetHeartbeat(ctx, userID, true, interval)
}

// DisableHeartbeat turns heartbeats off for a user.
func (s *Store) DisableHeartbeat(ctx context.Context, userID string) error {
	return s.contexts.SetHeartbeat(ctx, userID, false, 0)
}

// DueHeartbeats returns users whose heartbeat is due at now.
func (s *Store) DueHeartbeats(ctx context.Context, now time.Time) ([]domain.UserContext, error) {
	return s.contexts.DueHeartbeats(ctx, now, s.config.DefaultHeartbeatInterval)
}

// TouchHeartbeat records a completed heartbeat run. Called only after the
// execution finishes, success or failure, so a crashed run stays due.
func (s *Store) TouchHeartbeat(ctx context.Context, userID string, at time.Time) error {
	return s.contexts.TouchHeartbeat(ctx, userID, at)
}

// Workspace returns the workspace manager, for callers that need raw paths.
func (s *Store) Workspace() *workspace.Workspace {
	return s.ws
}

// archiveSnapshot is the on-disk shape of one conversation archive.
type archiveSnapshot struct {
	UserID     string        `json:"user"`
	ArchivedAt time.Time     `json:"archived_at"`
	Turns      []domain.Turn `json:"turns"`
}
