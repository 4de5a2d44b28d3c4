package contextstore

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/wachira/msaidizi/internal/domain"
	"github.com/wachira/msaidizi/internal/storage"
	"github.com/wachira/msaidizi/internal/workspace"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	db, err := storage.OpenSQLite(storage.SQLiteConfig{
		Path: filepath.Join(t.TempDir(), "test.db"),
	}, logger)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	ws, err := workspace.New(t.TempDir())
	if err != nil {
		t.Fatalf("workspace.New: %v", err)
	}

	return New(db.Contexts(), db.Turns(), db.Archives(), ws, Config{}, logger)
}

func TestLoadOrCreateFirstContact(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	uc, err := s.LoadOrCreate(ctx, "alice")
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	if uc.WorkspacePath == "" {
		t.Fatal("workspace path not assigned")
	}
	if _, err := os.Stat(uc.WorkspacePath); err != nil {
		t.Errorf("workspace dir not created: %v", err)
	}
	if _, err := os.Stat(s.ws.InstructionsPath("alice")); err != nil {
		t.Errorf("ASSISTANT.md not created: %v", err)
	}

	// Second load returns the same context, not a new one.
	again, err := s.LoadOrCreate(ctx, "alice")
	if err != nil {
		t.Fatalf("LoadOrCreate again: %v", err)
	}
	if !again.CreatedAt.Equal(uc.CreatedAt) {
		t.Error("second load created a new context")
	}
}

func TestInstructionsRegeneratedFromMemory(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if _, err := s.LoadOrCreate(ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	if err := s.RememberFact(ctx, "alice", "likes coffee"); err != nil {
		t.Fatalf("RememberFact: %v", err)
	}

	uc, err := s.LoadOrCreate(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(uc.Instructions, "likes coffee") {
		t.Errorf("instructions missing fact:\n%s", uc.Instructions)
	}

	raw, err := os.ReadFile(s.ws.InstructionsPath("alice"))
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) != uc.Instructions {
		t.Error("on-disk instructions diverge from context row")
	}

	// Hand edits are overwritten on the next load — the file is a projection.
	if err := os.WriteFile(s.ws.InstructionsPath("alice"), []byte("tampered"), 0640); err != nil {
		t.Fatal(err)
	}
	if _, err := s.LoadOrCreate(ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	raw, _ = os.ReadFile(s.ws.InstructionsPath("alice"))
	if strings.Contains(string(raw), "tampered") {
		t.Error("hand edit survived regeneration")
	}
}

func TestRememberFactCaseInsensitiveDedupe(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for _, fact := range []string{"likes coffee", "Likes Coffee", "LIKES COFFEE", "lives in Nairobi"} {
		if err := s.RememberFact(ctx, "alice", fact); err != nil {
			t.Fatalf("RememberFact(%q): %v", fact, err)
		}
	}

	raw, err := os.ReadFile(s.ws.MemoryPath("alice"))
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) != 2 {
		t.Errorf("memory.md has %d facts, want 2:\n%s", len(lines), raw)
	}
}

func TestRememberFactRejectsEmpty(t *testing.T) {
	s := testStore(t)
	if err := s.RememberFact(context.Background(), "alice", "   "); err == nil {
		t.Error("blank fact accepted")
	}
}

func TestAppendTurnAndHistory(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for i := 0; i < 12; i++ {
		turn := &domain.Turn{Message: "m", Response: "r"}
		if err := s.AppendTurn(ctx, "bob", turn); err != nil {
			t.Fatalf("AppendTurn: %v", err)
		}
	}

	history, err := s.History(ctx, "bob", 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != liveHistoryLimit {
		t.Errorf("History = %d turns, want %d", len(history), liveHistoryLimit)
	}

	uc, _ := s.LoadOrCreate(ctx, "bob")
	if uc.MessagesSinceArchive != 12 {
		t.Errorf("MessagesSinceArchive = %d, want 12", uc.MessagesSinceArchive)
	}
}

func TestArchiveAtThreshold(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for i := 0; i < archiveThreshold; i++ {
		if err := s.AppendTurn(ctx, "carol", &domain.Turn{Message: "m", Response: "r"}); err != nil {
			t.Fatalf("AppendTurn %d: %v", i, err)
		}
	}

	// Counter reset, live set trimmed.
	uc, err := s.LoadOrCreate(ctx, "carol")
	if err != nil {
		t.Fatal(err)
	}
	if uc.MessagesSinceArchive != 0 {
		t.Errorf("MessagesSinceArchive = %d, want 0 after archive", uc.MessagesSinceArchive)
	}

	history, _ := s.History(ctx, "carol", liveHistoryLimit)
	if len(history) != liveHistoryLimit {
		t.Errorf("live history = %d, want %d", len(history), liveHistoryLimit)
	}

	// One snapshot on disk with the full turn set.
	entries, err := os.ReadDir(s.ws.ArchiveDir("carol"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("archive dir has %d files, want 1", len(entries))
	}
	raw, err := os.ReadFile(filepath.Join(s.ws.ArchiveDir("carol"), entries[0].Name()))
	if err != nil {
		t.Fatal(err)
	}
	var snapshot struct {
		Turns []domain.Turn `json:"turns"`
	}
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		t.Fatalf("snapshot not valid JSON: %v", err)
	}
	if len(snapshot.Turns) != archiveThreshold {
		t.Errorf("snapshot holds %d turns, want %d", len(snapshot.Turns), archiveThreshold)
	}

	// Index row recorded.
	archives, err := s.Archives(ctx, "carol")
	if err != nil {
		t.Fatal(err)
	}
	if len(archives) != 1 || archives[0].TurnCount != archiveThreshold {
		t.Errorf("archive index = %+v", archives)
	}
}

func TestHeartbeatLifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.EnableHeartbeat(ctx, "dave", 0); err != nil {
		t.Fatalf("EnableHeartbeat: %v", err)
	}

	due, err := s.DueHeartbeats(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("DueHeartbeats: %v", err)
	}
	if len(due) != 1 || due[0].UserID != "dave" {
		t.Fatalf("DueHeartbeats = %+v, want dave (never ran)", due)
	}

	if err := s.TouchHeartbeat(ctx, "dave", time.Now().UTC()); err != nil {
		t.Fatalf("TouchHeartbeat: %v", err)
	}
	due, _ = s.DueHeartbeats(ctx, time.Now().UTC())
	if len(due) != 0 {
		t.Errorf("still due right after touch: %+v", due)
	}

	if err := s.DisableHeartbeat(ctx, "dave"); err != nil {
		t.Fatalf("DisableHeartbeat: %v", err)
	}
	due, _ = s.DueHeartbeats(ctx, time.Now().UTC().Add(24*time.Hour))
	if len(due) != 0 {
		t.Errorf("disabled user reported due: %+v", due)
	}
}
