package storage

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/wachira/msaidizi/internal/domain"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenSQLite(SQLiteConfig{
		Path: filepath.Join(t.TempDir(), "test.db"),
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return s
}

func TestContextRepositoryRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	repo := s.Contexts()

	got, err := repo.Get(ctx, "alice")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Fatalf("Get before create = %+v, want nil", got)
	}

	now := time.Now().UTC().Truncate(time.Second)
	uc := &domain.UserContext{
		UserID:        "alice",
		WorkspacePath: "/data/workspaces/alice",
		Instructions:  "# Assistant",
		CreatedAt:     now,
		LastActive:    now,
	}
	if err := repo.Create(ctx, uc); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err = repo.Get(ctx, "alice")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil || got.WorkspacePath != uc.WorkspacePath {
		t.Errorf("Get = %+v", got)
	}

	got.MessagesSinceArchive = 7
	got.Instructions = "# Assistant v2"
	if err := repo.Save(ctx, got); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, _ = repo.Get(ctx, "alice")
	if got.MessagesSinceArchive != 7 || got.Instructions != "# Assistant v2" {
		t.Errorf("after Save: %+v", got)
	}
}

func TestDueHeartbeats(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	repo := s.Contexts()
	now := time.Now().UTC()

	old := now.Add(-time.Hour)
	recent := now.Add(-time.Minute)
	users := []*domain.UserContext{
		{UserID: "never-ran", HeartbeatEnabled: true, CreatedAt: now, LastActive: now},
		{UserID: "overdue", HeartbeatEnabled: true, LastHeartbeat: &old, CreatedAt: now, LastActive: now},
		{UserID: "fresh", HeartbeatEnabled: true, LastHeartbeat: &recent, CreatedAt: now, LastActive: now},
		{UserID: "disabled", HeartbeatEnabled: false, LastHeartbeat: &old, CreatedAt: now, LastActive: now},
		{UserID: "custom-short", HeartbeatEnabled: true, HeartbeatInterval: 30 * time.Second, LastHeartbeat: &recent, CreatedAt: now, LastActive: now},
	}
	for _, uc := range users {
		uc.WorkspacePath = "/w/" + uc.UserID
		if err := repo.Create(ctx, uc); err != nil {
			t.Fatalf("Create %s: %v", uc.UserID, err)
		}
	}

	due, err := repo.DueHeartbeats(ctx, now, 30*time.Minute)
	if err != nil {
		t.Fatalf("DueHeartbeats: %v", err)
	}
	want := map[string]bool{"never-ran": true, "overdue": true, "custom-short": true}
	if len(due) != len(want) {
		t.Fatalf("DueHeartbeats = %d users, want %d", len(due), len(want))
	}
	for _, uc := range due {
		if !want[uc.UserID] {
			t.Errorf("unexpected due user %q", uc.UserID)
		}
	}
}

func TestTurnRepositoryOrderingAndTrim(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	repo := s.Turns()

	for i := 0; i < 15; i++ {
		turn := &domain.Turn{
			UserID:    "bob",
			Message:   "msg",
			Response:  "resp",
			CreatedAt: time.Now().UTC(),
		}
		if err := repo.Append(ctx, turn); err != nil {
			t.Fatalf("Append: %v", err)
		}
		if turn.ID == 0 {
			t.Fatal("Append did not assign an ID")
		}
	}

	recent, err := repo.Recent(ctx, "bob", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent) != 10 {
		t.Fatalf("Recent = %d turns, want 10", len(recent))
	}
	for i := 1; i < len(recent); i++ {
		if recent[i].ID <= recent[i-1].ID {
			t.Fatalf("Recent not chronological: %d then %d", recent[i-1].ID, recent[i].ID)
		}
	}

	if err := repo.DeleteAllButNewest(ctx, "bob", 10); err != nil {
		t.Fatalf("DeleteAllButNewest: %v", err)
	}
	n, err := repo.Count(ctx, "bob")
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 10 {
		t.Errorf("Count after trim = %d, want 10", n)
	}
}

func TestTaskRepositoryDueAndFire(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	repo := s.Tasks()
	now := time.Now().UTC()

	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)
	tasks := []*domain.ScheduledTask{
		{ID: domain.NewID(), UserID: "carol", Expression: "0 9 * * *", Prompt: "due", Status: domain.TaskActive, NextRun: &past},
		{ID: domain.NewID(), UserID: "carol", Expression: "0 9 * * *", Prompt: "future", Status: domain.TaskActive, NextRun: &future},
		{ID: domain.NewID(), UserID: "carol", Expression: "0 9 * * *", Prompt: "disabled", Status: domain.TaskDisabled, NextRun: &past},
	}
	for _, task := range tasks {
		task.CreatedAt, task.UpdatedAt = now, now
		if err := repo.Create(ctx, task); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	due, err := repo.GetDue(ctx, now)
	if err != nil {
		t.Fatalf("GetDue: %v", err)
	}
	if len(due) != 1 || due[0].Prompt != "due" {
		t.Fatalf("GetDue = %+v, want only the active past-due task", due)
	}

	next := now.Add(24 * time.Hour)
	if err := repo.MarkFired(ctx, due[0].ID, now, &next, domain.TaskActive); err != nil {
		t.Fatalf("MarkFired: %v", err)
	}
	due, err = repo.GetDue(ctx, now)
	if err != nil {
		t.Fatalf("GetDue after fire: %v", err)
	}
	if len(due) != 0 {
		t.Errorf("task still due after MarkFired: %+v", due)
	}

	listed, err := repo.ListByUser(ctx, "carol")
	if err != nil {
		t.Fatalf("ListByUser: %v", err)
	}
	if len(listed) != 3 {
		t.Errorf("ListByUser = %d tasks, want 3", len(listed))
	}

	if err := repo.Delete(ctx, tasks[2].ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := repo.Delete(ctx, tasks[2].ID); err == nil {
		t.Error("Delete twice should report not found")
	}
}

func TestHeartbeatLogAppendOnly(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	repo := s.HeartbeatLog()

	entries := []*domain.HeartbeatLogEntry{
		{UserID: "dave", Result: "HEARTBEAT_OK", Suppressed: true, DurationMS: 900, CreatedAt: time.Now().UTC()},
		{UserID: "dave", Result: "reminder: meeting at 3pm", DurationMS: 1200, CreatedAt: time.Now().UTC()},
	}
	for _, e := range entries {
		if err := repo.Append(ctx, e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	got, err := repo.Recent(ctx, "dave", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Recent = %d entries, want 2", len(got))
	}
	if !got[1].Suppressed || got[0].Suppressed {
		t.Errorf("ordering wrong: %+v", got)
	}
}
