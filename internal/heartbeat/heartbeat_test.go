package heartbeat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wachira/msaidizi/internal/dispatcher"
	"github.com/wachira/msaidizi/internal/domain"
	"github.com/wachira/msaidizi/internal/workspace"
)

type fakeContexts struct {
	mu      sync.Mutex
	due     []domain.UserContext
	touched []string
}

func (f *fakeContexts) DueHeartbeats(context.Context, time.Time) ([]domain.UserContext, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.due, nil
}

func (f *fakeContexts) TouchHeartbeat(_ context.Context, userID string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched = append(f.touched, userID)
	return nil
}

type fakeLog struct {
	mu      sync.Mutex
	entries []*domain.HeartbeatLogEntry
}

func (f *fakeLog) Append(_ context.Context, e *domain.HeartbeatLogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, e)
	return nil
}

type fakeProcessor struct {
	mu       sync.Mutex
	requests []dispatcher.Request
	response string
	err      error
}

func (f *fakeProcessor) Process(_ context.Context, req dispatcher.Request) (*dispatcher.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	return &dispatcher.Result{Turn: &domain.Turn{UserID: req.UserID, Response: f.response}}, nil
}

type fakeSurfacer struct {
	mu       sync.Mutex
	messages []string
}

func (f *fakeSurfacer) Surface(_ context.Context, userID, text string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, userID+": "+text)
	return 1
}

type fixture struct {
	runner   *Runner
	contexts *fakeContexts
	log      *fakeLog
	proc     *fakeProcessor
	surfacer *fakeSurfacer
	gate     *dispatcher.Gate
	ws       *workspace.Workspace
}

func newFixture(t *testing.T, due ...domain.UserContext) *fixture {
	t.Helper()
	ws, err := workspace.New(t.TempDir())
	if err != nil {
		t.Fatalf("workspace.New: %v", err)
	}
	f := &fixture{
		contexts: &fakeContexts{due: due},
		log:      &fakeLog{},
		proc:     &fakeProcessor{response: SentinelOK},
		surfacer: &fakeSurfacer{},
		gate:     dispatcher.NewGate(),
		ws:       ws,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.runner = New(f.contexts, f.log, f.proc, f.surfacer, f.gate, ws, Config{Model: "cheap"}, logger, nil)
	return f
}

func TestRunSeedsDefaultChecklist(t *testing.T) {
	f := newFixture(t)
	f.runner.run(context.Background(), &domain.UserContext{UserID: "alice"})

	raw, err := os.ReadFile(f.ws.HeartbeatPath("alice"))
	if err != nil {
		t.Fatalf("checklist not seeded: %v", err)
	}
	if !strings.Contains(string(raw), SentinelOK) {
		t.Error("default checklist missing sentinel instructions")
	}

	// The user's own edits are used verbatim on later runs.
	custom := "# Mine\n- water the plants\n"
	if err := os.WriteFile(f.ws.HeartbeatPath("alice"), []byte(custom), 0640); err != nil {
		t.Fatal(err)
	}
	f.runner.run(context.Background(), &domain.UserContext{UserID: "alice"})
	last := f.proc.requests[len(f.proc.requests)-1]
	if !strings.Contains(last.Message, "water the plants") {
		t.Errorf("custom checklist not in prompt:\n%s", last.Message)
	}
	if last.ModelHint != "cheap" {
		t.Errorf("ModelHint = %q", last.ModelHint)
	}
	if last.Source != "heartbeat" {
		t.Errorf("Source = %q", last.Source)
	}
}

func TestSentinelSuppressesDelivery(t *testing.T) {
	f := newFixture(t)
	f.proc.response = SentinelOK

	f.runner.run(context.Background(), &domain.UserContext{UserID: "alice"})

	if len(f.surfacer.messages) != 0 {
		t.Errorf("suppressed heartbeat delivered: %v", f.surfacer.messages)
	}
	if len(f.log.entries) != 1 || !f.log.entries[0].Suppressed {
		t.Errorf("log = %+v, want one suppressed entry", f.log.entries)
	}
	if len(f.contexts.touched) != 1 {
		t.Error("last_heartbeat not touched after suppressed run")
	}
}

func TestFindingsSurfaced(t *testing.T) {
	f := newFixture(t)
	f.proc.response = "Reminder: dentist appointment tomorrow at 10:00."

	f.runner.run(context.Background(), &domain.UserContext{UserID: "alice"})

	if len(f.surfacer.messages) != 1 || !strings.Contains(f.surfacer.messages[0], "dentist") {
		t.Errorf("surfaced = %v", f.surfacer.messages)
	}
	if len(f.log.entries) != 1 || f.log.entries[0].Suppressed || f.log.entries[0].Failed {
		t.Errorf("log = %+v", f.log.entries)
	}
}

func TestFailureLoggedAndTouched(t *testing.T) {
	f := newFixture(t)
	f.proc.err = errors.New("sandbox timed out")

	f.runner.run(context.Background(), &domain.UserContext{UserID: "alice"})

	if len(f.log.entries) != 1 || !f.log.entries[0].Failed {
		t.Fatalf("log = %+v, want one failed entry", f.log.entries)
	}
	if len(f.surfacer.messages) != 0 {
		t.Error("failure surfaced to user")
	}
	// Failure still advances last_heartbeat: a permanently broken workload
	// must not hot-loop on every poll.
	if len(f.contexts.touched) != 1 {
		t.Error("last_heartbeat not touched after failure")
	}
}

func TestTickSkipsBusyUsers(t *testing.T) {
	f := newFixture(t,
		domain.UserContext{UserID: "alice"},
		domain.UserContext{UserID: "bob"},
	)
	f.gate.TryAcquire("alice")

	f.runner.tick(context.Background())

	if len(f.proc.requests) != 1 || f.proc.requests[0].UserID != "bob" {
		t.Errorf("requests = %+v, want only bob", f.proc.requests)
	}
	// bob's slot released after the run.
	if !f.gate.TryAcquire("bob") {
		t.Error("gate slot leaked")
	}
}
