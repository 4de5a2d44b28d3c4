// Package heartbeat runs periodic proactive check-ins for users that have
// opted in. A heartbeat is an ordinary sandboxed execution fed a fixed
// checklist prompt; the workload decides whether anything needs the user's
// attention and answers with a sentinel when nothing does.
package heartbeat

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/wachira/msaidizi/internal/dispatcher"
	"github.com/wachira/msaidizi/internal/domain"
	"github.com/wachira/msaidizi/internal/workspace"
)

// SentinelOK is the exact token a workload includes when the checklist
// produced nothing actionable. Its presence suppresses outward delivery.
const SentinelOK = "HEARTBEAT_OK"

// defaultChecklist seeds HEARTBEAT.md on a user's first heartbeat. Users
// edit the file afterwards; it is never regenerated.
const defaultChecklist = `# Heartbeat Checklist

Review each item. If nothing needs attention, reply with exactly HEARTBEAT_OK.

- Any reminders or follow-ups that are now due?
- Anything in the workspace files/ that changed and needs action?
- Any scheduled work coming up that needs preparation?
`

// ContextStore is the slice of the context store the heartbeat loop needs.
type ContextStore interface {
	DueHeartbeats(ctx context.Context, now time.Time) ([]domain.UserContext, error)
	TouchHeartbeat(ctx context.Context, userID string, at time.Time) error
}

// LogStore records heartbeat outcomes. Append-only.
type LogStore interface {
	Append(ctx context.Context, e *domain.HeartbeatLogEntry) error
}

// Processor executes one task request. Satisfied by *dispatcher.Dispatcher.
type Processor interface {
	Process(ctx context.Context, req dispatcher.Request) (*dispatcher.Result, error)
}

// Surfacer delivers findings to the user through authorized adapters.
type Surfacer interface {
	Surface(ctx context.Context, userID, text string) int
}

// Config configures the heartbeat loop.
type Config struct {
	PollInterval  time.Duration // Default: 1m.
	MaxConcurrent int           // Default: 2.
	Model         string        // Model hint for heartbeat runs; cheap by convention.
}

// Runner polls for due users and executes their heartbeats.
type Runner struct {
	contexts ContextStore
	log      LogStore
	proc     Processor
	surfacer Surfacer
	gate     *dispatcher.Gate
	ws       *workspace.Workspace
	metrics  *Metrics
	logger   *slog.Logger
	config   Config
}

// New creates a heartbeat Runner.
func New(contexts ContextStore, log LogStore, proc Processor, surfacer Surfacer, gate *dispatcher.Gate, ws *workspace.Workspace, cfg Config, logger *slog.Logger, metrics *Metrics) *Runner {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Minute
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 2
	}
	return &Runner{
		contexts: contexts,
		log:      log,
		proc:     proc,
		surfacer: surfacer,
		gate:     gate,
		ws:       ws,
		metrics:  metrics,
		logger:   logger,
		config:   cfg,
	}
}

// Start begins the heartbeat loop. Returns a cancel function.
func (r *Runner) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		r.logger.InfoContext(ctx, "heartbeat loop started",
			slog.String("poll_interval", r.config.PollInterval.String()))

		ticker := time.NewTicker(r.config.PollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				r.logger.Info("heartbeat loop stopped")
				return
			case <-ticker.C:
				r.tick(ctx)
			}
		}
	}()

	return cancel
}

// tick runs heartbeats for every due user.
func (r *Runner) tick(ctx context.Context) {
	now := time.Now().UTC()
	due, err := r.contexts.DueHeartbeats(ctx, now)
	if err != nil {
		r.logger.ErrorContext(ctx, "polling due heartbeats failed", slog.String("error", err.Error()))
		return
	}

	sem := make(chan struct{}, r.config.MaxConcurrent)
	var wg sync.WaitGroup

	for i := range due {
		uc := due[i]

		// Shared gate with the cron scheduler: a user with any background
		// run in flight is skipped, never queued.
		if !r.gate.TryAcquire(uc.UserID) {
			r.logger.InfoContext(ctx, "heartbeat skipped: user busy", slog.String("user", uc.UserID))
			continue
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(uc domain.UserContext) {
			defer wg.Done()
			defer func() { <-sem }()
			defer r.gate.Release(uc.UserID)
			r.run(ctx, &uc)
		}(uc)
	}

	wg.Wait()
}

// run executes one user's heartbeat and records the outcome.
func (r *Runner) run(ctx context.Context, uc *domain.UserContext) {
	if r.metrics != nil {
		r.metrics.Runs.Inc()
	}

	prompt, err := r.buildPrompt(uc.UserID)
	if err != nil {
		r.logger.ErrorContext(ctx, "building heartbeat prompt failed",
			slog.String("user", uc.UserID),
			slog.String("error", err.Error()))
		return
	}

	start := time.Now()
	result, execErr := r.proc.Process(ctx, dispatcher.Request{
		UserID:    uc.UserID,
		Message:   prompt,
		ModelHint: r.config.Model,
		Source:    "heartbeat",
	})
	duration := time.Since(start)

	entry := &domain.HeartbeatLogEntry{
		UserID:     uc.UserID,
		DurationMS: duration.Milliseconds(),
		CreatedAt:  time.Now().UTC(),
	}

	switch {
	case execErr != nil:
		entry.Failed = true
		entry.Result = execErr.Error()
		if r.metrics != nil {
			r.metrics.Failures.Inc()
		}
		r.logger.WarnContext(ctx, "heartbeat execution failed",
			slog.String("user", uc.UserID),
			slog.String("error", execErr.Error()))

	case result.Turn.ErrMessage != "":
		entry.Failed = true
		entry.Result = result.Turn.ErrMessage

	case strings.Contains(result.Turn.Response, SentinelOK):
		entry.Suppressed = true
		entry.Result = result.Turn.Response
		if r.metrics != nil {
			r.metrics.Suppressed.Inc()
		}

	default:
		entry.Result = result.Turn.Response
		delivered := r.surfacer.Surface(ctx, uc.UserID, result.Turn.Response)
		if r.metrics != nil {
			r.metrics.Surfaced.Inc()
		}
		r.logger.InfoContext(ctx, "heartbeat surfaced",
			slog.String("user", uc.UserID),
			slog.Int("adapters", delivered))
	}

	// The completion marker moves only after the run finishes — success or
	// failure — so a crashed daemon leaves the user due again.
	if err := r.contexts.TouchHeartbeat(ctx, uc.UserID, time.Now().UTC()); err != nil {
		r.logger.ErrorContext(ctx, "touching heartbeat failed",
			slog.String("user", uc.UserID),
			slog.String("error", err.Error()))
	}
	if err := r.log.Append(ctx, entry); err != nil {
		r.logger.ErrorContext(ctx, "appending heartbeat log failed",
			slog.String("user", uc.UserID),
			slog.String("error", err.Error()))
	}
}

// buildPrompt loads the user's checklist, seeding the default file on
// first use.
func (r *Runner) buildPrompt(userID string) (string, error) {
	path := r.ws.HeartbeatPath(userID)
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		if writeErr := os.WriteFile(path, []byte(defaultChecklist), 0640); writeErr != nil {
			return "", fmt.Errorf("seeding heartbeat checklist: %w", writeErr)
		}
		raw = []byte(defaultChecklist)
	} else if err != nil {
		return "", fmt.Errorf("reading heartbeat checklist: %w", err)
	}

	var b strings.Builder
	b.WriteString("This is a scheduled heartbeat check-in, not a user message.\n")
	b.WriteString("Work through the checklist below. If nothing needs attention,\n")
	fmt.Fprintf(&b, "reply with exactly %s and nothing else.\n\n", SentinelOK)
	b.Write(raw)
	return b.String(), nil
}
