// Package scheduler fires cron-style recurring prompts through the
// dispatcher. Scheduled execution is NOT privileged execution: every fire
// goes through the same pipeline as an interactive message, including
// mount authorization.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/wachira/msaidizi/internal/dispatcher"
	"github.com/wachira/msaidizi/internal/domain"
)

// ValidationError reports a task definition rejected before persistence.
// The gateway maps it to a client error.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid task %s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// TaskStore is the persistence interface for scheduled tasks.
type TaskStore interface {
	Create(ctx context.Context, t *domain.ScheduledTask) error
	Get(ctx context.Context, id uuid.UUID) (*domain.ScheduledTask, error)
	ListByUser(ctx context.Context, userID string) ([]domain.ScheduledTask, error)
	Delete(ctx context.Context, id uuid.UUID) error
	GetDue(ctx context.Context, now time.Time) ([]domain.ScheduledTask, error)
	MarkFired(ctx context.Context, id uuid.UUID, firedAt time.Time, nextRun *time.Time, status string) error
	RecordResult(ctx context.Context, id uuid.UUID, errMsg string) error
}

// Processor executes one task request. Satisfied by *dispatcher.Dispatcher.
type Processor interface {
	Process(ctx context.Context, req dispatcher.Request) (*dispatcher.Result, error)
}

// Config configures the scheduler loop.
type Config struct {
	PollInterval  time.Duration // Default: 30s.
	MaxConcurrent int           // Simultaneous fires per tick. Default: 3.
	MissedWindow  time.Duration // Fire-on-recovery window. Default: 1h.
	CallbackURL   string        // Optional result delivery target.
}

// Scheduler polls for due tasks and fires them. An explicit instance with
// injected dependencies — no process-global registry.
type Scheduler struct {
	store     TaskStore
	processor Processor
	gate      *dispatcher.Gate
	metrics   *Metrics
	logger    *slog.Logger
	config    Config
	parser    cron.Parser
}

// New creates a Scheduler.
func New(store TaskStore, processor Processor, gate *dispatcher.Gate, cfg Config, logger *slog.Logger, metrics *Metrics) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 3
	}
	if cfg.MissedWindow <= 0 {
		cfg.MissedWindow = time.Hour
	}
	return &Scheduler{
		store:     store,
		processor: processor,
		gate:      gate,
		metrics:   metrics,
		logger:    logger,
		config:    cfg,
		parser:    cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	}
}

// Start begins the scheduler loop. Returns a cancel function.
func (s *Scheduler) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		s.logger.InfoContext(ctx, "scheduler started",
			slog.String("poll_interval", s.config.PollInterval.String()),
			slog.Int("max_concurrent", s.config.MaxConcurrent),
		)

		// Recover tasks that came due while the daemon was down.
		s.recoverMissed(ctx)

		ticker := time.NewTicker(s.config.PollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.logger.Info("scheduler stopped")
				return
			case <-ticker.C:
				s.tick(ctx)
			}
		}
	}()

	return cancel
}

// tick runs one poll cycle: find due tasks, fire them, record results.
func (s *Scheduler) tick(ctx context.Context) {
	start := time.Now()
	now := start.UTC()

	due, err := s.store.GetDue(ctx, now)
	if err != nil {
		s.logger.ErrorContext(ctx, "polling due tasks failed", slog.String("error", err.Error()))
		return
	}
	if len(due) > 0 {
		s.logger.InfoContext(ctx, "tasks due", slog.Int("count", len(due)))
	}

	sem := make(chan struct{}, s.config.MaxConcurrent)
	var wg sync.WaitGroup

	for i := range due {
		task := due[i]

		// One in-flight background run per user, across scheduler and
		// heartbeat alike. Busy users are skipped, never queued — the
		// task stays due and fires on a later tick.
		if !s.gate.TryAcquire(task.UserID) {
			if s.metrics != nil {
				s.metrics.TasksSkipped.Inc()
			}
			s.logger.InfoContext(ctx, "task skipped: user busy",
				slog.String("task_id", task.ID.String()),
				slog.String("user", task.UserID))
			continue
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(t domain.ScheduledTask) {
			defer wg.Done()
			defer func() { <-sem }()
			defer s.gate.Release(t.UserID)
			s.fire(ctx, &t, now)
		}(task)
	}

	wg.Wait()
	if s.metrics != nil {
		s.metrics.TickDuration.Observe(time.Since(start).Seconds())
	}
}

// fire executes one due task. The advanced next_run is persisted BEFORE the
// sandbox starts, so a crash mid-execution skips the occurrence rather than
// repeating it (at-most-once).
func (s *Scheduler) fire(ctx context.Context, task *domain.ScheduledTask, now time.Time) {
	nextRun, err := s.nextAfter(task)
	if err != nil {
		// Unparseable expression: disable rather than retry forever.
		s.logger.ErrorContext(ctx, "disabling task with invalid expression",
			slog.String("task_id", task.ID.String()),
			slog.String("expression", task.Expression),
			slog.String("error", err.Error()))
		_ = s.store.MarkFired(ctx, task.ID, now, nil, domain.TaskDisabled)
		_ = s.store.RecordResult(ctx, task.ID, fmt.Sprintf("invalid expression: %v", err))
		return
	}

	if err := s.store.MarkFired(ctx, task.ID, now, &nextRun, domain.TaskActive); err != nil {
		// Do not execute what we could not persist: the task keeps its old
		// next_run and retries on the next tick.
		if s.metrics != nil {
			s.metrics.PersistFailures.Inc()
		}
		s.logger.ErrorContext(ctx, "persisting fire failed, execution withheld",
			slog.String("task_id", task.ID.String()),
			slog.String("error", err.Error()))
		return
	}

	if s.metrics != nil {
		s.metrics.TasksFired.Inc()
	}
	s.logger.InfoContext(ctx, "firing task",
		slog.String("task_id", task.ID.String()),
		slog.String("user", task.UserID),
		slog.Time("next_run", nextRun))

	_, execErr := s.processor.Process(ctx, dispatcher.Request{
		UserID:      task.UserID,
		Message:     task.Prompt,
		Source:      "scheduled",
		CallbackURL: s.config.CallbackURL,
	})

	var errMsg string
	if execErr != nil {
		errMsg = execErr.Error()
		if s.metrics != nil {
			s.metrics.TasksFailed.Inc()
		}
		s.logger.ErrorContext(ctx, "task execution failed",
			slog.String("task_id", task.ID.String()),
			slog.String("error", errMsg))
	} else if s.metrics != nil {
		s.metrics.TasksSucceeded.Inc()
	}

	if err := s.store.RecordResult(ctx, task.ID, errMsg); err != nil {
		s.logger.ErrorContext(ctx, "recording task result failed",
			slog.String("task_id", task.ID.String()),
			slog.String("error", err.Error()))
	}
}

// recoverMissed fires tasks that came due within the recovery window while
// the daemon was down, and skips older ones forward to their next valid time.
func (s *Scheduler) recoverMissed(ctx context.Context) {
	now := time.Now().UTC()
	cutoff := now.Add(-s.config.MissedWindow)

	due, err := s.store.GetDue(ctx, now)
	if err != nil {
		s.logger.ErrorContext(ctx, "recovering missed tasks failed", slog.String("error", err.Error()))
		return
	}

	var fired, skipped int
	for i := range due {
		task := due[i]
		if task.NextRun != nil && task.NextRun.Before(cutoff) {
			// Too old to fire — advance from now to the next valid time.
			next, err := s.nextFrom(task.Expression, now)
			if err != nil {
				_ = s.store.MarkFired(ctx, task.ID, now, nil, domain.TaskDisabled)
				_ = s.store.RecordResult(ctx, task.ID, fmt.Sprintf("invalid expression: %v", err))
				continue
			}
			_ = s.store.MarkFired(ctx, task.ID, now, &next, domain.TaskActive)
			_ = s.store.RecordResult(ctx, task.ID, "skipped: outside recovery window")
			if s.metrics != nil {
				s.metrics.TasksMissed.Inc()
			}
			skipped++
			continue
		}

		if !s.gate.TryAcquire(task.UserID) {
			continue
		}
		s.fire(ctx, &task, now)
		s.gate.Release(task.UserID)
		fired++
	}

	if fired > 0 || skipped > 0 {
		s.logger.InfoContext(ctx, "recovered missed tasks",
			slog.Int("fired", fired),
			slog.Int("skipped", skipped))
	}
}

// --- Management operations ---

// CreateTask validates the expression, computes the first next_run, and
// persists a new active task.
func (s *Scheduler) CreateTask(ctx context.Context, userID, expression, prompt, description string) (*domain.ScheduledTask, error) {
	schedule, err := s.parser.Parse(expression)
	if err != nil {
		return nil, &ValidationError{Field: "expression", Err: err}
	}
	if prompt == "" {
		return nil, &ValidationError{Field: "prompt", Err: errors.New("must not be empty")}
	}

	now := time.Now().UTC()
	next := schedule.Next(now)
	task := &domain.ScheduledTask{
		ID:          domain.NewID(),
		UserID:      userID,
		Expression:  expression,
		Prompt:      prompt,
		Description: description,
		Status:      domain.TaskActive,
		NextRun:     &next,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Create(ctx, task); err != nil {
		return nil, err
	}

	s.logger.Info("task created",
		slog.String("task_id", task.ID.String()),
		slog.String("user", userID),
		slog.String("expression", expression),
		slog.Time("next_run", next))
	return task, nil
}

// ListTasks returns a user's tasks, newest first.
func (s *Scheduler) ListTasks(ctx context.Context, userID string) ([]domain.ScheduledTask, error) {
	return s.store.ListByUser(ctx, userID)
}

// DeleteTask removes a task by ID.
func (s *Scheduler) DeleteTask(ctx context.Context, id uuid.UUID) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Info("task deleted", slog.String("task_id", id.String()))
	return nil
}

// nextAfter computes the occurrence after the task's previous next_run.
// Anchoring on the stored time, not on the tick time, keeps a delayed fire
// from drifting the schedule: a daily 09:00 task fired at 09:04 still gets
// tomorrow 09:00.
func (s *Scheduler) nextAfter(task *domain.ScheduledTask) (time.Time, error) {
	anchor := time.Now().UTC()
	if task.NextRun != nil {
		anchor = *task.NextRun
	}
	return s.nextFrom(task.Expression, anchor)
}

func (s *Scheduler) nextFrom(expression string, after time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(expression)
	if err != nil {
		return time.Time{}, err
	}
	return schedule.Next(after), nil
}
