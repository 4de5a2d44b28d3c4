// Package dispatcher is the single entry point for task execution. Every
// task — interactive message, scheduled prompt, heartbeat — flows through
// the same pipeline: resolve context, authorize mounts, execute in a
// sandbox, persist the turn, deliver the callback.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/wachira/msaidizi/internal/domain"
	"github.com/wachira/msaidizi/internal/protocol"
	"github.com/wachira/msaidizi/internal/sandbox"
	"github.com/wachira/msaidizi/internal/security"
)

// Pipeline stage names, used in logs and failure metrics.
const (
	StageResolve   = "resolve_context"
	StageAuthorize = "authorize_mounts"
	StageExecute   = "execute"
	StagePersist   = "persist"
	StageCallback  = "callback"
)

// Contexts is the slice of the context store the dispatcher needs.
type Contexts interface {
	LoadOrCreate(ctx context.Context, userID string) (*domain.UserContext, error)
	History(ctx context.Context, userID string, n int) ([]domain.Turn, error)
	AppendTurn(ctx context.Context, userID string, turn *domain.Turn) error
}

// MountPolicy validates workspaces and resolves opt-in mounts.
type MountPolicy interface {
	ValidateWorkspace(path string) error
	ExtraMounts(workspaceDir string) []security.MountRequest
}

// CallbackSender delivers a result payload to an external URL.
type CallbackSender interface {
	Post(ctx context.Context, url string, payload any) error
}

// Adapter is an outbound channel capable of reaching a user. Adapters are
// registered at startup; the heartbeat loop surfaces findings through every
// adapter that authorizes the user.
type Adapter interface {
	Name() string
	Authorize(userID string) bool
	Send(ctx context.Context, userID, text string) error
}

// Request is one task to process.
type Request struct {
	UserID       string
	Message      string
	ExtraContext map[string]string
	ModelHint    string
	CallbackURL  string // Optional; result delivered best-effort when set.
	Source       string // "message", "scheduled", or "heartbeat".
}

// Result is the outcome of a processed request.
type Result struct {
	Turn     *domain.Turn
	Output   *protocol.Output
	Duration time.Duration
}

// Config configures the dispatcher.
type Config struct {
	MaxWorkers int // Concurrent sandbox executions. Default: 4.

	// SandboxEnv is injected into every execution on top of the runner's
	// sanitized base set. This is how the model-service credential reaches
	// the workload — env only, never a mounted file.
	SandboxEnv map[string]string
}

// Dispatcher runs the five-stage task pipeline under a bounded worker pool.
type Dispatcher struct {
	contexts   Contexts
	policy     MountPolicy
	runner     sandbox.Runner
	callback   CallbackSender
	logger     *slog.Logger
	metrics    *Metrics
	sandboxEnv map[string]string

	sem      chan struct{}
	adapters []Adapter
}

// New creates a Dispatcher. metrics may be nil.
func New(contexts Contexts, policy MountPolicy, runner sandbox.Runner, callback CallbackSender, cfg Config, logger *slog.Logger, metrics *Metrics) *Dispatcher {
	workers := cfg.MaxWorkers
	if workers <= 0 {
		workers = 4
	}
	return &Dispatcher{
		contexts:   contexts,
		policy:     policy,
		runner:     runner,
		callback:   callback,
		logger:     logger,
		metrics:    metrics,
		sandboxEnv: cfg.SandboxEnv,
		sem:        make(chan struct{}, workers),
	}
}

// RegisterAdapter adds an outbound channel. Not safe for concurrent use
// with Process — call during startup wiring only.
func (d *Dispatcher) RegisterAdapter(a Adapter) {
	d.adapters = append(d.adapters, a)
	d.logger.Info("adapter registered", slog.String("adapter", a.Name()))
}

// Surface delivers text to a user through every authorized adapter.
// Returns the number of successful deliveries.
func (d *Dispatcher) Surface(ctx context.Context, userID, text string) int {
	delivered := 0
	for _, a := range d.adapters {
		if !a.Authorize(userID) {
			continue
		}
		if err := a.Send(ctx, userID, text); err != nil {
			d.logger.Warn("adapter delivery failed",
				slog.String("adapter", a.Name()),
				slog.String("user", userID),
				slog.String("error", err.Error()))
			continue
		}
		delivered++
	}
	return delivered
}

// Process runs one request through the pipeline. Blocks until a worker
// slot is free or ctx is done.
func (d *Dispatcher) Process(ctx context.Context, req Request) (*Result, error) {
	select {
	case d.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-d.sem }()

	if d.metrics != nil {
		d.metrics.Requests.Inc()
		d.metrics.InFlight.Inc()
		defer d.metrics.InFlight.Dec()
	}
	return d.process(ctx, req)
}

func (d *Dispatcher) process(ctx context.Context, req Request) (*Result, error) {
	// RESOLVE_CONTEXT
	uc, err := d.contexts.LoadOrCreate(ctx, req.UserID)
	if err != nil {
		return nil, d.fail(StageResolve, req, err)
	}
	history, err := d.contexts.History(ctx, req.UserID, 10)
	if err != nil {
		return nil, d.fail(StageResolve, req, err)
	}

	// AUTHORIZE_MOUNTS — fail closed before any sandbox is spawned.
	// A rejection here is a policy outcome, not a conversation turn, so
	// nothing is persisted.
	if err := d.policy.ValidateWorkspace(uc.WorkspacePath); err != nil {
		return nil, d.fail(StageAuthorize, req, err)
	}
	extraMounts := d.policy.ExtraMounts(uc.WorkspacePath)

	// EXECUTE
	input := protocol.Input{
		Prompt:       req.Message,
		UserID:       req.UserID,
		History:      toHistory(history),
		ExtraContext: req.ExtraContext,
		ModelHint:    req.ModelHint,
	}
	execResult, execErr := d.runner.Run(ctx, sandbox.ExecutionContext{
		UserID:       req.UserID,
		WorkspaceDir: uc.WorkspacePath,
		ExtraMounts:  extraMounts,
		Input:        input,
		Env:          d.sandboxEnv,
	})

	turn := &domain.Turn{
		UserID:    req.UserID,
		Message:   req.Message,
		CreatedAt: time.Now().UTC(),
	}
	result := &Result{Turn: turn}

	switch {
	case execErr != nil:
		turn.ErrMessage = execErr.Error()
	case execResult.Output.OK():
		turn.Response = execResult.Output.Response
		turn.ModelUsed = execResult.Output.ModelUsed
		turn.TokensUsed = execResult.Output.TokensUsed
	default:
		// Well-formed application-level failure from the workload.
		turn.ErrMessage = execResult.Output.Error
	}
	if execResult != nil {
		result.Output = execResult.Output
		result.Duration = execResult.Duration
		if d.metrics != nil {
			d.metrics.SandboxDuration.Observe(execResult.Duration.Seconds())
		}
	}

	// PERSIST — failed executions are part of the conversation record too.
	if err := d.contexts.AppendTurn(ctx, req.UserID, turn); err != nil {
		return nil, d.fail(StagePersist, req, errors.Join(execErr, err))
	}

	// CALLBACK — best-effort, exactly one attempt.
	if req.CallbackURL != "" {
		d.deliverCallback(ctx, req, result)
	}

	if execErr != nil {
		if d.metrics != nil {
			d.metrics.Failures.WithLabelValues(StageExecute).Inc()
		}
		d.logger.Warn("execution failed",
			slog.String("user", req.UserID),
			slog.String("source", req.Source),
			slog.String("error", execErr.Error()))
		return result, fmt.Errorf("executing task for %s: %w", req.UserID, execErr)
	}

	d.logger.Info("request processed",
		slog.String("user", req.UserID),
		slog.String("source", req.Source),
		slog.Duration("duration", result.Duration))
	return result, nil
}

// deliverCallback posts the result to the request's callback URL. Failures
// are logged, never retried.
func (d *Dispatcher) deliverCallback(ctx context.Context, req Request, result *Result) {
	if d.callback == nil {
		d.logger.Warn("callback requested but no sender configured",
			slog.String("user", req.UserID))
		return
	}
	payload := callbackPayload{
		UserID:   req.UserID,
		Source:   req.Source,
		Response: result.Turn.Response,
		Error:    result.Turn.ErrMessage,
	}
	if err := d.callback.Post(ctx, req.CallbackURL, payload); err != nil {
		if d.metrics != nil {
			d.metrics.Failures.WithLabelValues(StageCallback).Inc()
		}
		d.logger.Warn("callback delivery failed",
			slog.String("user", req.UserID),
			slog.String("url", req.CallbackURL),
			slog.String("error", err.Error()))
	}
}

func (d *Dispatcher) fail(stage string, req Request, err error) error {
	if d.metrics != nil {
		d.metrics.Failures.WithLabelValues(stage).Inc()
	}
	d.logger.Warn("request failed",
		slog.String("stage", stage),
		slog.String("user", req.UserID),
		slog.String("source", req.Source),
		slog.String("error", err.Error()))
	return fmt.Errorf("%s for %s: %w", stage, req.UserID, err)
}

func toHistory(turns []domain.Turn) []protocol.HistoryTurn {
	if len(turns) == 0 {
		return nil
	}
	history := make([]protocol.HistoryTurn, len(turns))
	for i, t := range turns {
		history[i] = protocol.HistoryTurn{Message: t.Message, Response: t.Response}
	}
	return history
}

// callbackPayload is the JSON body posted to callback URLs.
type callbackPayload struct {
	UserID   string `json:"user"`
	Source   string `json:"source"`
	Response string `json:"response,omitempty"`
	Error    string `json:"error,omitempty"`
}
