// Package httpapi implements the HTTP API gateway.
//
// Security:
//   - Bearer token authentication on every /v1 request (constant-time compare)
//   - Strict request validation before anything reaches the dispatcher
//   - Mount policy rejections surface as 403, never as generic failures
//   - All requests logged
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/google/uuid"

	"github.com/jkaninda/okapi"

	"github.com/wachira/msaidizi/internal/dispatcher"
	"github.com/wachira/msaidizi/internal/domain"
	"github.com/wachira/msaidizi/internal/sandbox"
	"github.com/wachira/msaidizi/internal/security"
)

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Processor executes one task request. Satisfied by *dispatcher.Dispatcher.
type Processor interface {
	Process(ctx context.Context, req dispatcher.Request) (*dispatcher.Result, error)
}

// TaskService manages scheduled tasks. Satisfied by *scheduler.Scheduler.
type TaskService interface {
	CreateTask(ctx context.Context, userID, expression, prompt, description string) (*domain.ScheduledTask, error)
	ListTasks(ctx context.Context, userID string) ([]domain.ScheduledTask, error)
	DeleteTask(ctx context.Context, id uuid.UUID) error
}

// ContextService is the slice of the context store the gateway exposes.
type ContextService interface {
	History(ctx context.Context, userID string, n int) ([]domain.Turn, error)
	Archives(ctx context.Context, userID string) ([]domain.Archive, error)
	RememberFact(ctx context.Context, userID, fact string) error
	EnableHeartbeat(ctx context.Context, userID string, interval time.Duration) error
	DisableHeartbeat(ctx context.Context, userID string) error
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr string // e.g., ":8800"
	AuthToken  string // Empty = no authentication (local deployments).
	EnableDocs bool

	MetricsRegistry *prometheus.Registry // Custom Prometheus registry for /metrics. nil = disabled.
	MetricsPath     string               // Path for metrics endpoint. Default: "/metrics".
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config   Config
	proc     Processor
	tasks    TaskService
	contexts ContextService
	logger   *slog.Logger
	server   *http.Server
	okapi    *okapi.Okapi
	group    *okapi.Group
}

// NewGateway creates an HTTP API gateway.
func NewGateway(cfg Config, proc Processor, tasks TaskService, contexts ContextService, logger *slog.Logger) *Gateway {
	return &Gateway{
		config:   cfg,
		proc:     proc,
		tasks:    tasks,
		contexts: contexts,
		logger:   logger,
		okapi:    okapi.New(),
	}
}

// WithOpenAPIDocs enables the generated OpenAPI documentation endpoint.
func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Msaidizi",
			Version: "v0.1.0",
		},
	)
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	// Authenticated /v1 group.
	g.group = g.okapi.Group("/v1", g.authenticate)

	g.group.Post("/messages", g.handleMessage,
		okapi.DocSummary("Send a message to the assistant"),
		okapi.DocTags("Messages"),
		okapi.DocRequestBody(MessageRequest{}),
		okapi.DocResponse(MessageResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusForbidden, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
	)

	g.group.Post("/tasks", g.handleTaskCreate,
		okapi.DocSummary("Create a scheduled task"),
		okapi.DocTags("Tasks"),
		okapi.DocRequestBody(TaskRequest{}),
		okapi.DocResponse(http.StatusCreated, TaskResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)
	g.group.Get("/users/{user}/tasks", g.handleTaskList,
		okapi.DocSummary("List a user's scheduled tasks"),
		okapi.DocTags("Tasks"),
		okapi.DocPathParam("user", "string", "User ID"),
		okapi.DocResponse([]TaskResponse{}),
	)
	g.group.Delete("/tasks/{id}", g.handleTaskDelete,
		okapi.DocSummary("Delete a scheduled task"),
		okapi.DocTags("Tasks"),
		okapi.DocPathParam("id", "string", "Task ID (UUID)"),
		okapi.DocResponse(map[string]string{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)

	g.group.Put("/users/{user}/heartbeat", g.handleHeartbeatEnable,
		okapi.DocSummary("Enable periodic heartbeat check-ins for a user"),
		okapi.DocTags("Heartbeat"),
		okapi.DocPathParam("user", "string", "User ID"),
		okapi.DocRequestBody(HeartbeatRequest{}),
		okapi.DocResponse(map[string]string{}),
	)
	g.group.Delete("/users/{user}/heartbeat", g.handleHeartbeatDisable,
		okapi.DocSummary("Disable heartbeat check-ins for a user"),
		okapi.DocTags("Heartbeat"),
		okapi.DocPathParam("user", "string", "User ID"),
		okapi.DocResponse(map[string]string{}),
	)

	g.group.Get("/users/{user}/history", g.handleHistory,
		okapi.DocSummary("Get a user's recent conversation history"),
		okapi.DocTags("Context"),
		okapi.DocPathParam("user", "string", "User ID"),
		okapi.DocResponse([]TurnResponse{}),
	)
	g.group.Get("/users/{user}/archives", g.handleArchives,
		okapi.DocSummary("List a user's archived conversation snapshots"),
		okapi.DocTags("Context"),
		okapi.DocPathParam("user", "string", "User ID"),
		okapi.DocResponse([]ArchiveResponse{}),
	)
	g.group.Post("/users/{user}/memory", g.handleRemember,
		okapi.DocSummary("Append a fact to a user's long-term memory"),
		okapi.DocTags("Context"),
		okapi.DocPathParam("user", "string", "User ID"),
		okapi.DocRequestBody(MemoryRequest{}),
		okapi.DocResponse(map[string]string{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleHealth)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))
	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Message handler ---

// MessageRequest is the JSON body for POST /v1/messages.
type MessageRequest struct {
	UserID       string            `json:"user"`
	Message      string            `json:"message"`
	ModelHint    string            `json:"model_hint,omitempty"`
	CallbackURL  string            `json:"callback_url,omitempty"`
	ExtraContext map[string]string `json:"extra_context,omitempty"`
}

// MessageResponse is the JSON response for POST /v1/messages.
type MessageResponse struct {
	Response   string `json:"response,omitempty"`
	Error      string `json:"error,omitempty"`
	ModelUsed  string `json:"model_used,omitempty"`
	TokensUsed int    `json:"tokens_used,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

func (g *Gateway) handleMessage(c *okapi.Context) error {
	var req MessageRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.UserID == "" {
		return c.AbortBadRequest("user is required")
	}
	if req.Message == "" {
		return c.AbortBadRequest("message is required")
	}

	g.logger.Info("http message",
		slog.String("user", req.UserID),
	)

	result, err := g.proc.Process(c.Context(), dispatcher.Request{
		UserID:       req.UserID,
		Message:      req.Message,
		ModelHint:    req.ModelHint,
		CallbackURL:  req.CallbackURL,
		ExtraContext: req.ExtraContext,
		Source:       "message",
	})
	if err != nil && result == nil {
		return executionError(c, err)
	}

	// An execution failure still produced a persisted turn; return it with
	// the error field set rather than hiding the outcome behind a 500.
	return c.OK(MessageResponse{
		Response:   result.Turn.Response,
		Error:      result.Turn.ErrMessage,
		ModelUsed:  result.Turn.ModelUsed,
		TokensUsed: result.Turn.TokensUsed,
		DurationMS: result.Duration.Milliseconds(),
	})
}

// --- Heartbeat handlers ---

// HeartbeatRequest is the JSON body for PUT /v1/users/{user}/heartbeat.
type HeartbeatRequest struct {
	IntervalMinutes int `json:"interval_minutes,omitempty"` // 0 = configured default.
}

func (g *Gateway) handleHeartbeatEnable(c *okapi.Context) error {
	userID := c.Param("user")
	if userID == "" {
		return c.AbortBadRequest("user is required")
	}

	var req HeartbeatRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.IntervalMinutes < 0 {
		return c.AbortBadRequest("interval_minutes must not be negative")
	}

	interval := time.Duration(req.IntervalMinutes) * time.Minute
	if err := g.contexts.EnableHeartbeat(c.Context(), userID, interval); err != nil {
		g.logger.Error("enabling heartbeat failed",
			slog.String("user", userID),
			slog.String("error", err.Error()))
		return c.AbortInternalServerError("failed to enable heartbeat")
	}

	g.logger.Info("heartbeat enabled",
		slog.String("user", userID),
		slog.Int("interval_minutes", req.IntervalMinutes))
	return c.OK(map[string]string{"status": "enabled"})
}

func (g *Gateway) handleHeartbeatDisable(c *okapi.Context) error {
	userID := c.Param("user")
	if userID == "" {
		return c.AbortBadRequest("user is required")
	}

	if err := g.contexts.DisableHeartbeat(c.Context(), userID); err != nil {
		return c.AbortInternalServerError("failed to disable heartbeat")
	}

	g.logger.Info("heartbeat disabled", slog.String("user", userID))
	return c.OK(map[string]string{"status": "disabled"})
}

// --- Context handlers ---

// TurnResponse is one conversation turn in the history listing.
type TurnResponse struct {
	Message    string    `json:"message"`
	Response   string    `json:"response,omitempty"`
	Error      string    `json:"error,omitempty"`
	ModelUsed  string    `json:"model_used,omitempty"`
	TokensUsed int       `json:"tokens_used,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

func (g *Gateway) handleHistory(c *okapi.Context) error {
	userID := c.Param("user")
	if userID == "" {
		return c.AbortBadRequest("user is required")
	}

	turns, err := g.contexts.History(c.Context(), userID, 10)
	if err != nil {
		return c.AbortInternalServerError("failed to load history")
	}

	resp := make([]TurnResponse, len(turns))
	for i, t := range turns {
		resp[i] = TurnResponse{
			Message:    t.Message,
			Response:   t.Response,
			Error:      t.ErrMessage,
			ModelUsed:  t.ModelUsed,
			TokensUsed: t.TokensUsed,
			CreatedAt:  t.CreatedAt,
		}
	}
	return c.OK(resp)
}

// ArchiveResponse is one archived snapshot in the archive listing.
type ArchiveResponse struct {
	ID        string    `json:"id"`
	Path      string    `json:"path"`
	TurnCount int       `json:"turn_count"`
	CreatedAt time.Time `json:"created_at"`
}

func (g *Gateway) handleArchives(c *okapi.Context) error {
	userID := c.Param("user")
	if userID == "" {
		return c.AbortBadRequest("user is required")
	}

	archives, err := g.contexts.Archives(c.Context(), userID)
	if err != nil {
		return c.AbortInternalServerError("failed to list archives")
	}

	resp := make([]ArchiveResponse, len(archives))
	for i, a := range archives {
		resp[i] = ArchiveResponse{
			ID:        a.ID.String(),
			Path:      a.Path,
			TurnCount: a.TurnCount,
			CreatedAt: a.CreatedAt,
		}
	}
	return c.OK(resp)
}

// MemoryRequest is the JSON body for POST /v1/users/{user}/memory.
type MemoryRequest struct {
	Fact string `json:"fact"`
}

func (g *Gateway) handleRemember(c *okapi.Context) error {
	userID := c.Param("user")
	if userID == "" {
		return c.AbortBadRequest("user is required")
	}

	var req MemoryRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if strings.TrimSpace(req.Fact) == "" {
		return c.AbortBadRequest("fact is required")
	}

	if err := g.contexts.RememberFact(c.Context(), userID, req.Fact); err != nil {
		return c.AbortInternalServerError("failed to store fact")
	}
	return c.OK(map[string]string{"status": "stored"})
}

// --- Health ---

// HealthResponse is the JSON response for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

func (g *Gateway) handleHealth(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// --- Authentication ---

// authenticate validates the bearer token. A gateway configured without a
// token runs open, for local single-user deployments.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		if g.config.AuthToken == "" {
			return next(c)
		}

		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		token := strings.TrimPrefix(authHeader, "Bearer ")

		if subtle.ConstantTimeCompare([]byte(token), []byte(g.config.AuthToken)) != 1 {
			return c.AbortUnauthorized("invalid token")
		}
		return next(c)
	}
}

// --- Helpers ---

// executionError maps pipeline errors to appropriate HTTP responses.
func executionError(c *okapi.Context, err error) error {
	var mountErr *security.MountError
	if errors.As(err, &mountErr) {
		return c.JSON(http.StatusForbidden, okapi.M{"error": mountErr.Error()})
	}
	var timeoutErr *sandbox.TimeoutError
	if errors.As(err, &timeoutErr) {
		return c.JSON(http.StatusGatewayTimeout, okapi.M{"error": "execution timed out"})
	}
	return c.AbortInternalServerError("processing failed")
}
