package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/okapi"

	"github.com/wachira/msaidizi/internal/domain"
	"github.com/wachira/msaidizi/internal/scheduler"
)

// **** Scheduled task request/response types ****

// TaskRequest is the JSON body for POST /v1/tasks.
type TaskRequest struct {
	UserID      string `json:"user"`
	Expression  string `json:"expression"` // Standard 5-field cron.
	Prompt      string `json:"prompt"`
	Description string `json:"description,omitempty"`
}

// TaskResponse is the JSON response for task endpoints.
type TaskResponse struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user"`
	Expression  string     `json:"expression"`
	Prompt      string     `json:"prompt"`
	Description string     `json:"description,omitempty"`
	Status      string     `json:"status"`
	NextRun     *time.Time `json:"next_run,omitempty"`
	LastRun     *time.Time `json:"last_run,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func toTaskResponse(t *domain.ScheduledTask) TaskResponse {
	return TaskResponse{
		ID:          t.ID.String(),
		UserID:      t.UserID,
		Expression:  t.Expression,
		Prompt:      t.Prompt,
		Description: t.Description,
		Status:      t.Status,
		NextRun:     t.NextRun,
		LastRun:     t.LastRun,
		LastError:   t.LastError,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
}

// **** Handlers ****

func (g *Gateway) handleTaskCreate(c *okapi.Context) error {
	var req TaskRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.UserID == "" {
		return c.AbortBadRequest("user is required")
	}
	if req.Expression == "" {
		return c.AbortBadRequest("expression is required")
	}
	if req.Prompt == "" {
		return c.AbortBadRequest("prompt is required")
	}

	task, err := g.tasks.CreateTask(c.Context(), req.UserID, req.Expression, req.Prompt, req.Description)
	if err != nil {
		var verr *scheduler.ValidationError
		if errors.As(err, &verr) {
			return c.AbortBadRequest(verr.Error())
		}
		g.logger.Error("task creation failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("failed to create task")
	}

	g.logger.Info("task created",
		slog.String("task_id", task.ID.String()),
		slog.String("user", req.UserID),
		slog.String("expression", task.Expression),
	)

	return c.JSON(http.StatusCreated, toTaskResponse(task))
}

func (g *Gateway) handleTaskList(c *okapi.Context) error {
	userID := c.Param("user")
	if userID == "" {
		return c.AbortBadRequest("user is required")
	}

	tasks, err := g.tasks.ListTasks(c.Context(), userID)
	if err != nil {
		return c.AbortInternalServerError("failed to list tasks")
	}

	resp := make([]TaskResponse, len(tasks))
	for i := range tasks {
		resp[i] = toTaskResponse(&tasks[i])
	}
	return c.OK(resp)
}

func (g *Gateway) handleTaskDelete(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid task ID")
	}

	if err := g.tasks.DeleteTask(c.Context(), id); err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "task not found"})
	}

	g.logger.Info("task deleted", slog.String("task_id", id.String()))
	return c.OK(map[string]string{"status": "deleted"})
}
