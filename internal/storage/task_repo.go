package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/wachira/msaidizi/internal/domain"
)

// TaskRepository implements scheduled task persistence.
type TaskRepository struct {
	db *gorm.DB
}

// NewTaskRepository creates a TaskRepository.
func NewTaskRepository(db *gorm.DB) *TaskRepository {
	return &TaskRepository{db: db}
}

// Create persists a new scheduled task.
func (r *TaskRepository) Create(ctx context.Context, t *domain.ScheduledTask) error {
	model := toTaskModel(t)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("creating scheduled task: %w", err)
	}
	return nil
}

// Get retrieves a task by ID.
func (r *TaskRepository) Get(ctx context.Context, id uuid.UUID) (*domain.ScheduledTask, error) {
	var model ScheduledTaskModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		return nil, fmt.Errorf("getting scheduled task %s: %w", id, err)
	}
	return toTaskDomain(&model), nil
}

// ListByUser returns all tasks owned by a user, newest first.
func (r *TaskRepository) ListByUser(ctx context.Context, userID string) ([]domain.ScheduledTask, error) {
	var models []ScheduledTaskModel
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing scheduled tasks for %s: %w", userID, err)
	}
	return toTaskDomainSlice(models), nil
}

// Delete soft-deletes a task by ID.
func (r *TaskRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&ScheduledTaskModel{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("deleting scheduled task %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("scheduled task %s not found", id)
	}
	return nil
}

// GetDue returns active tasks whose NextRun <= now. On postgres the select
// runs FOR UPDATE SKIP LOCKED so instances polling at the same instant skim
// past each other's rows; the locks end with the select, so the actual
// double-fire protection is MarkFired advancing next_run before execution.
func (r *TaskRepository) GetDue(ctx context.Context, now time.Time) ([]domain.ScheduledTask, error) {
	var models []ScheduledTaskModel
	tx := r.db.WithContext(ctx)
	if tx.Dialector.Name() == "postgres" {
		tx = tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
	}
	if err := tx.
		Where("status = ? AND next_run IS NOT NULL AND next_run <= ?", domain.TaskActive, now).
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("getting due tasks: %w", err)
	}
	return toTaskDomainSlice(models), nil
}

// MarkFired advances a task past its due time before execution starts.
// Persisting the new NextRun first guarantees a crash mid-run cannot
// re-fire the same occurrence.
func (r *TaskRepository) MarkFired(ctx context.Context, id uuid.UUID, firedAt time.Time, nextRun *time.Time, status string) error {
	updates := map[string]any{
		"last_run":   firedAt.UTC(),
		"next_run":   nextRun,
		"status":     status,
		"updated_at": time.Now().UTC(),
	}
	if err := r.db.WithContext(ctx).
		Model(&ScheduledTaskModel{}).
		Where("id = ?", id).
		Updates(updates).Error; err != nil {
		return fmt.Errorf("marking task %s fired: %w", id, err)
	}
	return nil
}

// RecordResult stores the outcome of a completed execution.
func (r *TaskRepository) RecordResult(ctx context.Context, id uuid.UUID, errMsg string) error {
	updates := map[string]any{
		"last_error": errMsg,
		"updated_at": time.Now().UTC(),
	}
	if err := r.db.WithContext(ctx).
		Model(&ScheduledTaskModel{}).
		Where("id = ?", id).
		Updates(updates).Error; err != nil {
		return fmt.Errorf("recording result for task %s: %w", id, err)
	}
	return nil
}

func toTaskModel(t *domain.ScheduledTask) ScheduledTaskModel {
	return ScheduledTaskModel{
		ID:          t.ID,
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

func toTaskDomain(m *ScheduledTaskModel) *domain.ScheduledTask {
	return &domain.ScheduledTask{
		ID:          m.ID,
		UserID:      m.UserID,
		Expression:  m.Expression,
		Prompt:      m.Prompt,
		Description: m.Description,
		Status:      m.Status,
		NextRun:     m.NextRun,
		LastRun:     m.LastRun,
		LastError:   m.LastError,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
}

func toTaskDomainSlice(models []ScheduledTaskModel) []domain.ScheduledTask {
	tasks := make([]domain.ScheduledTask, len(models))
	for i := range models {
		tasks[i] = *toTaskDomain(&models[i])
	}
	return tasks
}
