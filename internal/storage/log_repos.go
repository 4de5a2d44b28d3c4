package storage

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/wachira/msaidizi/internal/domain"
)

// HeartbeatLogRepository implements the append-only heartbeat execution log.
type HeartbeatLogRepository struct {
	db *gorm.DB
}

// NewHeartbeatLogRepository creates a HeartbeatLogRepository.
func NewHeartbeatLogRepository(db *gorm.DB) *HeartbeatLogRepository {
	return &HeartbeatLogRepository{db: db}
}

// Append records a heartbeat execution. Entries are never updated or deleted.
func (r *HeartbeatLogRepository) Append(ctx context.Context, e *domain.HeartbeatLogEntry) error {
	model := HeartbeatLogModel{
		UserID:     e.UserID,
		Result:     e.Result,
		Suppressed: e.Suppressed,
		Failed:     e.Failed,
		DurationMS: e.DurationMS,
		CreatedAt:  e.CreatedAt,
	}
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("appending heartbeat log for %s: %w", e.UserID, err)
	}
	e.ID = model.ID
	return nil
}

// Recent returns the newest n log entries for a user, newest first.
func (r *HeartbeatLogRepository) Recent(ctx context.Context, userID string, n int) ([]domain.HeartbeatLogEntry, error) {
	var models []HeartbeatLogModel
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("id DESC").
		Limit(n).
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing heartbeat log for %s: %w", userID, err)
	}
	entries := make([]domain.HeartbeatLogEntry, len(models))
	for i := range models {
		entries[i] = domain.HeartbeatLogEntry{
			ID:         models[i].ID,
			UserID:     models[i].UserID,
			Result:     models[i].Result,
			Suppressed: models[i].Suppressed,
			Failed:     models[i].Failed,
			DurationMS: models[i].DurationMS,
			CreatedAt:  models[i].CreatedAt,
		}
	}
	return entries, nil
}

// ArchiveRepository implements the write-once archive snapshot index.
type ArchiveRepository struct {
	db *gorm.DB
}

// NewArchiveRepository creates an ArchiveRepository.
func NewArchiveRepository(db *gorm.DB) *ArchiveRepository {
	return &ArchiveRepository{db: db}
}

// Create records a new archive snapshot.
func (r *ArchiveRepository) Create(ctx context.Context, a *domain.Archive) error {
	model := ArchiveModel{
		ID:        a.ID,
		UserID:    a.UserID,
		Path:      a.Path,
		TurnCount: a.TurnCount,
		CreatedAt: a.CreatedAt,
	}
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("creating archive record for %s: %w", a.UserID, err)
	}
	return nil
}

// ListByUser returns all archive records for a user, newest first.
func (r *ArchiveRepository) ListByUser(ctx context.Context, userID string) ([]domain.Archive, error) {
	var models []ArchiveModel
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing archives for %s: %w", userID, err)
	}
	archives := make([]domain.Archive, len(models))
	for i := range models {
		archives[i] = domain.Archive{
			ID:        models[i].ID,
			UserID:    models[i].UserID,
			Path:      models[i].Path,
			TurnCount: models[i].TurnCount,
			CreatedAt: models[i].CreatedAt,
		}
	}
	return archives, nil
}
