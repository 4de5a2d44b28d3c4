package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/wachira/msaidizi/internal/domain"
)

// ContextRepository implements per-user context persistence.
type ContextRepository struct {
	db *gorm.DB
}

// NewContextRepository creates a ContextRepository.
func NewContextRepository(db *gorm.DB) *ContextRepository {
	return &ContextRepository{db: db}
}

// Get retrieves a user context, or nil when none exists yet.
func (r *ContextRepository) Get(ctx context.Context, userID string) (*domain.UserContext, error) {
	var model UserContextModel
	err := r.db.WithContext(ctx).First(&model, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting user context %s: %w", userID, err)
	}
	return toContextDomain(&model), nil
}

// Create persists a brand-new user context.
func (r *ContextRepository) Create(ctx context.Context, uc *domain.UserContext) error {
	model := toContextModel(uc)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("creating user context %s: %w", uc.UserID, err)
	}
	return nil
}

// Save persists all mutable fields of an existing context.
func (r *ContextRepository) Save(ctx context.Context, uc *domain.UserContext) error {
	model := toContextModel(uc)
	if err := r.db.WithContext(ctx).Save(&model).Error; err != nil {
		return fmt.Errorf("saving user context %s: %w", uc.UserID, err)
	}
	return nil
}

// SetHeartbeat enables or disables heartbeats for a user. A zero interval
// keeps the configured default.
func (r *ContextRepository) SetHeartbeat(ctx context.Context, userID string, enabled bool, interval time.Duration) error {
	updates := map[string]any{
		"heartbeat_enabled":    enabled,
		"heartbeat_interval_s": int64(interval.Seconds()),
	}
	result := r.db.WithContext(ctx).
		Model(&UserContextModel{}).
		Where("user_id = ?", userID).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("setting heartbeat for %s: %w", userID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("user context %s not found", userID)
	}
	return nil
}

// TouchHeartbeat records the completion time of a heartbeat run.
func (r *ContextRepository) TouchHeartbeat(ctx context.Context, userID string, at time.Time) error {
	if err := r.db.WithContext(ctx).
		Model(&UserContextModel{}).
		Where("user_id = ?", userID).
		Update("last_heartbeat", at.UTC()).Error; err != nil {
		return fmt.Errorf("touching heartbeat for %s: %w", userID, err)
	}
	return nil
}

// DueHeartbeats returns contexts with heartbeats enabled whose last run is
// older than their interval (or the fallback for users without one), plus
// users that have never run.
func (r *ContextRepository) DueHeartbeats(ctx context.Context, now time.Time, fallback time.Duration) ([]domain.UserContext, error) {
	var models []UserContextModel
	if err := r.db.WithContext(ctx).
		Where("heartbeat_enabled = ?", true).
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing heartbeat users: %w", err)
	}

	var due []domain.UserContext
	for i := range models {
		uc := toContextDomain(&models[i])
		interval := uc.HeartbeatInterval
		if interval <= 0 {
			interval = fallback
		}
		if uc.LastHeartbeat == nil || now.Sub(*uc.LastHeartbeat) >= interval {
			due = append(due, *uc)
		}
	}
	return due, nil
}

func toContextModel(uc *domain.UserContext) UserContextModel {
	return UserContextModel{
		UserID:               uc.UserID,
		WorkspacePath:        uc.WorkspacePath,
		Instructions:         uc.Instructions,
		HeartbeatEnabled:     uc.HeartbeatEnabled,
		HeartbeatIntervalS:   int64(uc.HeartbeatInterval.Seconds()),
		LastHeartbeat:        uc.LastHeartbeat,
		MessagesSinceArchive: uc.MessagesSinceArchive,
		CreatedAt:            uc.CreatedAt,
		LastActive:           uc.LastActive,
	}
}

func toContextDomain(m *UserContextModel) *domain.UserContext {
	return &domain.UserContext{
		UserID:               m.UserID,
		WorkspacePath:        m.WorkspacePath,
		Instructions:         m.Instructions,
		HeartbeatEnabled:     m.HeartbeatEnabled,
		HeartbeatInterval:    time.Duration(m.HeartbeatIntervalS) * time.Second,
		LastHeartbeat:        m.LastHeartbeat,
		MessagesSinceArchive: m.MessagesSinceArchive,
		CreatedAt:            m.CreatedAt,
		LastActive:           m.LastActive,
	}
}
