package storage

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/wachira/msaidizi/internal/domain"
)

// TurnRepository implements conversation history persistence.
type TurnRepository struct {
	db *gorm.DB
}

// NewTurnRepository creates a TurnRepository.
func NewTurnRepository(db *gorm.DB) *TurnRepository {
	return &TurnRepository{db: db}
}

// Append persists a completed turn and fills in its assigned ID.
func (r *TurnRepository) Append(ctx context.Context, t *domain.Turn) error {
	model := toTurnModel(t)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("appending turn for %s: %w", t.UserID, err)
	}
	t.ID = model.ID
	return nil
}

// Recent returns the newest n turns for a user in chronological order.
func (r *TurnRepository) Recent(ctx context.Context, userID string, n int) ([]domain.Turn, error) {
	var models []TurnModel
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("id DESC").
		Limit(n).
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing recent turns for %s: %w", userID, err)
	}

	// Reverse: query returns newest-first, callers want oldest-first.
	turns := make([]domain.Turn, len(models))
	for i := range models {
		turns[len(models)-1-i] = *toTurnDomain(&models[i])
	}
	return turns, nil
}

// All returns every turn for a user in chronological order. Used when
// building an archive snapshot.
func (r *TurnRepository) All(ctx context.Context, userID string) ([]domain.Turn, error) {
	var models []TurnModel
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("id ASC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing turns for %s: %w", userID, err)
	}
	turns := make([]domain.Turn, len(models))
	for i := range models {
		turns[i] = *toTurnDomain(&models[i])
	}
	return turns, nil
}

// Count returns the number of stored turns for a user.
func (r *TurnRepository) Count(ctx context.Context, userID string) (int, error) {
	var n int64
	if err := r.db.WithContext(ctx).
		Model(&TurnModel{}).
		Where("user_id = ?", userID).
		Count(&n).Error; err != nil {
		return 0, fmt.Errorf("counting turns for %s: %w", userID, err)
	}
	return int(n), nil
}

// DeleteAllButNewest removes all turns for a user except the newest keep.
func (r *TurnRepository) DeleteAllButNewest(ctx context.Context, userID string, keep int) error {
	sub := r.db.
		Model(&TurnModel{}).
		Select("id").
		Where("user_id = ?", userID).
		Order("id DESC").
		Limit(keep)
	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND id NOT IN (?)", userID, sub).
		Delete(&TurnModel{}).Error; err != nil {
		return fmt.Errorf("trimming turns for %s: %w", userID, err)
	}
	return nil
}

func toTurnModel(t *domain.Turn) TurnModel {
	return TurnModel{
		ID:         t.ID,
		UserID:     t.UserID,
		Message:    t.Message,
		Response:   t.Response,
		ModelUsed:  t.ModelUsed,
		TokensUsed: t.TokensUsed,
		ErrMessage: t.ErrMessage,
		CreatedAt:  t.CreatedAt,
	}
}

func toTurnDomain(m *TurnModel) *domain.Turn {
	return &domain.Turn{
		ID:         m.ID,
		UserID:     m.UserID,
		Message:    m.Message,
		Response:   m.Response,
		ModelUsed:  m.ModelUsed,
		TokensUsed: m.TokensUsed,
		ErrMessage: m.ErrMessage,
		CreatedAt:  m.CreatedAt,
	}
}
