package storage

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// UserContextModel maps to the "user_contexts" table.
type UserContextModel struct {
	UserID               string `gorm:"primaryKey"`
	WorkspacePath        string `gorm:"not null"`
	Instructions         string `gorm:"type:text"`
	HeartbeatEnabled     bool   `gorm:"not null;default:false"`
	HeartbeatIntervalS   int64  `gorm:"not null;default:0"`
	LastHeartbeat        *time.Time
	MessagesSinceArchive int `gorm:"not null;default:0"`
	CreatedAt            time.Time
	LastActive           time.Time `gorm:"index"`
}

func (UserContextModel) TableName() string { return "user_contexts" }

// TurnModel maps to the "turns" table.
type TurnModel struct {
	ID         int64  `gorm:"primaryKey;autoIncrement"`
	UserID     string `gorm:"not null;index:idx_turns_user_created,priority:1"`
	Message    string `gorm:"type:text;not null"`
	Response   string `gorm:"type:text"`
	ModelUsed  string
	TokensUsed int       `gorm:"not null;default:0"`
	ErrMessage string    `gorm:"type:text"`
	CreatedAt  time.Time `gorm:"index:idx_turns_user_created,priority:2"`
}

func (TurnModel) TableName() string { return "turns" }

// ScheduledTaskModel maps to the "scheduled_tasks" table.
type ScheduledTaskModel struct {
	ID          uuid.UUID  `gorm:"type:uuid;primaryKey"`
	UserID      string     `gorm:"not null;index"`
	Expression  string     `gorm:"not null"`
	Prompt      string     `gorm:"type:text;not null"`
	Description string     `gorm:"type:text"`
	Status      string     `gorm:"not null;default:'active'"`
	NextRun     *time.Time `gorm:"index"`
	LastRun     *time.Time
	LastError   string `gorm:"type:text"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
	DeletedAt   gorm.DeletedAt `gorm:"index"`
}

func (ScheduledTaskModel) TableName() string { return "scheduled_tasks" }

// HeartbeatLogModel maps to the "heartbeat_log" table. Append-only.
type HeartbeatLogModel struct {
	ID         int64  `gorm:"primaryKey;autoIncrement"`
	UserID     string `gorm:"not null;index"`
	Result     string `gorm:"type:text"`
	Suppressed bool   `gorm:"not null;default:false"`
	Failed     bool   `gorm:"not null;default:false"`
	DurationMS int64  `gorm:"not null;default:0"`
	CreatedAt  time.Time
}

func (HeartbeatLogModel) TableName() string { return "heartbeat_log" }

// ArchiveModel maps to the "archives" table. Write-once index of
// conversation snapshots on disk.
type ArchiveModel struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID    string    `gorm:"not null;index"`
	Path      string    `gorm:"not null"`
	TurnCount int       `gorm:"not null"`
	CreatedAt time.Time
}

func (ArchiveModel) TableName() string { return "archives" }
