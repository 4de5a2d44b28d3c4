// Package domain defines cross-cutting entity types used across the system.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// UserContext is the durable per-user state. Created on first contact,
// mutated on every turn and heartbeat, never deleted automatically.
// The context store is the sole mutator.
type UserContext struct {
	UserID            string
	WorkspacePath     string // Owned directory under the configured workspace root.
	Instructions      string // Regenerated projection — never hand-edited.
	HeartbeatEnabled  bool
	HeartbeatInterval time.Duration // Zero = use the configured default.
	LastHeartbeat     *time.Time
	// Messages persisted since the last archive snapshot. Drives archival.
	MessagesSinceArchive int
	CreatedAt            time.Time
	LastActive           time.Time
}

// Turn is a single exchange in a user's conversation history.
// Failed executions are recorded too, with ErrMessage set and Response empty.
type Turn struct {
	ID         int64
	UserID     string
	Message    string
	Response   string
	ModelUsed  string
	TokensUsed int
	ErrMessage string
	CreatedAt  time.Time
}

// ScheduledTask is a cron-style recurring prompt owned by the scheduler.
// NextRun is recomputed deterministically from Expression after every fire,
// relative to the previous NextRun so delayed ticks do not drift the schedule.
type ScheduledTask struct {
	ID          uuid.UUID
	UserID      string
	Expression  string // Standard 5-field cron (minute hour dom month dow).
	Prompt      string
	Description string
	Status      string // "active" or "disabled".
	NextRun     *time.Time
	LastRun     *time.Time
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Task status values.
const (
	TaskActive   = "active"
	TaskDisabled = "disabled"
)

// HeartbeatLogEntry is an append-only record of a heartbeat execution.
// Never updated or deleted.
type HeartbeatLogEntry struct {
	ID         int64
	UserID     string
	Result     string // Full response text, or the error message on failure.
	Suppressed bool   // True when the sentinel said nothing was actionable.
	Failed     bool
	DurationMS int64
	CreatedAt  time.Time
}

// Archive is the write-once index entry for an immutable conversation
// snapshot stored in the user's workspace archive directory.
type Archive struct {
	ID        uuid.UUID
	UserID    string
	Path      string // Snapshot file path, relative to the user workspace.
	TurnCount int
	CreatedAt time.Time
}

// NewID generates a new random UUID.
func NewID() uuid.UUID {
	return uuid.New()
}
