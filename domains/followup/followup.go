package followup

import (
	"context"
	"time"
)

// Job lifecycle states.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobSent      JobStatus = "sent"
	JobCancelled JobStatus = "cancelled"
	JobFailed    JobStatus = "failed"
)

// StageOffsets holds the cadence in hours from the last user activity.
// Stage 0 fires one hour after activation; the tail entry (maintenance)
// re-arms every 15 days.
var StageOffsets = []time.Duration{
	1 * time.Hour,
	24 * time.Hour,
	48 * time.Hour,
	96 * time.Hour,
	168 * time.Hour,
	240 * time.Hour,
	336 * time.Hour,
	432 * time.Hour,
	624 * time.Hour,
	864 * time.Hour,
	1104 * time.Hour,
	1344 * time.Hour,
	1584 * time.Hour,
}

const (
	// MaintenanceStage is the recurring 14th element of the cadence.
	MaintenanceStage = 13
	// MaintenanceInterval between recurring maintenance sends.
	MaintenanceInterval = 360 * time.Hour // 15 days
	// MaxAttempts before a failed job is abandoned.
	MaxAttempts = 3
	// DailyCap of follow-ups per user per civil day.
	DailyCap = 1
)

// OffsetFor returns the delay for a stage relative to activation.
func OffsetFor(stage int) time.Duration {
	if stage >= 0 && stage < len(StageOffsets) {
		return StageOffsets[stage]
	}
	return MaintenanceInterval
}

// ContextSnapshot is the serialized subset of the conversation captured at
// activation time and used for template rendering.
type ContextSnapshot struct {
	ProfileType      string    `json:"profile_type,omitempty"`
	EngagementLevel  string    `json:"engagement_level,omitempty"`
	BudgetMentioned  string    `json:"budget_mentioned,omitempty"`
	Products         []string  `json:"products,omitempty"`
	Questions        []string  `json:"questions,omitempty"`
	Objections       []string  `json:"objections,omitempty"`
	InteractionCount int       `json:"interaction_count,omitempty"`
	Source           string    `json:"source,omitempty"`
	LastInteraction  time.Time `json:"last_interaction"`
	TakenAt          time.Time `json:"taken_at"`
}

// Job is a durable timer for one future outbound message.
// At most one pending job may exist per (userId, stage).
type Job struct {
	JobID        string          `json:"job_id"`
	UserID       string          `json:"user_id"`
	Stage        int             `json:"stage"`
	ScheduledFor time.Time       `json:"scheduled_for"`
	Status       JobStatus       `json:"status"`
	Attempts     int             `json:"attempts"`
	Snapshot     ContextSnapshot `json:"snapshot"`
	CreatedAt    time.Time       `json:"created_at"`
	ProcessedAt  *time.Time      `json:"processed_at,omitempty"`
}

// RateLimit tracks the daily follow-up cap per user.
type RateLimit struct {
	UserID     string     `json:"user_id"`
	LastSentAt *time.Time `json:"last_sent_at,omitempty"`
	DailyCount int        `json:"daily_count"`
	ResetDate  string     `json:"reset_date"` // civil date YYYY-MM-DD
}

// BlacklistEntry marks a user as never eligible for follow-ups.
type BlacklistEntry struct {
	UserID  string    `json:"user_id"`
	Reason  string    `json:"reason,omitempty"`
	AddedAt time.Time `json:"added_at"`
}

// HistoryEntry records one sent follow-up and whether the user replied.
type HistoryEntry struct {
	ID          uint       `json:"id"`
	UserID      string     `json:"user_id"`
	Stage       int        `json:"stage"`
	MessageSent string     `json:"message_sent"`
	SentAt      time.Time  `json:"sent_at"`
	Responded   bool       `json:"responded"`
	RespondedAt *time.Time `json:"responded_at,omitempty"`
}

// Repository is the durable surface for the scheduler.
type Repository interface {
	InsertJob(ctx context.Context, job *Job) error
	DueJobs(ctx context.Context, now time.Time, limit int) ([]*Job, error)
	CancelPending(ctx context.Context, userID string) (int, error)
	MarkSent(ctx context.Context, jobID string, at time.Time) error
	MarkFailed(ctx context.Context, jobID string, attempts int, rescheduleFor *time.Time) error
	Reschedule(ctx context.Context, jobID string, at time.Time) error
	PendingForUser(ctx context.Context, userID string) ([]*Job, error)

	IsBlacklisted(ctx context.Context, userID string) (bool, error)
	AddToBlacklist(ctx context.Context, userID, reason string) error
	RemoveFromBlacklist(ctx context.Context, userID string) error

	GetRateLimit(ctx context.Context, userID string) (*RateLimit, error)
	RecordSend(ctx context.Context, userID string, at time.Time, civilDate string) error

	AppendHistory(ctx context.Context, entry *HistoryEntry) error
	MarkResponded(ctx context.Context, userID string, at time.Time) error
	HistoryForUser(ctx context.Context, userID string, limit int) ([]*HistoryEntry, error)

	PurgeOld(ctx context.Context, olderThan time.Time) (int64, error)
}
