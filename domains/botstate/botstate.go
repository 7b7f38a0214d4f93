package botstate

import (
	"context"
	"time"
)

// DefaultTTL is how long a pause holds when the caller does not say.
const DefaultTTL = 24 * time.Hour

// BotState is the per-user paused/active record. Absence of a record, or an
// expired one, means the bot is active for that user.
type BotState struct {
	UserID      string     `json:"user_id"`
	Paused      bool       `json:"paused"`
	Reason      string     `json:"reason,omitempty"`
	SetBy       string     `json:"set_by,omitempty"`
	ForceActive bool       `json:"force_active,omitempty"`
	PausedAt    time.Time  `json:"paused_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the record should be treated as absent.
func (s *BotState) Expired(now time.Time) bool {
	return s.ExpiresAt != nil && s.ExpiresAt.Before(now)
}

// Gate is the pause/resume surface consulted before every dispatch.
type Gate interface {
	IsPaused(ctx context.Context, userID string) bool
	Status(ctx context.Context, userID string) (*BotState, error)
	Pause(ctx context.Context, userID, reason, setBy string, ttl time.Duration) error
	Resume(ctx context.Context, userID string) error
	// ForceActivate clears any paused state and makes the user sticky-active;
	// only an explicit operator resume/pause clears the flag.
	ForceActivate(ctx context.Context, userID string) error
	ResumeAll(ctx context.Context) (int, error)
}
