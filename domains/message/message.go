package message

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Source identifies the transport a message arrived from.
type Source string

const (
	SourceWhatsApp Source = "whatsapp"
	SourceChatwoot Source = "chatwoot"
	SourceTest     Source = "test"
)

// Priority levels for queue routing. Lower value drains first.
type Priority int

const (
	PriorityUrgent Priority = 0
	PriorityHigh   Priority = 1
	PriorityNormal Priority = 2
	PriorityLow    Priority = 3
)

func (p Priority) String() string {
	switch p {
	case PriorityUrgent:
		return "urgent"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	}
	return "normal"
}

// ParsePriority maps a stored label back to its Priority.
func ParsePriority(s string) Priority {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "urgent":
		return PriorityUrgent
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// InboundMessage is the canonical intake record shared by all transports.
// Instances are treated as immutable after construction.
type InboundMessage struct {
	UserID             string         `json:"user_id"`
	Text               string         `json:"text"`
	Source             Source         `json:"source"`
	TransportMessageID string         `json:"transport_message_id,omitempty"`
	ConversationID     string         `json:"conversation_id,omitempty"`
	ArrivedAt          time.Time      `json:"arrived_at"`
	Metadata           map[string]any `json:"metadata,omitempty"`
}

// Hash returns the dedup key sha256(userId + ":" + text) in hex.
func (m InboundMessage) Hash() string {
	sum := sha256.Sum256([]byte(m.UserID + ":" + m.Text))
	return hex.EncodeToString(sum[:])
}

// IsEmpty reports whether the message should be dropped at intake.
func (m InboundMessage) IsEmpty() bool {
	return strings.TrimSpace(m.UserID) == "" || strings.TrimSpace(m.Text) == ""
}

// Status is the queue lifecycle state of an item.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusDeadLetter Status = "dead_letter"
)

// MaxAttempts before an item is parked in dead_letter.
const MaxAttempts = 3

// QueuedItem wraps an InboundMessage (possibly coalesced) for queue transit.
type QueuedItem struct {
	QueueID     string         `json:"queue_id"`
	UserID      string         `json:"user_id"`
	Message     InboundMessage `json:"message"`
	Priority    Priority       `json:"priority"`
	Status      Status         `json:"status"`
	Attempts    int            `json:"attempts"`
	WorkerID    string         `json:"worker_id,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	ScheduledAt time.Time      `json:"scheduled_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	LastError   string         `json:"last_error,omitempty"`
}

// Backoff returns the retry delay for a given attempt count
// (2^attempts x 500ms, capped at 30s).
func Backoff(attempts int) time.Duration {
	d := 500 * time.Millisecond
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= 30*time.Second {
			return 30 * time.Second
		}
	}
	return d
}

// urgencyKeywords promote a message to HIGH priority.
var urgencyKeywords = []string{
	"urgente", "urgent", "problema", "reclamo", "queja", "error", "ayuda ya",
}

// ClassifyPriority assigns a Priority from content and user standing.
// VIP users always jump to URGENT; supervisory bulk automation goes LOW.
func ClassifyPriority(text string, vip bool, bulk bool) Priority {
	if vip {
		return PriorityUrgent
	}
	if bulk {
		return PriorityLow
	}
	lower := strings.ToLower(text)
	for _, kw := range urgencyKeywords {
		if strings.Contains(lower, kw) {
			return PriorityHigh
		}
	}
	return PriorityNormal
}
