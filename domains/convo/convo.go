package convo

import (
	"context"
	"time"
)

// Conversation flow state.
type State string

const (
	StateBrowsing   State = "browsing"
	StateSelecting  State = "selecting"
	StatePurchasing State = "purchasing"
	StateEscalated  State = "escalated"
)

// Ring buffer capacities.
const (
	MaxInteractionHistory = 20
	MaxRecentProducts     = 10
)

// Role of an interaction entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Interaction is one turn in the conversation history.
type Interaction struct {
	Role Role      `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// ProductRef records a product that was shown to the user.
type ProductRef struct {
	Name     string    `json:"name"`
	Price    float64   `json:"price,omitempty"`
	ID       string    `json:"id,omitempty"`
	URL      string    `json:"url,omitempty"`
	Category string    `json:"category,omitempty"`
	ShownAt  time.Time `json:"shown_at"`
}

// Profile holds the free-form attributes inferred during the conversation.
type Profile struct {
	Type                      string   `json:"type,omitempty"` // entrepreneur | reseller | retail
	ExperienceLevel           string   `json:"experience_level,omitempty"`
	PrimaryInterest           string   `json:"primary_interest,omitempty"`
	BudgetMentioned           string   `json:"budget_mentioned,omitempty"`
	SpecificProductsMentioned []string `json:"specific_products_mentioned,omitempty"`
	ObjectionsRaised          []string `json:"objections_raised,omitempty"`
	QuestionsAsked            []string `json:"questions_asked,omitempty"`
	EngagementLevel           string   `json:"engagement_level,omitempty"` // low | medium | high
	IsVIP                     bool     `json:"is_vip,omitempty"`
}

// ConversationContext is the per-user persistent conversational state.
// Ring buffers append at tail and drop from head on overflow; order is
// never rewritten.
type ConversationContext struct {
	UserID              string        `json:"user_id"`
	Profile             Profile       `json:"profile"`
	RecentProducts      []ProductRef  `json:"recent_products"`
	InteractionHistory  []Interaction `json:"interaction_history"`
	State               State         `json:"state"`
	InteractionCount    int           `json:"interaction_count"`
	LastQueueID         string        `json:"last_queue_id,omitempty"`
	ConversationStarted time.Time     `json:"conversation_started"`
	LastInteraction     time.Time     `json:"last_interaction"`
}

// NewContext returns a fresh context for an unknown user.
func NewContext(userID string, now time.Time) *ConversationContext {
	return &ConversationContext{
		UserID:              userID,
		State:               StateBrowsing,
		RecentProducts:      []ProductRef{},
		InteractionHistory:  []Interaction{},
		ConversationStarted: now,
		LastInteraction:     now,
	}
}

// AppendInteraction pushes a turn onto the history ring buffer.
func (c *ConversationContext) AppendInteraction(role Role, text string, at time.Time) {
	c.InteractionHistory = append(c.InteractionHistory, Interaction{Role: role, Text: text, At: at})
	if n := len(c.InteractionHistory); n > MaxInteractionHistory {
		c.InteractionHistory = c.InteractionHistory[n-MaxInteractionHistory:]
	}
}

// AppendProduct pushes a product onto the recent-products ring buffer.
func (c *ConversationContext) AppendProduct(p ProductRef) {
	c.RecentProducts = append(c.RecentProducts, p)
	if n := len(c.RecentProducts); n > MaxRecentProducts {
		c.RecentProducts = c.RecentProducts[n-MaxRecentProducts:]
	}
}

// Touch refreshes lastInteraction, keeping the started/seen invariant.
func (c *ConversationContext) Touch(at time.Time) {
	if at.After(c.LastInteraction) {
		c.LastInteraction = at
	}
	if c.ConversationStarted.IsZero() || c.ConversationStarted.After(c.LastInteraction) {
		c.ConversationStarted = c.LastInteraction
	}
}

// Clone returns a deep copy so mutators can work copy-on-write.
func (c *ConversationContext) Clone() *ConversationContext {
	cp := *c
	cp.RecentProducts = append([]ProductRef(nil), c.RecentProducts...)
	cp.InteractionHistory = append([]Interaction(nil), c.InteractionHistory...)
	cp.Profile.SpecificProductsMentioned = append([]string(nil), c.Profile.SpecificProductsMentioned...)
	cp.Profile.ObjectionsRaised = append([]string(nil), c.Profile.ObjectionsRaised...)
	cp.Profile.QuestionsAsked = append([]string(nil), c.Profile.QuestionsAsked...)
	return &cp
}

// Store is the context API consumed by the worker pool and the follow-up
// scheduler. Contexts are mutated only through Update.
type Store interface {
	Get(ctx context.Context, userID string) (*ConversationContext, error)
	Update(ctx context.Context, userID string, mutate func(*ConversationContext)) (*ConversationContext, error)
	Touch(ctx context.Context, userID string) error
}
