package chatwoot

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/royalbot/royal-dispatch/domains/message"
)

// EventKind tags the parsed webhook variant.
type EventKind string

const (
	EventIncoming            EventKind = "incoming-message"
	EventPrivateNote         EventKind = "private-note"
	EventConversationUpdated EventKind = "conversation-updated"
	EventIgnored             EventKind = "ignored"
)

// WebhookEvent is the tagged result of parsing a Chatwoot webhook body.
// Exactly one of the payload pointers is set for non-ignored events.
type WebhookEvent struct {
	Kind         EventKind
	Inbound      *message.InboundMessage
	Note         *PrivateNote
	Update       *ConversationUpdate
	IgnoreReason string
}

// PrivateNote carries an agent-written note attached to a conversation.
type PrivateNote struct {
	UserID         string
	ConversationID int64
	Text           string
}

// ConversationUpdate carries the supervisory attributes of a
// conversation_updated event.
type ConversationUpdate struct {
	UserID         string
	ConversationID int64
	Labels         []string
	Status         string
	AssigneeSet    bool
	HasAssignee    bool
}

// Raw webhook shapes. Chatwoot scatters the same attributes over several
// locations depending on the event and version, so the struct is wide and
// the extraction walks all of them.
type webhookPayload struct {
	Event       string `json:"event"`
	MessageType string `json:"message_type"`
	Private     bool   `json:"private"`
	Content     string `json:"content"`
	ID          int64  `json:"id"`
	Labels      []any  `json:"labels"`
	Status      string `json:"status"`

	Sender struct {
		PhoneNumber string `json:"phone_number"`
		Identifier  string `json:"identifier"`
	} `json:"sender"`

	Conversation struct {
		ID     int64  `json:"id"`
		Status string `json:"status"`
		Labels []any  `json:"labels"`
		Meta   struct {
			Sender struct {
				PhoneNumber string `json:"phone_number"`
				Identifier  string `json:"identifier"`
			} `json:"sender"`
			Assignee *struct {
				ID int64 `json:"id"`
			} `json:"assignee"`
		} `json:"meta"`
		AdditionalAttributes map[string]any `json:"additional_attributes"`
	} `json:"conversation"`

	Meta struct {
		Sender struct {
			PhoneNumber string `json:"phone_number"`
			Identifier  string `json:"identifier"`
		} `json:"sender"`
		Assignee *struct {
			ID int64 `json:"id"`
		} `json:"assignee"`
	} `json:"meta"`

	ChangedAttributes []map[string]struct {
		CurrentValue any `json:"current_value"`
	} `json:"changed_attributes"`

	CachedLabelList string `json:"cached_label_list"`
}

var nonDigits = regexp.MustCompile(`[^0-9]+`)

// normalizeUserID reduces a phone-like identifier to its digits.
func normalizeUserID(candidates ...string) string {
	for _, c := range candidates {
		digits := nonDigits.ReplaceAllString(strings.TrimSpace(c), "")
		if digits != "" {
			return digits
		}
	}
	return ""
}

// ParseWebhook classifies a raw Chatwoot webhook body.
func ParseWebhook(raw []byte, now time.Time) WebhookEvent {
	var p webhookPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return WebhookEvent{Kind: EventIgnored, IgnoreReason: "malformed payload"}
	}

	userID := normalizeUserID(
		p.Sender.PhoneNumber, p.Sender.Identifier,
		p.Conversation.Meta.Sender.PhoneNumber, p.Conversation.Meta.Sender.Identifier,
		p.Meta.Sender.PhoneNumber, p.Meta.Sender.Identifier,
	)

	switch p.Event {
	case "message_created":
		convID := p.Conversation.ID
		text := strings.TrimSpace(p.Content)
		if userID == "" || text == "" {
			return WebhookEvent{Kind: EventIgnored, IgnoreReason: "missing user or text"}
		}
		if p.Private {
			return WebhookEvent{Kind: EventPrivateNote, Note: &PrivateNote{
				UserID:         userID,
				ConversationID: convID,
				Text:           text,
			}}
		}
		if p.MessageType != "incoming" {
			return WebhookEvent{Kind: EventIgnored, IgnoreReason: "not an incoming message"}
		}
		return WebhookEvent{Kind: EventIncoming, Inbound: &message.InboundMessage{
			UserID:             userID,
			Text:               text,
			Source:             message.SourceChatwoot,
			TransportMessageID: int64String(p.ID),
			ConversationID:     int64String(convID),
			ArrivedAt:          now,
		}}

	case "conversation_updated", "conversation_status_changed":
		if userID == "" {
			return WebhookEvent{Kind: EventIgnored, IgnoreReason: "missing user"}
		}
		upd := &ConversationUpdate{
			UserID:         userID,
			ConversationID: firstNonZero(p.Conversation.ID, p.ID),
			Labels:         collectLabels(&p),
			Status:         firstNonEmpty(p.Conversation.Status, p.Status),
		}
		upd.AssigneeSet, upd.HasAssignee = extractAssignee(&p)
		return WebhookEvent{Kind: EventConversationUpdated, Update: upd}
	}

	return WebhookEvent{Kind: EventIgnored, IgnoreReason: "unhandled event " + p.Event}
}

// collectLabels normalizes every location Chatwoot may put labels in to a
// single deduplicated set.
func collectLabels(p *webhookPayload) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(v string) {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" {
			return
		}
		if _, ok := seen[v]; !ok {
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}

	for _, l := range p.Labels {
		add(labelString(l))
	}
	for _, l := range p.Conversation.Labels {
		add(labelString(l))
	}
	for _, part := range strings.Split(p.CachedLabelList, ",") {
		add(part)
	}
	if p.Conversation.AdditionalAttributes != nil {
		if v, ok := p.Conversation.AdditionalAttributes["cached_label_list"].(string); ok {
			for _, part := range strings.Split(v, ",") {
				add(part)
			}
		}
	}
	// changed_attributes delta: [{"label_list": {"current_value": [...]}}]
	for _, chg := range p.ChangedAttributes {
		if cur, ok := chg["label_list"]; ok {
			if list, ok := cur.CurrentValue.([]any); ok {
				for _, l := range list {
					add(labelString(l))
				}
			}
		}
	}
	return out
}

// labelString handles labels emitted either as strings or {title} objects.
func labelString(v any) string {
	switch l := v.(type) {
	case string:
		return l
	case map[string]any:
		if t, ok := l["title"].(string); ok {
			return t
		}
	}
	return ""
}

// extractAssignee returns (whether the event says anything about the
// assignee, whether one is set).
func extractAssignee(p *webhookPayload) (bool, bool) {
	for _, chg := range p.ChangedAttributes {
		if cur, ok := chg["assignee_id"]; ok {
			return true, cur.CurrentValue != nil
		}
	}
	if p.Conversation.Meta.Assignee != nil || p.Meta.Assignee != nil {
		return true, true
	}
	if p.Event == "conversation_updated" {
		// updated events always carry meta; a missing assignee means unassigned
		return true, false
	}
	return false, false
}

func int64String(v int64) string {
	if v == 0 {
		return ""
	}
	return strconv.FormatInt(v, 10)
}

func firstNonZero(vals ...int64) int64 {
	for _, v := range vals {
		if v != 0 {
			return v
		}
	}
	return 0
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
