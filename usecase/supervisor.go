package usecase

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/royalbot/royal-dispatch/domains/botstate"
	"github.com/royalbot/royal-dispatch/integrations/chatwoot"
	"github.com/sirupsen/logrus"
)

// Pause reasons written by the supervisor; Resume only reverses a pause
// carrying the matching reason so a manual pause survives label churn.
const (
	reasonTag      = "tag"
	reasonResolved = "conversation-resolved"
	reasonAssigned = "agent-assigned"
	reasonCommand  = "operator-command"
)

const (
	labelBotPaused = "bot-paused"
	labelBotActive = "bot-active"
)

// noteCommand matches operator commands in private notes: "bot pause",
// "/bot resume", "bot status". Anything else in a note is ignored.
var noteCommand = regexp.MustCompile(`^\s*/?bot\s+(pause|resume|status)\b`)

// ChatwootNotifier is the slice of the Chatwoot client the supervisor
// needs to confirm commands back to operators.
type ChatwootNotifier interface {
	SendMessage(ctx context.Context, conversationID int64, content string) error
	SendPrivateNote(ctx context.Context, conversationID int64, content string) error
}

// SupervisorService translates Chatwoot conversation events (labels,
// status, assignee, private notes) into bot gate transitions.
type SupervisorService struct {
	gate     botstate.Gate
	notifier ChatwootNotifier
}

func NewSupervisorService(gate botstate.Gate, notifier ChatwootNotifier) *SupervisorService {
	return &SupervisorService{gate: gate, notifier: notifier}
}

// HandleConversationUpdate applies the supervisory attributes of a
// conversation_updated event. Signals are evaluated in priority order:
// bot-active overrides everything, then bot-paused, then status, then
// assignee.
func (s *SupervisorService) HandleConversationUpdate(ctx context.Context, upd *chatwoot.ConversationUpdate) error {
	if upd == nil || upd.UserID == "" {
		return nil
	}
	log := logrus.WithField("user", upd.UserID)

	hasActive := hasLabel(upd.Labels, labelBotActive)
	hasPaused := hasLabel(upd.Labels, labelBotPaused)

	switch {
	case hasActive:
		log.Info("[CHATWOOT] bot-active label, forcing bot on")
		return s.gate.ForceActivate(ctx, upd.UserID)

	case hasPaused:
		log.Info("[CHATWOOT] bot-paused label, pausing bot")
		return s.gate.Pause(ctx, upd.UserID, reasonTag, "agent", botstate.DefaultTTL)
	}

	switch upd.Status {
	case "resolved", "closed":
		log.Info("[CHATWOOT] conversation resolved, pausing bot")
		return s.gate.Pause(ctx, upd.UserID, reasonResolved, "system", botstate.DefaultTTL)

	case "open", "pending":
		if err := s.resumeIfReason(ctx, upd.UserID, reasonResolved); err != nil {
			return err
		}
	}

	if upd.AssigneeSet {
		if upd.HasAssignee {
			log.Info("[CHATWOOT] human agent assigned, pausing bot")
			return s.gate.Pause(ctx, upd.UserID, reasonAssigned, "agent", botstate.DefaultTTL)
		}
		return s.resumeIfReason(ctx, upd.UserID, reasonAssigned)
	}
	return nil
}

// resumeIfReason lifts a pause only when its reason matches; pauses set
// by other signals stay.
func (s *SupervisorService) resumeIfReason(ctx context.Context, userID, reason string) error {
	state, err := s.gate.Status(ctx, userID)
	if err != nil {
		return err
	}
	if state == nil || !state.Paused || state.Reason != reason {
		return nil
	}
	logrus.Infof("[CHATWOOT] lifting %q pause for %s", reason, userID)
	return s.gate.Resume(ctx, userID)
}

// HandlePrivateNote interprets operator commands written as private
// notes and confirms each one with another private note.
func (s *SupervisorService) HandlePrivateNote(ctx context.Context, note *chatwoot.PrivateNote) error {
	if note == nil {
		return nil
	}
	match := noteCommand.FindStringSubmatch(strings.ToLower(note.Text))
	if match == nil {
		return nil
	}
	command := match[1]
	logrus.Infof("[CHATWOOT] private note command %q for %s", command, note.UserID)

	switch command {
	case "pause":
		if err := s.gate.Pause(ctx, note.UserID, reasonCommand, "operator", botstate.DefaultTTL); err != nil {
			return err
		}
		s.confirm(ctx, note.ConversationID, "Bot pausado para esta conversación (24h).")
		s.courtesy(ctx, note.ConversationID, "Un asesor va a continuar la conversación.")

	case "resume":
		if err := s.gate.Resume(ctx, note.UserID); err != nil {
			return err
		}
		s.confirm(ctx, note.ConversationID, "Bot reactivado para esta conversación.")

	case "status":
		state, err := s.gate.Status(ctx, note.UserID)
		if err != nil {
			return err
		}
		s.confirm(ctx, note.ConversationID, describeState(state))
	}
	return nil
}

func (s *SupervisorService) confirm(ctx context.Context, conversationID int64, text string) {
	if s.notifier == nil || conversationID == 0 {
		return
	}
	if err := s.notifier.SendPrivateNote(ctx, conversationID, text); err != nil {
		logrus.WithError(err).Warn("[CHATWOOT] failed to send confirmation note")
	}
}

func (s *SupervisorService) courtesy(ctx context.Context, conversationID int64, text string) {
	if s.notifier == nil || conversationID == 0 {
		return
	}
	if err := s.notifier.SendMessage(ctx, conversationID, text); err != nil {
		logrus.WithError(err).Warn("[CHATWOOT] failed to send courtesy message")
	}
}

func describeState(state *botstate.BotState) string {
	if state == nil || !state.Paused {
		if state != nil && state.ForceActive {
			return "Bot: activo (forzado por etiqueta bot-active)."
		}
		return "Bot: activo."
	}
	msg := fmt.Sprintf("Bot: pausado (motivo: %s, por: %s", state.Reason, state.SetBy)
	if state.ExpiresAt != nil {
		msg += fmt.Sprintf(", expira: %s", state.ExpiresAt.Format(time.RFC3339))
	}
	return msg + ")."
}

func hasLabel(labels []string, want string) bool {
	for _, l := range labels {
		if strings.EqualFold(strings.TrimSpace(l), want) {
			return true
		}
	}
	return false
}
