// Package openai implements the Agent interface on top of the OpenAI
// chat completions API.
package openai

import (
	"context"
	"fmt"
	"strings"
	"time"

	sdk "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/royalbot/royal-dispatch/domains/convo"
	"github.com/royalbot/royal-dispatch/pkg/faults"
	"github.com/sirupsen/logrus"
)

const defaultSystemPrompt = "Sos el asistente comercial de Royal. Respondé en español, " +
	"de forma breve y cordial, ayudando al cliente con productos y pedidos."

// Agent is the OpenAI-backed reply generator.
type Agent struct {
	client       sdk.Client
	model        string
	systemPrompt string
	timeout      time.Duration
}

func NewAgent(apiKey, model, systemPrompt string, timeout time.Duration) *Agent {
	if model == "" {
		model = "gpt-4o-mini"
	}
	if systemPrompt == "" {
		systemPrompt = defaultSystemPrompt
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Agent{
		client:       sdk.NewClient(option.WithAPIKey(apiKey)),
		model:        model,
		systemPrompt: systemPrompt,
		timeout:      timeout,
	}
}

// InferReply runs one completion over the conversation history plus the
// incoming text. Timeouts and 5xx surface as transient agent failures so
// the queue retries them.
func (a *Agent) InferReply(ctx context.Context, conversation *convo.ConversationContext, text string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	msgs := []sdk.ChatCompletionMessageParamUnion{
		sdk.SystemMessage(a.composeSystemPrompt(conversation)),
	}
	if conversation != nil {
		for _, turn := range conversation.InteractionHistory {
			switch turn.Role {
			case convo.RoleUser:
				msgs = append(msgs, sdk.UserMessage(turn.Text))
			case convo.RoleAssistant:
				msgs = append(msgs, sdk.AssistantMessage(turn.Text))
			}
		}
	}
	msgs = append(msgs, sdk.UserMessage(text))

	completion, err := a.client.Chat.Completions.New(callCtx, sdk.ChatCompletionNewParams{
		Model:    sdk.ChatModel(a.model),
		Messages: msgs,
	})
	if err != nil {
		if callCtx.Err() != nil {
			return "", faults.Wrap(faults.DeadlineExceeded, "agent call timed out", err)
		}
		return "", faults.Wrap(faults.TransientAgent, "completion failed", err)
	}

	if len(completion.Choices) == 0 {
		return "", faults.New(faults.TransientAgent, "completion returned no choices")
	}
	reply := strings.TrimSpace(completion.Choices[0].Message.Content)
	if reply == "" {
		return "", faults.New(faults.TransientAgent, "completion returned empty text")
	}

	logrus.Debugf("[AGENT] reply generated (%d chars)", len(reply))
	return reply, nil
}

// composeSystemPrompt appends what is known about the user so the model
// keeps commercial continuity across sessions.
func (a *Agent) composeSystemPrompt(c *convo.ConversationContext) string {
	if c == nil {
		return a.systemPrompt
	}
	var sb strings.Builder
	sb.WriteString(a.systemPrompt)

	if c.Profile.Type != "" {
		fmt.Fprintf(&sb, "\nPerfil del cliente: %s.", c.Profile.Type)
	}
	if c.Profile.PrimaryInterest != "" {
		fmt.Fprintf(&sb, " Interés principal: %s.", c.Profile.PrimaryInterest)
	}
	if c.Profile.BudgetMentioned != "" {
		fmt.Fprintf(&sb, " Presupuesto mencionado: %s.", c.Profile.BudgetMentioned)
	}
	if len(c.RecentProducts) > 0 {
		names := make([]string, 0, len(c.RecentProducts))
		for _, p := range c.RecentProducts {
			names = append(names, p.Name)
		}
		fmt.Fprintf(&sb, "\nProductos vistos recientemente: %s.", strings.Join(names, ", "))
	}
	return sb.String()
}
