package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/royalbot/royal-dispatch/domains/botstate"
	"github.com/royalbot/royal-dispatch/integrations/chatwoot"
)

// fakeGate registra las transiciones que pide el supervisor.
type fakeGate struct {
	states map[string]*botstate.BotState

	paused   []string // "user/reason"
	resumed  []string
	forced   []string
	resumeAl int
}

func newFakeGate() *fakeGate {
	return &fakeGate{states: make(map[string]*botstate.BotState)}
}

func (g *fakeGate) IsPaused(_ context.Context, userID string) bool {
	s, ok := g.states[userID]
	return ok && s.Paused
}

func (g *fakeGate) Status(_ context.Context, userID string) (*botstate.BotState, error) {
	return g.states[userID], nil
}

func (g *fakeGate) Pause(_ context.Context, userID, reason, setBy string, _ time.Duration) error {
	g.states[userID] = &botstate.BotState{UserID: userID, Paused: true, Reason: reason, SetBy: setBy}
	g.paused = append(g.paused, userID+"/"+reason)
	return nil
}

func (g *fakeGate) Resume(_ context.Context, userID string) error {
	delete(g.states, userID)
	g.resumed = append(g.resumed, userID)
	return nil
}

func (g *fakeGate) ForceActivate(_ context.Context, userID string) error {
	g.states[userID] = &botstate.BotState{UserID: userID, ForceActive: true}
	g.forced = append(g.forced, userID)
	return nil
}

func (g *fakeGate) ResumeAll(context.Context) (int, error) {
	n := len(g.states)
	g.states = make(map[string]*botstate.BotState)
	g.resumeAl++
	return n, nil
}

// fakeNotifier junta las notas y mensajes de cortesía enviados.
type fakeNotifier struct {
	notes    []string
	messages []string
}

func (n *fakeNotifier) SendMessage(_ context.Context, _ int64, content string) error {
	n.messages = append(n.messages, content)
	return nil
}

func (n *fakeNotifier) SendPrivateNote(_ context.Context, _ int64, content string) error {
	n.notes = append(n.notes, content)
	return nil
}

// Test: la etiqueta bot-paused pausa y bot-active gana sobre todo lo demás.
func TestSupervisor_LabelPriority(t *testing.T) {
	gate := newFakeGate()
	s := NewSupervisorService(gate, nil)

	err := s.HandleConversationUpdate(context.Background(), &chatwoot.ConversationUpdate{
		UserID: "u1",
		Labels: []string{"ventas", "Bot-Paused"},
	})
	require.NoError(t, err)
	assert.True(t, gate.IsPaused(context.Background(), "u1"))

	// bot-active fuerza activo aunque bot-paused siga presente
	err = s.HandleConversationUpdate(context.Background(), &chatwoot.ConversationUpdate{
		UserID: "u1",
		Labels: []string{"bot-paused", "bot-active"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, gate.forced)
	assert.False(t, gate.IsPaused(context.Background(), "u1"))
}

// Test: resolver la conversación pausa; reabrirla solo levanta esa pausa.
func TestSupervisor_ResolvedPausesReopenResumes(t *testing.T) {
	gate := newFakeGate()
	s := NewSupervisorService(gate, nil)

	err := s.HandleConversationUpdate(context.Background(), &chatwoot.ConversationUpdate{
		UserID: "u1", Status: "resolved",
	})
	require.NoError(t, err)
	require.True(t, gate.IsPaused(context.Background(), "u1"))

	err = s.HandleConversationUpdate(context.Background(), &chatwoot.ConversationUpdate{
		UserID: "u1", Status: "open",
	})
	require.NoError(t, err)
	assert.False(t, gate.IsPaused(context.Background(), "u1"))
}

// Test: reabrir NO levanta una pausa puesta por un operador.
func TestSupervisor_ReopenKeepsOperatorPause(t *testing.T) {
	gate := newFakeGate()
	s := NewSupervisorService(gate, nil)

	require.NoError(t, gate.Pause(context.Background(), "u1", "operator-command", "operator", time.Hour))

	err := s.HandleConversationUpdate(context.Background(), &chatwoot.ConversationUpdate{
		UserID: "u1", Status: "open",
	})
	require.NoError(t, err)
	assert.True(t, gate.IsPaused(context.Background(), "u1"), "la pausa manual sobrevive")
}

// Test: asignar un agente humano pausa; desasignarlo levanta solo esa pausa.
func TestSupervisor_AssigneeToggles(t *testing.T) {
	gate := newFakeGate()
	s := NewSupervisorService(gate, nil)

	err := s.HandleConversationUpdate(context.Background(), &chatwoot.ConversationUpdate{
		UserID: "u1", Status: "open", AssigneeSet: true, HasAssignee: true,
	})
	require.NoError(t, err)
	require.True(t, gate.IsPaused(context.Background(), "u1"))
	assert.Contains(t, gate.paused, "u1/agent-assigned")

	err = s.HandleConversationUpdate(context.Background(), &chatwoot.ConversationUpdate{
		UserID: "u1", Status: "open", AssigneeSet: true, HasAssignee: false,
	})
	require.NoError(t, err)
	assert.False(t, gate.IsPaused(context.Background(), "u1"))
}

// Test: comandos de operador en notas privadas.
func TestSupervisor_PrivateNoteCommands(t *testing.T) {
	gate := newFakeGate()
	notifier := &fakeNotifier{}
	s := NewSupervisorService(gate, notifier)

	err := s.HandlePrivateNote(context.Background(), &chatwoot.PrivateNote{
		UserID: "u1", ConversationID: 42, Text: "/bot pause",
	})
	require.NoError(t, err)
	assert.True(t, gate.IsPaused(context.Background(), "u1"))
	require.Len(t, notifier.notes, 1, "confirma con nota privada")
	require.Len(t, notifier.messages, 1, "avisa al usuario con mensaje de cortesía")

	err = s.HandlePrivateNote(context.Background(), &chatwoot.PrivateNote{
		UserID: "u1", ConversationID: 42, Text: "BOT RESUME",
	})
	require.NoError(t, err)
	assert.False(t, gate.IsPaused(context.Background(), "u1"))

	err = s.HandlePrivateNote(context.Background(), &chatwoot.PrivateNote{
		UserID: "u1", ConversationID: 42, Text: "bot status",
	})
	require.NoError(t, err)
	assert.Contains(t, notifier.notes[len(notifier.notes)-1], "activo")
}

// Test: una nota que no es comando se ignora.
func TestSupervisor_IgnoresPlainNotes(t *testing.T) {
	gate := newFakeGate()
	notifier := &fakeNotifier{}
	s := NewSupervisorService(gate, notifier)

	err := s.HandlePrivateNote(context.Background(), &chatwoot.PrivateNote{
		UserID: "u1", ConversationID: 42, Text: "el cliente pidió factura A",
	})
	require.NoError(t, err)
	assert.Empty(t, gate.paused)
	assert.Empty(t, notifier.notes)
}
