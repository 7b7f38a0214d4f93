package usecase

import (
	"context"
	"strconv"
	"time"

	"github.com/royalbot/royal-dispatch/domains/agent"
	"github.com/royalbot/royal-dispatch/domains/botstate"
	"github.com/royalbot/royal-dispatch/domains/convo"
	"github.com/royalbot/royal-dispatch/domains/message"
	"github.com/royalbot/royal-dispatch/pkg/breaker"
	"github.com/royalbot/royal-dispatch/pkg/faults"
	"github.com/royalbot/royal-dispatch/pkg/metrics"
	"github.com/sirupsen/logrus"
)

// apologyText sale por el transporte original cuando un mensaje agota
// sus reintentos.
const apologyText = "Disculpá, estoy experimentando dificultades técnicas. En breve un asesor te va a responder."

// WhatsAppSender es la porción del cliente del gateway que usa el
// orquestador.
type WhatsAppSender interface {
	SendText(ctx context.Context, number, text string) error
	Configured() bool
}

// ActivitySink recibe la señal de actividad que rearma los follow-ups.
type ActivitySink interface {
	OnUserActivity(ctx context.Context, userID string, conversation *convo.ConversationContext)
}

// Orchestrator es el ciclo del worker: toma un item de la cola, arma el
// contexto, consulta al agente y despacha la respuesta por el transporte
// de origen. También implementa agent.Mediator para el scheduler.
type Orchestrator struct {
	queue    *PriorityQueue
	contexts *ContextStore
	gate     botstate.Gate
	ai       agent.Agent
	breaker  *breaker.Breaker
	gateway  WhatsAppSender
	chatwoot ChatwootNotifier
	activity ActivitySink
	metrics  *metrics.Metrics
	events   *metrics.EventRing
}

func NewOrchestrator(
	queue *PriorityQueue,
	contexts *ContextStore,
	gate botstate.Gate,
	ai agent.Agent,
	brk *breaker.Breaker,
	gateway WhatsAppSender,
	cw ChatwootNotifier,
	m *metrics.Metrics,
) *Orchestrator {
	o := &Orchestrator{
		queue:    queue,
		contexts: contexts,
		gate:     gate,
		ai:       ai,
		breaker:  brk,
		gateway:  gateway,
		chatwoot: cw,
		metrics:  m,
	}
	queue.OnDeadLetter = o.sendApology
	return o
}

// SetActivitySink se llama en el wiring para cerrar el ciclo con el
// scheduler de follow-ups.
func (o *Orchestrator) SetActivitySink(sink ActivitySink) { o.activity = sink }

// SetEventRing habilita el registro de eventos para el dashboard.
func (o *Orchestrator) SetEventRing(ring *metrics.EventRing) { o.events = ring }

func (o *Orchestrator) record(kind, userID, detail string) {
	if o.events != nil {
		o.events.Record(kind, userID, detail)
	}
}

var _ agent.Mediator = (*Orchestrator)(nil)

// WorkerCycle es el Handler que corre cada worker del pool: un lease
// bloqueante y el procesamiento completo del item. Devuelve cuánto tardó
// el procesamiento (el reloj arranca recién cuando el lease entrega un
// item) y si efectivamente procesó un mensaje.
func (o *Orchestrator) WorkerCycle(ctx context.Context, workerID string) (time.Duration, bool) {
	item := o.queue.Lease(ctx, workerID)
	if item == nil {
		return 0, false
	}
	started := time.Now()
	o.processItem(ctx, item)
	return time.Since(started), true
}

func (o *Orchestrator) processItem(ctx context.Context, item *message.QueuedItem) {
	log := logrus.WithFields(logrus.Fields{"user": item.UserID, "queue_id": item.QueueID})

	conversation, err := o.contexts.Get(ctx, item.UserID)
	if err != nil {
		o.queue.Ack(ctx, item.QueueID, false, err)
		return
	}

	// gate: pausado no es error, el mensaje se consume en silencio
	if o.gate.IsPaused(ctx, item.UserID) {
		o.metrics.PausedSkips.Inc()
		log.Debug("[AGENT] bot paused, skipping message")
		o.queue.Ack(ctx, item.QueueID, true, nil)
		return
	}

	if !o.breaker.Allow() {
		o.metrics.BreakerOpenTotal.Inc()
		o.record("breaker_open", item.UserID, "agent circuit open, message deferred")
		o.queue.Ack(ctx, item.QueueID, false, faults.New(faults.CircuitOpen, "agent circuit open"))
		return
	}

	started := time.Now()
	reply, err := o.ai.InferReply(ctx, conversation, item.Message.Text)
	o.metrics.InferLatency.Observe(time.Since(started).Seconds())
	if err != nil {
		o.breaker.Failure()
		o.queue.Ack(ctx, item.QueueID, false, err)
		return
	}
	o.breaker.Success()

	// el guard por LastQueueID hace el append idempotente ante retries
	updated, err := o.contexts.Update(ctx, item.UserID, func(c *convo.ConversationContext) {
		if c.LastQueueID == item.QueueID {
			return
		}
		c.AppendInteraction(convo.RoleUser, item.Message.Text, item.Message.ArrivedAt)
		c.AppendInteraction(convo.RoleAssistant, reply, time.Now())
		c.InteractionCount++
		c.LastQueueID = item.QueueID
	})
	if err != nil {
		o.queue.Ack(ctx, item.QueueID, false, err)
		return
	}

	if err := o.deliver(ctx, item.UserID, reply, string(item.Message.Source), item.Message.ConversationID); err != nil {
		o.queue.Ack(ctx, item.QueueID, false, err)
		return
	}

	o.queue.Ack(ctx, item.QueueID, true, nil)
	log.Debug("[AGENT] reply delivered")

	if o.activity != nil {
		o.activity.OnUserActivity(ctx, item.UserID, updated)
	}
}

// deliver rutea la respuesta por el transporte de origen.
func (o *Orchestrator) deliver(ctx context.Context, userID, text, source, conversationID string) error {
	switch source {
	case string(message.SourceChatwoot):
		convID, err := strconv.ParseInt(conversationID, 10, 64)
		if err != nil || convID == 0 {
			o.metrics.TransportSends.WithLabelValues(source, "error").Inc()
			return faults.New(faults.PermanentTransport, "missing chatwoot conversation id")
		}
		if err := o.chatwoot.SendMessage(ctx, convID, text); err != nil {
			o.metrics.TransportSends.WithLabelValues(source, "error").Inc()
			return err
		}

	case string(message.SourceTest):
		// el canal de prueba no tiene transporte de salida

	default:
		if err := o.gateway.SendText(ctx, userID, text); err != nil {
			o.metrics.TransportSends.WithLabelValues(source, "error").Inc()
			return err
		}
	}
	o.metrics.TransportSends.WithLabelValues(source, "ok").Inc()
	return nil
}

// OnUserActivity implementa agent.Mediator delegando en el scheduler.
func (o *Orchestrator) OnUserActivity(ctx context.Context, userID string, conversation *convo.ConversationContext) {
	if o.activity != nil {
		o.activity.OnUserActivity(ctx, userID, conversation)
	}
}

// Dispatch implementa agent.Mediator: salida directa por transporte,
// usada por los follow-ups (no pasa por la cola). El userId es siempre
// un número de teléfono, así que los follow-ups salen por el gateway
// aunque la conversación original haya entrado por chatwoot.
func (o *Orchestrator) Dispatch(ctx context.Context, userID, text, source string) error {
	if !o.gateway.Configured() {
		return faults.New(faults.PermanentTransport, "whatsapp gateway not configured")
	}
	return o.deliver(ctx, userID, text, string(message.SourceWhatsApp), "")
}

// sendApology avisa al usuario por su transporte original que el mensaje
// no pudo procesarse.
func (o *Orchestrator) sendApology(item *message.QueuedItem) {
	o.record("dead_letter", item.UserID, item.LastError)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.deliver(ctx, item.UserID, apologyText, string(item.Message.Source), item.Message.ConversationID); err != nil {
		logrus.WithError(err).Warnf("[AGENT] failed to deliver apology to %s", item.UserID)
	}
}

// ProcessDirect es el camino sincrónico del canal de prueba: misma
// lógica que el worker pero sin cola ni transporte.
func (o *Orchestrator) ProcessDirect(ctx context.Context, msg message.InboundMessage) (string, error) {
	conversation, err := o.contexts.Get(ctx, msg.UserID)
	if err != nil {
		return "", err
	}
	if o.gate.IsPaused(ctx, msg.UserID) {
		return "", faults.New(faults.Paused, "bot is paused for this user")
	}
	if !o.breaker.Allow() {
		return "", faults.New(faults.CircuitOpen, "agent circuit open")
	}

	started := time.Now()
	reply, err := o.ai.InferReply(ctx, conversation, msg.Text)
	o.metrics.InferLatency.Observe(time.Since(started).Seconds())
	if err != nil {
		o.breaker.Failure()
		return "", err
	}
	o.breaker.Success()

	updated, err := o.contexts.Update(ctx, msg.UserID, func(c *convo.ConversationContext) {
		c.AppendInteraction(convo.RoleUser, msg.Text, msg.ArrivedAt)
		c.AppendInteraction(convo.RoleAssistant, reply, time.Now())
		c.InteractionCount++
	})
	if err != nil {
		return "", err
	}
	if o.activity != nil {
		o.activity.OnUserActivity(ctx, msg.UserID, updated)
	}
	return reply, nil
}
