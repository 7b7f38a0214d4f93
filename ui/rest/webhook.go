package rest

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/royalbot/royal-dispatch/domains/message"
	"github.com/royalbot/royal-dispatch/integrations/chatwoot"
	"github.com/royalbot/royal-dispatch/pkg/faults"
	"github.com/royalbot/royal-dispatch/pkg/utils"
	"github.com/royalbot/royal-dispatch/usecase"
	"github.com/sirupsen/logrus"
)

type Webhook struct {
	Intake       *usecase.IntakeService
	Supervisor   *usecase.SupervisorService
	Orchestrator *usecase.Orchestrator
}

func InitRestWebhook(app fiber.Router, intake *usecase.IntakeService, supervisor *usecase.SupervisorService, orchestrator *usecase.Orchestrator) Webhook {
	handler := Webhook{Intake: intake, Supervisor: supervisor, Orchestrator: orchestrator}

	app.Post("/webhook/whatsapp", handler.GatewayEvent)
	app.Post("/webhook/chatwoot", handler.ChatwootEvent)
	app.Post("/test/message", handler.TestMessage)

	return handler
}

// GatewayEvent ingests messages.upsert events from the WhatsApp gateway.
// The webhook always answers 200 unless the payload is unparseable: the
// gateway retries on non-2xx and we do our own retries downstream.
func (h *Webhook) GatewayEvent(c *fiber.Ctx) error {
	var payload gatewayWebhook
	if err := c.BodyParser(&payload); err != nil {
		return c.Status(400).JSON(utils.ResponseData{
			Status:  400,
			Code:    "BAD_REQUEST",
			Message: "invalid webhook payload",
		})
	}

	// own outbound messages echo back through the webhook
	if payload.Data.Key.FromMe {
		return h.accepted(c, "ignored own message")
	}

	text := payload.Data.Message.Conversation
	if text == "" {
		text = payload.Data.Message.ExtendedTextMessage.Text
	}

	msg := message.InboundMessage{
		UserID:             normalizeJid(payload.Data.Key.RemoteJid),
		Text:               strings.TrimSpace(text),
		Source:             message.SourceWhatsApp,
		TransportMessageID: payload.Data.Key.ID,
		ArrivedAt:          time.Now(),
	}
	if payload.Data.MessageTimestamp > 0 {
		msg.ArrivedAt = time.Unix(payload.Data.MessageTimestamp, 0)
	}

	busy, err := h.Intake.Ingest(c.UserContext(), msg, c.IP())
	if err != nil {
		return h.ignored(c, err)
	}
	if busy {
		return c.JSON(utils.ResponseData{
			Status:  200,
			Code:    "BUSY",
			Message: usecase.BusyReply,
		})
	}
	return h.accepted(c, "message accepted")
}

// ChatwootEvent routes Chatwoot webhooks: incoming messages join the
// pipeline, private notes and conversation updates go to the supervisor.
func (h *Webhook) ChatwootEvent(c *fiber.Ctx) error {
	event := chatwoot.ParseWebhook(c.Body(), time.Now())

	switch event.Kind {
	case chatwoot.EventIncoming:
		busy, err := h.Intake.Ingest(c.UserContext(), *event.Inbound, c.IP())
		if err != nil {
			return h.ignored(c, err)
		}
		if busy {
			return c.JSON(utils.ResponseData{
				Status:  200,
				Code:    "BUSY",
				Message: usecase.BusyReply,
			})
		}
		return h.accepted(c, "message accepted")

	case chatwoot.EventPrivateNote:
		if err := h.Supervisor.HandlePrivateNote(c.UserContext(), event.Note); err != nil {
			logrus.WithError(err).Warn("[CHATWOOT] private note handling failed")
		}
		return h.accepted(c, "note processed")

	case chatwoot.EventConversationUpdated:
		if err := h.Supervisor.HandleConversationUpdate(c.UserContext(), event.Update); err != nil {
			logrus.WithError(err).Warn("[CHATWOOT] conversation update handling failed")
		}
		return h.accepted(c, "update processed")
	}

	return h.accepted(c, "event ignored: "+event.IgnoreReason)
}

// TestMessage is the synchronous test channel: same pipeline semantics,
// no queue, the reply comes back in the response body.
func (h *Webhook) TestMessage(c *fiber.Ctx) error {
	var req TestMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(utils.ResponseData{
			Status:  400,
			Code:    "BAD_REQUEST",
			Message: "invalid request body",
		})
	}
	msg := message.InboundMessage{
		UserID:    req.UserID,
		Text:      strings.TrimSpace(req.Text),
		Source:    message.SourceTest,
		ArrivedAt: time.Now(),
	}
	if msg.IsEmpty() {
		return c.Status(400).JSON(utils.ResponseData{
			Status:  400,
			Code:    "BAD_REQUEST",
			Message: "user_id and text are required",
		})
	}

	reply, err := h.Orchestrator.ProcessDirect(c.UserContext(), msg)
	if err != nil {
		return h.rejected(c, err)
	}
	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "reply generated",
		Results: fiber.Map{"reply": reply},
	})
}

func (h *Webhook) accepted(c *fiber.Ctx, message string) error {
	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: message,
	})
}

// ignored responde 200 con el motivo del descarte. Los transportes
// reintentan ante non-2xx: un rechazo de admisión (duplicado, rate
// limit, texto vacío) o una caída transitoria del store no deben
// disparar una tormenta de reintentos del gateway.
func (h *Webhook) ignored(c *fiber.Ctx, err error) error {
	code := "IGNORED"
	if fe, ok := err.(*faults.Error); ok {
		code = fe.ErrCode()
	}
	logrus.Debugf("[REST] inbound ignored: %v", err)
	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    code,
		Message: err.Error(),
	})
}

// rejected mapea el error al envelope con su status HTTP; lo usa solo el
// canal de prueba sincrónico, donde el caller sí quiere el 4xx.
func (h *Webhook) rejected(c *fiber.Ctx, err error) error {
	if fe, ok := err.(*faults.Error); ok {
		if fe.Kind == faults.Duplicate {
			return h.accepted(c, "duplicate ignored")
		}
		return c.Status(fe.StatusCode()).JSON(utils.ResponseData{
			Status:  fe.StatusCode(),
			Code:    fe.ErrCode(),
			Message: fe.Error(),
		})
	}
	return c.Status(500).JSON(utils.ResponseData{
		Status:  500,
		Code:    "INTERNAL_SERVER_ERROR",
		Message: err.Error(),
	})
}

// normalizeJid strips the @s.whatsapp.net suffix and anything that is
// not a digit.
func normalizeJid(jid string) string {
	if i := strings.IndexByte(jid, '@'); i >= 0 {
		jid = jid[:i]
	}
	var b strings.Builder
	for _, r := range jid {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
