package rest

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/royalbot/royal-dispatch/domains/botstate"
	"github.com/royalbot/royal-dispatch/pkg/utils"
)

type Bot struct {
	Gate botstate.Gate
}

func InitRestBot(app fiber.Router, gate botstate.Gate) Bot {
	handler := Bot{Gate: gate}

	group := app.Group("/bot")
	group.Get("/status/:userId", handler.GetStatus)
	group.Post("/pause/:userId", handler.Pause)
	group.Post("/resume/:userId", handler.Resume)
	group.Post("/resume-all", handler.ResumeAll)

	return handler
}

func (h *Bot) GetStatus(c *fiber.Ctx) error {
	state, err := h.Gate.Status(c.UserContext(), c.Params("userId"))
	if err != nil {
		return c.Status(500).JSON(utils.ResponseData{
			Status:  500,
			Code:    "INTERNAL_SERVER_ERROR",
			Message: err.Error(),
		})
	}
	if state == nil {
		state = &botstate.BotState{UserID: c.Params("userId"), Paused: false}
	}
	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Bot state retrieved",
		Results: state,
	})
}

func (h *Bot) Pause(c *fiber.Ctx) error {
	reason := c.Query("reason", "operator-command")
	ttl := botstate.DefaultTTL
	if raw := c.Query("ttl"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			return c.Status(400).JSON(utils.ResponseData{
				Status:  400,
				Code:    "BAD_REQUEST",
				Message: "ttl must be a positive duration (e.g. 24h)",
			})
		}
		ttl = parsed
	}

	if err := h.Gate.Pause(c.UserContext(), c.Params("userId"), reason, "operator", ttl); err != nil {
		return c.Status(500).JSON(utils.ResponseData{
			Status:  500,
			Code:    "INTERNAL_SERVER_ERROR",
			Message: err.Error(),
		})
	}
	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Bot paused",
	})
}

func (h *Bot) Resume(c *fiber.Ctx) error {
	if err := h.Gate.Resume(c.UserContext(), c.Params("userId")); err != nil {
		return c.Status(500).JSON(utils.ResponseData{
			Status:  500,
			Code:    "INTERNAL_SERVER_ERROR",
			Message: err.Error(),
		})
	}
	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Bot resumed",
	})
}

func (h *Bot) ResumeAll(c *fiber.Ctx) error {
	n, err := h.Gate.ResumeAll(c.UserContext())
	if err != nil {
		return c.Status(500).JSON(utils.ResponseData{
			Status:  500,
			Code:    "INTERNAL_SERVER_ERROR",
			Message: err.Error(),
		})
	}
	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "All paused bots resumed",
		Results: fiber.Map{"resumed": n},
	})
}
