package rest

import (
	"github.com/gofiber/fiber/v2"
	"github.com/royalbot/royal-dispatch/pkg/utils"
	followupUsecase "github.com/royalbot/royal-dispatch/usecase/followup"
)

type FollowUp struct {
	Scheduler *followupUsecase.Scheduler
}

func InitRestFollowUp(app fiber.Router, scheduler *followupUsecase.Scheduler) FollowUp {
	handler := FollowUp{Scheduler: scheduler}

	group := app.Group("/followup")
	group.Post("/activate", handler.Activate)
	group.Post("/deactivate", handler.Deactivate)
	group.Post("/activate/:userId", handler.ActivateUser)
	group.Post("/deactivate/:userId", handler.DeactivateUser)
	group.Get("/status", handler.EngineStatus)
	group.Get("/status/:userId", handler.UserStatus)
	group.Post("/blacklist/:userId", handler.Blacklist)
	group.Delete("/blacklist/:userId", handler.Unblacklist)

	return handler
}

func (h *FollowUp) Activate(c *fiber.Ctx) error {
	h.Scheduler.Activate()
	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Follow-up engine activated",
	})
}

func (h *FollowUp) Deactivate(c *fiber.Ctx) error {
	h.Scheduler.Deactivate()
	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Follow-up engine deactivated",
	})
}

// ActivateUser rehabilita el seguimiento de un usuario: lo saca de la
// blacklist y re-arma la cadena desde la etapa 0.
func (h *FollowUp) ActivateUser(c *fiber.Ctx) error {
	if err := h.Scheduler.ActivateUser(c.UserContext(), c.Params("userId")); err != nil {
		return c.Status(500).JSON(utils.ResponseData{
			Status:  500,
			Code:    "INTERNAL_SERVER_ERROR",
			Message: err.Error(),
		})
	}
	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Follow-ups activated for user",
	})
}

// DeactivateUser corta el seguimiento de un usuario: cancela los jobs
// pendientes y lo deja en blacklist.
func (h *FollowUp) DeactivateUser(c *fiber.Ctx) error {
	var req BlacklistRequest
	_ = c.BodyParser(&req)

	if err := h.Scheduler.DeactivateUser(c.UserContext(), c.Params("userId"), req.Reason); err != nil {
		return c.Status(500).JSON(utils.ResponseData{
			Status:  500,
			Code:    "INTERNAL_SERVER_ERROR",
			Message: err.Error(),
		})
	}
	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Follow-ups deactivated for user",
	})
}

func (h *FollowUp) EngineStatus(c *fiber.Ctx) error {
	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Follow-up engine status",
		Results: h.Scheduler.EngineStatus(),
	})
}

func (h *FollowUp) UserStatus(c *fiber.Ctx) error {
	status, err := h.Scheduler.UserStatus(c.UserContext(), c.Params("userId"))
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
		Message: "Follow-up status retrieved",
		Results: status,
	})
}

func (h *FollowUp) Blacklist(c *fiber.Ctx) error {
	var req BlacklistRequest
	_ = c.BodyParser(&req)

	if err := h.Scheduler.Blacklist(c.UserContext(), c.Params("userId"), req.Reason); err != nil {
		return c.Status(500).JSON(utils.ResponseData{
			Status:  500,
			Code:    "INTERNAL_SERVER_ERROR",
			Message: err.Error(),
		})
	}
	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "User blacklisted from follow-ups",
	})
}

func (h *FollowUp) Unblacklist(c *fiber.Ctx) error {
	if err := h.Scheduler.Unblacklist(c.UserContext(), c.Params("userId")); err != nil {
		return c.Status(500).JSON(utils.ResponseData{
			Status:  500,
			Code:    "INTERNAL_SERVER_ERROR",
			Message: err.Error(),
		})
	}
	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "User removed from follow-up blacklist",
	})
}
