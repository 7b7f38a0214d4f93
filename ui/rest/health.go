package rest

import (
	"github.com/gofiber/fiber/v2"
	"github.com/royalbot/royal-dispatch/domains/health"
	"github.com/royalbot/royal-dispatch/pkg/utils"
)

type Health struct {
	Service health.IHealthUsecase
}

func InitRestHealth(app fiber.Router, service health.IHealthUsecase) Health {
	handler := Health{Service: service}

	app.Get("/health", handler.GetStatus)

	return handler
}

// GetStatus returns 200 while the pipeline is OK or DEGRADED and 503
// when a critical component is down.
func (h *Health) GetStatus(c *fiber.Ctx) error {
	snapshot := h.Service.Check(c.UserContext())

	status := 200
	code := "SUCCESS"
	if !snapshot.Healthy() {
		status = 503
		code = "SERVICE_UNAVAILABLE"
	}
	return c.Status(status).JSON(utils.ResponseData{
		Status:  status,
		Code:    code,
		Message: "Health status retrieved",
		Results: snapshot,
	})
}
