package rest

import (
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/royalbot/royal-dispatch/pkg/metrics"
	"github.com/royalbot/royal-dispatch/pkg/msgworker"
	"github.com/royalbot/royal-dispatch/pkg/utils"
	"github.com/royalbot/royal-dispatch/usecase"
)

type Monitoring struct {
	Metrics   *metrics.Metrics
	Events    *metrics.EventRing
	Queue     *usecase.PriorityQueue
	Pool      *msgworker.Pool
	startedAt time.Time
}

func InitRestMonitoring(app fiber.Router, m *metrics.Metrics, events *metrics.EventRing, queue *usecase.PriorityQueue, pool *msgworker.Pool) Monitoring {
	handler := Monitoring{
		Metrics:   m,
		Events:    events,
		Queue:     queue,
		Pool:      pool,
		startedAt: time.Now(),
	}

	app.Get("/metrics", adaptor.HTTPHandler(m.Handler()))

	group := app.Group("/api/monitoring")
	group.Get("/overview", handler.Overview)
	group.Get("/events", handler.RecentEvents)

	app.Get("/api/queue/stats", handler.QueueStats)
	app.Get("/api/workers/stats", handler.WorkerStats)

	return handler
}

func (h *Monitoring) QueueStats(c *fiber.Ctx) error {
	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Queue stats",
		Results: h.Queue.Stats(),
	})
}

func (h *Monitoring) WorkerStats(c *fiber.Ctx) error {
	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Worker pool stats",
		Results: h.Pool.Stats(),
	})
}

// Overview junta en una sola respuesta lo que el dashboard consulta.
func (h *Monitoring) Overview(c *fiber.Ctx) error {
	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Monitoring overview",
		Results: fiber.Map{
			"uptime":  humanize.Time(h.startedAt),
			"queue":   h.Queue.Stats(),
			"workers": h.Pool.Stats(),
		},
	})
}

func (h *Monitoring) RecentEvents(c *fiber.Ctx) error {
	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Recent pipeline events",
		Results: h.Events.Recent(),
	})
}
