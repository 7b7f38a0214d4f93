package cmd

import (
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/royalbot/royal-dispatch/core/config"
	"github.com/royalbot/royal-dispatch/ui/rest"
	"github.com/royalbot/royal-dispatch/ui/rest/middleware"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var restCmd = &cobra.Command{
	Use:   "rest",
	Short: "Run the dispatcher HTTP server",
	Run:   restServer,
}

func init() {
	rootCmd.AddCommand(restCmd)
}

func restServer(_ *cobra.Command, _ []string) {
	cfg := config.Global

	app := fiber.New(fiber.Config{
		Network:               "tcp",
		AppName:               "Royal Dispatch",
		DisableStartupMessage: false,
		ServerHeader:          "Hidden",
	})

	app.Use(requestid.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: strings.Join(cfg.App.CorsAllowedOrigins, ", "),
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID",
	}))
	app.Use(middleware.Recovery())
	app.Use(limiter.New(limiter.Config{
		Max:        1000,
		Expiration: 1 * time.Minute,
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP()
		},
	}))

	if cfg.App.Debug {
		app.Use(logger.New())
	}

	rest.InitRestWebhook(app, intake, supervisor, orchestrator)
	rest.InitRestBot(app, botGate)
	rest.InitRestFollowUp(app, scheduler)
	rest.InitRestHealth(app, healthCheck)
	rest.InitRestMonitoring(app, appMetrics, eventRing, msgQueue, workerPool)

	startPipeline(cfg)

	go func() {
		if err := app.Listen(":" + cfg.App.Port); err != nil {
			logrus.Fatalf("[REST] server stopped: %v", err)
		}
	}()
	logrus.Infof("[REST] listening on :%s", cfg.App.Port)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logrus.Info("[REST] shutting down...")
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		logrus.Warnf("[REST] forced shutdown: %v", err)
	}
	stopPipeline()
}
