// Package main provides the dmflow API server: the webhook receiver and the operator endpoints.
package main

import (
	"log/slog"
	"strconv"

	"github.com/dukex/dmflow/pkg/cmd"
	"github.com/dukex/dmflow/pkg/metrics"
	"github.com/dukex/dmflow/pkg/persistence"
	"github.com/dukex/dmflow/pkg/services"
	"github.com/dukex/dmflow/pkg/web"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
)

// webhook deliveries are small; anything larger is not from the provider.
const bodyLimit = 1 << 20

type WebhookConfig struct {
	AppSecret   string
	VerifyToken string
}

type API struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	pipeline    *cmd.Pipeline
	metrics     *metrics.Metrics
	webhook     WebhookConfig
	validate    *validator.Validate
}

func NewAPI(
	logger *slog.Logger,
	persistence persistence.Persistence,
	pipeline *cmd.Pipeline,
	metrics *metrics.Metrics,
	webhook WebhookConfig,
) *API {
	return &API{
		logger:      logger,
		persistence: persistence,
		pipeline:    pipeline,
		metrics:     metrics,
		webhook:     webhook,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App() *fiber.App {
	handlers := web.NewAPIHandlers(
		services.NewConversations(a.logger, a.persistence),
		services.NewExecutions(a.persistence, a.pipeline.Executor),
		services.NewFlows(a.persistence),
		a.validate,
		a.pipeline.Registry,
	)
	webhook := web.NewWebhookHandlers(a.logger, a.pipeline.Processor, a.webhook.AppSecret, a.webhook.VerifyToken)

	app := fiber.New(fiber.Config{BodyLimit: bodyLimit})
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("dmflow API")
	})

	app.Get("/webhook", webhook.Verify)
	app.Post("/webhook", webhook.Receive)

	c := app.Group("/conversations")
	c.Get("/:id", handlers.GetConversation)
	c.Post("/:id/messages", handlers.SendMessage)

	e := app.Group("/executions")
	e.Get("/:id", handlers.GetExecution)
	e.Post("/:id/cancel", handlers.CancelExecution)

	f := app.Group("/flows")
	f.Post("/", handlers.CreateFlow)
	f.Get("/:id", handlers.GetFlow)
	f.Post("/:id/publish", handlers.PublishFlow)
	f.Post("/:id/unpublish", handlers.UnpublishFlow)

	app.Post("/triggers", handlers.CreateTrigger)

	app.Get("/health", handlers.HealthCheck)
	app.Get("/metrics", cmd.MetricsHandler(a.metrics))

	return app
}

func (a *API) Start(port int) error {
	app := a.App()

	err := app.Listen(":" + strconv.Itoa(port))

	return err
}
