// Package main provides the Conveyor API server.
package main

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"

	"github.com/dukex/conveyor/pkg/eventbus"
	"github.com/dukex/conveyor/pkg/pipeline"
	"github.com/dukex/conveyor/pkg/services"
	"github.com/dukex/conveyor/pkg/web"
)

type API struct {
	logger   *slog.Logger
	graphs   *services.Graphs
	engine   *pipeline.Engine
	eventBus eventbus.EventPublisher
	validate *validator.Validate
	app      *fiber.App
}

func NewAPI(
	logger *slog.Logger,
	graphs *services.Graphs,
	engine *pipeline.Engine,
	eventBus eventbus.EventPublisher,
) *API {
	return &API{
		logger:   logger,
		graphs:   graphs,
		engine:   engine,
		eventBus: eventBus,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App() *fiber.App {
	if a.app != nil {
		return a.app
	}

	handlers := web.NewAPIHandlers(a.graphs, a.engine, a.eventBus, a.validate)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Conveyor API")
	})

	handlers.Routes(app)

	a.app = app

	return app
}

func (a *API) Start(port int) error {
	return a.App().Listen(":" + strconv.Itoa(port))
}

func (a *API) Shutdown(ctx context.Context) error {
	if a.app == nil {
		return nil
	}

	return a.app.ShutdownWithContext(ctx)
}
