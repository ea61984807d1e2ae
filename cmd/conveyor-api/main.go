package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/dukex/conveyor/pkg/channels/kafka"
	"github.com/dukex/conveyor/pkg/cmd"
	"github.com/dukex/conveyor/pkg/gitops"
	"github.com/dukex/conveyor/pkg/log"
	"github.com/dukex/conveyor/pkg/otelhelper"
	"github.com/dukex/conveyor/pkg/pipeline"
	"github.com/dukex/conveyor/pkg/services"
)

const (
	defaultPort     = 9091
	shutdownTimeout = 30 * time.Second
)

func main() {
	command := &cli.Command{
		Name:                  "conveyor-api",
		Usage:                 "Manage stage graphs and run pipeline records",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for persistence (postgres://... or file://path)",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus type (gochannel, kafka)",
				Value:   "gochannel",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "kafka-brokers",
				Usage:   "Comma separated Kafka brokers",
				Sources: cli.EnvVars("KAFKA_BROKERS"),
			},
			&cli.StringFlag{
				Name:    "keylock-url",
				Usage:   "Serializer backend (memory or redis://...)",
				Value:   "memory",
				Sources: cli.EnvVars("KEYLOCK_URL"),
			},
			&cli.StringFlag{
				Name:    "iam-url",
				Usage:   "Base URL of the identity service",
				Sources: cli.EnvVars("IAM_URL"),
			},
			&cli.StringFlag{
				Name:    "deploy-url",
				Usage:   "Base URL of the deployment service; deploys run dry when empty",
				Sources: cli.EnvVars("DEPLOY_URL"),
			},
			&cli.DurationFlag{
				Name:    "stage-timeout",
				Usage:   "Time limit of one stage action",
				Value:   pipeline.DefaultStageTimeout,
				Sources: cli.EnvVars("STAGE_TIMEOUT"),
			},
			&cli.StringFlag{
				Name:    "gitops-cache-dir",
				Usage:   "Directory for repository mirrors when GitOps sync runs in process",
				Value:   os.TempDir() + "/conveyor-git",
				Sources: cli.EnvVars("GITOPS_CACHE_DIR"),
			},
			&cli.StringFlag{
				Name:    "recover-schedule",
				Usage:   "Cron schedule of the sweep failing stages abandoned past their deadline",
				Value:   "@every 1m",
				Sources: cli.EnvVars("RECOVER_SCHEDULE"),
			},
			&cli.BoolFlag{
				Name:    "tracing",
				Usage:   "Export traces over OTLP/HTTP",
				Sources: cli.EnvVars("TRACING_ENABLED"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
			&cli.StringFlag{
				Name:    "log-format",
				Usage:   "Log format (text, json)",
				Value:   "text",
				Sources: cli.EnvVars("LOG_FORMAT"),
			},
		},
		Action: run,
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		slog.Error("conveyor-api failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, command *cli.Command) error {
	log.Setup(command.String("log-level"), command.String("log-format"))

	logger := log.WithModule("api")

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if command.Bool("tracing") {
		_, shutdown, err := otelhelper.NewTracer(ctx, "conveyor-api")
		if err != nil {
			return fmt.Errorf("failed to initialize tracer: %w", err)
		}

		defer func() {
			if err := shutdown(context.Background()); err != nil {
				logger.Error("Failed to shutdown tracer provider", "error", err)
			}
		}()
	}

	logger.InfoContext(ctx, "Initializing Conveyor API")

	persistence, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
	if err != nil {
		return err
	}

	defer func() {
		if err := persistence.Close(context.Background()); err != nil {
			logger.Error("Failed to close persistence", "error", err)
		}
	}()

	serializer, closeSerializer, err := cmd.NewSerializer(ctx, command.String("keylock-url"), logger)
	if err != nil {
		return err
	}

	defer func() { _ = closeSerializer() }()

	busType := command.String("event-bus")

	eventBus, err := cmd.NewEventBus(busType, kafka.ParseBrokers(command.String("kafka-brokers")), "conveyor-api", logger)
	if err != nil {
		return err
	}

	defer func() {
		if err := eventBus.Close(); err != nil {
			logger.Error("Failed to close event bus", "error", err)
		}
	}()

	directory := cmd.NewDirectory(ctx, command.String("iam-url"), logger)

	engine, err := pipeline.NewEngine(pipeline.Config{
		Persistence:  persistence,
		Serializer:   serializer,
		Deployer:     cmd.NewDeployer(ctx, command.String("deploy-url"), logger),
		Directory:    directory,
		Publisher:    eventBus,
		Logger:       logger,
		StageTimeout: command.Duration("stage-timeout"),
	})
	if err != nil {
		return err
	}

	recovery := NewRecovery(engine, command.String("recover-schedule"), logger)
	if err := recovery.Start(ctx); err != nil {
		return err
	}

	defer recovery.Stop()

	// An in-process bus only reaches subscribers of this process, so the GitOps handler runs here too.
	if busType == "gochannel" || busType == "" {
		source := gitops.NewGitSource(command.String("gitops-cache-dir"), logger)
		applier := gitops.NewManifestApplier(source, persistence.EnvironmentRepository(), logger)
		handler := gitops.NewHandler(persistence, serializer, applier, logger, nil)

		if err := handler.Register(eventBus); err != nil {
			return err
		}

		if err := eventBus.Subscribe(ctx); err != nil {
			return fmt.Errorf("failed to subscribe to event bus: %w", err)
		}
	}

	api := NewAPI(logger, services.NewGraphs(persistence, directory, logger), engine, eventBus)

	errCh := make(chan error, 1)

	go func() {
		errCh <- api.Start(command.Int("port"))
	}()

	select {
	case err = <-errCh:
	case <-ctx.Done():
		logger.Info("Shutting down Conveyor API")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	err = errors.Join(err, api.Shutdown(shutdownCtx), engine.Close(shutdownCtx))

	return err
}
