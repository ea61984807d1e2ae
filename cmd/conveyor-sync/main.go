package main

import (
	"context"
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
)

const defaultRetention = 7 * 24 * time.Hour

func main() {
	command := &cli.Command{
		Name:                  "conveyor-sync",
		Usage:                 "Apply GitOps push events to environments",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for persistence (postgres://... or file://path)",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus type (gochannel, kafka)",
				Value:   "kafka",
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
				Name:    "gitops-cache-dir",
				Usage:   "Directory for repository mirrors",
				Value:   os.TempDir() + "/conveyor-git",
				Sources: cli.EnvVars("GITOPS_CACHE_DIR"),
			},
			&cli.DurationFlag{
				Name:    "gitops-retention",
				Usage:   "How long processed pushes are remembered",
				Value:   defaultRetention,
				Sources: cli.EnvVars("GITOPS_RETENTION"),
			},
			&cli.StringFlag{
				Name:    "prune-schedule",
				Usage:   "Cron schedule of the ledger prune",
				Value:   "@hourly",
				Sources: cli.EnvVars("GITOPS_PRUNE_SCHEDULE"),
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
		slog.Error("conveyor-sync failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, command *cli.Command) error {
	log.Setup(command.String("log-level"), command.String("log-format"))

	logger := log.WithModule("sync")

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var tracerShutdown func(context.Context) error

	if command.Bool("tracing") {
		var err error

		if _, tracerShutdown, err = otelhelper.NewTracer(ctx, "conveyor-sync"); err != nil {
			return fmt.Errorf("failed to initialize tracer: %w", err)
		}

		defer func() {
			if err := tracerShutdown(context.Background()); err != nil {
				logger.Error("Failed to shutdown tracer provider", "error", err)
			}
		}()
	}

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

	eventBus, err := cmd.NewEventBus(command.String("event-bus"), kafka.ParseBrokers(command.String("kafka-brokers")),
		"conveyor-sync", logger)
	if err != nil {
		return err
	}

	defer func() {
		if err := eventBus.Close(); err != nil {
			logger.Error("Failed to close event bus", "error", err)
		}
	}()

	source := gitops.NewGitSource(command.String("gitops-cache-dir"), logger)
	applier := gitops.NewManifestApplier(source, persistence.EnvironmentRepository(), logger)
	handler := gitops.NewHandler(persistence, serializer, applier, logger, nil)

	syncer := NewSyncer(handler, eventBus, command.String("prune-schedule"), command.Duration("gitops-retention"), logger)
	if err := syncer.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()

	logger.Info("Shutting down GitOps sync")
	syncer.Stop()

	return nil
}
