// Package gitops consumes GitOps push and environment registration events and applies them to environment
// state, one environment at a time.
package gitops

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dukex/conveyor/pkg/eventbus"
	"github.com/dukex/conveyor/pkg/events"
	"github.com/dukex/conveyor/pkg/keylock"
	"github.com/dukex/conveyor/pkg/models"
	"github.com/dukex/conveyor/pkg/otelhelper"
	"github.com/dukex/conveyor/pkg/persistence"
)

// Handler applies inbound GitOps events. Every mutation of an environment runs under its sync key, so two
// pushes to the same environment are applied one after the other in lock-grant order.
type Handler struct {
	environments persistence.EnvironmentRepository
	pushes       persistence.PushRepository
	serializer   keylock.Serializer
	applier      Applier
	validate     *validator.Validate
	logger       *slog.Logger
	tracer       trace.Tracer
}

// NewHandler creates a handler. A nil tracer uses the global provider.
func NewHandler(
	p persistence.Persistence,
	serializer keylock.Serializer,
	applier Applier,
	logger *slog.Logger,
	tracer trace.Tracer,
) *Handler {
	if tracer == nil {
		tracer = otelhelper.Tracer()
	}

	return &Handler{
		environments: p.EnvironmentRepository(),
		pushes:       p.PushRepository(),
		serializer:   serializer,
		applier:      applier,
		validate:     validator.New(validator.WithRequiredStructEnabled()),
		logger:       logger.With("module", "gitops_handler"),
		tracer:       tracer,
	}
}

// HandlePush applies push to every environment tracking its repository and ref. Environments that already
// applied the commit are skipped, which makes redelivery harmless.
func (h *Handler) HandlePush(ctx context.Context, push models.PushEvent) error {
	ctx, span := otelhelper.StartSpan(ctx, h.tracer, "gitops.push",
		attribute.String(otelhelper.RepositoryKey, push.Repository),
		attribute.String(otelhelper.CommitKey, push.Commit))
	defer span.End()

	if err := h.check(pushSchema, push); err != nil {
		otelhelper.SetError(span, err)

		return err
	}

	environments, err := h.environments.FindByRepository(ctx, push.Repository, push.Ref)
	if err != nil {
		otelhelper.SetError(span, err)

		return fmt.Errorf("failed to find environments of %s: %w", push.Repository, err)
	}

	if len(environments) == 0 {
		h.logger.DebugContext(ctx, "No environment tracks push", "repository", push.Repository, "ref", push.Ref)

		return nil
	}

	var errs []error

	for _, environment := range environments {
		if err := h.sync(ctx, environment.ID, push); err != nil {
			h.logger.ErrorContext(ctx, "GitOps sync failed",
				"key", keylock.SyncKey(environment.ID).String(),
				"repository", push.Repository,
				"commit", push.Commit,
				"error", err)

			errs = append(errs, fmt.Errorf("environment %s: %w", environment.ID, err))
		}
	}

	err = errors.Join(errs...)
	otelhelper.SetError(span, err)

	return err
}

func (h *Handler) sync(ctx context.Context, environmentID string, push models.PushEvent) error {
	return h.serializer.RunExclusive(ctx, keylock.SyncKey(environmentID), func(ctx context.Context) error {
		processed, err := h.pushes.IsProcessed(ctx, push.Repository, push.Commit, environmentID)
		if err != nil {
			return fmt.Errorf("failed to check ledger: %w", err)
		}

		if processed {
			h.logger.InfoContext(ctx, "Push already applied", "environment_id", environmentID, "commit", push.Commit)

			return nil
		}

		// Reload under the key; a previous holder may have moved the environment on.
		environment, err := h.environments.GetByID(ctx, environmentID)
		if err != nil {
			return err
		}

		if _, err := h.applier.Apply(ctx, environment, push); err != nil {
			return err
		}

		return h.pushes.MarkProcessed(ctx, &models.ProcessedPush{
			Repository:    push.Repository,
			Commit:        push.Commit,
			EnvironmentID: environmentID,
			ProcessedAt:   time.Now().UTC(),
		})
	})
}

// HandleEnvironmentCreate registers an environment. Registering the same environment again is a no-op;
// a different repository or ref re-points it.
func (h *Handler) HandleEnvironmentCreate(ctx context.Context, req models.EnvironmentCreate) error {
	ctx, span := otelhelper.StartSpan(ctx, h.tracer, "gitops.environment_create",
		attribute.String(otelhelper.EnvironmentIDKey, req.EnvironmentID),
		attribute.String(otelhelper.ProjectIDKey, req.ProjectID))
	defer span.End()

	if err := h.check(environmentCreateSchema, req); err != nil {
		otelhelper.SetError(span, err)

		return err
	}

	err := h.serializer.RunExclusive(ctx, keylock.SyncKey(req.EnvironmentID), func(ctx context.Context) error {
		now := time.Now().UTC()

		environment, err := h.environments.GetByID(ctx, req.EnvironmentID)
		switch {
		case persistence.IsEnvironmentNotFound(err):
			environment = &models.Environment{
				ID:        req.EnvironmentID,
				ProjectID: req.ProjectID,
				CreatedAt: now,
			}
		case err != nil:
			return err
		case environment.ProjectID != req.ProjectID:
			return fmt.Errorf("%w: environment %s belongs to project %s", ErrInvalidEvent, req.EnvironmentID,
				environment.ProjectID)
		case environment.Name == req.Name && environment.Repository == req.Repository && environment.Ref == req.Ref:
			return nil
		}

		environment.Name = req.Name
		environment.Repository = req.Repository
		environment.Ref = req.Ref
		environment.UpdatedAt = now

		if err := h.environments.Save(ctx, environment); err != nil {
			return err
		}

		h.logger.InfoContext(ctx, "Registered environment", "environment_id", environment.ID,
			"repository", environment.Repository, "ref", environment.Ref)

		return nil
	})

	otelhelper.SetError(span, err)

	return err
}

func (h *Handler) check(schema map[string]any, event any) error {
	if err := validateSchema(schema, event); err != nil {
		return err
	}

	if err := h.validate.Struct(event); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}

	return nil
}

// Register subscribes the handler to push and environment events. Failures are logged and the message is
// acknowledged: the ledger is only written after a successful apply, so a redelivered push is retried.
func (h *Handler) Register(bus eventbus.EventSubscriber) error {
	if err := bus.Handle(events.GitOpsPushEvent, func(ctx context.Context, event any) error {
		push, ok := event.(*events.GitOpsPush)
		if !ok {
			return fmt.Errorf("unexpected event %T", event)
		}

		if err := h.HandlePush(ctx, push.Push); err != nil {
			h.logger.ErrorContext(ctx, "Dropping push event", "event_id", push.ID, "commit", push.Push.Commit,
				"error", err)
		}

		return nil
	}); err != nil {
		return err
	}

	return bus.Handle(events.EnvironmentCreateEvent, func(ctx context.Context, event any) error {
		create, ok := event.(*events.EnvironmentCreate)
		if !ok {
			return fmt.Errorf("unexpected event %T", event)
		}

		if err := h.HandleEnvironmentCreate(ctx, create.Environment); err != nil {
			h.logger.ErrorContext(ctx, "Dropping environment event", "event_id", create.ID,
				"environment_id", create.Environment.EnvironmentID, "error", err)
		}

		return nil
	})
}

// Prune removes ledger entries older than retention.
func (h *Handler) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	removed, err := h.pushes.PruneBefore(ctx, time.Now().UTC().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("failed to prune push ledger: %w", err)
	}

	if removed > 0 {
		h.logger.InfoContext(ctx, "Pruned push ledger", "removed", removed, "retention", retention)
	}

	return removed, nil
}
