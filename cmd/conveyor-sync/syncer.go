// Package main provides the GitOps sync service: it applies push and environment events from the bus and
// prunes the processed-push ledger on a schedule.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dukex/conveyor/pkg/eventbus"
	"github.com/dukex/conveyor/pkg/gitops"
)

type Syncer struct {
	handler   *gitops.Handler
	eventBus  eventbus.EventSubscriber
	schedule  string
	retention time.Duration
	logger    *slog.Logger
	cron      *cron.Cron
}

func NewSyncer(
	handler *gitops.Handler,
	eventBus eventbus.EventSubscriber,
	schedule string,
	retention time.Duration,
	logger *slog.Logger,
) *Syncer {
	return &Syncer{
		handler:   handler,
		eventBus:  eventBus,
		schedule:  schedule,
		retention: retention,
		logger:    logger,
	}
}

// Start subscribes the handler and schedules ledger pruning. It returns once both are running.
func (s *Syncer) Start(ctx context.Context) error {
	s.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DefaultLogger),
		cron.Recover(cron.DefaultLogger),
	))

	entryID, err := s.cron.AddFunc(s.schedule, func() { s.prune(ctx) })
	if err != nil {
		return fmt.Errorf("invalid prune schedule %q: %w", s.schedule, err)
	}

	if err := s.handler.Register(s.eventBus); err != nil {
		return err
	}

	if err := s.eventBus.Subscribe(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to event bus: %w", err)
	}

	s.cron.Start()
	s.logger.InfoContext(ctx, "GitOps sync started", "prune_schedule", s.schedule, "retention", s.retention,
		"entry_id", entryID)

	return nil
}

// Stop halts the scheduler and waits for a running prune.
func (s *Syncer) Stop() {
	if s.cron == nil {
		return
	}

	<-s.cron.Stop().Done()
}

func (s *Syncer) prune(ctx context.Context) {
	if _, err := s.handler.Prune(ctx, s.retention); err != nil {
		s.logger.ErrorContext(ctx, "Ledger prune failed", "error", err)
	}
}
