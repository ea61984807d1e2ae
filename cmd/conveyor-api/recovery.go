package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

type recoverer interface {
	Recover(ctx context.Context) (int, error)
}

// Recovery periodically fails stages abandoned by engines that stopped mid-action. Every API instance runs
// it; only stages past their deadline are touched.
type Recovery struct {
	engine   recoverer
	schedule string
	logger   *slog.Logger
	cron     *cron.Cron
}

func NewRecovery(engine recoverer, schedule string, logger *slog.Logger) *Recovery {
	return &Recovery{engine: engine, schedule: schedule, logger: logger}
}

// Start runs one sweep now and schedules the next ones.
func (r *Recovery) Start(ctx context.Context) error {
	r.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DefaultLogger),
		cron.Recover(cron.DefaultLogger),
	))

	if _, err := r.cron.AddFunc(r.schedule, func() { r.sweep(ctx) }); err != nil {
		return fmt.Errorf("invalid recover schedule %q: %w", r.schedule, err)
	}

	r.sweep(ctx)
	r.cron.Start()

	return nil
}

// Stop halts the scheduler and waits for a running sweep.
func (r *Recovery) Stop() {
	if r.cron == nil {
		return
	}

	<-r.cron.Stop().Done()
}

func (r *Recovery) sweep(ctx context.Context) {
	recovered, err := r.engine.Recover(ctx)
	if err != nil {
		r.logger.ErrorContext(ctx, "Stage recovery failed", "error", err)

		return
	}

	if recovered > 0 {
		r.logger.WarnContext(ctx, "Failed stages abandoned past their deadline", "records", recovered)
	}
}
