package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Orchestrator manages the background goroutines: the observation recorder
// and the cold-storage archiver.
type Orchestrator struct {
	recorder       *Recorder
	archiver       *Archiver
	recordInterval time.Duration
	archiveCron    string
	logger         *slog.Logger
}

// NewOrchestrator creates a new Orchestrator coordinating the background
// sub-systems.
func NewOrchestrator(
	recorder *Recorder,
	archiver *Archiver,
	recordInterval time.Duration,
	archiveCron string,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		recorder:       recorder,
		archiver:       archiver,
		recordInterval: recordInterval,
		archiveCron:    archiveCron,
		logger:         logger,
	}
}

// Run starts the sub-pipelines as concurrent goroutines using an errgroup.
// Each goroutine respects ctx cancellation. If any goroutine returns a
// non-context error, the errgroup cancels the shared context and Run
// returns that error.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("pipeline orchestrator starting",
		slog.Duration("record_interval", o.recordInterval),
		slog.String("archive_cron", o.archiveCron),
	)

	g, ctx := errgroup.WithContext(ctx)

	if o.recorder != nil {
		g.Go(func() error {
			o.logger.Info("starting recorder loop")
			err := o.recorder.RunLoop(ctx, o.recordInterval)
			if ctx.Err() != nil {
				return nil // clean shutdown
			}
			return fmt.Errorf("recorder: %w", err)
		})
	}

	if o.archiver != nil {
		g.Go(func() error {
			o.logger.Info("starting archiver cron")
			err := o.archiver.RunCron(ctx, o.archiveCron)
			if ctx.Err() != nil {
				return nil // clean shutdown
			}
			return fmt.Errorf("archiver: %w", err)
		})
	}

	err := g.Wait()
	if err != nil {
		o.logger.Error("pipeline orchestrator stopped with error", slog.String("error", err.Error()))
		return err
	}

	o.logger.Info("pipeline orchestrator stopped cleanly")
	return nil
}
