package app

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/quorumlabs/futarchyd/internal/notify"
	"github.com/quorumlabs/futarchyd/internal/pipeline"
	"github.com/quorumlabs/futarchyd/internal/server"
	"github.com/quorumlabs/futarchyd/internal/server/handler"
	"github.com/quorumlabs/futarchyd/internal/server/ws"
)

// EngineMode runs the decision engine with its HTTP API and the lifecycle
// notification relay. No background observation or archival workers.
func (a *App) EngineMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting engine mode")

	core, cleanup, err := BuildCore(ctx, a.cfg, deps, a.logger)
	if err != nil {
		return fmt.Errorf("engine mode: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	g, ctx := errgroup.WithContext(ctx)
	a.startNotifyRelay(ctx, g, deps)
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, core)
	}
	return g.Wait()
}

// RecorderMode runs only the price observation recorder. Intended for
// replica deployments where a separate process owns the engine.
func (a *App) RecorderMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting recorder mode")

	core, cleanup, err := BuildCore(ctx, a.cfg, deps, a.logger)
	if err != nil {
		return fmt.Errorf("recorder mode: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	recorder := pipeline.NewRecorder(
		core.Engine, core.Venue,
		deps.TwapCache, deps.SignalBus, deps.LockManager,
		core.Clock, a.logger,
	)
	return recorder.RunLoop(ctx, a.cfg.Observer.PokeInterval.Duration)
}

// ArchiveMode runs only the cold-storage archiver on its cron schedule.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting archive mode")

	if deps.Archiver == nil {
		return fmt.Errorf("archive mode: archiver not wired (check archive.enabled and s3 settings)")
	}
	archiver := pipeline.NewArchiver(deps.Archiver, a.cfg.Archive.RetentionDays, a.logger)
	return archiver.RunCron(ctx, a.cfg.Archive.Cron)
}

// ServerMode runs the HTTP API backed by a fresh engine, without the
// notification relay or background workers.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	core, cleanup, err := BuildCore(ctx, a.cfg, deps, a.logger)
	if err != nil {
		return fmt.Errorf("server mode: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps, core)
	return g.Wait()
}

// FullMode runs everything: the engine with its HTTP API, the observation
// recorder, the archiver, and the notification relay.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	core, cleanup, err := BuildCore(ctx, a.cfg, deps, a.logger)
	if err != nil {
		return fmt.Errorf("full mode: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	g, ctx := errgroup.WithContext(ctx)

	var recorder *pipeline.Recorder
	if a.cfg.Observer.Enabled {
		recorder = pipeline.NewRecorder(
			core.Engine, core.Venue,
			deps.TwapCache, deps.SignalBus, deps.LockManager,
			core.Clock, a.logger,
		)
	}
	var archiver *pipeline.Archiver
	if a.cfg.Archive.Enabled && deps.Archiver != nil {
		archiver = pipeline.NewArchiver(deps.Archiver, a.cfg.Archive.RetentionDays, a.logger)
	}
	if recorder != nil || archiver != nil {
		orch := pipeline.NewOrchestrator(
			recorder, archiver,
			a.cfg.Observer.PokeInterval.Duration,
			a.cfg.Archive.Cron,
			a.logger,
		)
		g.Go(func() error {
			return orch.Run(ctx)
		})
	}

	a.startNotifyRelay(ctx, g, deps)
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, core)
	}

	return g.Wait()
}

// startNotifyRelay adds the lifecycle-event notification relay to the group.
func (a *App) startNotifyRelay(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	relay := notify.NewRelay(deps.SignalBus, deps.Notifier, a.logger)
	g.Go(func() error {
		err := relay.Run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		return err
	})
}

// startHTTPServer adds the HTTP server and WebSocket hub goroutines to the
// given errgroup. The server is shut down gracefully when the context is
// cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, core *Core) {
	hub := ws.NewHub(deps.SignalBus, a.logger, ws.Config{
		Mode:      a.cfg.Mode,
		StartedAt: time.Now().UTC(),
	})
	g.Go(func() error {
		return hub.Run(ctx)
	})

	handlers := server.Handlers{
		Health: handler.NewHealthHandler(a.logger),
		Status: handler.NewStatusHandler(a.cfg.Mode, time.Now().UTC()),
	}
	if core != nil {
		handlers.Proposals = handler.NewProposalHandler(core.Engine, a.logger)
		handlers.Claims = handler.NewClaimHandler(core.Engine, deps.TwapCache, a.logger)
	}
	if deps.AuditStore != nil {
		handlers.Audit = handler.NewAuditHandler(deps.AuditStore, a.logger)
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		Limiter:     deps.RateLimiter,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, handlers, hub, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
