package app

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/poolbet/internal/pipeline"
	"github.com/alanyoungcy/poolbet/internal/server"
	"github.com/alanyoungcy/poolbet/internal/server/handler"
	"github.com/alanyoungcy/poolbet/internal/server/ws"
)

// ServerMode serves the HTTP API and WebSocket push.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies, svcs *Services) error {
	a.logger.InfoContext(ctx, "app: starting server mode")
	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps, svcs)
	return g.Wait()
}

// WorkerMode runs the background scheduler only.
func (a *App) WorkerMode(ctx context.Context, deps *Dependencies, svcs *Services) error {
	a.logger.InfoContext(ctx, "app: starting worker mode")
	orch, err := a.buildOrchestrator(deps, svcs)
	if err != nil {
		return fmt.Errorf("worker mode: %w", err)
	}
	return orch.Run(ctx)
}

// FullMode runs the HTTP API and the scheduler in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies, svcs *Services) error {
	a.logger.InfoContext(ctx, "app: starting full mode")
	orch, err := a.buildOrchestrator(deps, svcs)
	if err != nil {
		return fmt.Errorf("full mode: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return orch.Run(ctx) })
	a.startHTTPServer(ctx, g, deps, svcs)
	return g.Wait()
}

// buildOrchestrator registers the scheduled jobs. The archive job is only
// registered when S3 is enabled.
func (a *App) buildOrchestrator(deps *Dependencies, svcs *Services) (*pipeline.Orchestrator, error) {
	sc := a.cfg.Scheduler
	log := a.logger.With(slog.String("component", "pipeline"))

	orch := pipeline.NewOrchestrator(log).
		Every("limit_sweep", sc.LimitSweepInterval.Duration, pipeline.SweepJob(svcs.Conversion, sc.LimitSweepBatch, log)).
		Every("market_close", sc.MarketCloseInterval.Duration, pipeline.CloseJob(svcs.Markets, log))

	if err := orch.Cron("reconciliation", a.cfg.Reconciliation.Cron, pipeline.ReconcileJob(svcs.Reconciliation, log)); err != nil {
		return nil, err
	}
	if deps.Archiver != nil {
		arch := pipeline.NewArchiver(deps.Archiver, sc.ArchiveAfterDays, log)
		if err := orch.Cron("archive", sc.ArchiveCron, arch.Run); err != nil {
			return nil, err
		}
	}
	return orch, nil
}

// startHTTPServer adds the HTTP server, its WebSocket hub and a graceful
// shutdown watcher to g.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, svcs *Services) {
	log := a.logger.With(slog.String("component", "server"))

	hub := ws.NewHub(deps.Bus, log, ws.Config{Mode: a.cfg.Mode, StartedAt: a.startedAt})
	g.Go(func() error { return hub.Run(ctx) })

	handlers := server.Handlers{
		Health:         handler.NewHealthHandler(deps.Store, log),
		Status:         handler.NewStatusHandler(a.cfg.Mode, deps.Storage, a.startedAt),
		Markets:        handler.NewMarketHandler(svcs.Markets, svcs.Pools, svcs.Settlement, log),
		Orders:         handler.NewOrderHandler(svcs.Orders, svcs.Cashout, log),
		Balances:       handler.NewBalanceHandler(svcs.Balances, log),
		Conversions:    handler.NewConversionHandler(svcs.Conversion, log),
		Reconciliation: handler.NewReconciliationHandler(svcs.Reconciliation, log),
		Audit:          handler.NewAuditHandler(deps.Audit, log),
	}
	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		AdminAPIKey: a.cfg.Server.AdminAPIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, handlers, hub, deps.Limiter, log)

	if a.cfg.Server.AdminAPIKey == "" {
		a.logger.WarnContext(ctx, "app: server.admin_api_key is empty, admin API disabled")
	}

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout.Duration)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
