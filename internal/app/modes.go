package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/p2pmarket/internal/metrics"
	"github.com/alanyoungcy/p2pmarket/internal/server"
	"github.com/alanyoungcy/p2pmarket/internal/server/handler"
	"github.com/alanyoungcy/p2pmarket/internal/server/ws"
	"github.com/alanyoungcy/p2pmarket/internal/service"
)

// services holds the long-lived service objects shared by every mode.
type services struct {
	events      *service.Publisher
	reconciler  *service.Reconciler
	coordinator *service.Coordinator // nil when the ledger is read-only
	tracker     *service.OperationTracker
	sweeper     *service.Sweeper
}

func (a *App) buildServices(ctx context.Context, deps *Dependencies) *services {
	events := service.NewPublisher(deps.SignalBus, a.logger)

	ropts := []service.ReconcilerOption{
		service.WithCompletionMarker(deps.Tombstones),
		service.WithReconcilerAudit(deps.Audit),
		service.WithReconcilerEvents(events),
		service.WithMaxConcurrency(a.cfg.Reconcile.MaxConcurrency),
		service.WithCacheRefreshTimeout(a.cfg.Reconcile.CacheRefreshTimeout.Duration),
		service.WithCleanupObserver(a.cleanupAlert(deps)),
	}
	if deps.Archiver != nil {
		ropts = append(ropts, service.WithArchiver(deps.Archiver))
	}
	reconciler := service.NewReconciler(deps.Catalog, deps.Ledger, a.logger, ropts...)

	var coordinator *service.Coordinator
	if len(deps.Signers) > 0 {
		copts := []service.CoordinatorOption{
			service.WithListingFee(a.cfg.ListingFeeDecimal()),
			service.WithCoordinatorAudit(deps.Audit),
			service.WithAlerter(deps.Notifier),
			service.WithCoordinatorEvents(events),
		}
		if deps.LockManager != nil {
			copts = append(copts, service.WithDistributedLocks(deps.LockManager, a.cfg.Reconcile.LockTTL.Duration))
		}
		coordinator = service.NewCoordinator(deps.Signers, deps.Resolver, deps.Catalog, reconciler, a.logger, copts...)
	}

	// Operations outlive request and shutdown cancellation so that a
	// submitted transaction is always followed through to the catalog.
	tracker := service.NewOperationTracker(context.WithoutCancel(ctx), events, a.logger)
	sweeper := service.NewSweeper(deps.Catalog, reconciler, coordinator, a.cfg.Sweeper.Interval.Duration, a.logger)

	return &services{
		events:      events,
		reconciler:  reconciler,
		coordinator: coordinator,
		tracker:     tracker,
		sweeper:     sweeper,
	}
}

// cleanupAlert forwards failed catalog cleanups to the notifier.
func (a *App) cleanupAlert(deps *Dependencies) func(service.CleanupReport) {
	return func(rep service.CleanupReport) {
		if rep.Err == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		msg := fmt.Sprintf("listing %d completed on the ledger but its catalog record could not be removed: %v", rep.ListingID, rep.Err)
		if err := deps.Notifier.Notify(ctx, service.AlertCleanupFailed, "Catalog cleanup failed", msg); err != nil {
			a.logger.Warn("cleanup alert failed",
				slog.Int64("listing_id", rep.ListingID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// ServeMode runs the HTTP API without the background sweeper.
func (a *App) ServeMode(ctx context.Context, deps *Dependencies, svc *services) error {
	a.logger.InfoContext(ctx, "starting serve mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps, svc, false)
	return a.wait(g, svc)
}

// SweepMode runs only the terminal-state sweeper.
func (a *App) SweepMode(ctx context.Context, svc *services) error {
	a.logger.InfoContext(ctx, "starting sweep mode",
		slog.Duration("interval", a.cfg.Sweeper.Interval.Duration),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return svc.sweeper.Run(ctx)
	})
	return a.wait(g, svc)
}

// FullMode runs the HTTP API and the sweeper together.
func (a *App) FullMode(ctx context.Context, deps *Dependencies, svc *services) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)
	sweeping := a.cfg.Sweeper.Enabled
	if sweeping {
		g.Go(func() error {
			return svc.sweeper.Run(ctx)
		})
	}
	a.startHTTPServer(ctx, g, deps, svc, sweeping)
	return a.wait(g, svc)
}

// wait blocks on the group, then drains background writes and cache
// refreshes that were started before shutdown.
func (a *App) wait(g *errgroup.Group, svc *services) error {
	err := g.Wait()
	a.logger.Info("waiting for in-flight operations")
	svc.tracker.Wait()
	svc.reconciler.Wait()
	return err
}

// startHTTPServer adds the HTTP server, and the WebSocket hub when a signal
// bus is configured, to the given errgroup. The server is shut down
// gracefully when the context is cancelled. withSweeper wires
// POST /api/sweep/trigger to the running sweeper.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, svc *services, withSweeper bool) {
	if !a.cfg.Server.Enabled {
		a.logger.InfoContext(ctx, "HTTP server disabled")
		return
	}

	registry := prometheus.NewRegistry()
	metrics.Register(registry)

	var (
		writer   handler.ListingWriter
		repairer handler.CatalogRepairer
		pending  func() int
	)
	if svc.coordinator != nil {
		writer = svc.coordinator
		repairer = svc.coordinator
		pending = func() int { return len(svc.coordinator.PendingCatalogWrites()) }
	}

	sweepH := handler.NewSweepHandler(a.logger)
	if withSweeper {
		sweepH.WithTriggerChannel(svc.sweeper.Trigger())
	}

	status := handler.NewStatusHandler(a.cfg.Mode, svc.coordinator == nil, deps.SignerAccounts(), pending)
	handlers := server.Handlers{
		Health:     handler.NewHealthHandler(deps.HealthChecks, a.logger),
		Status:     status,
		Listings:   handler.NewListingHandler(svc.reconciler, writer, svc.tracker, a.logger),
		Operations: handler.NewOperationHandler(svc.tracker, a.logger),
		Catalog:    handler.NewCatalogHandler(repairer, deps.Audit, a.logger),
		Sweep:      sweepH,
		Archive:    handler.NewArchiveHandler(deps.ArchiveReader, a.logger),
		Metrics:    metrics.Handler(registry),
	}

	var hub *ws.Hub
	if deps.SignalBus != nil {
		hub = ws.NewHub(deps.SignalBus, a.logger, ws.Config{
			Mode:           a.cfg.Mode,
			StartedAt:      time.Now().UTC(),
			AllowedOrigins: a.cfg.Server.CORSOrigins,
		})
		status.WSClients = hub.ClientCount
		g.Go(func() error {
			return hub.Run(ctx)
		})
	}

	srv := server.NewServer(server.Config{
		Port:            a.cfg.Server.Port,
		CORSOrigins:     a.cfg.Server.CORSOrigins,
		APIKey:          a.cfg.Server.APIKey,
		RateLimit:       a.cfg.Server.RateLimit,
		RateLimitWindow: a.cfg.Server.RateLimitEvery.Duration,
	}, handlers, hub, deps.RateLimiter, a.logger)

	g.Go(func() error {
		a.logger.InfoContext(ctx, "HTTP server listening",
			slog.Int("port", a.cfg.Server.Port),
			slog.String("url", fmt.Sprintf("http://localhost:%d", a.cfg.Server.Port)),
		)
		return srv.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
