package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/alanyoungcy/p2pmarket/internal/domain"
	"github.com/alanyoungcy/p2pmarket/internal/metrics"
)

// SweepResult summarises one sweep pass.
type SweepResult struct {
	Scanned       int
	Active        int
	Removed       int
	RetriedWrites int
	PendingWrites int
}

// Sweeper periodically reconciles every catalog record so completed trades
// are cleaned up even if nobody reads them, and retries catalog writes that
// failed after their ledger write landed.
type Sweeper struct {
	catalog     domain.CatalogStore
	reconciler  *Reconciler
	coordinator *Coordinator
	interval    time.Duration
	trigger     chan struct{}
	logger      *slog.Logger
}

// NewSweeper creates a Sweeper. coordinator may be nil in read-only
// deployments.
func NewSweeper(
	catalog domain.CatalogStore,
	reconciler *Reconciler,
	coordinator *Coordinator,
	interval time.Duration,
	logger *slog.Logger,
) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Sweeper{
		catalog:     catalog,
		reconciler:  reconciler,
		coordinator: coordinator,
		interval:    interval,
		trigger:     make(chan struct{}, 1),
		logger:      logger.With(slog.String("component", "sweeper")),
	}
}

// Trigger returns a channel that requests an extra pass. Sends should not
// block; a pending request already covers the next pass.
func (s *Sweeper) Trigger() chan<- struct{} {
	return s.trigger
}

// Run sweeps once immediately, then on every tick or trigger until ctx ends.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.logger.ErrorContext(ctx, "sweeper: sweep failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-s.trigger:
		}
	}
}

// Sweep runs a single pass.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	start := time.Now()
	defer func() { metrics.SweepDuration.Observe(time.Since(start).Seconds()) }()

	var res SweepResult
	if s.coordinator != nil {
		for _, rec := range s.coordinator.PendingCatalogWrites() {
			if err := s.coordinator.CompleteCatalogWrite(ctx, rec); err != nil {
				s.logger.WarnContext(ctx, "sweeper: catalog write retry failed",
					slog.Int64("listing_id", rec.ListingID),
					slog.String("error", err.Error()),
				)
				res.PendingWrites++
				continue
			}
			res.RetriedWrites++
		}
	}

	recs, err := s.catalog.List(ctx, domain.ListingFilter{Kind: domain.FilterAll})
	if err != nil {
		return res, err
	}
	active, err := s.reconciler.ReconcileAll(ctx, recs)
	if err != nil {
		return res, err
	}
	res.Scanned = len(recs)
	res.Active = len(active)
	res.Removed = res.Scanned - res.Active

	s.logger.InfoContext(ctx, "sweeper: pass complete",
		slog.Int("scanned", res.Scanned),
		slog.Int("active", res.Active),
		slog.Int("removed", res.Removed),
		slog.Int("retried_writes", res.RetriedWrites),
		slog.Duration("took", time.Since(start)),
	)
	return res, nil
}
