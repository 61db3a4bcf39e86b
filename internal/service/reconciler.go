package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/p2pmarket/internal/domain"
	"github.com/alanyoungcy/p2pmarket/internal/metrics"
)

const (
	defaultMaxConcurrency      = 8
	defaultCacheRefreshTimeout = 5 * time.Second
)

// CleanupReport describes one terminal-state cleanup attempt. Err is nil
// when the catalog record was removed.
type CleanupReport struct {
	ListingID int64
	Err       error
}

// Reconciler merges ledger truth over catalog records and removes completed
// listings from the catalog.
type Reconciler struct {
	catalog    domain.CatalogStore
	ledger     domain.LedgerReader
	tombstones domain.CompletionMarker
	archiver   domain.ListingArchiver
	audit      domain.AuditStore
	events     *Publisher
	onCleanup  func(CleanupReport)
	logger     *slog.Logger

	maxConcurrency      int
	cacheRefreshTimeout time.Duration

	refreshes sync.WaitGroup
	now       func() time.Time
}

// ReconcilerOption configures optional collaborators.
type ReconcilerOption func(*Reconciler)

// WithCompletionMarker records completed ids so they stay hidden even while
// the ledger is unreachable and the catalog delete has not yet succeeded.
func WithCompletionMarker(m domain.CompletionMarker) ReconcilerOption {
	return func(r *Reconciler) { r.tombstones = m }
}

// WithArchiver snapshots completed listings before their record is deleted.
func WithArchiver(a domain.ListingArchiver) ReconcilerOption {
	return func(r *Reconciler) { r.archiver = a }
}

// WithReconcilerAudit records cleanups in the audit log.
func WithReconcilerAudit(a domain.AuditStore) ReconcilerOption {
	return func(r *Reconciler) { r.audit = a }
}

// WithReconcilerEvents publishes listing.completed events.
func WithReconcilerEvents(p *Publisher) ReconcilerOption {
	return func(r *Reconciler) { r.events = p }
}

// WithCleanupObserver receives every cleanup outcome.
func WithCleanupObserver(fn func(CleanupReport)) ReconcilerOption {
	return func(r *Reconciler) { r.onCleanup = fn }
}

// WithMaxConcurrency bounds the ledger fan-out of collection queries.
func WithMaxConcurrency(n int) ReconcilerOption {
	return func(r *Reconciler) {
		if n > 0 {
			r.maxConcurrency = n
		}
	}
}

// WithCacheRefreshTimeout bounds each background cache write.
func WithCacheRefreshTimeout(d time.Duration) ReconcilerOption {
	return func(r *Reconciler) {
		if d > 0 {
			r.cacheRefreshTimeout = d
		}
	}
}

// NewReconciler creates a Reconciler over the two stores.
func NewReconciler(catalog domain.CatalogStore, ledger domain.LedgerReader, logger *slog.Logger, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		catalog:             catalog,
		ledger:              ledger,
		logger:              logger,
		maxConcurrency:      defaultMaxConcurrency,
		cacheRefreshTimeout: defaultCacheRefreshTimeout,
		now:                 func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GetListing returns the merged view of one listing, or domain.ErrNotFound
// when it is absent from the catalog or completed on the ledger.
func (r *Reconciler) GetListing(ctx context.Context, listingID int64) (domain.MergedListing, error) {
	rec, err := r.catalog.Get(ctx, listingID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.MergedListing{}, domain.ErrNotFound
		}
		return domain.MergedListing{}, fmt.Errorf("reconciler: get %d: %w", listingID, err)
	}
	return r.Reconcile(ctx, rec)
}

// ListActive returns every non-completed listing matching filter.
func (r *Reconciler) ListActive(ctx context.Context, filter domain.ListingFilter) ([]domain.MergedListing, error) {
	if filter.Kind == domain.FilterParticipant && domain.NormalizeAddress(filter.Participant) == "" {
		return nil, fmt.Errorf("reconciler: participant address required: %w", domain.ErrInvalidInput)
	}
	query := filter
	if filter.Kind == domain.FilterParticipant {
		// The catalog returns a superset here; the limit applies to the
		// reconciled matches.
		query.Limit = 0
	}
	recs, err := r.catalog.List(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("reconciler: list: %w", err)
	}
	merged, err := r.ReconcileAll(ctx, recs)
	if err != nil {
		return nil, err
	}
	if filter.Kind != domain.FilterParticipant {
		return merged, nil
	}
	out := merged[:0]
	for _, m := range merged {
		if m.IsParticipant(filter.Participant) {
			out = append(out, m)
		}
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// SearchByTitle matches a case-insensitive substring of the title.
func (r *Reconciler) SearchByTitle(ctx context.Context, substring string) ([]domain.MergedListing, error) {
	return r.ListActive(ctx, domain.ListingFilter{Kind: domain.FilterTitle, Title: substring})
}

// ListingsForParticipant returns listings whose reconciled seller or buyer
// is address.
func (r *Reconciler) ListingsForParticipant(ctx context.Context, address string) ([]domain.MergedListing, error) {
	return r.ListActive(ctx, domain.ListingFilter{Kind: domain.FilterParticipant, Participant: address})
}

// ReconcileAll reconciles recs concurrently and drops the ones that turn
// out to be completed. The result keeps the input order. Only cancellation
// of ctx aborts the batch.
func (r *Reconciler) ReconcileAll(ctx context.Context, recs []domain.ListingRecord) ([]domain.MergedListing, error) {
	results := make([]*domain.MergedListing, len(recs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.maxConcurrency)
	for i, rec := range recs {
		g.Go(func() error {
			m, err := r.Reconcile(gctx, rec)
			switch {
			case err == nil:
				results[i] = &m
				return nil
			case errors.Is(err, domain.ErrNotFound):
				return nil
			default:
				return err
			}
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("reconciler: batch: %w", err)
	}

	out := make([]domain.MergedListing, 0, len(recs))
	for _, m := range results {
		if m != nil {
			out = append(out, *m)
		}
	}
	return out, nil
}

// Reconcile merges the ledger state of rec. It returns domain.ErrNotFound
// for completed listings after cleaning them up, and a Stale listing built
// from the cached fields when the ledger cannot be reached. Errors are
// returned only for cancellation of ctx.
func (r *Reconciler) Reconcile(ctx context.Context, rec domain.ListingRecord) (domain.MergedListing, error) {
	m, _, err := r.reconcile(ctx, rec)
	return m, err
}

// source says where the ledger-owned fields of a merged listing came from.
type source int

const (
	sourceLedger   source = iota
	sourceNoLedger        // the ledger has no entry for the id
	sourceCache           // ledger unreachable, cached snapshot used
)

func (r *Reconciler) reconcile(ctx context.Context, rec domain.ListingRecord) (domain.MergedListing, source, error) {
	if r.isTombstoned(ctx, rec.ListingID) {
		r.cleanup(ctx, rec, nil)
		metrics.Reconciliations.WithLabelValues("completed").Inc()
		return domain.MergedListing{}, sourceLedger, domain.ErrNotFound
	}

	start := time.Now()
	state, err := r.ledger.FetchTradeState(ctx, rec.ListingID)
	metrics.LedgerReadDuration.Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
	case ctx.Err() != nil:
		return domain.MergedListing{}, sourceLedger, ctx.Err()
	case errors.Is(err, domain.ErrUnknownListing):
		metrics.Reconciliations.WithLabelValues("draft").Inc()
		return mergeWithoutLedger(rec), sourceNoLedger, nil
	default:
		if !errors.Is(err, domain.ErrLedgerUnavailable) {
			r.logger.WarnContext(ctx, "reconciler: unexpected ledger error",
				slog.Int64("listing_id", rec.ListingID),
				slog.String("error", err.Error()),
			)
		}
		// A cached completion is only a hint; cleanup waits for the ledger.
		metrics.Reconciliations.WithLabelValues("stale").Inc()
		return mergeFromCache(rec), sourceCache, nil
	}

	state.Buyer = domain.NormalizeAddress(state.Buyer)
	merged := merge(rec, state)
	if state.IsCompleted {
		r.cleanup(ctx, rec, &merged)
		metrics.Reconciliations.WithLabelValues("completed").Inc()
		return domain.MergedListing{}, sourceLedger, domain.ErrNotFound
	}

	metrics.Reconciliations.WithLabelValues("fresh").Inc()
	r.refreshCache(ctx, rec, state)
	return merged, sourceLedger, nil
}

// Wait blocks until background cache refreshes have finished.
func (r *Reconciler) Wait() {
	r.refreshes.Wait()
}

func (r *Reconciler) isTombstoned(ctx context.Context, listingID int64) bool {
	if r.tombstones == nil || domain.IsDraftID(listingID) {
		return false
	}
	done, err := r.tombstones.IsCompleted(ctx, listingID)
	if err != nil {
		r.logger.WarnContext(ctx, "reconciler: tombstone lookup failed",
			slog.Int64("listing_id", listingID),
			slog.String("error", err.Error()),
		)
		return false
	}
	return done
}

// cleanup is the compensating action for a completed listing: tombstone,
// archive, delete. It runs inline and reports through logs, metrics and the
// cleanup observer, never through the read result. final is nil when the
// completion was learnt from a tombstone.
func (r *Reconciler) cleanup(ctx context.Context, rec domain.ListingRecord, final *domain.MergedListing) {
	log := r.logger.With(slog.Int64("listing_id", rec.ListingID))

	if r.tombstones != nil {
		if err := r.tombstones.MarkCompleted(ctx, rec.ListingID); err != nil {
			log.WarnContext(ctx, "reconciler: tombstone write failed", slog.String("error", err.Error()))
		}
	}

	if r.archiver != nil {
		snapshot := mergeFromCache(rec)
		if final != nil {
			snapshot = *final
		}
		snapshot.IsCompleted, snapshot.Status, snapshot.Stale = true, domain.StatusCompleted, false
		if err := r.archiver.ArchiveCompleted(ctx, snapshot); err != nil {
			log.WarnContext(ctx, "reconciler: archive failed", slog.String("error", err.Error()))
		}
	}

	err := r.catalog.Delete(ctx, rec.ListingID)
	if err != nil && errors.Is(err, domain.ErrNotFound) {
		err = nil
	}
	if err != nil {
		metrics.CleanupFailures.Inc()
		log.WarnContext(ctx, "reconciler: delete completed listing failed, will retry on next pass",
			slog.String("error", err.Error()),
		)
	} else {
		log.InfoContext(ctx, "reconciler: removed completed listing")
		if r.audit != nil {
			if aerr := r.audit.Log(ctx, "listing_completed_cleanup", map[string]any{
				"listing_id": rec.ListingID,
				"owner":      rec.OwnerAddress,
			}); aerr != nil {
				log.WarnContext(ctx, "reconciler: audit failed", slog.String("error", aerr.Error()))
			}
		}
		if final != nil {
			r.events.ListingEvent(ctx, domain.ListingEvent{
				Type:      domain.EventListingCompleted,
				ListingID: rec.ListingID,
				Price:     final.Price,
			})
		}
	}

	if r.onCleanup != nil {
		r.onCleanup(CleanupReport{ListingID: rec.ListingID, Err: err})
	}
}

// refreshCache writes the ledger snapshot onto the record in the
// background when it differs from what is cached. Failures only show up in
// logs and metrics.
func (r *Reconciler) refreshCache(ctx context.Context, rec domain.ListingRecord, state domain.TradeState) {
	snap := domain.TradeSnapshot{
		Buyer:       state.Buyer,
		Delivered:   state.IsDelivered,
		Completed:   state.IsCompleted,
		LedgerPrice: state.Price.String(),
	}
	if sameSnapshot(rec.Cached, snap) {
		return
	}
	snap.CachedAt = r.now()

	bg := context.WithoutCancel(ctx)
	r.refreshes.Add(1)
	go func() {
		defer r.refreshes.Done()
		wctx, cancel := context.WithTimeout(bg, r.cacheRefreshTimeout)
		defer cancel()
		if err := r.catalog.CacheTradeState(wctx, rec.ListingID, snap); err != nil && !errors.Is(err, domain.ErrNotFound) {
			metrics.CacheRefreshFailures.Inc()
			r.logger.Warn("reconciler: cache refresh failed",
				slog.Int64("listing_id", rec.ListingID),
				slog.String("error", err.Error()),
			)
		}
	}()
}

func sameSnapshot(a, b domain.TradeSnapshot) bool {
	return strings.EqualFold(domain.NormalizeAddress(a.Buyer), domain.NormalizeAddress(b.Buyer)) &&
		a.Delivered == b.Delivered &&
		a.Completed == b.Completed &&
		a.LedgerPrice == b.LedgerPrice
}

func baseListing(rec domain.ListingRecord) domain.MergedListing {
	return domain.MergedListing{
		ListingID:    rec.ListingID,
		Title:        rec.Title,
		Description:  rec.Description,
		Price:        rec.DisplayPrice,
		ContactLinks: rec.ContactLinks,
		CreatedAt:    rec.CreatedAt,
		IsBuyOrder:   rec.IsBuyOrder,
		OwnerAddress: rec.OwnerAddress,
		Seller:       rec.OwnerAddress,
	}
}

// merge lays the ledger's authoritative fields over rec.
func merge(rec domain.ListingRecord, state domain.TradeState) domain.MergedListing {
	m := baseListing(rec)
	m.Seller = state.Seller
	m.Buyer = domain.NormalizeAddress(state.Buyer)
	m.Price = state.Price.String()
	m.IsDelivered = state.IsDelivered
	m.IsCompleted = state.IsCompleted
	m.Status = domain.StatusOf(state)
	return m
}

// mergeWithoutLedger is used for records the ledger has never seen.
func mergeWithoutLedger(rec domain.ListingRecord) domain.MergedListing {
	m := baseListing(rec)
	m.Status = domain.StatusListed
	if rec.IsBuyOrder {
		m.Status = domain.StatusBuyOrder
	}
	return m
}

// mergeFromCache builds a stale view from the record's cached snapshot.
func mergeFromCache(rec domain.ListingRecord) domain.MergedListing {
	m := baseListing(rec)
	m.Buyer = domain.NormalizeAddress(rec.Cached.Buyer)
	m.IsDelivered = rec.Cached.Delivered
	m.IsCompleted = rec.Cached.Completed
	if rec.Cached.LedgerPrice != "" {
		m.Price = rec.Cached.LedgerPrice
	}
	m.Status = domain.StatusOf(domain.TradeState{
		Buyer:       m.Buyer,
		IsDelivered: m.IsDelivered,
		IsCompleted: m.IsCompleted,
	})
	if rec.IsBuyOrder && m.Status == domain.StatusListed {
		m.Status = domain.StatusBuyOrder
	}
	m.Stale = true
	return m
}
