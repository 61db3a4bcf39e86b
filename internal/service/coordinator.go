package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/p2pmarket/internal/domain"
	"github.com/alanyoungcy/p2pmarket/internal/metrics"
)

// Alert event names passed to the Alerter.
const (
	AlertListingIDUnresolved = "listing_id_unresolved"
	AlertCatalogWriteFailed  = "catalog_write_failed"
	AlertCleanupFailed       = "cleanup_failed"
)

// Alerter forwards operator alerts (Telegram, Discord).
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// WriteResult identifies what a coordinator write produced. Fields are set
// as far as the operation got, including on error.
type WriteResult struct {
	ListingID int64  `json:"listingId,omitempty"`
	TxHash    string `json:"txHash,omitempty"`
}

// Coordinator sequences writes that touch both stores: ledger first,
// catalog second. Writes on the same listing are serialised.
type Coordinator struct {
	ledgers        map[string]domain.LedgerClient
	defaultAccount string
	resolver       domain.ListingIDResolver
	catalog        domain.CatalogStore
	reconciler     *Reconciler

	locks     *KeyedMutex
	distLocks domain.LockManager
	lockTTL   time.Duration

	fee    decimal.Decimal
	audit  domain.AuditStore
	alerts Alerter
	events *Publisher
	logger *slog.Logger
	now    func() time.Time

	pendingMu sync.Mutex
	pending   map[int64]domain.ListingRecord
}

// CoordinatorOption configures optional collaborators.
type CoordinatorOption func(*Coordinator)

// WithListingFee sets the fee attached to list-item transactions.
func WithListingFee(fee decimal.Decimal) CoordinatorOption {
	return func(c *Coordinator) { c.fee = fee }
}

// WithDistributedLocks adds a cross-instance lock on top of the in-process
// per-listing mutex.
func WithDistributedLocks(lm domain.LockManager, ttl time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		c.distLocks = lm
		if ttl > 0 {
			c.lockTTL = ttl
		}
	}
}

// WithCoordinatorAudit records ledger transactions in the audit log.
func WithCoordinatorAudit(a domain.AuditStore) CoordinatorOption {
	return func(c *Coordinator) { c.audit = a }
}

// WithAlerter sends alerts for paid transactions that need an operator.
func WithAlerter(a Alerter) CoordinatorOption {
	return func(c *Coordinator) { c.alerts = a }
}

// WithCoordinatorEvents publishes listing lifecycle events.
func WithCoordinatorEvents(p *Publisher) CoordinatorOption {
	return func(c *Coordinator) { c.events = p }
}

// NewCoordinator creates a Coordinator. signers are the ledger clients the
// service can sign with, keyed by their account; the first is the default.
// With no signers only catalog-only writes are possible.
func NewCoordinator(
	signers []domain.LedgerClient,
	resolver domain.ListingIDResolver,
	catalog domain.CatalogStore,
	reconciler *Reconciler,
	logger *slog.Logger,
	opts ...CoordinatorOption,
) *Coordinator {
	c := &Coordinator{
		ledgers:    make(map[string]domain.LedgerClient, len(signers)),
		resolver:   resolver,
		catalog:    catalog,
		reconciler: reconciler,
		locks:      NewKeyedMutex(),
		lockTTL:    10 * time.Minute,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
		pending:    make(map[int64]domain.ListingRecord),
	}
	for _, s := range signers {
		acct := strings.ToLower(domain.NormalizeAddress(s.Account()))
		if acct == "" {
			continue
		}
		if c.defaultAccount == "" {
			c.defaultAccount = acct
		}
		c.ledgers[acct] = s
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateListing lists an item on the ledger and then writes its catalog
// record under the ledger-assigned id.
func (c *Coordinator) CreateListing(ctx context.Context, req CreateListingRequest) (WriteResult, error) {
	if err := req.validate(); err != nil {
		return WriteResult{}, err
	}
	client, err := c.ledgerFor(req.Seller)
	if err != nil {
		return WriteResult{}, err
	}
	seller := client.Account()

	tx, rcpt, err := c.ledgerWrite(ctx, client, "list_item", 0, func(ctx context.Context) (domain.TxHandle, error) {
		return client.SubmitListing(ctx, req.Price, c.fee)
	})
	if err != nil {
		return WriteResult{TxHash: tx.Hash}, fmt.Errorf("coordinator: create listing: %w", err)
	}

	id, err := c.resolver.ResolveListingID(rcpt)
	if err != nil {
		return WriteResult{TxHash: tx.Hash}, c.unresolved(ctx, tx, seller, err)
	}
	res := WriteResult{ListingID: id, TxHash: tx.Hash}

	rec := domain.ListingRecord{
		ListingID:    id,
		Title:        strings.TrimSpace(req.Title),
		Description:  req.Description,
		DisplayPrice: req.Price.String(),
		ContactLinks: req.Contacts,
		CreatedAt:    c.now(),
		OwnerAddress: seller,
	}

	unlock, err := c.lockListing(ctx, id)
	if err != nil {
		return res, c.catalogFailed(ctx, rec, tx.Hash, err)
	}
	defer unlock()

	reportPhase(ctx, domain.PhaseCatalogWrite, tx)
	if err := c.catalog.Insert(ctx, rec); err != nil && !errors.Is(err, domain.ErrAlreadyExists) {
		return res, c.catalogFailed(ctx, rec, tx.Hash, err)
	}

	c.logger.InfoContext(ctx, "coordinator: listing created",
		slog.Int64("listing_id", id),
		slog.String("tx", tx.Hash),
		slog.String("seller", seller),
	)
	c.events.ListingEvent(ctx, domain.ListingEvent{
		Type: domain.EventListingCreated, ListingID: id, TxHash: tx.Hash, Price: rec.DisplayPrice,
	})
	reportPhase(ctx, domain.PhaseDone, tx)
	return res, nil
}

// CreateBuyOrder writes a catalog-only buy order under a draft id.
func (c *Coordinator) CreateBuyOrder(ctx context.Context, req CreateBuyOrderRequest) (WriteResult, error) {
	if err := req.validate(); err != nil {
		return WriteResult{}, err
	}
	id, err := c.catalog.NextDraftID(ctx)
	if err != nil {
		return WriteResult{}, fmt.Errorf("coordinator: reserve draft id: %w", err)
	}
	rec := domain.ListingRecord{
		ListingID:    id,
		Title:        strings.TrimSpace(req.Title),
		Description:  req.Description,
		DisplayPrice: req.Price.String(),
		ContactLinks: req.Contacts,
		CreatedAt:    c.now(),
		IsBuyOrder:   true,
		OwnerAddress: strings.TrimSpace(req.Buyer),
	}
	reportPhase(ctx, domain.PhaseCatalogWrite, domain.TxHandle{})
	if err := c.catalog.Insert(ctx, rec); err != nil {
		return WriteResult{}, fmt.Errorf("coordinator: create buy order: %w", err)
	}
	c.events.ListingEvent(ctx, domain.ListingEvent{
		Type: domain.EventBuyOrderCreated, ListingID: id, Price: rec.DisplayPrice,
	})
	reportPhase(ctx, domain.PhaseDone, domain.TxHandle{})
	return WriteResult{ListingID: id}, nil
}

// UpdatePrice changes the price of a listing that has no buyer yet. The
// requester must be the seller according to a fresh ledger read. Draft buy
// orders have no ledger entry and are repriced in the catalog only.
func (c *Coordinator) UpdatePrice(ctx context.Context, listingID int64, newPrice decimal.Decimal, requester string) (WriteResult, error) {
	if err := ValidatePrice(newPrice); err != nil {
		return WriteResult{}, err
	}
	if err := ValidateAddress("requester", requester); err != nil {
		return WriteResult{}, err
	}
	res := WriteResult{ListingID: listingID}

	unlock, err := c.lockListing(ctx, listingID)
	if err != nil {
		return res, err
	}
	defer unlock()

	rec, merged, src, err := c.freshState(ctx, listingID)
	if err != nil {
		return res, fmt.Errorf("coordinator: update price %d: %w", listingID, err)
	}
	if !domain.SameAddress(merged.Seller, requester) {
		return res, preconditionf("requester %s is not the seller of listing %d", requester, listingID)
	}
	if merged.Buyer != "" {
		return res, preconditionf("listing %d already has a buyer", listingID)
	}

	price := newPrice.String()
	if src == sourceNoLedger {
		if !domain.IsDraftID(listingID) {
			return res, fmt.Errorf("coordinator: listing %d has no ledger entry: %w", listingID, domain.ErrUnknownListing)
		}
		reportPhase(ctx, domain.PhaseCatalogWrite, domain.TxHandle{})
		if err := c.catalog.UpsertDescriptiveFields(ctx, listingID, domain.DescriptiveFields{DisplayPrice: &price}); err != nil {
			return res, fmt.Errorf("coordinator: update price %d: %w", listingID, err)
		}
		c.events.ListingEvent(ctx, domain.ListingEvent{Type: domain.EventListingPriceUpdated, ListingID: listingID, Price: price})
		reportPhase(ctx, domain.PhaseDone, domain.TxHandle{})
		return res, nil
	}

	client, err := c.ledgerFor(requester)
	if err != nil {
		return res, err
	}
	tx, _, err := c.ledgerWrite(ctx, client, "edit_price", listingID, func(ctx context.Context) (domain.TxHandle, error) {
		return client.SubmitPriceEdit(ctx, listingID, newPrice)
	})
	res.TxHash = tx.Hash
	if err != nil {
		return res, fmt.Errorf("coordinator: update price %d: %w", listingID, err)
	}

	rec.DisplayPrice = price
	reportPhase(ctx, domain.PhaseCatalogWrite, tx)
	if err := c.catalog.UpsertDescriptiveFields(ctx, listingID, domain.DescriptiveFields{DisplayPrice: &price}); err != nil {
		return res, c.catalogFailed(ctx, rec, tx.Hash, err)
	}

	c.events.ListingEvent(ctx, domain.ListingEvent{
		Type: domain.EventListingPriceUpdated, ListingID: listingID, TxHash: tx.Hash, Price: price,
	})
	reportPhase(ctx, domain.PhaseDone, tx)
	return res, nil
}

// Purchase buys a listed item at its ledger price.
func (c *Coordinator) Purchase(ctx context.Context, listingID int64, buyer string) (WriteResult, error) {
	return c.transition(ctx, "purchase", listingID, buyer, func(m domain.MergedListing) error {
		switch {
		case m.IsBuyOrder:
			return preconditionf("listing %d is a buy order", listingID)
		case m.Buyer != "":
			return preconditionf("listing %d already has a buyer", listingID)
		case domain.SameAddress(m.Seller, buyer):
			return preconditionf("seller cannot buy listing %d", listingID)
		}
		return nil
	}, func(ctx context.Context, client domain.LedgerClient, m domain.MergedListing) (domain.TxHandle, error) {
		price, err := decimal.NewFromString(m.Price)
		if err != nil {
			return domain.TxHandle{}, fmt.Errorf("ledger price %q: %w", m.Price, err)
		}
		return client.SubmitPurchase(ctx, listingID, price)
	})
}

// ConfirmDelivery is sent by the buyer once the item arrived.
func (c *Coordinator) ConfirmDelivery(ctx context.Context, listingID int64, requester string) (WriteResult, error) {
	return c.transition(ctx, "confirm_delivery", listingID, requester, func(m domain.MergedListing) error {
		switch {
		case !domain.SameAddress(m.Buyer, requester):
			return preconditionf("requester %s is not the buyer of listing %d", requester, listingID)
		case m.IsDelivered:
			return preconditionf("listing %d is already delivered", listingID)
		}
		return nil
	}, func(ctx context.Context, client domain.LedgerClient, _ domain.MergedListing) (domain.TxHandle, error) {
		return client.SubmitConfirmDelivery(ctx, listingID)
	})
}

// ClaimPayment releases escrow to the seller after delivery. A confirmed
// claim completes the trade, so the listing leaves the catalog.
func (c *Coordinator) ClaimPayment(ctx context.Context, listingID int64, requester string) (WriteResult, error) {
	return c.transition(ctx, "claim_payment", listingID, requester, func(m domain.MergedListing) error {
		switch {
		case !domain.SameAddress(m.Seller, requester):
			return preconditionf("requester %s is not the seller of listing %d", requester, listingID)
		case !m.IsDelivered:
			return preconditionf("delivery of listing %d is not confirmed", listingID)
		}
		return nil
	}, func(ctx context.Context, client domain.LedgerClient, _ domain.MergedListing) (domain.TxHandle, error) {
		return client.SubmitClaimPayment(ctx, listingID)
	})
}

// transition runs one ledger state-machine step: lock, fresh read,
// precondition, ledger write, then a reconciliation that refreshes the
// cache or removes the completed listing.
func (c *Coordinator) transition(
	ctx context.Context,
	op string,
	listingID int64,
	requester string,
	check func(domain.MergedListing) error,
	submit func(context.Context, domain.LedgerClient, domain.MergedListing) (domain.TxHandle, error),
) (WriteResult, error) {
	if err := ValidateAddress("requester", requester); err != nil {
		return WriteResult{}, err
	}
	res := WriteResult{ListingID: listingID}

	unlock, err := c.lockListing(ctx, listingID)
	if err != nil {
		return res, err
	}
	defer unlock()

	_, merged, src, err := c.freshState(ctx, listingID)
	if err != nil {
		return res, fmt.Errorf("coordinator: %s %d: %w", op, listingID, err)
	}
	if src == sourceNoLedger {
		return res, preconditionf("listing %d has no ledger entry", listingID)
	}
	if err := check(merged); err != nil {
		return res, err
	}

	client, err := c.ledgerFor(requester)
	if err != nil {
		return res, err
	}
	tx, _, err := c.ledgerWrite(ctx, client, op, listingID, func(ctx context.Context) (domain.TxHandle, error) {
		return submit(ctx, client, merged)
	})
	res.TxHash = tx.Hash
	if err != nil {
		return res, fmt.Errorf("coordinator: %s %d: %w", op, listingID, err)
	}

	reportPhase(ctx, domain.PhaseCatalogWrite, tx)
	if _, err := c.reconciler.GetListing(ctx, listingID); err != nil && !errors.Is(err, domain.ErrNotFound) {
		c.logger.WarnContext(ctx, "coordinator: post-transition reconcile failed",
			slog.String("op", op),
			slog.Int64("listing_id", listingID),
			slog.String("error", err.Error()),
		)
	}
	c.events.ListingEvent(ctx, domain.ListingEvent{
		Type: domain.EventListingTransitioned, ListingID: listingID, TxHash: tx.Hash,
	})
	reportPhase(ctx, domain.PhaseDone, tx)
	return res, nil
}

// DeleteListing removes a listing from the catalog on behalf of its owner.
// Listings with a buyer stay: the trade is live on the ledger.
func (c *Coordinator) DeleteListing(ctx context.Context, listingID int64, requester string) error {
	if err := ValidateAddress("requester", requester); err != nil {
		return err
	}
	unlock, err := c.lockListing(ctx, listingID)
	if err != nil {
		return err
	}
	defer unlock()

	rec, merged, _, err := c.freshState(ctx, listingID)
	if err != nil {
		return fmt.Errorf("coordinator: delete %d: %w", listingID, err)
	}
	if !domain.SameAddress(rec.OwnerAddress, requester) {
		return preconditionf("requester %s does not own listing %d", requester, listingID)
	}
	if merged.Buyer != "" {
		return preconditionf("listing %d has a buyer", listingID)
	}
	if err := c.catalog.Delete(ctx, listingID); err != nil {
		return fmt.Errorf("coordinator: delete %d: %w", listingID, err)
	}

	c.auditLog(ctx, "listing_deleted", map[string]any{"listing_id": listingID, "requester": requester})
	c.events.ListingEvent(ctx, domain.ListingEvent{Type: domain.EventListingDeleted, ListingID: listingID})
	return nil
}

// CompleteCatalogWrite retries the catalog half of a write whose ledger half
// already landed. It never touches the ledger.
func (c *Coordinator) CompleteCatalogWrite(ctx context.Context, rec domain.ListingRecord) error {
	unlock, err := c.lockListing(ctx, rec.ListingID)
	if err != nil {
		return err
	}
	defer unlock()

	err = c.catalog.Insert(ctx, rec)
	if errors.Is(err, domain.ErrAlreadyExists) {
		err = c.catalog.UpsertDescriptiveFields(ctx, rec.ListingID, domain.DescriptiveFields{
			Title:        &rec.Title,
			Description:  &rec.Description,
			DisplayPrice: &rec.DisplayPrice,
			ContactLinks: &rec.ContactLinks,
		})
	}
	if err != nil {
		return fmt.Errorf("coordinator: complete catalog write %d: %w", rec.ListingID, err)
	}

	c.pendingMu.Lock()
	delete(c.pending, rec.ListingID)
	c.pendingMu.Unlock()

	c.logger.InfoContext(ctx, "coordinator: catalog write completed", slog.Int64("listing_id", rec.ListingID))
	c.auditLog(ctx, "catalog_write_completed", map[string]any{"listing_id": rec.ListingID})
	return nil
}

// RetryCatalogWrite completes the pending catalog write for listingID.
func (c *Coordinator) RetryCatalogWrite(ctx context.Context, listingID int64) error {
	c.pendingMu.Lock()
	rec, ok := c.pending[listingID]
	c.pendingMu.Unlock()
	if !ok {
		return domain.ErrNotFound
	}
	return c.CompleteCatalogWrite(ctx, rec)
}

// PendingCatalogWrites lists records whose catalog write failed after the
// ledger write landed.
func (c *Coordinator) PendingCatalogWrites() []domain.ListingRecord {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	out := make([]domain.ListingRecord, 0, len(c.pending))
	for _, rec := range c.pending {
		out = append(out, rec)
	}
	return out
}

// freshState reads the record and reconciles it against the ledger. A
// listing whose ledger state cannot be read right now is
// domain.ErrLedgerUnavailable: preconditions are never checked on cache.
func (c *Coordinator) freshState(ctx context.Context, listingID int64) (domain.ListingRecord, domain.MergedListing, source, error) {
	rec, err := c.catalog.Get(ctx, listingID)
	if err != nil {
		return domain.ListingRecord{}, domain.MergedListing{}, 0, err
	}
	merged, src, err := c.reconciler.reconcile(ctx, rec)
	if err != nil {
		return rec, domain.MergedListing{}, src, err
	}
	if src == sourceCache {
		return rec, merged, src, domain.ErrLedgerUnavailable
	}
	return rec, merged, src, nil
}

// ledgerWrite submits a transaction and blocks until it is mined,
// reporting each phase.
func (c *Coordinator) ledgerWrite(
	ctx context.Context,
	client domain.LedgerClient,
	op string,
	listingID int64,
	submit func(context.Context) (domain.TxHandle, error),
) (domain.TxHandle, domain.Receipt, error) {
	reportPhase(ctx, domain.PhaseSubmitting, domain.TxHandle{})
	tx, err := submit(ctx)
	if err != nil {
		metrics.LedgerWrites.WithLabelValues(op, "submit_failed").Inc()
		c.auditLog(ctx, "ledger_tx_failed", map[string]any{
			"op": op, "listing_id": listingID, "stage": "submit", "error": err.Error(),
		})
		reportPhase(ctx, domain.PhaseFailed, domain.TxHandle{})
		return domain.TxHandle{}, domain.Receipt{}, err
	}

	reportPhase(ctx, domain.PhasePendingConfirmation, tx)
	c.auditLog(ctx, "ledger_tx_submitted", map[string]any{
		"op": op, "listing_id": listingID, "tx": tx.Hash, "account": client.Account(),
	})

	rcpt, err := client.AwaitConfirmation(ctx, tx)
	if err != nil {
		metrics.LedgerWrites.WithLabelValues(op, "confirm_failed").Inc()
		c.auditLog(ctx, "ledger_tx_failed", map[string]any{
			"op": op, "listing_id": listingID, "tx": tx.Hash, "stage": "confirm", "error": err.Error(),
		})
		reportPhase(ctx, domain.PhaseFailed, tx)
		return tx, domain.Receipt{}, err
	}

	metrics.LedgerWrites.WithLabelValues(op, "confirmed").Inc()
	c.auditLog(ctx, "ledger_tx_confirmed", map[string]any{
		"op": op, "listing_id": listingID, "tx": tx.Hash, "block": rcpt.BlockNumber,
	})
	reportPhase(ctx, domain.PhaseConfirmed, tx)
	return tx, rcpt, nil
}

func (c *Coordinator) unresolved(ctx context.Context, tx domain.TxHandle, seller string, cause error) error {
	uerr := &domain.ListingIDUnresolvedError{TxHash: tx.Hash, Seller: seller}
	c.logger.ErrorContext(ctx, "coordinator: listing id unresolved for confirmed tx, fee spent",
		slog.String("tx", tx.Hash),
		slog.String("seller", seller),
		slog.String("error", cause.Error()),
	)
	c.auditLog(ctx, "listing_id_unresolved", map[string]any{"tx": tx.Hash, "seller": seller})
	c.alert(ctx, AlertListingIDUnresolved, "Listing id unresolved",
		fmt.Sprintf("Confirmed list-item tx %s from %s yielded no listing id. The fee is spent; reconcile manually.", tx.Hash, seller))
	reportPhase(ctx, domain.PhaseFailed, tx)
	return uerr
}

func (c *Coordinator) catalogFailed(ctx context.Context, rec domain.ListingRecord, txHash string, cause error) error {
	c.pendingMu.Lock()
	c.pending[rec.ListingID] = rec
	c.pendingMu.Unlock()

	metrics.CatalogWriteFailures.Inc()
	c.logger.ErrorContext(ctx, "coordinator: catalog write failed after ledger write",
		slog.Int64("listing_id", rec.ListingID),
		slog.String("tx", txHash),
		slog.String("error", cause.Error()),
	)
	c.auditLog(ctx, "catalog_write_failed", map[string]any{
		"listing_id": rec.ListingID, "tx": txHash, "error": cause.Error(),
	})
	c.alert(ctx, AlertCatalogWriteFailed, "Catalog write failed",
		fmt.Sprintf("Listing %d (tx %s) is on the ledger but not in the catalog: %v", rec.ListingID, txHash, cause))
	reportPhase(ctx, domain.PhaseFailed, domain.TxHandle{Hash: txHash})

	stored := rec
	return &domain.CatalogWriteError{ListingID: rec.ListingID, TxHash: txHash, Record: &stored, Err: cause}
}

func (c *Coordinator) ledgerFor(account string) (domain.LedgerClient, error) {
	key := strings.ToLower(domain.NormalizeAddress(account))
	if key == "" {
		key = c.defaultAccount
	}
	client, ok := c.ledgers[key]
	if !ok {
		if key == "" {
			return nil, preconditionf("no signing account configured")
		}
		return nil, preconditionf("no signing key for %s", account)
	}
	return client, nil
}

func (c *Coordinator) lockListing(ctx context.Context, listingID int64) (func(), error) {
	unlock, err := c.locks.Lock(ctx, listingID)
	if err != nil {
		return nil, err
	}
	if c.distLocks == nil {
		return unlock, nil
	}
	distUnlock, err := c.distLocks.Acquire(ctx, "listing:"+strconv.FormatInt(listingID, 10), c.lockTTL)
	if err != nil {
		unlock()
		return nil, fmt.Errorf("coordinator: lock listing %d: %w", listingID, err)
	}
	return func() {
		distUnlock()
		unlock()
	}, nil
}

func (c *Coordinator) auditLog(ctx context.Context, event string, detail map[string]any) {
	if c.audit == nil {
		return
	}
	if err := c.audit.Log(context.WithoutCancel(ctx), event, detail); err != nil {
		c.logger.WarnContext(ctx, "coordinator: audit failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func (c *Coordinator) alert(ctx context.Context, event, title, message string) {
	if c.alerts == nil {
		return
	}
	if err := c.alerts.Notify(context.WithoutCancel(ctx), event, title, message); err != nil {
		c.logger.WarnContext(ctx, "coordinator: alert failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func preconditionf(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), domain.ErrPreconditionFailed)
}
