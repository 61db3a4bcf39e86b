package service

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/p2pmarket/internal/domain"
)

// Operation is the externally visible progress of an asynchronous write.
type Operation struct {
	ID        string       `json:"id"`
	Kind      string       `json:"kind"`
	ListingID int64        `json:"listingId,omitempty"`
	Phase     domain.Phase `json:"phase"`
	TxHash    string       `json:"txHash,omitempty"`
	Error     string       `json:"error,omitempty"`
	ErrorKind string       `json:"errorKind,omitempty"`
	CreatedAt time.Time    `json:"createdAt"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

// Done reports whether the operation reached a terminal phase.
func (o Operation) Done() bool {
	return o.Phase == domain.PhaseDone || o.Phase == domain.PhaseFailed
}

// OpFunc is the write an OperationTracker runs.
type OpFunc func(ctx context.Context) (WriteResult, error)

// OperationTracker runs coordinator writes in the background so a caller
// can return an id at once and observe the phases later.
type OperationTracker struct {
	base      context.Context
	events    *Publisher
	logger    *slog.Logger
	retention time.Duration
	now       func() time.Time

	mu  sync.RWMutex
	ops map[string]*Operation
	wg  sync.WaitGroup
}

// NewOperationTracker creates a tracker whose operations run under base.
// Cancelling base aborts operations still waiting on the ledger; nothing
// else puts a deadline on a confirmation.
func NewOperationTracker(base context.Context, events *Publisher, logger *slog.Logger) *OperationTracker {
	return &OperationTracker{
		base:      base,
		events:    events,
		logger:    logger.With(slog.String("component", "operations")),
		retention: time.Hour,
		now:       func() time.Time { return time.Now().UTC() },
		ops:       make(map[string]*Operation),
	}
}

// Start registers an operation of the given kind and runs fn in a goroutine.
// The returned snapshot is the operation's initial state.
func (t *OperationTracker) Start(kind string, listingID int64, fn OpFunc) Operation {
	now := t.now()
	op := &Operation{
		ID:        uuid.NewString(),
		Kind:      kind,
		ListingID: listingID,
		Phase:     domain.PhaseSubmitting,
		CreatedAt: now,
		UpdatedAt: now,
	}

	t.mu.Lock()
	t.pruneLocked(now)
	t.ops[op.ID] = op
	snapshot := *op
	t.mu.Unlock()

	t.wg.Add(1)
	go t.run(op.ID, fn)
	return snapshot
}

func (t *OperationTracker) run(id string, fn OpFunc) {
	defer t.wg.Done()

	var ctx context.Context
	ctx = WithProgress(t.base, func(phase domain.Phase, tx domain.TxHandle) {
		t.update(ctx, id, func(op *Operation) {
			if phase != domain.PhaseFailed {
				op.Phase = phase
			}
			if tx.Hash != "" {
				op.TxHash = tx.Hash
			}
		})
	})

	res, err := fn(ctx)
	t.update(ctx, id, func(op *Operation) {
		if res.ListingID != 0 {
			op.ListingID = res.ListingID
		}
		if res.TxHash != "" {
			op.TxHash = res.TxHash
		}
		if err != nil {
			op.Phase = domain.PhaseFailed
			op.Error = err.Error()
			op.ErrorKind = ErrorKind(err)
			return
		}
		op.Phase = domain.PhaseDone
	})
	if err != nil {
		t.logger.WarnContext(ctx, "operations: operation failed",
			slog.String("id", id),
			slog.String("error", err.Error()),
		)
	}
}

// update applies fn and publishes the new snapshot. Terminal phases are
// only set by run, so progress callbacks cannot end an operation early.
func (t *OperationTracker) update(ctx context.Context, id string, fn func(*Operation)) {
	t.mu.Lock()
	op, ok := t.ops[id]
	if !ok {
		t.mu.Unlock()
		return
	}
	fn(op)
	op.UpdatedAt = t.now()
	snapshot := *op
	t.mu.Unlock()

	t.events.Operation(ctx, snapshot)
}

// Get returns a snapshot of operation id.
func (t *OperationTracker) Get(id string) (Operation, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	op, ok := t.ops[id]
	if !ok {
		return Operation{}, domain.ErrNotFound
	}
	return *op, nil
}

// List returns all tracked operations, newest first.
func (t *OperationTracker) List() []Operation {
	t.mu.RLock()
	out := make([]Operation, 0, len(t.ops))
	for _, op := range t.ops {
		out = append(out, *op)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Wait blocks until every started operation has returned.
func (t *OperationTracker) Wait() {
	t.wg.Wait()
}

func (t *OperationTracker) pruneLocked(now time.Time) {
	for id, op := range t.ops {
		if op.Done() && now.Sub(op.UpdatedAt) > t.retention {
			delete(t.ops, id)
		}
	}
}

// ErrorKind maps an error to a stable machine-readable name.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, domain.ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrPreconditionFailed):
		return "precondition_failed"
	case errors.Is(err, domain.ErrCatalogWriteFailed):
		return "catalog_write_failed"
	case errors.Is(err, domain.ErrListingIDUnresolved):
		return "listing_id_unresolved"
	case errors.Is(err, domain.ErrLedgerRejected):
		return "ledger_rejected"
	case errors.Is(err, domain.ErrLedgerUnavailable):
		return "ledger_unavailable"
	case errors.Is(err, domain.ErrUnknownListing):
		return "unknown_listing"
	case errors.Is(err, domain.ErrAlreadyExists):
		return "already_exists"
	case errors.Is(err, domain.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, domain.ErrLockHeld):
		return "lock_held"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "internal"
	}
}
