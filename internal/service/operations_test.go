package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/p2pmarket/internal/domain"
)

func TestOperationTrackerRunsToDone(t *testing.T) {
	h := newCoordinatorHarness(t, nil)
	tracker := NewOperationTracker(context.Background(), NewPublisher(h.bus, discardLogger()), discardLogger())

	op := tracker.Start("create_listing", 0, func(ctx context.Context) (WriteResult, error) {
		return h.coord.CreateListing(ctx, widgetRequest(alice))
	})
	assert.NotEmpty(t, op.ID)
	tracker.Wait()

	got, err := tracker.Get(op.ID)
	require.NoError(t, err)
	assert.True(t, got.Done())
	assert.Equal(t, domain.PhaseDone, got.Phase)
	assert.EqualValues(t, 1, got.ListingID)
	assert.NotEmpty(t, got.TxHash)
	assert.Empty(t, got.Error)

	// Every phase change plus the final state is broadcast.
	assert.GreaterOrEqual(t, h.bus.count(domain.ChannelOperations), 5)
	h.bus.mu.Lock()
	last := h.bus.messages[domain.ChannelOperations][len(h.bus.messages[domain.ChannelOperations])-1]
	h.bus.mu.Unlock()
	var published Operation
	require.NoError(t, json.Unmarshal(last, &published))
	assert.Equal(t, domain.PhaseDone, published.Phase)
}

func TestOperationTrackerRecordsFailure(t *testing.T) {
	tracker := NewOperationTracker(context.Background(), nil, discardLogger())
	cwe := &domain.CatalogWriteError{ListingID: 3, TxHash: "0xabc", Err: errors.New("timeout")}

	op := tracker.Start("create_listing", 0, func(ctx context.Context) (WriteResult, error) {
		reportPhase(ctx, domain.PhaseConfirmed, domain.TxHandle{Hash: "0xabc"})
		reportPhase(ctx, domain.PhaseFailed, domain.TxHandle{Hash: "0xabc"})
		return WriteResult{ListingID: 3, TxHash: "0xabc"}, cwe
	})
	tracker.Wait()

	got, err := tracker.Get(op.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseFailed, got.Phase)
	assert.Equal(t, "catalog_write_failed", got.ErrorKind)
	assert.EqualValues(t, 3, got.ListingID)
	assert.Equal(t, "0xabc", got.TxHash)

	_, err = tracker.Get("missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Len(t, tracker.List(), 1)
}

func TestErrorKind(t *testing.T) {
	cases := map[string]error{
		"":                      nil,
		"invalid_input":         fmt.Errorf("wrap: %w", domain.ErrInvalidInput),
		"not_found":             domain.ErrNotFound,
		"precondition_failed":   fmt.Errorf("x: %w", domain.ErrPreconditionFailed),
		"listing_id_unresolved": &domain.ListingIDUnresolvedError{TxHash: "0x1"},
		"ledger_rejected":       domain.ErrLedgerRejected,
		"ledger_unavailable":    fmt.Errorf("%w: eof", domain.ErrLedgerUnavailable),
		"canceled":              context.Canceled,
		"internal":              errors.New("boom"),
	}
	for want, err := range cases {
		assert.Equal(t, want, ErrorKind(err), "error %v", err)
	}
}

func TestOperationTrackerWaitsOutSlowConfirmation(t *testing.T) {
	tracker := NewOperationTracker(context.Background(), nil, discardLogger())
	release := make(chan struct{})

	op := tracker.Start("create_listing", 0, func(ctx context.Context) (WriteResult, error) {
		if _, ok := ctx.Deadline(); ok {
			return WriteResult{}, errors.New("operation context carries a deadline")
		}
		reportPhase(ctx, domain.PhasePendingConfirmation, domain.TxHandle{Hash: "0xslow"})
		select {
		case <-release:
		case <-ctx.Done():
			return WriteResult{}, ctx.Err()
		}
		return WriteResult{ListingID: 4, TxHash: "0xslow"}, nil
	})

	require.Eventually(t, func() bool {
		got, err := tracker.Get(op.ID)
		return err == nil && got.TxHash == "0xslow"
	}, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	got, err := tracker.Get(op.ID)
	require.NoError(t, err)
	assert.False(t, got.Done())

	close(release)
	tracker.Wait()
	got, err = tracker.Get(op.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseDone, got.Phase)
	assert.EqualValues(t, 4, got.ListingID)
}
