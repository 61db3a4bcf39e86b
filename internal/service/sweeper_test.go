package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/p2pmarket/internal/domain"
)

func TestSweepRemovesCompletedAndRetriesPendingWrites(t *testing.T) {
	h := newCoordinatorHarness(t, nil)
	ctx := context.Background()

	done := h.createListing(t, alice)
	open := h.createListing(t, alice)
	h.chain.update(done, func(st *domain.TradeState) {
		st.Buyer, st.IsDelivered, st.IsCompleted = bob, true, true
	})

	h.catalog.fail(errors.New("catalog offline"), nil, nil, nil)
	_, err := h.coord.CreateListing(ctx, widgetRequest(alice))
	require.ErrorIs(t, err, domain.ErrCatalogWriteFailed)
	h.catalog.fail(nil, nil, nil, nil)

	sw := NewSweeper(h.catalog, h.rec, h.coord, time.Minute, discardLogger())
	res, err := sw.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.RetriedWrites)
	assert.Equal(t, 3, res.Scanned)
	assert.Equal(t, 2, res.Active)
	assert.Equal(t, 1, res.Removed)

	_, err = h.catalog.Get(ctx, done)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = h.catalog.Get(ctx, open)
	assert.NoError(t, err)
	assert.Empty(t, h.coord.PendingCatalogWrites())
}

func TestSweeperRunStopsWithContext(t *testing.T) {
	h := newReconcilerHarness(t)
	h.seed(t, domain.ListingRecord{ListingID: 1, Title: "Lamp", OwnerAddress: alice})
	h.chain.set(1, domain.TradeState{Seller: alice, Price: decimal.NewFromInt(1)})

	sw := NewSweeper(h.catalog, h.rec, nil, time.Hour, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- sw.Run(ctx) }()

	require.Eventually(t, func() bool { return h.chain.reads.Load() > 0 }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
}
