package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/p2pmarket/internal/domain"
)

const (
	alice = "0xA11CE00000000000000000000000000000000001"
	bob   = "0xB0B0000000000000000000000000000000000002"
)

func seed(t *testing.T, c *Catalog, recs ...domain.ListingRecord) {
	t.Helper()
	for _, r := range recs {
		require.NoError(t, c.Insert(context.Background(), r))
	}
}

func TestCatalogInsertGetDelete(t *testing.T) {
	c := NewCatalog()
	ctx := context.Background()
	seed(t, c, domain.ListingRecord{ListingID: 1, Title: "Lamp", OwnerAddress: alice})

	assert.ErrorIs(t, c.Insert(ctx, domain.ListingRecord{ListingID: 1}), domain.ErrAlreadyExists)

	rec, err := c.Get(ctx, 1)
	require.NoError(t, err)
	assert.False(t, rec.CreatedAt.IsZero())

	require.NoError(t, c.Delete(ctx, 1))
	require.NoError(t, c.Delete(ctx, 1))
	_, err = c.Get(ctx, 1)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCatalogTitleFilterIsCaseInsensitive(t *testing.T) {
	c := NewCatalog()
	seed(t, c,
		domain.ListingRecord{ListingID: 1, Title: "Vintage Camera"},
		domain.ListingRecord{ListingID: 2, Title: "camera strap"},
		domain.ListingRecord{ListingID: 3, Title: "Lamp"},
	)
	got, err := c.List(context.Background(), domain.ListingFilter{Kind: domain.FilterTitle, Title: "CAMERA"})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestCatalogParticipantFilterIsSuperset(t *testing.T) {
	c := NewCatalog()
	ctx := context.Background()
	seed(t, c,
		domain.ListingRecord{ListingID: 1, OwnerAddress: alice},
		domain.ListingRecord{ListingID: 2, OwnerAddress: bob},
		domain.ListingRecord{ListingID: 3, OwnerAddress: bob},
		domain.ListingRecord{ListingID: -1, OwnerAddress: bob, IsBuyOrder: true},
	)
	require.NoError(t, c.CacheTradeState(ctx, 3, domain.TradeSnapshot{Buyer: bob}))

	got, err := c.List(ctx, domain.ListingFilter{Kind: domain.FilterParticipant, Participant: alice})
	require.NoError(t, err)
	ids := map[int64]bool{}
	for _, r := range got {
		ids[r.ListingID] = true
	}
	assert.True(t, ids[1])
	assert.True(t, ids[2], "no cached buyer, could have been bought by alice")
	assert.False(t, ids[3], "cached buyer is someone else")
	assert.False(t, ids[-1])
}

func TestCatalogListOrderAndLimit(t *testing.T) {
	c := NewCatalog()
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	seed(t, c,
		domain.ListingRecord{ListingID: 1, CreatedAt: t0},
		domain.ListingRecord{ListingID: 2, CreatedAt: t0.Add(time.Hour)},
		domain.ListingRecord{ListingID: 3, CreatedAt: t0.Add(2 * time.Hour)},
	)
	got, err := c.List(context.Background(), domain.ListingFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(3), got[0].ListingID)
	assert.Equal(t, int64(2), got[1].ListingID)
}

func TestCatalogDescriptiveFieldsLeaveIdentityAlone(t *testing.T) {
	c := NewCatalog()
	ctx := context.Background()
	created := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	seed(t, c, domain.ListingRecord{ListingID: 9, Title: "Old", OwnerAddress: alice, CreatedAt: created})

	title := "New"
	require.NoError(t, c.UpsertDescriptiveFields(ctx, 9, domain.DescriptiveFields{Title: &title}))
	rec, err := c.Get(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, "New", rec.Title)
	assert.Equal(t, alice, rec.OwnerAddress)
	assert.Equal(t, created, rec.CreatedAt)

	assert.ErrorIs(t, c.UpsertDescriptiveFields(ctx, 10, domain.DescriptiveFields{Title: &title}), domain.ErrNotFound)
}

func TestDraftIDsAreNegativeAndUnique(t *testing.T) {
	c := NewCatalog()
	a, _ := c.NextDraftID(context.Background())
	b, _ := c.NextDraftID(context.Background())
	assert.Equal(t, int64(-1), a)
	assert.Equal(t, int64(-2), b)
}

func TestCompletionMarker(t *testing.T) {
	m := NewCompletionMarker()
	ctx := context.Background()
	done, err := m.IsCompleted(ctx, 4)
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, m.MarkCompleted(ctx, 4))
	done, _ = m.IsCompleted(ctx, 4)
	assert.True(t, done)
}
