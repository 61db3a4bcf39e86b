package postgres

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/p2pmarket/internal/domain"
)

// openTestClient connects to MARKETD_TEST_POSTGRES_DSN or skips.
func openTestClient(t *testing.T) *Client {
	t.Helper()
	dsn := os.Getenv("MARKETD_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("MARKETD_TEST_POSTGRES_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c, err := New(ctx, ClientConfig{DSN: dsn, MaxConns: 4})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	require.NoError(t, c.RunMigrations(ctx))
	// Second run must be a no-op.
	require.NoError(t, c.RunMigrations(ctx))
	return c
}

// uniqueID keeps parallel runs against a shared database apart.
func uniqueID() int64 { return time.Now().UnixNano() % 1_000_000_000_000 }

func TestListingStoreCRUD(t *testing.T) {
	c := openTestClient(t)
	s := NewListingStore(c.Pool())
	ctx := context.Background()
	id := uniqueID()
	t.Cleanup(func() { _ = s.Delete(context.Background(), id) })

	rec := domain.ListingRecord{
		ListingID:    id,
		Title:        "Vintage Camera",
		Description:  "works",
		DisplayPrice: "0.5",
		ContactLinks: domain.ContactLinks{Twitter: "@cam"},
		OwnerAddress: "0xAbC0000000000000000000000000000000000001",
	}
	require.NoError(t, s.Insert(ctx, rec))
	assert.ErrorIs(t, s.Insert(ctx, rec), domain.ErrAlreadyExists)

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Vintage Camera", got.Title)
	assert.Equal(t, "@cam", got.ContactLinks.Twitter)
	assert.False(t, got.CreatedAt.IsZero())

	price := "0.7"
	require.NoError(t, s.UpsertDescriptiveFields(ctx, id, domain.DescriptiveFields{DisplayPrice: &price}))
	got, err = s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "0.7", got.DisplayPrice)
	assert.Equal(t, "works", got.Description)

	require.NoError(t, s.CacheTradeState(ctx, id, domain.TradeSnapshot{
		Buyer: "0xdef0000000000000000000000000000000000002", LedgerPrice: "0.7",
	}))
	got, err = s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "0xdef0000000000000000000000000000000000002", got.Cached.Buyer)

	require.NoError(t, s.Delete(ctx, id))
	require.NoError(t, s.Delete(ctx, id))
	_, err = s.Get(ctx, id)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.ErrorIs(t, s.UpsertDescriptiveFields(ctx, id, domain.DescriptiveFields{DisplayPrice: &price}), domain.ErrNotFound)
}

func TestListingStoreFilters(t *testing.T) {
	c := openTestClient(t)
	s := NewListingStore(c.Pool())
	ctx := context.Background()
	base := uniqueID()
	tag := fmt.Sprintf("zq%d", base)

	owner := "0x1110000000000000000000000000000000000001"
	buyer := "0x2220000000000000000000000000000000000002"
	recs := []domain.ListingRecord{
		{ListingID: base, Title: "Red " + tag + " Bike", OwnerAddress: owner},
		{ListingID: base + 1, Title: "blue " + tag, OwnerAddress: "0x3330000000000000000000000000000000000003"},
		{ListingID: base + 2, Title: "other", OwnerAddress: "0x4440000000000000000000000000000000000004", IsBuyOrder: true},
	}
	for _, r := range recs {
		require.NoError(t, s.Insert(ctx, r))
		id := r.ListingID
		t.Cleanup(func() { _ = s.Delete(context.Background(), id) })
	}
	require.NoError(t, s.CacheTradeState(ctx, base+1, domain.TradeSnapshot{Buyer: buyer}))

	byTitle, err := s.List(ctx, domain.ListingFilter{Kind: domain.FilterTitle, Title: tag})
	require.NoError(t, err)
	assert.Len(t, byTitle, 2)

	byBuyer, err := s.List(ctx, domain.ListingFilter{Kind: domain.FilterParticipant, Participant: "0x2220000000000000000000000000000000000002"})
	require.NoError(t, err)
	ids := map[int64]bool{}
	for _, r := range byBuyer {
		ids[r.ListingID] = true
	}
	assert.True(t, ids[base+1], "cached buyer match")
	assert.True(t, ids[base], "sell listing with no cached buyer is a candidate")
	assert.False(t, ids[base+2], "buy orders only match their owner")
}

func TestNextDraftIDIsNegative(t *testing.T) {
	c := openTestClient(t)
	s := NewListingStore(c.Pool())

	a, err := s.NextDraftID(context.Background())
	require.NoError(t, err)
	b, err := s.NextDraftID(context.Background())
	require.NoError(t, err)
	assert.True(t, domain.IsDraftID(a))
	assert.True(t, domain.IsDraftID(b))
	assert.NotEqual(t, a, b)
}

func TestAuditStoreLogAndList(t *testing.T) {
	c := openTestClient(t)
	s := NewAuditStore(c.Pool())
	ctx := context.Background()
	event := fmt.Sprintf("test.%d", uniqueID())

	require.NoError(t, s.Log(ctx, event, map[string]any{"listing_id": 7}))
	require.NoError(t, s.Log(ctx, event, map[string]any{"listing_id": 8}))
	since := time.Now().Add(-time.Minute)
	entries, err := s.List(ctx, domain.AuditQuery{Event: event, ListingID: 7, Limit: 50, Since: &since})
	require.NoError(t, err)
	require.Len(t, entries, 1)

	var found bool
	for _, e := range entries {
		if e.Event == event {
			found = true
			assert.EqualValues(t, 7, e.Detail["listing_id"])
		}
	}
	assert.True(t, found)
}

func TestLikePatternEscapes(t *testing.T) {
	assert.Equal(t, `%50\% off\_now%`, likePattern("50% off_now"))
}

func TestDSN(t *testing.T) {
	assert.Equal(t, "postgres://u:p@db:5432/marketplace?sslmode=disable",
		DSN(ClientConfig{Host: "db", User: "u", Password: "p", Database: "marketplace"}))
	assert.Equal(t, "postgres://x", DSN(ClientConfig{DSN: "postgres://x"}))
}
