// Package memory is an in-process catalog for development and tests.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/p2pmarket/internal/domain"
)

// Catalog implements domain.CatalogStore with the same semantics as the
// PostgreSQL listing store.
type Catalog struct {
	mu      sync.RWMutex
	records map[int64]domain.ListingRecord
	drafts  int64
	now     func() time.Time
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		records: make(map[int64]domain.ListingRecord),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (c *Catalog) Get(_ context.Context, listingID int64) (domain.ListingRecord, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.records[listingID]
	if !ok {
		return domain.ListingRecord{}, domain.ErrNotFound
	}
	return rec, nil
}

func (c *Catalog) List(_ context.Context, filter domain.ListingFilter) ([]domain.ListingRecord, error) {
	c.mu.RLock()
	out := make([]domain.ListingRecord, 0, len(c.records))
	for _, rec := range c.records {
		if matches(rec, filter) {
			out = append(out, rec)
		}
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ListingID > out[j].ListingID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func matches(rec domain.ListingRecord, f domain.ListingFilter) bool {
	switch f.Kind {
	case domain.FilterTitle:
		return strings.Contains(strings.ToLower(rec.Title), strings.ToLower(f.Title))
	case domain.FilterParticipant:
		if domain.SameAddress(rec.OwnerAddress, f.Participant) || domain.SameAddress(rec.Cached.Buyer, f.Participant) {
			return true
		}
		return !rec.IsBuyOrder && domain.NormalizeAddress(rec.Cached.Buyer) == ""
	default:
		return true
	}
}

func (c *Catalog) Insert(_ context.Context, rec domain.ListingRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.records[rec.ListingID]; ok {
		return domain.ErrAlreadyExists
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = c.now()
	}
	c.records[rec.ListingID] = rec
	return nil
}

func (c *Catalog) UpsertDescriptiveFields(_ context.Context, listingID int64, fields domain.DescriptiveFields) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[listingID]
	if !ok {
		return domain.ErrNotFound
	}
	if fields.Title != nil {
		rec.Title = *fields.Title
	}
	if fields.Description != nil {
		rec.Description = *fields.Description
	}
	if fields.DisplayPrice != nil {
		rec.DisplayPrice = *fields.DisplayPrice
	}
	if fields.ContactLinks != nil {
		rec.ContactLinks = *fields.ContactLinks
	}
	c.records[listingID] = rec
	return nil
}

func (c *Catalog) CacheTradeState(_ context.Context, listingID int64, snap domain.TradeSnapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[listingID]
	if !ok {
		return domain.ErrNotFound
	}
	snap.Buyer = domain.NormalizeAddress(snap.Buyer)
	if snap.CachedAt.IsZero() {
		snap.CachedAt = c.now()
	}
	rec.Cached = snap
	c.records[listingID] = rec
	return nil
}

// Delete is idempotent.
func (c *Catalog) Delete(_ context.Context, listingID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.records, listingID)
	return nil
}

func (c *Catalog) NextDraftID(_ context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drafts++
	return -c.drafts, nil
}

// Len reports the number of stored records.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records)
}

var _ domain.CatalogStore = (*Catalog)(nil)
