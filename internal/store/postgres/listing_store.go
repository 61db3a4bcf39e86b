package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/p2pmarket/internal/domain"
)

// ListingStore implements domain.CatalogStore on the listings table.
type ListingStore struct {
	pool *pgxpool.Pool
}

// NewListingStore creates a ListingStore backed by pool.
func NewListingStore(pool *pgxpool.Pool) *ListingStore {
	return &ListingStore{pool: pool}
}

const listingColumns = `
	listing_id, title, description, display_price,
	twitter_link, telegram_link, created_at, is_buy_order, owner_address,
	cached_buyer, cached_delivered, cached_completed, cached_price, cached_at`

// Get returns the record for listingID or domain.ErrNotFound.
func (s *ListingStore) Get(ctx context.Context, listingID int64) (domain.ListingRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+listingColumns+` FROM listings WHERE listing_id = $1`, listingID)
	rec, err := scanListing(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ListingRecord{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.ListingRecord{}, fmt.Errorf("postgres: get listing %d: %w", listingID, err)
	}
	return rec, nil
}

// List returns records matching filter, newest first. A participant filter
// returns every row whose owner or cached buyer matches, plus every sell
// listing with no cached buyer, because the cached buyer may be stale.
func (s *ListingStore) List(ctx context.Context, filter domain.ListingFilter) ([]domain.ListingRecord, error) {
	q := &query{
		base:    `SELECT ` + listingColumns + ` FROM listings`,
		orderBy: "created_at DESC, listing_id DESC",
	}
	switch filter.Kind {
	case domain.FilterTitle:
		q.and("title ILIKE " + q.arg(likePattern(filter.Title)))
	case domain.FilterParticipant:
		addr := strings.ToLower(strings.TrimSpace(filter.Participant))
		p := q.arg(addr)
		q.and(fmt.Sprintf(
			"(LOWER(owner_address) = %s OR LOWER(cached_buyer) = %s OR (NOT is_buy_order AND (cached_buyer IS NULL OR cached_buyer = '')))",
			p, p))
	}
	q.limit(filter.Limit)

	rows, err := s.pool.Query(ctx, q.String(), q.args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list listings: %w", err)
	}
	defer rows.Close()

	var out []domain.ListingRecord
	for rows.Next() {
		rec, err := scanListing(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan listing: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list listings rows: %w", err)
	}
	return out, nil
}

// Insert writes a new record. An existing id is domain.ErrAlreadyExists.
func (s *ListingStore) Insert(ctx context.Context, rec domain.ListingRecord) error {
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	const stmt = `
		INSERT INTO listings (
			listing_id, title, description, display_price,
			twitter_link, telegram_link, created_at, is_buy_order, owner_address
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (listing_id) DO NOTHING`

	tag, err := s.pool.Exec(ctx, stmt,
		rec.ListingID, rec.Title, rec.Description, rec.DisplayPrice,
		rec.ContactLinks.Twitter, rec.ContactLinks.Telegram,
		createdAt, rec.IsBuyOrder, rec.OwnerAddress,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert listing %d: %w", rec.ListingID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: insert listing %d: %w", rec.ListingID, domain.ErrAlreadyExists)
	}
	return nil
}

// UpsertDescriptiveFields overwrites the non-nil fields. Identity, owner,
// buy-order flag and creation time are never touched.
func (s *ListingStore) UpsertDescriptiveFields(ctx context.Context, listingID int64, fields domain.DescriptiveFields) error {
	var twitter, telegram *string
	if fields.ContactLinks != nil {
		twitter, telegram = &fields.ContactLinks.Twitter, &fields.ContactLinks.Telegram
	}
	const stmt = `
		UPDATE listings SET
			title         = COALESCE($2, title),
			description   = COALESCE($3, description),
			display_price = COALESCE($4, display_price),
			twitter_link  = COALESCE($5, twitter_link),
			telegram_link = COALESCE($6, telegram_link),
			updated_at    = NOW()
		WHERE listing_id = $1`

	tag, err := s.pool.Exec(ctx, stmt, listingID,
		fields.Title, fields.Description, fields.DisplayPrice, twitter, telegram)
	if err != nil {
		return fmt.Errorf("postgres: update listing %d: %w", listingID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// CacheTradeState stores the best-effort ledger snapshot on the record.
func (s *ListingStore) CacheTradeState(ctx context.Context, listingID int64, snap domain.TradeSnapshot) error {
	var buyer *string
	if b := domain.NormalizeAddress(snap.Buyer); b != "" {
		buyer = &b
	}
	cachedAt := snap.CachedAt
	if cachedAt.IsZero() {
		cachedAt = time.Now().UTC()
	}
	const stmt = `
		UPDATE listings SET
			cached_buyer     = $2,
			cached_delivered = $3,
			cached_completed = $4,
			cached_price     = $5,
			cached_at        = $6
		WHERE listing_id = $1`

	tag, err := s.pool.Exec(ctx, stmt, listingID, buyer, snap.Delivered, snap.Completed, snap.LedgerPrice, cachedAt)
	if err != nil {
		return fmt.Errorf("postgres: cache trade state %d: %w", listingID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Delete removes the record. Deleting a missing record is not an error.
func (s *ListingStore) Delete(ctx context.Context, listingID int64) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM listings WHERE listing_id = $1`, listingID); err != nil {
		return fmt.Errorf("postgres: delete listing %d: %w", listingID, err)
	}
	return nil
}

// NextDraftID reserves a negative id for a ledger-less buy order.
func (s *ListingStore) NextDraftID(ctx context.Context) (int64, error) {
	var id int64
	if err := s.pool.QueryRow(ctx, `SELECT -nextval('listing_draft_seq')`).Scan(&id); err != nil {
		return 0, fmt.Errorf("postgres: next draft id: %w", err)
	}
	return id, nil
}

func scanListing(row pgx.Row) (domain.ListingRecord, error) {
	var (
		rec      domain.ListingRecord
		buyer    *string
		cachedAt *time.Time
	)
	err := row.Scan(
		&rec.ListingID, &rec.Title, &rec.Description, &rec.DisplayPrice,
		&rec.ContactLinks.Twitter, &rec.ContactLinks.Telegram,
		&rec.CreatedAt, &rec.IsBuyOrder, &rec.OwnerAddress,
		&buyer, &rec.Cached.Delivered, &rec.Cached.Completed, &rec.Cached.LedgerPrice, &cachedAt,
	)
	if err != nil {
		return domain.ListingRecord{}, err
	}
	if buyer != nil {
		rec.Cached.Buyer = *buyer
	}
	if cachedAt != nil {
		rec.Cached.CachedAt = *cachedAt
	}
	return rec, nil
}

var _ domain.CatalogStore = (*ListingStore)(nil)
