package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/p2pmarket/internal/domain"
)

// ArchivePath is where the snapshot of a completed listing is stored.
func ArchivePath(listingID int64) string {
	return fmt.Sprintf("archive/completed/%d.json", listingID)
}

// ListingArchiver writes a JSON snapshot of a completed listing before its
// catalog record is removed. Re-archiving an id is a no-op.
type ListingArchiver struct {
	writer domain.BlobWriter
	reader domain.BlobReader
	audit  domain.AuditStore
	logger *slog.Logger
	now    func() time.Time
}

// NewListingArchiver creates a ListingArchiver. reader and audit may be nil.
func NewListingArchiver(writer domain.BlobWriter, reader domain.BlobReader, audit domain.AuditStore, logger *slog.Logger) *ListingArchiver {
	return &ListingArchiver{
		writer: writer,
		reader: reader,
		audit:  audit,
		logger: logger.With(slog.String("component", "archiver")),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// ArchiveCompleted uploads the snapshot.
func (a *ListingArchiver) ArchiveCompleted(ctx context.Context, listing domain.MergedListing) error {
	path := ArchivePath(listing.ListingID)
	if a.reader != nil {
		exists, err := a.reader.Exists(ctx, path)
		if err != nil {
			return fmt.Errorf("s3blob: archive %d: %w", listing.ListingID, err)
		}
		if exists {
			return nil
		}
	}

	body, err := json.Marshal(domain.ArchivedListing{ArchivedAt: a.now(), Listing: listing})
	if err != nil {
		return fmt.Errorf("s3blob: marshal listing %d: %w", listing.ListingID, err)
	}
	if err := a.writer.Put(ctx, path, bytes.NewReader(body), "application/json"); err != nil {
		return fmt.Errorf("s3blob: archive %d: %w", listing.ListingID, err)
	}

	if a.audit != nil {
		err := a.audit.Log(ctx, "listing_archived", map[string]any{
			"listing_id": listing.ListingID,
			"path":       path,
			"bytes":      len(body),
		})
		if err != nil {
			a.logger.WarnContext(ctx, "s3blob: audit failed",
				slog.Int64("listing_id", listing.ListingID),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// Archived reads back the snapshot of a completed listing. Without a reader,
// or when nothing was archived, it returns domain.ErrNotFound.
func (a *ListingArchiver) Archived(ctx context.Context, listingID int64) (domain.ArchivedListing, error) {
	if a.reader == nil {
		return domain.ArchivedListing{}, domain.ErrNotFound
	}
	body, err := a.reader.Get(ctx, ArchivePath(listingID))
	if err != nil {
		return domain.ArchivedListing{}, err
	}
	defer body.Close()

	var doc domain.ArchivedListing
	if err := json.NewDecoder(body).Decode(&doc); err != nil {
		return domain.ArchivedListing{}, fmt.Errorf("s3blob: decode archive %d: %w", listingID, err)
	}
	return doc, nil
}

var _ domain.ListingArchiver = (*ListingArchiver)(nil)
