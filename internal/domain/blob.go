package domain

import (
	"context"
	"io"
	"time"
)

// BlobWriter uploads archive objects.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// BlobReader fetches archive objects. A missing object is ErrNotFound from
// Get and false from Exists.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	Exists(ctx context.Context, path string) (bool, error)
}

// ArchivedListing is the snapshot kept for a completed listing once its
// catalog record is gone.
type ArchivedListing struct {
	ArchivedAt time.Time     `json:"archivedAt"`
	Listing    MergedListing `json:"listing"`
}

// ListingArchiver keeps a snapshot of a listing before terminal cleanup.
type ListingArchiver interface {
	ArchiveCompleted(ctx context.Context, listing MergedListing) error
}
