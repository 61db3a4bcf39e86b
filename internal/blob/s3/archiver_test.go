package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/p2pmarket/internal/domain"
)

type memBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErr  error
	puts    int
}

func newMemBlobs() *memBlobs { return &memBlobs{objects: map[string][]byte{}} }

func (m *memBlobs) Put(_ context.Context, path string, data io.Reader, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts++
	if m.putErr != nil {
		return m.putErr
	}
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.objects[path] = b
	return nil
}

func (m *memBlobs) Get(_ context.Context, path string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *memBlobs) Exists(_ context.Context, path string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[path]
	return ok, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingAudit struct {
	events []string
	err    error
}

func (r *recordingAudit) Log(_ context.Context, event string, _ map[string]any) error {
	r.events = append(r.events, event)
	return r.err
}

func (r *recordingAudit) List(context.Context, domain.AuditQuery) ([]domain.AuditEntry, error) {
	return nil, nil
}

func TestArchiveCompletedWritesSnapshotOnce(t *testing.T) {
	blobs := newMemBlobs()
	audit := &recordingAudit{}
	a := NewListingArchiver(blobs, blobs, audit, discardLogger())

	listing := domain.MergedListing{ListingID: 12, Title: "Lamp", Price: "1", IsCompleted: true, Status: domain.StatusCompleted}
	require.NoError(t, a.ArchiveCompleted(context.Background(), listing))
	require.NoError(t, a.ArchiveCompleted(context.Background(), listing))

	assert.Equal(t, 1, blobs.puts)
	raw, ok := blobs.objects["archive/completed/12.json"]
	require.True(t, ok)

	var doc domain.ArchivedListing
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, int64(12), doc.Listing.ListingID)
	assert.False(t, doc.ArchivedAt.IsZero())
	assert.Equal(t, []string{"listing_archived"}, audit.events)
}

func TestArchivedReadsSnapshotBack(t *testing.T) {
	blobs := newMemBlobs()
	a := NewListingArchiver(blobs, blobs, nil, discardLogger())
	ctx := context.Background()

	_, err := a.Archived(ctx, 7)
	require.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, a.ArchiveCompleted(ctx, domain.MergedListing{ListingID: 7, Title: "Desk", Buyer: "0xb0b"}))
	doc, err := a.Archived(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "Desk", doc.Listing.Title)
	assert.Equal(t, "0xb0b", doc.Listing.Buyer)

	blobs.objects[ArchivePath(8)] = []byte("{")
	_, err = a.Archived(ctx, 8)
	assert.Error(t, err)

	_, err = NewListingArchiver(blobs, nil, nil, discardLogger()).Archived(ctx, 7)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestArchiveCompletedLogsAuditFailure(t *testing.T) {
	blobs := newMemBlobs()
	audit := &recordingAudit{err: errors.New("pg down")}
	var buf bytes.Buffer
	a := NewListingArchiver(blobs, blobs, audit, slog.New(slog.NewTextHandler(&buf, nil)))

	require.NoError(t, a.ArchiveCompleted(context.Background(), domain.MergedListing{ListingID: 5}))
	assert.Contains(t, blobs.objects, ArchivePath(5))
	assert.Contains(t, buf.String(), "s3blob: audit failed")
	assert.Contains(t, buf.String(), "pg down")
}

func TestArchiveCompletedPropagatesUploadError(t *testing.T) {
	blobs := newMemBlobs()
	blobs.putErr = errors.New("503")
	a := NewListingArchiver(blobs, nil, nil, discardLogger())

	err := a.ArchiveCompleted(context.Background(), domain.MergedListing{ListingID: 3})
	assert.Error(t, err)
}

func TestNormaliseEndpoint(t *testing.T) {
	assert.Equal(t, "https://minio:9000", normaliseEndpoint("minio:9000", true))
	assert.Equal(t, "http://minio:9000", normaliseEndpoint("minio:9000", false))
	assert.Equal(t, "https://r2.example", normaliseEndpoint("https://r2.example", false))
}
