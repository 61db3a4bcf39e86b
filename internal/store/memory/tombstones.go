package memory

import (
	"context"
	"sync"

	"github.com/alanyoungcy/p2pmarket/internal/domain"
)

// CompletionMarker keeps completion tombstones for the life of the process.
type CompletionMarker struct {
	mu   sync.RWMutex
	done map[int64]struct{}
}

// NewCompletionMarker returns an empty marker set.
func NewCompletionMarker() *CompletionMarker {
	return &CompletionMarker{done: make(map[int64]struct{})}
}

func (m *CompletionMarker) MarkCompleted(_ context.Context, listingID int64) error {
	m.mu.Lock()
	m.done[listingID] = struct{}{}
	m.mu.Unlock()
	return nil
}

func (m *CompletionMarker) IsCompleted(_ context.Context, listingID int64) (bool, error) {
	m.mu.RLock()
	_, ok := m.done[listingID]
	m.mu.RUnlock()
	return ok, nil
}

var _ domain.CompletionMarker = (*CompletionMarker)(nil)
