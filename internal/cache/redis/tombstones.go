package redis

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/p2pmarket/internal/domain"
)

const completedKey = "listing:completed"

// CompletionMarker stores completed listing ids in a Redis set so every
// instance hides them, even before the catalog record is gone.
type CompletionMarker struct {
	rdb *redis.Client
}

// NewCompletionMarker creates a CompletionMarker backed by the given Client.
func NewCompletionMarker(c *Client) *CompletionMarker {
	return &CompletionMarker{rdb: c.Underlying()}
}

func (m *CompletionMarker) MarkCompleted(ctx context.Context, listingID int64) error {
	if err := m.rdb.SAdd(ctx, completedKey, strconv.FormatInt(listingID, 10)).Err(); err != nil {
		return fmt.Errorf("redis: mark completed %d: %w", listingID, err)
	}
	return nil
}

func (m *CompletionMarker) IsCompleted(ctx context.Context, listingID int64) (bool, error) {
	ok, err := m.rdb.SIsMember(ctx, completedKey, strconv.FormatInt(listingID, 10)).Result()
	if err != nil {
		return false, fmt.Errorf("redis: is completed %d: %w", listingID, err)
	}
	return ok, nil
}

var _ domain.CompletionMarker = (*CompletionMarker)(nil)
