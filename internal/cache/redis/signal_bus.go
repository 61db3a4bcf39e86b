package redis

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/p2pmarket/internal/domain"
)

// subscriberBuffer is how many undelivered payloads a subscriber may lag
// behind before new ones are dropped.
const subscriberBuffer = 128

// SignalBus carries listing lifecycle events and operation updates over
// Redis Pub/Sub. Channel names are namespaced so several deployments can
// share one Redis.
type SignalBus struct {
	rdb       *redis.Client
	namespace string
	dropped   atomic.Int64
}

// NewSignalBus creates a SignalBus. A non-empty namespace is prepended to
// every channel as "<namespace>:<channel>".
func NewSignalBus(c *Client, namespace string) *SignalBus {
	return &SignalBus{rdb: c.Underlying(), namespace: namespace}
}

func (sb *SignalBus) channel(name string) string {
	if sb.namespace == "" {
		return name
	}
	return sb.namespace + ":" + name
}

// Publish sends payload to channel.
func (sb *SignalBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := sb.rdb.Publish(ctx, sb.channel(channel), payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe streams payloads published on channel until ctx ends, then
// closes the returned channel. A subscriber that falls behind loses the
// newest payloads rather than stalling the Redis connection; see Dropped.
func (sb *SignalBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	pubsub := sb.rdb.Subscribe(ctx, sb.channel(channel))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", channel, err)
	}

	out := make(chan []byte, subscriberBuffer)
	go func() {
		defer close(out)
		defer pubsub.Close()

		in := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				default:
					sb.dropped.Add(1)
				}
			}
		}
	}()
	return out, nil
}

// Dropped is the number of payloads discarded because a subscriber was full.
func (sb *SignalBus) Dropped() int64 {
	return sb.dropped.Load()
}

var _ domain.SignalBus = (*SignalBus)(nil)
