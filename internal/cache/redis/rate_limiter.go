package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/p2pmarket/internal/domain"
)

// fixedWindowLua counts hits in a window that starts on the first hit.
const fixedWindowLua = `
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
if current > tonumber(ARGV[1]) then
  return 0
end
return 1
`

// RateLimiter implements domain.RateLimiter with a fixed window per key.
type RateLimiter struct {
	rdb    *redis.Client
	script *redis.Script
}

// NewRateLimiter creates a RateLimiter backed by the given Client.
func NewRateLimiter(c *Client) *RateLimiter {
	return &RateLimiter{
		rdb:    c.Underlying(),
		script: redis.NewScript(fixedWindowLua),
	}
}

func rateLimitKey(key string) string {
	return "ratelimit:" + key
}

// Allow counts one request for key and reports whether it is within limit.
func (rl *RateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	windowMS := window.Milliseconds()
	if windowMS <= 0 || limit <= 0 {
		return false, fmt.Errorf("redis: rate limit %s: invalid limit %d per %s", key, limit, window)
	}
	allowed, err := rl.script.Run(ctx, rl.rdb, []string{rateLimitKey(key)}, limit, windowMS).Int64()
	if err != nil {
		return false, fmt.Errorf("redis: rate limit allow %s: %w", key, err)
	}
	return allowed == 1, nil
}

var _ domain.RateLimiter = (*RateLimiter)(nil)
