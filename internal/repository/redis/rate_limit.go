package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/arklim/storefront-auth/internal/core/port"
)

// fixedWindowScript increments the counter and anchors its expiry on the first hit of a window.
var fixedWindowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// RateLimitRepository keeps fixed-window counters in Redis so every instance shares them.
type RateLimitRepository struct {
	client    redis.Scripter
	keyPrefix string
}

var _ port.RateLimitStore = (*RateLimitRepository)(nil)

// NewRateLimitRepository constructs a repository using the provided Redis client and key prefix.
func NewRateLimitRepository(client redis.Scripter, keyPrefix string) *RateLimitRepository {
	return &RateLimitRepository{client: client, keyPrefix: keyPrefix}
}

// Incr counts one hit for key. The window expires through the key TTL.
func (r *RateLimitRepository) Incr(ctx context.Context, key string, window time.Duration, now time.Time) (port.RateWindow, error) {
	if window <= 0 {
		return port.RateWindow{}, errors.New("window must be positive")
	}

	res, err := fixedWindowScript.Run(ctx, r.client, []string{r.key(key)}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return port.RateWindow{}, fmt.Errorf("redis rate limit script: %w", err)
	}
	if len(res) != 2 {
		return port.RateWindow{}, fmt.Errorf("redis rate limit script: unexpected reply length %d", len(res))
	}

	return port.RateWindow{
		Count:   int(res[0]),
		ResetAt: now.Add(time.Duration(res[1]) * time.Millisecond),
	}, nil
}

func (r *RateLimitRepository) key(identifier string) string {
	if r.keyPrefix == "" {
		return identifier
	}
	return r.keyPrefix + ":" + identifier
}
