package redis

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"blog-auth-service/internal/client"
)

var fixedWindowScript = goredis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

// RateLimitCache is a fixed-window request counter shared by all replicas.
type RateLimitCache struct {
	client *client.RedisClient
	prefix string
}

func NewRateLimitCache(client *client.RedisClient, prefix string) *RateLimitCache {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "blog_auth:rate_limit"
	}
	return &RateLimitCache{client: client, prefix: prefix}
}

// Consume counts one request for subject in scope and returns the count in
// the current window and the seconds until the window resets.
func (c *RateLimitCache) Consume(ctx context.Context, scope, subject string, window time.Duration) (int, int, error) {
	windowMs := window.Milliseconds()
	if windowMs < 1000 {
		windowMs = 1000
	}

	key := fmt.Sprintf("%s:%s:%s", c.prefix, scope, subject)
	raw, err := c.client.Eval(ctx, fixedWindowScript, []string{key}, windowMs)
	if err != nil {
		return 0, 0, err
	}

	values, ok := raw.([]interface{})
	if !ok || len(values) != 2 {
		return 0, 0, fmt.Errorf("unexpected rate limiter response shape: %T", raw)
	}
	count, ok := values[0].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("unexpected rate limiter count type: %T", values[0])
	}
	ttlMs, ok := values[1].(int64)
	if !ok || ttlMs < 0 {
		ttlMs = windowMs
	}

	retryAfter := int(math.Ceil(float64(ttlMs) / 1000.0))
	if retryAfter < 1 {
		retryAfter = 1
	}
	return int(count), retryAfter, nil
}
