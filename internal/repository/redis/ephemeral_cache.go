package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"blog-auth-service/internal/client"
	"blog-auth-service/internal/repository"
)

const opTimeout = 3 * time.Second

// incrFieldScript bumps one numeric field of a JSON document in place.
// Returns -1 when the key is missing.
var incrFieldScript = goredis.NewScript(`
local raw = redis.call("GET", KEYS[1])
if not raw then
  return -1
end
local doc = cjson.decode(raw)
local n = (tonumber(doc[ARGV[1]]) or 0) + 1
doc[ARGV[1]] = n
redis.call("SET", KEYS[1], cjson.encode(doc), "KEEPTTL")
return n
`)

// EphemeralCache is the Redis backed repository.EphemeralStore holding OTP
// records and token revocation markers. Keys expire server side.
type EphemeralCache struct {
	client *client.RedisClient
	logger *zap.Logger
}

func NewEphemeralCache(client *client.RedisClient, logger *zap.Logger) *EphemeralCache {
	return &EphemeralCache{client: client, logger: logger}
}

func (c *EphemeralCache) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	val, err := c.client.Get(ctx, key)
	if err != nil {
		if errors.Is(err, client.ErrKeyNotFound) {
			return nil, repository.ErrNotFound
		}
		c.logger.Error("Failed to read ephemeral key", zap.String("key", key), zap.Error(err))
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return val, nil
}

func (c *EphemeralCache) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := c.client.Set(ctx, key, value, ttl); err != nil {
		c.logger.Error("Failed to write ephemeral key", zap.String("key", key), zap.Duration("ttl", ttl), zap.Error(err))
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	c.logger.Debug("Ephemeral key written", zap.String("key", key), zap.Duration("ttl", ttl))
	return nil
}

func (c *EphemeralCache) IncrField(ctx context.Context, key, field string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	raw, err := c.client.Eval(ctx, incrFieldScript, []string{key}, field)
	if err != nil {
		c.logger.Error("Failed to increment ephemeral field", zap.String("key", key), zap.String("field", field), zap.Error(err))
		return 0, fmt.Errorf("failed to increment %s.%s: %w", key, field, err)
	}
	n, ok := raw.(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected increment response type: %T", raw)
	}
	if n < 0 {
		return 0, repository.ErrNotFound
	}
	return int(n), nil
}

func (c *EphemeralCache) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if _, err := c.client.Del(ctx, key); err != nil {
		c.logger.Error("Failed to delete ephemeral key", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

func (c *EphemeralCache) Take(ctx context.Context, key string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	n, err := c.client.Del(ctx, key)
	if err != nil {
		c.logger.Error("Failed to take ephemeral key", zap.String("key", key), zap.Error(err))
		return false, fmt.Errorf("failed to take %s: %w", key, err)
	}
	return n > 0, nil
}

func (c *EphemeralCache) TTL(ctx context.Context, key string) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	ttl, err := c.client.TTL(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("failed to read ttl of %s: %w", key, err)
	}
	switch {
	case ttl == -2:
		return 0, repository.ErrNotFound
	case ttl < 0:
		return -1, nil
	}
	return ttl, nil
}

func (c *EphemeralCache) Exists(ctx context.Context, key string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	exists, err := c.client.Exists(ctx, key)
	if err != nil {
		return false, fmt.Errorf("failed to check %s: %w", key, err)
	}
	return exists, nil
}

// CountPrefix counts live keys under prefix using SCAN.
func (c *EphemeralCache) CountPrefix(ctx context.Context, prefix string) (int, error) {
	return c.client.CountKeys(ctx, prefix+"*")
}
