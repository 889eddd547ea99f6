// Package cache holds the Redis-backed credit state cache.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/PortNumber53/creditmeter/backend/internal/billing"
)

const (
	keyPrefix = "creditmeter:credit_state:"
	genPrefix = "creditmeter:credit_gen:"

	// genTTL must outlive any cached state.
	genTTL = 24 * time.Hour
)

// setIfGeneration writes KEYS[2] only while KEYS[1] still holds ARGV[1].
var setIfGeneration = redis.NewScript(`
if (redis.call('GET', KEYS[1]) or '0') ~= ARGV[1] then
  return 0
end
redis.call('SET', KEYS[2], ARGV[2], 'PX', ARGV[3])
return 1
`)

// CreditStateCache stores billing.CreditState values in Redis with a TTL.
type CreditStateCache struct {
	client *redis.Client
	ttl    time.Duration
}

var _ billing.CreditStateCache = (*CreditStateCache)(nil)

// NewCreditStateCache connects to the Redis instance at redisURL.
func NewCreditStateCache(ctx context.Context, redisURL string, ttl time.Duration) (*CreditStateCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewWithClient(client, ttl), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client, ttl time.Duration) *CreditStateCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &CreditStateCache{client: client, ttl: ttl}
}

func key(accountID string) string {
	return keyPrefix + accountID
}

func genKey(accountID string) string {
	return genPrefix + accountID
}

// Get returns the cached state or nil on a miss.
func (c *CreditStateCache) Get(ctx context.Context, accountID string) (*billing.CreditState, error) {
	data, err := c.client.Get(ctx, key(accountID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	var state billing.CreditState
	if err := json.Unmarshal(data, &state); err != nil {
		c.client.Del(ctx, key(accountID))
		return nil, fmt.Errorf("failed to unmarshal credit state: %w", err)
	}
	return &state, nil
}

// Generation returns the invalidation counter of accountID, 0 when unset.
func (c *CreditStateCache) Generation(ctx context.Context, accountID string) (int64, error) {
	gen, err := c.client.Get(ctx, genKey(accountID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis generation read failed: %w", err)
	}
	return gen, nil
}

// SetIfGeneration stores state for the configured TTL unless accountID was
// invalidated after gen was read. It reports whether the state was stored.
func (c *CreditStateCache) SetIfGeneration(ctx context.Context, accountID string, gen int64, state billing.CreditState) (bool, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return false, fmt.Errorf("failed to marshal credit state: %w", err)
	}
	stored, err := setIfGeneration.Run(ctx, c.client,
		[]string{genKey(accountID), key(accountID)},
		strconv.FormatInt(gen, 10), data, c.ttl.Milliseconds(),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("redis conditional set failed: %w", err)
	}
	return stored == 1, nil
}

// Invalidate drops the cached state of accountID and advances its
// generation so fills that started earlier cannot write it back.
func (c *CreditStateCache) Invalidate(ctx context.Context, accountID string) error {
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, genKey(accountID))
		pipe.Expire(ctx, genKey(accountID), genTTL)
		pipe.Del(ctx, key(accountID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis invalidate failed: %w", err)
	}
	return nil
}

// Ping checks connectivity.
func (c *CreditStateCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close releases the client.
func (c *CreditStateCache) Close() error {
	return c.client.Close()
}
