package fees

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/redis/go-redis/v9"

	"github.com/liamcoop/tollpricing/internal/logger"
)

// DefaultRedisKey is where the active rule snapshot is stored
const DefaultRedisKey = "tollpricing:fee_rules:active"

// RedisRulesCache shares the active rule snapshot between service replicas.
// The snapshot is stored as one JSON document so readers never see a partial set.
// A counter under "<key>:generation" is bumped by Invalidate; Set writes inside a
// WATCH on that counter so a snapshot loaded before an invalidation is discarded.
type RedisRulesCache struct {
	client *redis.Client
	key    string
	genKey string
	config CacheConfig
}

var errStaleSnapshot = errors.New("rule snapshot generation is stale")

// NewRedisRulesCache creates a Redis-backed rules cache
func NewRedisRulesCache(client *redis.Client, key string, config CacheConfig) *RedisRulesCache {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisRulesCache{
		client: client,
		key:    key,
		genKey: key + ":generation",
		config: config,
	}
}

// Get retrieves cached rules, nil on miss or backend error
func (c *RedisRulesCache) Get(ctx context.Context) []*FeeRule {
	data, err := c.client.Get(ctx, c.key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logger.Warn("rule cache read failed", "key", c.key, "error", err)
		}
		return nil
	}

	var rules []*FeeRule
	if err := json.Unmarshal(data, &rules); err != nil {
		logger.Warn("rule cache holds an unreadable snapshot", "key", c.key, "error", err)
		return nil
	}
	if rules == nil {
		rules = []*FeeRule{}
	}
	return rules
}

// Generation returns the shared generation counter, 0 before the first invalidation
func (c *RedisRulesCache) Generation(ctx context.Context) uint64 {
	gen, err := readGeneration(ctx, c.client, c.genKey)
	if err != nil {
		logger.Warn("rule cache generation read failed", "key", c.genKey, "error", err)
	}
	return gen
}

// Set stores rules in cache if generation is still current
func (c *RedisRulesCache) Set(ctx context.Context, generation uint64, rules []*FeeRule) bool {
	if rules == nil {
		rules = []*FeeRule{}
	}
	data, err := json.Marshal(rules)
	if err != nil {
		logger.Warn("failed to encode rule snapshot", "error", err)
		return false
	}

	err = c.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := readGeneration(ctx, tx, c.genKey)
		if err != nil {
			return err
		}
		if current != generation {
			return errStaleSnapshot
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, c.key, data, c.config.TTL)
			return nil
		})
		return err
	}, c.genKey)

	switch {
	case err == nil:
		return true
	case errors.Is(err, errStaleSnapshot), errors.Is(err, redis.TxFailedErr):
		return false
	default:
		logger.Warn("rule cache write failed", "key", c.key, "error", err)
		return false
	}
}

// Invalidate clears the cache and bumps the generation in one transaction
func (c *RedisRulesCache) Invalidate(ctx context.Context) {
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, c.genKey)
		pipe.Del(ctx, c.key)
		return nil
	})
	if err != nil {
		logger.Warn("rule cache invalidation failed", "key", c.key, "error", err)
	}
}

// IsValid returns true if a snapshot is present
func (c *RedisRulesCache) IsValid(ctx context.Context) bool {
	n, err := c.client.Exists(ctx, c.key).Result()
	return err == nil && n == 1
}

// getter is satisfied by both *redis.Client and *redis.Tx
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func readGeneration(ctx context.Context, c getter, key string) (uint64, error) {
	gen, err := c.Get(ctx, key).Uint64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}
