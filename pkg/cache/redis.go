package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

// fillScript stores ARGV[2] under KEYS[2] for ARGV[3] milliseconds only when
// the epoch counter in KEYS[1] still equals ARGV[1].
var fillScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if (current or '0') ~= ARGV[1] then
	return 0
end
redis.call('SET', KEYS[2], ARGV[2], 'PX', ARGV[3])
return 1
`)

// RedisConfig configures the shared decision cache
type RedisConfig struct {
	URL       string
	Password  string
	DB        int
	KeyPrefix string
	MaxTTL    time.Duration
}

// RedisCache shares decisions between engine instances through Redis
type RedisCache struct {
	client *redis.Client
	prefix string
	maxTTL time.Duration
	stats  counters
}

// NewRedisClient parses the URL and verifies connectivity
func NewRedisClient(cfg RedisConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.DB > 0 {
		opts.DB = cfg.DB
	}

	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.PoolTimeout = 4 * time.Second

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// NewRedisCache wraps an existing client
func NewRedisCache(client *redis.Client, prefix string, maxTTL time.Duration) *RedisCache {
	if prefix == "" {
		prefix = "rbac:"
	}
	if maxTTL <= 0 {
		maxTTL = time.Minute
	}
	return &RedisCache{client: client, prefix: prefix, maxTTL: maxTTL}
}

func (c *RedisCache) epochKey() string {
	return c.prefix + "epoch"
}

func (c *RedisCache) entryKey(k Key) string {
	return fmt.Sprintf("%sdecision:%s:%s:%s", c.prefix, k.OrganizationID, k.PrincipalID, k.Permission)
}

// Get retrieves a decision
func (c *RedisCache) Get(ctx context.Context, key Key) (*Entry, bool, error) {
	data, err := c.client.Get(ctx, c.entryKey(key)).Result()
	if err == redis.Nil {
		c.stats.misses.Add(1)
		return nil, false, nil
	} else if err != nil {
		return nil, false, fmt.Errorf("redis get failed: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		// If unmarshal fails, delete corrupt data
		c.client.Del(ctx, c.entryKey(key))
		c.stats.misses.Add(1)
		return nil, false, nil
	}
	c.stats.hits.Add(1)
	return &entry, true, nil
}

// Epoch reads the shared invalidation counter
func (c *RedisCache) Epoch(ctx context.Context) (uint64, error) {
	v, err := c.client.Get(ctx, c.epochKey()).Result()
	if err == redis.Nil {
		return 0, nil
	} else if err != nil {
		return 0, fmt.Errorf("redis get epoch failed: %w", err)
	}
	epoch, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid epoch %q: %w", v, err)
	}
	return epoch, nil
}

// Fill stores the decision atomically with the epoch comparison
func (c *RedisCache) Fill(ctx context.Context, key Key, entry *Entry, ttl time.Duration, epoch uint64) (bool, error) {
	if ttl <= 0 {
		return false, nil
	}
	if ttl > c.maxTTL {
		ttl = c.maxTTL
	}

	stored := *entry
	stored.StoredAt = time.Now().UTC()
	stored.ExpiresAt = stored.StoredAt.Add(ttl)
	data, err := json.Marshal(&stored)
	if err != nil {
		return false, fmt.Errorf("failed to marshal decision: %w", err)
	}

	ok, err := fillScript.Run(ctx, c.client,
		[]string{c.epochKey(), c.entryKey(key)},
		strconv.FormatUint(epoch, 10), string(data), ttl.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("redis fill failed: %w", err)
	}
	if ok == 0 {
		c.stats.stale.Add(1)
		return false, nil
	}
	c.stats.fills.Add(1)
	return true, nil
}

// Invalidate bumps the epoch then deletes matching keys
func (c *RedisCache) Invalidate(ctx context.Context, scope Scope) error {
	if err := c.client.Incr(ctx, c.epochKey()).Err(); err != nil {
		return fmt.Errorf("redis epoch bump failed: %w", err)
	}
	c.stats.invalidations.Add(1)

	principal := "*"
	if scope.PrincipalID != "" {
		principal = escapeGlob(scope.PrincipalID)
	}

	var patterns []string
	if len(scope.OrganizationIDs) == 0 {
		patterns = append(patterns, fmt.Sprintf("%sdecision:*:%s:*", c.prefix, principal))
	}
	for _, org := range scope.OrganizationIDs {
		patterns = append(patterns, fmt.Sprintf("%sdecision:%s:%s:*", c.prefix, escapeGlob(org), principal))
	}
	return c.deletePatterns(ctx, patterns...)
}

// Clear bumps the epoch and deletes every decision
func (c *RedisCache) Clear(ctx context.Context) error {
	if err := c.client.Incr(ctx, c.epochKey()).Err(); err != nil {
		return fmt.Errorf("redis epoch bump failed: %w", err)
	}
	c.stats.invalidations.Add(1)
	return c.deletePatterns(ctx, c.prefix+"decision:*")
}

func (c *RedisCache) deletePatterns(ctx context.Context, patterns ...string) error {
	for _, pattern := range patterns {
		iter := c.client.Scan(ctx, 0, pattern, 100).Iterator()
		for iter.Next(ctx) {
			if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
				return fmt.Errorf("failed to delete key %s: %w", iter.Val(), err)
			}
		}
		if err := iter.Err(); err != nil {
			return fmt.Errorf("scan failed for pattern %s: %w", pattern, err)
		}
	}
	return nil
}

// Stats returns activity counters for this instance
func (c *RedisCache) Stats() Stats {
	return c.stats.snapshot()
}

// Client returns the underlying client for health checks
func (c *RedisCache) Client() *redis.Client {
	return c.client
}

// Close closes the Redis connection
func (c *RedisCache) Close() error {
	return c.client.Close()
}

var globReplacer = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func escapeGlob(s string) string {
	return globReplacer.Replace(s)
}
