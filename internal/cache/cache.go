// Package cache provides short-TTL caching of tenant tier resolution.
// Subscription lookups hit the billing database; caching the resolved tier
// keeps that store off the per-request hot path. Supports in-memory
// (single instance) and Redis (distributed) backends.
package cache

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/edupro/ai-gateway/internal/domain"
	"github.com/redis/go-redis/v9"
)

// TierCache stores resolved tiers keyed by tenant id. A miss returns
// ok=false; errors are deliberately not surfaced since the resolver can
// always fall through to the store.
type TierCache interface {
	Get(ctx context.Context, tenantID string) (domain.Tier, bool)
	Set(ctx context.Context, tenantID string, tier domain.Tier, ttl time.Duration)
}

type InMemoryTierCache struct {
	mu    sync.RWMutex
	items map[string]memoryItem
}

type memoryItem struct {
	tier      domain.Tier
	expiresAt time.Time
}

func NewInMemoryTierCache() *InMemoryTierCache {
	c := &InMemoryTierCache{items: make(map[string]memoryItem)}
	go c.evictLoop()
	return c
}

func (c *InMemoryTierCache) Get(ctx context.Context, tenantID string) (domain.Tier, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	item, ok := c.items[tenantID]
	if !ok || time.Now().After(item.expiresAt) {
		return domain.TierFree, false
	}
	return item.tier, true
}

func (c *InMemoryTierCache) Set(ctx context.Context, tenantID string, tier domain.Tier, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[tenantID] = memoryItem{tier: tier, expiresAt: time.Now().Add(ttl)}
}

func (c *InMemoryTierCache) evictLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		c.mu.Lock()
		now := time.Now()
		for key, item := range c.items {
			if now.After(item.expiresAt) {
				delete(c.items, key)
			}
		}
		c.mu.Unlock()
	}
}

type RedisTierCache struct {
	client *redis.Client
}

func NewRedisTierCache(redisURL string) (*RedisTierCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisTierCache{client: client}, nil
}

func NewRedisTierCacheFromClient(client *redis.Client) *RedisTierCache {
	return &RedisTierCache{client: client}
}

func (c *RedisTierCache) Get(ctx context.Context, tenantID string) (domain.Tier, bool) {
	val, err := c.client.Get(ctx, "tier:"+tenantID).Result()
	if err != nil {
		return domain.TierFree, false
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return domain.TierFree, false
	}
	return domain.Tier(n), true
}

func (c *RedisTierCache) Set(ctx context.Context, tenantID string, tier domain.Tier, ttl time.Duration) {
	c.client.Set(ctx, "tier:"+tenantID, strconv.Itoa(int(tier)), ttl)
}

func (c *RedisTierCache) Close() error {
	return c.client.Close()
}
