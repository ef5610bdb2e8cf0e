package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"tillpoint/backend/internal/domain"
	"tillpoint/backend/internal/store"
)

const (
	discountsKey    = "tillpoint:catalog:discounts"
	pricingRulesKey = "tillpoint:catalog:pricing_rules"
)

// RedisCatalogCache is a read-through cache in front of a store.Catalog for
// the discount and pricing rule lists. Products are never cached because
// stock must be read fresh. Redis failures fall back to the wrapped catalog.
type RedisCatalogCache struct {
	next   store.Catalog
	client *redis.Client
	ttl    time.Duration
}

func NewRedisClient(addr string, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

func NewRedisCatalogCache(next store.Catalog, client *redis.Client, ttl time.Duration) *RedisCatalogCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisCatalogCache{next: next, client: client, ttl: ttl}
}

func (c *RedisCatalogCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCatalogCache) Close() error {
	return c.client.Close()
}

func (c *RedisCatalogCache) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	return c.next.GetProduct(ctx, id)
}

func (c *RedisCatalogCache) ListActiveDiscounts(ctx context.Context, now time.Time) ([]domain.Discount, error) {
	return readThrough(ctx, c, discountsKey, func() ([]domain.Discount, error) {
		return c.next.ListActiveDiscounts(ctx, now)
	})
}

func (c *RedisCatalogCache) ListActivePricingRules(ctx context.Context, now time.Time) ([]domain.PricingRule, error) {
	return readThrough(ctx, c, pricingRulesKey, func() ([]domain.PricingRule, error) {
		return c.next.ListActivePricingRules(ctx, now)
	})
}

func (c *RedisCatalogCache) Invalidate(ctx context.Context) error {
	return c.client.Del(ctx, discountsKey, pricingRulesKey).Err()
}

func readThrough[T any](ctx context.Context, c *RedisCatalogCache, key string, load func() ([]T, error)) ([]T, error) {
	val, err := c.client.Get(ctx, key).Result()
	switch {
	case err == nil:
		var cached []T
		if err := json.Unmarshal([]byte(val), &cached); err == nil {
			return cached, nil
		}
		log.Warn().Str("key", key).Msg("discarding undecodable cache entry")
	case !errors.Is(err, redis.Nil):
		log.Warn().Err(err).Str("key", key).Msg("redis read failed; using catalog")
	}

	items, err := load()
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(items)
	if err != nil {
		return items, nil
	}
	if err := c.client.Set(ctx, key, payload, c.ttl).Err(); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("redis write failed")
	}
	return items, nil
}
