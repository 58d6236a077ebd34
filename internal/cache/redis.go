// Package cache drops cached item views from Redis when the pipeline
// changes an item.
package cache

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type ItemCache struct {
	client *redis.Client
}

// NewItemCache returns nil when url is empty; a nil *ItemCache is a no-op.
func NewItemCache(ctx context.Context, url string) (*ItemCache, error) {
	const op = "cache.NewItemCache"

	if url == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%s: ping: %w", op, err)
	}
	return &ItemCache{client: client}, nil
}

func ItemKey(id uuid.UUID) string {
	return "item:" + id.String()
}

func (c *ItemCache) Invalidate(ctx context.Context, itemID uuid.UUID) error {
	if c == nil {
		return nil
	}
	if err := c.client.Del(ctx, ItemKey(itemID)).Err(); err != nil {
		return fmt.Errorf("cache.Invalidate: %w", err)
	}
	return nil
}

func (c *ItemCache) Close() error {
	if c == nil {
		return nil
	}
	return c.client.Close()
}
