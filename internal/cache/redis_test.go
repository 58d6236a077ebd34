package cache

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
)

func TestItemKey(t *testing.T) {
	id := uuid.MustParse("6f1c1d2e-8a55-4c43-9d3b-1f0a2b3c4d5e")
	if got := ItemKey(id); got != "item:6f1c1d2e-8a55-4c43-9d3b-1f0a2b3c4d5e" {
		t.Fatalf("ItemKey = %q", got)
	}
}

func TestDisabledCacheIsNoop(t *testing.T) {
	c, err := NewItemCache(context.Background(), "")
	if err != nil || c != nil {
		t.Fatalf("expected nil cache, got %v, %v", c, err)
	}
	if err := c.Invalidate(context.Background(), uuid.New()); err != nil {
		t.Fatalf("invalidate on nil cache: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close on nil cache: %v", err)
	}
}

func TestBadURL(t *testing.T) {
	if _, err := NewItemCache(context.Background(), "http://not-redis"); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestInvalidateDeletesKey(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	ctx := context.Background()
	c, err := NewItemCache(ctx, url)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	defer c.Close()

	id := uuid.New()
	if err := c.client.Set(ctx, ItemKey(id), "cached", 0).Err(); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := c.Invalidate(ctx, id); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if n := c.client.Exists(ctx, ItemKey(id)).Val(); n != 0 {
		t.Fatalf("key still present")
	}
}
