package dedup

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is a fast-path filter in front of the database's unique-insert. It is
// an optimization only: the ON CONFLICT insert remains the source of truth,
// so Redis errors degrade to "not seen" instead of failing ingest.
type Cache struct {
	rdb *redis.Client
	ttl time.Duration
}

func New(rdb *redis.Client, ttl time.Duration) *Cache {
	return &Cache{rdb: rdb, ttl: ttl}
}

// Seen reports whether the provider message id is already cached. Read-only:
// ids enter the cache through Mark once the row is persisted, so an ingest
// that fails mid-way leaves nothing behind and the provider's retry goes
// through the full path again.
func (c *Cache) Seen(ctx context.Context, providerMessageID string) bool {
	if c == nil || c.rdb == nil {
		return false
	}
	n, err := c.rdb.Exists(ctx, "wamsg:"+providerMessageID).Result()
	if err != nil {
		slog.Warn("dedup cache unavailable", "err", err)
		return false
	}
	return n > 0
}

// Mark records a persisted provider message id. Best effort; a lost mark only
// costs one extra trip to the database's conflict check.
func (c *Cache) Mark(ctx context.Context, providerMessageID string) {
	if c == nil || c.rdb == nil {
		return
	}
	if err := c.rdb.Set(ctx, "wamsg:"+providerMessageID, 1, c.ttl).Err(); err != nil {
		slog.Warn("dedup cache unavailable", "err", err)
	}
}
