package types

import (
	"context"
	"time"
)

// CacheStore maps keys to the last successfully fetched payload. Expiry is
// computed at read time; nothing is swept in the background.
type CacheStore interface {
	Get(ctx context.Context, key string) (*CacheEntry, bool)
	GetIncludingStale(ctx context.Context, key string) (*CacheEntry, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration, critical bool)
	Evict(ctx context.Context, key string)
	EvictPattern(ctx context.Context, pattern string)
	DefaultTTL() time.Duration
}

type CacheEntry struct {
	Key      string        `json:"-"`
	Value    []byte        `json:"value"`
	StoredAt time.Time     `json:"stored_at"`
	TTL      time.Duration `json:"ttl"`
	Critical bool          `json:"critical"`
}

func (e *CacheEntry) Age(now time.Time) time.Duration {
	return now.Sub(e.StoredAt)
}

// IsFresh reports age < ttl. A stale entry is only served through the
// critical fallback path.
func (e *CacheEntry) IsFresh(now time.Time) bool {
	return e.Age(now) < e.TTL
}
