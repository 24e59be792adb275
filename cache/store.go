package cache

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-query-cache/types"
	"github.com/saiset-co/sai-query-cache/utils"
)

// KeyPrefix namespaces cache records inside the shared storage backend.
const KeyPrefix = "cache:"

const wildcard = "*"

type Option func(*Store)

// WithClock replaces time.Now for age computations.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

func WithMetrics(metrics types.MetricsManager) Option {
	return func(s *Store) {
		s.metrics = metrics
	}
}

// Store is the CacheStore over a durable storage backend. Entries are never
// swept: freshness is decided at read time and only eviction removes them.
type Store struct {
	storage types.Storage
	logger  types.Logger
	metrics types.MetricsManager
	config  types.CacheConfig
	codec   *Codec
	now     func() time.Time
}

var _ types.CacheStore = (*Store)(nil)

func NewStore(storage types.Storage, config *types.CacheConfig, logger types.Logger, opts ...Option) (*Store, error) {
	if storage == nil {
		return nil, types.Errorf(types.ErrInvalidParameter, "storage is nil")
	}

	cfg := types.CacheConfig{
		DefaultTTL:      5 * time.Minute,
		PersistAttempts: 3,
		PersistDelay:    100 * time.Millisecond,
		Compression:     "none",
	}
	if config != nil {
		cfg = *config
	}
	if cfg.PersistAttempts < 1 {
		cfg.PersistAttempts = 1
	}

	s := &Store{
		storage: storage,
		logger:  logger,
		config:  cfg,
		codec:   NewCodec(cfg.Compression),
		now:     time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

func (s *Store) DefaultTTL() time.Duration {
	return s.config.DefaultTTL
}

// Get returns the entry only while it is fresh.
func (s *Store) Get(ctx context.Context, key string) (*types.CacheEntry, bool) {
	entry, ok := s.load(ctx, key)
	if !ok {
		s.countRead("miss")
		return nil, false
	}

	if !entry.IsFresh(s.now()) {
		s.countRead("expired")
		return nil, false
	}

	s.countRead("fresh")
	return entry, true
}

// GetIncludingStale returns the entry regardless of its age.
func (s *Store) GetIncludingStale(ctx context.Context, key string) (*types.CacheEntry, bool) {
	entry, ok := s.load(ctx, key)
	if !ok {
		s.countRead("miss")
		return nil, false
	}

	if entry.IsFresh(s.now()) {
		s.countRead("fresh")
	} else {
		s.countRead("stale")
	}
	return entry, true
}

// Set overwrites the entry for key. Persistence failures are retried with a
// fixed delay, then logged and dropped.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration, critical bool) {
	if key == "" {
		s.logger.Warn("Cache set with empty key ignored")
		return
	}

	if ttl <= 0 {
		ttl = s.config.DefaultTTL
	}

	entry := &types.CacheEntry{
		Key:      key,
		Value:    value,
		StoredAt: s.now(),
		TTL:      ttl,
		Critical: critical,
	}

	data, err := s.codec.Encode(entry)
	if err != nil {
		s.logger.Error("Failed to encode cache entry", zap.String("key", key), zap.Error(err))
		s.countPersistFailure()
		return
	}

	err = utils.RetryConstant(ctx, s.config.PersistAttempts, s.config.PersistDelay,
		func() error {
			return s.storage.Set(ctx, KeyPrefix+key, data)
		},
		func(attempt int, err error) {
			s.logger.Warn("Cache persist attempt failed",
				zap.String("key", key),
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", s.config.PersistAttempts),
				zap.Error(err))
		},
	)
	if err != nil {
		s.logger.Error("Cache entry not persisted",
			zap.String("key", key),
			zap.Error(types.Errorf(types.ErrStorage, "%v", err)))
		s.countPersistFailure()
	}
}

func (s *Store) Evict(ctx context.Context, key string) {
	if err := s.storage.Delete(ctx, KeyPrefix+key); err != nil {
		s.logger.Error("Failed to evict cache entry", zap.String("key", key), zap.Error(err))
	}
}

// EvictPattern removes every entry whose key starts with the literal prefix
// before a single trailing "*". Without the trailing "*" it evicts exactly.
func (s *Store) EvictPattern(ctx context.Context, pattern string) {
	prefix, ok := PatternPrefix(pattern)
	if !ok {
		s.Evict(ctx, pattern)
		return
	}

	keys, err := s.storage.Keys(ctx, KeyPrefix+prefix)
	if err != nil {
		s.logger.Error("Failed to list cache entries", zap.String("pattern", pattern), zap.Error(err))
		return
	}

	for _, key := range keys {
		if err = s.storage.Delete(ctx, key); err != nil {
			s.logger.Error("Failed to evict cache entry",
				zap.String("key", strings.TrimPrefix(key, KeyPrefix)),
				zap.Error(err))
		}
	}

	s.logger.Debug("Cache pattern evicted", zap.String("pattern", pattern), zap.Int("count", len(keys)))
}

// PatternPrefix reports the literal prefix of a wildcard pattern.
func PatternPrefix(pattern string) (string, bool) {
	if !strings.HasSuffix(pattern, wildcard) {
		return "", false
	}
	return strings.TrimSuffix(pattern, wildcard), true
}

func (s *Store) load(ctx context.Context, key string) (*types.CacheEntry, bool) {
	if key == "" {
		return nil, false
	}

	data, exists, err := s.storage.Get(ctx, KeyPrefix+key)
	if err != nil {
		s.logger.Error("Failed to read cache entry",
			zap.String("key", key),
			zap.Error(types.Errorf(types.ErrStorage, "%v", err)))
		return nil, false
	}
	if !exists {
		return nil, false
	}

	entry, err := s.codec.Decode(data)
	if err != nil {
		s.logger.Warn("Dropping corrupted cache entry", zap.String("key", key), zap.Error(err))
		s.Evict(ctx, key)
		return nil, false
	}

	entry.Key = key
	return entry, true
}

func (s *Store) countRead(result string) {
	if s.metrics == nil {
		return
	}
	s.metrics.Counter("cache_reads_total", map[string]string{"result": result}).Inc()
}

func (s *Store) countPersistFailure() {
	if s.metrics == nil {
		return
	}
	s.metrics.Counter("cache_persist_failures_total", nil).Inc()
}
