package query

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-query-cache/metrics"
	"github.com/saiset-co/sai-query-cache/types"
	"github.com/saiset-co/sai-query-cache/utils"
)

type Option func(*Orchestrator)

func WithMetrics(metrics types.MetricsManager) Option {
	return func(o *Orchestrator) {
		o.metrics = metrics
	}
}

// Orchestrator ties the cache store to the executor. Concurrent reads of the
// same key each fetch independently and the last write wins.
type Orchestrator struct {
	store    types.CacheStore
	executor types.QueryExecutor
	logger   types.Logger
	metrics  types.MetricsManager
}

func NewOrchestrator(store types.CacheStore, executor types.QueryExecutor, logger types.Logger, opts ...Option) (*Orchestrator, error) {
	if store == nil || executor == nil {
		return nil, types.Errorf(types.ErrInvalidParameter, "store and executor are required")
	}

	o := &Orchestrator{
		store:    store,
		executor: executor,
		logger:   logger,
	}

	for _, opt := range opts {
		opt(o)
	}

	return o, nil
}

func (o *Orchestrator) Store() types.CacheStore {
	return o.store
}

// Run serves key from the cache while it is fresh, otherwise fetches through
// the executor and writes the result back. A failed fetch falls back to the
// stored value only for critical reads.
func Run[T any](ctx context.Context, o *Orchestrator, key string, fetch FetchFunc[T], opts Options) Result[T] {
	start := time.Now()
	result := run(ctx, o, key, fetch, opts)

	source := string(result.Source)
	if result.Source == SourceNone {
		source = "error"
	}
	if o.metrics != nil {
		o.metrics.Counter("cached_query_total", map[string]string{"source": source}).Inc()
	}
	metrics.RecordOperation(o.metrics, "query", "run", source, time.Since(start))

	return result
}

func run[T any](ctx context.Context, o *Orchestrator, key string, fetch FetchFunc[T], opts Options) Result[T] {
	if key == "" {
		return Result[T]{Error: types.ErrCacheKeyEmpty}
	}

	if !opts.ForceRefresh {
		if entry, ok := o.store.Get(ctx, key); ok {
			if data, ok := decode[T](o, key, entry); ok {
				return Result[T]{Data: data, FromCache: true, Source: SourceCache}
			}
		}
	}

	var fetched T
	payload, err := o.executor.Execute(ctx, func(ctx context.Context) ([]byte, error) {
		value, err := fetch(ctx)
		if err != nil {
			return nil, err
		}

		data, err := utils.Marshal(value)
		if err != nil {
			return nil, types.MarkPermanent(types.Errorf(types.ErrInternalError, "encode %s: %v", key, err))
		}

		fetched = value
		return data, nil
	}, types.ExecuteOptions{TryOffline: opts.TryOffline, MaxRetries: opts.MaxRetries})

	if err == nil {
		o.store.Set(ctx, key, payload, opts.TTL, opts.Critical)
		return Result[T]{Data: fetched, Source: SourceNetwork}
	}

	if opts.Critical {
		if entry, ok := o.store.GetIncludingStale(ctx, key); ok {
			if data, ok := decode[T](o, key, entry); ok {
				o.logger.Warn("Serving stale data",
					zap.String("key", key),
					zap.Time("stored_at", entry.StoredAt),
					zap.Error(err))

				return Result[T]{
					Data:      data,
					FromCache: true,
					Source:    SourceStaleFallback,
					Error:     &StaleDataWarning{Cause: err, StoredAt: entry.StoredAt},
				}
			}
		}
	}

	o.logger.Debug("Cached query failed", zap.String("key", key), zap.Error(err))
	return Result[T]{Error: err}
}

func decode[T any](o *Orchestrator, key string, entry *types.CacheEntry) (T, bool) {
	var data T
	if err := utils.Unmarshal(entry.Value, &data); err != nil {
		o.logger.Warn("Cached payload does not decode, treating as miss", zap.String("key", key), zap.Error(err))
		var zero T
		return zero, false
	}
	return data, true
}
