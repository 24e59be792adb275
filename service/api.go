package service

import (
	"context"

	"github.com/saiset-co/sai-query-cache/executor"
	"github.com/saiset-co/sai-query-cache/invalidation"
	"github.com/saiset-co/sai-query-cache/query"
	"github.com/saiset-co/sai-query-cache/types"
)

// CachedQuery serves key through the service's cache and executor.
func CachedQuery[T any](ctx context.Context, s *Service, key string, fetch query.FetchFunc[T], opts query.Options) query.Result[T] {
	return query.Run(ctx, s.query, key, fetch, opts)
}

// ClearCache evicts one key, or every key sharing the prefix before a
// trailing "*".
func (s *Service) ClearCache(ctx context.Context, keyOrPattern string) {
	s.invalidation.ClearCache(ctx, keyOrPattern)
}

// Invalidate clears the keys configured for mutation.
func (s *Service) Invalidate(ctx context.Context, mutation, id string) ([]string, error) {
	return s.invalidation.Invalidate(ctx, mutation, id)
}

func (s *Service) IsNetworkAvailable(ctx context.Context) bool {
	return s.monitor.IsAvailable(ctx)
}

// OnForeground re-probes connectivity when the app returns to the foreground.
func (s *Service) OnForeground(ctx context.Context) {
	s.monitor.OnForeground(ctx)
}

func (s *Service) SubscribeNetwork(listener func(available bool)) {
	s.monitor.Subscribe(listener)
}

func (s *Service) Health(ctx context.Context) (types.HealthReport, error) {
	if s.health == nil {
		return types.HealthReport{}, types.Errorf(types.ErrNotSupported, "health is disabled")
	}
	return s.health.Check(ctx), nil
}

func (s *Service) Query() *query.Orchestrator {
	return s.query
}

func (s *Service) Cache() types.CacheStore {
	return s.cache
}

func (s *Service) Executor() *executor.Executor {
	return s.executor
}

func (s *Service) Invalidation() *invalidation.Engine {
	return s.invalidation
}

func (s *Service) Tokens() types.TokenStore {
	return s.tokens
}

// Remote returns the API client, or nil when remote is disabled.
func (s *Service) Remote() types.RemoteClient {
	if s.remote == nil {
		return nil
	}
	return s.remote
}

func (s *Service) Logger() types.Logger {
	return s.logger
}

func (s *Service) Config() types.ConfigManager {
	return s.config
}
