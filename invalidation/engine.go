package invalidation

import (
	"context"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-query-cache/types"
)

const idPlaceholder = "{id}"

// Engine evicts cache entries after writes. Nothing is evicted implicitly:
// callers name the keys, or register them once per mutation as Rules.
type Engine struct {
	store  types.CacheStore
	logger types.Logger
	mu     sync.RWMutex
	rules  map[string][]string
}

func New(store types.CacheStore, logger types.Logger) (*Engine, error) {
	if store == nil {
		return nil, types.Errorf(types.ErrInvalidParameter, "cache store is nil")
	}

	return &Engine{
		store:  store,
		logger: logger,
		rules:  make(map[string][]string),
	}, nil
}

// ClearCache evicts keyOrPattern. A single trailing "*" evicts every key
// with the preceding prefix; anything else is an exact key.
func (e *Engine) ClearCache(ctx context.Context, keyOrPattern string) {
	if keyOrPattern == "" {
		return
	}

	if strings.HasSuffix(keyOrPattern, "*") {
		e.store.EvictPattern(ctx, keyOrPattern)
	} else {
		e.store.Evict(ctx, keyOrPattern)
	}

	e.logger.Debug("Cache cleared", zap.String("key", keyOrPattern))
}

func (e *Engine) ClearCaches(ctx context.Context, keysOrPatterns ...string) {
	for _, key := range keysOrPatterns {
		e.ClearCache(ctx, key)
	}
}

// Register adds key templates for mutation. "{id}" in a template is replaced
// by the id passed to Invalidate.
func (e *Engine) Register(mutation string, templates ...string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules[mutation] = append(e.rules[mutation], templates...)
}

// RegisterRules loads a mutation -> templates table, typically from config.
func (e *Engine) RegisterRules(rules map[string][]string) {
	for mutation, templates := range rules {
		e.Register(mutation, templates...)
	}
}

func (e *Engine) Rules() map[string][]string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make(map[string][]string, len(e.rules))
	for mutation, templates := range e.rules {
		out[mutation] = append([]string(nil), templates...)
	}
	return out
}

// Invalidate clears every key registered for mutation and returns them
// expanded. Unknown mutations are an error so typos surface in tests.
func (e *Engine) Invalidate(ctx context.Context, mutation, id string) ([]string, error) {
	e.mu.RLock()
	templates, ok := e.rules[mutation]
	e.mu.RUnlock()

	if !ok {
		return nil, types.Errorf(types.ErrInvalidParameter, "no invalidation rule for %q", mutation)
	}

	keys := Expand(templates, id)
	e.ClearCaches(ctx, keys...)
	return keys, nil
}

// Expand substitutes id into templates. Templates that need an id are
// skipped when id is empty; duplicates are dropped.
func Expand(templates []string, id string) []string {
	seen := make(map[string]struct{}, len(templates))
	keys := make([]string, 0, len(templates))

	for _, template := range templates {
		if strings.Contains(template, idPlaceholder) {
			if id == "" {
				continue
			}
			template = strings.ReplaceAll(template, idPlaceholder, id)
		}
		if _, dup := seen[template]; dup {
			continue
		}
		seen[template] = struct{}{}
		keys = append(keys, template)
	}

	return keys
}

// Mutations lists registered mutation names in order.
func (e *Engine) Mutations() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	names := make([]string, 0, len(e.rules))
	for name := range e.rules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
