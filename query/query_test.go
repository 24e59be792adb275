package query

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-query-cache/cache"
	"github.com/saiset-co/sai-query-cache/executor"
	"github.com/saiset-co/sai-query-cache/logger"
	"github.com/saiset-co/sai-query-cache/metrics"
	"github.com/saiset-co/sai-query-cache/storage"
	"github.com/saiset-co/sai-query-cache/types"
)

type admin struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	clock        *clock
	store        *cache.Store
	orchestrator *Orchestrator
	metrics      *metrics.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	log := logger.NewNop()
	clk := &clock{now: time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)}

	m, err := metrics.NewManager(context.Background(), nil, log)
	require.NoError(t, err)
	require.NoError(t, m.Start())
	t.Cleanup(func() { _ = m.Stop() })

	backend, err := storage.NewMemoryStorage(log)
	require.NoError(t, err)

	store, err := cache.NewStore(backend, &types.CacheConfig{DefaultTTL: time.Minute, PersistAttempts: 1}, log, cache.WithClock(clk.Now))
	require.NoError(t, err)

	exec := executor.New(&types.ExecutorConfig{MaxConcurrent: 8, MaxRetries: 1, BaseDelay: time.Millisecond, CapDelay: time.Millisecond}, nil, nil, log,
		executor.WithSleep(func(context.Context, time.Duration) error { return nil }))

	o, err := NewOrchestrator(store, exec, log, WithMetrics(m))
	require.NoError(t, err)

	return &fixture{clock: clk, store: store, orchestrator: o, metrics: m}
}

type counter struct {
	calls atomic.Int32
}

func (c *counter) returns(value []admin) FetchFunc[[]admin] {
	return func(ctx context.Context) ([]admin, error) {
		c.calls.Add(1)
		return value, nil
	}
}

func (c *counter) fails(err error) FetchFunc[[]admin] {
	return func(ctx context.Context) ([]admin, error) {
		c.calls.Add(1)
		return nil, err
	}
}

var (
	original = []admin{{ID: 1, Name: "Ada"}, {ID: 2, Name: "Linus"}}
	updated  = []admin{{ID: 1, Name: "Ada"}, {ID: 2, Name: "Linus"}, {ID: 3, Name: "Grace"}}
)

func TestFreshHitSkipsFetch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	opts := Options{TTL: 5 * time.Second}

	seed := &counter{}
	first := Run(ctx, f.orchestrator, "admins_1", seed.returns(original), opts)
	require.NoError(t, first.Error)
	assert.False(t, first.FromCache)
	assert.Equal(t, SourceNetwork, first.Source)

	f.clock.Advance(4 * time.Second)

	fetch := &counter{}
	result := Run(ctx, f.orchestrator, "admins_1", fetch.returns(updated), opts)
	require.NoError(t, result.Error)
	assert.True(t, result.FromCache)
	assert.False(t, result.IsStale())
	assert.Equal(t, SourceCache, result.Source)
	assert.Equal(t, original, result.Data)
	assert.Equal(t, int32(0), fetch.calls.Load())
}

func TestCriticalStaleFallback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	opts := Options{TTL: 5 * time.Second, Critical: true}

	seed := &counter{}
	require.NoError(t, Run(ctx, f.orchestrator, "companies_1", seed.returns(original), opts).Error)
	storedAt := f.clock.Now()

	f.clock.Advance(6 * time.Second)

	failure := types.MarkRetryable(errors.New("503 service unavailable"))
	fetch := &counter{}
	result := Run(ctx, f.orchestrator, "companies_1", fetch.fails(failure), opts)

	assert.Equal(t, original, result.Data)
	assert.True(t, result.FromCache)
	assert.True(t, result.IsStale())
	assert.Equal(t, SourceStaleFallback, result.Source)

	var warning *StaleDataWarning
	require.ErrorAs(t, result.Error, &warning)
	assert.Equal(t, storedAt, warning.StoredAt)
	assert.ErrorIs(t, result.Error, failure)
	assert.Equal(t, int32(2), fetch.calls.Load(), "the failed fetch was retried once")
}

func TestNonCriticalFailurePropagates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	opts := Options{TTL: 5 * time.Second}

	seed := &counter{}
	require.NoError(t, Run(ctx, f.orchestrator, "companies_1", seed.returns(original), opts).Error)

	f.clock.Advance(6 * time.Second)

	failure := types.MarkPermanent(errors.New("422 unprocessable"))
	fetch := &counter{}
	result := Run(ctx, f.orchestrator, "companies_1", fetch.fails(failure), opts)

	assert.ErrorIs(t, result.Error, failure)
	assert.Nil(t, result.Data)
	assert.False(t, result.FromCache)
	assert.False(t, result.IsStale())
	assert.Equal(t, SourceNone, result.Source)

	var warning *StaleDataWarning
	assert.False(t, errors.As(result.Error, &warning))
}

func TestForceRefreshFetchesAndOverwrites(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	seed := &counter{}
	require.NoError(t, Run(ctx, f.orchestrator, "admins_1", seed.returns(original), Options{}).Error)

	fetch := &counter{}
	result := Run(ctx, f.orchestrator, "admins_1", fetch.returns(updated), Options{ForceRefresh: true})
	require.NoError(t, result.Error)
	assert.Equal(t, updated, result.Data)
	assert.False(t, result.FromCache)
	assert.Equal(t, int32(1), fetch.calls.Load())

	again := &counter{}
	cached := Run(ctx, f.orchestrator, "admins_1", again.returns(original), Options{})
	assert.Equal(t, updated, cached.Data)
	assert.True(t, cached.FromCache)
	assert.Equal(t, int32(0), again.calls.Load())
}

func TestForceRefreshFailureFallsBackForCritical(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	seed := &counter{}
	require.NoError(t, Run(ctx, f.orchestrator, "profile", seed.returns(original), Options{Critical: true}).Error)

	fetch := &counter{}
	result := Run(ctx, f.orchestrator, "profile", fetch.fails(types.ErrNetworkUnavailable), Options{ForceRefresh: true, Critical: true})
	assert.True(t, result.IsStale())
	assert.Equal(t, original, result.Data)
	assert.ErrorIs(t, result.Error, types.ErrNetworkUnavailable)
}

func TestMissWithoutEntryFails(t *testing.T) {
	f := newFixture(t)

	fetch := &counter{}
	result := Run(context.Background(), f.orchestrator, "absent", fetch.fails(types.ErrNetworkUnavailable), Options{Critical: true})
	assert.ErrorIs(t, result.Error, types.ErrNetworkUnavailable)
	assert.Nil(t, result.Data)
	assert.False(t, result.FromCache)
}

func TestDefaultTTLApplies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	seed := &counter{}
	require.NoError(t, Run(ctx, f.orchestrator, "admins_1", seed.returns(original), Options{}).Error)

	entry, ok := f.store.Get(ctx, "admins_1")
	require.True(t, ok)
	assert.Equal(t, time.Minute, entry.TTL)
	assert.False(t, entry.Critical)
}

func TestUndecodablePayloadIsMiss(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.store.Set(ctx, "admins_1", []byte(`{"not":"a list"}`), time.Minute, true)

	fetch := &counter{}
	result := Run(ctx, f.orchestrator, "admins_1", fetch.returns(original), Options{})
	require.NoError(t, result.Error)
	assert.Equal(t, original, result.Data)
	assert.Equal(t, SourceNetwork, result.Source)
	assert.Equal(t, int32(1), fetch.calls.Load())
}

func TestEmptyKeyRejected(t *testing.T) {
	f := newFixture(t)

	fetch := &counter{}
	result := Run(context.Background(), f.orchestrator, "", fetch.returns(original), Options{})
	assert.ErrorIs(t, result.Error, types.ErrCacheKeyEmpty)
	assert.Equal(t, int32(0), fetch.calls.Load())
}

func TestConcurrentReadsAreNotCoalesced(t *testing.T) {
	f := newFixture(t)

	const readers = 4
	var arrived sync.WaitGroup
	arrived.Add(readers)
	release := make(chan struct{})

	var calls atomic.Int32
	fetch := func(ctx context.Context) ([]admin, error) {
		calls.Add(1)
		arrived.Done()
		<-release
		return original, nil
	}

	var done sync.WaitGroup
	for i := 0; i < readers; i++ {
		done.Add(1)
		go func() {
			defer done.Done()
			result := Run(context.Background(), f.orchestrator, "admins_1", fetch, Options{})
			assert.NoError(t, result.Error)
		}()
	}

	arrived.Wait()
	close(release)
	done.Wait()

	assert.Equal(t, int32(readers), calls.Load())
}

func TestLastWriterWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := &counter{}
	second := &counter{}
	Run(ctx, f.orchestrator, "admins_1", first.returns(original), Options{ForceRefresh: true})
	Run(ctx, f.orchestrator, "admins_1", second.returns(updated), Options{ForceRefresh: true})

	cached := Run(ctx, f.orchestrator, "admins_1", (&counter{}).returns(nil), Options{})
	assert.Equal(t, updated, cached.Data)
}

func TestQueryMetrics(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	Run(ctx, f.orchestrator, "k", (&counter{}).returns(original), Options{TTL: time.Second, Critical: true})
	Run(ctx, f.orchestrator, "k", (&counter{}).returns(original), Options{TTL: time.Second, Critical: true})
	f.clock.Advance(2 * time.Second)
	Run(ctx, f.orchestrator, "k", (&counter{}).fails(types.ErrNetworkUnavailable), Options{Critical: true})
	Run(ctx, f.orchestrator, "other", (&counter{}).fails(types.ErrNetworkUnavailable), Options{})

	for source, want := range map[string]float64{"network": 1, "cache": 1, "stale_fallback": 1, "error": 1} {
		got := f.metrics.Counter("cached_query_total", map[string]string{"source": source}).Get()
		assert.Equal(t, want, got, source)
	}
}

func TestNewOrchestratorValidates(t *testing.T) {
	_, err := NewOrchestrator(nil, nil, logger.NewNop())
	assert.ErrorIs(t, err, types.ErrInvalidParameter)
}

func TestStaleDataWarningMessage(t *testing.T) {
	warning := &StaleDataWarning{Cause: types.ErrPoolExhausted, StoredAt: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)}
	assert.Equal(t, "serving stale data stored at 2024-01-02T03:04:05Z: query pool exhausted", warning.Error())
	assert.ErrorIs(t, warning, types.ErrPoolExhausted)
}
