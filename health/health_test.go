package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-query-cache/logger"
	"github.com/saiset-co/sai-query-cache/network"
	"github.com/saiset-co/sai-query-cache/storage"
	"github.com/saiset-co/sai-query-cache/types"
)

func newManager(t *testing.T, timeout time.Duration) *Manager {
	t.Helper()
	hm, err := NewManager(context.Background(), &types.HealthConfig{Enabled: true, CheckTimeout: timeout},
		types.ServiceInfo{Name: "crm-client", Version: "1.0.0"}, logger.NewNop())
	require.NoError(t, err)
	return hm
}

func healthy(context.Context) types.HealthCheck {
	return types.HealthCheck{Status: types.StatusHealthy}
}

func TestCheckAggregates(t *testing.T) {
	hm := newManager(t, time.Second)
	hm.RegisterChecker("a", healthy)
	hm.RegisterChecker("b", healthy)

	report := hm.Check(context.Background())
	assert.Equal(t, types.StatusHealthy, report.Status)
	assert.Equal(t, types.HealthSummary{Total: 2, Healthy: 2}, report.Summary)
	assert.Equal(t, "crm-client", report.Service.Name)
	assert.NotEmpty(t, report.Service.Build)
	assert.Equal(t, "a", report.Checks["a"].Name)

	hm.RegisterChecker("c", func(context.Context) types.HealthCheck {
		return types.HealthCheck{Status: types.StatusUnknown}
	})
	assert.Equal(t, types.StatusUnknown, hm.Check(context.Background()).Status)

	hm.RegisterChecker("d", func(context.Context) types.HealthCheck {
		return types.HealthCheck{Status: types.StatusUnhealthy}
	})
	report = hm.Check(context.Background())
	assert.Equal(t, types.StatusUnhealthy, report.Status)
	assert.Equal(t, types.HealthSummary{Total: 4, Healthy: 2, Unhealthy: 1, Unknown: 1}, report.Summary)
	assert.Len(t, hm.LastResults(), 4)
}

func TestCheckTimeoutAndPanic(t *testing.T) {
	hm := newManager(t, 20*time.Millisecond)
	hm.RegisterChecker("slow", func(ctx context.Context) types.HealthCheck {
		time.Sleep(200 * time.Millisecond)
		return types.HealthCheck{Status: types.StatusHealthy}
	})
	hm.RegisterChecker("broken", func(context.Context) types.HealthCheck {
		panic("boom")
	})

	report := hm.Check(context.Background())
	assert.Equal(t, types.StatusUnhealthy, report.Status)
	assert.Equal(t, "Health check timeout", report.Checks["slow"].Message)
	assert.Contains(t, report.Checks["broken"].Message, "panicked")
}

func TestLifecycle(t *testing.T) {
	hm := newManager(t, time.Second)
	require.NoError(t, hm.Start())
	assert.True(t, hm.IsRunning())
	assert.ErrorIs(t, hm.Start(), types.ErrServiceIsRunning)
	require.NoError(t, hm.Stop())
	assert.False(t, hm.IsRunning())
	assert.ErrorIs(t, hm.Stop(), types.ErrServiceIsNotRunning)
}

type failingStorage struct {
	*storage.MemoryStorage
}

func (failingStorage) Ping(context.Context) error {
	return errors.New("database is locked")
}

func TestStorageChecker(t *testing.T) {
	backend, err := storage.NewMemoryStorage(logger.NewNop())
	require.NoError(t, err)

	assert.Equal(t, types.StatusHealthy, StorageChecker(backend)(context.Background()).Status)

	check := StorageChecker(failingStorage{backend})(context.Background())
	assert.Equal(t, types.StatusUnhealthy, check.Status)
	assert.Equal(t, "database is locked", check.Message)
}

func TestNetworkChecker(t *testing.T) {
	prober := network.NewStaticProber(true)
	monitor := network.NewMonitor(prober, &types.NetworkConfig{Debounce: time.Nanosecond}, logger.NewNop())

	check := NetworkChecker(monitor)(context.Background())
	assert.Equal(t, types.StatusHealthy, check.Status)
	assert.Equal(t, true, check.Details["available"])
	assert.Contains(t, check.Details, "last_checked")

	prober.Set(false)
	time.Sleep(time.Millisecond)
	check = NetworkChecker(monitor)(context.Background())
	assert.Equal(t, types.StatusUnknown, check.Status)
}

type pool struct{ active, max int }

func (p pool) Active() int { return p.active }
func (p pool) Max() int    { return p.max }

func TestExecutorChecker(t *testing.T) {
	assert.Equal(t, types.StatusHealthy, ExecutorChecker(pool{active: 3, max: 10})(context.Background()).Status)

	check := ExecutorChecker(pool{active: 10, max: 10})(context.Background())
	assert.Equal(t, types.StatusUnhealthy, check.Status)
	assert.Equal(t, "query pool saturated: 10 of 10", check.Message)
}

func TestBuildInfoString(t *testing.T) {
	info := BuildInfo{Version: "1.4.0", GitCommit: "0123456789abcdef", BuildTime: time.Date(2024, 2, 3, 0, 0, 0, 0, time.UTC)}
	assert.Equal(t, "1.4.0-0123456 (2024-02-03)", info.String())

	info.Modified = true
	info.BuildTime = time.Time{}
	assert.Equal(t, "1.4.0-0123456-dirty", info.String())

	t.Setenv("BUILD_VERSION", "9.9.9")
	assert.Equal(t, "9.9.9", ReadBuildInfo().Version)
}
