package network

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/saiset-co/sai-query-cache/types"
)

type Option func(*Monitor)

func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		m.now = now
	}
}

func WithMetrics(metrics types.MetricsManager) Option {
	return func(m *Monitor) {
		m.metrics = metrics
	}
}

// Monitor caches the last connectivity observation. It re-probes only when a
// caller asks and the observation is older than the debounce window, or on a
// foreground transition. There is no background polling.
type Monitor struct {
	prober    types.Prober
	logger    types.Logger
	metrics   types.MetricsManager
	debounce  time.Duration
	timeout   time.Duration
	now       func() time.Time
	group     singleflight.Group
	mu        sync.RWMutex
	available bool
	checkedAt time.Time
	listeners []func(bool)
}

var _ types.NetworkMonitor = (*Monitor)(nil)

func NewMonitor(prober types.Prober, config *types.NetworkConfig, logger types.Logger, opts ...Option) *Monitor {
	m := &Monitor{
		prober:    prober,
		logger:    logger,
		debounce:  2 * time.Second,
		timeout:   3 * time.Second,
		now:       time.Now,
		available: true,
	}

	if config != nil {
		if config.Debounce > 0 {
			m.debounce = config.Debounce
		}
		if config.Timeout > 0 {
			m.timeout = config.Timeout
		}
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// IsAvailable returns the last observed state, re-probing first when that
// observation is older than the debounce window.
func (m *Monitor) IsAvailable(ctx context.Context) bool {
	m.mu.RLock()
	available, checkedAt := m.available, m.checkedAt
	m.mu.RUnlock()

	if !checkedAt.IsZero() && m.now().Sub(checkedAt) < m.debounce {
		return available
	}

	return m.Refresh(ctx)
}

// Refresh probes now. Concurrent callers share one in-flight probe, so the
// probe ignores the first caller's cancellation and is bounded by the probe
// timeout alone.
func (m *Monitor) Refresh(ctx context.Context) bool {
	result, _, _ := m.group.Do("probe", func() (interface{}, error) {
		return m.probe(context.WithoutCancel(ctx)), nil
	})
	return result.(bool)
}

func (m *Monitor) OnForeground(ctx context.Context) {
	m.logger.Debug("Foreground transition, re-checking connectivity")
	m.Refresh(ctx)
}

// Subscribe registers a callback invoked on every state change.
func (m *Monitor) Subscribe(listener func(available bool)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, listener)
	m.mu.Unlock()
}

// LastChecked returns when the current observation was made.
func (m *Monitor) LastChecked() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.checkedAt
}

func (m *Monitor) probe(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	available, err := m.prober.Probe(probeCtx)
	if err != nil {
		m.logger.Warn("Connectivity probe failed, assuming available", zap.Error(err))
		available = true
	}

	m.mu.Lock()
	changed := available != m.available
	m.available = available
	m.checkedAt = m.now()
	listeners := make([]func(bool), len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	m.record(available, err)

	if changed {
		m.logger.Info("Connectivity changed", zap.Bool("available", available))
		for _, listener := range listeners {
			listener(available)
		}
	}

	return available
}

func (m *Monitor) record(available bool, err error) {
	if m.metrics == nil {
		return
	}

	result := "online"
	switch {
	case err != nil:
		result = "error"
	case !available:
		result = "offline"
	}

	m.metrics.Counter("network_probes_total", map[string]string{"result": result}).Inc()

	gauge := m.metrics.Gauge("network_available", nil)
	if available {
		gauge.Set(1)
	} else {
		gauge.Set(0)
	}
}
