package executor

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-query-cache/metrics"
	"github.com/saiset-co/sai-query-cache/types"
)

type Option func(*Executor)

func WithMetrics(metrics types.MetricsManager) Option {
	return func(e *Executor) {
		e.metrics = metrics
	}
}

// WithSleep replaces the backoff wait.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) {
		e.sleep = sleep
	}
}

// Executor runs fetch operations under a fail-fast admission pool with
// exponential backoff and a single session refresh on auth expiry.
type Executor struct {
	logger    types.Logger
	metrics   types.MetricsManager
	monitor   types.NetworkMonitor
	refresher types.SessionRefresher
	config    types.ExecutorConfig
	active    atomic.Int32
	max       int32
	sleep     func(ctx context.Context, d time.Duration) error
}

var _ types.QueryExecutor = (*Executor)(nil)

func New(config *types.ExecutorConfig, monitor types.NetworkMonitor, refresher types.SessionRefresher, logger types.Logger, opts ...Option) *Executor {
	cfg := types.ExecutorConfig{
		MaxConcurrent: 10,
		MaxRetries:    3,
		BaseDelay:     500 * time.Millisecond,
		CapDelay:      10 * time.Second,
	}
	if config != nil {
		cfg = *config
	}
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.CapDelay < cfg.BaseDelay {
		cfg.CapDelay = cfg.BaseDelay
	}

	e := &Executor{
		logger:    logger,
		monitor:   monitor,
		refresher: refresher,
		config:    cfg,
		max:       int32(cfg.MaxConcurrent),
		sleep:     sleepContext,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Execute runs fetch until it succeeds, fails permanently or exhausts the
// retry budget. ctx cancellation only interrupts a backoff wait; a running
// fetch keeps its slot until it returns.
func (e *Executor) Execute(ctx context.Context, fetch types.FetchFunc, opts types.ExecuteOptions) ([]byte, error) {
	start := time.Now()
	data, err := e.execute(ctx, fetch, opts)
	metrics.RecordOperation(e.metrics, "executor", "execute", metrics.ResultOf(err), time.Since(start))
	return data, err
}

func (e *Executor) execute(ctx context.Context, fetch types.FetchFunc, opts types.ExecuteOptions) ([]byte, error) {
	maxRetries := e.config.MaxRetries
	if opts.MaxRetries != nil {
		maxRetries = *opts.MaxRetries
	}

	refreshed := false

	for attempt := 0; ; attempt++ {
		data, err := e.attempt(ctx, fetch, opts)
		e.countAttempt(err)
		if err == nil {
			return data, nil
		}

		if types.IsError(err, types.ErrAuthExpired) {
			if refreshed || e.refresher == nil {
				return nil, err
			}
			refreshed = true

			if refreshErr := e.refresher.Refresh(ctx); refreshErr != nil {
				e.countRefresh("error")
				e.logger.Warn("Session refresh failed", zap.Error(refreshErr))
				return nil, types.Errorf(types.ErrAuthExpired, "session refresh failed: %v", refreshErr)
			}

			e.countRefresh("success")
			continue
		}

		if !types.IsRetryable(err) {
			return nil, err
		}

		if attempt >= maxRetries {
			e.logger.Debug("Retry budget exhausted", zap.Int("attempts", attempt+1), zap.Error(err))
			return nil, err
		}

		delay := e.Delay(attempt)
		e.countRetry()
		e.logger.Debug("Retrying fetch",
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err))

		if sleepErr := e.sleep(ctx, delay); sleepErr != nil {
			return nil, types.WrapError(err, "retry aborted: "+sleepErr.Error())
		}
	}
}

func (e *Executor) attempt(ctx context.Context, fetch types.FetchFunc, opts types.ExecuteOptions) ([]byte, error) {
	if !opts.TryOffline && e.monitor != nil && !e.monitor.IsAvailable(ctx) {
		return nil, types.ErrNetworkUnavailable
	}

	if !e.TryAcquire() {
		return nil, types.Errorf(types.ErrPoolExhausted, "%d of %d slots in use", e.Active(), e.Max())
	}
	defer e.release()

	return runFetch(ctx, fetch)
}

func runFetch(ctx context.Context, fetch types.FetchFunc) (data []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = types.MarkPermanent(types.Errorf(types.ErrInternalError, "fetch panicked: %v", r))
		}
	}()
	return fetch(ctx)
}

// TryAcquire takes a slot if one is free. It never blocks.
func (e *Executor) TryAcquire() bool {
	for {
		current := e.active.Load()
		if current >= e.max {
			return false
		}
		if e.active.CompareAndSwap(current, current+1) {
			e.setActiveGauge(current + 1)
			return true
		}
	}
}

func (e *Executor) release() {
	e.setActiveGauge(e.active.Add(-1))
}

func (e *Executor) Active() int {
	return int(e.active.Load())
}

func (e *Executor) Max() int {
	return int(e.max)
}

// Delay returns min(base * 2^attempt, cap).
func (e *Executor) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	policy := e.newBackOff()
	delay := policy.NextBackOff()
	for i := 0; i < attempt && delay < e.config.CapDelay; i++ {
		delay = policy.NextBackOff()
	}
	return delay
}

func (e *Executor) newBackOff() *backoff.ExponentialBackOff {
	policy := &backoff.ExponentialBackOff{
		InitialInterval:     e.config.BaseDelay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         e.config.CapDelay,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	policy.Reset()
	return policy
}

func (e *Executor) setActiveGauge(active int32) {
	if e.metrics == nil {
		return
	}
	e.metrics.Gauge("query_pool_active", nil).Set(float64(active))
}

func (e *Executor) countAttempt(err error) {
	if e.metrics == nil {
		return
	}

	result := "success"
	switch {
	case err == nil:
	case types.IsError(err, types.ErrNetworkUnavailable):
		result = "network_unavailable"
	case types.IsError(err, types.ErrPoolExhausted):
		result = "pool_exhausted"
	case types.IsError(err, types.ErrAuthExpired):
		result = "auth_expired"
	default:
		result = "error"
	}

	e.metrics.Counter("query_attempts_total", map[string]string{"result": result}).Inc()
}

func (e *Executor) countRetry() {
	if e.metrics == nil {
		return
	}
	e.metrics.Counter("query_retries_total", nil).Inc()
}

func (e *Executor) countRefresh(result string) {
	if e.metrics == nil {
		return
	}
	e.metrics.Counter("query_auth_refresh_total", map[string]string{"result": result}).Inc()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
