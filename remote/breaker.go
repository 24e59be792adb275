package remote

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-query-cache/types"
)

type CircuitBreakerState int32

const (
	StateBreakerClosed CircuitBreakerState = iota
	StateBreakerOpen
	StateBreakerHalfOpen
)

// CircuitBreaker stops calls to an endpoint after FailureThreshold consecutive
// failures and lets HalfOpenRequests probes through once RecoveryTimeout has
// passed. A nil or disabled breaker always allows calls.
type CircuitBreaker struct {
	config    types.CircuitBreakerConfig
	logger    types.Logger
	endpoint  string
	now       func() time.Time
	state     atomic.Value
	failures  atomic.Int32
	successes atomic.Int32
	inflight  atomic.Int32
	lastFail  atomic.Int64
	mutex     sync.Mutex
}

func NewCircuitBreaker(config *types.CircuitBreakerConfig, logger types.Logger, endpoint string) *CircuitBreaker {
	if config == nil || !config.Enabled {
		return nil
	}

	cfg := *config
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.HalfOpenRequests <= 0 {
		cfg.HalfOpenRequests = 1
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}

	cb := &CircuitBreaker{
		config:   cfg,
		logger:   logger,
		endpoint: endpoint,
		now:      time.Now,
	}
	cb.state.Store(StateBreakerClosed)
	return cb
}

func (cb *CircuitBreaker) CanExecute() bool {
	if cb == nil {
		return true
	}

	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	switch cb.getStateUnsafe() {
	case StateBreakerOpen:
		if cb.now().Sub(time.Unix(0, cb.lastFail.Load())) < cb.config.RecoveryTimeout {
			return false
		}
		cb.transitionTo(StateBreakerHalfOpen)
		cb.inflight.Store(1)
		return true
	case StateBreakerHalfOpen:
		if cb.inflight.Load() >= int32(cb.config.HalfOpenRequests) {
			return false
		}
		cb.inflight.Add(1)
		return true
	default:
		return true
	}
}

func (cb *CircuitBreaker) RecordSuccess() {
	if cb == nil {
		return
	}

	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	switch cb.getStateUnsafe() {
	case StateBreakerClosed:
		cb.failures.Store(0)
	case StateBreakerHalfOpen:
		successes := cb.successes.Add(1)
		if successes >= int32(cb.config.HalfOpenRequests) {
			cb.transitionTo(StateBreakerClosed)
		}
	}
}

func (cb *CircuitBreaker) RecordFailure() {
	if cb == nil {
		return
	}

	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.lastFail.Store(cb.now().UnixNano())

	switch cb.getStateUnsafe() {
	case StateBreakerClosed:
		if cb.failures.Add(1) >= int32(cb.config.FailureThreshold) {
			cb.transitionTo(StateBreakerOpen)
		}
	case StateBreakerHalfOpen:
		cb.transitionTo(StateBreakerOpen)
	}
}

func (cb *CircuitBreaker) State() CircuitBreakerState {
	if cb == nil {
		return StateBreakerClosed
	}

	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.getStateUnsafe()
}

func (cb *CircuitBreaker) Reset() {
	if cb == nil {
		return
	}

	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	cb.transitionTo(StateBreakerClosed)
	cb.failures.Store(0)
	cb.successes.Store(0)
	cb.inflight.Store(0)
}

func (cb *CircuitBreaker) getStateUnsafe() CircuitBreakerState {
	return cb.state.Load().(CircuitBreakerState)
}

func (cb *CircuitBreaker) transitionTo(to CircuitBreakerState) {
	from := cb.getStateUnsafe()
	if from == to || !cb.state.CompareAndSwap(from, to) {
		return
	}

	switch to {
	case StateBreakerClosed:
		cb.failures.Store(0)
		cb.successes.Store(0)
		cb.inflight.Store(0)
		cb.logger.Info("Circuit breaker closed", zap.String("endpoint", cb.endpoint))
	case StateBreakerOpen:
		cb.successes.Store(0)
		cb.inflight.Store(0)
		cb.logger.Warn("Circuit breaker opened",
			zap.String("endpoint", cb.endpoint),
			zap.Int32("failures", cb.failures.Load()),
			zap.Int("threshold", cb.config.FailureThreshold))
	case StateBreakerHalfOpen:
		cb.successes.Store(0)
		cb.logger.Info("Circuit breaker half-open", zap.String("endpoint", cb.endpoint))
	}
}

func (s CircuitBreakerState) String() string {
	switch s {
	case StateBreakerClosed:
		return "closed"
	case StateBreakerOpen:
		return "open"
	case StateBreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// IsBreakerFailure reports whether a response should count against the breaker.
func IsBreakerFailure(statusCode int, err error) bool {
	if err != nil {
		return true
	}
	return statusCode == 408 || statusCode == 429 || statusCode >= 500
}
