package metrics

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saiset-co/sai-query-cache/types"
)

type ManagerState int32

const (
	ManagerStateStopped ManagerState = iota
	ManagerStateStarting
	ManagerStateRunning
	ManagerStateStopping
)

// DurationBuckets is shared by every *_operation_duration_seconds histogram.
var DurationBuckets = []float64{0.0001, 0.001, 0.01, 0.1, 1.0}

type Manager struct {
	ctx             context.Context
	cancel          context.CancelFunc
	logger          types.Logger
	config          *types.MetricsConfig
	manager         types.MetricsManager
	server          *Server
	state           atomic.Value
	shutdownTimeout time.Duration
}

var customMetricsCreators = sync.Map{}

func RegisterMetricsManager(metricsManagerName string, creator types.MetricsManagerCreator) {
	customMetricsCreators.Store(metricsManagerName, creator)
}

// NewManager builds the configured backend. A nil or disabled config still
// yields an in-memory backend so components can record unconditionally.
func NewManager(ctx context.Context, config *types.MetricsConfig, logger types.Logger) (*Manager, error) {
	if config == nil || !config.Enabled {
		config = &types.MetricsConfig{Type: "memory"}
	}

	managerCtx, cancel := context.WithCancel(ctx)

	wrapper := &Manager{
		ctx:             managerCtx,
		cancel:          cancel,
		logger:          logger,
		config:          config,
		shutdownTimeout: 10 * time.Second,
	}

	wrapper.state.Store(ManagerStateStopped)

	if err := wrapper.initializeManager(); err != nil {
		cancel()
		return nil, types.WrapError(err, "failed to initialize metrics manager")
	}

	return wrapper, nil
}

func (w *Manager) initializeManager() error {
	metricsManagerName := w.config.Type

	var manager types.MetricsManager
	var err error

	switch metricsManagerName {
	case "memory", "":
		manager, err = NewMemoryMetrics(w.logger, w.config)
	case "prometheus":
		manager, err = NewPrometheusMetrics(w.logger, w.config)
	default:
		if creator, exists := customMetricsCreators.Load(metricsManagerName); exists {
			manager, err = creator.(types.MetricsManagerCreator)(w.config)
		} else {
			return types.Errorf(types.ErrMetricsTypeUnknown, "type: %s", metricsManagerName)
		}
	}

	if err != nil {
		return err
	}

	w.manager = manager

	if w.config.HTTP.Enabled {
		w.server = NewServer(w.logger, w.config.HTTP, manager)
	}

	w.logger.Debug("Metrics manager initialized", zap.String("type", metricsManagerName))
	return nil
}

func (w *Manager) Start() error {
	if !w.transitionState(ManagerStateStopped, ManagerStateStarting) {
		return types.ErrServerAlreadyRunning
	}

	if err := w.manager.Start(); err != nil {
		w.setState(ManagerStateStopped)
		return types.WrapError(err, "failed to start metrics manager")
	}

	if w.server != nil {
		if err := w.server.Start(); err != nil {
			_ = w.manager.Stop()
			w.setState(ManagerStateStopped)
			return types.WrapError(err, "failed to start metrics endpoint")
		}
	}

	w.setState(ManagerStateRunning)
	return nil
}

func (w *Manager) Stop() error {
	if !w.transitionState(ManagerStateRunning, ManagerStateStopping) {
		return types.ErrServerNotRunning
	}

	defer func() {
		w.setState(ManagerStateStopped)
		w.cancel()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), w.shutdownTimeout)
	defer cancel()

	g, gCtx := errgroup.WithContext(ctx)

	if w.server != nil {
		g.Go(func() error {
			return w.server.Stop(gCtx)
		})
	}

	g.Go(func() error {
		select {
		case <-gCtx.Done():
			return gCtx.Err()
		default:
			return w.manager.Stop()
		}
	})

	if err := g.Wait(); err != nil {
		select {
		case <-ctx.Done():
			w.logger.Warn("Metrics manager stop timeout")
		default:
			w.logger.Error("Error during metrics manager shutdown", zap.Error(err))
		}
	}

	return nil
}

func (w *Manager) IsRunning() bool {
	return w.getState() == ManagerStateRunning
}

func (w *Manager) getState() ManagerState {
	return w.state.Load().(ManagerState)
}

func (w *Manager) setState(newState ManagerState) bool {
	currentState := w.getState()
	return w.state.CompareAndSwap(currentState, newState)
}

func (w *Manager) transitionState(from, to ManagerState) bool {
	return w.state.CompareAndSwap(from, to)
}

func (w *Manager) Counter(name string, labels map[string]string) types.Counter {
	if w.IsRunning() {
		return w.manager.Counter(name, labels)
	}
	return emptyCounter{}
}

func (w *Manager) Gauge(name string, labels map[string]string) types.Gauge {
	if w.IsRunning() {
		return w.manager.Gauge(name, labels)
	}
	return emptyGauge{}
}

func (w *Manager) Histogram(name string, buckets []float64, labels map[string]string) types.Histogram {
	if w.IsRunning() {
		return w.manager.Histogram(name, buckets, labels)
	}
	return emptyHistogram{}
}

func (w *Manager) GetMetrics() ([]byte, error) {
	if w.IsRunning() {
		return w.manager.GetMetrics()
	}
	return nil, types.ErrMetricsNotRunning
}

// RecordOperation bumps <prefix>_operations_total and observes
// <prefix>_operation_duration_seconds for one operation.
func RecordOperation(m types.MetricsManager, prefix, operation, result string, duration time.Duration) {
	if m == nil {
		return
	}

	m.Counter(prefix+"_operations_total", map[string]string{
		"operation": operation,
		"result":    result,
	}).Inc()

	m.Histogram(prefix+"_operation_duration_seconds",
		DurationBuckets,
		map[string]string{"operation": operation},
	).Observe(duration.Seconds())
}

// ResultOf maps an error to the "success"/"error" result label.
func ResultOf(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

type emptyCounter struct{}

func (emptyCounter) Inc()         {}
func (emptyCounter) Add(float64)  {}
func (emptyCounter) Get() float64 { return 0 }

type emptyGauge struct{}

func (emptyGauge) Set(float64)  {}
func (emptyGauge) Inc()         {}
func (emptyGauge) Dec()         {}
func (emptyGauge) Add(float64)  {}
func (emptyGauge) Sub(float64)  {}
func (emptyGauge) Get() float64 { return 0 }

type emptyHistogram struct{}

func (emptyHistogram) Observe(float64)           {}
func (emptyHistogram) ObserveDuration(time.Time) {}
func (emptyHistogram) GetCount() uint64          { return 0 }
func (emptyHistogram) GetSum() float64           { return 0 }

// Endpoint returns the metrics listener address, or "" when HTTP is off.
func (w *Manager) Endpoint() string {
	if w.server == nil {
		return ""
	}
	return w.server.Addr()
}
