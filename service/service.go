package service

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saiset-co/sai-query-cache/auth"
	"github.com/saiset-co/sai-query-cache/cache"
	"github.com/saiset-co/sai-query-cache/config"
	"github.com/saiset-co/sai-query-cache/executor"
	"github.com/saiset-co/sai-query-cache/health"
	"github.com/saiset-co/sai-query-cache/invalidation"
	"github.com/saiset-co/sai-query-cache/logger"
	"github.com/saiset-co/sai-query-cache/metrics"
	"github.com/saiset-co/sai-query-cache/network"
	"github.com/saiset-co/sai-query-cache/query"
	"github.com/saiset-co/sai-query-cache/remote"
	"github.com/saiset-co/sai-query-cache/storage"
	"github.com/saiset-co/sai-query-cache/types"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

// Service owns one query cache and everything it depends on. Instances are
// independent: nothing is shared through package state.
type Service struct {
	ctx             context.Context
	cancel          context.CancelFunc
	state           atomic.Value
	startTimeout    time.Duration
	shutdownTimeout time.Duration

	config       *config.ConfigurationManager
	logger       types.Logger
	metrics      types.MetricsManager
	storage      types.Storage
	cache        *cache.Store
	monitor      *network.Monitor
	tokens       *auth.TokenStore
	remote       *remote.Client
	executor     *executor.Executor
	query        *query.Orchestrator
	invalidation *invalidation.Engine
	health       *health.Manager

	lifecycle []component
	started   []component
}

type component struct {
	name    string
	manager types.LifecycleManager
}

// New loads configPath and builds the service.
func New(ctx context.Context, configPath string, opts ...Option) (*Service, error) {
	if configPath == "" {
		return nil, types.ErrConfigInvalidPath
	}

	cm, err := config.NewConfigurationManager(ctx, configPath)
	if err != nil {
		return nil, types.WrapError(err, "failed to register config manager")
	}

	return build(ctx, cm, opts...)
}

// NewWithConfig builds the service from an in-memory config.
func NewWithConfig(ctx context.Context, cfg *types.ServiceConfig, opts ...Option) (*Service, error) {
	cm, err := config.NewStaticManager(ctx, cfg)
	if err != nil {
		return nil, types.WrapError(err, "failed to register config manager")
	}

	return build(ctx, cm, opts...)
}

func build(ctx context.Context, cm *config.ConfigurationManager, opts ...Option) (*Service, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	serviceCtx, cancel := context.WithCancel(ctx)

	s := &Service{
		ctx:             serviceCtx,
		cancel:          cancel,
		config:          cm,
		startTimeout:    60 * time.Second,
		shutdownTimeout: 30 * time.Second,
	}
	s.state.Store(StateStopped)
	s.register("config", cm)

	if err := s.registerProviders(o); err != nil {
		cancel()
		return nil, types.WrapError(err, "failed to register providers")
	}

	return s, nil
}

func (s *Service) registerProviders(o *options) error {
	cfg := s.config.GetConfig()

	if o.logger != nil {
		s.logger = o.logger
	} else {
		loggerManager, err := logger.NewManager(s.ctx, cfg.Logger)
		if err != nil {
			return types.WrapError(err, "failed to register logger")
		}
		s.logger = loggerManager
		s.register("logger", loggerManager)
	}

	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		metricsManager, err := metrics.NewManager(s.ctx, cfg.Metrics, s.logger)
		if err != nil {
			return types.WrapError(err, "failed to register metrics manager")
		}
		s.metrics = metricsManager
		s.register("metrics", metricsManager)
	}

	if o.storage != nil {
		s.storage = o.storage
	} else {
		backend, err := storage.NewStorage(s.ctx, cfg.Storage, s.logger, s.metrics)
		if err != nil {
			return types.WrapError(err, "failed to register storage")
		}
		s.storage = backend
	}
	s.register("storage", s.storage)

	store, err := cache.NewStore(s.storage, cfg.Cache, s.logger, cache.WithMetrics(s.metrics))
	if err != nil {
		return types.WrapError(err, "failed to register cache store")
	}
	s.cache = store

	prober := o.prober
	if prober == nil {
		if prober, err = network.NewProber(cfg.Network); err != nil {
			return types.WrapError(err, "failed to register network prober")
		}
	}
	s.monitor = network.NewMonitor(prober, cfg.Network, s.logger, network.WithMetrics(s.metrics))

	if s.tokens, err = auth.NewTokenStore(s.storage, cfg.Auth, s.logger); err != nil {
		return types.WrapError(err, "failed to register token store")
	}

	refresher := o.refresher
	if cfg.Remote != nil && cfg.Remote.Enabled {
		if s.remote, err = remote.NewClient(cfg.Remote, s.tokens, cfg.Auth.Namespace, s.logger, s.metrics); err != nil {
			return types.WrapError(err, "failed to register remote client")
		}
		s.register("remote", s.remote)
		if refresher == nil {
			refresher = s.remote
		}
	}

	s.executor = executor.New(cfg.Executor, s.monitor, refresher, s.logger, executor.WithMetrics(s.metrics))

	if s.query, err = query.NewOrchestrator(s.cache, s.executor, s.logger, query.WithMetrics(s.metrics)); err != nil {
		return types.WrapError(err, "failed to register query orchestrator")
	}

	if s.invalidation, err = invalidation.New(s.cache, s.logger); err != nil {
		return types.WrapError(err, "failed to register invalidation engine")
	}
	if cfg.Invalidation != nil {
		s.invalidation.RegisterRules(cfg.Invalidation.Rules)
	}

	if cfg.Health != nil && cfg.Health.Enabled {
		s.health, err = health.NewManager(s.ctx, cfg.Health, types.ServiceInfo{Name: cfg.Name, Version: cfg.Version}, s.logger)
		if err != nil {
			return types.WrapError(err, "failed to register health manager")
		}
		s.health.RegisterChecker("storage", health.StorageChecker(s.storage))
		s.health.RegisterChecker("network", health.NetworkChecker(s.monitor))
		s.health.RegisterChecker("executor", health.ExecutorChecker(s.executor))
		s.register("health", s.health)
	}

	return nil
}

func (s *Service) register(name string, manager types.LifecycleManager) {
	s.lifecycle = append(s.lifecycle, component{name: name, manager: manager})
}

// Start brings components up in dependency order and returns once they are
// running. On failure the ones already started are stopped again.
func (s *Service) Start() (err error) {
	if !s.transitionState(StateStopped, StateStarting) {
		s.logger.Warn("Service is already running")
		return types.ErrServiceIsRunning
	}

	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			s.logger.Error("Service start panic", zap.Stack(string(buf[:n])))
			err = fmt.Errorf("service panic: %v", r)
			s.setState(StateStopped)
		}
	}()

	ctx, cancel := context.WithTimeout(s.ctx, s.startTimeout)
	defer cancel()

	if err = s.startComponents(ctx); err != nil {
		_ = s.stopComponents()
		s.setState(StateStopped)
		return types.WrapError(err, "failed to start components")
	}

	s.setState(StateRunning)
	s.logger.Info("Service started", zap.Int("components", len(s.started)))
	return nil
}

func (s *Service) Stop() error {
	if !s.transitionState(StateRunning, StateStopping) {
		s.logger.Warn("Service is not running")
		return types.ErrServiceIsNotRunning
	}

	s.logger.Info("Stopping service...")
	err := s.stopComponents()

	s.setState(StateStopped)
	s.cancel()

	if err != nil {
		s.logger.Error("Error during service shutdown", zap.Error(err))
		return err
	}
	return nil
}

func (s *Service) IsRunning() bool {
	return s.getState() == StateRunning
}

func (s *Service) Context() context.Context {
	return s.ctx
}

func (s *Service) startComponents(ctx context.Context) error {
	for _, c := range s.lifecycle {
		select {
		case <-ctx.Done():
			return types.NewErrorf("component startup timeout: %v", ctx.Err())
		default:
		}

		if c.manager.IsRunning() {
			continue
		}
		if err := c.manager.Start(); err != nil {
			return types.WrapError(err, "failed to start "+c.name)
		}
		s.started = append(s.started, c)
	}

	return nil
}

// stopComponents stops the outer components concurrently, then storage,
// logger and config in reverse start order.
func (s *Service) stopComponents() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	var errs []error
	var tail []component

	g, gCtx := errgroup.WithContext(ctx)

	for _, c := range s.started {
		switch c.name {
		case "config", "logger", "storage":
			tail = append(tail, c)
			continue
		}

		c := c
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			default:
			}
			if err := c.manager.Stop(); err != nil {
				s.logger.Error("Failed to stop component", zap.String("component", c.name), zap.Error(err))
				return err
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		select {
		case <-ctx.Done():
			s.logger.Warn("Component shutdown timeout, some components may not have stopped gracefully")
		default:
			errs = append(errs, err)
		}
	}

	for i := len(tail) - 1; i >= 0; i-- {
		c := tail[i]
		if err := c.manager.Stop(); err != nil {
			s.logger.Error("Failed to stop component", zap.String("component", c.name), zap.Error(err))
			errs = append(errs, err)
		}
	}

	s.started = nil

	if len(errs) > 0 {
		return types.NewErrorf("errors during shutdown: %v", errs)
	}
	return nil
}

func (s *Service) getState() State {
	return s.state.Load().(State)
}

func (s *Service) setState(newState State) bool {
	currentState := s.getState()
	return s.state.CompareAndSwap(currentState, newState)
}

func (s *Service) transitionState(from, to State) bool {
	return s.state.CompareAndSwap(from, to)
}
