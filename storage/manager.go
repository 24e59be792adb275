package storage

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-query-cache/metrics"
	"github.com/saiset-co/sai-query-cache/types"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

var customStorageCreators = sync.Map{}

func RegisterStorage(storageName string, creator types.StorageCreator) {
	customStorageCreators.Store(storageName, creator)
}

// NewStorage opens the configured backend and wraps it with operation metrics.
func NewStorage(ctx context.Context, config *types.StorageConfig, logger types.Logger, metricsManager types.MetricsManager) (types.Storage, error) {
	if config == nil {
		config = &types.StorageConfig{Type: "memory"}
	}

	storageName := config.Type

	var impl types.Storage
	var err error

	switch storageName {
	case "memory":
		impl, err = NewMemoryStorage(logger)
	case "redis":
		impl, err = NewRedisStorage(ctx, logger, config)
	case "clover":
		impl, err = NewCloverStorage(logger, config)
	case "sqlite":
		impl, err = NewSQLiteStorage(ctx, logger, config)
	default:
		if creator, exists := customStorageCreators.Load(storageName); exists {
			impl, err = creator.(types.StorageCreator)(config.Config)
		} else {
			return nil, types.Errorf(types.ErrStorageTypeUnknown, "type: %s", storageName)
		}
	}

	if err != nil {
		return nil, err
	}

	logger.Debug("Storage initialized", zap.String("type", storageName))

	return newInstrumentedStorage(logger, metricsManager, impl), nil
}

type instrumentedStorage struct {
	impl    types.Storage
	logger  types.Logger
	metrics types.MetricsManager
}

func newInstrumentedStorage(logger types.Logger, metricsManager types.MetricsManager, impl types.Storage) types.Storage {
	return &instrumentedStorage{
		impl:    impl,
		logger:  logger,
		metrics: metricsManager,
	}
}

func (is *instrumentedStorage) Get(ctx context.Context, key string) ([]byte, bool, error) {
	start := time.Now()
	value, exists, err := is.impl.Get(ctx, key)

	result := "hit"
	switch {
	case err != nil:
		result = "error"
	case !exists:
		result = "miss"
	}

	metrics.RecordOperation(is.metrics, "storage", "get", result, time.Since(start))
	return value, exists, err
}

func (is *instrumentedStorage) Set(ctx context.Context, key string, value []byte) error {
	start := time.Now()
	err := is.impl.Set(ctx, key, value)
	metrics.RecordOperation(is.metrics, "storage", "set", metrics.ResultOf(err), time.Since(start))
	return err
}

func (is *instrumentedStorage) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := is.impl.Delete(ctx, key)
	metrics.RecordOperation(is.metrics, "storage", "delete", metrics.ResultOf(err), time.Since(start))
	return err
}

func (is *instrumentedStorage) Keys(ctx context.Context, prefix string) ([]string, error) {
	start := time.Now()
	keys, err := is.impl.Keys(ctx, prefix)
	metrics.RecordOperation(is.metrics, "storage", "keys", metrics.ResultOf(err), time.Since(start))
	return keys, err
}

func (is *instrumentedStorage) Ping(ctx context.Context) error {
	return is.impl.Ping(ctx)
}

func (is *instrumentedStorage) Start() error {
	start := time.Now()
	err := is.impl.Start()
	metrics.RecordOperation(is.metrics, "storage", "start", metrics.ResultOf(err), time.Since(start))
	return err
}

func (is *instrumentedStorage) Stop() error {
	return is.impl.Stop()
}

func (is *instrumentedStorage) IsRunning() bool {
	return is.impl.IsRunning()
}
