package storage

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-query-cache/types"
	"github.com/saiset-co/sai-query-cache/utils"
)

type RedisConfig struct {
	Host               string `json:"host"`
	Port               int    `json:"port"`
	Password           string `json:"password"`
	DB                 int    `json:"db"`
	PoolSize           int    `json:"pool_size"`
	MinIdleConnections int    `json:"min_idle_connections"`
	DialTimeout        string `json:"dial_timeout"`
	ReadTimeout        string `json:"read_timeout"`
	WriteTimeout       string `json:"write_timeout"`
	KeyPrefix          string `json:"key_prefix"`
	ScanCount          int64  `json:"scan_count"`
}

// RedisStorage persists records in Redis. Keys carry no Redis TTL: expiry is
// decided by the cache layer, which may still serve expired critical entries.
type RedisStorage struct {
	logger types.Logger
	config *RedisConfig
	client *redis.Client
	state  atomic.Value
}

func defaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Host:               "localhost",
		Port:               6379,
		PoolSize:           10,
		MinIdleConnections: 2,
		DialTimeout:        "5s",
		ReadTimeout:        "3s",
		WriteTimeout:       "3s",
		KeyPrefix:          "query-cache",
		ScanCount:          100,
	}
}

func NewRedisStorage(ctx context.Context, logger types.Logger, config *types.StorageConfig) (*RedisStorage, error) {
	redisConfig := defaultRedisConfig()

	if config.Config != nil {
		if err := utils.UnmarshalConfig(config.Config, redisConfig); err != nil {
			return nil, types.WrapError(err, "failed to unmarshal redis storage config")
		}
	}

	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", redisConfig.Host, redisConfig.Port),
		Password:     redisConfig.Password,
		DB:           redisConfig.DB,
		PoolSize:     redisConfig.PoolSize,
		MinIdleConns: redisConfig.MinIdleConnections,
		DialTimeout:  utils.ParseDurationOr(redisConfig.DialTimeout, 5*time.Second),
		ReadTimeout:  utils.ParseDurationOr(redisConfig.ReadTimeout, 3*time.Second),
		WriteTimeout: utils.ParseDurationOr(redisConfig.WriteTimeout, 3*time.Second),
	})

	storage := NewRedisStorageWithClient(logger, client, redisConfig)

	if err := storage.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, types.Errorf(types.ErrStorageConnectionFailed, "%v", err)
	}

	return storage, nil
}

// NewRedisStorageWithClient wraps an existing client; the caller owns its
// connection settings.
func NewRedisStorageWithClient(logger types.Logger, client *redis.Client, config *RedisConfig) *RedisStorage {
	if config == nil {
		config = defaultRedisConfig()
	}
	if config.ScanCount <= 0 {
		config.ScanCount = 100
	}

	storage := &RedisStorage{
		logger: logger,
		config: config,
		client: client,
	}
	storage.state.Store(StateStopped)
	return storage
}

func (r *RedisStorage) Start() error {
	if !r.state.CompareAndSwap(StateStopped, StateRunning) {
		return types.ErrServerAlreadyRunning
	}
	r.logger.Info("Redis storage started", zap.String("addr", r.client.Options().Addr))
	return nil
}

func (r *RedisStorage) Stop() error {
	if !r.state.CompareAndSwap(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}
	defer r.state.Store(StateStopped)

	if err := r.client.Close(); err != nil {
		return types.WrapError(err, "failed to close redis client")
	}
	return nil
}

func (r *RedisStorage) IsRunning() bool {
	return r.state.Load().(State) == StateRunning
}

func (r *RedisStorage) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if key == "" {
		return nil, false, types.ErrStorageKeyEmpty
	}

	value, err := r.client.Get(ctx, r.buildFullKey(key)).Bytes()
	if err != nil {
		if types.IsError(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, types.Errorf(types.ErrStorageOperationFailed, "get %s: %v", key, err)
	}

	return value, true, nil
}

func (r *RedisStorage) Set(ctx context.Context, key string, value []byte) error {
	if key == "" {
		return types.ErrStorageKeyEmpty
	}

	if err := r.client.Set(ctx, r.buildFullKey(key), value, 0).Err(); err != nil {
		return types.Errorf(types.ErrStorageOperationFailed, "set %s: %v", key, err)
	}
	return nil
}

func (r *RedisStorage) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.buildFullKey(key)).Err(); err != nil {
		return types.Errorf(types.ErrStorageOperationFailed, "delete %s: %v", key, err)
	}
	return nil
}

// Keys walks SCAN with a MATCH on the escaped prefix.
func (r *RedisStorage) Keys(ctx context.Context, prefix string) ([]string, error) {
	match := escapeGlob(r.buildFullKey(prefix)) + "*"
	fullPrefix := r.buildFullKey("")

	var keys []string
	var cursor uint64

	for {
		batch, next, err := r.client.Scan(ctx, cursor, match, r.config.ScanCount).Result()
		if err != nil {
			return nil, types.Errorf(types.ErrStorageOperationFailed, "scan %s: %v", prefix, err)
		}

		for _, key := range batch {
			keys = append(keys, strings.TrimPrefix(key, fullPrefix))
		}

		if next == 0 {
			break
		}
		cursor = next
	}

	return keys, nil
}

func (r *RedisStorage) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStorage) buildFullKey(key string) string {
	if r.config.KeyPrefix == "" {
		return key
	}
	return r.config.KeyPrefix + ":" + key
}

var globReplacer = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func escapeGlob(s string) string {
	return globReplacer.Replace(s)
}
