package config

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/saiset-co/sai-query-cache/types"
)

type Loader struct {
	validator *validator.Validate
}

func NewLoader() *Loader {
	return &Loader{
		validator: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// LoadFromFile reads the YAML config on top of Defaults. A .env file next to
// the config is loaded first and ${VAR} references are expanded.
func (l *Loader) LoadFromFile(ctx context.Context, configPath string) (*types.ServiceConfig, map[string]interface{}, error) {
	if configPath == "" {
		return nil, nil, types.ErrConfigNotFound
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, nil, types.WrapError(err, "file not found: "+configPath)
	}

	if err := loadDotEnv(filepath.Join(filepath.Dir(configPath), ".env")); err != nil {
		return nil, nil, types.WrapError(err, "failed to load .env")
	}

	data, err := l.ReadFileWithTimeout(ctx, configPath)
	if err != nil {
		return nil, nil, types.WrapError(err, "failed to read config file")
	}

	return l.LoadFromBytes(data)
}

func (l *Loader) LoadFromBytes(data []byte) (*types.ServiceConfig, map[string]interface{}, error) {
	expanded := []byte(os.ExpandEnv(string(data)))

	config := l.Defaults()
	if err := yaml.Unmarshal(expanded, config); err != nil {
		return nil, nil, types.Errorf(types.ErrConfigParseFailed, "%v", err)
	}

	raw := make(map[string]interface{})
	if err := yaml.Unmarshal(expanded, &raw); err != nil {
		return nil, nil, types.Errorf(types.ErrConfigParseFailed, "%v", err)
	}

	if err := l.Validate(config); err != nil {
		return nil, nil, err
	}

	return config, raw, nil
}

func (l *Loader) Validate(config *types.ServiceConfig) error {
	if config == nil {
		return types.ErrConfigIsNil
	}
	if err := l.validator.Struct(config); err != nil {
		return types.Errorf(types.ErrConfigValidateFailed, "%v", err)
	}
	return nil
}

func (l *Loader) ReadFileWithTimeout(ctx context.Context, filepath string) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}

	resultChan := make(chan result, 1)

	go func() {
		data, err := os.ReadFile(filepath)
		resultChan <- result{data: data, err: err}
	}()

	select {
	case res := <-resultChan:
		return res.data, res.err
	case <-ctx.Done():
		return nil, types.WrapError(ctx.Err(), "file read timeout")
	}
}

func (l *Loader) Defaults() *types.ServiceConfig {
	return Defaults()
}

func Defaults() *types.ServiceConfig {
	return &types.ServiceConfig{
		Name:    "sai-query-cache",
		Version: "dev",
		Logger: &types.LoggerConfig{
			Level: "info",
		},
		Storage: &types.StorageConfig{
			Type: "memory",
		},
		Cache: &types.CacheConfig{
			DefaultTTL:      5 * time.Minute,
			PersistAttempts: 3,
			PersistDelay:    100 * time.Millisecond,
			Compression:     "none",
		},
		Network: &types.NetworkConfig{
			Probe:    "static",
			Timeout:  3 * time.Second,
			Debounce: 2 * time.Second,
		},
		Executor: &types.ExecutorConfig{
			MaxConcurrent: 10,
			MaxRetries:    3,
			BaseDelay:     500 * time.Millisecond,
			CapDelay:      10 * time.Second,
		},
		Auth: &types.AuthConfig{
			Namespace:    "auth_token",
			ExpiryWindow: 24 * time.Hour,
		},
		Remote: &types.RemoteConfig{
			Enabled: false,
			Timeout: 15 * time.Second,
			CircuitBreaker: &types.CircuitBreakerConfig{
				Enabled:          false,
				FailureThreshold: 5,
				RecoveryTimeout:  30 * time.Second,
				HalfOpenRequests: 1,
			},
		},
		Metrics: &types.MetricsConfig{
			Enabled: false,
			Type:    "memory",
			HTTP: types.MetricsHTTPConfig{
				Path: "/metrics",
				Port: 9090,
			},
		},
		Health: &types.HealthConfig{
			Enabled:      true,
			CheckTimeout: 5 * time.Second,
		},
		Invalidation: &types.InvalidationConfig{
			Rules: map[string][]string{},
		},
	}
}

// FillDefaults sets every nil section of config to its default in place.
func FillDefaults(config *types.ServiceConfig) {
	if config == nil {
		return
	}

	defaults := Defaults()
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
	if config.Storage == nil {
		config.Storage = defaults.Storage
	}
	if config.Cache == nil {
		config.Cache = defaults.Cache
	}
	if config.Network == nil {
		config.Network = defaults.Network
	}
	if config.Executor == nil {
		config.Executor = defaults.Executor
	}
	if config.Auth == nil {
		config.Auth = defaults.Auth
	}
	if config.Remote == nil {
		config.Remote = defaults.Remote
	}
	if config.Metrics == nil {
		config.Metrics = defaults.Metrics
	}
	if config.Health == nil {
		config.Health = defaults.Health
	}
	if config.Invalidation == nil {
		config.Invalidation = defaults.Invalidation
	}
}

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	return godotenv.Load(path)
}
