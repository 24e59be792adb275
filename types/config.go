package types

import (
	"time"
)

type ConfigManager interface {
	Load() error
	GetConfig() *ServiceConfig
	GetValue(path string, defaultValue interface{}) interface{}
	GetAs(path string, target interface{}) error
}

type ServiceConfig struct {
	Name     string          `yaml:"name" json:"name" validate:"required"`
	Version  string          `yaml:"version" json:"version" validate:"required"`
	Logger   *LoggerConfig   `yaml:"logger" json:"logger"`
	Storage  *StorageConfig  `yaml:"storage" json:"storage"`
	Cache    *CacheConfig    `yaml:"cache" json:"cache"`
	Network  *NetworkConfig  `yaml:"network" json:"network"`
	Executor *ExecutorConfig `yaml:"executor" json:"executor"`
	Auth     *AuthConfig     `yaml:"auth" json:"auth"`
	Remote   *RemoteConfig   `yaml:"remote" json:"remote"`
	Metrics  *MetricsConfig  `yaml:"metrics" json:"metrics"`
	Health   *HealthConfig   `yaml:"health" json:"health"`

	Invalidation *InvalidationConfig `yaml:"invalidation" json:"invalidation"`
}

type LoggerConfig struct {
	Type   string      `yaml:"type" json:"type"`
	Level  string      `yaml:"level" json:"level" validate:"required"`
	Config interface{} `yaml:"config" json:"config"`
}

type StorageConfig struct {
	Type   string      `yaml:"type" json:"type" validate:"required"`
	Config interface{} `yaml:"config" json:"config"`
}

type CacheConfig struct {
	DefaultTTL      time.Duration `yaml:"default_ttl" json:"default_ttl" validate:"min=0"`
	PersistAttempts int           `yaml:"persist_attempts" json:"persist_attempts" validate:"min=1,max=10"`
	PersistDelay    time.Duration `yaml:"persist_delay" json:"persist_delay" validate:"min=0"`
	Compression     string        `yaml:"compression" json:"compression" validate:"omitempty,oneof=none brotli"`
}

type NetworkConfig struct {
	Probe    string        `yaml:"probe" json:"probe" validate:"omitempty,oneof=static http tcp"`
	URL      string        `yaml:"url" json:"url" validate:"required_if=Probe http,omitempty,url"`
	Address  string        `yaml:"address" json:"address" validate:"required_if=Probe tcp,omitempty,hostname_port"`
	Timeout  time.Duration `yaml:"timeout" json:"timeout" validate:"min=0"`
	Debounce time.Duration `yaml:"debounce" json:"debounce" validate:"min=0"`
}

type ExecutorConfig struct {
	MaxConcurrent int           `yaml:"max_concurrent" json:"max_concurrent" validate:"min=1"`
	MaxRetries    int           `yaml:"max_retries" json:"max_retries" validate:"min=0"`
	BaseDelay     time.Duration `yaml:"base_delay" json:"base_delay" validate:"min=0"`
	CapDelay      time.Duration `yaml:"cap_delay" json:"cap_delay" validate:"gtefield=BaseDelay"`
}

type AuthConfig struct {
	Namespace     string        `yaml:"namespace" json:"namespace" validate:"required"`
	ExpiryWindow  time.Duration `yaml:"expiry_window" json:"expiry_window" validate:"min=0"`
	EncryptionKey string        `yaml:"encryption_key" json:"encryption_key" validate:"omitempty,hexadecimal,len=64"`
}

type RemoteConfig struct {
	Enabled        bool                  `yaml:"enabled" json:"enabled"`
	BaseURL        string                `yaml:"base_url" json:"base_url" validate:"required_if=Enabled true,omitempty,url"`
	Timeout        time.Duration         `yaml:"timeout" json:"timeout" validate:"min=0"`
	RefreshPath    string                `yaml:"refresh_path" json:"refresh_path"`
	Headers        map[string]string     `yaml:"headers" json:"headers"`
	CircuitBreaker *CircuitBreakerConfig `yaml:"circuit_breaker" json:"circuit_breaker"`
}

type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled" json:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold" validate:"min=0"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout" json:"recovery_timeout"`
	HalfOpenRequests int           `yaml:"half_open_requests" json:"half_open_requests" validate:"min=0"`
}

type MetricsConfig struct {
	Enabled bool              `yaml:"enabled" json:"enabled"`
	Type    string            `yaml:"type" json:"type" validate:"required_if=Enabled true"`
	Config  interface{}       `yaml:"config" json:"config"`
	Labels  map[string]string `yaml:"labels" json:"labels"`
	HTTP    MetricsHTTPConfig `yaml:"http" json:"http"`
}

type MetricsHTTPConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
	Port    int    `yaml:"port" json:"port" validate:"omitempty,min=1,max=65535"`
}

type HealthConfig struct {
	Enabled      bool          `yaml:"enabled" json:"enabled"`
	CheckTimeout time.Duration `yaml:"check_timeout" json:"check_timeout"`
}

// InvalidationConfig maps a mutation name to the cache keys it makes stale.
// "{id}" in a key is replaced with the mutated record id.
type InvalidationConfig struct {
	Rules map[string][]string `yaml:"rules" json:"rules"`
}
