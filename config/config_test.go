package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-query-cache/types"
)

const sampleConfig = `
name: crm-client
version: 1.2.0
logger:
  level: debug
storage:
  type: redis
  config:
    host: localhost
    password: ${QC_REDIS_PASSWORD}
cache:
  default_ttl: 30s
  compression: brotli
executor:
  max_concurrent: 4
  max_retries: 2
  base_delay: 250ms
  cap_delay: 2s
screens:
  admins:
    page_size: 25
`

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, sampleConfig)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("QC_REDIS_PASSWORD=s3cret\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("QC_REDIS_PASSWORD") })

	cm, err := NewConfigurationManager(context.Background(), path)
	require.NoError(t, err)

	cfg := cm.GetConfig()
	assert.Equal(t, "crm-client", cfg.Name)
	assert.Equal(t, "redis", cfg.Storage.Type)
	assert.Equal(t, 30*time.Second, cfg.Cache.DefaultTTL)
	assert.Equal(t, "brotli", cfg.Cache.Compression)
	assert.Equal(t, 3, cfg.Cache.PersistAttempts, "unset fields keep defaults")
	assert.Equal(t, 4, cfg.Executor.MaxConcurrent)
	assert.Equal(t, 250*time.Millisecond, cfg.Executor.BaseDelay)
	assert.Equal(t, 24*time.Hour, cfg.Auth.ExpiryWindow)

	assert.Equal(t, "s3cret", cm.GetValue("storage.config.password", ""))
	assert.Equal(t, 25, cm.GetValue("screens.admins.page_size", 0))
	assert.Equal(t, "fallback", cm.GetValue("screens.missing", "fallback"))

	var screen struct {
		PageSize int `yaml:"page_size"`
	}
	require.NoError(t, cm.GetAs("screens.admins", &screen))
	assert.Equal(t, 25, screen.PageSize)
	assert.ErrorIs(t, cm.GetAs("screens.companies", &screen), types.ErrConfigNotFound)
}

func TestLoadValidation(t *testing.T) {
	cases := map[string]string{
		"cap below base": `
name: x
version: "1"
executor:
  base_delay: 5s
  cap_delay: 1s
`,
		"zero pool": `
name: x
version: "1"
executor:
  max_concurrent: 0
`,
		"bad compression": `
name: x
version: "1"
cache:
  compression: zstd
`,
		"http probe without url": `
name: x
version: "1"
network:
  probe: http
`,
		"short encryption key": `
name: x
version: "1"
auth:
  encryption_key: abcd
`,
	}

	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, err := NewLoader().LoadFromBytes([]byte(body))
			assert.ErrorIs(t, err, types.ErrConfigValidateFailed)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := NewConfigurationManager(context.Background(), filepath.Join(t.TempDir(), "absent.yml"))
	assert.Error(t, err)

	_, err = NewConfigurationManager(context.Background(), "")
	assert.ErrorIs(t, err, types.ErrConfigNotFound)
}

func TestStaticManager(t *testing.T) {
	cfg := Defaults()
	cm, err := NewStaticManager(context.Background(), cfg)
	require.NoError(t, err)
	assert.Same(t, cfg, cm.GetConfig())
	assert.NoError(t, cm.Load())

	require.NoError(t, cm.Start())
	assert.True(t, cm.IsRunning())
	require.NoError(t, cm.Stop())

	bad := Defaults()
	bad.Name = ""
	_, err = NewStaticManager(context.Background(), bad)
	assert.ErrorIs(t, err, types.ErrConfigValidateFailed)
}

func TestStaticManagerFillsSections(t *testing.T) {
	cfg := &types.ServiceConfig{Name: "app", Version: "1", Executor: &types.ExecutorConfig{MaxConcurrent: 2, CapDelay: time.Second}}
	cm, err := NewStaticManager(context.Background(), cfg)
	require.NoError(t, err)

	got := cm.GetConfig()
	assert.Equal(t, 2, got.Executor.MaxConcurrent)
	require.NotNil(t, got.Auth)
	assert.Equal(t, "auth_token", got.Auth.Namespace)
	assert.Equal(t, "memory", got.Storage.Type)
	assert.NotNil(t, got.Invalidation)
}
