package domain

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_Values(t *testing.T) {
	c := DefaultConfig()

	assert.Equal(t, 600*time.Second, c.Cache.DefaultTTL)
	assert.Equal(t, 1000, c.Cache.MaxSize)
	assert.Equal(t, 300*time.Second, c.Insertion.DefaultTimeout)
	assert.Equal(t, 60*time.Minute, c.Engine.ProgressTimeout)
	assert.Equal(t, 2*time.Minute, c.Cleanup.Delay)
	assert.Equal(t, 100, c.Recovery.LogLimit)
	assert.Equal(t, 3, c.Report.MaxRetries)
	require.NoError(t, c.Validate())
}

func TestWithDefaults_KeepsUserValues(t *testing.T) {
	c := &Config{
		DataDir: t.TempDir(),
		Cache:   CacheConfig{MaxSize: 10},
	}

	merged, err := c.WithDefaults()
	require.NoError(t, err)

	assert.Equal(t, 10, merged.Cache.MaxSize)
	assert.Equal(t, 600*time.Second, merged.Cache.DefaultTTL)
	assert.Equal(t, StorageBadger, merged.Storage.Backend)
	assert.Equal(t, filepath.Join(c.DataDir, "badger"), merged.Storage.Dir)
	assert.NotNil(t, merged.Logger)
	assert.Equal(t, 0, c.Executor.PoolSize, "original config must not be mutated")
}

func TestValidate_RejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		field  string
	}{
		{"backend", func(c *Config) { c.Storage.Backend = "tape" }, "storage.backend"},
		{"cache size", func(c *Config) { c.Cache.MaxSize = 0 }, "cache.max_size"},
		{"pool", func(c *Config) { c.Executor.PoolSize = -1 }, "executor.pool_size"},
		{"endpoint", func(c *Config) { c.Report.Endpoint = "ftp://x" }, "report.endpoint"},
		{"status addr", func(c *Config) {
			c.Observability.Enabled = true
			c.Observability.Addr = ""
		}, "observability.addr"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultConfig()
			tt.mutate(c)

			err := c.Validate()
			require.Error(t, err)

			var cfgErr *ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}
}

func TestNewConfigFromSimple_PersistsDeviceID(t *testing.T) {
	dir := t.TempDir()

	first := NewConfigFromSimple("u1", dir, nil)
	second := NewConfigFromSimple("u1", dir, nil)

	require.NotEmpty(t, first.DeviceID)
	assert.Equal(t, first.DeviceID, second.DeviceID)
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("TASKCORE_USER_ID", "alice")
	t.Setenv("TASKCORE_STORAGE_BACKEND", "FILE")
	t.Setenv("TASKCORE_CACHE_TTL", "90s")
	t.Setenv("TASKCORE_CACHE_MAX_SIZE", "not-a-number")
	t.Setenv("TASKCORE_CONTINUE_ON_NODE_FAILURE", "true")
	t.Setenv("TASKCORE_REPORT_BREAKER_FAILURES", "2")
	t.Setenv("TASKCORE_STATUS_ENABLED", "1")

	c := ConfigFromEnv()

	assert.Equal(t, "alice", c.UserID)
	assert.Equal(t, StorageFile, c.Storage.Backend)
	assert.Equal(t, 90*time.Second, c.Cache.DefaultTTL)
	assert.Equal(t, 1000, c.Cache.MaxSize)
	assert.True(t, c.Engine.ContinueOnNodeFailure)
	assert.Equal(t, 2, c.Report.Breaker.FailureThreshold)
	assert.Equal(t, time.Minute, c.Report.Breaker.OpenInterval)
	assert.True(t, c.Observability.Enabled)
	assert.Equal(t, "127.0.0.1:9480", c.Observability.Addr)
}
