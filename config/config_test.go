package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.verikey.dev/keygate/config"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("MASTER_SECRET", "test-secret")

	cfg, err := config.LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.HTTPPort)
	assert.Equal(t, config.BackendMongo, cfg.StoreBackend)
	assert.Equal(t, "test-secret", cfg.MasterSecret)
	assert.Equal(t, 7*24*time.Hour, cfg.RecordRetention())
	assert.Equal(t, 30*24*time.Hour, cfg.NonceRetention())
	assert.Equal(t, 3, cfg.RetryMaxAttempts)
	assert.Equal(t, 50*time.Millisecond, cfg.RetryBaseDelay())
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("MASTER_SECRET", "test-secret")
	t.Setenv("STORE_BACKEND", config.BackendRedis)
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("RECORD_RETENTION_DAYS", "14")

	cfg, err := config.LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, config.BackendRedis, cfg.StoreBackend)
	assert.Equal(t, "redis:6379", cfg.RedisAddr)
	assert.Equal(t, 14*24*time.Hour, cfg.RecordRetention())
}

func TestLoadConfigRequiresSecret(t *testing.T) {
	t.Setenv("MASTER_SECRET", "")

	_, err := config.LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MASTER_SECRET")
}
