package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnv_Defaults(t *testing.T) {
	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.MaxConcurrentKernels)
	assert.Equal(t, 300*time.Second, cfg.ExecutionTimeout)
	assert.Equal(t, 60*time.Second, cfg.InputRequestTimeout)
	assert.Equal(t, 30*time.Second, cfg.HealthCheckInterval)
	assert.Equal(t, int64(1<<30), cfg.AssetStorageCapBytes)
	assert.Equal(t, 24*time.Hour, cfg.AssetLeaseTTL)
	assert.Equal(t, 1000, cfg.OrphanBufferMax)
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("MAX_CONCURRENT_KERNELS", "3")
	t.Setenv("EXECUTION_TIMEOUT_SECONDS", "45")
	t.Setenv("ASSET_LEASE_TTL_HOURS", "2")
	t.Setenv("SESSION_TOKEN", "secret-token")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.MaxConcurrentKernels)
	assert.Equal(t, 45*time.Second, cfg.ExecutionTimeout)
	assert.Equal(t, 2*time.Hour, cfg.AssetLeaseTTL)
	assert.Equal(t, "secret-token", cfg.SessionToken)
}

func TestFromEnv_InvalidValue(t *testing.T) {
	t.Setenv("MAX_CONCURRENT_KERNELS", "not-a-number")
	_, err := FromEnv()
	assert.Error(t, err)
}

func TestMain(m *testing.M) {
	// Guard against a developer's shell leaking these into the test process.
	for _, v := range []string{
		"MAX_CONCURRENT_KERNELS", "EXECUTION_TIMEOUT_SECONDS", "INPUT_REQUEST_TIMEOUT_SECONDS",
		"HEALTH_CHECK_INTERVAL_SECONDS", "ASSET_STORAGE_CAP_BYTES", "ASSET_LEASE_TTL_HOURS",
		"ORPHAN_BUFFER_MAX", "IDLE_TIMEOUT_SECONDS", "SESSION_TOKEN", "DATA_DIR",
	} {
		os.Unsetenv(v)
	}
	os.Exit(m.Run())
}
