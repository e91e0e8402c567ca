package config

import (
	"os"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	orig, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(orig) })
	return dir
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	viper.Reset()
	chdirTemp(t)

	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.ServerPort)
	assert.Equal(t, 5, cfg.MaxConcurrencyPerKey)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, int64(100), cfg.RetryBackoffBaseMs)
	assert.True(t, cfg.AccountLevel.Enabled)
	assert.Equal(t, int64(10*1024*1024), cfg.MaxBodySize)
}

func TestLoadAppliesEnvironmentOverrides(t *testing.T) {
	viper.Reset()
	chdirTemp(t)
	t.Setenv("PROXY_SERVER_PORT", "9090")
	t.Setenv("PROXY_MAX_RETRIES", "7")
	t.Setenv("PROXY_CIRCUIT_BREAKER_FAILURE_THRESHOLD", "11")

	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.ServerPort)
	assert.Equal(t, 7, cfg.MaxRetries)
	assert.Equal(t, 11, cfg.CircuitBreaker.FailureThreshold)
}

func TestLoadReadsYAMLFileOverDefaults(t *testing.T) {
	viper.Reset()
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(dir+"/config.yaml", []byte("server_port: \"7000\"\nmax_retries: 9\n"), 0o644))

	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, "7000", cfg.ServerPort)
	assert.Equal(t, 9, cfg.MaxRetries)
}
