package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/unkn0wn-root/scopecache/internal/config"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestConfigCommand(t *testing.T) {
	t.Setenv("SCOPECACHE_PROVIDER", "bigcache")
	out, err := execute(t, "config")
	require.NoError(t, err)

	var cfg config.Config
	require.NoError(t, yaml.Unmarshal([]byte(out), &cfg))
	assert.Equal(t, "bigcache", cfg.Provider.Kind)
	assert.Equal(t, config.Default().Namespace, cfg.Namespace)
}

func TestRunCommand(t *testing.T) {
	t.Setenv("SCOPECACHE_LOG_BACKEND", "slog")
	t.Setenv("SCOPECACHE_LOG_LEVEL", "error")
	t.Setenv("SCOPECACHE_READ_LAG", "10ms")
	t.Setenv("SCOPECACHE_LATENCY", "0s")
	t.Setenv("SCOPECACHE_SETTLE_DELAY", "50ms")
	t.Setenv("SCOPECACHE_SWEEP_DELAY", "-1s")

	out, err := execute(t, "run")
	require.NoError(t, err, out)
	assert.Contains(t, out, "name: isolation")
	assert.NotContains(t, out, "passed: false")
}

func TestRunCommandFailsOnUnsettledReads(t *testing.T) {
	t.Setenv("SCOPECACHE_LOG_BACKEND", "logrus")
	t.Setenv("SCOPECACHE_LOG_LEVEL", "error")
	t.Setenv("SCOPECACHE_READ_LAG", "1h")
	t.Setenv("SCOPECACHE_SETTLE_DELAY", "-1s")
	t.Setenv("SCOPECACHE_SWEEP_DELAY", "-1s")

	out, err := execute(t, "run")
	assert.ErrorIs(t, err, errScenarioFailed)
	assert.Contains(t, out, "passed: false")
}

func TestStatsCommand(t *testing.T) {
	t.Setenv("SCOPECACHE_LOG_LEVEL", "error")
	t.Setenv("SCOPECACHE_CODEC", "msgpack")
	out, err := execute(t, "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "totalusers: 12")
}
