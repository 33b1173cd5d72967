package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sim.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, `
namespace: reports:test
codec: cbor
log:
  backend: logrus
  level: debug
  mode: production
timing:
  settleDelay: 250ms
  reconcileTimeout: 2s
remote:
  readLag: 1s
  tokens: true
  employees: 40
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "reports:test", cfg.Namespace)
	assert.Equal(t, "cbor", cfg.Codec)
	assert.Equal(t, "logrus", cfg.Log.Backend)
	assert.Equal(t, 250*time.Millisecond, cfg.Timing.SettleDelay)
	assert.Equal(t, 2*time.Second, cfg.Timing.ReconcileTimeout)
	assert.Equal(t, time.Second, cfg.Remote.ReadLag)
	assert.True(t, cfg.Remote.Tokens)
	assert.Equal(t, 40, cfg.Remote.Employees)
	assert.Equal(t, "ristretto", cfg.Provider.Kind, "unset sections keep defaults")
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "namespace: from-file\n")
	t.Setenv("SCOPECACHE_NAMESPACE", "from-env")
	t.Setenv("SCOPECACHE_SETTLE_DELAY", "-1s")
	t.Setenv("SCOPECACHE_TOKENS", "true")
	t.Setenv("SCOPECACHE_EMPLOYEES", "not-a-number")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Namespace)
	assert.Equal(t, -time.Second, cfg.Timing.SettleDelay)
	assert.True(t, cfg.Remote.Tokens)
	assert.Equal(t, 12, cfg.Remote.Employees, "unparsable env keeps the previous value")
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Namespace = ""
	cfg.Provider.Kind = "redis"
	cfg.Codec = "xml"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Config.Namespace: required")
	assert.Contains(t, err.Error(), "Config.Codec: oneof")
	assert.Contains(t, err.Error(), "Config.Provider.RedisAddr: required_if")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
