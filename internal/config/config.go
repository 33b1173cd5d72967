// Package config loads the simulator configuration: a YAML file, then
// SCOPECACHE_* environment overrides, then validation.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Namespace string         `yaml:"namespace" validate:"required"`
	Codec     string         `yaml:"codec" validate:"oneof=json cbor msgpack"`
	Log       LogConfig      `yaml:"log"`
	Provider  ProviderConfig `yaml:"provider"`
	Timing    TimingConfig   `yaml:"timing"`
	Remote    RemoteConfig   `yaml:"remote"`
	Metrics   MetricsConfig  `yaml:"metrics"`
}

type LogConfig struct {
	Backend string `yaml:"backend" validate:"oneof=zap logrus slog"`
	Level   string `yaml:"level" validate:"oneof=debug info warn error"`
	Mode    string `yaml:"mode" validate:"oneof=production development"`
}

type ProviderConfig struct {
	Kind        string        `yaml:"kind" validate:"oneof=ristretto bigcache redis"`
	MaxCost     int64         `yaml:"maxCost" validate:"gt=0"`
	NumCounters int64         `yaml:"numCounters" validate:"gt=0"`
	LifeWindow  time.Duration `yaml:"lifeWindow"`
	RedisAddr   string        `yaml:"redisAddr" validate:"required_if=Kind redis"`
}

// TimingConfig mirrors the coordinator windows; zero keeps the library
// default and a negative value disables the wait.
type TimingConfig struct {
	DefaultTTL       time.Duration `yaml:"defaultTTL"`
	DebounceWindow   time.Duration `yaml:"debounceWindow"`
	SettleDelay      time.Duration `yaml:"settleDelay"`
	SettleTimeout    time.Duration `yaml:"settleTimeout"`
	ReconcileTimeout time.Duration `yaml:"reconcileTimeout"`
	SweepDelay       time.Duration `yaml:"sweepDelay"`
	SweepTimeout     time.Duration `yaml:"sweepTimeout"`
}

// RemoteConfig shapes the simulated source of truth.
type RemoteConfig struct {
	ReadLag   time.Duration `yaml:"readLag" validate:"gte=0"`
	Latency   time.Duration `yaml:"latency" validate:"gte=0"`
	Tokens    bool          `yaml:"tokens"` // issue consistency tokens
	Employees int           `yaml:"employees" validate:"gte=1,lte=10000"`
	Week      int           `yaml:"week" validate:"gte=1,lte=53"`
	Year      int           `yaml:"year" validate:"gte=2000"`
	Seed      int64         `yaml:"seed"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr" validate:"required_if=Enabled true"`
}

func Default() Config {
	return Config{
		Namespace: "reports",
		Codec:     "json",
		Log:       LogConfig{Backend: "zap", Level: "info", Mode: "development"},
		Provider:  ProviderConfig{Kind: "ristretto", MaxCost: 1 << 20, NumCounters: 1 << 14, LifeWindow: 10 * time.Minute},
		Remote:    RemoteConfig{ReadLag: 200 * time.Millisecond, Latency: 20 * time.Millisecond, Employees: 12, Week: 12, Year: 2024, Seed: 1},
		Metrics:   MetricsConfig{Addr: ":9464"},
	}
}

// Load reads path (skipped when empty), applies env overrides and validates.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Namespace = getEnv("SCOPECACHE_NAMESPACE", c.Namespace)
	c.Codec = getEnv("SCOPECACHE_CODEC", c.Codec)
	c.Log.Backend = getEnv("SCOPECACHE_LOG_BACKEND", c.Log.Backend)
	c.Log.Level = getEnv("SCOPECACHE_LOG_LEVEL", c.Log.Level)
	c.Log.Mode = getEnv("SCOPECACHE_LOG_MODE", c.Log.Mode)
	c.Provider.Kind = getEnv("SCOPECACHE_PROVIDER", c.Provider.Kind)
	c.Provider.RedisAddr = getEnv("SCOPECACHE_REDIS_ADDR", c.Provider.RedisAddr)
	c.Timing.DebounceWindow = getEnvDuration("SCOPECACHE_DEBOUNCE_WINDOW", c.Timing.DebounceWindow)
	c.Timing.SettleDelay = getEnvDuration("SCOPECACHE_SETTLE_DELAY", c.Timing.SettleDelay)
	c.Timing.ReconcileTimeout = getEnvDuration("SCOPECACHE_RECONCILE_TIMEOUT", c.Timing.ReconcileTimeout)
	c.Timing.SweepDelay = getEnvDuration("SCOPECACHE_SWEEP_DELAY", c.Timing.SweepDelay)
	c.Remote.ReadLag = getEnvDuration("SCOPECACHE_READ_LAG", c.Remote.ReadLag)
	c.Remote.Tokens = getEnvBool("SCOPECACHE_TOKENS", c.Remote.Tokens)
	c.Remote.Latency = getEnvDuration("SCOPECACHE_LATENCY", c.Remote.Latency)
	c.Remote.Employees = getEnvInt("SCOPECACHE_EMPLOYEES", c.Remote.Employees)
	c.Metrics.Enabled = getEnvBool("SCOPECACHE_METRICS_ENABLED", c.Metrics.Enabled)
	c.Metrics.Addr = getEnv("SCOPECACHE_METRICS_ADDR", c.Metrics.Addr)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate reports every invalid field as "config: <field>: <rule>".
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: %s", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("config: %s", strings.Join(msgs, "; "))
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
