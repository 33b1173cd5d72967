package main

import (
	"context"
	"errors"
	"fmt"
	stdslog "log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"

	"github.com/unkn0wn-root/scopecache"
	gen "github.com/unkn0wn-root/scopecache/genstore"
	asynchook "github.com/unkn0wn-root/scopecache/hooks/async"
	"github.com/unkn0wn-root/scopecache/internal/config"
	"github.com/unkn0wn-root/scopecache/internal/sim"
	logrusadapter "github.com/unkn0wn-root/scopecache/log/logrus"
	slogadapter "github.com/unkn0wn-root/scopecache/log/slog"
	zapadapter "github.com/unkn0wn-root/scopecache/log/zap"
	"github.com/unkn0wn-root/scopecache/promhooks"
	pr "github.com/unkn0wn-root/scopecache/provider"
	"github.com/unkn0wn-root/scopecache/provider/bigcache"
	"github.com/unkn0wn-root/scopecache/provider/redis"
	"github.com/unkn0wn-root/scopecache/provider/ristretto"
	"github.com/unkn0wn-root/scopecache/sloghooks"
)

const metricsNamespace = "sim"

// app is one wired coordinator with its remote, hooks and metrics endpoint.
type app struct {
	ctx    context.Context
	cancel context.CancelCauseFunc

	log     scopecache.Logger
	sync    func()
	remote  *sim.Remote
	codecs  sim.Codecs
	coord   *scopecache.Coordinator
	hooks   *asynchook.Hooks
	metrics *http.Server
	rdb     *goredis.Client
	local   *ristretto.Provider
}

func newApp(parent context.Context, cfg config.Config) (*app, error) {
	log, hookLog, syncLog, err := newLogger(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	a := &app{log: log, sync: syncLog}
	a.ctx, a.cancel = context.WithCancelCause(parent)

	a.remote = sim.New(sim.Options{
		ReadLag:   cfg.Remote.ReadLag,
		Latency:   cfg.Remote.Latency,
		Tokens:    cfg.Remote.Tokens,
		Employees: cfg.Remote.Employees,
		Week:      cfg.Remote.Week,
		Year:      cfg.Remote.Year,
		Seed:      cfg.Remote.Seed,
	})
	if a.codecs, err = sim.NewCodecs(cfg.Codec); err != nil {
		a.close()
		return nil, err
	}

	hooks := scopecache.MultiHooks{sloghooks.New(hookLog, sloghooks.Options{SelfHealEvery: 10, DiscardEvery: 1})}
	var reg *prometheus.Registry
	if cfg.Metrics.Enabled {
		reg = prometheus.NewRegistry()
		hooks = append(hooks, promhooks.New(reg, metricsNamespace))
	}
	a.hooks = asynchook.New(hooks, 1, 1024)

	provider, genStore, err := a.newBackend(cfg)
	if err != nil {
		a.close()
		return nil, err
	}

	a.coord, err = scopecache.New(scopecache.Options{
		Namespace:        cfg.Namespace,
		Provider:         provider,
		MutationAPI:      a.remote.API(),
		Fetchers:         a.remote.Fetchers(a.codecs),
		GenStore:         genStore,
		Logger:           log,
		Hooks:            a.hooks,
		DefaultTTL:       cfg.Timing.DefaultTTL,
		DebounceWindow:   cfg.Timing.DebounceWindow,
		SettleDelay:      cfg.Timing.SettleDelay,
		SettleTimeout:    cfg.Timing.SettleTimeout,
		ReconcileTimeout: cfg.Timing.ReconcileTimeout,
		SweepDelay:       cfg.Timing.SweepDelay,
		SweepTimeout:     cfg.Timing.SweepTimeout,
		// a real host would restart; the simulator stops the run
		FatalEscalate: func(reason string) {
			a.cancel(fmt.Errorf("fatal escalation: %s", reason))
		},
	})
	if err != nil {
		_ = provider.Close(context.Background())
		a.close()
		return nil, err
	}

	if reg != nil {
		promhooks.RegisterStats(reg, metricsNamespace, a.coord.Stats)
		a.serveMetrics(cfg.Metrics.Addr, reg)
	}
	return a, nil
}

// newBackend builds the payload provider; with redis the generation store
// shares the client so the epoch survives restarts.
func (a *app) newBackend(cfg config.Config) (pr.Provider, gen.GenStore, error) {
	pc := cfg.Provider
	switch pc.Kind {
	case "bigcache":
		p, err := bigcache.New(a.ctx, bigcache.Config{LifeWindow: pc.LifeWindow})
		return p, nil, err
	case "redis":
		a.rdb = goredis.NewClient(&goredis.Options{Addr: pc.RedisAddr})
		if err := a.rdb.Ping(a.ctx).Err(); err != nil {
			return nil, nil, fmt.Errorf("redis %s: %w", pc.RedisAddr, err)
		}
		p, err := redis.New(redis.Config{Client: a.rdb, Prefix: "sim:", OpTimeout: time.Second})
		if err != nil {
			return nil, nil, err
		}
		gs, err := gen.NewRedisGenStore(gen.RedisConfig{Client: a.rdb, Namespace: cfg.Namespace, TTL: 30 * 24 * time.Hour})
		return p, gs, err
	default:
		p, err := ristretto.New(ristretto.Config{
			NumCounters: pc.NumCounters,
			MaxCost:     pc.MaxCost,
			Metrics:     cfg.Metrics.Enabled,
		})
		if err != nil {
			return nil, nil, err
		}
		a.local = p
		return p, nil, nil
	}
}

func (a *app) serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	a.metrics = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := a.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("metrics server stopped", scopecache.Fields{"addr": addr, "err": err})
		}
	}()
	a.log.Info("serving metrics", scopecache.Fields{"addr": addr})
}

func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if a.coord != nil {
		if err := a.coord.Close(ctx); err != nil {
			a.log.Warn("coordinator close", scopecache.Fields{"err": err})
		}
	}
	if a.hooks != nil {
		a.hooks.Close()
		if n := a.hooks.Dropped(); n > 0 {
			a.log.Warn("hook events dropped", scopecache.Fields{"count": n})
		}
	}
	if a.local != nil {
		a.log.Debug("provider admission", scopecache.Fields{"dropped": a.local.Dropped(), "evicted": a.local.Evicted()})
	}
	if a.metrics != nil {
		_ = a.metrics.Shutdown(ctx)
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	a.cancel(nil)
	a.sync()
}

// newLogger returns the coordinator logger, the slog logger hook events go
// to, and a flush func.
func newLogger(cfg config.LogConfig) (scopecache.Logger, *stdslog.Logger, func(), error) {
	var level stdslog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, nil, nil, err
	}
	hopts := &stdslog.HandlerOptions{Level: level}
	var handler stdslog.Handler = stdslog.NewTextHandler(os.Stderr, hopts)
	if cfg.Mode == "production" {
		handler = stdslog.NewJSONHandler(os.Stderr, hopts)
	}
	hookLog := stdslog.New(handler).With("component", "scopecache.hooks")

	switch cfg.Backend {
	case "logrus":
		l := logrus.New()
		l.SetOutput(os.Stderr)
		lvl, err := logrus.ParseLevel(cfg.Level)
		if err != nil {
			return nil, nil, nil, err
		}
		l.SetLevel(lvl)
		if cfg.Mode == "production" {
			l.SetFormatter(&logrus.JSONFormatter{})
		}
		return logrusadapter.New(l), hookLog, func() {}, nil
	case "slog":
		return slogadapter.Logger{L: stdslog.New(handler)}, hookLog, func() {}, nil
	default:
		zc := zap.NewDevelopmentConfig()
		if cfg.Mode == "production" {
			zc = zap.NewProductionConfig()
		}
		lvl, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, nil, nil, err
		}
		zc.Level = lvl
		zl, err := zc.Build()
		if err != nil {
			return nil, nil, nil, err
		}
		return zapadapter.New(zl), hookLog, func() { _ = zl.Sync() }, nil
	}
}
