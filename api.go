package scopecache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/singleflight"

	gen "github.com/unkn0wn-root/scopecache/genstore"
	pr "github.com/unkn0wn-root/scopecache/provider"
)

var tracer = otel.Tracer("github.com/unkn0wn-root/scopecache")

// Options configure a Coordinator.
// Only Namespace, Provider and MutationAPI are required; others have sensible defaults.
// For the timing windows, zero means default and a negative value disables the wait.
type Options struct {
	// Required
	Namespace   string // logical namespace for storage and generation keys
	Provider    pr.Provider
	MutationAPI MutationAPI

	Fetchers map[Resource]Fetcher // more can be added with Register
	GenStore gen.GenStore         // nil => LocalGenStore (in-process)
	Logger   Logger               // nil => NopLogger
	Hooks    Hooks                // nil => NopHooks
	Clock    clockwork.Clock      // nil => real clock

	DefaultTTL       time.Duration // payload TTL; 0 => 10m
	DebounceWindow   time.Duration // partial purge rate limit; 0 => 1s
	SettleDelay      time.Duration // wait after the last write without a token; 0 => 1s
	SettleTimeout    time.Duration // bound on ConsistencyWaiter.WaitVisible; 0 => 3s
	ReconcileTimeout time.Duration // bound on the post-mutation refetch; 0 => 5s
	SweepDelay       time.Duration // delay before the subscribed-scope sweep; 0 => 1s
	SweepTimeout     time.Duration // bound on the sweep; 0 => 3s
	CleanupInterval  time.Duration // LocalGenStore pruning; 0 => 1h
	GenRetention     time.Duration // LocalGenStore retention; 0 => 30d

	RefetchConcurrency int // 0 => 4
	MaxPurgeAttempts   int // 0 => 3
	MaxFetchAttempts   int // 0 => 3

	FetchBackOff func() backoff.BackOff // between transient fetch retries
	PurgeBackOff func() backoff.BackOff // between purge attempts

	// FatalEscalate is bound by the host to its recovery strategy (restart,
	// full rehydration). Called when a purge cannot complete. Default logs.
	FatalEscalate func(reason string)
	// OnReset runs after every successful full purge, before the new identity is usable.
	OnReset []func(epoch uint64)

	ComputeSetCost SetCostFunc // default 1
}

// Coordinator owns the Cache Store and wires the Isolation Guard, Mutation
// Pipeline and Invalidation Coordinator around it. It is safe for concurrent use.
type Coordinator struct {
	ns       string
	epochKey string
	provider pr.Provider
	gen      gen.GenStore
	clock    clockwork.Clock
	log      Logger
	hooks    Hooks
	stats    *counters

	store    *store
	guard    *guard
	pipeline *pipeline

	fetchMu  sync.RWMutex
	fetchers map[Resource]Fetcher
	sf       singleflight.Group

	reconcileTimeout time.Duration
	sweepDelay       time.Duration
	sweepTimeout     time.Duration
	refetchLimit     int
	maxPurgeAttempts int
	maxFetchAttempts int
	fetchBackOff     func() backoff.BackOff
	purgeBackOff     func() backoff.BackOff
	escalate         func(string)
	onReset          []func(uint64)

	closeMu   sync.Mutex
	closed    atomic.Bool
	closeCtx  context.Context
	closeStop context.CancelFunc
	wg        sync.WaitGroup

	teardownMu sync.Mutex
	tornDown   bool
}

func New(opts Options) (*Coordinator, error) {
	if opts.Provider == nil {
		return nil, fmt.Errorf("scopecache: provider is required")
	}
	if opts.Namespace == "" {
		return nil, fmt.Errorf("scopecache: namespace is required")
	}
	if opts.MutationAPI == nil {
		return nil, fmt.Errorf("scopecache: mutation api is required")
	}

	c := &Coordinator{
		ns:       opts.Namespace,
		epochKey: gen.EpochKey(opts.Namespace),
		provider: opts.Provider,
		stats:    &counters{},
		fetchers: make(map[Resource]Fetcher, len(opts.Fetchers)),
		onReset:  opts.OnReset,
	}
	for r, f := range opts.Fetchers {
		c.fetchers[r] = f
	}

	// defaults
	c.clock = coalesce[clockwork.Clock](opts.Clock, clockwork.NewRealClock())
	c.log = coalesce[Logger](opts.Logger, NopLogger{})
	c.hooks = coalesce[Hooks](opts.Hooks, NopHooks{})
	c.reconcileTimeout = window(opts.ReconcileTimeout, defaultReconcileTimeout)
	c.sweepDelay = window(opts.SweepDelay, defaultSweepDelay)
	c.sweepTimeout = window(opts.SweepTimeout, defaultSweepTimeout)
	c.refetchLimit = coalesce(opts.RefetchConcurrency, defaultRefetchLimit)
	c.maxPurgeAttempts = coalesce(opts.MaxPurgeAttempts, defaultPurgeAttempts)
	c.maxFetchAttempts = coalesce(opts.MaxFetchAttempts, defaultFetchAttempts)

	if opts.FetchBackOff != nil {
		c.fetchBackOff = opts.FetchBackOff
	} else {
		c.fetchBackOff = defaultBackOff
	}
	if opts.PurgeBackOff != nil {
		c.purgeBackOff = opts.PurgeBackOff
	} else {
		c.purgeBackOff = defaultBackOff
	}
	if opts.FatalEscalate != nil {
		c.escalate = opts.FatalEscalate
	} else {
		c.escalate = func(reason string) {
			c.log.Error("fatal escalation requested with no handler bound", Fields{"reason": reason})
		}
	}

	if opts.GenStore != nil {
		c.gen = opts.GenStore
	} else {
		// default to in-process generations with periodic cleanup
		c.gen = gen.NewLocalGenStoreWithClock(c.clock,
			window(opts.CleanupInterval, defaultGenSweep),
			window(opts.GenRetention, defaultGenRetention))
	}

	computeSetCost := opts.ComputeSetCost
	if computeSetCost == nil {
		computeSetCost = func(string, []byte) int64 { return 1 }
	}

	// every process start is a new epoch, so frames left by a previous run never validate
	epoch, err := c.gen.Bump(context.Background(), c.epochKey)
	if err != nil {
		return nil, fmt.Errorf("scopecache: init epoch: %w", err)
	}

	c.store = &store{
		ns:             opts.Namespace,
		provider:       opts.Provider,
		gen:            c.gen,
		clock:          c.clock,
		log:            c.log,
		hooks:          c.hooks,
		ttl:            coalesce(opts.DefaultTTL, defaultTTL),
		computeSetCost: computeSetCost,
		stats:          c.stats,
		epoch:          epoch,
		entries:        make(map[string]*meta),
		orphans:        make(map[string]struct{}),
		subs:           make(map[string]map[*Subscription]struct{}),
	}
	c.guard = newGuard(c.clock, window(opts.DebounceWindow, defaultDebounce), epoch)
	c.pipeline = &pipeline{
		api:           opts.MutationAPI,
		clock:         c.clock,
		settleDelay:   window(opts.SettleDelay, defaultSettleDelay),
		settleTimeout: window(opts.SettleTimeout, defaultSettleTimeout),
		log:           c.log,
	}
	c.closeCtx, c.closeStop = context.WithCancel(context.Background())
	return c, nil
}

// Close stops background sweeps, waits for them (bounded by ctx), then closes
// the gen store and the provider. When ctx ends first Close returns its error
// and a later Close finishes the teardown.
func (c *Coordinator) Close(ctx context.Context) error {
	c.closeMu.Lock()
	if !c.closed.Load() {
		c.closed.Store(true)
		c.closeStop()
	}
	c.closeMu.Unlock()

	c.teardownMu.Lock()
	defer c.teardownMu.Unlock()
	if c.tornDown {
		return nil
	}
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	c.guard.mu.Lock()
	c.guard.cancelEpoch(ErrClosed)
	c.guard.mu.Unlock()

	var errs []error
	if c.gen != nil {
		errs = append(errs, c.gen.Close(ctx))
	}
	if c.provider != nil {
		errs = append(errs, c.provider.Close(ctx))
	}
	c.tornDown = true
	return errors.Join(errs...)
}

// Stats returns a snapshot of the coordinator's counters.
func (c *Coordinator) Stats() CacheStats {
	s := c.stats.snapshot()
	s.Entries = c.store.size()
	return s
}
