package scopecache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// Phase is the Isolation Guard's purge state.
type Phase int

const (
	PhaseIdle Phase = iota
	PhasePurging
	PhaseSettling
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhasePurging:
		return "purging"
	case PhaseSettling:
		return "settling"
	default:
		return "unknown"
	}
}

// session is one (epoch, identity) binding. ctx is cancelled with
// ErrEpochAdvanced as soon as the epoch moves on.
type session struct {
	ctx      context.Context
	epoch    uint64
	identity string
}

type guard struct {
	mu          sync.RWMutex // held exclusively for the whole of a purge
	identity    string
	epoch       uint64
	epochCtx    context.Context
	cancelEpoch context.CancelCauseFunc

	purging atomic.Bool
	limiter *rate.Limiter // nil when debouncing is disabled
	clock   clockwork.Clock
}

func newGuard(clock clockwork.Clock, debounce time.Duration, epoch uint64) *guard {
	g := &guard{clock: clock}
	if debounce > 0 {
		g.limiter = rate.NewLimiter(rate.Every(debounce), 1)
	}
	g.advance(epoch, "")
	return g
}

// advance must be called with mu held (or before the guard is shared).
func (g *guard) advance(epoch uint64, identity string) {
	g.epoch = epoch
	g.identity = identity
	g.epochCtx, g.cancelEpoch = context.WithCancelCause(context.Background())
}

// bind ties ctx to the live epoch. It blocks while a purge runs.
func (g *guard) bind(ctx context.Context) (session, context.CancelFunc, error) {
	g.mu.RLock()
	id, epoch, ectx := g.identity, g.epoch, g.epochCtx
	g.mu.RUnlock()
	if id == "" {
		return session{}, nil, ErrNoIdentity
	}
	bctx, cancel := context.WithCancelCause(ctx)
	stop := context.AfterFunc(ectx, func() { cancel(context.Cause(ectx)) })
	return session{ctx: bctx, epoch: epoch, identity: id}, func() {
		stop()
		cancel(nil)
	}, nil
}

func (g *guard) phase() Phase {
	if g.purging.Load() {
		return PhasePurging
	}
	if g.limiter != nil && g.limiter.TokensAt(g.clock.Now()) < 1 {
		return PhaseSettling
	}
	return PhaseIdle
}

// settle starts the debounce window after a purge.
func (g *guard) settle() {
	if g.limiter != nil {
		g.limiter.AllowN(g.clock.Now(), 1)
	}
}

// Identity returns the confirmed identity, "" when none is confirmed.
func (c *Coordinator) Identity() string {
	c.guard.mu.RLock()
	defer c.guard.mu.RUnlock()
	return c.guard.identity
}

// Epoch returns the live epoch. It blocks while a purge runs.
func (c *Coordinator) Epoch() uint64 {
	c.guard.mu.RLock()
	defer c.guard.mu.RUnlock()
	return c.guard.epoch
}

// Phase never blocks.
func (c *Coordinator) Phase() Phase { return c.guard.phase() }

// ObserveIdentity is fed by the host's auth signal. A different identity
// triggers a full purge before it is confirmed; the same identity triggers a
// debounced partial purge of volatile scopes.
func (c *Coordinator) ObserveIdentity(ctx context.Context, id string) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if id != c.Identity() {
		return c.purgeFull(ctx, "identity changed", func(cur string) (string, bool) {
			return id, cur != id
		})
	}
	if id == "" {
		return nil
	}
	return c.purgeVolatile(ctx)
}

// RequestFullPurge drops every entry and resets the confirmed identity.
// Used for explicit refresh and logout.
func (c *Coordinator) RequestFullPurge(ctx context.Context, reason string) error {
	if c.closed.Load() {
		return ErrClosed
	}
	return c.purgeFull(ctx, reason, func(string) (string, bool) { return "", true })
}

func keepIdentity(cur string) (string, bool) { return cur, true }

// purgeFull drops every scope and confirms the identity next maps the current
// one to; false skips the purge. OnReset callbacks and FatalEscalate run after
// the guard lock is released and may call back into the coordinator.
func (c *Coordinator) purgeFull(ctx context.Context, reason string, next func(string) (string, bool)) error {
	epoch, removed, ran, err := c.purgeLocked(ctx, reason, next)
	if err != nil {
		c.hooks.FatalEscalated(reason)
		c.escalate(reason)
		return err
	}
	if !ran {
		return nil
	}
	for _, fn := range c.onReset {
		fn(epoch)
	}
	c.stats.purges.Add(1)
	c.hooks.PurgeCompleted("full", removed)
	c.log.Info("full purge", Fields{"reason": reason, "epoch": epoch, "removed": removed})
	return nil
}

// purgeLocked holds the guard's write lock throughout, so no read binds and
// no commit is admitted until it finishes.
func (c *Coordinator) purgeLocked(ctx context.Context, reason string, next func(string) (string, bool)) (epoch uint64, removed int, ran bool, err error) {
	g := c.guard
	g.mu.Lock()
	defer g.mu.Unlock()

	identity, ok := next(g.identity)
	if !ok {
		return 0, 0, false, nil
	}
	ctx, span := tracer.Start(ctx, "scopecache.purge", trace.WithAttributes(
		attribute.String("purge.reason", reason),
		attribute.Int64("purge.from_epoch", int64(g.epoch)),
	))
	defer span.End()
	ctx = context.WithoutCancel(ctx)

	g.purging.Store(true)
	defer g.purging.Store(false)

	g.cancelEpoch(ErrEpochAdvanced)
	var pending []string
	pending, removed = c.store.seal()

	attempts := 0
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		if epoch == 0 {
			n, err := c.gen.Bump(ctx, c.epochKey)
			if err != nil {
				return struct{}{}, fmt.Errorf("bump epoch: %w", err)
			}
			epoch = max(n, g.epoch+1)
		}
		if pending = c.store.drain(ctx, pending); len(pending) > 0 {
			return struct{}{}, fmt.Errorf("%d payload(s) not deleted", len(pending))
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(c.purgeBackOff()),
		backoff.WithMaxTries(uint(c.maxPurgeAttempts)),
		backoff.WithNotify(func(err error, d time.Duration) {
			c.hooks.PurgeRetry(attempts, err)
			c.log.Warn("purge attempt failed", Fields{"reason": reason, "attempt": attempts, "retry_in": d, "err": err})
		}),
	)
	if err != nil {
		// Fail closed: no identity means nothing binds until a later purge succeeds.
		g.identity = ""
		g.epochCtx, g.cancelEpoch = context.WithCancelCause(context.Background())
		span.RecordError(err)
		span.SetStatus(codes.Error, "purge failed")
		c.log.Error("purge failed, escalating", Fields{"reason": reason, "attempts": attempts, "err": err})
		return 0, removed, true, &PurgeError{Reason: reason, Attempts: attempts, Err: err}
	}

	g.advance(epoch, identity)
	c.store.open(epoch, identity)
	g.settle()
	span.SetAttributes(attribute.Int64("purge.epoch", int64(epoch)), attribute.Int("purge.removed", removed))
	return epoch, removed, true, nil
}

// purgeVolatile drops volatile scopes for the unchanged identity, at most
// once per debounce window. The epoch does not move.
func (c *Coordinator) purgeVolatile(ctx context.Context) error {
	g := c.guard
	if g.limiter != nil && !g.limiter.AllowN(c.clock.Now(), 1) {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.purging.Store(true)
	defer g.purging.Store(false)

	removed, err := c.store.removeMatching(ctx, func(k ScopeKey) bool { return k.Resource.Volatile() })
	c.hooks.PurgeCompleted("partial", removed)
	c.log.Debug("partial purge", Fields{"epoch": g.epoch, "removed": removed})
	if err != nil {
		c.log.Warn("partial purge left payloads behind", Fields{"err": err})
	}
	return err
}

// violation reacts to an entry owned by someone other than the confirmed
// identity: distinct hook, error log, full purge keeping the identity.
func (c *Coordinator) violation(ctx context.Context, iv *IsolationViolationError) {
	c.stats.violations.Add(1)
	c.hooks.IsolationViolation(iv.Key, iv.Owner, iv.Confirmed)
	c.log.Error("isolation violation", Fields{"scope": iv.Key, "owner": iv.Owner, "confirmed": iv.Confirmed})
	if err := c.purgeFull(context.WithoutCancel(ctx), "isolation violation", keepIdentity); err != nil {
		c.log.Error("purge after isolation violation failed", Fields{"err": err})
	}
}
