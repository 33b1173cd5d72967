package scopecache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// reconcile applies plan and refetches every matched scope, bounded by
// ReconcileTimeout. Scopes still in flight at the deadline are retired to
// Invalidated and returned as pending. A sweep of subscribed scopes follows
// in the background.
func (c *Coordinator) reconcile(ctx context.Context, sess session, batchID uuid.UUID, plan InvalidationPlan) (invalidated, pending []ScopeKey, err error) {
	ctx, span := tracer.Start(ctx, "scopecache.reconcile", trace.WithAttributes(
		attribute.String("batch.id", batchID.String()),
		attribute.Int("plan.targets", len(plan.Targets)),
	))
	defer span.End()

	keys, err := c.store.invalidate(ctx, sess, plan.Targets)
	if err != nil {
		var ie *InvalidateError
		if !errors.As(err, &ie) {
			span.RecordError(err)
			return nil, nil, err
		}
		// metadata already moved on; a lingering payload is never served
		c.log.Warn("invalidation backend error", Fields{"batch": batchID.String(), "err": err})
	}
	span.SetAttributes(attribute.Int("plan.matched", len(keys)))
	if !plan.Refetch || len(keys) == 0 {
		return keys, nil, nil
	}

	pending, err = c.refetchAll(ctx, sess, keys)
	if err != nil {
		span.RecordError(err)
		return keys, pending, err
	}
	c.scheduleSweep(batchID, sess.epoch, keys)
	if len(pending) > 0 {
		names := make([]string, len(pending))
		for i, k := range pending {
			names[i] = k.String()
		}
		c.hooks.ReconciliationTimedOut(batchID.String(), len(pending))
		c.log.Warn("reconciliation timed out", Fields{"batch": batchID.String(), "pending": names})
		span.SetStatus(codes.Error, "reconciliation timed out")
		return keys, pending, &ReconciliationTimeoutError{BatchID: batchID, Scopes: names}
	}
	return keys, nil, nil
}

// refetchAll loads keys in parallel and returns the ones that did not finish
// before the reconcile timeout. Those are retired so late results are dropped.
func (c *Coordinator) refetchAll(ctx context.Context, sess session, keys []ScopeKey) ([]ScopeKey, error) {
	rctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var mu sync.Mutex
	done := make([]bool, len(keys))
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		var g errgroup.Group
		g.SetLimit(c.refetchLimit)
		for i, k := range keys {
			if rctx.Err() != nil {
				break
			}
			g.Go(func() error {
				if rctx.Err() != nil {
					return nil
				}
				if _, err := c.load(rctx, sess, k); err != nil && !errors.Is(err, ErrSuperseded) {
					if rctx.Err() != nil {
						return nil
					}
					c.refetchFailed(k, err)
				}
				mu.Lock()
				done[i] = true
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()
	}()

	var timeout <-chan time.Time
	if c.reconcileTimeout > 0 {
		t := c.clock.NewTimer(c.reconcileTimeout)
		defer t.Stop()
		timeout = t.Chan()
	}
	select {
	case <-finished:
		return nil, nil
	case <-ctx.Done():
		return nil, epochErr(ctx)
	case <-timeout:
	}

	cancel()
	var pending []ScopeKey
	mu.Lock()
	for i, k := range keys {
		if !done[i] {
			pending = append(pending, k)
		}
	}
	mu.Unlock()
	if err := c.store.abandon(context.WithoutCancel(ctx), pending); err != nil {
		c.log.Warn("retiring pending scopes", Fields{"err": err})
	}
	return pending, nil
}

func (c *Coordinator) refetchFailed(k ScopeKey, err error) {
	c.hooks.RefetchFailed(k.String(), err)
	c.log.Warn("refetch failed, scope left invalidated", Fields{"scope": k.String(), "err": err})
}

// scheduleSweep refetches, after SweepDelay, those keys a view still
// subscribes to, to absorb remaining backend read lag. Close waits for it.
func (c *Coordinator) scheduleSweep(batchID uuid.UUID, epoch uint64, keys []ScopeKey) {
	if c.sweepDelay <= 0 {
		return
	}
	c.closeMu.Lock()
	if c.closed.Load() {
		c.closeMu.Unlock()
		return
	}
	c.wg.Add(1)
	c.closeMu.Unlock()

	go func() {
		defer c.wg.Done()
		select {
		case <-c.clock.After(c.sweepDelay):
		case <-c.closeCtx.Done():
			return
		}
		c.sweep(batchID, epoch, keys)
	}()
}

func (c *Coordinator) sweep(batchID uuid.UUID, epoch uint64, keys []ScopeKey) {
	ctx, cancel := withClockTimeout(c.closeCtx, c.clock, c.sweepTimeout)
	defer cancel()
	ctx, span := tracer.Start(ctx, "scopecache.sweep", trace.WithAttributes(
		attribute.String("batch.id", batchID.String()),
	))
	defer span.End()

	sess, release, err := c.guard.bind(ctx)
	if err != nil {
		return
	}
	defer release()
	if sess.epoch != epoch {
		return
	}
	live := c.store.subscribed(keys)
	span.SetAttributes(attribute.Int("sweep.scopes", len(live)))

	var g errgroup.Group
	g.SetLimit(c.refetchLimit)
	for _, k := range live {
		g.Go(func() error {
			if _, err := c.load(sess.ctx, sess, k); err != nil && !errors.Is(err, ErrSuperseded) && !errors.Is(err, ErrEpochAdvanced) {
				c.refetchFailed(k, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	c.log.Debug("sweep finished", Fields{"batch": batchID.String(), "scopes": len(live)})
}

// epochErr returns the cause ctx ended with, ErrEpochAdvanced after a purge.
func epochErr(ctx context.Context) error {
	if cause := context.Cause(ctx); cause != nil {
		return cause
	}
	return ctx.Err()
}
