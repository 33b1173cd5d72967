package scopecache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Subject names what a write touches; it drives the invalidation plan.
type Subject struct {
	UserID   string
	ReportID string
	TaskID   string
	Week     int
	Year     int
}

type MutationRequest struct {
	Kind     MutationKind
	TargetID string
	Payload  any
	Subject  Subject
}

// MutationResult is what the remote side returned. Token, when set, is a
// consistency token the API can wait on before reads reflect the write.
type MutationResult struct {
	Entity any
	Token  string
}

// MutationAPI is the remote Report/Evaluation API.
type MutationAPI interface {
	Apply(ctx context.Context, req MutationRequest) (MutationResult, error)
}

// ConsistencyWaiter is optionally implemented by a MutationAPI that can block
// until a write identified by token is visible to reads.
type ConsistencyWaiter interface {
	WaitVisible(ctx context.Context, token string) error
}

// Batch is one user action: causally ordered steps. A zero ID is assigned on Submit.
type Batch struct {
	ID    uuid.UUID
	Steps []MutationRequest
}

type BatchStatus int

const (
	StatusPending BatchStatus = iota
	StatusCommitting
	StatusSettled
	StatusReconciled
	StatusFailed
)

func (s BatchStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusCommitting:
		return "committing"
	case StatusSettled:
		return "settled"
	case StatusReconciled:
		return "reconciled"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Receipt is the outcome of Submit. Pending lists scopes whose refetch did
// not finish before the reconcile timeout; they are left Invalidated.
type Receipt struct {
	BatchID     uuid.UUID
	Status      BatchStatus
	Results     []MutationResult
	Invalidated []ScopeKey
	Pending     []ScopeKey
}

// pipeline runs batch steps. It never touches the store.
type pipeline struct {
	api           MutationAPI
	clock         clockwork.Clock
	settleDelay   time.Duration
	settleTimeout time.Duration
	log           Logger
}

// run applies steps strictly in order and stops at the first failure.
// After the last step it waits for the writes to become visible.
func (p *pipeline) run(ctx context.Context, b Batch) ([]MutationResult, error) {
	results := make([]MutationResult, 0, len(b.Steps))
	for i, step := range b.Steps {
		if ctx.Err() != nil {
			return results, &MutationStepError{BatchID: b.ID, Step: i, Kind: step.Kind, Err: context.Cause(ctx)}
		}
		res, err := p.api.Apply(ctx, step)
		if err != nil {
			if cause := context.Cause(ctx); cause != nil && !errors.Is(err, cause) {
				err = fmt.Errorf("%w (%w)", err, cause)
			}
			return results, &MutationStepError{BatchID: b.ID, Step: i, Kind: step.Kind, Err: err}
		}
		results = append(results, res)
	}
	return results, p.settle(ctx, results[len(results)-1].Token)
}

// settle prefers the consistency token and falls back to the fixed delay.
func (p *pipeline) settle(ctx context.Context, token string) error {
	if w, ok := p.api.(ConsistencyWaiter); ok && token != "" {
		wctx, cancel := withClockTimeout(ctx, p.clock, p.settleTimeout)
		err := w.WaitVisible(wctx, token)
		cancel()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("scopecache: settle: %w", context.Cause(ctx))
		}
		p.log.Warn("consistency wait failed, using settle delay", Fields{"token": token, "err": err})
	}
	if p.settleDelay <= 0 {
		return nil
	}
	t := p.clock.NewTimer(p.settleDelay)
	defer t.Stop()
	select {
	case <-t.Chan():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scopecache: settle: %w", context.Cause(ctx))
	}
}

// withClockTimeout is context.WithTimeout driven by clock. d <= 0 means no bound.
func withClockTimeout(parent context.Context, clock clockwork.Clock, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(parent)
	}
	ctx, cancel := context.WithCancelCause(parent)
	t := clock.AfterFunc(d, func() { cancel(context.DeadlineExceeded) })
	return ctx, func() {
		t.Stop()
		cancel(context.Canceled)
	}
}

// Submit runs one user action: steps in order, settle, then invalidate and
// refetch every dependent scope. The receipt is Reconciled only once the
// refetch has resolved. A failed step leaves the cache untouched.
func (c *Coordinator) Submit(ctx context.Context, b Batch) (Receipt, error) {
	if c.closed.Load() {
		return Receipt{}, ErrClosed
	}
	if len(b.Steps) == 0 {
		return Receipt{}, ErrEmptyBatch
	}
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	rec := Receipt{BatchID: b.ID, Status: StatusPending}

	ctx, span := tracer.Start(ctx, "scopecache.Submit", trace.WithAttributes(
		attribute.String("batch.id", b.ID.String()),
		attribute.Int("batch.steps", len(b.Steps)),
	))
	defer span.End()

	sess, release, err := c.guard.bind(ctx)
	if err != nil {
		rec.Status = StatusFailed
		return rec, err
	}
	defer release()
	span.SetAttributes(attribute.Int64("batch.epoch", int64(sess.epoch)))

	rec.Status = StatusCommitting
	results, err := c.pipeline.run(sess.ctx, b)
	rec.Results = results
	if err != nil {
		span.RecordError(err)
		var se *MutationStepError
		if errors.As(err, &se) {
			rec.Status = StatusFailed
			span.SetStatus(codes.Error, "mutation step failed")
			c.hooks.MutationStepFailed(b.ID.String(), se.Step, se.Kind.String(), se.Err)
			c.log.Warn("mutation step failed", Fields{"batch": b.ID.String(), "step": se.Step, "kind": se.Kind.String(), "err": se.Err})
			return rec, err
		}
		// every step applied; a purge or Close already dropped the cache
		rec.Status = StatusSettled
		if cause := context.Cause(sess.ctx); errors.Is(cause, ErrEpochAdvanced) || errors.Is(cause, ErrClosed) {
			return rec, err
		}
		// the caller gave up waiting: the writes are live, so dependent
		// scopes are still marked and refetched lazily on the next read
		keys, ierr := c.store.invalidate(context.WithoutCancel(sess.ctx), sess, PlanFor(b).Targets)
		rec.Invalidated = keys
		if ierr != nil {
			c.log.Warn("invalidation after abandoned settle", Fields{"batch": b.ID.String(), "err": ierr})
		}
		return rec, err
	}

	rec.Status = StatusSettled
	inv, pending, err := c.reconcile(sess.ctx, sess, b.ID, PlanFor(b))
	rec.Invalidated, rec.Pending = inv, pending
	if err != nil {
		span.RecordError(err)
		return rec, err
	}
	rec.Status = StatusReconciled
	return rec, nil
}
