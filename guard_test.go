package scopecache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/unkn0wn-root/scopecache/internal/wire"
)

func TestNoIdentityRefusesReads(t *testing.T) {
	env := newTestEnv(t, nil)
	if _, err := env.c.Get(context.Background(), detailKey); !errors.Is(err, ErrNoIdentity) {
		t.Fatalf("err=%v want ErrNoIdentity", err)
	}
	if env.c.Identity() != "" {
		t.Fatalf("identity=%q before any sign-in", env.c.Identity())
	}
}

// TestIdentitySwitchDropsEverything verifies nothing fetched for one identity is visible to the next.
func TestIdentitySwitchDropsEverything(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	env.signIn(t, "u1")
	before := env.c.Epoch()
	env.mustGet(t, detailKey)

	env.signIn(t, "u2")
	if env.c.Epoch() <= before {
		t.Fatalf("epoch did not advance: %d -> %d", before, env.c.Epoch())
	}
	if env.c.Identity() != "u2" {
		t.Fatalf("identity=%q", env.c.Identity())
	}
	if env.mp.has(env.skey(detailKey)) {
		t.Fatalf("u1 payload survived the switch")
	}
	p, err := env.c.Peek(ctx, detailKey)
	if err != nil {
		t.Fatal(err)
	}
	if p.State != StateMissing || p.Data != nil {
		t.Fatalf("u2 sees state=%v data=%q", p.State, p.Data)
	}

	e := env.mustGet(t, detailKey)
	if e.Owner != "u2" {
		t.Fatalf("owner=%q want u2", e.Owner)
	}
}

// TestInflightFetchDiscardedAcrossSwitch verifies a result requested under the old identity never lands.
func TestInflightFetchDiscardedAcrossSwitch(t *testing.T) {
	for _, ignoreCtx := range []bool{false, true} {
		env := newTestEnv(t, nil)
		env.signIn(t, "u1")
		gate := env.remote.block(ignoreCtx)

		done := make(chan error, 1)
		go func() {
			_, err := env.c.Get(context.Background(), detailKey)
			done <- err
		}()
		<-env.remote.started

		env.signIn(t, "u2")
		close(gate)

		if err := <-done; !errors.Is(err, ErrEpochAdvanced) {
			t.Fatalf("ignoreCtx=%v: err=%v want ErrEpochAdvanced", ignoreCtx, err)
		}
		if env.mp.has(env.skey(detailKey)) {
			t.Fatalf("ignoreCtx=%v: stale result reached the provider", ignoreCtx)
		}
		if env.c.Stats().Discarded == 0 {
			t.Fatalf("ignoreCtx=%v: discard not counted", ignoreCtx)
		}
		p, _ := env.c.Peek(context.Background(), detailKey)
		if p.State != StateMissing {
			t.Fatalf("ignoreCtx=%v: state=%v want missing", ignoreCtx, p.State)
		}
	}
}

// TestForeignOwnerTriggersViolationPurge verifies a payload owned by another identity is never served.
func TestForeignOwnerTriggersViolationPurge(t *testing.T) {
	env := newTestEnv(t, nil)
	env.signIn(t, "u1")
	e := env.mustGet(t, detailKey)
	before := env.c.Epoch()

	frame, err := wire.EncodeEntry(wire.Header{Epoch: e.Epoch, Gen: e.Generation, Owner: "intruder"}, []byte("secret"))
	if err != nil {
		t.Fatal(err)
	}
	env.mp.put(env.skey(detailKey), frame)

	_, err = env.c.Get(context.Background(), detailKey)
	var iv *IsolationViolationError
	if !errors.As(err, &iv) {
		t.Fatalf("err=%v want *IsolationViolationError", err)
	}
	if iv.Owner != "intruder" || iv.Confirmed != "u1" {
		t.Fatalf("violation=%+v", iv)
	}
	if !env.hooks.has("violation") || env.c.Stats().Violations != 1 {
		t.Fatalf("violation not reported: %v", env.hooks.events)
	}
	if env.c.Epoch() <= before || env.c.Identity() != "u1" {
		t.Fatalf("expected purge keeping identity: epoch %d -> %d, identity=%q", before, env.c.Epoch(), env.c.Identity())
	}
	if env.mp.has(env.skey(detailKey)) {
		t.Fatalf("foreign payload survived the purge")
	}
}

// TestPurgeFailureFailsClosed verifies an unfinished purge leaves no identity and escalates.
func TestPurgeFailureFailsClosed(t *testing.T) {
	var escalated atomic.Int32
	var resets atomic.Int32
	env := newTestEnv(t, func(o *Options) {
		o.MaxPurgeAttempts = 2
		o.FatalEscalate = func(string) { escalated.Add(1) }
		o.OnReset = []func(uint64){func(uint64) { resets.Add(1) }}
	})
	env.signIn(t, "u1")
	env.mustGet(t, detailKey)
	resets.Store(0)

	env.mp.failDeletes(errors.New("backend down"))
	err := env.c.ObserveIdentity(context.Background(), "u2")
	var pe *PurgeError
	if !errors.As(err, &pe) {
		t.Fatalf("err=%v want *PurgeError", err)
	}
	if pe.Attempts != 2 {
		t.Fatalf("attempts=%d want 2", pe.Attempts)
	}
	if escalated.Load() != 1 || !env.hooks.has("fatal") || !env.hooks.has("purge_retry 1") {
		t.Fatalf("escalation not reported: %v", env.hooks.events)
	}
	if resets.Load() != 0 {
		t.Fatalf("OnReset ran for a failed purge")
	}
	if env.c.Identity() != "" {
		t.Fatalf("identity=%q want none", env.c.Identity())
	}
	if _, err := env.c.Get(context.Background(), detailKey); !errors.Is(err, ErrNoIdentity) {
		t.Fatalf("Get err=%v want ErrNoIdentity", err)
	}

	env.mp.failDeletes(nil)
	env.signIn(t, "u2")
	if env.c.Identity() != "u2" || resets.Load() != 1 {
		t.Fatalf("recovery: identity=%q resets=%d", env.c.Identity(), resets.Load())
	}
	if env.mp.has(env.skey(detailKey)) {
		t.Fatalf("payload left from failed purge")
	}
}

func TestRequestFullPurgeSignsOut(t *testing.T) {
	env := newTestEnv(t, nil)
	env.signIn(t, "u1")
	env.mustGet(t, detailKey)

	if err := env.c.RequestFullPurge(context.Background(), "logout"); err != nil {
		t.Fatal(err)
	}
	if env.c.Identity() != "" || env.c.Stats().Entries != 0 {
		t.Fatalf("identity=%q entries=%d", env.c.Identity(), env.c.Stats().Entries)
	}
	if !env.hooks.has("purge full 1") {
		t.Fatalf("PurgeCompleted not reported: %v", env.hooks.events)
	}
}

// TestSameIdentityPartialPurgeIsDebounced verifies repeated auth signals clear volatile scopes at most once per window.
func TestSameIdentityPartialPurgeIsDebounced(t *testing.T) {
	clk := clockwork.NewFakeClock()
	env := newTestEnv(t, func(o *Options) {
		o.Clock = clk
		o.DebounceWindow = time.Second
	})
	env.signIn(t, "u1")
	if env.c.Phase() != PhaseSettling {
		t.Fatalf("phase=%v want settling right after a purge", env.c.Phase())
	}

	hier := ScopeKey{Resource: ResourceHierarchy, Week: 12, Year: 2024}
	env.mustGet(t, detailKey)
	env.mustGet(t, hier)

	// inside the window: ignored
	env.signIn(t, "u1")
	if env.c.Stats().Entries != 2 {
		t.Fatalf("partial purge ran inside the debounce window")
	}

	clk.Advance(time.Second)
	if env.c.Phase() != PhaseIdle {
		t.Fatalf("phase=%v want idle", env.c.Phase())
	}
	epoch := env.c.Epoch()
	env.signIn(t, "u1")

	if env.c.Epoch() != epoch {
		t.Fatalf("partial purge moved the epoch")
	}
	if !env.hooks.has("purge partial 1") {
		t.Fatalf("partial purge not reported: %v", env.hooks.events)
	}
	p, _ := env.c.Peek(context.Background(), detailKey)
	if p.State != StateMissing {
		t.Fatalf("volatile scope kept: %v", p.State)
	}
	h, _ := env.c.Peek(context.Background(), hier)
	if h.Data == nil {
		t.Fatalf("aggregate scope dropped by partial purge")
	}
}

func TestClosedCoordinator(t *testing.T) {
	env := newTestEnv(t, nil)
	env.signIn(t, "u1")
	if err := env.c.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := env.c.Close(context.Background()); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := env.c.Get(context.Background(), detailKey); !errors.Is(err, ErrClosed) {
		t.Fatalf("Get err=%v", err)
	}
	if _, err := env.c.Submit(context.Background(), Batch{Steps: []MutationRequest{{Kind: ApproveTask}}}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Submit err=%v", err)
	}
}

// TestOnResetMayCallCoordinator verifies reset callbacks run outside the purge lock.
func TestOnResetMayCallCoordinator(t *testing.T) {
	var coord atomic.Pointer[Coordinator]
	var seenID string
	var seenEpoch uint64
	env := newTestEnv(t, func(o *Options) {
		o.OnReset = []func(uint64){func(uint64) {
			c := coord.Load()
			if c == nil {
				return
			}
			seenID, seenEpoch = c.Identity(), c.Epoch()
		}}
	})
	coord.Store(env.c)

	done := make(chan error, 1)
	go func() { done <- env.c.ObserveIdentity(context.Background(), "u1") }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ObserveIdentity blocked inside OnReset")
	}
	if seenID != "u1" || seenEpoch != env.c.Epoch() {
		t.Fatalf("callback saw identity=%q epoch=%d, want u1@%d", seenID, seenEpoch, env.c.Epoch())
	}
}

// TestCloseCanBeRetriedAfterDeadline verifies a Close that gave up waiting for
// sweeps leaves the teardown to the next Close.
func TestCloseCanBeRetriedAfterDeadline(t *testing.T) {
	clk := clockwork.NewFakeClock()
	env := newTestEnv(t, func(o *Options) {
		o.Clock = clk
		o.SweepDelay = time.Second
	})
	env.signIn(t, "u1")
	env.mustGet(t, detailKey)
	sub := env.c.Subscribe(detailKey)
	defer sub.Close()

	if _, err := env.c.Submit(context.Background(), Batch{Steps: []MutationRequest{step(ApproveTask)}}); err != nil {
		t.Fatal(err)
	}
	gate := env.remote.block(true)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := clk.BlockUntilContext(ctx, 1); err != nil {
		t.Fatal(err)
	}
	clk.Advance(time.Second)
	select {
	case <-env.remote.started:
	case <-time.After(2 * time.Second):
		t.Fatal("sweep never fetched")
	}

	expired, stop := context.WithCancel(context.Background())
	stop()
	if err := env.c.Close(expired); !errors.Is(err, context.Canceled) {
		t.Fatalf("Close err=%v want context.Canceled", err)
	}
	if env.mp.closed() != 0 {
		t.Fatalf("provider closed while a sweep was still running")
	}

	close(gate)
	if err := env.c.Close(context.Background()); err != nil {
		t.Fatalf("retried Close: %v", err)
	}
	if err := env.c.Close(context.Background()); err != nil {
		t.Fatalf("third Close: %v", err)
	}
	if n := env.mp.closed(); n != 1 {
		t.Fatalf("provider closed %d times, want 1", n)
	}
}
