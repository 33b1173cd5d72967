package scopecache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	gen "github.com/unkn0wn-root/scopecache/genstore"
	"github.com/unkn0wn-root/scopecache/internal/wire"
)

var detailKey = ScopeKey{Resource: ResourceReportDetail, UserID: "u1", Week: 12, Year: 2024}

// TestGetFetchesOnceThenHits verifies a miss fetches and commits, and the next read is served from the provider.
func TestGetFetchesOnceThenHits(t *testing.T) {
	env := newTestEnv(t, nil)
	env.signIn(t, "u1")

	e := env.mustGet(t, detailKey)
	if e.State != StateFresh || string(e.Data) != detailKey.String()+"@v0" {
		t.Fatalf("first Get: state=%v data=%q", e.State, e.Data)
	}
	if e.Owner != "u1" || e.Epoch != env.c.Epoch() {
		t.Fatalf("entry stamped with owner=%q epoch=%d", e.Owner, e.Epoch)
	}

	again := env.mustGet(t, detailKey)
	if string(again.Data) != string(e.Data) {
		t.Fatalf("second Get data=%q", again.Data)
	}
	if n := env.remote.fetchCount(detailKey); n != 1 {
		t.Fatalf("fetches=%d want 1", n)
	}
	st := env.c.Stats()
	if st.Hits != 1 || st.Misses != 1 || st.Entries != 1 {
		t.Fatalf("stats=%+v", st)
	}
}

// TestCorruptPayloadSelfHeals verifies an undecodable frame is deleted and refetched.
func TestCorruptPayloadSelfHeals(t *testing.T) {
	env := newTestEnv(t, nil)
	env.signIn(t, "u1")
	env.mustGet(t, detailKey)

	env.mp.put(env.skey(detailKey), []byte("garbage"))

	e := env.mustGet(t, detailKey)
	if e.State != StateFresh || e.Data == nil {
		t.Fatalf("after heal: state=%v data=%q", e.State, e.Data)
	}
	if n := env.remote.fetchCount(detailKey); n != 2 {
		t.Fatalf("fetches=%d want 2", n)
	}
	if env.c.Stats().SelfHeals != 1 {
		t.Fatalf("selfHeals=%d want 1", env.c.Stats().SelfHeals)
	}
	if !env.hooks.has("heal " + env.skey(detailKey) + " corrupt") {
		t.Fatalf("SelfHeal hook not fired: %v", env.hooks.events)
	}
}

// TestFrameFromOtherGenerationSelfHeals verifies a frame whose generation does not match metadata is never served.
func TestFrameFromOtherGenerationSelfHeals(t *testing.T) {
	env := newTestEnv(t, nil)
	env.signIn(t, "u1")
	e := env.mustGet(t, detailKey)

	frame, err := wire.EncodeEntry(wire.Header{Epoch: e.Epoch, Gen: e.Generation + 7, Owner: "u1"}, []byte("old"))
	if err != nil {
		t.Fatal(err)
	}
	env.mp.put(env.skey(detailKey), frame)

	p, err := env.c.Peek(context.Background(), detailKey)
	if err != nil {
		t.Fatalf("Peek: %v", err)
	}
	if p.Data != nil || p.State != StateMissing {
		t.Fatalf("mismatched frame served: state=%v data=%q", p.State, p.Data)
	}
	if env.mp.has(env.skey(detailKey)) {
		t.Fatalf("mismatched frame not deleted")
	}
}

// TestStaleCommitIsDiscarded verifies a fetch that began before an invalidation cannot be admitted.
func TestStaleCommitIsDiscarded(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	env.signIn(t, "u1")

	sess, release, err := env.c.guard.bind(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer release()

	obs, err := env.c.store.begin(ctx, sess, detailKey)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := env.c.store.invalidate(ctx, sess, []Target{{Pattern: Pattern{Resource: ResourceReportDetail}}}); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if _, err := env.c.store.commit(ctx, sess, detailKey, obs, []byte("late")); !errors.Is(err, ErrSuperseded) {
		t.Fatalf("commit err=%v want ErrSuperseded", err)
	}
	if env.mp.has(env.skey(detailKey)) {
		t.Fatalf("superseded payload reached the provider")
	}
	if env.c.Stats().Discarded != 1 || !env.hooks.has("discard "+detailKey.String()+" gen_mismatch") {
		t.Fatalf("discard not recorded: %+v %v", env.c.Stats(), env.hooks.events)
	}

	p, _ := env.c.Peek(ctx, detailKey)
	if p.State != StateInvalidated {
		t.Fatalf("state=%v want invalidated", p.State)
	}
}

// TestInvalidateReportsBackendErrors verifies metadata moves on even when both the gen bump and the delete fail,
// and that the lingering payload is removed by the next full purge.
func TestInvalidateReportsBackendErrors(t *testing.T) {
	ctx := context.Background()
	gs := failingGenStore{gen.NewLocalGenStore(0, 0)}
	env := newTestEnv(t, func(o *Options) { o.GenStore = gs })
	env.signIn(t, "u1")
	env.mustGet(t, detailKey)

	env.mp.failDeletes(errors.New("del failed"))
	sess, release, err := env.c.guard.bind(ctx)
	if err != nil {
		t.Fatal(err)
	}
	keys, err := env.c.store.invalidate(ctx, sess, []Target{{Pattern: Pattern{UserID: "u1"}, Remove: true}})
	release()

	var ie *InvalidateError
	if !errors.As(err, &ie) {
		t.Fatalf("err=%v want *InvalidateError", err)
	}
	if ie.BumpErr == nil || ie.DelErr == nil {
		t.Fatalf("expected both bump and delete errors: %+v", ie)
	}
	if len(keys) != 1 || keys[0] != detailKey {
		t.Fatalf("keys=%v", keys)
	}

	p, err := env.c.Peek(ctx, detailKey)
	if err != nil {
		t.Fatal(err)
	}
	if p.State != StateInvalidated || p.Data != nil {
		t.Fatalf("invalidated scope still serves: state=%v data=%q", p.State, p.Data)
	}
	if !env.mp.has(env.skey(detailKey)) {
		t.Fatalf("expected payload to linger while deletes fail")
	}

	env.mp.failDeletes(nil)
	env.signIn(t, "u2")
	if env.mp.has(env.skey(detailKey)) {
		t.Fatalf("orphaned payload survived a full purge")
	}
}

// TestRejectedSetServesCaller verifies a provider rejection still returns data but keeps nothing.
func TestRejectedSetServesCaller(t *testing.T) {
	env := newTestEnv(t, nil)
	env.mp.rejectSet = true
	env.signIn(t, "u1")

	e := env.mustGet(t, detailKey)
	if e.Data == nil || e.State != StateFresh {
		t.Fatalf("caller not served: state=%v data=%q", e.State, e.Data)
	}
	p, _ := env.c.Peek(context.Background(), detailKey)
	if p.State != StateMissing || p.Data != nil {
		t.Fatalf("rejected set kept: state=%v", p.State)
	}
	if !env.hooks.has("set_rejected") {
		t.Fatalf("ProviderSetRejected hook not fired")
	}
}

// TestTransientFetchErrorsRetry verifies transient failures retry up to MaxFetchAttempts.
func TestTransientFetchErrorsRetry(t *testing.T) {
	env := newTestEnv(t, nil)
	env.signIn(t, "u1")

	calls := 0
	env.c.Register(ResourceStatistics, FetcherFunc(func(context.Context, ScopeKey) ([]byte, error) {
		calls++
		if calls < 3 {
			return nil, Transient(errors.New("503"))
		}
		return []byte("ok"), nil
	}))
	k := ScopeKey{Resource: ResourceStatistics, Week: 1, Year: 2024}
	e := env.mustGet(t, k)
	if string(e.Data) != "ok" || calls != 3 {
		t.Fatalf("data=%q calls=%d", e.Data, calls)
	}
}

// TestPermanentFetchErrorLeavesInvalidated verifies a terminal error is not retried.
func TestPermanentFetchErrorLeavesInvalidated(t *testing.T) {
	env := newTestEnv(t, nil)
	env.signIn(t, "u1")

	boom := errors.New("404")
	calls := 0
	env.c.Register(ResourceStatistics, FetcherFunc(func(context.Context, ScopeKey) ([]byte, error) {
		calls++
		return nil, boom
	}))
	k := ScopeKey{Resource: ResourceStatistics, Week: 1, Year: 2024}
	if _, err := env.c.Get(context.Background(), k); !errors.Is(err, boom) {
		t.Fatalf("err=%v want %v", err, boom)
	}
	if calls != 1 {
		t.Fatalf("calls=%d want 1", calls)
	}
	p, _ := env.c.Peek(context.Background(), k)
	if p.State != StateInvalidated {
		t.Fatalf("state=%v want invalidated", p.State)
	}
}

func TestGetWithoutFetcher(t *testing.T) {
	env := newTestEnv(t, nil)
	env.signIn(t, "u1")
	if _, err := env.c.Get(context.Background(), ScopeKey{Resource: "unknown"}); !errors.Is(err, ErrNoFetcher) {
		t.Fatalf("err=%v want ErrNoFetcher", err)
	}
}

// TestConcurrentMissesShareOneFetch verifies concurrent readers of a missing scope trigger a single remote call.
func TestConcurrentMissesShareOneFetch(t *testing.T) {
	env := newTestEnv(t, nil)
	env.signIn(t, "u1")
	gate := env.remote.block(false)

	const n = 8
	var wg sync.WaitGroup
	results := make([]Entry, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = env.c.Get(context.Background(), detailKey)
		}()
	}
	<-env.remote.started
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("reader %d: %v", i, errs[i])
		}
		if string(results[i].Data) != detailKey.String()+"@v0" {
			t.Fatalf("reader %d data=%q", i, results[i].Data)
		}
	}
	if got := env.remote.fetchCount(detailKey); got != 1 {
		t.Fatalf("fetches=%d want 1", got)
	}
}

func TestSubscriptionSeesFetchTransitions(t *testing.T) {
	env := newTestEnv(t, nil)
	env.signIn(t, "u1")
	sub := env.c.Subscribe(detailKey)
	defer sub.Close()

	env.mustGet(t, detailKey)
	got := drain(sub.C)
	if len(got) != 2 || got[0] != StateFetching || got[1] != StateFresh {
		t.Fatalf("transitions=%v want [fetching fresh]", got)
	}

	sub.Close()
	sub.Close()
	if _, ok := <-sub.C; ok {
		t.Fatalf("channel still open after Close")
	}
}

// TestFailedSetRemembersEarlierPayload verifies a stale payload left behind by a
// failed refetch write is deleted by the next full purge.
func TestFailedSetRemembersEarlierPayload(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	env.signIn(t, "u1")
	reports := ScopeKey{Resource: ResourceReports, UserID: "u1"}
	env.mustGet(t, reports)

	sess, release, err := env.c.guard.bind(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.c.store.invalidate(ctx, sess, []Target{{Pattern: Pattern{Resource: ResourceReports}}}); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	env.mp.failSets(errors.New("backend full"))
	_, err = env.c.load(sess.ctx, sess, reports)
	release()
	if err == nil {
		t.Fatalf("load succeeded with a failing provider")
	}

	env.c.store.mu.Lock()
	_, orphan := env.c.store.orphans[env.skey(reports)]
	env.c.store.mu.Unlock()
	if !orphan {
		t.Fatalf("earlier payload not remembered")
	}
	p, _ := env.c.Peek(ctx, reports)
	if p.State != StateInvalidated || p.Data != nil {
		t.Fatalf("state=%v data=%q want invalidated without data", p.State, p.Data)
	}

	env.mp.failSets(nil)
	env.signIn(t, "u2")
	if env.mp.has(env.skey(reports)) {
		t.Fatalf("earlier payload survived the full purge")
	}
	env.c.store.mu.Lock()
	left := len(env.c.store.orphans)
	env.c.store.mu.Unlock()
	if left != 0 {
		t.Fatalf("orphans=%d after purge", left)
	}
}

// TestWeekScopedScopeIsRemoved verifies a scope keyed by (user, week, year) is
// dropped by an invalidation that would only mark its resource stale.
func TestWeekScopedScopeIsRemoved(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	env.signIn(t, "u1")
	weekly := ScopeKey{Resource: ResourceReports, UserID: "u1", Week: 12, Year: 2024}
	all := ScopeKey{Resource: ResourceReports, UserID: "u1"}
	env.mustGet(t, weekly)
	env.mustGet(t, all)

	sess, release, err := env.c.guard.bind(ctx)
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.c.store.invalidate(ctx, sess, []Target{{Pattern: Pattern{Resource: ResourceReports, UserID: "u1"}}})
	release()
	if err != nil {
		t.Fatalf("invalidate: %v", err)
	}

	w, _ := env.c.Peek(ctx, weekly)
	if w.State != StateInvalidated || w.Data != nil || env.mp.has(env.skey(weekly)) {
		t.Fatalf("weekly scope kept: state=%v data=%q", w.State, w.Data)
	}
	a, _ := env.c.Peek(ctx, all)
	if a.State != StateStale || a.Data == nil {
		t.Fatalf("unkeyed scope: state=%v data=%q want stale with data", a.State, a.Data)
	}
}
