package scopecache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"

	gen "github.com/unkn0wn-root/scopecache/genstore"
	pr "github.com/unkn0wn-root/scopecache/provider"
)

type memProvider struct {
	mu        sync.Mutex
	m         map[string][]byte
	rejectSet bool
	setErr    error
	delErr    error
	sets      int
	closes    int
}

var _ pr.Provider = (*memProvider)(nil)

func newMemProvider() *memProvider { return &memProvider{m: make(map[string][]byte)} }

func (p *memProvider) Get(_ context.Context, key string) ([]byte, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.m[key]
	return v, ok, nil
}

func (p *memProvider) Set(_ context.Context, key string, value []byte, _ int64, _ time.Duration) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sets++
	if p.setErr != nil {
		return false, p.setErr
	}
	if p.rejectSet {
		return false, nil
	}
	p.m[key] = value
	return true, nil
}

func (p *memProvider) Del(_ context.Context, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.delErr != nil {
		return p.delErr
	}
	delete(p.m, key)
	return nil
}

func (p *memProvider) Close(_ context.Context) error {
	p.mu.Lock()
	p.closes++
	p.mu.Unlock()
	return nil
}

func (p *memProvider) closed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closes
}

func (p *memProvider) failSets(err error) {
	p.mu.Lock()
	p.setErr = err
	p.mu.Unlock()
}

func (p *memProvider) put(key string, v []byte) {
	p.mu.Lock()
	p.m[key] = v
	p.mu.Unlock()
}

func (p *memProvider) has(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.m[key]
	return ok
}

func (p *memProvider) failDeletes(err error) {
	p.mu.Lock()
	p.delErr = err
	p.mu.Unlock()
}

// failingGenStore fails Bump for scope keys; the epoch counter keeps working.
type failingGenStore struct {
	*gen.LocalGenStore
}

func (f failingGenStore) Bump(ctx context.Context, k string) (uint64, error) {
	if strings.HasPrefix(k, "scope:") {
		return 0, errors.New("bump failed")
	}
	return f.LocalGenStore.Bump(ctx, k)
}

// fakeRemote is the source of truth: Apply bumps a version that every
// fetched payload embeds.
type fakeRemote struct {
	mu        sync.Mutex
	version   int
	applied   []MutationKind
	failOn    MutationKind
	fetchErr  error
	fetches   map[string]int
	gate      chan struct{}
	ignoreCtx bool
	started   chan string
	onApply   func(step int)
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{fetches: make(map[string]int), started: make(chan string, 64)}
}

func (r *fakeRemote) Apply(_ context.Context, req MutationRequest) (MutationResult, error) {
	r.mu.Lock()
	step := len(r.applied)
	r.applied = append(r.applied, req.Kind)
	if req.Kind == r.failOn {
		r.mu.Unlock()
		return MutationResult{}, fmt.Errorf("remote rejected %s", req.Kind)
	}
	r.version++
	v := r.version
	fn := r.onApply
	r.mu.Unlock()
	if fn != nil {
		fn(step)
	}
	return MutationResult{Entity: req.TargetID, Token: fmt.Sprintf("tok-%d", v)}, nil
}

func (r *fakeRemote) fetch(ctx context.Context, key ScopeKey) ([]byte, error) {
	ks := key.String()
	r.mu.Lock()
	r.fetches[ks]++
	v, gate, ignore, ferr := r.version, r.gate, r.ignoreCtx, r.fetchErr
	r.mu.Unlock()

	if gate != nil {
		select {
		case r.started <- ks:
		default:
		}
		if ignore {
			<-gate
		} else {
			select {
			case <-gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	if ferr != nil {
		return nil, ferr
	}
	return []byte(fmt.Sprintf("%s@v%d", ks, v)), nil
}

func (r *fakeRemote) fetchCount(key ScopeKey) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fetches[key.String()]
}

func (r *fakeRemote) appliedKinds() []MutationKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]MutationKind(nil), r.applied...)
}

func (r *fakeRemote) block(ignoreCtx bool) chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gate = make(chan struct{})
	r.ignoreCtx = ignoreCtx
	return r.gate
}

func (r *fakeRemote) failFetches(err error) {
	r.mu.Lock()
	r.fetchErr = err
	r.mu.Unlock()
}

// tokenRemote can wait on consistency tokens.
type tokenRemote struct {
	*fakeRemote
	mu      sync.Mutex
	waited  []string
	waitErr error
}

func (r *tokenRemote) WaitVisible(_ context.Context, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.waited = append(r.waited, token)
	return r.waitErr
}

type recHooks struct {
	NopHooks
	mu     sync.Mutex
	events []string
}

func (h *recHooks) rec(format string, args ...any) {
	h.mu.Lock()
	h.events = append(h.events, fmt.Sprintf(format, args...))
	h.mu.Unlock()
}

func (h *recHooks) StaleResultDiscarded(key, reason string) { h.rec("discard %s %s", key, reason) }
func (h *recHooks) SelfHeal(sk, reason string)              { h.rec("heal %s %s", sk, reason) }
func (h *recHooks) IsolationViolation(key, owner, confirmed string) {
	h.rec("violation %s %s %s", key, owner, confirmed)
}
func (h *recHooks) PurgeCompleted(kind string, removed int) { h.rec("purge %s %d", kind, removed) }
func (h *recHooks) PurgeRetry(attempt int, _ error)         { h.rec("purge_retry %d", attempt) }
func (h *recHooks) FatalEscalated(reason string)            { h.rec("fatal %s", reason) }
func (h *recHooks) MutationStepFailed(_ string, step int, kind string, _ error) {
	h.rec("step_failed %d %s", step, kind)
}
func (h *recHooks) ReconciliationTimedOut(_ string, pending int) { h.rec("reconcile_timeout %d", pending) }
func (h *recHooks) RefetchFailed(key string, _ error)            { h.rec("refetch_failed %s", key) }
func (h *recHooks) ProviderSetRejected(sk string)                { h.rec("set_rejected %s", sk) }

func (h *recHooks) has(prefix string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, e := range h.events {
		if strings.HasPrefix(e, prefix) {
			return true
		}
	}
	return false
}

var allResources = []Resource{
	ResourceReports, ResourceReportDetail, ResourceEvaluations, ResourceHierarchy, ResourceStatistics,
}

type testEnv struct {
	c      *Coordinator
	remote *fakeRemote
	mp     *memProvider
	hooks  *recHooks
}

func (e testEnv) skey(k ScopeKey) string { return e.c.store.skey(k.String()) }

// newTestEnv builds a coordinator with no waits, zero backoff and every
// resource served by the fake remote. mod may adjust the options.
func newTestEnv(t *testing.T, mod func(*Options)) testEnv {
	t.Helper()
	env := testEnv{remote: newFakeRemote(), mp: newMemProvider(), hooks: &recHooks{}}
	fetchers := make(map[Resource]Fetcher, len(allResources))
	for _, r := range allResources {
		fetchers[r] = FetcherFunc(env.remote.fetch)
	}
	opts := Options{
		Namespace:      "test",
		Provider:       env.mp,
		MutationAPI:    env.remote,
		Fetchers:       fetchers,
		GenStore:       gen.NewLocalGenStore(0, 0),
		Hooks:          env.hooks,
		DebounceWindow: -1,
		SettleDelay:    -1,
		SweepDelay:     -1,
		FetchBackOff:   func() backoff.BackOff { return &backoff.ZeroBackOff{} },
		PurgeBackOff:   func() backoff.BackOff { return &backoff.ZeroBackOff{} },
	}
	if mod != nil {
		mod(&opts)
	}
	c, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	env.c = c
	return env
}

// signIn confirms id, as the host's auth signal would.
func (e testEnv) signIn(t *testing.T, id string) {
	t.Helper()
	if err := e.c.ObserveIdentity(context.Background(), id); err != nil {
		t.Fatalf("ObserveIdentity(%q): %v", id, err)
	}
}

func (e testEnv) mustGet(t *testing.T, k ScopeKey) Entry {
	t.Helper()
	got, err := e.c.Get(context.Background(), k)
	if err != nil {
		t.Fatalf("Get %s: %v", k, err)
	}
	return got
}

func drain(ch <-chan Transition) []State {
	var out []State
	for {
		select {
		case tr, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, tr.To)
		default:
			return out
		}
	}
}
