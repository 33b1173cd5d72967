// usage:
//
// import (
//
//	"log/slog"
//
//	"github.com/unkn0wn-root/scopecache"
//	"github.com/unkn0wn-root/scopecache/hooks/async"
//	"github.com/unkn0wn-root/scopecache/sloghooks"
//
// )
//
//	raw := sloghooks.New(slog.Default(), sloghooks.Options{
//	    SelfHealEvery: 10, // sample logs: ~every 10th self-heal
//	    DiscardEvery:  1,  // log every dropped result
//	})
//
// hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
// defer hooks.Close()
//
//	coord, _ := scopecache.New(scopecache.Options{
//	    Namespace:   "reports:prod",
//	    Provider:    provider,
//	    MutationAPI: api,
//	    Hooks:       hooks, // or `raw` if you don’t want async
//	})
package asynchook

import (
	"sync"
	"sync/atomic"

	"github.com/unkn0wn-root/scopecache"
)

// Hooks moves delivery off the coordinator's hot path. Events are dropped
// when the queue is full; Dropped counts them.
type Hooks struct {
	inner   scopecache.Hooks
	q       chan func()
	wg      sync.WaitGroup
	once    sync.Once
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
}

var _ scopecache.Hooks = (*Hooks)(nil)

func New(inner scopecache.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

// Close drains queued events and stops the workers. Later events are dropped.
func (h *Hooks) Close() {
	h.once.Do(func() {
		h.mu.Lock()
		h.closed = true
		close(h.q)
		h.mu.Unlock()
		h.wg.Wait()
	})
}

func (h *Hooks) Dropped() uint64 { return h.dropped.Load() }

func (h *Hooks) try(f func()) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		h.dropped.Add(1)
		return
	}
	select {
	case h.q <- f:
	default:
		h.dropped.Add(1)
	}
}

func (h *Hooks) StaleResultDiscarded(k, r string) { h.try(func() { h.inner.StaleResultDiscarded(k, r) }) }
func (h *Hooks) SelfHeal(k, r string)             { h.try(func() { h.inner.SelfHeal(k, r) }) }
func (h *Hooks) IsolationViolation(k, o, c string) {
	h.try(func() { h.inner.IsolationViolation(k, o, c) })
}
func (h *Hooks) PurgeCompleted(kind string, n int) { h.try(func() { h.inner.PurgeCompleted(kind, n) }) }
func (h *Hooks) PurgeRetry(a int, err error)       { h.try(func() { h.inner.PurgeRetry(a, err) }) }
func (h *Hooks) FatalEscalated(r string)           { h.try(func() { h.inner.FatalEscalated(r) }) }
func (h *Hooks) MutationStepFailed(b string, s int, kind string, err error) {
	h.try(func() { h.inner.MutationStepFailed(b, s, kind, err) })
}
func (h *Hooks) ReconciliationTimedOut(b string, n int) {
	h.try(func() { h.inner.ReconciliationTimedOut(b, n) })
}
func (h *Hooks) RefetchFailed(k string, err error) { h.try(func() { h.inner.RefetchFailed(k, err) }) }
func (h *Hooks) ProviderSetRejected(k string)      { h.try(func() { h.inner.ProviderSetRejected(k) }) }
