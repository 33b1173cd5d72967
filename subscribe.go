package scopecache

import (
	"context"
	"sync"
	"sync/atomic"
)

// Subscription streams state transitions of one scope. Transitions are
// dropped, never blocked on, when the consumer falls behind; Entry always
// reports the current state.
type Subscription struct {
	Key ScopeKey
	C   <-chan Transition

	ch   chan Transition
	c    *Coordinator
	once sync.Once
}

// Subscribe starts watching key. Subscribed scopes are also refetched by the
// post-mutation sweep. Call Close when the view goes away.
func (c *Coordinator) Subscribe(key ScopeKey) *Subscription {
	ch := make(chan Transition, subscriptionBuffer)
	sub := &Subscription{Key: key, C: ch, ch: ch, c: c}
	c.store.subscribe(sub)
	return sub
}

// Entry returns the scope's current entry without fetching.
func (s *Subscription) Entry(ctx context.Context) (Entry, error) {
	return s.c.Peek(ctx, s.Key)
}

// Close is safe to call more than once; C is closed afterwards.
func (s *Subscription) Close() {
	s.once.Do(func() { s.c.store.unsubscribe(s) })
}

// CacheStats is a point-in-time snapshot of coordinator counters.
type CacheStats struct {
	Hits               uint64
	Misses             uint64
	Fetches            uint64
	Discarded          uint64 // results dropped on arrival (stale epoch or generation)
	SelfHeals          uint64
	Violations         uint64
	Purges             uint64
	DroppedTransitions uint64
	Entries            int
}

type counters struct {
	hits               atomic.Uint64
	misses             atomic.Uint64
	fetches            atomic.Uint64
	discarded          atomic.Uint64
	selfHeals          atomic.Uint64
	violations         atomic.Uint64
	purges             atomic.Uint64
	droppedTransitions atomic.Uint64
}

func (c *counters) snapshot() CacheStats {
	return CacheStats{
		Hits:               c.hits.Load(),
		Misses:             c.misses.Load(),
		Fetches:            c.fetches.Load(),
		Discarded:          c.discarded.Load(),
		SelfHeals:          c.selfHeals.Load(),
		Violations:         c.violations.Load(),
		Purges:             c.purges.Load(),
		DroppedTransitions: c.droppedTransitions.Load(),
	}
}
