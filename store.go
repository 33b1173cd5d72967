package scopecache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	gen "github.com/unkn0wn-root/scopecache/genstore"
	"github.com/unkn0wn-root/scopecache/internal/wire"
	pr "github.com/unkn0wn-root/scopecache/provider"
)

// SetCostFunc computes the provider cost of one stored frame.
type SetCostFunc func(storageKey string, raw []byte) int64

// meta is the in-process record for one scope. The provider only holds the
// framed payload; whether that payload may be served is decided here.
type meta struct {
	key       ScopeKey
	state     State
	owner     string
	epoch     uint64
	gen       uint64 // current generation; a commit must carry it
	dataGen   uint64 // generation the stored payload was fetched under
	fetchedAt time.Time
	hasData   bool
}

func (m *meta) entry() Entry {
	return Entry{
		Key:        m.key,
		Owner:      m.owner,
		FetchedAt:  m.fetchedAt,
		State:      m.state,
		Epoch:      m.epoch,
		Generation: m.gen,
	}
}

// store is the Cache Store. Every mutation of entries happens under mu and
// is admitted only for the live (epoch, identity) and the scope's current
// generation.
type store struct {
	ns             string
	provider       pr.Provider
	gen            gen.GenStore
	clock          clockwork.Clock
	log            Logger
	hooks          Hooks
	ttl            time.Duration
	computeSetCost SetCostFunc
	stats          *counters

	mu       sync.Mutex
	epoch    uint64 // 0 while sealed by a running purge
	identity string
	entries  map[string]*meta
	orphans  map[string]struct{} // payloads left behind by a failed delete or Set
	subs     map[string]map[*Subscription]struct{}
}

func (s *store) skey(ks string) string { return gen.ScopeKey(s.ns, ks) }

// setState must be called with mu held.
func (s *store) setState(m *meta, to State) {
	from := m.state
	m.state = to
	if from != to {
		s.notify(m.key, from, to)
	}
}

// notify must be called with mu held. Slow subscribers lose transitions.
func (s *store) notify(key ScopeKey, from, to State) {
	subs := s.subs[key.String()]
	if len(subs) == 0 {
		return
	}
	t := Transition{Key: key, From: from, To: to, Epoch: s.epoch, At: s.clock.Now()}
	for sub := range subs {
		select {
		case sub.ch <- t:
		default:
			s.stats.droppedTransitions.Add(1)
		}
	}
}

// admit must be called with mu held.
func (s *store) admit(sess session, ks string, obs uint64) (*meta, error) {
	if sess.epoch != s.epoch || sess.identity != s.identity {
		return nil, ErrEpochAdvanced
	}
	m := s.entries[ks]
	if m == nil || m.gen != obs {
		return nil, ErrSuperseded
	}
	return m, nil
}

func (s *store) discard(ks string, err error) {
	reason := "gen_mismatch"
	if errors.Is(err, ErrEpochAdvanced) {
		reason = "epoch_advanced"
	}
	s.stats.discarded.Add(1)
	s.hooks.StaleResultDiscarded(ks, reason)
	s.log.Debug("fetched result discarded", Fields{"scope": ks, "reason": reason})
}

// lookup returns the current entry for key. Data is set only when the stored
// frame still matches the scope's generation, the live epoch and the
// confirmed identity. Foreign owners surface as *IsolationViolationError.
func (s *store) lookup(ctx context.Context, sess session, key ScopeKey) (Entry, error) {
	ks := key.String()
	s.mu.Lock()
	if sess.epoch != s.epoch {
		s.mu.Unlock()
		return Entry{}, ErrEpochAdvanced
	}
	m, ok := s.entries[ks]
	if !ok {
		s.mu.Unlock()
		return Entry{Key: key, State: StateMissing, Epoch: sess.epoch}, nil
	}
	snap := *m
	s.mu.Unlock()

	e := snap.entry()
	if !snap.hasData {
		return e, nil
	}
	if snap.owner != sess.identity {
		return Entry{}, &IsolationViolationError{Key: ks, Owner: snap.owner, Confirmed: sess.identity}
	}

	sk := s.skey(ks)
	raw, ok, err := s.provider.Get(ctx, sk)
	if err != nil {
		return Entry{}, fmt.Errorf("scopecache: provider get %s: %w", ks, err)
	}
	if !ok {
		return s.heal(ctx, key, snap.dataGen, "evicted"), nil
	}
	h, payload, err := wire.DecodeEntry(raw)
	if err != nil {
		return s.heal(ctx, key, snap.dataGen, "corrupt"), nil
	}
	if h.Owner != sess.identity {
		return Entry{}, &IsolationViolationError{Key: ks, Owner: h.Owner, Confirmed: sess.identity}
	}
	if h.Epoch != sess.epoch {
		return s.heal(ctx, key, snap.dataGen, "epoch_mismatch"), nil
	}
	if h.Gen != snap.dataGen {
		return s.heal(ctx, key, snap.dataGen, "gen_mismatch"), nil
	}
	e.Data = bytes.Clone(payload)
	e.FetchedAt = time.Unix(0, h.FetchedAt)
	return e, nil
}

// heal drops a payload that can no longer be served and reports the scope as missing.
func (s *store) heal(ctx context.Context, key ScopeKey, dataGen uint64, reason string) Entry {
	ks := key.String()
	sk := s.skey(ks)
	if reason != "evicted" {
		_ = s.provider.Del(ctx, sk)
	}
	s.stats.selfHeals.Add(1)
	s.hooks.SelfHeal(sk, reason)

	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.entries[ks]
	if m == nil {
		return Entry{Key: key, State: StateMissing}
	}
	if m.hasData && m.dataGen == dataGen {
		m.hasData = false
		s.setState(m, StateMissing)
	}
	return m.entry()
}

// begin registers an upcoming fetch and returns the generation it must commit under.
func (s *store) begin(ctx context.Context, sess session, key ScopeKey) (uint64, error) {
	ks := key.String()
	g, err := s.gen.Snapshot(ctx, s.skey(ks))
	if err != nil {
		// fall back to the in-process generation
		s.log.Warn("gen snapshot error", Fields{"scope": ks, "err": err})
		g = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sess.epoch != s.epoch || sess.identity != s.identity {
		return 0, ErrEpochAdvanced
	}
	m := s.entries[ks]
	if m == nil {
		m = &meta{key: key, owner: sess.identity, epoch: sess.epoch}
		s.entries[ks] = m
	}
	if g > m.gen {
		m.gen = g
	}
	s.setState(m, StateFetching)
	return m.gen, nil
}

// commit writes payload if key is still at generation obs in the live epoch.
// Anything else is dropped on arrival and never reaches the provider.
func (s *store) commit(ctx context.Context, sess session, key ScopeKey, obs uint64, payload []byte) (Entry, error) {
	ks := key.String()
	sk := s.skey(ks)
	if payload == nil {
		payload = []byte{}
	}
	now := s.clock.Now()
	frame, err := wire.EncodeEntry(wire.Header{
		Epoch:     sess.epoch,
		Gen:       obs,
		FetchedAt: now.UnixNano(),
		Owner:     sess.identity,
	}, payload)
	if err != nil {
		return Entry{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if errors.Is(context.Cause(ctx), ErrEpochAdvanced) {
		s.discard(ks, ErrEpochAdvanced)
		return Entry{}, ErrEpochAdvanced
	}
	m, err := s.admit(sess, ks, obs)
	if err != nil {
		s.discard(ks, err)
		return Entry{}, err
	}

	ok, err := s.provider.Set(context.WithoutCancel(ctx), sk, frame, s.computeSetCost(sk, frame), s.ttl)
	if err != nil || !ok {
		// an earlier payload may still sit under sk; the next full purge deletes it
		if m.hasData {
			s.orphans[sk] = struct{}{}
		}
		m.hasData = false
	}
	if err != nil {
		s.setState(m, StateInvalidated)
		return Entry{}, fmt.Errorf("scopecache: provider set %s: %w", ks, err)
	}
	if !ok {
		// rejected under pressure: serve the caller, keep nothing
		s.hooks.ProviderSetRejected(sk)
		s.log.Debug("provider rejected set", Fields{"scope": ks})
		s.setState(m, StateMissing)
		e := m.entry()
		e.State = StateFresh
		e.Data = payload
		e.FetchedAt = now
		return e, nil
	}

	delete(s.orphans, sk)
	m.owner = sess.identity
	m.epoch = sess.epoch
	m.dataGen = obs
	m.fetchedAt = now
	m.hasData = true
	s.setState(m, StateFresh)
	e := m.entry()
	e.Data = payload
	return e, nil
}

// fail records a terminal fetch failure: the scope ends Invalidated with no data.
func (s *store) fail(ctx context.Context, sess session, key ScopeKey, obs uint64) {
	ks := key.String()
	s.mu.Lock()
	m, err := s.admit(sess, ks, obs)
	if err != nil {
		s.mu.Unlock()
		return
	}
	had := m.hasData
	m.hasData = false
	s.setState(m, StateInvalidated)
	s.mu.Unlock()

	if had {
		s.del(context.WithoutCancel(ctx), s.skey(ks))
	}
}

// del removes a payload, remembering it for the next full purge on failure.
func (s *store) del(ctx context.Context, sk string) error {
	err := s.provider.Del(ctx, sk)
	s.mu.Lock()
	if err != nil {
		s.orphans[sk] = struct{}{}
	} else {
		delete(s.orphans, sk)
	}
	s.mu.Unlock()
	return err
}

// invalidate applies targets to every cached scope they match. Matched scopes
// get a new generation; removal targets, aggregate resources, scopes keyed by
// (user, week, year) and scopes without data end Invalidated, the rest Stale.
func (s *store) invalidate(ctx context.Context, sess session, targets []Target) ([]ScopeKey, error) {
	s.mu.Lock()
	if sess.epoch != s.epoch {
		s.mu.Unlock()
		return nil, ErrEpochAdvanced
	}
	remove := make(map[string]bool)
	for ks, m := range s.entries {
		for _, t := range targets {
			if t.Pattern.Matches(m.key) {
				remove[ks] = remove[ks] || t.Remove
			}
		}
	}
	s.mu.Unlock()

	order := make([]string, 0, len(remove))
	for ks := range remove {
		order = append(order, ks)
	}
	sort.Strings(order)
	return s.retire(ctx, order, func(ks string, m *meta) bool {
		return remove[ks] || m.key.Resource.Aggregate() || m.key.WeekScoped()
	})
}

// abandon retires scopes whose refetch will not finish in time.
func (s *store) abandon(ctx context.Context, keys []ScopeKey) error {
	order := make([]string, len(keys))
	for i, k := range keys {
		order[i] = k.String()
	}
	_, err := s.retire(ctx, order, func(string, *meta) bool { return true })
	return err
}

// retire bumps each scope's generation before touching its metadata, so a
// fetch started under the old generation can never be admitted afterwards.
func (s *store) retire(ctx context.Context, order []string, remove func(ks string, m *meta) bool) ([]ScopeKey, error) {
	var bumpErrs []error
	bumped := make(map[string]uint64, len(order))
	for _, ks := range order {
		g, err := s.gen.Bump(ctx, s.skey(ks))
		if err != nil {
			bumpErrs = append(bumpErrs, err)
			continue
		}
		bumped[ks] = g
	}

	var keys []ScopeKey
	var dels []string
	s.mu.Lock()
	for _, ks := range order {
		m := s.entries[ks]
		if m == nil {
			continue
		}
		m.gen = max(m.gen+1, bumped[ks])
		if remove(ks, m) || !m.hasData {
			if m.hasData {
				dels = append(dels, s.skey(ks))
			}
			m.hasData = false
			s.setState(m, StateInvalidated)
		} else {
			s.setState(m, StateStale)
		}
		keys = append(keys, m.key)
	}
	s.mu.Unlock()

	var delErrs []error
	for _, sk := range dels {
		if err := s.del(ctx, sk); err != nil {
			delErrs = append(delErrs, fmt.Errorf("%s: %w", sk, err))
		}
	}
	if len(bumpErrs) > 0 || len(delErrs) > 0 {
		return keys, &InvalidateError{Keys: order, BumpErr: errors.Join(bumpErrs...), DelErr: errors.Join(delErrs...)}
	}
	return keys, nil
}

// removeMatching drops every scope for which pred holds, metadata and payload.
func (s *store) removeMatching(ctx context.Context, pred func(ScopeKey) bool) (int, error) {
	s.mu.Lock()
	var order []string
	for ks, m := range s.entries {
		if pred(m.key) {
			order = append(order, ks)
		}
	}
	s.mu.Unlock()

	var errs []error
	for _, ks := range order {
		if _, err := s.gen.Bump(ctx, s.skey(ks)); err != nil {
			errs = append(errs, err)
		}
	}

	s.mu.Lock()
	n := 0
	for _, ks := range order {
		m := s.entries[ks]
		if m == nil {
			continue
		}
		s.notify(m.key, m.state, StateMissing)
		delete(s.entries, ks)
		n++
	}
	s.mu.Unlock()

	for _, ks := range order {
		if err := s.del(ctx, s.skey(ks)); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return n, &InvalidateError{Keys: order, DelErr: errors.Join(errs...)}
	}
	return n, nil
}

// seal starts a full purge: every entry is dropped and no commit is admitted
// until open. It returns the payload keys still to delete.
func (s *store) seal() (pending []string, removed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ks, m := range s.entries {
		s.notify(m.key, m.state, StateMissing)
		pending = append(pending, s.skey(ks))
		delete(s.entries, ks)
		removed++
	}
	for sk := range s.orphans {
		pending = append(pending, sk)
	}
	s.epoch = 0
	s.identity = ""
	sort.Strings(pending)
	return pending, removed
}

// drain deletes keys and returns the ones that failed.
func (s *store) drain(ctx context.Context, keys []string) []string {
	var failed []string
	for _, sk := range keys {
		if err := s.del(ctx, sk); err != nil {
			failed = append(failed, sk)
		}
	}
	return failed
}

func (s *store) open(epoch uint64, identity string) {
	s.mu.Lock()
	s.epoch = epoch
	s.identity = identity
	s.mu.Unlock()
}

func (s *store) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// subscribed filters keys down to the ones a subscriber is watching.
func (s *store) subscribed(keys []ScopeKey) []ScopeKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ScopeKey
	for _, k := range keys {
		if len(s.subs[k.String()]) > 0 {
			out = append(out, k)
		}
	}
	return out
}

func (s *store) subscribe(sub *Subscription) {
	ks := sub.Key.String()
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.subs[ks]
	if set == nil {
		set = make(map[*Subscription]struct{})
		s.subs[ks] = set
	}
	set[sub] = struct{}{}
}

// unsubscribe closes the channel under mu so notify never sends on it afterwards.
func (s *store) unsubscribe(sub *Subscription) {
	ks := sub.Key.String()
	s.mu.Lock()
	defer s.mu.Unlock()
	if set := s.subs[ks]; set != nil {
		delete(set, sub)
		if len(set) == 0 {
			delete(s.subs, ks)
		}
	}
	close(sub.ch)
}
