package scopecache

import (
	"context"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v5"
)

// Fetcher loads the raw payload for a scope from the source of truth.
// Wrap retryable failures with Transient; anything else is terminal.
type Fetcher interface {
	Fetch(ctx context.Context, key ScopeKey) ([]byte, error)
}

type FetcherFunc func(ctx context.Context, key ScopeKey) ([]byte, error)

func (f FetcherFunc) Fetch(ctx context.Context, key ScopeKey) ([]byte, error) { return f(ctx, key) }

// Register sets the Fetcher for a resource, replacing any previous one.
func (c *Coordinator) Register(r Resource, f Fetcher) {
	c.fetchMu.Lock()
	c.fetchers[r] = f
	c.fetchMu.Unlock()
}

func (c *Coordinator) fetcher(r Resource) Fetcher {
	c.fetchMu.RLock()
	defer c.fetchMu.RUnlock()
	return c.fetchers[r]
}

// Get returns the entry for key, fetching on a miss. Stale entries with data
// are served as hits. A result that lost a race with an invalidation is
// fetched once more before ErrSuperseded is returned.
func (c *Coordinator) Get(ctx context.Context, key ScopeKey) (Entry, error) {
	if c.closed.Load() {
		return Entry{}, ErrClosed
	}
	e, err := c.get(ctx, key)
	if errors.Is(err, ErrSuperseded) {
		e, err = c.get(ctx, key)
	}
	return e, err
}

// Peek returns the entry for key without fetching.
func (c *Coordinator) Peek(ctx context.Context, key ScopeKey) (Entry, error) {
	if c.closed.Load() {
		return Entry{}, ErrClosed
	}
	sess, release, err := c.guard.bind(ctx)
	if err != nil {
		return Entry{}, err
	}
	defer release()
	return c.lookup(ctx, sess, key)
}

func (c *Coordinator) get(ctx context.Context, key ScopeKey) (Entry, error) {
	sess, release, err := c.guard.bind(ctx)
	if err != nil {
		return Entry{}, err
	}
	defer release()

	e, err := c.lookup(ctx, sess, key)
	if err != nil {
		return Entry{}, err
	}
	if e.Data != nil {
		c.stats.hits.Add(1)
		return e, nil
	}
	c.stats.misses.Add(1)
	return c.load(sess.ctx, sess, key)
}

func (c *Coordinator) lookup(ctx context.Context, sess session, key ScopeKey) (Entry, error) {
	e, err := c.store.lookup(sess.ctx, sess, key)
	var iv *IsolationViolationError
	if errors.As(err, &iv) {
		c.violation(ctx, iv)
	}
	return e, err
}

// load fetches key and commits the result under sess. Concurrent loads of the
// same (epoch, generation, scope) share one remote call.
func (c *Coordinator) load(ctx context.Context, sess session, key ScopeKey) (Entry, error) {
	f := c.fetcher(key.Resource)
	if f == nil {
		return Entry{}, fmt.Errorf("%w: %s", ErrNoFetcher, key.Resource)
	}
	obs, err := c.store.begin(ctx, sess, key)
	if err != nil {
		return Entry{}, err
	}

	sfKey := fmt.Sprintf("%d:%d:%s", sess.epoch, obs, key.String())
	v, err, _ := c.sf.Do(sfKey, func() (any, error) {
		c.stats.fetches.Add(1)
		data, err := c.fetch(ctx, f, key)
		if err != nil {
			c.store.fail(ctx, sess, key, obs)
			if errors.Is(context.Cause(ctx), ErrEpochAdvanced) {
				c.store.discard(key.String(), ErrEpochAdvanced)
				return nil, ErrEpochAdvanced
			}
			c.log.Debug("fetch failed", scopeFields(key, sess.epoch).with("err", err))
			return nil, err
		}
		return c.store.commit(ctx, sess, key, obs, data)
	})
	if err != nil {
		return Entry{}, err
	}
	return v.(Entry), nil
}

// fetch retries *TransientFetchError with backoff; other errors end it at once.
func (c *Coordinator) fetch(ctx context.Context, f Fetcher, key ScopeKey) ([]byte, error) {
	return backoff.Retry(ctx, func() ([]byte, error) {
		b, err := f.Fetch(ctx, key)
		if err == nil {
			return b, nil
		}
		var te *TransientFetchError
		if errors.As(err, &te) && ctx.Err() == nil {
			return nil, err
		}
		return nil, backoff.Permanent(err)
	},
		backoff.WithBackOff(c.fetchBackOff()),
		backoff.WithMaxTries(uint(c.maxFetchAttempts)),
	)
}
