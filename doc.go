// Package scopecache keeps cached report and statistics views consistent
// while dependent mutations run against a lagging source of truth and the
// current identity can change mid-flight.
//
// Components:
//   - Cache Store: per-scope metadata (state, owner, generation) in process;
//     framed payloads in a Provider (Ristretto, BigCache, Redis).
//   - Isolation Guard: an epoch counter kept in a GenStore. Identity changes
//     bump the epoch, cancel everything bound to the old one and remove every
//     entry before the new identity is confirmed.
//   - Mutation Pipeline: runs one user action as ordered remote writes and
//     waits for them to settle (consistency token, or a fixed delay).
//   - Invalidation Coordinator: turns a committed batch into scope
//     invalidations and refetches, then sweeps subscribed scopes once more.
//   - Aggregation Engine: see package stats.
//
// Keys:
//
//	scope:<ns>:<resource>|user=..|week=..  - payload frames
//	epoch:<ns>                             - epoch counter in the GenStore
//
// Every cache-populating call carries the (epoch, generation) it started
// under; a result whose tag no longer matches is dropped on arrival:
//
//	c.ObserveIdentity(ctx, "u-42")          // confirm identity (full purge on change)
//	e, err := c.Get(ctx, key)               // read-through, epoch-bound
//	rec, err := c.Submit(ctx, batch)        // Reconciled | Failed(step, err)
package scopecache
