// Package genstore holds the counters cached payloads are validated against:
// one generation per scope and one epoch per namespace.
package genstore

import (
	"context"
	"strings"
	"time"
)

const (
	epochPrefix = "epoch:"
	scopePrefix = "scope:"
)

// EpochKey is the counter bumped by every full purge of namespace.
func EpochKey(namespace string) string { return epochPrefix + namespace }

// ScopeKey is the storage key of one scope: the provider key of its payload
// and the counter bumped whenever the scope is invalidated.
func ScopeKey(namespace, canonical string) string {
	return scopePrefix + namespace + ":" + canonical
}

// IsEpochKey reports whether k is an epoch counter. Epochs are never expired
// or pruned: an epoch that fell back to an earlier value could revalidate
// payloads written before a purge.
func IsEpochKey(k string) bool { return strings.HasPrefix(k, epochPrefix) }

// GenStore is where the counters live. LocalGenStore keeps them in-process;
// RedisGenStore lets the epoch survive a restart when payloads live in Redis.
type GenStore interface {
	// Snapshot returns the current value; a missing key reads as 0.
	Snapshot(ctx context.Context, key string) (uint64, error)
	// SnapshotMany reads many keys at once; missing keys read as 0.
	SnapshotMany(ctx context.Context, keys []string) (map[string]uint64, error)
	// Bump atomically increments key and returns the new value.
	Bump(ctx context.Context, key string) (uint64, error)
	// Cleanup forgets scope counters untouched for retention. Epoch keys are kept.
	Cleanup(retention time.Duration)
	Close(context.Context) error
}
