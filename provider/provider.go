// Package provider defines the byte store that holds framed scope payloads.
//
// The coordinator writes one frame per scope under "scope:<namespace>:<scope>".
// A frame is a wire header (epoch, generation, owner) followed by the fetched
// body, and the coordinator validates that header on every read. A store that
// changed the bytes would make every read fail validation, so Get must hand
// back exactly what Set was given. Compression or encryption inside a store is
// fine as long as it is undone before Get returns.
//
// The "scope:" and "epoch:" prefixes of a namespace belong to the coordinator.
// Anything else written there is treated as corrupt and deleted, or, when it
// carries another identity, as an isolation violation that triggers a purge.
package provider

import (
	"context"
	"time"
)

// Provider must be safe for concurrent use.
type Provider interface {
	// Get reports a miss as (nil, false, nil). Errors are backend failures.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set returns ok=false when the store declined the frame, for example
	// under admission pressure. Stores without a cost model ignore cost.
	// A non-positive ttl means no expiry.
	Set(ctx context.Context, key string, value []byte, cost int64, ttl time.Duration) (ok bool, err error)

	// Del of an absent key succeeds. Purges delete every tracked scope
	// without knowing which frames are still stored.
	Del(ctx context.Context, key string) error

	Close(ctx context.Context) error
}
