package scopecache

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	defaultTTL              = 10 * time.Minute
	defaultDebounce         = time.Second
	defaultSettleDelay      = time.Second
	defaultSettleTimeout    = 3 * time.Second
	defaultReconcileTimeout = 5 * time.Second
	defaultSweepDelay       = time.Second
	defaultSweepTimeout     = 3 * time.Second
	defaultRefetchLimit     = 4
	defaultPurgeAttempts    = 3
	defaultFetchAttempts    = 3
	defaultGenRetention     = 30 * 24 * time.Hour
	defaultGenSweep         = time.Hour
	subscriptionBuffer      = 16
)

// coalesce returns def when v is the zero value of T - otherwise v.
func coalesce[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}

// window resolves a timing option: zero takes the default, negative disables it.
func window(v, def time.Duration) time.Duration {
	if v < 0 {
		return 0
	}
	return coalesce(v, def)
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second
	return b
}
