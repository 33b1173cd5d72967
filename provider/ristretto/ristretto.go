package ristretto

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	rc "github.com/dgraph-io/ristretto"

	pr "github.com/unkn0wn-root/scopecache/provider"
)

// Provider is the default in-process store. ristretto admits frames by cost:
// a Set it refuses outright returns ok=false, and a frame its policy drops
// after buffering is counted in Dropped and simply misses on the next read.
type Provider struct {
	c       *rc.Cache
	dropped atomic.Uint64
	evicted atomic.Uint64
}

var _ pr.Provider = (*Provider)(nil)

type Config struct {
	NumCounters int64
	MaxCost     int64
	BufferItems int64 // 0 uses 64
	Metrics     bool
}

func New(cfg Config) (*Provider, error) {
	if cfg.BufferItems == 0 {
		cfg.BufferItems = 64
	}
	switch {
	case cfg.NumCounters <= 0:
		return nil, fmt.Errorf("ristretto: NumCounters must be positive, got %d", cfg.NumCounters)
	case cfg.MaxCost <= 0:
		return nil, fmt.Errorf("ristretto: MaxCost must be positive, got %d", cfg.MaxCost)
	case cfg.BufferItems < 0:
		return nil, fmt.Errorf("ristretto: BufferItems must be positive, got %d", cfg.BufferItems)
	}
	p := &Provider{}
	c, err := rc.NewCache(&rc.Config{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxCost,
		BufferItems: cfg.BufferItems,
		Metrics:     cfg.Metrics,
		OnReject:    func(*rc.Item) { p.dropped.Add(1) },
		OnEvict:     func(*rc.Item) { p.evicted.Add(1) },
	})
	if err != nil {
		return nil, fmt.Errorf("ristretto: %w", err)
	}
	p.c = c
	return p, nil
}

func (p *Provider) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := p.c.Get(key)
	if !ok {
		return nil, false, nil
	}
	frame, isFrame := v.([]byte)
	if !isFrame || frame == nil {
		p.c.Del(key)
		return nil, false, nil
	}
	return frame, true, nil
}

// Set blocks until ristretto drains its write buffers so a committed frame is
// visible to the next read.
func (p *Provider) Set(_ context.Context, key string, value []byte, cost int64, ttl time.Duration) (bool, error) {
	if cost <= 0 {
		cost = int64(len(value))
	}
	if !p.c.SetWithTTL(key, value, cost, max(ttl, 0)) {
		return false, nil
	}
	p.c.Wait()
	return true, nil
}

func (p *Provider) Del(_ context.Context, key string) error {
	p.c.Del(key)
	return nil
}

func (p *Provider) Close(_ context.Context) error {
	p.c.Wait()
	p.c.Close()
	return nil
}

// Dropped counts frames the admission policy refused after Set returned.
func (p *Provider) Dropped() uint64 { return p.dropped.Load() }

// Evicted counts frames pushed out by cost pressure or expiry.
func (p *Provider) Evicted() uint64 { return p.evicted.Load() }

// Metrics is nil unless Config.Metrics was set.
func (p *Provider) Metrics() *rc.Metrics { return p.c.Metrics }
