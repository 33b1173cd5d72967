package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	pr "github.com/unkn0wn-root/scopecache/provider"
)

var ErrNilClient = errors.New("redis provider: nil client")

// Redis lets several processes on one host share frames. Pair it with
// genstore.RedisGenStore so epochs and generations are shared too, otherwise
// each process rejects the others' frames as foreign generations.
type Redis struct {
	rdb       goredis.UniversalClient
	prefix    string
	owned     bool
	opTimeout time.Duration
}

var _ pr.Provider = (*Redis)(nil)

type Config struct {
	Client goredis.UniversalClient
	// Prefix is prepended to every key, e.g. "app1:" on a shared instance.
	Prefix string
	// CloseClient hands ownership of Client to the provider.
	CloseClient bool
	// OpTimeout bounds each command; 0 leaves it to the client.
	OpTimeout time.Duration
}

func New(cfg Config) (*Redis, error) {
	if cfg.Client == nil {
		return nil, ErrNilClient
	}
	return &Redis{
		rdb:       cfg.Client,
		prefix:    cfg.Prefix,
		owned:     cfg.CloseClient,
		opTimeout: cfg.OpTimeout,
	}, nil
}

func (p *Redis) do(ctx context.Context, fn func(context.Context) error) error {
	if p.opTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opTimeout)
		defer cancel()
	}
	return fn(ctx)
}

func (p *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var frame []byte
	err := p.do(ctx, func(ctx context.Context) error {
		var err error
		frame, err = p.rdb.Get(ctx, p.prefix+key).Bytes()
		return err
	})
	switch {
	case errors.Is(err, goredis.Nil):
		return nil, false, nil
	case err != nil:
		return nil, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return frame, true, nil
}

func (p *Redis) Set(ctx context.Context, key string, value []byte, _ int64, ttl time.Duration) (bool, error) {
	err := p.do(ctx, func(ctx context.Context) error {
		return p.rdb.Set(ctx, p.prefix+key, value, max(ttl, 0)).Err()
	})
	if err != nil {
		return false, fmt.Errorf("redis set %s: %w", key, err)
	}
	return true, nil
}

// Del uses UNLINK so large hierarchy frames are reclaimed off the server's main thread.
func (p *Redis) Del(ctx context.Context, key string) error {
	err := p.do(ctx, func(ctx context.Context) error {
		return p.rdb.Unlink(ctx, p.prefix+key).Err()
	})
	if err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

// Close closes the client only when the provider owns it. Repeated calls are no-ops.
func (p *Redis) Close(context.Context) error {
	if !p.owned {
		return nil
	}
	if err := p.rdb.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
		return err
	}
	return nil
}
