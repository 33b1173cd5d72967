package genstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// bumpWithTTL increments a scope generation and refreshes its expiry in one
// server-side step, so a crash between the two can never leave an immortal key.
var bumpWithTTL = redis.NewScript(`
local v = redis.call("INCR", KEYS[1])
redis.call("PEXPIRE", KEYS[1], ARGV[1])
return v
`)

// RedisGenStore shares generations across processes and survives restarts,
// so a second tab or replica of the same host sees every epoch advance.
// Scope generations may expire to bound growth. The epoch counter never
// does: a reset epoch could revalidate frames of a past session.
type RedisGenStore struct {
	rdb   redis.UniversalClient
	ns    string
	ttl   time.Duration
	owned bool
}

var _ GenStore = (*RedisGenStore)(nil)

type RedisConfig struct {
	Client redis.UniversalClient
	// Namespace should match Options.Namespace.
	Namespace string
	// TTL applies to scope generations only; 0 keeps them forever.
	TTL time.Duration
	// CloseClient hands ownership of Client to the store.
	CloseClient bool
}

var ErrNilClient = errors.New("redis genstore: nil client")

func NewRedisGenStore(cfg RedisConfig) (*RedisGenStore, error) {
	if cfg.Client == nil {
		return nil, ErrNilClient
	}
	return &RedisGenStore{rdb: cfg.Client, ns: cfg.Namespace, ttl: cfg.TTL, owned: cfg.CloseClient}, nil
}

func (s *RedisGenStore) key(storageKey string) string { return "gen:" + s.ns + ":" + storageKey }

// Snapshot treats an absent key as generation 0.
func (s *RedisGenStore) Snapshot(ctx context.Context, storageKey string) (uint64, error) {
	raw, err := s.rdb.Get(ctx, s.key(storageKey)).Result()
	switch {
	case errors.Is(err, redis.Nil):
		return 0, nil
	case err != nil:
		return 0, fmt.Errorf("redis genstore snapshot %s: %w", storageKey, err)
	}
	return parseGen(storageKey, raw)
}

// SnapshotMany reads every key with a single MGET.
func (s *RedisGenStore) SnapshotMany(ctx context.Context, storageKeys []string) (map[string]uint64, error) {
	out := make(map[string]uint64, len(storageKeys))
	if len(storageKeys) == 0 {
		return out, nil
	}
	keys := make([]string, 0, len(storageKeys))
	for _, k := range storageKeys {
		keys = append(keys, s.key(k))
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis genstore snapshot %d keys: %w", len(keys), err)
	}
	for i, v := range vals {
		k := storageKeys[i]
		switch raw := v.(type) {
		case nil:
			out[k] = 0
		case string:
			g, err := parseGen(k, raw)
			if err != nil {
				return nil, err
			}
			out[k] = g
		default:
			return nil, fmt.Errorf("redis genstore: unexpected %T at %s", v, k)
		}
	}
	return out, nil
}

func parseGen(k, raw string) (uint64, error) {
	g, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("redis genstore: bad generation at %s: %w", k, err)
	}
	return g, nil
}

func (s *RedisGenStore) Bump(ctx context.Context, storageKey string) (uint64, error) {
	k := s.key(storageKey)
	var (
		v   int64
		err error
	)
	if s.ttl > 0 && !IsEpochKey(storageKey) {
		v, err = bumpWithTTL.Run(ctx, s.rdb, []string{k}, s.ttl.Milliseconds()).Int64()
	} else {
		v, err = s.rdb.Incr(ctx, k).Result()
	}
	if err != nil {
		return 0, fmt.Errorf("redis genstore bump %s: %w", storageKey, err)
	}
	return uint64(v), nil
}

// Cleanup is a no-op; Redis expires scope generations itself when TTL is set.
func (s *RedisGenStore) Cleanup(time.Duration) {}

func (s *RedisGenStore) Close(context.Context) error {
	if !s.owned {
		return nil
	}
	if err := s.rdb.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		return err
	}
	return nil
}
