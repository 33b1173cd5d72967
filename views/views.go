// Package views reads cached scopes as typed values and provides the
// fetchers that build hierarchy and statistics payloads.
package views

import (
	"context"
	"fmt"

	"github.com/unkn0wn-root/scopecache"
	"github.com/unkn0wn-root/scopecache/codec"
)

// Source is the part of the coordinator a view reads through.
type Source interface {
	Get(ctx context.Context, key scopecache.ScopeKey) (scopecache.Entry, error)
	Peek(ctx context.Context, key scopecache.ScopeKey) (scopecache.Entry, error)
}

var _ Source = (*scopecache.Coordinator)(nil)

// Query decodes cached payloads into V with the codec the fetcher encoded them with.
type Query[V any] struct {
	Src   Source
	Codec codec.Codec[V]
}

func NewQuery[V any](src Source, c codec.Codec[V]) Query[V] {
	return Query[V]{Src: src, Codec: c}
}

// Get reads key, fetching on a miss.
func (q Query[V]) Get(ctx context.Context, key scopecache.ScopeKey) (V, scopecache.Entry, error) {
	e, err := q.Src.Get(ctx, key)
	if err != nil {
		var zero V
		return zero, e, err
	}
	return q.decode(e)
}

// Peek decodes the current entry without fetching. ok is false when the
// scope holds no servable data.
func (q Query[V]) Peek(ctx context.Context, key scopecache.ScopeKey) (v V, e scopecache.Entry, ok bool, err error) {
	e, err = q.Src.Peek(ctx, key)
	if err != nil || e.Data == nil {
		return v, e, false, err
	}
	v, e, err = q.decode(e)
	return v, e, err == nil, err
}

func (q Query[V]) decode(e scopecache.Entry) (V, scopecache.Entry, error) {
	v, err := q.Codec.Decode(e.Data)
	if err != nil {
		return v, e, fmt.Errorf("views: decode %s: %w", e.Key, err)
	}
	return v, e, nil
}

// Typed adapts a typed loader into a Fetcher by encoding its result with c.
func Typed[V any](c codec.Codec[V], load func(ctx context.Context, key scopecache.ScopeKey) (V, error)) scopecache.Fetcher {
	return scopecache.FetcherFunc(func(ctx context.Context, key scopecache.ScopeKey) ([]byte, error) {
		v, err := load(ctx, key)
		if err != nil {
			return nil, err
		}
		return c.Encode(v)
	})
}
