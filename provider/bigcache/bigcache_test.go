package bigcache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBigcacheProvider(t *testing.T) {
	ctx := context.Background()
	p, err := New(ctx, Config{LifeWindow: time.Minute})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close(ctx) })

	_, ok, err := p.Get(ctx, "scope:ns:reports")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = p.Set(ctx, "scope:ns:reports", []byte("frame"), 1, 0)
	require.NoError(t, err)
	require.True(t, ok)

	got, ok, err := p.Get(ctx, "scope:ns:reports")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("frame"), got)
	assert.Equal(t, 1, p.Len())

	require.NoError(t, p.Del(ctx, "scope:ns:reports"))
	require.NoError(t, p.Del(ctx, "scope:ns:reports"), "deleting a missing key")
	_, ok, _ = p.Get(ctx, "scope:ns:reports")
	assert.False(t, ok)
}
