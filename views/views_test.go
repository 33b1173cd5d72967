package views

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unkn0wn-root/scopecache"
	"github.com/unkn0wn-root/scopecache/codec"
	"github.com/unkn0wn-root/scopecache/genstore"
	"github.com/unkn0wn-root/scopecache/provider/ristretto"
	"github.com/unkn0wn-root/scopecache/stats"
)

type fakeAPI struct {
	raw   stats.RawHierarchy
	err   error
	calls atomic.Int32
}

func (f *fakeAPI) Hierarchy(context.Context, string, int, int) (stats.RawHierarchy, error) {
	f.calls.Add(1)
	return f.raw, f.err
}

type noMutations struct{}

func (noMutations) Apply(context.Context, scopecache.MutationRequest) (scopecache.MutationResult, error) {
	return scopecache.MutationResult{}, nil
}

func newCoordinator(t *testing.T, api HierarchyAPI) *scopecache.Coordinator {
	t.Helper()
	p, err := ristretto.New(ristretto.Config{NumCounters: 1000, MaxCost: 100, BufferItems: 64})
	require.NoError(t, err)
	c, err := scopecache.New(scopecache.Options{
		Namespace:   "views",
		Provider:    p,
		MutationAPI: noMutations{},
		GenStore:    genstore.NewLocalGenStore(0, 0),
		Fetchers: map[scopecache.Resource]scopecache.Fetcher{
			scopecache.ResourceHierarchy:  HierarchyFetcher(api, codec.JSON[stats.Summary]{}),
			scopecache.ResourceStatistics: StatisticsFetcher(api, codec.Msgpack[Overview]{}),
		},
		DebounceWindow: -1,
		SweepDelay:     -1,
		FetchBackOff:   func() backoff.BackOff { return &backoff.ZeroBackOff{} },
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	require.NoError(t, c.ObserveIdentity(context.Background(), "manager"))
	return c
}

func sampleHierarchy() stats.RawHierarchy {
	return stats.RawHierarchy{
		Groups: []stats.RawGroup{{
			ID: "g1", Name: "Sales", Kind: "department",
			Employees: []stats.EmployeeRecord{
				{UserID: "b", Name: "Bo", HasReport: true, TotalTasks: 10, CompletedTasks: 10, TaskCompletionRate: 100},
				{UserID: "a", Name: "Al", HasReport: true, TotalTasks: 10, CompletedTasks: 8, TaskCompletionRate: 80},
			},
		}},
		Staff: []stats.EmployeeRecord{
			{UserID: "c", Name: "Cy", TotalTasks: 20, CompletedTasks: 19, TaskCompletionRate: 95},
		},
	}
}

func TestHierarchyQuery(t *testing.T) {
	api := &fakeAPI{raw: sampleHierarchy()}
	c := newCoordinator(t, api)
	q := NewQuery[stats.Summary](c, codec.JSON[stats.Summary]{})
	key := HierarchyKey("manager", 12, 2024)

	s, e, err := q.Get(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, scopecache.StateFresh, e.State)
	assert.Equal(t, stats.KindMixed, s.Kind)
	assert.Equal(t, 3, s.Stats.TotalUsers)
	assert.Equal(t, 93, s.Stats.AverageCompletionRate) // 37/40
	assert.Equal(t, 1, s.Distribution.Count(stats.Excellent))
	assert.Equal(t, "Bo", s.Groups[0].Employees[0].Name)

	again, _, ok, err := q.Peek(context.Background(), key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, s, again)
	assert.Equal(t, int32(1), api.calls.Load())
}

func TestStatisticsQuery(t *testing.T) {
	api := &fakeAPI{raw: sampleHierarchy()}
	c := newCoordinator(t, api)
	q := NewQuery[Overview](c, codec.Msgpack[Overview]{})

	o, _, err := q.Get(context.Background(), StatisticsKey("manager", 12, 2024))
	require.NoError(t, err)
	assert.Equal(t, 3, o.Distribution.Total)
	assert.Equal(t, 2, o.Stats.UsersWithReports)
}

func TestInvalidHierarchyIsNotCached(t *testing.T) {
	raw := sampleHierarchy()
	raw.Groups = append(raw.Groups, stats.RawGroup{ID: "g1"}) // duplicate id
	api := &fakeAPI{raw: raw}
	c := newCoordinator(t, api)
	q := NewQuery[stats.Summary](c, codec.JSON[stats.Summary]{})
	key := HierarchyKey("manager", 12, 2024)

	_, _, err := q.Get(context.Background(), key)
	assert.ErrorIs(t, err, stats.ErrInvalidHierarchy)

	_, e, ok, err := q.Peek(context.Background(), key)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, scopecache.StateInvalidated, e.State)
}

func TestTransientAPIErrorIsRetried(t *testing.T) {
	api := &flakyAPI{fakeAPI: fakeAPI{raw: sampleHierarchy()}, failures: 2}
	c := newCoordinator(t, api)
	q := NewQuery[stats.Summary](c, codec.JSON[stats.Summary]{})

	_, _, err := q.Get(context.Background(), HierarchyKey("manager", 1, 2025))
	require.NoError(t, err)
	assert.Equal(t, int32(3), api.calls.Load())
}

type flakyAPI struct {
	fakeAPI
	failures int32
}

func (f *flakyAPI) Hierarchy(ctx context.Context, u string, w, y int) (stats.RawHierarchy, error) {
	if f.calls.Add(1) <= f.failures {
		return stats.RawHierarchy{}, scopecache.Transient(errors.New("503"))
	}
	return f.raw, nil
}
