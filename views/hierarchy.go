package views

import (
	"context"
	"fmt"

	"github.com/unkn0wn-root/scopecache"
	"github.com/unkn0wn-root/scopecache/codec"
	"github.com/unkn0wn-root/scopecache/stats"
)

// HierarchyAPI returns the raw organisational tree a user can see for a week.
// Wrap retryable failures with scopecache.Transient.
type HierarchyAPI interface {
	Hierarchy(ctx context.Context, userID string, week, year int) (stats.RawHierarchy, error)
}

// Overview is the statistics view: the headline numbers of a hierarchy
// without the tree itself.
type Overview struct {
	Kind         stats.ViewKind     `json:"kind"`
	Stats        stats.Stats        `json:"stats"`
	Distribution stats.Distribution `json:"distribution"`
}

func loadSummary(ctx context.Context, api HierarchyAPI, key scopecache.ScopeKey) (stats.Summary, error) {
	raw, err := api.Hierarchy(ctx, key.UserID, key.Week, key.Year)
	if err != nil {
		return stats.Summary{}, err
	}
	v, err := stats.Parse(raw)
	if err != nil {
		return stats.Summary{}, fmt.Errorf("views: %s: %w", key, err)
	}
	return stats.Summarize(v), nil
}

// HierarchyFetcher serves hierarchy scopes: the validated tree, sorted and summarized.
func HierarchyFetcher(api HierarchyAPI, c codec.Codec[stats.Summary]) scopecache.Fetcher {
	return Typed(c, func(ctx context.Context, key scopecache.ScopeKey) (stats.Summary, error) {
		return loadSummary(ctx, api, key)
	})
}

// StatisticsFetcher serves statistics scopes from the same API.
func StatisticsFetcher(api HierarchyAPI, c codec.Codec[Overview]) scopecache.Fetcher {
	return Typed(c, func(ctx context.Context, key scopecache.ScopeKey) (Overview, error) {
		s, err := loadSummary(ctx, api, key)
		if err != nil {
			return Overview{}, err
		}
		return Overview{Kind: s.Kind, Stats: s.Stats, Distribution: s.Distribution}, nil
	})
}

// HierarchyKey is the scope of the hierarchy seen by userID in (week, year).
func HierarchyKey(userID string, week, year int) scopecache.ScopeKey {
	return scopecache.ScopeKey{Resource: scopecache.ResourceHierarchy, UserID: userID, Week: week, Year: year}
}

// StatisticsKey is the statistics scope seen by userID in (week, year).
func StatisticsKey(userID string, week, year int) scopecache.ScopeKey {
	return scopecache.ScopeKey{Resource: scopecache.ResourceStatistics, UserID: userID, Week: week, Year: year}
}
