package sim

import (
	"context"
	"fmt"

	"github.com/unkn0wn-root/scopecache"
	"github.com/unkn0wn-root/scopecache/codec"
	"github.com/unkn0wn-root/scopecache/stats"
	"github.com/unkn0wn-root/scopecache/views"
)

// Codecs holds one codec per cached view, all of the same encoding.
type Codecs struct {
	Reports     codec.Codec[[]ReportSummary]
	Report      codec.Codec[Report]
	Evaluations codec.Codec[[]Evaluation]
	Summary     codec.Codec[stats.Summary]
	Overview    codec.Codec[views.Overview]
}

// MaxPayload caps one encoded view; a larger fetch fails instead of being cached.
const MaxPayload = 1 << 20

func named[V any](name string) (codec.Codec[V], error) {
	c, err := codec.Named[V](name)
	if err != nil {
		return nil, err
	}
	return codec.Limit[V]{Inner: c, Max: MaxPayload}, nil
}

// NewCodecs builds the codec set for name ("json", "cbor" or "msgpack").
func NewCodecs(name string) (Codecs, error) {
	var (
		cs  Codecs
		err error
	)
	if cs.Reports, err = named[[]ReportSummary](name); err != nil {
		return Codecs{}, err
	}
	if cs.Report, err = named[Report](name); err != nil {
		return Codecs{}, err
	}
	if cs.Evaluations, err = named[[]Evaluation](name); err != nil {
		return Codecs{}, err
	}
	if cs.Summary, err = named[stats.Summary](name); err != nil {
		return Codecs{}, err
	}
	if cs.Overview, err = named[views.Overview](name); err != nil {
		return Codecs{}, err
	}
	return cs, nil
}

// Fetchers maps every resource to a loader against r.
func (r *Remote) Fetchers(cs Codecs) map[scopecache.Resource]scopecache.Fetcher {
	return map[scopecache.Resource]scopecache.Fetcher{
		scopecache.ResourceReports: views.Typed(cs.Reports, func(ctx context.Context, k scopecache.ScopeKey) ([]ReportSummary, error) {
			return r.Reports(ctx, k.UserID)
		}),
		scopecache.ResourceReportDetail: views.Typed(cs.Report, func(ctx context.Context, k scopecache.ScopeKey) (Report, error) {
			return r.Report(ctx, k.UserID, k.Week, k.Year)
		}),
		scopecache.ResourceEvaluations: views.Typed(cs.Evaluations, func(ctx context.Context, k scopecache.ScopeKey) ([]Evaluation, error) {
			if k.TaskID == "" {
				return nil, fmt.Errorf("%w: evaluations scope without task", ErrNotFound)
			}
			return r.Evaluations(ctx, k.TaskID)
		}),
		scopecache.ResourceHierarchy:  views.HierarchyFetcher(r, cs.Summary),
		scopecache.ResourceStatistics: views.StatisticsFetcher(r, cs.Overview),
	}
}

func ReportsKey(userID string) scopecache.ScopeKey {
	return scopecache.ScopeKey{Resource: scopecache.ResourceReports, UserID: userID}
}

func DetailKey(userID string, week, year int) scopecache.ScopeKey {
	return scopecache.ScopeKey{Resource: scopecache.ResourceReportDetail, UserID: userID, Week: week, Year: year}
}

func EvaluationsKey(taskID string) scopecache.ScopeKey {
	return scopecache.ScopeKey{Resource: scopecache.ResourceEvaluations, TaskID: taskID}
}
