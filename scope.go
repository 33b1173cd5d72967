package scopecache

import (
	"strconv"

	"github.com/unkn0wn-root/scopecache/internal/util"
)

// Resource names the kind of view a scope caches.
type Resource string

const (
	ResourceReports      Resource = "reports"
	ResourceReportDetail Resource = "report_detail"
	ResourceEvaluations  Resource = "evaluations"
	ResourceHierarchy    Resource = "hierarchy"
	ResourceStatistics   Resource = "statistics"
)

// Aggregate reports whether the resource is a derived, high-churn view.
// Aggregate scopes are removed on invalidation, never marked stale.
func (r Resource) Aggregate() bool {
	return r == ResourceHierarchy || r == ResourceStatistics
}

// Volatile reports whether the resource is cleared by a same-identity partial purge.
func (r Resource) Volatile() bool {
	switch r {
	case ResourceReports, ResourceReportDetail, ResourceEvaluations:
		return true
	}
	return false
}

// ScopeKey identifies one cached view. Zero fields are not part of the key.
type ScopeKey struct {
	Resource Resource
	UserID   string
	ReportID string
	TaskID   string
	Week     int
	Year     int
	View     string
}

// String is the canonical form, e.g. "hierarchy|user=u1|week=12|year=2024".
func (k ScopeKey) String() string {
	return util.Canonical(string(k.Resource),
		"user", k.UserID,
		"report", k.ReportID,
		"task", k.TaskID,
		"week", itoa(k.Week),
		"year", itoa(k.Year),
		"view", k.View,
	)
}

// WeekScoped reports whether the key names one user's week. Such scopes are
// removed on invalidation whatever their resource.
func (k ScopeKey) WeekScoped() bool {
	return k.UserID != "" && k.Week != 0 && k.Year != 0
}

func itoa(n int) string {
	if n == 0 {
		return ""
	}
	return strconv.Itoa(n)
}

// Pattern selects scopes; a zero field matches anything.
type Pattern struct {
	Resource Resource
	UserID   string
	ReportID string
	TaskID   string
	Week     int
	Year     int
	View     string
}

func (p Pattern) Matches(k ScopeKey) bool {
	return match(string(p.Resource), string(k.Resource)) &&
		match(p.UserID, k.UserID) &&
		match(p.ReportID, k.ReportID) &&
		match(p.TaskID, k.TaskID) &&
		(p.Week == 0 || p.Week == k.Week) &&
		(p.Year == 0 || p.Year == k.Year) &&
		match(p.View, k.View)
}

func (p Pattern) String() string {
	k := ScopeKey(p)
	if k.Resource == "" {
		k.Resource = "*"
	}
	return k.String()
}

func match(want, got string) bool { return want == "" || want == got }
