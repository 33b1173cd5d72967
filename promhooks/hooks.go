// Package promhooks exports coordinator events as Prometheus metrics.
package promhooks

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/unkn0wn-root/scopecache"
)

const subsystem = "scopecache"

// Hooks counts every event. Labels never carry scope keys or identities,
// only bounded values (reason, kind, resource).
type Hooks struct {
	discarded     *prometheus.CounterVec
	selfHeals     *prometheus.CounterVec
	violations    prometheus.Counter
	purges        *prometheus.CounterVec
	purgeRemoved  *prometheus.CounterVec
	purgeRetries  prometheus.Counter
	fatal         prometheus.Counter
	stepFailures  *prometheus.CounterVec
	reconcileTO   prometheus.Counter
	reconcilePend prometheus.Counter
	refetchFails  *prometheus.CounterVec
	setRejections prometheus.Counter
}

var _ scopecache.Hooks = (*Hooks)(nil)

// New registers the metrics on reg under namespace.
func New(reg prometheus.Registerer, namespace string) *Hooks {
	f := promauto.With(reg)
	return &Hooks{
		discarded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "stale_results_discarded_total",
			Help:      "Fetched results dropped on arrival, by reason",
		}, []string{"reason"}),
		selfHeals: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "self_heals_total",
			Help:      "Stored payloads deleted on read, by reason",
		}, []string{"reason"}),
		violations: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "isolation_violations_total",
			Help:      "Entries observed with an owner other than the confirmed identity",
		}),
		purges: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "purges_total",
			Help:      "Completed purges, by kind",
		}, []string{"kind"}),
		purgeRemoved: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "purged_scopes_total",
			Help:      "Scopes removed by purges, by kind",
		}, []string{"kind"}),
		purgeRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "purge_retries_total",
			Help:      "Failed full purge attempts that were retried",
		}),
		fatal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "fatal_escalations_total",
			Help:      "Purges that exhausted their attempts",
		}),
		stepFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "mutation_step_failures_total",
			Help:      "Failed mutation batch steps, by mutation kind",
		}, []string{"kind"}),
		reconcileTO: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "reconciliation_timeouts_total",
			Help:      "Batches whose refetch did not finish in time",
		}),
		reconcilePend: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "reconciliation_pending_scopes_total",
			Help:      "Scopes left invalidated by reconciliation timeouts",
		}),
		refetchFails: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "refetch_failures_total",
			Help:      "Failed reconciliation or sweep refetches, by resource",
		}, []string{"resource"}),
		setRejections: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "provider_set_rejections_total",
			Help:      "Frames the provider refused to store",
		}),
	}
}

// resource is the leading segment of a canonical scope key.
func resource(key string) string {
	r, _, _ := strings.Cut(key, "|")
	return r
}

func (h *Hooks) StaleResultDiscarded(_, reason string) { h.discarded.WithLabelValues(reason).Inc() }
func (h *Hooks) SelfHeal(_, reason string)             { h.selfHeals.WithLabelValues(reason).Inc() }
func (h *Hooks) IsolationViolation(string, string, string) {
	h.violations.Inc()
}
func (h *Hooks) PurgeCompleted(kind string, removed int) {
	h.purges.WithLabelValues(kind).Inc()
	h.purgeRemoved.WithLabelValues(kind).Add(float64(removed))
}
func (h *Hooks) PurgeRetry(int, error) { h.purgeRetries.Inc() }
func (h *Hooks) FatalEscalated(string) { h.fatal.Inc() }
func (h *Hooks) MutationStepFailed(_ string, _ int, kind string, _ error) {
	h.stepFailures.WithLabelValues(kind).Inc()
}
func (h *Hooks) ReconciliationTimedOut(_ string, pending int) {
	h.reconcileTO.Inc()
	h.reconcilePend.Add(float64(pending))
}
func (h *Hooks) RefetchFailed(key string, _ error) {
	h.refetchFails.WithLabelValues(resource(key)).Inc()
}
func (h *Hooks) ProviderSetRejected(string) { h.setRejections.Inc() }

// RegisterStats exposes the coordinator's live counters as gauges read at scrape time.
func RegisterStats(reg prometheus.Registerer, namespace string, stats func() scopecache.CacheStats) {
	f := promauto.With(reg)
	gauge := func(name, help string, v func(scopecache.CacheStats) float64) {
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		}, func() float64 { return v(stats()) })
	}
	gauge("entries", "Scopes currently tracked", func(s scopecache.CacheStats) float64 { return float64(s.Entries) })
	gauge("hits", "Reads served from the cache", func(s scopecache.CacheStats) float64 { return float64(s.Hits) })
	gauge("misses", "Reads that had to fetch", func(s scopecache.CacheStats) float64 { return float64(s.Misses) })
	gauge("fetches", "Remote fetches issued", func(s scopecache.CacheStats) float64 { return float64(s.Fetches) })
	gauge("dropped_transitions", "Subscription transitions lost to slow consumers",
		func(s scopecache.CacheStats) float64 { return float64(s.DroppedTransitions) })
}
