package sloghooks

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync/atomic"

	"github.com/unkn0wn-root/scopecache"
)

type Options struct {
	// Sampling to avoid floods; 0/1 = log all.
	SelfHealEvery uint64
	DiscardEvery  uint64
	// Optional key redactor. Defaults to SHA-256 prefix.
	// Scope keys carry user ids, so they are redacted unless overridden.
	Redact func(string) string
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	selfHealCtr atomic.Uint64
	discardCtr  atomic.Uint64
}

var _ scopecache.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func (h *Hooks) redact(k string) string {
	if h.opts.Redact != nil {
		return h.opts.Redact(k)
	}
	sum := sha256.Sum256([]byte(k))
	return hex.EncodeToString(sum[:8])
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) StaleResultDiscarded(key, reason string) {
	if h.l == nil || !sample(h.opts.DiscardEvery, &h.discardCtr) {
		return
	}
	h.l.Debug("scopecache.stale_result_discarded",
		"key", h.redact(key),
		"reason", reason)
}

func (h *Hooks) SelfHeal(storageKey, reason string) {
	if h.l == nil || !sample(h.opts.SelfHealEvery, &h.selfHealCtr) {
		return
	}
	h.l.Debug("scopecache.self_heal",
		"key", h.redact(storageKey),
		"reason", reason)
}

func (h *Hooks) IsolationViolation(key, owner, confirmed string) {
	if h.l == nil {
		return
	}
	h.l.Error("scopecache.isolation_violation",
		"key", h.redact(key),
		"owner", h.redact(owner),
		"confirmed", h.redact(confirmed))
}

func (h *Hooks) PurgeCompleted(kind string, removed int) {
	if h.l == nil {
		return
	}
	h.l.Info("scopecache.purge_completed",
		"kind", kind,
		"removed", removed)
}

func (h *Hooks) PurgeRetry(attempt int, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("scopecache.purge_retry",
		"attempt", attempt,
		"err", err)
}

func (h *Hooks) FatalEscalated(reason string) {
	if h.l == nil {
		return
	}
	h.l.Error("scopecache.fatal_escalated",
		"reason", reason)
}

func (h *Hooks) MutationStepFailed(batchID string, step int, kind string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("scopecache.mutation_step_failed",
		"batch", batchID,
		"step", step,
		"kind", kind,
		"err", err)
}

func (h *Hooks) ReconciliationTimedOut(batchID string, pending int) {
	if h.l == nil {
		return
	}
	h.l.Warn("scopecache.reconciliation_timed_out",
		"batch", batchID,
		"pending", pending)
}

func (h *Hooks) RefetchFailed(key string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("scopecache.refetch_failed",
		"key", h.redact(key),
		"err", err)
}

func (h *Hooks) ProviderSetRejected(storageKey string) {
	if h.l == nil {
		return
	}
	h.l.Warn("scopecache.provider_set_rejected",
		"key", h.redact(storageKey))
}
