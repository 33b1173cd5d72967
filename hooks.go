package scopecache

// Hooks lightweight callbacks for high-signal events.
// Implementations MUST be cheap and non-blocking.
// The coordinator calls them on hot paths, some under internal locks.
type Hooks interface {
	// A fetched result was dropped on arrival instead of being stored.
	// reason ∈ {"epoch_advanced", "gen_mismatch"}
	StaleResultDiscarded(key, reason string)

	// A payload was deleted on read.
	// reason ∈ {"corrupt", "gen_mismatch", "epoch_mismatch", "evicted"}
	SelfHeal(storageKey, reason string)

	// An entry owned by another identity was observed. Always followed by a full purge.
	IsolationViolation(key, owner, confirmed string)

	// A purge finished. kind ∈ {"full", "partial"}.
	PurgeCompleted(kind string, removed int)

	// A full purge attempt failed and will be retried.
	PurgeRetry(attempt int, err error)

	// A full purge exhausted its attempts; the host's FatalEscalate was invoked.
	FatalEscalated(reason string)

	// A mutation batch step failed.
	MutationStepFailed(batchID string, step int, kind string, err error)

	// Reconciliation refetch did not finish in time.
	ReconciliationTimedOut(batchID string, pending int)

	// A reconciliation or sweep refetch failed; the scope stays Invalidated.
	RefetchFailed(key string, err error)

	// Provider returned ok=false on Set (backpressure/eviction).
	ProviderSetRejected(storageKey string)
}

// NopHooks is the default no-op
type NopHooks struct{}

func (NopHooks) StaleResultDiscarded(string, string)           {}
func (NopHooks) SelfHeal(string, string)                       {}
func (NopHooks) IsolationViolation(string, string, string)     {}
func (NopHooks) PurgeCompleted(string, int)                    {}
func (NopHooks) PurgeRetry(int, error)                         {}
func (NopHooks) FatalEscalated(string)                         {}
func (NopHooks) MutationStepFailed(string, int, string, error) {}
func (NopHooks) ReconciliationTimedOut(string, int)            {}
func (NopHooks) RefetchFailed(string, error)                   {}
func (NopHooks) ProviderSetRejected(string)                    {}

// MultiHooks fans every event out to each member in order.
type MultiHooks []Hooks

func (m MultiHooks) StaleResultDiscarded(key, reason string) {
	for _, h := range m {
		h.StaleResultDiscarded(key, reason)
	}
}

func (m MultiHooks) SelfHeal(storageKey, reason string) {
	for _, h := range m {
		h.SelfHeal(storageKey, reason)
	}
}

func (m MultiHooks) IsolationViolation(key, owner, confirmed string) {
	for _, h := range m {
		h.IsolationViolation(key, owner, confirmed)
	}
}

func (m MultiHooks) PurgeCompleted(kind string, removed int) {
	for _, h := range m {
		h.PurgeCompleted(kind, removed)
	}
}

func (m MultiHooks) PurgeRetry(attempt int, err error) {
	for _, h := range m {
		h.PurgeRetry(attempt, err)
	}
}

func (m MultiHooks) FatalEscalated(reason string) {
	for _, h := range m {
		h.FatalEscalated(reason)
	}
}

func (m MultiHooks) MutationStepFailed(batchID string, step int, kind string, err error) {
	for _, h := range m {
		h.MutationStepFailed(batchID, step, kind, err)
	}
}

func (m MultiHooks) ReconciliationTimedOut(batchID string, pending int) {
	for _, h := range m {
		h.ReconciliationTimedOut(batchID, pending)
	}
}

func (m MultiHooks) RefetchFailed(key string, err error) {
	for _, h := range m {
		h.RefetchFailed(key, err)
	}
}

func (m MultiHooks) ProviderSetRejected(storageKey string) {
	for _, h := range m {
		h.ProviderSetRejected(storageKey)
	}
}
