package scopecache

import (
	"errors"
	"testing"
)

func TestMultiHooksFansOut(t *testing.T) {
	a, b := &recHooks{}, &recHooks{}
	m := MultiHooks{a, NopHooks{}, b}

	m.PurgeCompleted("full", 3)
	m.MutationStepFailed("batch", 1, "approve_task", errors.New("409"))
	m.ProviderSetRejected("scope:test:k")

	for _, h := range []*recHooks{a, b} {
		if len(h.events) != 3 {
			t.Fatalf("events=%v", h.events)
		}
		if !h.has("purge full 3") || !h.has("step_failed 1 approve_task") || !h.has("set_rejected") {
			t.Fatalf("events=%v", h.events)
		}
	}
}
