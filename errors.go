package scopecache

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrNoIdentity    = errors.New("scopecache: no confirmed identity")
	ErrEpochAdvanced = errors.New("scopecache: epoch advanced")
	ErrNoFetcher     = errors.New("scopecache: no fetcher registered for resource")
	ErrClosed        = errors.New("scopecache: coordinator closed")
	ErrEmptyBatch    = errors.New("scopecache: empty mutation batch")
	ErrSuperseded    = errors.New("scopecache: result superseded by a newer invalidation")
)

// TransientFetchError marks a fetch failure worth retrying (network, 5xx).
type TransientFetchError struct{ Err error }

func (e *TransientFetchError) Error() string { return "transient fetch error: " + e.Err.Error() }
func (e *TransientFetchError) Unwrap() error { return e.Err }

// Transient wraps err so the fetch layer retries it. Nil stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientFetchError{Err: err}
}

// MutationStepError names the batch step that failed. No invalidation was issued.
type MutationStepError struct {
	BatchID uuid.UUID
	Step    int
	Kind    MutationKind
	Err     error
}

func (e *MutationStepError) Error() string {
	return fmt.Sprintf("batch %s: step %d (%s) failed: %v", e.BatchID, e.Step, e.Kind, e.Err)
}

func (e *MutationStepError) Unwrap() error { return e.Err }

// IsolationViolationError reports an entry owned by someone other than the
// confirmed identity. It always triggers a full purge.
type IsolationViolationError struct {
	Key       string
	Owner     string
	Confirmed string
}

func (e *IsolationViolationError) Error() string {
	return fmt.Sprintf("isolation violation on %q: owner %q, confirmed %q", e.Key, e.Owner, e.Confirmed)
}

// ReconciliationTimeoutError lists scopes whose refetch did not finish in time.
// They are left Invalidated and refetch lazily on the next read.
type ReconciliationTimeoutError struct {
	BatchID uuid.UUID
	Scopes  []string
}

func (e *ReconciliationTimeoutError) Error() string {
	return fmt.Sprintf("batch %s: reconciliation timed out for %d scope(s): %s",
		e.BatchID, len(e.Scopes), strings.Join(e.Scopes, ", "))
}

// PurgeError is returned when a full purge exhausted its attempts.
type PurgeError struct {
	Reason   string
	Attempts int
	Err      error
}

func (e *PurgeError) Error() string {
	return fmt.Sprintf("purge %q failed after %d attempt(s): %v", e.Reason, e.Attempts, e.Err)
}

func (e *PurgeError) Unwrap() error { return e.Err }

// InvalidateError collects backend failures while invalidating scopes.
// Metadata is always updated, so a failed delete never resurfaces data.
type InvalidateError struct {
	Keys    []string
	BumpErr error
	DelErr  error
}

func (e *InvalidateError) Error() string {
	switch {
	case e.BumpErr != nil && e.DelErr != nil:
		return fmt.Sprintf("invalidate %d key(s): gen bump and delete failed: bump=%v; delete=%v",
			len(e.Keys), e.BumpErr, e.DelErr)
	case e.BumpErr != nil:
		return fmt.Sprintf("invalidate %d key(s): gen bump failed: %v", len(e.Keys), e.BumpErr)
	case e.DelErr != nil:
		return fmt.Sprintf("invalidate %d key(s): delete failed: %v", len(e.Keys), e.DelErr)
	default:
		return fmt.Sprintf("invalidate %d key(s): unknown error", len(e.Keys))
	}
}

func (e *InvalidateError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.BumpErr != nil {
		errs = append(errs, e.BumpErr)
	}
	if e.DelErr != nil {
		errs = append(errs, e.DelErr)
	}
	return errs
}
