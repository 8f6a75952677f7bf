package anchors

import (
	"errors"
	"fmt"
)

// Submission failure kinds. Match them with errors.Is.
var (
	// ErrNetwork means the ledger could not be reached. Returned from
	// Submit, nothing was handed to the node and the call can be retried.
	ErrNetwork = errors.New("anchors: ledger unreachable")
	// ErrRejected means the ledger refused the transaction or the
	// transaction reverted.
	ErrRejected = errors.New("anchors: rejected by ledger")
	// ErrTimeout means the transaction may have been broadcast but no
	// receipt arrived within the wait budget. The submission may still
	// confirm later and must be reconciled by its TxID.
	ErrTimeout = errors.New("anchors: confirmation timed out")
	// ErrDropped means the node has neither a receipt nor a pooled copy of
	// an earlier transaction. It will not confirm and can be resubmitted.
	ErrDropped = errors.New("anchors: transaction dropped")

	// ErrInvalidDigest is returned before any ledger call.
	ErrInvalidDigest = errors.New("anchors: invalid digest")
)

// SubmitError carries the failure kind and, once broadcast, the
// transaction ID to reconcile against.
type SubmitError struct {
	Kind error
	TxID string
	Err  error
}

func (e *SubmitError) Error() string {
	if e.TxID != "" {
		return fmt.Sprintf("%v (tx %s): %v", e.Kind, e.TxID, e.Err)
	}
	return fmt.Sprintf("%v: %v", e.Kind, e.Err)
}

func (e *SubmitError) Unwrap() error { return e.Err }

// Is matches the failure kind.
func (e *SubmitError) Is(target error) bool { return target == e.Kind }

// ConfigError reports an unusable anchor configuration.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("anchors: config %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }
