package archive

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownKind rejects archive kinds outside the supported set.
	ErrUnknownKind = errors.New("unknown archive kind")

	// ErrNoFiles means the resolved source set was empty, so there is
	// nothing to archive.
	ErrNoFiles = errors.New("no source files to archive")

	// ErrNoErrorToRetry means a retry was requested but the slot is not
	// in the error state.
	ErrNoErrorToRetry = errors.New("no failed generation to retry")
)

// ValidationError rejects malformed request input before any work starts.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// TransientError wraps a storage operation that kept failing after its
// retry budget was spent.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// CapacityError means the archive would exceed the upload session's part
// limit and cannot be published at the configured part size.
type CapacityError struct {
	Parts    int
	MaxParts int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("archive needs part %d but the session allows at most %d", e.Parts, e.MaxParts)
}

// PartialFailureError means too many individual entries failed for the
// result to be trusted, even though some of the work succeeded.
type PartialFailureError struct {
	Failed    int
	Total     int
	Tolerance float64
}

func (e *PartialFailureError) Error() string {
	return fmt.Sprintf("%d of %d entries failed (tolerance %.0f%%)", e.Failed, e.Total, e.Tolerance*100)
}

// OrchestrationError means the fan-out runtime failed outside of any
// single worker, for example a lost execution or a timed out state machine.
type OrchestrationError struct {
	ExecutionID string
	Cause       string
}

func (e *OrchestrationError) Error() string {
	return fmt.Sprintf("execution %s failed: %s", e.ExecutionID, e.Cause)
}
