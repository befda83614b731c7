package lease

import (
	"errors"
	"fmt"
)

// Domain-specific errors for lease operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrLeaseNotFound is returned when no active lease exists for the key.
	ErrLeaseNotFound = errors.New("lease: not found")

	// ErrLeaseHeld is returned by TryAcquire when another lease already
	// holds the (account, role) key.
	ErrLeaseHeld = errors.New("lease: role already held")

	// ErrStaleSequence is returned by Replace and Release when the stored
	// lease's sequence no longer matches the caller's. Another claim or
	// eviction already superseded the lease; the caller must re-run
	// conflict resolution rather than overwrite.
	ErrStaleSequence = errors.New("lease: stale sequence")
)

// ConflictError carries the existing holder's lease alongside ErrLeaseHeld
// so callers can build a rejection response without a second lookup.
type ConflictError struct {
	Existing *Lease
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("lease: role already held by %s", e.Existing.ClientID)
}

// Unwrap makes errors.Is(err, ErrLeaseHeld) work on ConflictError.
func (e *ConflictError) Unwrap() error {
	return ErrLeaseHeld
}
