package resolve

import "errors"

// Domain-specific errors for conflict resolution.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrUnknownRole is returned for roles outside the configured set.
	// Rejected before the registry is touched.
	ErrUnknownRole = errors.New("resolve: unknown role")

	// ErrStaleSequenceRetryExhausted is returned when too many concurrent
	// takeover attempts collided. Transient; the caller should retry.
	ErrStaleSequenceRetryExhausted = errors.New("resolve: concurrent takeovers exhausted retries")

	// ErrBrokerUnavailable is returned when the control plane kept
	// failing beyond the local retry budget. The lease is not mutated:
	// fail-safe, not fail-open.
	ErrBrokerUnavailable = errors.New("resolve: broker control plane unavailable")

	// ErrEvictionTimeout is returned under the fail-closed policy when
	// the verifier exhausted its budget without confirming the eviction.
	ErrEvictionTimeout = errors.New("resolve: eviction not confirmed within budget")
)
