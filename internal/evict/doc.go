// Package evict verifies that a force-disconnected broker client is
// actually gone.
//
// The broker control plane is sometimes inconsistent: it may briefly
// report a kicked client as still connected, return stale state, or be
// unreachable. The verifier absorbs that by polling with exponential,
// capped, jittered backoff inside a wall-clock budget:
//
//   - Disconnected: confirmed, return immediately
//   - Connected: back off and poll again
//   - Unknown: back off and poll again — an indeterminate answer never
//     counts as confirmation
//
// When the budget elapses the verifier returns TimedOut rather than an
// error; the conflict resolver owns the policy for proceeding under
// uncertainty (fail-closed by default, fail-open when configured).
package evict
