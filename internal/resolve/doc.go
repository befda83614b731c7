// Package resolve implements the role-claim conflict resolution state
// machine.
//
// A claim either finds its (account, role) key free and acquires it
// directly, or collides with an existing holder. Without the force flag
// the collision is a side-effect-free rejection carrying the holder's
// descriptor. With it, the resolver runs the takeover protocol:
//
//  1. Best-effort revocation notice to the holder's control topic
//  2. Forced disconnect via the broker control plane (bounded retries)
//  3. Eviction verification within a wall-clock budget
//  4. Fenced lease replacement (StaleSequence restarts resolution)
//  5. Credential issuance, strictly after the lease commit
//
// # Timeout policy
//
// When verification times out, the default is fail-closed: the claim is
// rejected with ErrEvictionTimeout and the old lease stands. Setting
// eviction.proceed_after_timeout grants the claim anyway and flags the
// outcome EvictionUncertain, accepting the risk of two live connections
// until the broker sorts itself out.
//
// # Concurrency
//
// Two concurrent forced claims for one key cannot both succeed against
// the same prior sequence: the loser's Replace fails with StaleSequence
// and its resolution restarts from a fresh read, up to
// eviction.stale_retries attempts.
package resolve
