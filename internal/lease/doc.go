// Package lease implements the durable role-lease registry.
//
// A lease grants one device exclusive use of one relay role (transmitter,
// receiver) for one account. The registry enforces at most one lease per
// (account_id, role) key and fences every transition with a monotonically
// increasing sequence number, so concurrent takeovers cannot both succeed
// against the same prior state.
//
// # Sequences
//
// Sequences come from a dedicated lease_sequences counter table bumped in
// the same transaction as the lease row. They never decrease and never
// repeat for a key, even across passive expiry, so the broker client_id
// derived from them (account-role-NNN) is unique per lease generation.
//
// # Concurrency
//
//   - Registry serializes mutations per key; distinct keys run in parallel.
//   - Replace and Release are fenced by the caller's sequence and fail
//     with ErrStaleSequence when another actor got there first.
//   - Expired leases are treated as implicitly released: reads skip them
//     and a periodic sweep deletes them.
//
// The registry never talks to the message broker. Eviction, verification
// and credential issuance live in the resolve, evict and credential
// packages.
package lease
