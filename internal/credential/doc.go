// Package credential mints broker credentials for confirmed leases.
//
// A credential is an HS256 JWT scoped to the "mqtt" audience, carrying
// the account (subject), role, client_id and lease sequence. The broker
// validates it with its JWT auth plugin against the shared secret; the
// sequence claim lets downstream checks reject credentials from a
// superseded lease generation.
//
// Issue-after-commit: a credential is only ever minted for a lease the
// registry has already durably recorded, so a concurrent stale-sequence
// retry can never discard a lease whose credential is in flight.
package credential
