// Package notify publishes best-effort lease notifications over MQTT.
//
// Two kinds of message leave this package:
//
//   - Revocation notices on relay/clients/{client_id}/control/revoked,
//     sent to a device about to be force-disconnected so it can show the
//     user why instead of retrying forever.
//   - Retained lease status on relay/accounts/{account}/roles/{role}/status,
//     so subscribers see the current holder without polling.
//
// Nothing here is load-bearing for exclusivity. Delivery is never
// confirmed, failures are logged and dropped, and the eviction path
// never waits on a publish.
package notify
