// Package broker provides the client for the message broker's
// administrative HTTP API (EMQX v5 style control plane).
//
// The control plane is the source of truth for whether a broker client
// is actually connected, and the lever for forcing one off. It is also
// sometimes inconsistent: it may be unreachable, reject an expired
// token, or report stale state. This package's job is to map all of
// that onto a three-valued Status that the eviction verifier can reason
// about safely.
//
// # Status mapping
//
//   - 200 + connected flag: Connected or Disconnected
//   - 404: Disconnected (definitively absent)
//   - anything else: Unknown, never Disconnected
//
// # Usage
//
//	client := broker.New(cfg.BrokerAPI)
//
//	status, err := client.QueryStatus(ctx, "alice-transmitter-002")
//	if status == broker.StatusDisconnected {
//	    // safe to hand the role to the new device
//	}
//
//	err = client.ForceDisconnect(ctx, "alice-transmitter-002")
//
// Auth tokens are obtained lazily via /api/v5/login, cached, and
// refreshed once when a request comes back 401.
package broker
