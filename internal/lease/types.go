package lease

import (
	"fmt"
	"time"
)

// DeviceInfo is opaque descriptive metadata about the device holding a
// lease. Carried for diagnostics only, never used for equality.
type DeviceInfo struct {
	Model      string `json:"model"`
	OS         string `json:"os"`
	AppVersion string `json:"app_version"`
}

// Lease is the unit of exclusivity: one device holding one role for one
// account. At most one lease exists per (account_id, role) at any instant.
type Lease struct {
	// AccountID is the opaque identifier of the owning user.
	AccountID string `json:"account_id"`

	// Role is a value from the closed, configuration-defined role set.
	Role string `json:"role"`

	// Sequence increases monotonically per (account_id, role) on every
	// successful (re)issuance. It breaks ties between an evicted
	// connection and its replacement and guards against stale-credential
	// replay.
	Sequence int64 `json:"sequence"`

	// ClientID is the broker-facing identity, derived from account, role
	// and sequence. Unique per lease generation so the old and new
	// connections are distinguishable even if they briefly coexist in
	// broker state.
	ClientID string `json:"client_id"`

	Device DeviceInfo `json:"device"`

	// IssuedAt and ExpiresAt bound the validity window of the
	// associated credential.
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// FormatClientID derives the broker-facing client identity for a lease
// generation. The zero-padded sequence keeps IDs sortable in broker
// dashboards.
//
// Example: FormatClientID("alice", "transmitter", 3) = "alice-transmitter-003"
func FormatClientID(accountID, role string, sequence int64) string {
	return fmt.Sprintf("%s-%s-%03d", accountID, role, sequence)
}

// Expired reports whether the lease's validity window has elapsed.
// The registry treats expiry as an implicit release.
func (l *Lease) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// Descriptor is the non-sensitive view of a lease returned to callers on
// conflict. It never carries credentials.
type Descriptor struct {
	ClientID string     `json:"client_id"`
	Device   DeviceInfo `json:"device"`
	IssuedAt time.Time  `json:"connected_at"`
}

// Descriptor returns the non-sensitive view of the lease.
func (l *Lease) Descriptor() Descriptor {
	return Descriptor{
		ClientID: l.ClientID,
		Device:   l.Device,
		IssuedAt: l.IssuedAt,
	}
}
