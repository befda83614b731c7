package resolve

import (
	"github.com/peerlink/rolekeeper/internal/credential"
	"github.com/peerlink/rolekeeper/internal/lease"
)

// Claim is one inbound role-claim request, already validated at the API
// boundary.
type Claim struct {
	AccountID string
	Role      string

	// Force requests eviction of the current holder, if any.
	Force bool

	Device lease.DeviceInfo
}

// Conflict describes the existing holder when a claim is rejected.
// It carries only the non-sensitive lease descriptor, never credentials.
type Conflict struct {
	Holder lease.Descriptor

	// CanForceKick tells the caller a retry with Force set would be
	// permitted.
	CanForceKick bool
}

// Outcome is the terminal state of one claim: granted (Credential set)
// or rejected (Conflict set). Failures are returned as errors instead.
type Outcome struct {
	// Credential is the issued broker credential on a granted claim.
	Credential *credential.Credential

	// Lease is the durably recorded lease backing the credential.
	Lease *lease.Lease

	// Conflict is set on rejection.
	Conflict *Conflict

	// EvictionUncertain flags a fail-open grant: the verification budget
	// elapsed without confirmation and policy allowed proceeding anyway.
	// The old connection may still be alive.
	EvictionUncertain bool
}

// Granted reports whether the claim ended with a credential.
func (o *Outcome) Granted() bool {
	return o.Credential != nil
}
