package mqtt

import "fmt"

// Topic prefixes for the relay MQTT namespace.
//
// Device-facing topics live under relay/clients/{client_id}/ so broker ACLs
// can scope each device to its own subtree. Service topics live under
// relay/system/ and relay/accounts/.
const (
	// TopicPrefixClients is the base for per-client control topics.
	TopicPrefixClients = "relay/clients"

	// TopicPrefixAccounts is the base for per-account lease topics.
	TopicPrefixAccounts = "relay/accounts"

	// TopicPrefixSystem is the base for service status topics.
	TopicPrefixSystem = "relay/system"
)

// Topics provides builders for relay MQTT topics.
// Using these helpers keeps topic naming consistent across the codebase.
//
//	topics := mqtt.Topics{}
//	t := topics.ClientControlRevoked("alice-transmitter-003")
//	// Returns: "relay/clients/alice-transmitter-003/control/revoked"
type Topics struct{}

// ClientControlRevoked returns the control topic a device listens on for
// lease revocation notices.
//
// Example: relay/clients/alice-transmitter-003/control/revoked
func (Topics) ClientControlRevoked(clientID string) string {
	return fmt.Sprintf("%s/%s/control/revoked", TopicPrefixClients, clientID)
}

// AccountRoleStatus returns the retained topic carrying the current lease
// state for one (account, role) pair.
//
// Example: relay/accounts/alice/roles/transmitter/status
func (Topics) AccountRoleStatus(accountID, role string) string {
	return fmt.Sprintf("%s/%s/roles/%s/status", TopicPrefixAccounts, accountID, role)
}

// SystemStatus returns the topic for the service's own online/offline status.
// Used for the Last Will and Testament and graceful shutdown notices.
//
// Example: relay/system/status
func (Topics) SystemStatus() string {
	return fmt.Sprintf("%s/status", TopicPrefixSystem)
}
