package notify

import (
	"encoding/json"
	"time"

	"github.com/peerlink/rolekeeper/internal/infrastructure/logging"
	"github.com/peerlink/rolekeeper/internal/infrastructure/mqtt"
)

// Reasons carried in revocation notices.
const (
	// ReasonForcedTakeover means another device claimed the role with
	// force_kick_existing.
	ReasonForcedTakeover = "forced_takeover"

	// ReasonReleased means the holder released the role itself.
	ReasonReleased = "released"
)

// publisher is the subset of the MQTT client the notifier needs.
type publisher interface {
	PublishQoS(topic string, payload []byte) error
	PublishRetained(topic string, payload []byte) error
}

// RevokedNotice is the message published to a displaced client's private
// control topic so it can tell an eviction from a network failure.
type RevokedNotice struct {
	RevokedRole string    `json:"revoked_role"`
	Reason      string    `json:"reason"`
	Timestamp   time.Time `json:"timestamp"`
}

// LeaseStatus is the retained per-key lease state message.
type LeaseStatus struct {
	Held      bool      `json:"held"`
	ClientID  string    `json:"client_id,omitempty"`
	Sequence  int64     `json:"sequence,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher sends best-effort lease notifications over MQTT.
//
// Delivery is never confirmed and failures never propagate: the target
// of a revocation may already be offline, and the eviction path must
// not block on it. Failures are logged and dropped.
type Publisher struct {
	mqtt   publisher
	topics mqtt.Topics
	logger *logging.Logger
}

// NewPublisher creates a notification publisher.
func NewPublisher(client publisher, logger *logging.Logger) *Publisher {
	return &Publisher{
		mqtt:   client,
		logger: logger.With("component", "notify"),
	}
}

// NotifyRevoked tells a displaced client why it is about to lose its
// connection. Fire-and-forget.
//
// Must be invoked before or concurrently with the broker disconnect, not
// after, so a still-connected client has the best chance to observe the
// notice.
//
// Parameters:
//   - clientID: The displaced client's broker identity
//   - role: The role being revoked
//   - reason: One of the Reason constants
func (p *Publisher) NotifyRevoked(clientID, role, reason string) {
	notice := RevokedNotice{
		RevokedRole: role,
		Reason:      reason,
		Timestamp:   time.Now().UTC(),
	}

	payload, err := json.Marshal(notice)
	if err != nil {
		p.logger.Error("encoding revocation notice", "client_id", clientID, "error", err)
		return
	}

	topic := p.topics.ClientControlRevoked(clientID)
	if err := p.mqtt.PublishQoS(topic, payload); err != nil {
		// Best effort: the target may already be gone.
		p.logger.Warn("revocation notice not delivered",
			"client_id", clientID,
			"role", role,
			"error", err,
		)
	}
}

// PublishLeaseStatus updates the retained lease-state topic for one
// (account, role) key. Subscribed dashboards and devices see the current
// holder without polling the HTTP API.
func (p *Publisher) PublishLeaseStatus(accountID, role string, status LeaseStatus) {
	status.Timestamp = time.Now().UTC()

	payload, err := json.Marshal(status)
	if err != nil {
		p.logger.Error("encoding lease status", "account_id", accountID, "role", role, "error", err)
		return
	}

	topic := p.topics.AccountRoleStatus(accountID, role)
	if err := p.mqtt.PublishRetained(topic, payload); err != nil {
		p.logger.Warn("lease status not published",
			"account_id", accountID,
			"role", role,
			"error", err,
		)
	}
}
