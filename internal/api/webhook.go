package api

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
)

// webhookSecretHeader carries the shared secret the broker's webhook
// plugin is configured to send.
const webhookSecretHeader = "X-Webhook-Secret"

// brokerEvent is the subset of the broker's webhook payload rolekeeper
// acts on. Unknown fields are ignored.
type brokerEvent struct {
	Event    string `json:"event"`
	ClientID string `json:"clientid"`
	Reason   string `json:"reason,omitempty"`
}

// handleBrokerEvent processes POST /api/v1/broker/events.
//
// The broker posts lifecycle events here; a client.disconnected event
// for a current lease holder releases the lease so the role frees up
// without waiting for expiry. All other events are acknowledged and
// dropped.
func (s *Server) handleBrokerEvent(w http.ResponseWriter, r *http.Request) {
	if !s.checkWebhookSecret(r) {
		writeUnauthorized(w, "invalid webhook secret")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeBadRequest(w, "unreadable body")
		return
	}

	// Some broker template engines emit the literal string "undefined"
	// for absent fields, which breaks strict JSON parsing.
	body = bytes.ReplaceAll(body, []byte(`"undefined"`), []byte("null"))

	var event brokerEvent
	if err := json.Unmarshal(body, &event); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	if event.Event != "client.disconnected" || event.ClientID == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if err := s.resolver.HandleBrokerDisconnect(r.Context(), event.ClientID); err != nil {
		// The webhook is advisory; expiry will reclaim the lease either
		// way. Log and acknowledge so the broker does not retry forever.
		s.logger.Warn("handling broker disconnect",
			"client_id", event.ClientID,
			"reason", event.Reason,
			"error", err,
		)
	}

	w.WriteHeader(http.StatusNoContent)
}

// checkWebhookSecret validates the shared-secret header in constant time.
func (s *Server) checkWebhookSecret(r *http.Request) bool {
	secret := s.secCfg.WebhookSecret
	if secret == "" {
		return false
	}
	provided := r.Header.Get(webhookSecretHeader)
	return subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) == 1
}
