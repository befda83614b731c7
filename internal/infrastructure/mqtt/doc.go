// Package mqtt provides the MQTT publishing client for rolekeeper.
//
// This package wraps eclipse/paho.mqtt.golang with connection management,
// Last Will and Testament, and topic builders for the relay namespace.
//
// # Features
//
//   - Auto-reconnect with exponential backoff
//   - LWT on relay/system/status for crash detection
//   - Retained online/offline status on connect and graceful shutdown
//   - Topic builders so topic strings are never assembled by hand
//
// # Topics
//
//	relay/clients/{client_id}/control/revoked   revocation notices to devices
//	relay/accounts/{account}/roles/{role}/status  retained lease state
//	relay/system/status                          service online/offline
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	topic := mqtt.Topics{}.ClientControlRevoked("alice-transmitter-003")
//	err = client.PublishQoS(topic, payload)
//
// Rolekeeper never subscribes: broker events reach it through the
// control-plane webhook on the HTTP API instead.
package mqtt
