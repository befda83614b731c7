package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WriteClaimOutcome records the result of one role claim attempt.
//
// The write is non-blocking; data is batched and sent asynchronously.
//
// Parameters:
//   - role: The role that was claimed (e.g., "transmitter")
//   - outcome: One of "granted", "conflict", "evicted_granted",
//     "eviction_timeout", "error"
//   - forced: Whether the caller requested forced takeover
//
// Example:
//
//	client.WriteClaimOutcome("transmitter", "evicted_granted", true)
func (c *Client) WriteClaimOutcome(role, outcome string, forced bool) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"role_claims",
		map[string]string{
			"role":    role,
			"outcome": outcome,
		},
		map[string]interface{}{
			"forced": forced,
			"count":  1,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteEvictionLatency records how long eviction verification took.
//
// Parameters:
//   - role: The role the eviction was for
//   - confirmed: Whether the broker confirmed the disconnect within budget
//   - elapsed: Wall-clock time from disconnect request to confirmation
//     (or budget expiry)
func (c *Client) WriteEvictionLatency(role string, confirmed bool, elapsed time.Duration) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"evictions",
		map[string]string{
			"role": role,
		},
		map[string]interface{}{
			"confirmed":  confirmed,
			"elapsed_ms": elapsed.Milliseconds(),
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteActiveLeases records a gauge of currently held leases.
// Called periodically by the maintenance sweep.
func (c *Client) WriteActiveLeases(count int) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"leases",
		nil,
		map[string]interface{}{
			"active": count,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WritePoint writes a custom point with full control over tags and fields.
//
// Use this for measurements that don't fit the helper methods.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}
