// Package influxdb provides time-series metrics recording for rolekeeper.
//
// This package wraps the official InfluxDB v2 Go client with non-blocking,
// batched writes. Metrics are optional: when influxdb.enabled is false the
// service runs without them and Connect returns ErrDisabled.
//
// # Measurements
//
//   - role_claims: claim outcomes tagged by role and outcome
//   - evictions: eviction verification latency and confirmation
//   - leases: periodic gauge of active leases
//
// # Usage
//
//	metrics, err := influxdb.Connect(cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    metrics = nil // run without metrics
//	} else if err != nil {
//	    return err
//	}
//
//	metrics.WriteClaimOutcome("transmitter", "granted", false)
//
// Writes never block the caller; failures surface through SetOnError.
package influxdb
