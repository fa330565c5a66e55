package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WriteOperationTiming records the duration of a completed operation.
//
// Each point carries the operation kind and outcome as tags so venue
// dashboards can chart channel-change latency and failure rates per kind.
// The write is non-blocking; data is batched and sent asynchronously.
//
// Example:
//
//	client.WriteOperationTiming("channel_change", "succeeded", "", 8450)
//	client.WriteOperationTiming("input_swap", "failed", "probe_failed", 12031)
func (c *Client) WriteOperationTiming(kind, status, reason string, durationMS int64) {
	if !c.IsConnected() {
		return
	}

	tags := map[string]string{
		"kind":   kind,
		"status": status,
	}
	if reason != "" {
		tags["reason"] = reason
	}

	point := write.NewPoint(
		"operation_timings",
		tags,
		map[string]interface{}{
			"duration_ms": durationMS,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteDeviceHealth records a device health observation.
//
// Used by the connection manager's health loop to track per-device
// responsiveness over time.
//
// Example:
//
//	client.WriteDeviceHealth("192.168.1.50:23", "connected", 3)
//	client.WriteDeviceHealth("192.168.1.60:23", "degraded", 147)
func (c *Client) WriteDeviceHealth(address, state string, latencyMS int64) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"device_health",
		map[string]string{
			"address": address,
			"state":   state,
		},
		map[string]interface{}{
			"latency_ms": latencyMS,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WritePoint writes a custom point with full control over tags and fields.
// Use this for measurements that don't fit the helper methods.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}
