// Package influxdb provides time-series telemetry for AV Control Core.
//
// Two measurements are written:
//
//	operation_timings    Duration of each sequenced operation, tagged by
//	                     kind (channel_change, input_swap, diagnostic),
//	                     status, and failure reason.
//	device_health        Per-device health observations from the
//	                     connection manager's health loop.
//
// Writes are non-blocking and batched by the client library. Telemetry
// is best-effort: a dropped point never blocks or fails an operation,
// and async write errors surface only through the SetOnError callback.
package influxdb
