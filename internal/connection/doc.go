// Package connection manages long-lived connections to AV devices.
//
// The manager owns one logical connection per device address (matrix
// switchers, displays, set-top boxes) and hides reconnect and keep-alive
// mechanics from callers. Each device gets a supervised worker goroutine
// that owns the transport exclusively: it executes commands in strict
// FIFO order, runs periodic health probes, and drives reconnection with
// a configurable backoff policy.
//
// # Lifecycle
//
//	Disconnected -> Connecting -> Connected
//	Connected -> Degraded (consecutive probe failures reach threshold)
//	Degraded -> Reconnecting (failures continue)
//	Reconnecting -> Connected | Unreachable (attempts exhausted)
//
// Unreachable is terminal until an explicit Reset (e.g., an operator's
// manual reconnect). Connections idle longer than the configured timeout
// are evicted by a background sweeper; the next Acquire re-establishes
// them transparently.
//
// # Usage
//
//	mgr := connection.New(cfg.Connections, connection.Options{
//	    Logger: logger.With("component", "connection"),
//	    Alerts: notifier,
//	})
//	defer mgr.Close()
//
//	reply, err := mgr.Send(ctx, "192.168.1.50:23", []byte("POWER ON"))
//
// Transient dial and probe failures are retried internally and never
// surfaced per-attempt; callers see only typed terminal errors (ErrRefused,
// ErrTimeout, ErrUnauthorized, ErrExhausted) and state transitions.
package connection
