package sequence

import (
	"errors"
	"fmt"
)

// Reason classifies why an operation failed, or qualifies a degraded
// success. Reasons are stable strings: they are persisted, published in
// alerts, and returned over the API.
type Reason string

const (
	// ReasonRouteFailed: the initial route to the utility input failed.
	// Nothing was changed, so no rollback was needed.
	ReasonRouteFailed Reason = "route_failed"

	// ReasonHandshakeTimeout: the device did not complete its handshake
	// within the probe window. The route was restored.
	ReasonHandshakeTimeout Reason = "handshake_timeout"

	// ReasonProbeFailed: the probe returned an error or an empty result.
	// The route was restored.
	ReasonProbeFailed Reason = "probe_failed"

	// ReasonRollbackFailed: restoring the original route failed. The bus
	// may be in an inconsistent state; this always raises a high-priority
	// alert and is never retried automatically.
	ReasonRollbackFailed Reason = "rollback_failed"

	// ReasonRolledBackStaleSnapshot qualifies a degraded success: the
	// pre-operation snapshot could not be captured, so the route was
	// restored from the last known configuration instead.
	ReasonRolledBackStaleSnapshot Reason = "rolled_back_with_stale_snapshot"
)

// errEmptyProbe marks a probe that returned no data.
var errEmptyProbe = errors.New("sequence: probe returned empty result")

// OperationError pairs a failure reason with its underlying cause.
type OperationError struct {
	Reason Reason
	Err    error
}

func (e *OperationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("sequence: %s", e.Reason)
	}
	return fmt.Sprintf("sequence: %s: %v", e.Reason, e.Err)
}

func (e *OperationError) Unwrap() error {
	return e.Err
}
