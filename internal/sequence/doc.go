// Package sequence executes multi-step hardware operations against the
// shared signal bus.
//
// A venue's matrix switcher is one physical resource: discovering a
// set-top box, swapping an input, or running diagnostics all require
// rerouting an output to a utility input, waiting for physical settling,
// probing the device, and restoring the prior route. The Runner enforces
// the three guarantees those sequences need:
//
//   - Mutual exclusion: exactly one operation runs at a time system-wide,
//     including its rollback and cooldown. Queued callers can cancel at
//     zero cost before admission.
//   - Timing discipline: per-step timeouts and minimum settle delays come
//     from the operation's Descriptor; settles are never cut short.
//   - Guaranteed restoration: once the route has changed, the state
//     machine always passes back through route-back — on success, probe
//     failure, timeout, or cancellation. If the pre-operation snapshot
//     could not be captured, restoration falls back to the last known
//     route and the result is reported as a degraded success.
//
// Results carry typed reasons (RouteFailed, HandshakeTimeout,
// ProbeFailed, RollbackFailed, RolledBackWithStaleSnapshot) plus realized
// per-step timings. RollbackFailed additionally raises a high-priority
// alert: the bus may be in an inconsistent state and an operator must
// look at it.
package sequence
