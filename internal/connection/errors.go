package connection

import "errors"

// Sentinel errors for connection operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrRefused is returned when a device actively refuses the connection.
	ErrRefused = errors.New("connection: refused")

	// ErrTimeout is returned when a dial, command, or acquire wait exceeds
	// its deadline.
	ErrTimeout = errors.New("connection: timeout")

	// ErrUnauthorized is returned when a device rejects authentication.
	// Authentication failures are fatal for the device and never retried.
	ErrUnauthorized = errors.New("connection: unauthorized")

	// ErrExhausted is returned when all reconnection attempts have been
	// consumed and the device is unreachable until an external reset.
	ErrExhausted = errors.New("connection: attempts exhausted")

	// ErrNotConnected is returned when a command is issued against a device
	// with no live transport.
	ErrNotConnected = errors.New("connection: not connected")

	// ErrUnknownDevice is returned when querying a device the manager has
	// no record of.
	ErrUnknownDevice = errors.New("connection: unknown device")

	// ErrClosed is returned when the manager has been shut down.
	ErrClosed = errors.New("connection: manager closed")
)
