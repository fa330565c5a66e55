package connection

import (
	"context"
	"sync"
	"time"
)

// State is the lifecycle state of a device connection.
type State string

// Device lifecycle states.
//
// Disconnected -> Connecting -> Connected -> {Degraded -> Reconnecting |
// evicted} -> Reconnecting -> {Connected | Unreachable}. Unreachable is
// terminal until an explicit Reset.
const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDegraded     State = "degraded"
	StateReconnecting State = "reconnecting"
	StateUnreachable  State = "unreachable"
)

// Status is a point-in-time view of one device's connection.
type Status struct {
	Address           string    `json:"address"`
	State             State     `json:"state"`
	LastSeen          time.Time `json:"last_seen"`
	FailureCount      int       `json:"failure_count"`
	ReconnectAttempts int       `json:"reconnect_attempts"`
}

// AlertSink receives device health events for user-visible surfacing.
// Implementations must not block; delivery is best-effort.
type AlertSink interface {
	DeviceDegraded(address string, failures int)
	DeviceUnreachable(address string)
	DeviceRecovered(address string)
}

// HealthRecorder receives per-probe health observations for telemetry.
type HealthRecorder interface {
	RecordDeviceHealth(address string, state string, latencyMS int64)
}

// Logger is the minimal logging interface the manager needs.
// Compatible with logging.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

type noopAlertSink struct{}

func (noopAlertSink) DeviceDegraded(string, int) {}
func (noopAlertSink) DeviceUnreachable(string)   {}
func (noopAlertSink) DeviceRecovered(string)     {}

type noopHealthRecorder struct{}

func (noopHealthRecorder) RecordDeviceHealth(string, string, int64) {}

// commandRequest is one queued command for a device worker.
type commandRequest struct {
	ctx     context.Context
	payload []byte
	reply   chan commandReply
}

// commandReply carries the outcome of one executed command.
type commandReply struct {
	data []byte
	err  error
}

// record tracks one device's connection lifecycle. Mutable fields are
// guarded by mu; the transport itself is owned by the worker goroutine
// and never touched from outside it.
type record struct {
	address string

	mu                sync.Mutex
	state             State
	lastSeen          time.Time
	lastActivity      time.Time
	failures          int
	reconnectAttempts int
	dialErr           error

	// ready is closed once the initial dial resolves (success or failure).
	// Concurrent Acquire calls for the same address all wait on it, so a
	// single dial is shared.
	ready chan struct{}

	// done is closed when the worker exits.
	done chan struct{}

	commands chan *commandRequest
	cancel   func()
}

func newRecord(address string, queueSize int) *record {
	now := time.Now()
	return &record{
		address:      address,
		state:        StateConnecting,
		lastActivity: now,
		ready:        make(chan struct{}),
		done:         make(chan struct{}),
		commands:     make(chan *commandRequest, queueSize),
	}
}

func (r *record) getState() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *record) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// touch resets the idle clock.
func (r *record) touch() {
	r.mu.Lock()
	r.lastActivity = time.Now()
	r.mu.Unlock()
}

// markContact records a successful exchange with the device.
func (r *record) markContact() {
	now := time.Now()
	r.mu.Lock()
	r.lastSeen = now
	r.lastActivity = now
	r.mu.Unlock()
}

func (r *record) status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Status{
		Address:           r.address,
		State:             r.state,
		LastSeen:          r.lastSeen,
		FailureCount:      r.failures,
		ReconnectAttempts: r.reconnectAttempts,
	}
}
