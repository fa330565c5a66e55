package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dfultonthebar/av-control-core/internal/infrastructure/config"
)

// commandQueueSize bounds the per-device command queue. Commands beyond
// this depth block the sender until the worker catches up.
const commandQueueSize = 16

// Manager owns one logical connection per device address.
//
// Each device gets a supervised worker goroutine that owns the transport,
// consumes the command queue in strict FIFO order, runs periodic health
// probes, and drives reconnection. Workers are cancelled as a unit when a
// device is evicted or the manager shuts down, so no timer or goroutine
// outlives its device.
//
// Thread Safety:
//   - All exported methods are safe for concurrent use.
//   - Concurrent Acquire calls for one address share a single dial.
type Manager struct {
	cfg    config.ConnectionsConfig
	dialer Dialer
	logger Logger
	alerts AlertSink
	health HealthRecorder
	policy Policy

	mu      sync.Mutex
	records map[string]*record
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Options carries the manager's optional collaborators. Zero values get
// safe defaults (TCP dialer, no-op logger/sinks).
type Options struct {
	Dialer Dialer
	Logger Logger
	Alerts AlertSink
	Health HealthRecorder
}

// New creates a Manager and starts its idle sweeper.
func New(cfg config.ConnectionsConfig, opts Options) *Manager {
	if opts.Dialer == nil {
		opts.Dialer = &TCPDialer{Timeout: cfg.ConnectTimeout()}
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	if opts.Alerts == nil {
		opts.Alerts = noopAlertSink{}
	}
	if opts.Health == nil {
		opts.Health = noopHealthRecorder{}
	}

	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		cfg:     cfg,
		dialer:  opts.Dialer,
		logger:  opts.Logger,
		alerts:  opts.Alerts,
		health:  opts.Health,
		policy:  PolicyFromConfig(cfg.Reconnect),
		records: make(map[string]*record),
		ctx:     ctx,
		cancel:  cancel,
	}

	m.wg.Add(1)
	go m.sweepLoop()

	return m
}

// Handle is a caller's reference to one device connection. Handles are
// cheap; the underlying transport is shared and owned by the worker.
type Handle struct {
	manager *Manager
	record  *record
}

// Address returns the device address this handle refers to.
func (h *Handle) Address() string {
	return h.record.address
}

// Acquire returns a handle for the device at address, dialing if needed.
//
// Concurrent callers for the same address share one in-flight dial; the
// call blocks until that dial resolves or ctx expires. A device in the
// Unreachable state fails immediately with ErrExhausted until Reset.
func (m *Manager) Acquire(ctx context.Context, address string) (*Handle, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	rec, ok := m.records[address]
	if !ok {
		rec = newRecord(address, commandQueueSize)
		m.records[address] = rec

		workerCtx, cancel := context.WithCancel(m.ctx)
		rec.cancel = cancel
		m.wg.Add(1)
		go m.runWorker(workerCtx, rec)
	}
	m.mu.Unlock()

	select {
	case <-rec.ready:
	case <-ctx.Done():
		return nil, fmt.Errorf("acquire %s: %w", address, ErrTimeout)
	}

	rec.mu.Lock()
	dialErr := rec.dialErr
	state := rec.state
	rec.mu.Unlock()

	if dialErr != nil {
		return nil, dialErr
	}
	if state == StateUnreachable {
		return nil, fmt.Errorf("%s: %w", address, ErrExhausted)
	}

	rec.touch()
	return &Handle{manager: m, record: rec}, nil
}

// Send acquires the device and issues one command through its queue.
func (m *Manager) Send(ctx context.Context, address string, payload []byte) ([]byte, error) {
	h, err := m.Acquire(ctx, address)
	if err != nil {
		return nil, err
	}
	defer m.Release(h)
	return h.Send(ctx, payload)
}

// Send queues a command for the device and waits for its reply.
//
// Commands to one device execute in strict FIFO order on the worker; a
// successful exchange resets the idle clock.
func (h *Handle) Send(ctx context.Context, payload []byte) ([]byte, error) {
	req := &commandRequest{
		ctx:     ctx,
		payload: payload,
		reply:   make(chan commandReply, 1),
	}

	select {
	case h.record.commands <- req:
	case <-h.record.done:
		return nil, fmt.Errorf("send %s: %w", h.record.address, ErrNotConnected)
	case <-ctx.Done():
		return nil, fmt.Errorf("send %s: %w", h.record.address, ErrTimeout)
	}

	select {
	case reply := <-req.reply:
		return reply.data, reply.err
	case <-h.record.done:
		// The worker may have answered just before exiting.
		select {
		case reply := <-req.reply:
			return reply.data, reply.err
		default:
		}
		return nil, fmt.Errorf("send %s: %w", h.record.address, ErrNotConnected)
	case <-ctx.Done():
		return nil, fmt.Errorf("send %s: %w", h.record.address, ctx.Err())
	}
}

// Release marks the handle's device idle. The connection stays open;
// only the idle sweeper evicts it.
func (m *Manager) Release(h *Handle) {
	if h == nil {
		return
	}
	h.record.touch()
}

// Status returns the current status of one device.
func (m *Manager) Status(address string) (Status, error) {
	m.mu.Lock()
	rec, ok := m.records[address]
	m.mu.Unlock()

	if !ok {
		return Status{}, fmt.Errorf("%s: %w", address, ErrUnknownDevice)
	}
	return rec.status(), nil
}

// Statuses returns the status of every tracked device.
func (m *Manager) Statuses() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Status, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec.status())
	}
	return out
}

// Reset removes a device's record and cancels its worker. This is the
// external trigger that clears the Unreachable state; the next Acquire
// starts a fresh Connecting cycle. Resetting an unknown address is a no-op.
func (m *Manager) Reset(address string) {
	m.mu.Lock()
	rec, ok := m.records[address]
	if ok {
		delete(m.records, address)
	}
	m.mu.Unlock()

	if ok {
		rec.cancel()
		m.logger.Info("device reset", "address", address)
	}
}

// Close shuts down all workers and the sweeper, closing every transport.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
	return nil
}

// remove drops a record from the registry (worker cleanup path).
func (m *Manager) remove(address string, rec *record) {
	m.mu.Lock()
	if current, ok := m.records[address]; ok && current == rec {
		delete(m.records, address)
	}
	m.mu.Unlock()
}

// runWorker is the supervised per-device goroutine. It owns the transport
// for its device exclusively: initial dial, FIFO command execution, health
// probes, and reconnection all happen here.
func (m *Manager) runWorker(ctx context.Context, rec *record) {
	defer m.wg.Done()
	defer func() {
		close(rec.done)
		m.drainCommands(rec)
	}()

	transport, err := m.initialDial(ctx, rec)
	if err != nil {
		rec.mu.Lock()
		rec.dialErr = err
		rec.state = StateDisconnected
		rec.mu.Unlock()
		m.remove(rec.address, rec)
		close(rec.ready)
		return
	}

	rec.setState(StateConnected)
	rec.markContact()
	close(rec.ready)
	m.logger.Info("device connected", "address", rec.address)

	defer func() {
		if transport != nil {
			transport.Close() //nolint:errcheck // Shutdown path
		}
	}()

	healthTicker := time.NewTicker(m.cfg.HealthInterval())
	defer healthTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case req := <-rec.commands:
			if transport == nil {
				req.reply <- commandReply{err: fmt.Errorf("%s: %w", rec.address, ErrExhausted)}
				continue
			}
			m.execute(rec, transport, req)

		case <-healthTicker.C:
			if transport == nil {
				continue
			}
			transport = m.checkHealth(ctx, rec, transport)
		}
	}
}

// initialDial establishes the first transport for a device, consuming up
// to MaxConnectAttempts dials. Authentication rejections abort immediately.
func (m *Manager) initialDial(ctx context.Context, rec *record) (Transport, error) {
	attempts := m.cfg.MaxConnectAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("dial %s: %w", rec.address, ErrTimeout)
			case <-time.After(m.policy.InitialDelay):
			}
		}

		dialCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout())
		t, err := m.dialer.Dial(dialCtx, rec.address)
		cancel()
		if err == nil {
			return t, nil
		}

		lastErr = err
		if errors.Is(err, ErrUnauthorized) {
			m.logger.Error("device rejected authentication", "address", rec.address)
			return nil, err
		}
		m.logger.Warn("dial failed", "address", rec.address, "attempt", i+1, "error", err)
	}

	return nil, lastErr
}

// execute runs one queued command against the transport.
func (m *Manager) execute(rec *record, transport Transport, req *commandRequest) {
	if err := req.ctx.Err(); err != nil {
		req.reply <- commandReply{err: err}
		return
	}

	data, err := transport.Send(req.ctx, req.payload)
	if err == nil {
		rec.markContact()
	}
	req.reply <- commandReply{data: data, err: err}
}

// checkHealth runs one probe cycle. A probe failure increments the
// consecutive-failure counter: reaching the threshold marks the device
// Degraded and raises an alert; failing past it triggers reconnection.
// Returns the (possibly replaced) transport, or nil once unreachable.
func (m *Manager) checkHealth(ctx context.Context, rec *record, transport Transport) Transport {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.HealthTimeout())
	start := time.Now()
	err := transport.Ping(probeCtx)
	latency := time.Since(start).Milliseconds()
	cancel()

	if err == nil {
		rec.mu.Lock()
		recovered := rec.state == StateDegraded
		rec.failures = 0
		rec.state = StateConnected
		rec.lastSeen = time.Now()
		rec.mu.Unlock()

		if recovered {
			m.logger.Info("device recovered", "address", rec.address)
			m.alerts.DeviceRecovered(rec.address)
		}
		m.health.RecordDeviceHealth(rec.address, string(StateConnected), latency)
		return transport
	}

	rec.mu.Lock()
	rec.failures++
	failures := rec.failures
	rec.mu.Unlock()

	m.logger.Warn("health probe failed",
		"address", rec.address,
		"consecutive_failures", failures,
		"error", err,
	)

	switch {
	case failures == m.cfg.FailureThreshold:
		rec.setState(StateDegraded)
		m.alerts.DeviceDegraded(rec.address, failures)
		m.health.RecordDeviceHealth(rec.address, string(StateDegraded), latency)
		return transport

	case failures > m.cfg.FailureThreshold:
		transport.Close() //nolint:errcheck // Replacing a failed transport
		return m.reconnect(ctx, rec)

	default:
		m.health.RecordDeviceHealth(rec.address, string(rec.getState()), latency)
		return transport
	}
}

// reconnect retries the device per the backoff policy. On success the
// attempt counter resets and the device returns to Connected; on
// exhaustion it is marked Unreachable (terminal until Reset) and a fatal
// alert is raised. Returns the new transport, or nil.
func (m *Manager) reconnect(ctx context.Context, rec *record) Transport {
	if !m.cfg.Reconnect.Enabled {
		m.markUnreachable(rec)
		return nil
	}

	rec.setState(StateReconnecting)
	m.logger.Info("reconnecting", "address", rec.address)

	for attempt := 0; m.policy.MaxAttempts == 0 || attempt < m.policy.MaxAttempts; attempt++ {
		rec.mu.Lock()
		rec.reconnectAttempts = attempt + 1
		rec.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(m.policy.Delay(attempt)):
		}

		dialCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout())
		t, err := m.dialer.Dial(dialCtx, rec.address)
		cancel()

		if err == nil {
			rec.mu.Lock()
			rec.state = StateConnected
			rec.failures = 0
			rec.reconnectAttempts = 0
			rec.lastSeen = time.Now()
			rec.mu.Unlock()

			m.logger.Info("device reconnected", "address", rec.address, "attempts", attempt+1)
			m.alerts.DeviceRecovered(rec.address)
			return t
		}

		if errors.Is(err, ErrUnauthorized) {
			m.logger.Error("device rejected authentication during reconnect", "address", rec.address)
			break
		}
		m.logger.Debug("reconnect attempt failed", "address", rec.address, "attempt", attempt+1, "error", err)
	}

	m.markUnreachable(rec)
	return nil
}

func (m *Manager) markUnreachable(rec *record) {
	rec.setState(StateUnreachable)
	m.logger.Error("device unreachable", "address", rec.address)
	m.alerts.DeviceUnreachable(rec.address)
	m.health.RecordDeviceHealth(rec.address, string(StateUnreachable), 0)
}

// drainCommands rejects any commands still queued when the worker exits.
func (m *Manager) drainCommands(rec *record) {
	for {
		select {
		case req := <-rec.commands:
			req.reply <- commandReply{err: fmt.Errorf("%s: %w", rec.address, ErrNotConnected)}
		default:
			return
		}
	}
}

// sweepLoop evicts records idle longer than the configured timeout. A
// subsequent Acquire for an evicted address simply re-establishes it.
func (m *Manager) sweepLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.SweepInterval())
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Manager) sweep() {
	now := time.Now()
	idleLimit := m.cfg.IdleTimeout()

	m.mu.Lock()
	var evicted []*record
	for addr, rec := range m.records {
		rec.mu.Lock()
		idle := now.Sub(rec.lastActivity) > idleLimit
		connecting := rec.state == StateConnecting
		rec.mu.Unlock()

		if idle && !connecting {
			delete(m.records, addr)
			evicted = append(evicted, rec)
		}
	}
	m.mu.Unlock()

	for _, rec := range evicted {
		rec.cancel()
		m.logger.Info("evicted idle connection", "address", rec.address)
	}
}
