package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dfultonthebar/av-control-core/internal/infrastructure/config"
)

// fakeTransport is a scriptable in-memory transport.
type fakeTransport struct {
	mu      sync.Mutex
	sent    [][]byte
	pingErr error

	// inFlight detects interleaved Send calls, which would indicate the
	// per-device FIFO guarantee is broken.
	inFlight    int32
	interleaved atomic.Bool
	closed      atomic.Bool
}

func (t *fakeTransport) Send(_ context.Context, payload []byte) ([]byte, error) {
	if atomic.AddInt32(&t.inFlight, 1) > 1 {
		t.interleaved.Store(true)
	}
	defer atomic.AddInt32(&t.inFlight, -1)

	t.mu.Lock()
	t.sent = append(t.sent, append([]byte(nil), payload...))
	t.mu.Unlock()

	return []byte("OK"), nil
}

func (t *fakeTransport) Ping(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pingErr
}

func (t *fakeTransport) setPingErr(err error) {
	t.mu.Lock()
	t.pingErr = err
	t.mu.Unlock()
}

func (t *fakeTransport) sentPayloads() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.sent))
	for i, p := range t.sent {
		out[i] = string(p)
	}
	return out
}

func (t *fakeTransport) Close() error {
	t.closed.Store(true)
	return nil
}

// fakeDialer counts dials and returns scripted transports or errors.
type fakeDialer struct {
	mu        sync.Mutex
	dials     int
	delay     time.Duration
	err       error
	transport *fakeTransport
}

func (d *fakeDialer) Dial(ctx context.Context, _ string) (Transport, error) {
	d.mu.Lock()
	d.dials++
	delay := d.delay
	err := d.err
	transport := d.transport
	d.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if transport == nil {
		transport = &fakeTransport{}
	}
	return transport, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) setErr(err error) {
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()
}

// recordingSink captures alert events.
type recordingSink struct {
	mu          sync.Mutex
	degraded    []string
	unreachable []string
	recovered   []string
}

func (s *recordingSink) DeviceDegraded(address string, _ int) {
	s.mu.Lock()
	s.degraded = append(s.degraded, address)
	s.mu.Unlock()
}

func (s *recordingSink) DeviceUnreachable(address string) {
	s.mu.Lock()
	s.unreachable = append(s.unreachable, address)
	s.mu.Unlock()
}

func (s *recordingSink) DeviceRecovered(address string) {
	s.mu.Lock()
	s.recovered = append(s.recovered, address)
	s.mu.Unlock()
}

func (s *recordingSink) degradedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.degraded)
}

func (s *recordingSink) unreachableCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.unreachable)
}

func testConfig() config.ConnectionsConfig {
	return config.ConnectionsConfig{
		ConnectTimeoutMS:   1000,
		MaxConnectAttempts: 1,
		HealthIntervalMS:   60000, // effectively off unless a test lowers it
		HealthTimeoutMS:    100,
		FailureThreshold:   3,
		IdleTimeoutMS:      60000,
		SweepIntervalMS:    60000,
		Reconnect: config.ReconnectConfig{
			Enabled:        true,
			Strategy:       StrategyFixed,
			InitialDelayMS: 1,
			MaxDelayMS:     5,
			MaxAttempts:    2,
		},
	}
}

// waitFor polls cond until it is true or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, msg)
}

func TestAcquireSharesSingleDial(t *testing.T) {
	dialer := &fakeDialer{delay: 20 * time.Millisecond}
	m := New(testConfig(), Options{Dialer: dialer})
	defer m.Close()

	const callers = 10
	var wg sync.WaitGroup
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, errs[n] = m.Acquire(context.Background(), "10.0.0.1:23")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("caller %d: Acquire() error: %v", i, err)
		}
	}
	if got := dialer.dialCount(); got != 1 {
		t.Errorf("dial count = %d, want 1 (concurrent acquires must share the dial)", got)
	}
}

func TestCommandsExecuteInOrder(t *testing.T) {
	transport := &fakeTransport{}
	dialer := &fakeDialer{transport: transport}
	m := New(testConfig(), Options{Dialer: dialer})
	defer m.Close()

	h, err := m.Acquire(context.Background(), "10.0.0.1:23")
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}

	for i := 0; i < 10; i++ {
		payload := fmt.Sprintf("cmd-%d", i)
		if _, err := h.Send(context.Background(), []byte(payload)); err != nil {
			t.Fatalf("Send(%s) error: %v", payload, err)
		}
	}

	got := transport.sentPayloads()
	if len(got) != 10 {
		t.Fatalf("sent %d commands, want 10", len(got))
	}
	for i, payload := range got {
		if want := fmt.Sprintf("cmd-%d", i); payload != want {
			t.Errorf("command %d = %q, want %q", i, payload, want)
		}
	}
}

func TestConcurrentSendsNeverInterleave(t *testing.T) {
	transport := &fakeTransport{}
	dialer := &fakeDialer{transport: transport}
	m := New(testConfig(), Options{Dialer: dialer})
	defer m.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				payload := fmt.Sprintf("g%d-%d", n, j)
				if _, err := m.Send(context.Background(), "10.0.0.1:23", []byte(payload)); err != nil {
					t.Errorf("Send(%s) error: %v", payload, err)
					return
				}
			}
		}(i)
	}
	wg.Wait()

	if transport.interleaved.Load() {
		t.Error("transport observed interleaved Send calls; per-device FIFO broken")
	}
	if got := len(transport.sentPayloads()); got != 160 {
		t.Errorf("sent %d commands, want 160", got)
	}
}

func TestDegradedThenUnreachableThenReset(t *testing.T) {
	transport := &fakeTransport{}
	dialer := &fakeDialer{transport: transport}
	sink := &recordingSink{}

	cfg := testConfig()
	cfg.HealthIntervalMS = 10

	m := New(cfg, Options{Dialer: dialer, Alerts: sink})
	defer m.Close()

	addr := "10.0.0.2:23"
	if _, err := m.Acquire(context.Background(), addr); err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}

	// Probes start failing: threshold (3) consecutive failures -> Degraded.
	transport.setPingErr(errors.New("no reply"))
	waitFor(t, 2*time.Second, func() bool {
		return sink.degradedCount() > 0
	}, "device never went degraded")

	st, err := m.Status(addr)
	if err != nil {
		t.Fatalf("Status() error: %v", err)
	}
	if st.State != StateDegraded && st.State != StateReconnecting && st.State != StateUnreachable {
		t.Errorf("state after degraded alert = %s", st.State)
	}

	// Further failures trigger reconnection; the dialer now fails too, so
	// both attempts are consumed and the device goes Unreachable.
	dialer.setErr(errors.New("host down"))
	waitFor(t, 2*time.Second, func() bool {
		return sink.unreachableCount() > 0
	}, "device never went unreachable")

	if _, err := m.Acquire(context.Background(), addr); !errors.Is(err, ErrExhausted) {
		t.Errorf("Acquire() on unreachable device: got %v, want ErrExhausted", err)
	}

	// Reset clears the terminal state; the next Acquire dials fresh.
	dialer.setErr(nil)
	transport.setPingErr(nil)
	m.Reset(addr)

	before := dialer.dialCount()
	if _, err := m.Acquire(context.Background(), addr); err != nil {
		t.Fatalf("Acquire() after Reset: %v", err)
	}
	if dialer.dialCount() <= before {
		t.Error("Acquire after Reset should trigger a fresh dial")
	}

	st, err = m.Status(addr)
	if err != nil {
		t.Fatalf("Status() after Reset: %v", err)
	}
	if st.State != StateConnected {
		t.Errorf("state after Reset+Acquire = %s, want connected", st.State)
	}
}

func TestAuthRejectionNotRetried(t *testing.T) {
	dialer := &fakeDialer{err: fmt.Errorf("device: %w", ErrUnauthorized)}

	cfg := testConfig()
	cfg.MaxConnectAttempts = 3

	m := New(cfg, Options{Dialer: dialer})
	defer m.Close()

	_, err := m.Acquire(context.Background(), "10.0.0.3:23")
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("Acquire() = %v, want ErrUnauthorized", err)
	}
	if got := dialer.dialCount(); got != 1 {
		t.Errorf("dial count = %d, want 1 (auth rejection must not be retried)", got)
	}
}

func TestDialFailureRemovesRecord(t *testing.T) {
	dialer := &fakeDialer{err: fmt.Errorf("10.0.0.4:23: %w", ErrRefused)}
	m := New(testConfig(), Options{Dialer: dialer})
	defer m.Close()

	_, err := m.Acquire(context.Background(), "10.0.0.4:23")
	if !errors.Is(err, ErrRefused) {
		t.Fatalf("Acquire() = %v, want ErrRefused", err)
	}

	// Failed dial leaves no record; status query reports unknown.
	if _, err := m.Status("10.0.0.4:23"); !errors.Is(err, ErrUnknownDevice) {
		t.Errorf("Status() after failed dial = %v, want ErrUnknownDevice", err)
	}

	// A retry dials again.
	dialer.setErr(nil)
	if _, err := m.Acquire(context.Background(), "10.0.0.4:23"); err != nil {
		t.Fatalf("Acquire() retry error: %v", err)
	}
	if got := dialer.dialCount(); got != 2 {
		t.Errorf("dial count = %d, want 2", got)
	}
}

func TestIdleEviction(t *testing.T) {
	transport := &fakeTransport{}
	dialer := &fakeDialer{transport: transport}

	cfg := testConfig()
	cfg.IdleTimeoutMS = 20
	cfg.SweepIntervalMS = 10

	m := New(cfg, Options{Dialer: dialer})
	defer m.Close()

	addr := "10.0.0.5:23"
	h, err := m.Acquire(context.Background(), addr)
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	m.Release(h)

	waitFor(t, 2*time.Second, func() bool {
		_, err := m.Status(addr)
		return errors.Is(err, ErrUnknownDevice)
	}, "idle connection never evicted")

	if !transport.closed.Load() {
		t.Error("evicted connection's transport should be closed")
	}

	// Re-acquire triggers a fresh Connecting cycle.
	before := dialer.dialCount()
	if _, err := m.Acquire(context.Background(), addr); err != nil {
		t.Fatalf("Acquire() after eviction: %v", err)
	}
	if dialer.dialCount() != before+1 {
		t.Error("Acquire after eviction should dial fresh")
	}
}

func TestAcquireAfterClose(t *testing.T) {
	m := New(testConfig(), Options{Dialer: &fakeDialer{}})
	if err := m.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	if _, err := m.Acquire(context.Background(), "10.0.0.6:23"); !errors.Is(err, ErrClosed) {
		t.Errorf("Acquire() after Close = %v, want ErrClosed", err)
	}
}

func TestStatusesListsAllDevices(t *testing.T) {
	dialer := &fakeDialer{}
	m := New(testConfig(), Options{Dialer: dialer})
	defer m.Close()

	for _, addr := range []string{"10.0.1.1:23", "10.0.1.2:23", "10.0.1.3:23"} {
		if _, err := m.Acquire(context.Background(), addr); err != nil {
			t.Fatalf("Acquire(%s) error: %v", addr, err)
		}
	}

	statuses := m.Statuses()
	if len(statuses) != 3 {
		t.Fatalf("Statuses() returned %d entries, want 3", len(statuses))
	}
	for _, st := range statuses {
		if st.State != StateConnected {
			t.Errorf("%s state = %s, want connected", st.Address, st.State)
		}
	}
}
