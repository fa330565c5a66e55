package connection

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"syscall"
	"time"
)

// Transport is a live, exclusive connection to one device.
//
// Implementations must be safe for sequential use by a single owner; the
// manager guarantees commands to one device never interleave.
type Transport interface {
	// Send writes a command payload and returns the device's reply.
	Send(ctx context.Context, payload []byte) ([]byte, error)

	// Ping performs a lightweight liveness probe.
	Ping(ctx context.Context) error

	// Close releases the underlying connection.
	Close() error
}

// Dialer establishes transports to device addresses.
type Dialer interface {
	Dial(ctx context.Context, address string) (Transport, error)
}

// defaultProbePayload is the liveness probe for line-protocol devices.
const defaultProbePayload = "PING"

// TCPDialer dials newline-delimited TCP devices (matrix switchers,
// displays, set-top control ports all speak a line protocol here).
//
// When AuthToken is set, an AUTH preamble is sent after connecting; any
// reply other than OK is an authentication rejection, which is fatal for
// the device and never retried.
type TCPDialer struct {
	// Timeout bounds each dial attempt.
	Timeout time.Duration

	// AuthToken, when non-empty, is sent as "AUTH <token>" after connect.
	AuthToken string
}

// Dial connects to a device and performs the optional auth preamble.
func (d *TCPDialer) Dial(ctx context.Context, address string) (Transport, error) {
	dialer := net.Dialer{Timeout: d.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, classifyNetError(address, err)
	}

	t := &tcpTransport{
		conn:   conn,
		reader: bufio.NewReader(conn),
	}

	if d.AuthToken != "" {
		reply, err := t.Send(ctx, []byte("AUTH "+d.AuthToken))
		if err != nil {
			t.Close() //nolint:errcheck // Best effort cleanup on error path
			return nil, fmt.Errorf("auth preamble to %s: %w", address, err)
		}
		if !strings.EqualFold(strings.TrimSpace(string(reply)), "OK") {
			t.Close() //nolint:errcheck // Best effort cleanup on error path
			return nil, fmt.Errorf("%s rejected credentials: %w", address, ErrUnauthorized)
		}
	}

	return t, nil
}

// tcpTransport is a newline-delimited request/reply transport over TCP.
type tcpTransport struct {
	conn   net.Conn
	reader *bufio.Reader
	mu     sync.Mutex
}

// Send writes payload followed by a newline and reads one reply line.
func (t *tcpTransport) Send(ctx context.Context, payload []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	if err := t.conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("setting deadline: %w", err)
	}

	if _, err := t.conn.Write(append(payload, '\n')); err != nil {
		return nil, classifyNetError(t.conn.RemoteAddr().String(), err)
	}

	line, err := t.reader.ReadString('\n')
	if err != nil {
		return nil, classifyNetError(t.conn.RemoteAddr().String(), err)
	}

	return []byte(strings.TrimRight(line, "\r\n")), nil
}

// Ping sends the liveness probe and discards the reply.
func (t *tcpTransport) Ping(ctx context.Context) error {
	_, err := t.Send(ctx, []byte(defaultProbePayload))
	return err
}

// Close closes the underlying TCP connection.
func (t *tcpTransport) Close() error {
	return t.conn.Close()
}

// classifyNetError maps network failures onto the package's error taxonomy
// so callers can branch with errors.Is instead of string matching.
func classifyNetError(address string, err error) error {
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return fmt.Errorf("%s: %w: %w", address, ErrRefused, err)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w: %w", address, ErrTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%s: %w: %w", address, ErrTimeout, err)
	}

	return fmt.Errorf("%s: %w", address, err)
}
