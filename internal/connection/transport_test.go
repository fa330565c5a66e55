package connection

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"
)

// startLineServer runs a minimal newline-delimited device simulator.
// It answers AUTH per wantToken and echoes everything else prefixed "ACK ".
func startLineServer(t *testing.T, wantToken string) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() {
		ln.Close() //nolint:errcheck
	})

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close() //nolint:errcheck
				r := bufio.NewReader(c)
				for {
					line, err := r.ReadString('\n')
					if err != nil {
						return
					}
					line = strings.TrimRight(line, "\r\n")
					switch {
					case strings.HasPrefix(line, "AUTH "):
						if wantToken != "" && line == "AUTH "+wantToken {
							c.Write([]byte("OK\n")) //nolint:errcheck
						} else {
							c.Write([]byte("DENIED\n")) //nolint:errcheck
						}
					default:
						c.Write([]byte("ACK " + line + "\n")) //nolint:errcheck
					}
				}
			}(conn)
		}
	}()

	return ln.Addr().String()
}

func TestTCPTransportSendReceivesReply(t *testing.T) {
	addr := startLineServer(t, "")

	d := &TCPDialer{Timeout: time.Second}
	transport, err := d.Dial(context.Background(), addr)
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	defer transport.Close() //nolint:errcheck

	reply, err := transport.Send(context.Background(), []byte("POWER ON"))
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if got := string(reply); got != "ACK POWER ON" {
		t.Errorf("reply = %q, want %q", got, "ACK POWER ON")
	}
}

func TestTCPDialerAuthAccepted(t *testing.T) {
	addr := startLineServer(t, "secret")

	d := &TCPDialer{Timeout: time.Second, AuthToken: "secret"}
	transport, err := d.Dial(context.Background(), addr)
	if err != nil {
		t.Fatalf("Dial() with valid token: %v", err)
	}
	transport.Close() //nolint:errcheck
}

func TestTCPDialerAuthRejected(t *testing.T) {
	addr := startLineServer(t, "secret")

	d := &TCPDialer{Timeout: time.Second, AuthToken: "wrong"}
	_, err := d.Dial(context.Background(), addr)
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("Dial() with bad token = %v, want ErrUnauthorized", err)
	}
}

func TestTCPDialerRefused(t *testing.T) {
	// Grab a free port, then close the listener so the dial is refused.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close() //nolint:errcheck

	d := &TCPDialer{Timeout: time.Second}
	_, err = d.Dial(context.Background(), addr)
	if !errors.Is(err, ErrRefused) {
		t.Fatalf("Dial() to closed port = %v, want ErrRefused", err)
	}
}

func TestSendHonoursContextDeadline(t *testing.T) {
	// Server that never replies.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close() //nolint:errcheck
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			// Hold the connection open, read nothing back.
			go func(c net.Conn) {
				buf := make([]byte, 1024)
				for {
					if _, err := c.Read(buf); err != nil {
						c.Close() //nolint:errcheck
						return
					}
				}
			}(conn)
		}
	}()

	d := &TCPDialer{Timeout: time.Second}
	transport, err := d.Dial(context.Background(), ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	defer transport.Close() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = transport.Send(ctx, []byte("HELLO"))
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Send() with short deadline = %v, want ErrTimeout", err)
	}
}
