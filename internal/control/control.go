// Package control implements the routing and probe collaborators over
// the connection manager.
//
// The core never encodes vendor wire formats: the matrix switcher's
// command vocabulary comes from printf-style templates in configuration
// (route_template, query_template, probe_template), so swapping hardware
// brands is a config change, not a code change.
package control

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/dfultonthebar/av-control-core/internal/infrastructure/config"
)

// ErrCommandRejected is returned when a device answers with an error
// token instead of a normal reply.
var ErrCommandRejected = errors.New("control: command rejected")

// ErrBadReply is returned when a reply cannot be parsed.
var ErrBadReply = errors.New("control: unparseable reply")

// Commander issues one command to one device and returns its reply.
// connection.Manager satisfies this.
type Commander interface {
	Send(ctx context.Context, address string, payload []byte) ([]byte, error)
}

// Matrix drives the venue's matrix switcher. It implements the
// sequencer's Router interface.
type Matrix struct {
	cfg       config.MatrixConfig
	commander Commander
}

// NewMatrix creates a Matrix over a commander.
func NewMatrix(cfg config.MatrixConfig, commander Commander) *Matrix {
	return &Matrix{cfg: cfg, commander: commander}
}

// CurrentRoute queries which input the output is currently routed to.
func (m *Matrix) CurrentRoute(ctx context.Context, output int) (int, error) {
	cmd := fmt.Sprintf(m.cfg.QueryTemplate, output)
	reply, err := m.commander.Send(ctx, m.cfg.Address, []byte(cmd))
	if err != nil {
		return 0, fmt.Errorf("querying route for output %d: %w", output, err)
	}
	return parseRouteReply(reply)
}

// SetRoute routes the output to the given input.
func (m *Matrix) SetRoute(ctx context.Context, output, input int) error {
	cmd := fmt.Sprintf(m.cfg.RouteTemplate, output, input)
	reply, err := m.commander.Send(ctx, m.cfg.Address, []byte(cmd))
	if err != nil {
		return fmt.Errorf("routing output %d to input %d: %w", output, input, err)
	}
	if isRejection(reply) {
		return fmt.Errorf("routing output %d to input %d: %w: %s", output, input, ErrCommandRejected, reply)
	}
	return nil
}

// ProbeAdapter queries the device reachable through the rerouted utility
// path. It implements the sequencer's Adapter interface.
type ProbeAdapter struct {
	cfg       config.MatrixConfig
	commander Commander
}

// NewProbeAdapter creates a ProbeAdapter over a commander.
func NewProbeAdapter(cfg config.MatrixConfig, commander Commander) *ProbeAdapter {
	return &ProbeAdapter{cfg: cfg, commander: commander}
}

// Probe sends the identity request down the utility path and parses the
// reply into a data map. An empty reply yields an empty map, which the
// sequencer treats as a soft failure.
func (p *ProbeAdapter) Probe(ctx context.Context, output int) (map[string]any, error) {
	reply, err := p.commander.Send(ctx, p.cfg.Address, []byte(p.cfg.ProbeTemplate))
	if err != nil {
		return nil, fmt.Errorf("probing output %d: %w", output, err)
	}
	if isRejection(reply) {
		return nil, fmt.Errorf("probing output %d: %w: %s", output, ErrCommandRejected, reply)
	}
	return parseProbeReply(reply), nil
}

// parseRouteReply extracts the input number from a query reply. Devices
// answer variously ("3", "INPUT 3", "OUT 5 IN 3"); the last integer
// token is the routed input in every vocabulary seen so far.
func parseRouteReply(reply []byte) (int, error) {
	fields := strings.Fields(string(reply))
	for i := len(fields) - 1; i >= 0; i-- {
		if n, err := strconv.Atoi(fields[i]); err == nil {
			return n, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrBadReply, reply)
}

// parseProbeReply turns "key=value key=value" replies into a map. Replies
// without pairs are kept whole under "identity". A blank reply yields an
// empty map.
func parseProbeReply(reply []byte) map[string]any {
	text := strings.TrimSpace(string(reply))
	data := make(map[string]any)
	if text == "" {
		return data
	}

	for _, field := range strings.Fields(text) {
		if k, v, ok := strings.Cut(field, "="); ok && k != "" {
			data[k] = v
		}
	}
	if len(data) == 0 {
		data["identity"] = text
	}
	return data
}

// isRejection reports whether the device answered with an error token.
func isRejection(reply []byte) bool {
	token := strings.ToUpper(strings.TrimSpace(string(reply)))
	return strings.HasPrefix(token, "ERR") || strings.HasPrefix(token, "NAK")
}
