package sequence

import (
	"context"
	"time"

	"github.com/dfultonthebar/av-control-core/internal/infrastructure/config"
)

// Operation kinds understood by the default descriptors.
const (
	KindChannelChange = "channel_change"
	KindInputSwap     = "input_swap"
	KindDiagnostic    = "diagnostic"
)

// Operation outcome statuses.
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Step names used in realized timing maps.
const (
	StepSnapshot      = "snapshot"
	StepRoute         = "route"
	StepRouteSettle   = "route_settle"
	StepProbe         = "probe"
	StepProbeSettle   = "probe_settle"
	StepRouteBack     = "route_back"
	StepRestoreSettle = "restore_settle"
)

// Descriptor defines one operation type: the utility input its probe
// needs, per-step timeouts, and settle delays. Settles are minimum
// bounds, never cut short, and independent of probe latency.
type Descriptor struct {
	Kind          string
	UtilityInput  int
	RouteTimeout  time.Duration
	ProbeTimeout  time.Duration
	RouteSettle   time.Duration
	ProbeSettle   time.Duration
	RestoreSettle time.Duration
	Cooldown      time.Duration
}

// DescriptorFromConfig builds the descriptor for an operation kind.
// defaultUtility is the matrix's configured utility input; per-kind
// overrides in the sequencer config take precedence.
func DescriptorFromConfig(kind string, cfg config.SequencerConfig, defaultUtility int) Descriptor {
	utility := defaultUtility
	if override, ok := cfg.UtilityOverrides[kind]; ok {
		utility = override
	}

	return Descriptor{
		Kind:          kind,
		UtilityInput:  utility,
		RouteTimeout:  cfg.RouteTimeout(),
		ProbeTimeout:  cfg.ProbeTimeout(),
		RouteSettle:   cfg.RouteSettle(),
		ProbeSettle:   cfg.ProbeSettle(),
		RestoreSettle: cfg.RestoreSettle(),
		Cooldown:      cfg.Cooldown(),
	}
}

// Result is the terminal outcome of one operation.
//
// DurationMS is the sum of realized step durations, which is what the
// timing discipline promises; wall-clock bounds are carried separately
// in StartedAt/FinishedAt.
type Result struct {
	ID            string           `json:"id"`
	Kind          string           `json:"kind"`
	Output        int              `json:"output"`
	Status        string           `json:"status"`
	Reason        Reason           `json:"reason,omitempty"`
	RolledBack    bool             `json:"rolled_back"`
	StaleSnapshot bool             `json:"stale_snapshot"`
	Data          map[string]any   `json:"data,omitempty"`
	StepTimings   map[string]int64 `json:"step_timings"`
	DurationMS    int64            `json:"duration_ms"`
	StartedAt     time.Time        `json:"started_at"`
	FinishedAt    time.Time        `json:"finished_at"`
}

// Event is emitted after each successful operation for asynchronous
// side work (telemetry, secondary lookups). Consumers must keep up;
// events are dropped rather than blocking the success path.
type Event struct {
	Kind       string
	Output     int
	Reason     Reason
	DurationMS int64
	Data       map[string]any
}

// Router is the matrix routing collaborator used by the snapshot, route,
// and route-back steps.
type Router interface {
	CurrentRoute(ctx context.Context, output int) (int, error)
	SetRoute(ctx context.Context, output, input int) error
}

// Adapter probes or commands the device reachable through the rerouted
// path. An empty result is a soft failure (ProbeFailed after rollback).
type Adapter interface {
	Probe(ctx context.Context, output int) (map[string]any, error)
}

// Repository durably stores operation results. RunBatch notifies it once
// per batch with the successful results, not once per item.
type Repository interface {
	SaveResults(ctx context.Context, results []Result) error
}

// AlertSink receives operation failure events for user-visible surfacing.
type AlertSink interface {
	OperationFailed(kind string, output int, reason Reason)
	RollbackFailed(kind string, output int)
}

// Logger is the minimal logging interface the runner needs.
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

func (noopAlertSink) OperationFailed(string, int, Reason) {}
func (noopAlertSink) RollbackFailed(string, int)          {}
