package sequence

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dfultonthebar/av-control-core/internal/connection"
	"github.com/dfultonthebar/av-control-core/internal/infrastructure/config"
)

// eventQueueSize bounds the post-success event channel. When the consumer
// falls behind, events are dropped rather than blocking the bus.
const eventQueueSize = 64

// Runner executes multi-step operations against the shared signal bus
// with mutual exclusion, timing discipline, and guaranteed restoration.
//
// Exactly one operation runs at a time system-wide: the bus is one
// physical resource, so operations for different outputs still serialize.
// Admission is a capacity-1 channel rather than a mutex so that queued
// callers can cancel at zero cost before they are admitted.
//
// Once an operation has changed the route, it always passes back through
// the route-back step — on probe failure, timeout, or cancellation — so
// rollback is a structural property of the state machine, not a
// try/finally convention.
type Runner struct {
	cfg            config.SequencerConfig
	router         Router
	adapter        Adapter
	repo           Repository
	alerts         AlertSink
	logger         Logger
	defaultUtility int

	// admission is the bus lock. Held through rollback and cooldown, so
	// the next operation cannot start while the bus is still settling.
	admission chan struct{}

	events chan Event

	// lastKnown remembers the most recent confirmed route per output,
	// the fallback target when a snapshot could not be captured.
	lastMu    sync.Mutex
	lastKnown map[int]int
}

// Deps carries the runner's collaborators. Router and Adapter are
// required; the rest default to no-ops.
type Deps struct {
	Router         Router
	Adapter        Adapter
	Repository     Repository
	Alerts         AlertSink
	Logger         Logger
	DefaultUtility int
}

// New creates a Runner.
func New(cfg config.SequencerConfig, deps Deps) *Runner {
	if deps.Logger == nil {
		deps.Logger = noopLogger{}
	}
	if deps.Alerts == nil {
		deps.Alerts = noopAlertSink{}
	}

	return &Runner{
		cfg:            cfg,
		router:         deps.Router,
		adapter:        deps.Adapter,
		repo:           deps.Repository,
		alerts:         deps.Alerts,
		logger:         deps.Logger,
		defaultUtility: deps.DefaultUtility,
		admission:      make(chan struct{}, 1),
		events:         make(chan Event, eventQueueSize),
	}
}

// Events returns the post-success event stream. Consume it from a
// dedicated goroutine; events are dropped when the buffer is full.
func (r *Runner) Events() <-chan Event {
	return r.events
}

// Run executes one operation of the given kind against output.
//
// A caller still queued for admission can cancel at zero cost. Once the
// operation is in flight, cancellation is honored only after the
// mandatory rollback completes — the bus is never left mid-reroute.
func (r *Runner) Run(ctx context.Context, kind string, output int) Result {
	desc := DescriptorFromConfig(kind, r.cfg, r.defaultUtility)

	select {
	case r.admission <- struct{}{}:
	case <-ctx.Done():
		return Result{
			ID:          uuid.New().String(),
			Kind:        kind,
			Output:      output,
			Status:      StatusCancelled,
			StepTimings: map[string]int64{},
			StartedAt:   time.Now().UTC(),
			FinishedAt:  time.Now().UTC(),
		}
	}
	defer func() { <-r.admission }()

	result := r.execute(ctx, desc, output)

	// Cooldown is held inside the admission slot so the next queued
	// operation cannot dequeue before the bus has settled.
	time.Sleep(desc.Cooldown)

	if result.Status == StatusSucceeded {
		r.emit(Event{
			Kind:       result.Kind,
			Output:     result.Output,
			Reason:     result.Reason,
			DurationMS: result.DurationMS,
			Data:       result.Data,
		})
	}
	return result
}

// RunBatch runs the operations strictly sequentially, preserving
// submission order even across failures. The repository is notified once
// with the batch's successful results to reduce write amplification.
func (r *Runner) RunBatch(ctx context.Context, kind string, outputs []int) []Result {
	results := make([]Result, 0, len(outputs))
	var successes []Result

	for _, output := range outputs {
		res := r.Run(ctx, kind, output)
		results = append(results, res)
		if res.Status == StatusSucceeded {
			successes = append(successes, res)
		}
	}

	if len(successes) > 0 && r.repo != nil {
		// Persistence must survive caller cancellation; the work is done.
		saveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.repo.SaveResults(saveCtx, successes); err != nil {
			r.logger.Error("persisting batch results failed",
				"kind", kind,
				"count", len(successes),
				"error", err,
			)
		}
	}

	return results
}

// step is a named state in the operation state machine.
type step int

const (
	stepSnapshot step = iota
	stepRoute
	stepRouteSettle
	stepProbe
	stepProbeSettle
	stepRouteBack
	stepRestoreSettle
	stepDone
)

// session is the in-flight state of one bus operation.
type session struct {
	desc   Descriptor
	output int

	snapshot   int
	snapshotOK bool
	routed     bool
	rolledBack bool

	data    map[string]any
	timings map[string]int64

	reason Reason
	cause  error
}

func (s *session) fail(reason Reason, cause error) {
	// First failure wins, except rollback failure, which always escalates.
	if s.reason == "" || reason == ReasonRollbackFailed {
		s.reason = reason
		s.cause = cause
	}
}

// execute drives the state machine: Snapshot -> Route -> Settle -> Probe
// -> Settle -> RouteBack -> Settle. Every exit path after a successful
// Route passes through RouteBack.
func (r *Runner) execute(ctx context.Context, desc Descriptor, output int) Result {
	sess := &session{
		desc:    desc,
		output:  output,
		timings: make(map[string]int64),
	}
	startedAt := time.Now().UTC()

	state := stepSnapshot
	for state != stepDone {
		switch state {
		case stepSnapshot:
			r.doSnapshot(ctx, sess)
			state = stepRoute

		case stepRoute:
			if r.doRoute(ctx, sess) {
				state = stepRouteSettle
			} else {
				// Nothing changed yet; abort with no rollback.
				state = stepDone
			}

		case stepRouteSettle:
			r.settle(sess, StepRouteSettle, desc.RouteSettle)
			state = stepProbe

		case stepProbe:
			r.doProbe(ctx, sess)
			state = stepProbeSettle

		case stepProbeSettle:
			r.settle(sess, StepProbeSettle, desc.ProbeSettle)
			state = stepRouteBack

		case stepRouteBack:
			r.doRouteBack(ctx, sess)
			state = stepRestoreSettle

		case stepRestoreSettle:
			r.settle(sess, StepRestoreSettle, desc.RestoreSettle)
			state = stepDone
		}
	}

	return r.finish(ctx, sess, startedAt)
}

// doSnapshot captures the current route for the output. Failure here is
// tolerated: the operation proceeds and route-back falls back to the
// last known configuration.
func (r *Runner) doSnapshot(ctx context.Context, sess *session) {
	start := time.Now()
	sctx, cancel := context.WithTimeout(ctx, sess.desc.RouteTimeout)
	input, err := r.router.CurrentRoute(sctx, sess.output)
	cancel()
	sess.timings[StepSnapshot] = time.Since(start).Milliseconds()

	if err != nil {
		r.logger.Warn("snapshot failed, will restore from last known route",
			"output", sess.output,
			"error", err,
		)
		return
	}

	sess.snapshot = input
	sess.snapshotOK = true
	r.rememberRoute(sess.output, input)
}

// doRoute switches the output to the operation's utility input. Returns
// false on failure, which aborts the operation with nothing to undo.
func (r *Runner) doRoute(ctx context.Context, sess *session) bool {
	start := time.Now()
	rctx, cancel := context.WithTimeout(ctx, sess.desc.RouteTimeout)
	err := r.router.SetRoute(rctx, sess.output, sess.desc.UtilityInput)
	cancel()
	sess.timings[StepRoute] = time.Since(start).Milliseconds()

	if err != nil {
		sess.fail(ReasonRouteFailed, err)
		return false
	}
	sess.routed = true
	return true
}

// doProbe invokes the command adapter through the rerouted path. Probe
// timeouts map to HandshakeTimeout; errors and empty results are soft
// ProbeFailed outcomes. Either way the machine proceeds to rollback.
func (r *Runner) doProbe(ctx context.Context, sess *session) {
	start := time.Now()
	pctx, cancel := context.WithTimeout(ctx, sess.desc.ProbeTimeout)
	data, err := r.adapter.Probe(pctx, sess.output)
	cancel()
	sess.timings[StepProbe] = time.Since(start).Milliseconds()

	switch {
	case err != nil && isTimeout(err):
		sess.fail(ReasonHandshakeTimeout, err)
	case err != nil:
		sess.fail(ReasonProbeFailed, err)
	case len(data) == 0:
		sess.fail(ReasonProbeFailed, errEmptyProbe)
	default:
		sess.data = data
	}
}

// doRouteBack restores the pre-operation route. This step runs whenever
// Route succeeded, regardless of what happened since. If the caller's
// context is already cancelled, a fresh one is used: rollback must not
// be skippable by cancellation.
func (r *Runner) doRouteBack(ctx context.Context, sess *session) {
	target := sess.snapshot
	if !sess.snapshotOK {
		known, ok := r.lastKnownRoute(sess.output)
		if !ok {
			sess.fail(ReasonRollbackFailed, errors.New("sequence: no snapshot and no last known route"))
			r.logger.Error("cannot restore route: no known prior configuration",
				"output", sess.output,
			)
			return
		}
		target = known
	}

	parent := ctx
	if parent.Err() != nil {
		parent = context.Background()
	}

	start := time.Now()
	rctx, cancel := context.WithTimeout(parent, sess.desc.RouteTimeout)
	err := r.router.SetRoute(rctx, sess.output, target)
	cancel()
	sess.timings[StepRouteBack] = time.Since(start).Milliseconds()

	if err != nil {
		sess.fail(ReasonRollbackFailed, err)
		return
	}

	sess.rolledBack = true
	r.rememberRoute(sess.output, target)
}

// settle enforces a minimum bound between physical state changes. Settles
// are not cancellable early.
func (r *Runner) settle(sess *session, name string, d time.Duration) {
	start := time.Now()
	time.Sleep(d)
	sess.timings[name] = time.Since(start).Milliseconds()
}

// finish assembles the terminal Result and raises failure alerts.
func (r *Runner) finish(ctx context.Context, sess *session, startedAt time.Time) Result {
	var total int64
	for _, ms := range sess.timings {
		total += ms
	}

	result := Result{
		ID:            uuid.New().String(),
		Kind:          sess.desc.Kind,
		Output:        sess.output,
		RolledBack:    sess.rolledBack,
		StaleSnapshot: sess.routed && !sess.snapshotOK,
		Data:          sess.data,
		StepTimings:   sess.timings,
		DurationMS:    total,
		StartedAt:     startedAt,
		FinishedAt:    time.Now().UTC(),
	}

	switch {
	case sess.reason == "":
		result.Status = StatusSucceeded
		if sess.routed && !sess.snapshotOK {
			// Degraded success: restored, but from a possibly stale route.
			result.Reason = ReasonRolledBackStaleSnapshot
		}

	case errors.Is(sess.cause, context.Canceled) && ctx.Err() != nil:
		result.Status = StatusCancelled
		result.Reason = sess.reason

	default:
		result.Status = StatusFailed
		result.Reason = sess.reason
	}

	if result.Status == StatusFailed {
		r.logger.Warn("operation failed",
			"kind", result.Kind,
			"output", result.Output,
			"reason", result.Reason,
			"rolled_back", result.RolledBack,
			"error", sess.cause,
		)
		if result.Reason == ReasonRollbackFailed {
			r.alerts.RollbackFailed(result.Kind, result.Output)
		} else {
			r.alerts.OperationFailed(result.Kind, result.Output, result.Reason)
		}
	} else {
		r.logger.Info("operation finished",
			"kind", result.Kind,
			"output", result.Output,
			"status", result.Status,
			"duration_ms", result.DurationMS,
		)
	}

	return result
}

// emit publishes a post-success event without blocking.
func (r *Runner) emit(ev Event) {
	select {
	case r.events <- ev:
	default:
		r.logger.Debug("event queue full, dropping event",
			"kind", ev.Kind,
			"output", ev.Output,
		)
	}
}

func (r *Runner) rememberRoute(output, input int) {
	r.lastMu.Lock()
	if r.lastKnown == nil {
		r.lastKnown = make(map[int]int)
	}
	r.lastKnown[output] = input
	r.lastMu.Unlock()
}

func (r *Runner) lastKnownRoute(output int) (int, bool) {
	r.lastMu.Lock()
	defer r.lastMu.Unlock()
	input, ok := r.lastKnown[output]
	return input, ok
}

// isTimeout reports whether err is a deadline-class failure.
func isTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, connection.ErrTimeout)
}
