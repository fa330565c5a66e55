package sequence

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dfultonthebar/av-control-core/internal/infrastructure/config"
)

// fakeRouter is an in-memory matrix: routes maps output -> input.
type fakeRouter struct {
	mu       sync.Mutex
	routes   map[int]int
	queryErr error
	setErr   func(output, input int) error
}

func newFakeRouter(routes map[int]int) *fakeRouter {
	if routes == nil {
		routes = make(map[int]int)
	}
	return &fakeRouter{routes: routes}
}

func (f *fakeRouter) CurrentRoute(_ context.Context, output int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.queryErr != nil {
		return 0, f.queryErr
	}
	return f.routes[output], nil
}

func (f *fakeRouter) SetRoute(_ context.Context, output, input int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setErr != nil {
		if err := f.setErr(output, input); err != nil {
			return err
		}
	}
	f.routes[output] = input
	return nil
}

func (f *fakeRouter) route(output int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.routes[output]
}

func (f *fakeRouter) setQueryErr(err error) {
	f.mu.Lock()
	f.queryErr = err
	f.mu.Unlock()
}

// fakeAdapter answers probes via a pluggable function.
type fakeAdapter struct {
	probe func(ctx context.Context, output int) (map[string]any, error)
}

func (f *fakeAdapter) Probe(ctx context.Context, output int) (map[string]any, error) {
	return f.probe(ctx, output)
}

func staticProbe(context.Context, int) (map[string]any, error) {
	return map[string]any{"model": "STB-400", "serial": "A1B2"}, nil
}

// fakeRepo records SaveResults calls.
type fakeRepo struct {
	mu    sync.Mutex
	calls [][]Result
}

func (f *fakeRepo) SaveResults(_ context.Context, results []Result) error {
	f.mu.Lock()
	f.calls = append(f.calls, results)
	f.mu.Unlock()
	return nil
}

// recordingOpSink records operation alerts.
type recordingOpSink struct {
	mu             sync.Mutex
	failed         []Reason
	rollbackFailed int
}

func (s *recordingOpSink) OperationFailed(_ string, _ int, reason Reason) {
	s.mu.Lock()
	s.failed = append(s.failed, reason)
	s.mu.Unlock()
}

func (s *recordingOpSink) RollbackFailed(string, int) {
	s.mu.Lock()
	s.rollbackFailed++
	s.mu.Unlock()
}

func testSeqConfig() config.SequencerConfig {
	return config.SequencerConfig{
		RouteTimeoutMS:  200,
		ProbeTimeoutMS:  100,
		RouteSettleMS:   1,
		ProbeSettleMS:   1,
		RestoreSettleMS: 1,
		CooldownMS:      1,
	}
}

func newTestRunner(router Router, adapter Adapter, deps Deps) *Runner {
	deps.Router = router
	deps.Adapter = adapter
	if deps.DefaultUtility == 0 {
		deps.DefaultUtility = 20
	}
	return New(testSeqConfig(), deps)
}

func TestRunSuccessCapturesProbeData(t *testing.T) {
	router := newFakeRouter(map[int]int{5: 3})
	adapter := &fakeAdapter{probe: staticProbe}
	r := newTestRunner(router, adapter, Deps{})

	res := r.Run(context.Background(), KindChannelChange, 5)

	if res.Status != StatusSucceeded {
		t.Fatalf("status = %s (%s), want succeeded", res.Status, res.Reason)
	}
	if res.Data["model"] != "STB-400" {
		t.Errorf("probe data not captured: %v", res.Data)
	}
	if !res.RolledBack {
		t.Error("successful operation must still restore the route")
	}
	if got := router.route(5); got != 3 {
		t.Errorf("route after operation = %d, want 3 (restored)", got)
	}
	for _, step := range []string{StepSnapshot, StepRoute, StepRouteSettle, StepProbe, StepProbeSettle, StepRouteBack, StepRestoreSettle} {
		if _, ok := res.StepTimings[step]; !ok {
			t.Errorf("missing realized timing for step %s", step)
		}
	}
}

func TestEmptyProbeRollsBackAndReportsProbeFailed(t *testing.T) {
	// Output 5 currently routed to input 3; utility input is 20.
	router := newFakeRouter(map[int]int{5: 3})
	adapter := &fakeAdapter{
		probe: func(context.Context, int) (map[string]any, error) {
			return map[string]any{}, nil
		},
	}
	sink := &recordingOpSink{}
	r := newTestRunner(router, adapter, Deps{Alerts: sink})

	res := r.Run(context.Background(), KindDiagnostic, 5)

	if res.Status != StatusFailed || res.Reason != ReasonProbeFailed {
		t.Fatalf("result = %s/%s, want failed/probe_failed", res.Status, res.Reason)
	}
	if !res.RolledBack {
		t.Error("probe failure must still roll back")
	}
	if got := router.route(5); got != 3 {
		t.Errorf("route after failed probe = %d, want 3 (restored)", got)
	}
	if len(sink.failed) != 1 || sink.failed[0] != ReasonProbeFailed {
		t.Errorf("alert sink saw %v, want one probe_failed", sink.failed)
	}
}

func TestRouteFailureAbortsWithoutRollback(t *testing.T) {
	router := newFakeRouter(map[int]int{5: 3})
	router.setErr = func(output, input int) error {
		return errors.New("matrix rejected command")
	}
	adapter := &fakeAdapter{probe: staticProbe}
	r := newTestRunner(router, adapter, Deps{})

	res := r.Run(context.Background(), KindInputSwap, 5)

	if res.Status != StatusFailed || res.Reason != ReasonRouteFailed {
		t.Fatalf("result = %s/%s, want failed/route_failed", res.Status, res.Reason)
	}
	if res.RolledBack {
		t.Error("nothing was routed, so nothing should report rolled back")
	}
	if _, ok := res.StepTimings[StepRouteBack]; ok {
		t.Error("route-back must not run when the initial route failed")
	}
}

func TestProbeTimeoutReportsHandshakeTimeout(t *testing.T) {
	router := newFakeRouter(map[int]int{5: 3})
	adapter := &fakeAdapter{
		probe: func(ctx context.Context, _ int) (map[string]any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	r := newTestRunner(router, adapter, Deps{})

	res := r.Run(context.Background(), KindChannelChange, 5)

	if res.Status != StatusFailed || res.Reason != ReasonHandshakeTimeout {
		t.Fatalf("result = %s/%s, want failed/handshake_timeout", res.Status, res.Reason)
	}
	if got := router.route(5); got != 3 {
		t.Errorf("route after timeout = %d, want 3 (restored)", got)
	}
}

func TestStaleSnapshotRestoresLastKnownRoute(t *testing.T) {
	router := newFakeRouter(map[int]int{5: 3})
	adapter := &fakeAdapter{probe: staticProbe}
	r := newTestRunner(router, adapter, Deps{})

	// A successful pass records output 5 -> input 3 as last known.
	if res := r.Run(context.Background(), KindDiagnostic, 5); res.Status != StatusSucceeded {
		t.Fatalf("seed run failed: %s/%s", res.Status, res.Reason)
	}

	// Snapshot now fails, but routing still works.
	router.setQueryErr(errors.New("upstream query error"))

	res := r.Run(context.Background(), KindDiagnostic, 5)

	if res.Status != StatusSucceeded {
		t.Fatalf("status = %s (%s), want degraded success", res.Status, res.Reason)
	}
	if res.Reason != ReasonRolledBackStaleSnapshot {
		t.Errorf("reason = %s, want rolled_back_with_stale_snapshot", res.Reason)
	}
	if !res.StaleSnapshot {
		t.Error("result must be flagged as stale-snapshot")
	}
	if got := router.route(5); got != 3 {
		t.Errorf("route after stale restore = %d, want 3", got)
	}
}

func TestNoSnapshotAndNoHistoryFailsRollback(t *testing.T) {
	router := newFakeRouter(nil)
	router.setQueryErr(errors.New("query error"))
	adapter := &fakeAdapter{probe: staticProbe}
	sink := &recordingOpSink{}
	r := newTestRunner(router, adapter, Deps{Alerts: sink})

	res := r.Run(context.Background(), KindDiagnostic, 7)

	if res.Status != StatusFailed || res.Reason != ReasonRollbackFailed {
		t.Fatalf("result = %s/%s, want failed/rollback_failed", res.Status, res.Reason)
	}
	sink.mu.Lock()
	rollbackAlerts := sink.rollbackFailed
	sink.mu.Unlock()
	if rollbackAlerts != 1 {
		t.Errorf("rollback alerts = %d, want 1", rollbackAlerts)
	}
}

func TestRollbackFailureEscalates(t *testing.T) {
	router := newFakeRouter(map[int]int{5: 3})
	var setCalls int32
	router.setErr = func(output, input int) error {
		// First SetRoute (to utility) succeeds; the restore fails.
		if atomic.AddInt32(&setCalls, 1) > 1 {
			return errors.New("matrix wedged")
		}
		return nil
	}
	adapter := &fakeAdapter{probe: staticProbe}
	sink := &recordingOpSink{}
	r := newTestRunner(router, adapter, Deps{Alerts: sink})

	res := r.Run(context.Background(), KindChannelChange, 5)

	if res.Status != StatusFailed || res.Reason != ReasonRollbackFailed {
		t.Fatalf("result = %s/%s, want failed/rollback_failed", res.Status, res.Reason)
	}
	if res.RolledBack {
		t.Error("rollback failed, result must not claim rolled back")
	}
	sink.mu.Lock()
	rollbackAlerts := sink.rollbackFailed
	sink.mu.Unlock()
	if rollbackAlerts != 1 {
		t.Errorf("rollback alerts = %d, want 1", rollbackAlerts)
	}
}

func TestOperationsSerialize(t *testing.T) {
	router := newFakeRouter(map[int]int{1: 1, 2: 2, 3: 3, 4: 4})

	var active, maxActive int32
	adapter := &fakeAdapter{
		probe: func(context.Context, int) (map[string]any, error) {
			n := atomic.AddInt32(&active, 1)
			for {
				seen := atomic.LoadInt32(&maxActive)
				if n <= seen || atomic.CompareAndSwapInt32(&maxActive, seen, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&active, -1)
			return map[string]any{"ok": true}, nil
		},
	}
	r := newTestRunner(router, adapter, Deps{})

	var wg sync.WaitGroup
	for output := 1; output <= 4; output++ {
		wg.Add(1)
		go func(out int) {
			defer wg.Done()
			if res := r.Run(context.Background(), KindDiagnostic, out); res.Status != StatusSucceeded {
				t.Errorf("output %d: %s/%s", out, res.Status, res.Reason)
			}
		}(output)
	}
	wg.Wait()

	if got := atomic.LoadInt32(&maxActive); got != 1 {
		t.Errorf("max concurrent probes = %d, want 1 (bus operations must serialize)", got)
	}
}

func TestQueuedCallerCancelsAtZeroCost(t *testing.T) {
	router := newFakeRouter(map[int]int{1: 1})
	release := make(chan struct{})
	adapter := &fakeAdapter{
		probe: func(ctx context.Context, _ int) (map[string]any, error) {
			select {
			case <-release:
			case <-ctx.Done():
			}
			return map[string]any{"ok": true}, nil
		},
	}
	r := newTestRunner(router, adapter, Deps{})

	started := make(chan struct{})
	go func() {
		close(started)
		r.Run(context.Background(), KindDiagnostic, 1)
	}()
	<-started
	time.Sleep(10 * time.Millisecond) // let the first op take the bus

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	begin := time.Now()
	res := r.Run(ctx, KindDiagnostic, 2)
	elapsed := time.Since(begin)

	if res.Status != StatusCancelled {
		t.Errorf("queued cancel status = %s, want cancelled", res.Status)
	}
	if elapsed > 100*time.Millisecond {
		t.Errorf("queued cancel took %v, should be immediate", elapsed)
	}

	close(release)
}

func TestCancelInFlightStillRollsBack(t *testing.T) {
	router := newFakeRouter(map[int]int{5: 3})
	probing := make(chan struct{})
	adapter := &fakeAdapter{
		probe: func(ctx context.Context, _ int) (map[string]any, error) {
			close(probing)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	r := newTestRunner(router, adapter, Deps{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Result, 1)
	go func() {
		done <- r.Run(ctx, KindChannelChange, 5)
	}()

	<-probing
	cancel()
	res := <-done

	if res.Status != StatusCancelled {
		t.Errorf("status = %s, want cancelled", res.Status)
	}
	if !res.RolledBack {
		t.Error("cancelled operation must still roll back")
	}
	if got := router.route(5); got != 3 {
		t.Errorf("route after cancel = %d, want 3 (restored)", got)
	}
}

func TestRunBatchKeepsOrderAndReportsMiddleFailure(t *testing.T) {
	router := newFakeRouter(map[int]int{1: 11, 2: 12, 3: 13})
	adapter := &fakeAdapter{
		probe: func(ctx context.Context, output int) (map[string]any, error) {
			if output == 2 {
				<-ctx.Done() // handshake never completes
				return nil, ctx.Err()
			}
			return map[string]any{"output": output}, nil
		},
	}
	repo := &fakeRepo{}
	r := newTestRunner(router, adapter, Deps{Repository: repo})

	results := r.RunBatch(context.Background(), KindDiagnostic, []int{1, 2, 3})

	if len(results) != 3 {
		t.Fatalf("batch returned %d results, want 3", len(results))
	}
	for i, want := range []int{1, 2, 3} {
		if results[i].Output != want {
			t.Errorf("result %d is for output %d, want %d (order must be preserved)", i, results[i].Output, want)
		}
	}
	if results[0].Status != StatusSucceeded || results[2].Status != StatusSucceeded {
		t.Error("outer operations should succeed")
	}
	if results[1].Status != StatusFailed || results[1].Reason != ReasonHandshakeTimeout {
		t.Errorf("middle result = %s/%s, want failed/handshake_timeout", results[1].Status, results[1].Reason)
	}

	// Persistence: one notification carrying only the two successes.
	repo.mu.Lock()
	defer repo.mu.Unlock()
	if len(repo.calls) != 1 {
		t.Fatalf("repository notified %d times, want once per batch", len(repo.calls))
	}
	if len(repo.calls[0]) != 2 {
		t.Errorf("persisted %d results, want 2 successes", len(repo.calls[0]))
	}
}

func TestSuccessEmitsEvent(t *testing.T) {
	router := newFakeRouter(map[int]int{5: 3})
	adapter := &fakeAdapter{probe: staticProbe}
	r := newTestRunner(router, adapter, Deps{})

	res := r.Run(context.Background(), KindChannelChange, 5)
	if res.Status != StatusSucceeded {
		t.Fatalf("run failed: %s/%s", res.Status, res.Reason)
	}

	select {
	case ev := <-r.Events():
		if ev.Kind != KindChannelChange || ev.Output != 5 {
			t.Errorf("event = %+v", ev)
		}
	default:
		t.Error("no event emitted after successful operation")
	}
}
