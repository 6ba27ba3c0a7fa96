package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/fastfstests/fastfstests/model"
)

// Options is the dispatcher policy block.
type Options struct {
	// TestTimeout is the per-test budget; 0 disables it.
	TestTimeout time.Duration
	// StartupTimeout bounds Supervisor.Start and Restart.
	StartupTimeout time.Duration
	// StopTimeout bounds Supervisor.Stop at shutdown.
	StopTimeout time.Duration
	// ProbeInterval is the liveness cadence; 0 disables probing.
	ProbeInterval time.Duration
	// MaxSupervisorRestarts caps how many supervisors a single item may
	// crash before it is finalized as errored.
	MaxSupervisorRestarts int
	// RetryFailures bounds retries of failed or timed-out tests.
	RetryFailures int
	// KeepAlive skips stopping supervisors after the drain, for manual
	// debugging.
	KeepAlive bool
	// GraceWindow is how long an in-flight attempt may keep running
	// after cancellation before it is aborted.
	GraceWindow time.Duration
}

const defaultGraceWindow = 10 * time.Second

// ResultStore persists attempts and final results. All methods must be
// safe for concurrent use; a store error is fatal to the run.
type ResultStore interface {
	// BeginAttempt creates and returns the directory for one attempt.
	BeginAttempt(id model.TestID, startedAt time.Time) (string, error)
	// WriteAttempt writes status, captures and metadata into dir.
	WriteAttempt(dir string, res model.TestResult, stdout, stderr []byte) error
	// FinalizeResult appends the authoritative result for a work item
	// to the run journal.
	FinalizeResult(res model.TestResult) error
}

// Observer receives dispatcher counters. Implementations must not
// block.
type Observer interface {
	TestStarted()
	TestFinished(status model.TestStatus, durationSeconds float64)
	TestRetried()
	SupervisorUp()
	SupervisorRestarted()
	SupervisorLost()
}

// Dispatcher drives N supervisors to drain a queue of work items.
type Dispatcher struct {
	logger zerolog.Logger
	opts   Options
	store  ResultStore // nil disables persistence
	sink   *Sink
	obs    Observer // nil disables counters

	queue     *workQueue
	total     int
	finalized atomic.Int64

	mu      sync.Mutex
	results []model.TestResult

	failErr atomic.Pointer[error]
	failRun context.CancelFunc
}

// New builds a dispatcher. store and obs may be nil.
func New(logger zerolog.Logger, opts Options, store ResultStore, sink *Sink, obs Observer) *Dispatcher {
	if opts.GraceWindow <= 0 {
		opts.GraceWindow = defaultGraceWindow
	}
	return &Dispatcher{
		logger: logger,
		opts:   opts,
		store:  store,
		sink:   sink,
		obs:    obs,
	}
}

// handle pairs a supervisor with its lifecycle state. The mutex is
// held for the whole of an attempt; the prober acquires it with
// TryLock so a busy supervisor is never probed.
type handle struct {
	sup    Supervisor
	state  stateVar
	mu     sync.Mutex
	cancel context.CancelFunc
}

// Run starts the pool, drains the queue and stops the pool. The items
// slice is consumed in order; the dispatcher does not re-sort it.
// Returned results are in completion order.
func (d *Dispatcher) Run(ctx context.Context, items []*WorkItem, supervisors []Supervisor) ([]model.TestResult, error) {
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	d.failRun = cancelRun

	d.total = len(items)
	d.queue = newWorkQueue(items)
	if d.total == 0 {
		d.queue.Close()
	}

	live := d.startAll(runCtx, supervisors)
	if len(live) == 0 {
		d.sink.Close()
		return nil, ErrNoSupervisors
	}

	var wg sync.WaitGroup
	for _, h := range live {
		wctx, cancel := context.WithCancel(runCtx)
		h.cancel = cancel
		wg.Add(1)
		go func(h *handle, wctx context.Context) {
			defer wg.Done()
			d.worker(wctx, h)
		}(h, wctx)
		if d.opts.ProbeInterval > 0 {
			wg.Add(1)
			go func(h *handle, wctx context.Context) {
				defer wg.Done()
				d.probeLoop(wctx, h)
			}(h, wctx)
		}
	}
	wg.Wait()

	cancelled := ctx.Err() != nil
	if cancelled {
		for _, it := range d.queue.drain() {
			d.sink.Post(Event{
				Type:      EventTestCancelled,
				TestID:    it.Test.Identity(),
				Iteration: it.Test.Iteration(),
			})
		}
	}

	var runErr error
	switch {
	case d.failErr.Load() != nil:
		runErr = *d.failErr.Load()
	case cancelled:
		runErr = ctx.Err()
	case d.finalized.Load() < int64(d.total):
		// Every worker died with work left in the queue.
		runErr = ErrNoSupervisors
	}

	if d.opts.KeepAlive {
		d.logger.Info().Msg("Keeping supervisors alive (stop skipped)")
	} else {
		d.stopAll(context.WithoutCancel(ctx), live)
	}

	d.mu.Lock()
	results := append([]model.TestResult(nil), d.results...)
	d.mu.Unlock()

	d.sink.Post(Event{Type: EventRunComplete, Results: results})
	d.sink.Close()
	return results, runErr
}

// fail records the first fatal error and aborts the run.
func (d *Dispatcher) fail(err error) {
	d.failErr.CompareAndSwap(nil, &err)
	d.failRun()
}

// startAll boots every supervisor concurrently. Supervisors that fail
// startup are dropped from the pool; the run proceeds with whatever
// came up.
func (d *Dispatcher) startAll(ctx context.Context, supervisors []Supervisor) []*handle {
	var (
		mu   sync.Mutex
		live []*handle
		wg   sync.WaitGroup
	)
	for _, sup := range supervisors {
		wg.Add(1)
		go func(sup Supervisor) {
			defer wg.Done()
			h := &handle{sup: sup}
			h.state.Store(StateStarting)

			sctx := ctx
			if d.opts.StartupTimeout > 0 {
				var cancel context.CancelFunc
				sctx, cancel = context.WithTimeout(ctx, d.opts.StartupTimeout)
				defer cancel()
			}
			if err := sup.Start(sctx); err != nil {
				d.logger.Warn().
					Err(err).
					Str("supervisor", sup.ID()).
					Msg("Supervisor failed to start, dropping from pool")
				h.state.Store(StateCrashed)
				return
			}
			h.state.Store(StateReady)
			d.sink.Post(Event{Type: EventSupervisorUp, SupervisorID: sup.ID()})
			if d.obs != nil {
				d.obs.SupervisorUp()
			}

			mu.Lock()
			live = append(live, h)
			mu.Unlock()
		}(sup)
	}
	wg.Wait()
	return live
}

func (d *Dispatcher) stopAll(ctx context.Context, live []*handle) {
	g := new(errgroup.Group)
	for _, h := range live {
		g.Go(func() error {
			h.state.Store(StateStopping)
			sctx := ctx
			if d.opts.StopTimeout > 0 {
				var cancel context.CancelFunc
				sctx, cancel = context.WithTimeout(ctx, d.opts.StopTimeout)
				defer cancel()
			}
			if err := h.sup.Stop(sctx); err != nil {
				d.logger.Warn().
					Err(err).
					Str("supervisor", h.sup.ID()).
					Msg("Supervisor failed to stop cleanly")
			}
			h.state.Store(StateStopped)
			return nil
		})
	}
	_ = g.Wait()
}

func (d *Dispatcher) worker(ctx context.Context, h *handle) {
	defer h.cancel()
	for {
		it := d.queue.Pop(ctx)
		if it == nil {
			return
		}
		if ctx.Err() != nil {
			// Popped during shutdown: put it back so it is reported
			// as cancelled.
			d.queue.PushFront(it)
			return
		}
		if !d.runAttempt(ctx, h, it) {
			return
		}
	}
}

// runAttempt executes one attempt of it on h's supervisor and routes
// the outcome through the retry, restart and finalize policies. It
// returns false when the supervisor is no longer usable and the worker
// must exit.
func (d *Dispatcher) runAttempt(ctx context.Context, h *handle, it *WorkItem) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state.Store(StateBusy)

	it.Attempts++
	attempt := it.Attempts
	id := it.Test.Identity()
	iter := it.Test.Iteration()

	d.sink.Post(Event{
		Type:         EventTestStarted,
		SupervisorID: h.sup.ID(),
		TestID:       id,
		Iteration:    iter,
		Attempt:      attempt,
	})
	if d.obs != nil {
		d.obs.TestStarted()
	}

	startedAt := time.Now()
	dir, scratch, err := d.attemptDir(id, startedAt)
	if err != nil {
		d.fail(fmt.Errorf("result store: %w", err))
		h.state.Store(StateReady)
		return false
	}
	if scratch {
		defer os.RemoveAll(dir)
	}

	var stdout, stderr captureBuffer
	tctx, cancelAttempt := d.attemptContext(ctx)
	status, runErr := h.sup.RunTest(tctx, it.Test, &stdout, &stderr)
	cancelAttempt()
	finishedAt := time.Now()

	if ctx.Err() != nil && (runErr != nil || !status.Terminal()) {
		// Shutdown interrupted the attempt; no result is recorded.
		d.sink.Post(Event{Type: EventTestCancelled, TestID: id, Iteration: iter})
		h.state.Store(StateReady)
		return false
	}

	crashed := runErr != nil && errors.Is(runErr, ErrTransport)
	diags := map[string]string{}
	switch {
	case crashed:
		status = model.StatusErrored
		diags["transport_error"] = runErr.Error()
	case runErr != nil:
		// Backend signaled an unusable test.
		d.logger.Warn().Err(runErr).Stringer("test", id).Msg("Backend error")
		status = model.StatusErrored
		diags["backend_error"] = runErr.Error()
	case !status.Terminal():
		status = model.StatusErrored
		diags["backend_error"] = "supervisor returned no status"
	}

	artifacts := d.collectArtifacts(ctx, h, it, dir, &status, diags)

	if len(diags) == 0 {
		diags = nil
	}
	res := model.TestResult{
		TestID:         id,
		IterationIndex: iter,
		Status:         status,
		StartedAt:      startedAt.UTC(),
		FinishedAt:     finishedAt.UTC(),
		DurationSecs:   finishedAt.Sub(startedAt).Seconds(),
		SupervisorID:   h.sup.ID(),
		AttemptIndex:   attempt,
		StdoutExcerpt:  excerpt(stdout.Bytes()),
		StderrExcerpt:  excerpt(stderr.Bytes()),
		Artifacts:      artifacts,
		Diagnostics:    diags,
	}

	if d.store != nil {
		if err := d.store.WriteAttempt(dir, res, stdout.Bytes(), stderr.Bytes()); err != nil {
			d.fail(fmt.Errorf("result store: %w", err))
			h.state.Store(StateReady)
			return false
		}
	}

	if crashed {
		return d.handleCrash(ctx, h, it, res)
	}

	switch res.Status {
	case model.StatusFailed, model.StatusTimedOut:
		if it.Attempts <= d.opts.RetryFailures {
			d.retry(it, res, false)
			h.state.Store(StateReady)
			return true
		}
	}

	d.finalize(it, res)
	h.state.Store(StateReady)
	return ctx.Err() == nil
}

// handleCrash accounts a supervisor kill to the item, isolates poison
// pills, and restarts the supervisor. h.mu is held by the caller.
func (d *Dispatcher) handleCrash(ctx context.Context, h *handle, it *WorkItem, res model.TestResult) bool {
	h.state.Store(StateCrashed)
	d.sink.Post(Event{Type: EventSupervisorDown, SupervisorID: h.sup.ID()})

	it.SupervisorKills++
	if it.SupervisorKills > d.opts.MaxSupervisorRestarts {
		d.logger.Warn().
			Stringer("test", res.TestID).
			Int("kills", it.SupervisorKills).
			Msg("Restart cap hit, isolating test")
		d.finalize(it, res)
	} else {
		// Back of the queue: let another supervisor try it first.
		d.retry(it, res, true)
	}

	if ctx.Err() != nil {
		return false
	}
	if err := d.restartSupervisor(ctx, h); err != nil {
		d.logger.Error().
			Err(err).
			Str("supervisor", h.sup.ID()).
			Msg("Supervisor restart failed, dropping from pool")
		if d.obs != nil {
			d.obs.SupervisorLost()
		}
		return false
	}
	return true
}

func (d *Dispatcher) restartSupervisor(ctx context.Context, h *handle) error {
	h.state.Store(StateStarting)
	rctx := ctx
	if d.opts.StartupTimeout > 0 {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(ctx, d.opts.StartupTimeout)
		defer cancel()
	}
	if err := h.sup.Restart(rctx); err != nil {
		h.state.Store(StateCrashed)
		return err
	}
	h.state.Store(StateReady)
	d.sink.Post(Event{Type: EventSupervisorRestarted, SupervisorID: h.sup.ID()})
	if d.obs != nil {
		d.obs.SupervisorRestarted()
	}
	return nil
}

// retry re-enqueues the item. A retried item goes to the front once so
// it is picked up promptly, then to the back; crash retries always go
// to the back.
func (d *Dispatcher) retry(it *WorkItem, res model.TestResult, toBack bool) {
	d.sink.Post(Event{
		Type:      EventTestRetried,
		TestID:    res.TestID,
		Iteration: res.IterationIndex,
		Attempt:   res.AttemptIndex,
	})
	if d.obs != nil {
		d.obs.TestRetried()
	}
	if !toBack && it.frontRequeues == 0 {
		it.frontRequeues++
		d.queue.PushFront(it)
		return
	}
	d.queue.PushBack(it)
}

// finalize records the authoritative result for the item. Exactly one
// result per work item reaches the run journal.
func (d *Dispatcher) finalize(it *WorkItem, res model.TestResult) {
	if d.store != nil {
		if err := d.store.FinalizeResult(res); err != nil {
			d.fail(fmt.Errorf("result store: %w", err))
			return
		}
	}

	d.mu.Lock()
	d.results = append(d.results, res)
	d.mu.Unlock()

	d.sink.Post(Event{
		Type:         EventTestFinished,
		SupervisorID: res.SupervisorID,
		TestID:       res.TestID,
		Iteration:    res.IterationIndex,
		Attempt:      res.AttemptIndex,
		Result:       &res,
	})
	if d.obs != nil {
		d.obs.TestFinished(res.Status, res.DurationSecs)
	}

	if d.finalized.Add(1) == int64(d.total) {
		d.queue.Close()
	}
}

func (d *Dispatcher) collectArtifacts(ctx context.Context, h *handle, it *WorkItem, dir string, status *model.TestStatus, diags map[string]string) []string {
	artDir := filepath.Join(dir, "artifacts")
	if err := os.MkdirAll(artDir, 0o755); err != nil {
		d.logger.Warn().Err(err).Msg("Failed to create artifact directory")
		return nil
	}

	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
	defer cancel()
	paths, err := h.sup.CollectArtifacts(actx, it.Test, artDir)
	if err != nil {
		d.logger.Warn().
			Err(err).
			Stringer("test", it.Test.Identity()).
			Msg("Artifact collection failed")
		// Never hide a real failure: only a pass is downgraded.
		if *status == model.StatusPassed {
			*status = model.StatusErrored
			diags["artifact_error"] = err.Error()
		}
		return nil
	}

	artifacts := make([]string, 0, len(paths))
	for _, p := range paths {
		artifacts = append(artifacts, filepath.Join("artifacts", p))
	}
	return artifacts
}

// attemptDir returns the directory for an attempt's captures and
// artifacts. Without a store a scratch directory is used and discarded.
func (d *Dispatcher) attemptDir(id model.TestID, startedAt time.Time) (dir string, scratch bool, err error) {
	if d.store != nil {
		dir, err = d.store.BeginAttempt(id, startedAt)
		return dir, false, err
	}
	dir, err = os.MkdirTemp("", "fastfstests-attempt-")
	return dir, true, err
}

// attemptContext bounds one attempt with the per-test timeout. On
// external cancellation the attempt keeps running for the grace window
// before it is aborted.
func (d *Dispatcher) attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	base := context.WithoutCancel(ctx)
	var tctx context.Context
	var cancel context.CancelFunc
	if d.opts.TestTimeout > 0 {
		tctx, cancel = context.WithTimeout(base, d.opts.TestTimeout)
	} else {
		tctx, cancel = context.WithCancel(base)
	}
	stop := context.AfterFunc(ctx, func() {
		time.AfterFunc(d.opts.GraceWindow, cancel)
	})
	return tctx, func() {
		stop()
		cancel()
	}
}

func (d *Dispatcher) probeLoop(ctx context.Context, h *handle) {
	ticker := time.NewTicker(d.opts.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		// A busy supervisor is never probed: the running test is the
		// liveness signal, and its timeout path handles hangs.
		if !h.mu.TryLock() {
			continue
		}
		if h.state.Load() != StateReady {
			h.mu.Unlock()
			continue
		}

		alive := d.probe(ctx, h)
		if alive {
			h.mu.Unlock()
			continue
		}

		h.state.Store(StateCrashed)
		d.sink.Post(Event{Type: EventSupervisorDown, SupervisorID: h.sup.ID()})
		err := d.restartSupervisor(ctx, h)
		h.mu.Unlock()
		if err != nil {
			d.logger.Error().
				Err(err).
				Str("supervisor", h.sup.ID()).
				Msg("Supervisor restart failed, dropping from pool")
			if d.obs != nil {
				d.obs.SupervisorLost()
			}
			h.cancel()
			return
		}
	}
}

const probeAttempts = 3

func (d *Dispatcher) probe(ctx context.Context, h *handle) bool {
	for attempt := 1; attempt <= probeAttempts; attempt++ {
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		ok := h.sup.Probe(pctx)
		cancel()
		if ok {
			return true
		}
		d.logger.Warn().
			Str("supervisor", h.sup.ID()).
			Int("attempt", attempt).
			Int("max", probeAttempts).
			Msg("Liveness probe failed")
		if attempt < probeAttempts {
			select {
			case <-ctx.Done():
				return false
			case <-time.After(time.Second):
			}
		}
	}
	return false
}
