package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/roach88/paysettle/internal/retry"
	"github.com/roach88/paysettle/internal/store"
	"github.com/roach88/paysettle/internal/workflow"
)

// WorkflowFunc is the deterministic body of a workflow. It is re-run from
// the top for every generation and on every replay.
type WorkflowFunc func(ctx workflow.Context, input json.RawMessage) error

// ActivityFunc is a side-effecting unit of work. Its result is JSON-encoded
// into the history. Errors are retried per the schedule's policy unless
// marked with retry.Permanent.
type ActivityFunc func(ctx context.Context, input json.RawMessage) (any, error)

// DefaultWorkers bounds concurrently executing activities per engine.
const DefaultWorkers = 16

// Engine is the durable execution substrate.
//
// Thread-safety model:
//   - Register*: call before Start/Drive, not concurrently with them
//   - Start, Drive, Resume, Status, History: safe from any goroutine
//   - a given instance is driven by at most one goroutine of this process
type Engine struct {
	store      *store.Store
	workflows  map[string]WorkflowFunc
	activities map[string]ActivityFunc

	workers  int64
	sem      *semaphore.Weighted
	sleep    retry.SleepFunc
	now      func() time.Time
	logger   *slog.Logger
	observer Observer

	mu     sync.Mutex
	active map[string]struct{}
}

// Option configures an Engine.
type Option func(*Engine)

// WithWorkers sets the number of activities that may execute at once.
// Default: 16 (DefaultWorkers).
func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = int64(n)
		}
	}
}

// WithSleeper replaces the backoff sleep. Tests use it to observe delays
// without waiting.
func WithSleeper(sleep retry.SleepFunc) Option {
	return func(e *Engine) {
		e.sleep = sleep
	}
}

// WithClock sets the wall clock used for run timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithObserver installs an Observer (metrics).
func WithObserver(o Observer) Option {
	return func(e *Engine) {
		e.observer = o
	}
}

// New creates an Engine over the given store.
func New(s *store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:      s,
		workflows:  make(map[string]WorkflowFunc),
		activities: make(map[string]ActivityFunc),
		workers:    DefaultWorkers,
		sleep:      retry.Sleep,
		now:        time.Now,
		logger:     slog.Default(),
		observer:   NopObserver{},
		active:     make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.sem = semaphore.NewWeighted(e.workers)
	return e
}

// RegisterWorkflow registers a workflow under name.
func (e *Engine) RegisterWorkflow(name string, fn WorkflowFunc) {
	e.workflows[name] = fn
}

// RegisterActivity registers an activity under name.
func (e *Engine) RegisterActivity(name string, fn ActivityFunc) {
	e.activities[name] = fn
}

// HasWorkflow reports whether name is registered.
func (e *Engine) HasWorkflow(name string) bool {
	_, ok := e.workflows[name]
	return ok
}

// Start creates a run of workflowName for instanceID with the given input.
//
// If the instance is Running, Start returns a *DuplicateInstanceError
// (matching ErrInstanceRunning) and changes nothing. A finished instance is
// restarted from generation 0 with its history discarded. Start does not
// execute the run; call Drive.
func (e *Engine) Start(ctx context.Context, workflowName, instanceID string, input any) (store.Run, error) {
	if _, ok := e.workflows[workflowName]; !ok {
		return store.Run{}, fmt.Errorf("start %s: %w: %s", instanceID, ErrUnknownWorkflow, workflowName)
	}
	if instanceID == "" {
		return store.Run{}, errors.New("start: instance id must not be empty")
	}

	raw, err := json.Marshal(input)
	if err != nil {
		return store.Run{}, fmt.Errorf("start %s: marshal input: %w", instanceID, err)
	}

	created, err := e.store.CreateRun(ctx, store.Run{
		InstanceID: instanceID,
		Workflow:   workflowName,
		Phase:      string(workflow.PhaseCalculating),
		Input:      raw,
	}, e.now())
	if err != nil {
		return store.Run{}, err
	}
	if !created {
		return store.Run{}, &DuplicateInstanceError{InstanceID: instanceID}
	}

	e.logger.Info("run started", "instance", instanceID, "workflow", workflowName)
	return e.store.GetRun(ctx, instanceID)
}

// Drive executes the run until it reaches a terminal status.
//
// Each generation re-runs the workflow function from the top against the
// generation's recorded history; completed activities resolve from history
// and everything else is dispatched to the worker pool. ContinueAsNew
// advances the generation atomically and the loop goes on.
//
// A run whose workflow fails is marked Failed and Drive returns RunFailed
// with the failure. If ctx is cancelled or the store fails, the run stays
// Running and can be driven again later.
func (e *Engine) Drive(ctx context.Context, instanceID string) (store.RunStatus, error) {
	if !e.acquire(instanceID) {
		return "", fmt.Errorf("drive %s: %w", instanceID, ErrInstanceBusy)
	}
	defer e.release(instanceID)

	for {
		run, err := e.store.GetRun(ctx, instanceID)
		if err != nil {
			return "", fmt.Errorf("drive %s: %w", instanceID, err)
		}
		if run.Status.Terminal() {
			return run.Status, nil
		}

		fn, ok := e.workflows[run.Workflow]
		if !ok {
			return run.Status, fmt.Errorf("drive %s: %w: %s", instanceID, ErrUnknownWorkflow, run.Workflow)
		}

		history, err := e.store.ReadGeneration(ctx, instanceID, run.Generation)
		if err != nil {
			return run.Status, fmt.Errorf("drive %s: %w", instanceID, err)
		}

		e.observer.GenerationStarted(instanceID, run.Generation)
		e.logger.Debug("generation started",
			"instance", instanceID,
			"generation", run.Generation,
			"recorded", len(history))

		rc := newRunContext(ctx, e, run, history)
		wfErr := fn(rc, run.Input)
		rc.wait()

		if err := rc.substrateErr(); err != nil {
			return store.RunRunning, fmt.Errorf("drive %s: %w", instanceID, err)
		}
		if ctx.Err() != nil {
			return store.RunRunning, fmt.Errorf("drive %s: %w", instanceID, ctx.Err())
		}

		// A divergence from history fails the run whatever the workflow
		// returned.
		if err := rc.nondeterminism(); err != nil {
			wfErr = err
		}

		var cont *continueAsNew
		if errors.As(wfErr, &cont) {
			if err := e.store.ContinueRun(ctx, instanceID, run.Generation, cont.input, rc.currentPhase(), e.now()); err != nil {
				return store.RunRunning, fmt.Errorf("drive %s: %w", instanceID, err)
			}
			e.logger.Debug("continued as new", "instance", instanceID, "generation", run.Generation+1)
			continue
		}

		return e.finish(ctx, run, wfErr)
	}
}

func (e *Engine) finish(ctx context.Context, run store.Run, wfErr error) (store.RunStatus, error) {
	status, phase, msg := store.RunDone, string(workflow.PhaseDone), ""
	if wfErr != nil {
		status, phase, msg = store.RunFailed, string(workflow.PhaseFailed), wfErr.Error()
	}

	if err := e.store.FinishRun(ctx, run.InstanceID, status, phase, msg, e.now()); err != nil {
		return store.RunRunning, fmt.Errorf("drive %s: %w", run.InstanceID, err)
	}
	e.observer.RunFinished(run.InstanceID, status)

	if wfErr != nil {
		e.logger.Error("run failed",
			"instance", run.InstanceID,
			"generation", run.Generation,
			"error", wfErr)
		return status, fmt.Errorf("run %s failed: %w", run.InstanceID, wfErr)
	}
	e.logger.Info("run completed", "instance", run.InstanceID, "generations", run.Generation+1)
	return status, nil
}

// ResumeResult is the outcome of driving one run during Resume.
type ResumeResult struct {
	InstanceID string          `json:"instance_id"`
	Status     store.RunStatus `json:"status"`
	Error      string          `json:"error,omitempty"`
}

// Resume drives every Running run to completion, concurrently. It is the
// crash-recovery entry point: each run replays its current generation and
// continues from where it stopped.
//
// A run that fails is reported in its result; only substrate errors
// (store, cancellation) are returned as the error.
func (e *Engine) Resume(ctx context.Context) ([]ResumeResult, error) {
	runs, err := e.store.ListRuns(ctx, store.RunRunning)
	if err != nil {
		return nil, fmt.Errorf("resume: %w", err)
	}

	results := make([]ResumeResult, len(runs))
	var g errgroup.Group
	g.SetLimit(int(e.workers))
	for i, run := range runs {
		g.Go(func() error {
			status, err := e.Drive(ctx, run.InstanceID)
			results[i] = ResumeResult{InstanceID: run.InstanceID, Status: status}
			if err == nil {
				return nil
			}
			results[i].Error = err.Error()
			if status == store.RunFailed || errors.Is(err, ErrInstanceBusy) {
				return nil
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return results, fmt.Errorf("resume: %w", err)
	}
	return results, nil
}

// Status returns the run record of an instance.
func (e *Engine) Status(ctx context.Context, instanceID string) (store.Run, error) {
	return e.store.GetRun(ctx, instanceID)
}

// History returns the run and the recorded history of its current
// generation.
func (e *Engine) History(ctx context.Context, instanceID string) (store.Run, []store.HistoryEntry, error) {
	run, err := e.store.GetRun(ctx, instanceID)
	if err != nil {
		return store.Run{}, nil, err
	}
	entries, err := e.store.ReadGeneration(ctx, instanceID, run.Generation)
	if err != nil {
		return store.Run{}, nil, err
	}
	return run, entries, nil
}

func (e *Engine) acquire(instanceID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.active[instanceID]; busy {
		return false
	}
	e.active[instanceID] = struct{}{}
	return true
}

func (e *Engine) release(instanceID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.active, instanceID)
}
