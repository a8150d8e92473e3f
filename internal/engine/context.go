package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/paysettle/internal/ident"
	"github.com/roach88/paysettle/internal/retry"
	"github.com/roach88/paysettle/internal/store"
	"github.com/roach88/paysettle/internal/workflow"
)

// runContext implements workflow.Context for one generation of one run.
//
// Scheduling happens on the workflow goroutine; activities run on worker
// goroutines and resolve their futures after the outcome is persisted.
type runContext struct {
	ctx     context.Context
	engine  *Engine
	run     store.Run
	clock   *Clock
	history map[int64]store.HistoryEntry
	logger  *slog.Logger

	wg sync.WaitGroup

	mu     sync.Mutex
	phase  workflow.Phase
	substr error
	nondet error
}

var _ workflow.Context = (*runContext)(nil)

func newRunContext(ctx context.Context, e *Engine, run store.Run, entries []store.HistoryEntry) *runContext {
	history := make(map[int64]store.HistoryEntry, len(entries))
	for _, entry := range entries {
		history[entry.Invocation.Seq] = entry
	}
	logger := e.logger.With("instance", run.InstanceID, "generation", run.Generation)
	return &runContext{
		ctx:     ctx,
		engine:  e,
		run:     run,
		clock:   NewClock(),
		history: history,
		logger:  logger,
		phase:   workflow.Phase(run.Phase),
	}
}

func (rc *runContext) InstanceID() string { return rc.run.InstanceID }
func (rc *runContext) Generation() int64 { return rc.run.Generation }
func (rc *runContext) Logger() *slog.Logger { return rc.logger }
func (rc *runContext) wait() { rc.wg.Wait() }

// ScheduleWithRetry resolves the activity from history when its completion
// is recorded, and dispatches it to a worker otherwise.
func (rc *runContext) ScheduleWithRetry(activity string, input any, policy retry.Policy) workflow.Future {
	seq := rc.clock.Next()

	raw, err := json.Marshal(input)
	if err != nil {
		return resolved(nil, &ActivityError{Activity: activity, Seq: seq, Err: fmt.Errorf("marshal input: %w", err)})
	}
	hash, err := ident.InputHash(raw)
	if err != nil {
		return resolved(nil, &ActivityError{Activity: activity, Seq: seq, Err: err})
	}

	inv := store.ActivityInvocation{
		InstanceID: rc.run.InstanceID,
		Generation: rc.run.Generation,
		Seq:        seq,
		Activity:   activity,
		Input:      raw,
		InputHash:  hash,
	}

	if entry, ok := rc.history[seq]; ok {
		if err := rc.checkDeterminism(entry.Invocation, inv); err != nil {
			return resolved(nil, err)
		}
		if entry.Completion != nil {
			return fromCompletion(entry.Invocation, *entry.Completion)
		}
		return rc.dispatch(entry.Invocation, policy)
	}

	inv.ID, err = ident.InvocationID(inv.InstanceID, inv.Generation, seq, activity, raw)
	if err != nil {
		return resolved(nil, rc.fail(err))
	}
	recorded, inserted, err := rc.engine.store.RecordInvocation(rc.ctx, inv)
	if err != nil {
		return resolved(nil, rc.fail(err))
	}
	if !inserted {
		if err := rc.checkDeterminism(recorded, inv); err != nil {
			return resolved(nil, err)
		}
	}
	return rc.dispatch(recorded, policy)
}

func (rc *runContext) checkDeterminism(recorded, scheduled store.ActivityInvocation) error {
	if recorded.Activity == scheduled.Activity && recorded.InputHash == scheduled.InputHash {
		return nil
	}
	err := &NonDeterminismError{
		InstanceID: rc.run.InstanceID,
		Generation: rc.run.Generation,
		Seq:        scheduled.Seq,
		Recorded:   fmt.Sprintf("%s(%s)", recorded.Activity, recorded.Input),
		Scheduled:  fmt.Sprintf("%s(%s)", scheduled.Activity, scheduled.Input),
	}
	rc.mu.Lock()
	if rc.nondet == nil {
		rc.nondet = err
	}
	rc.mu.Unlock()
	return err
}

// nondeterminism returns the first divergence from history, if any.
func (rc *runContext) nondeterminism() error {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.nondet
}

// dispatch runs the invocation on a worker under the retry policy, persists
// the outcome and resolves the future.
func (rc *runContext) dispatch(inv store.ActivityInvocation, policy retry.Policy) workflow.Future {
	f := newFuture()
	rc.wg.Add(1)
	go func() {
		defer rc.wg.Done()
		output, err := rc.execute(inv, policy)
		f.resolve(output, err)
	}()
	return f
}

func (rc *runContext) execute(inv store.ActivityInvocation, policy retry.Policy) (json.RawMessage, error) {
	e := rc.engine
	if err := e.sem.Acquire(rc.ctx, 1); err != nil {
		return nil, err
	}
	defer e.sem.Release(1)

	fn, ok := e.activities[inv.Activity]
	if !ok {
		fn = func(context.Context, json.RawMessage) (any, error) {
			return nil, retry.Permanent(fmt.Errorf("activity %q is not registered", inv.Activity))
		}
	}

	start := time.Now()
	var output json.RawMessage
	attempts, err := retry.Do(rc.ctx, policy, e.sleep, func(ctx context.Context, attempt int) error {
		e.observer.ActivityAttempt(inv.Activity, attempt)
		out, err := fn(ctx, inv.Input)
		if err != nil {
			rc.logger.Warn("activity attempt failed",
				"activity", inv.Activity,
				"seq", inv.Seq,
				"attempt", attempt,
				"error", err)
			return err
		}
		output, err = json.Marshal(out)
		if err != nil {
			return retry.Permanent(fmt.Errorf("marshal output: %w", err))
		}
		return nil
	})
	elapsed := time.Since(start)

	// Interrupted: nothing is recorded, the next drive re-executes.
	if rc.ctx.Err() != nil {
		return nil, rc.ctx.Err()
	}

	comp := store.ActivityCompletion{
		InvocationID: inv.ID,
		Outcome:      store.OutcomeCompleted,
		Output:       output,
		Attempts:     attempts,
	}
	if err != nil {
		comp.Outcome = store.OutcomeFailed
		comp.Output = nil
		comp.Error = err.Error()
	}
	comp.ID, _ = ident.CompletionID(inv.ID, comp.Outcome)

	if recErr := e.store.RecordCompletion(rc.ctx, comp); recErr != nil {
		return nil, rc.fail(recErr)
	}
	e.observer.ActivityFinished(inv.Activity, comp.Outcome, attempts, elapsed)

	if err != nil {
		return nil, &ActivityError{Activity: inv.Activity, Seq: inv.Seq, Attempts: attempts, Err: err}
	}
	return output, nil
}

// AwaitAll waits for every future and returns the first failure in
// scheduling order.
func (rc *runContext) AwaitAll(futures []workflow.Future) error {
	var first error
	for _, f := range futures {
		if err := f.Get(nil); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// ContinueAsNew returns the error the workflow must return to end the
// generation. The driver applies the continuation.
func (rc *runContext) ContinueAsNew(input any) error {
	raw, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("continue as new: marshal input: %w", err)
	}
	return &continueAsNew{input: raw}
}

// SetPhase records phase on the run.
func (rc *runContext) SetPhase(phase workflow.Phase) error {
	rc.mu.Lock()
	unchanged := rc.phase == phase
	rc.phase = phase
	rc.mu.Unlock()
	if unchanged {
		return nil
	}
	if err := rc.engine.store.SetRunPhase(rc.ctx, rc.run.InstanceID, string(phase), rc.engine.now()); err != nil {
		return rc.fail(err)
	}
	return nil
}

func (rc *runContext) currentPhase() string {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return string(rc.phase)
}

// fail records a substrate error. Substrate errors leave the run Running.
func (rc *runContext) fail(err error) error {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.substr == nil {
		rc.substr = err
	}
	return err
}

func (rc *runContext) substrateErr() error {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.substr
}

// future is resolved exactly once.
type future struct {
	done   chan struct{}
	output json.RawMessage
	err    error
}

func newFuture() *future {
	return &future{done: make(chan struct{})}
}

func resolved(output json.RawMessage, err error) *future {
	f := newFuture()
	f.resolve(output, err)
	return f
}

func fromCompletion(inv store.ActivityInvocation, comp store.ActivityCompletion) *future {
	if comp.Outcome == store.OutcomeCompleted {
		return resolved(comp.Output, nil)
	}
	return resolved(nil, &ActivityError{
		Activity: inv.Activity,
		Seq:      inv.Seq,
		Attempts: comp.Attempts,
		Err:      errors.New(comp.Error),
	})
}

func (f *future) resolve(output json.RawMessage, err error) {
	f.output = output
	f.err = err
	close(f.done)
}

// Get blocks until the future resolves and decodes the output into out.
func (f *future) Get(out any) error {
	<-f.done
	if f.err != nil {
		return f.err
	}
	if out == nil || len(f.output) == 0 {
		return nil
	}
	if err := json.Unmarshal(f.output, out); err != nil {
		return fmt.Errorf("decode activity output: %w", err)
	}
	return nil
}
