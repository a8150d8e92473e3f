package harness

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/roach88/paysettle/internal/activity"
	"github.com/roach88/paysettle/internal/engine"
	"github.com/roach88/paysettle/internal/ident"
	"github.com/roach88/paysettle/internal/retry"
	"github.com/roach88/paysettle/internal/store"
	"github.com/roach88/paysettle/internal/testutil"
	"github.com/roach88/paysettle/internal/workflow"
)

// Run executes a test scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database for isolation.
// Deterministic helpers ensure reproducible results.
//
// Execution flow:
// 1. Create fresh in-memory database and seed pending items
// 2. Wire engine, executor and controller over a fault-injecting ledger
// 3. Start and drive the run to a terminal status
// 4. Compare the outcome with expect and evaluate assertions
//
// An error is returned only when the scenario could not be executed.
func Run(scenario *Scenario) (*Result, error) {
	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	ctx := context.Background()
	if len(scenario.PendingItems) > 0 {
		if _, err := st.SeedPendingItems(ctx, scenario.PendingItems); err != nil {
			return nil, fmt.Errorf("failed to seed pending items: %w", err)
		}
	}

	flaky := testutil.NewFlakyLedger(st)
	for _, f := range scenario.Faults {
		if f.AfterCommit {
			flaky.FailAfterCommit(f.Times, nil)
			continue
		}
		flaky.FailNext(f.Op, f.Times, nil)
	}

	clock := testutil.NewDeterministicClock(time.Time{}, time.Second)
	sleeper := &testutil.RecordingSleeper{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil)) // Suppress logs in tests

	eng := engine.New(st,
		engine.WithSleeper(sleeper.Sleep),
		engine.WithClock(clock.Now),
		engine.WithLogger(logger),
	)

	ctrl := workflow.NewController(retry.DefaultPolicy())
	if scenario.PageSize > 0 {
		ctrl.PageSize = scenario.PageSize
	}
	if scenario.MaxAttempts > 0 {
		ctrl.Policy.MaxAttempts = scenario.MaxAttempts
	}
	if scenario.MaxGenerations > 0 {
		ctrl.MaxGenerations = scenario.MaxGenerations
	}

	exec := activity.NewExecutor(activity.Config{MaxPageSize: ctrl.PageSize}, flaky,
		activity.WithIDGenerator(ident.NewSequentialGenerator(scenario.Name)),
		activity.WithClock(clock.Now),
		activity.WithLogger(logger),
	)
	exec.Register(eng)

	rec := &recorder{}
	eng.RegisterWorkflow(workflow.Name, func(wctx workflow.Context, input json.RawMessage) error {
		return ctrl.Execute(rec.wrap(wctx), input)
	})

	if _, err := eng.Start(ctx, workflow.Name, scenario.InstanceID, workflow.RunInput{Phase: workflow.PhaseCalculating}); err != nil {
		return nil, fmt.Errorf("failed to start run: %w", err)
	}
	status, err := eng.Drive(ctx, scenario.InstanceID)
	if err != nil && status != store.RunFailed {
		return nil, fmt.Errorf("failed to drive run: %w", err)
	}

	run, err := eng.Status(ctx, scenario.InstanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to read run: %w", err)
	}
	rec.add(TraceEvent{Type: EventFinish, Generation: run.Generation, Status: string(run.Status)})

	result := NewResult()
	result.Status = string(run.Status)
	result.Generation = run.Generation
	result.Error = run.Error
	result.Trace = rec.events()
	result.RetryDelays = sortedDelays(sleeper.Delays())

	for _, msg := range checkExpect(scenario.Expect, result) {
		result.AddError(msg)
	}

	actx := &AssertionContext{
		Store: st,
		Ctx:   ctx,
	}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}

	return result, nil
}

// checkExpect compares the run outcome with the expect clause.
func checkExpect(expect ExpectClause, result *Result) []string {
	var errs []string
	if result.Status != expect.Status {
		errs = append(errs, fmt.Sprintf("expected status %s, got %s (error: %q)", expect.Status, result.Status, result.Error))
	}
	if expect.Generation != nil && result.Generation != *expect.Generation {
		errs = append(errs, fmt.Sprintf("expected generation %d, got %d", *expect.Generation, result.Generation))
	}
	if expect.Error != "" && !strings.Contains(result.Error, expect.Error) {
		errs = append(errs, fmt.Sprintf("expected error containing %q, got %q", expect.Error, result.Error))
	}
	if expect.RetryDelays != nil {
		want, _ := parseDelays(expect.RetryDelays)
		want = sortedDelays(want)
		if !slices.Equal(want, result.RetryDelays) {
			errs = append(errs, fmt.Sprintf("expected retry delays %v, got %v", want, result.RetryDelays))
		}
	}
	return errs
}

// recorder collects the trace of a run across generations.
type recorder struct {
	mu    sync.Mutex
	trace []TraceEvent
}

func (r *recorder) add(ev TraceEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trace = append(r.trace, ev)
}

func (r *recorder) events() []TraceEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.trace)
}

// wrap returns a Context that records the controller's calls to wctx. The
// engine builds a fresh Context per generation, so seq restarts at 1.
func (r *recorder) wrap(wctx workflow.Context) workflow.Context {
	return &recordingContext{Context: wctx, rec: r}
}

type recordingContext struct {
	workflow.Context
	rec *recorder
	seq int64
}

func (c *recordingContext) ScheduleWithRetry(activity string, input any, policy retry.Policy) workflow.Future {
	c.seq++
	c.rec.add(TraceEvent{
		Type:       EventSchedule,
		Generation: c.Generation(),
		Seq:        c.seq,
		Activity:   activity,
		Input:      decodeJSON(input),
	})
	return &recordingFuture{
		Future:   c.Context.ScheduleWithRetry(activity, input, policy),
		ctx:      c,
		activity: activity,
		seq:      c.seq,
	}
}

func (c *recordingContext) AwaitAll(futures []workflow.Future) error {
	c.rec.add(TraceEvent{Type: EventAwait, Generation: c.Generation(), Count: len(futures)})
	return c.Context.AwaitAll(futures)
}

func (c *recordingContext) ContinueAsNew(input any) error {
	c.rec.add(TraceEvent{Type: EventContinue, Generation: c.Generation(), Input: decodeJSON(input)})
	return c.Context.ContinueAsNew(input)
}

func (c *recordingContext) SetPhase(phase workflow.Phase) error {
	c.rec.add(TraceEvent{Type: EventPhase, Generation: c.Generation(), Phase: string(phase)})
	return c.Context.SetPhase(phase)
}

// recordingFuture records what the controller reads back. AwaitAll calls
// Get on the controller's goroutine in scheduling order, so failures seen
// through a fan-in are recorded deterministically too.
type recordingFuture struct {
	workflow.Future
	ctx      *recordingContext
	activity string
	seq      int64
}

func (f *recordingFuture) Get(out any) error {
	err := f.Future.Get(out)
	ev := TraceEvent{Generation: f.ctx.Generation(), Seq: f.seq, Activity: f.activity}
	switch {
	case err != nil:
		ev.Type = EventFailure
	case out != nil:
		ev.Type = EventResult
		ev.Output = decodeJSON(out)
	default:
		return nil
	}
	f.ctx.rec.add(ev)
	return err
}

// decodeJSON round-trips v through JSON so traces hold the same values the
// history does, with numbers kept exact.
func decodeJSON(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("<unencodable: %v>", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Sprintf("<undecodable: %v>", err)
	}
	return out
}
