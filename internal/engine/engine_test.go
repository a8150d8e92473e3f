package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/paysettle/internal/ident"
	"github.com/roach88/paysettle/internal/retry"
	"github.com/roach88/paysettle/internal/store"
	"github.com/roach88/paysettle/internal/testutil"
	"github.com/roach88/paysettle/internal/workflow"
)

var fastPolicy = retry.Policy{InitialDelay: time.Second, BackoffCoefficient: 2, MaxAttempts: 3}

type testEngine struct {
	*Engine
	store   *store.Store
	sleeper *testutil.RecordingSleeper
}

func newTestEngine(t *testing.T, opts ...Option) *testEngine {
	t.Helper()
	s := testutil.NewStore(t)
	sleeper := &testutil.RecordingSleeper{}
	opts = append([]Option{
		WithSleeper(sleeper.Sleep),
		WithClock(testutil.NewDeterministicClock(time.Time{}, time.Second).Now),
		WithWorkers(4),
	}, opts...)
	return &testEngine{Engine: New(s, opts...), store: s, sleeper: sleeper}
}

// echo returns its input and counts calls per input.
type echo struct {
	mu    sync.Mutex
	calls map[string]int
}

func newEcho() *echo { return &echo{calls: map[string]int{}} }

func (a *echo) fn(_ context.Context, input json.RawMessage) (any, error) {
	a.mu.Lock()
	a.calls[string(input)]++
	a.mu.Unlock()
	return input, nil
}

func (a *echo) count(input string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[input]
}

// fanOut schedules echo(1..n), awaits all and sums the results.
func fanOut(n int, sum *atomic.Int64) WorkflowFunc {
	return func(ctx workflow.Context, _ json.RawMessage) error {
		futures := make([]workflow.Future, 0, n)
		for i := 1; i <= n; i++ {
			futures = append(futures, ctx.ScheduleWithRetry("echo", i, fastPolicy))
		}
		if err := ctx.AwaitAll(futures); err != nil {
			return err
		}
		var total int64
		for _, f := range futures {
			var v int64
			if err := f.Get(&v); err != nil {
				return err
			}
			total += v
		}
		sum.Store(total)
		return nil
	}
}

func TestStart_UnknownWorkflow(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.Start(context.Background(), "Nope", "i1", nil)
	assert.ErrorIs(t, err, ErrUnknownWorkflow)
}

func TestStart_DuplicateWhileRunning(t *testing.T) {
	e := newTestEngine(t)
	var sum atomic.Int64
	e.RegisterWorkflow("wf", fanOut(1, &sum))
	ctx := context.Background()

	run, err := e.Start(ctx, "wf", "i1", map[string]int{"x": 1})
	require.NoError(t, err)
	assert.Equal(t, store.RunRunning, run.Status)
	assert.Equal(t, string(workflow.PhaseCalculating), run.Phase)

	_, err = e.Start(ctx, "wf", "i1", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInstanceRunning)
	var dup *DuplicateInstanceError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, "an instance with ID 'i1' already exists", dup.Error())

	runs, err := e.store.ListRuns(ctx, "")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.JSONEq(t, `{"x":1}`, string(runs[0].Input), "first run untouched")
}

func TestDrive_FanOutCompletes(t *testing.T) {
	e := newTestEngine(t)
	a := newEcho()
	var sum atomic.Int64
	e.RegisterWorkflow("wf", fanOut(5, &sum))
	e.RegisterActivity("echo", a.fn)
	ctx := context.Background()

	_, err := e.Start(ctx, "wf", "i1", nil)
	require.NoError(t, err)
	status, err := e.Drive(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, store.RunDone, status)
	assert.Equal(t, int64(15), sum.Load())

	run, entries, err := e.History(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, string(workflow.PhaseDone), run.Phase)
	require.Len(t, entries, 5)
	for i, entry := range entries {
		assert.Equal(t, int64(i+1), entry.Invocation.Seq)
		require.NotNil(t, entry.Completion)
		assert.Equal(t, store.OutcomeCompleted, entry.Completion.Outcome)
	}

	// Driving a finished run is a no-op.
	status, err = e.Drive(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, store.RunDone, status)
	assert.Equal(t, 1, a.count("3"))
}

func TestStart_RestartsFinishedRun(t *testing.T) {
	e := newTestEngine(t)
	a := newEcho()
	var sum atomic.Int64
	e.RegisterWorkflow("wf", fanOut(2, &sum))
	e.RegisterActivity("echo", a.fn)
	ctx := context.Background()

	_, err := e.Start(ctx, "wf", "i1", nil)
	require.NoError(t, err)
	_, err = e.Drive(ctx, "i1")
	require.NoError(t, err)

	run, err := e.Start(ctx, "wf", "i1", nil)
	require.NoError(t, err)
	assert.Equal(t, store.RunRunning, run.Status)
	assert.Equal(t, int64(0), run.Generation)

	_, err = e.Drive(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, 2, a.count("1"), "restart executes again")
}

func TestDrive_ReplaysRecordedCompletions(t *testing.T) {
	e := newTestEngine(t)
	a := newEcho()
	var sum atomic.Int64
	e.RegisterWorkflow("wf", fanOut(3, &sum))
	e.RegisterActivity("echo", a.fn)
	ctx := context.Background()

	_, err := e.Start(ctx, "wf", "i1", nil)
	require.NoError(t, err)

	// A previous process completed seq 1 and recorded seq 2 before crashing.
	recordHistory(t, e.store, "i1", 0, 1, "echo", `1`, `1`)
	recordHistory(t, e.store, "i1", 0, 2, "echo", `2`, "")

	status, err := e.Drive(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, store.RunDone, status)
	assert.Equal(t, int64(6), sum.Load())
	assert.Zero(t, a.count("1"), "completed activity is not executed again")
	assert.Equal(t, 1, a.count("2"), "in-flight activity is executed again")
	assert.Equal(t, 1, a.count("3"))
}

func TestDrive_NonDeterminismFailsRun(t *testing.T) {
	e := newTestEngine(t)
	var sum atomic.Int64
	e.RegisterWorkflow("wf", fanOut(2, &sum))
	e.RegisterActivity("echo", newEcho().fn)
	ctx := context.Background()

	_, err := e.Start(ctx, "wf", "i1", nil)
	require.NoError(t, err)
	recordHistory(t, e.store, "i1", 0, 1, "other", `1`, `1`)

	status, err := e.Drive(ctx, "i1")
	assert.Equal(t, store.RunFailed, status)
	assert.True(t, IsNonDeterminism(err))

	run, err := e.Status(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, store.RunFailed, run.Status)
	assert.Contains(t, run.Error, "non-deterministic")
}

func TestDrive_RetriesWithBackoff(t *testing.T) {
	e := newTestEngine(t)
	var attempts atomic.Int64
	e.RegisterActivity("flaky", func(context.Context, json.RawMessage) (any, error) {
		if attempts.Add(1) < 3 {
			return nil, errors.New("database is locked")
		}
		return "ok", nil
	})
	e.RegisterWorkflow("wf", func(ctx workflow.Context, _ json.RawMessage) error {
		var out string
		if err := ctx.ScheduleWithRetry("flaky", nil, fastPolicy).Get(&out); err != nil {
			return err
		}
		if out != "ok" {
			return errors.New("unexpected output " + out)
		}
		return nil
	})
	ctx := context.Background()

	_, err := e.Start(ctx, "wf", "i1", nil)
	require.NoError(t, err)
	status, err := e.Drive(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, store.RunDone, status)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, e.sleeper.Delays())

	_, entries, err := e.History(ctx, "i1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 3, entries[0].Completion.Attempts)
}

func TestDrive_ExhaustedRetriesFailRun(t *testing.T) {
	e := newTestEngine(t)
	boom := errors.New("no such table: pending_items")
	e.RegisterActivity("broken", func(context.Context, json.RawMessage) (any, error) {
		return nil, boom
	})
	a := newEcho()
	e.RegisterActivity("echo", a.fn)
	e.RegisterWorkflow("wf", func(ctx workflow.Context, _ json.RawMessage) error {
		futures := []workflow.Future{
			ctx.ScheduleWithRetry("echo", 1, fastPolicy),
			ctx.ScheduleWithRetry("broken", nil, fastPolicy),
			ctx.ScheduleWithRetry("echo", 2, fastPolicy),
		}
		if err := ctx.AwaitAll(futures); err != nil {
			return err
		}
		ctx.ScheduleWithRetry("echo", 99, fastPolicy)
		return nil
	})
	ctx := context.Background()

	_, err := e.Start(ctx, "wf", "i1", nil)
	require.NoError(t, err)
	status, err := e.Drive(ctx, "i1")

	assert.Equal(t, store.RunFailed, status)
	require.Error(t, err)
	var ae *ActivityError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, "broken", ae.Activity)
	assert.Equal(t, 3, ae.Attempts)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, a.count("2"), "barrier waits for the whole batch")
	assert.Zero(t, a.count("99"), "nothing runs after a failed barrier")

	run, err := e.Status(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, string(workflow.PhaseFailed), run.Phase)

	// The failure is recorded; replaying the run does not execute it again.
	_, entries, err := e.History(ctx, "i1")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, store.OutcomeFailed, entries[1].Completion.Outcome)
}

func TestDrive_UnregisteredActivityFailsPermanently(t *testing.T) {
	e := newTestEngine(t)
	e.RegisterWorkflow("wf", func(ctx workflow.Context, _ json.RawMessage) error {
		return ctx.ScheduleWithRetry("missing", nil, fastPolicy).Get(nil)
	})
	ctx := context.Background()

	_, err := e.Start(ctx, "wf", "i1", nil)
	require.NoError(t, err)
	status, err := e.Drive(ctx, "i1")

	assert.Equal(t, store.RunFailed, status)
	var ae *ActivityError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, 1, ae.Attempts)
	assert.Empty(t, e.sleeper.Delays())
}

func TestDrive_ContinueAsNewAdvancesGeneration(t *testing.T) {
	e := newTestEngine(t)
	a := newEcho()
	e.RegisterActivity("echo", a.fn)
	var generations []int64
	e.RegisterWorkflow("wf", func(ctx workflow.Context, input json.RawMessage) error {
		var n int
		require.NoError(t, json.Unmarshal(input, &n))
		generations = append(generations, ctx.Generation())
		if err := ctx.ScheduleWithRetry("echo", n, fastPolicy).Get(nil); err != nil {
			return err
		}
		if n < 3 {
			return ctx.ContinueAsNew(n + 1)
		}
		return nil
	})
	ctx := context.Background()

	_, err := e.Start(ctx, "wf", "i1", 1)
	require.NoError(t, err)
	status, err := e.Drive(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, store.RunDone, status)
	assert.Equal(t, []int64{0, 1, 2}, generations)

	run, entries, err := e.History(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), run.Generation)
	assert.Equal(t, "3", string(run.Input))
	require.Len(t, entries, 1, "only the last generation's history is kept")

	old, err := e.store.ReadGeneration(ctx, "i1", 0)
	require.NoError(t, err)
	assert.Empty(t, old)
}

func TestDrive_CancelledLeavesRunResumable(t *testing.T) {
	e := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int64
	e.RegisterActivity("block", func(actx context.Context, _ json.RawMessage) (any, error) {
		if calls.Add(1) == 1 {
			cancel()
			<-actx.Done()
			return nil, actx.Err()
		}
		return "done", nil
	})
	e.RegisterWorkflow("wf", func(ctx workflow.Context, _ json.RawMessage) error {
		return ctx.ScheduleWithRetry("block", nil, fastPolicy).Get(nil)
	})

	_, err := e.Start(context.Background(), "wf", "i1", nil)
	require.NoError(t, err)
	status, err := e.Drive(ctx, "i1")
	assert.Equal(t, store.RunRunning, status)
	assert.ErrorIs(t, err, context.Canceled)

	_, entries, err := e.History(context.Background(), "i1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Nil(t, entries[0].Completion, "interrupted activity has no outcome")

	results, err := e.Resume(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, store.RunDone, results[0].Status)
	assert.Equal(t, int64(2), calls.Load())
}

func TestDrive_BusyInstance(t *testing.T) {
	e := newTestEngine(t)
	release := make(chan struct{})
	started := make(chan struct{})
	e.RegisterActivity("wait", func(context.Context, json.RawMessage) (any, error) {
		close(started)
		<-release
		return nil, nil
	})
	e.RegisterWorkflow("wf", func(ctx workflow.Context, _ json.RawMessage) error {
		return ctx.ScheduleWithRetry("wait", nil, fastPolicy).Get(nil)
	})
	ctx := context.Background()
	_, err := e.Start(ctx, "wf", "i1", nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := e.Drive(ctx, "i1")
		done <- err
	}()
	<-started

	_, err = e.Drive(ctx, "i1")
	assert.ErrorIs(t, err, ErrInstanceBusy)

	close(release)
	require.NoError(t, <-done)
}

func TestResume_ReportsFailedRuns(t *testing.T) {
	e := newTestEngine(t)
	e.RegisterActivity("echo", newEcho().fn)
	e.RegisterActivity("broken", func(context.Context, json.RawMessage) (any, error) {
		return nil, retry.Permanent(errors.New("bad input"))
	})
	var sum atomic.Int64
	e.RegisterWorkflow("ok", fanOut(2, &sum))
	e.RegisterWorkflow("bad", func(ctx workflow.Context, _ json.RawMessage) error {
		return ctx.ScheduleWithRetry("broken", nil, fastPolicy).Get(nil)
	})
	ctx := context.Background()
	_, err := e.Start(ctx, "ok", "a", nil)
	require.NoError(t, err)
	_, err = e.Start(ctx, "bad", "b", nil)
	require.NoError(t, err)

	results, err := e.Resume(ctx)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, ResumeResult{InstanceID: "a", Status: store.RunDone}, results[0])
	assert.Equal(t, "b", results[1].InstanceID)
	assert.Equal(t, store.RunFailed, results[1].Status)
	assert.Contains(t, results[1].Error, "bad input")
}

type countingObserver struct {
	NopObserver
	mu          sync.Mutex
	attempts    int
	outcomes    map[string]int
	generations int
	runs        map[store.RunStatus]int
}

func (o *countingObserver) ActivityAttempt(string, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.attempts++
}

func (o *countingObserver) ActivityFinished(_ string, outcome string, _ int, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes[outcome]++
}

func (o *countingObserver) GenerationStarted(string, int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.generations++
}

func (o *countingObserver) RunFinished(_ string, status store.RunStatus) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.runs[status]++
}

func TestObserver_ReceivesEvents(t *testing.T) {
	obs := &countingObserver{outcomes: map[string]int{}, runs: map[store.RunStatus]int{}}
	e := newTestEngine(t, WithObserver(obs))
	var sum atomic.Int64
	e.RegisterWorkflow("wf", fanOut(3, &sum))
	e.RegisterActivity("echo", newEcho().fn)
	ctx := context.Background()

	_, err := e.Start(ctx, "wf", "i1", nil)
	require.NoError(t, err)
	_, err = e.Drive(ctx, "i1")
	require.NoError(t, err)

	assert.Equal(t, 3, obs.attempts)
	assert.Equal(t, map[string]int{store.OutcomeCompleted: 3}, obs.outcomes)
	assert.Equal(t, 1, obs.generations)
	assert.Equal(t, map[store.RunStatus]int{store.RunDone: 1}, obs.runs)
}

// recordHistory writes an invocation at seq and, when output is non-empty,
// its successful completion.
func recordHistory(t *testing.T, s *store.Store, instanceID string, generation, seq int64, activity, input, output string) {
	t.Helper()
	ctx := context.Background()
	raw := json.RawMessage(input)
	hash, err := ident.InputHash(raw)
	require.NoError(t, err)
	id, err := ident.InvocationID(instanceID, generation, seq, activity, raw)
	require.NoError(t, err)

	_, inserted, err := s.RecordInvocation(ctx, store.ActivityInvocation{
		ID: id, InstanceID: instanceID, Generation: generation, Seq: seq,
		Activity: activity, Input: raw, InputHash: hash,
	})
	require.NoError(t, err)
	require.True(t, inserted)

	if output == "" {
		return
	}
	compID, err := ident.CompletionID(id, store.OutcomeCompleted)
	require.NoError(t, err)
	require.NoError(t, s.RecordCompletion(ctx, store.ActivityCompletion{
		ID: compID, InvocationID: id, Outcome: store.OutcomeCompleted,
		Output: json.RawMessage(output), Attempts: 1,
	}))
}
