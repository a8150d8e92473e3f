package engine_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/paysettle/internal/activity"
	"github.com/roach88/paysettle/internal/engine"
	"github.com/roach88/paysettle/internal/ident"
	"github.com/roach88/paysettle/internal/ledger"
	"github.com/roach88/paysettle/internal/retry"
	"github.com/roach88/paysettle/internal/store"
	"github.com/roach88/paysettle/internal/testutil"
	"github.com/roach88/paysettle/internal/workflow"
)

// newSettlementEngine wires the settlement workflow and its activities over
// l. wrap, when non-nil, decorates every activity.
func newSettlementEngine(t *testing.T, s *store.Store, l activity.Ledger, pageSize int, wrap func(name string, fn engine.ActivityFunc) engine.ActivityFunc) *engine.Engine {
	t.Helper()
	sleeper := &testutil.RecordingSleeper{}
	e := engine.New(s,
		engine.WithSleeper(sleeper.Sleep),
		engine.WithWorkers(8))

	exec := activity.NewExecutor(activity.Config{}, l,
		activity.WithIDGenerator(ident.NewSequentialGenerator("id")),
		activity.WithClock(testutil.NewDeterministicClock(time.Time{}, time.Second).Now))
	for name, fn := range exec.Handlers() {
		if wrap != nil {
			fn = wrap(name, fn)
		}
		e.RegisterActivity(name, fn)
	}

	c := workflow.NewController(retry.DefaultPolicy())
	c.PageSize = pageSize
	e.RegisterWorkflow(workflow.Name, c.Execute)
	return e
}

func seedLearners(t *testing.T, s *store.Store, n int) {
	t.Helper()
	items := make([]ledger.PendingItem, 0, n)
	for i := 1; i <= n; i++ {
		items = append(items, ledger.PendingItem{
			ID:            fmt.Sprintf("p%05d", i),
			SubjectID:     int64(i),
			LegalEntityID: int64(100 + i%3),
			Amount:        decimal.NewFromInt(int64(i)),
			IsDue:         true,
		})
	}
	_, err := s.SeedPendingItems(context.Background(), items)
	require.NoError(t, err)
}

func startAndDrive(t *testing.T, e *engine.Engine, instanceID string) store.RunStatus {
	t.Helper()
	ctx := context.Background()
	_, err := e.Start(ctx, workflow.Name, instanceID, workflow.RunInput{Phase: workflow.PhaseCalculating})
	require.NoError(t, err)
	status, err := e.Drive(ctx, instanceID)
	require.NoError(t, err)
	return status
}

func TestSettlement_EndToEnd(t *testing.T) {
	s := testutil.NewStore(t)
	ctx := context.Background()
	_, err := s.SeedPendingItems(ctx, []ledger.PendingItem{
		{ID: "p1", SubjectID: 1, LegalEntityID: 100, Amount: decimal.NewFromInt(50), IsDue: true},
		{ID: "p2", SubjectID: 1, LegalEntityID: 100, Amount: decimal.NewFromInt(30), IsDue: true},
	})
	require.NoError(t, err)
	e := newSettlementEngine(t, s, s, 10000, nil)

	assert.Equal(t, store.RunDone, startAndDrive(t, e, "run-1"))

	amounts, err := s.ListSettledAmounts(ctx, 100)
	require.NoError(t, err)
	require.Len(t, amounts, 2)
	total := decimal.Zero
	for _, a := range amounts {
		assert.True(t, a.IsPaid)
		total = total.Add(a.Amount)
	}
	assert.True(t, total.Equal(decimal.NewFromInt(80)))

	settlements, err := s.ListSettlements(ctx, 100)
	require.NoError(t, err)
	require.Len(t, settlements, 1)
	assert.True(t, settlements[0].TotalAmount.Equal(decimal.NewFromInt(80)))

	run, err := e.Status(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, string(workflow.PhaseDone), run.Phase)
	assert.Equal(t, int64(1), run.Generation, "one calculating batch, then an empty page")
}

func TestSettlement_BacklogFillingGenerationCapSettles(t *testing.T) {
	tests := []struct {
		name     string
		learners int
		maxGen   int64
	}{
		{name: "single page under cap one", learners: 1, maxGen: 1},
		{name: "exactly cap pages", learners: 30, maxGen: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := testutil.NewStore(t)
			seedLearners(t, s, tt.learners)
			e := newSettlementEngine(t, s, s, 10, nil)
			c := workflow.NewController(retry.DefaultPolicy())
			c.PageSize = 10
			c.MaxGenerations = tt.maxGen
			e.RegisterWorkflow(workflow.Name, c.Execute)

			assert.Equal(t, store.RunDone, startAndDrive(t, e, "run-1"))

			ctx := context.Background()
			run, err := e.Status(ctx, "run-1")
			require.NoError(t, err)
			assert.Equal(t, tt.maxGen, run.Generation, "the last generation only drains an empty page")

			pending, err := s.CountPending(ctx)
			require.NoError(t, err)
			assert.Zero(t, pending)

			entities, err := s.ListEntitiesWithUnpaid(ctx)
			require.NoError(t, err)
			assert.Empty(t, entities, "every calculated amount is settled")
		})
	}
}

func TestSettlement_BacklogOverrunningGenerationCapFails(t *testing.T) {
	s := testutil.NewStore(t)
	seedLearners(t, s, 31)
	e := newSettlementEngine(t, s, s, 10, nil)
	c := workflow.NewController(retry.DefaultPolicy())
	c.PageSize = 10
	c.MaxGenerations = 3
	e.RegisterWorkflow(workflow.Name, c.Execute)

	ctx := context.Background()
	_, err := e.Start(ctx, workflow.Name, "run-1", workflow.RunInput{Phase: workflow.PhaseCalculating})
	require.NoError(t, err)
	status, err := e.Drive(ctx, "run-1")
	require.Error(t, err)
	assert.Equal(t, store.RunFailed, status)
	assert.True(t, workflow.IsGenerationLimit(err))

	pending, err := s.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pending, "the overrunning page is not calculated")

	settlements, err := s.ListSettlements(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, settlements)
}

func TestSettlement_BatchLogsCarryGenerationOnce(t *testing.T) {
	s := testutil.NewStore(t)
	seedLearners(t, s, 3)

	var buf bytes.Buffer
	sleeper := &testutil.RecordingSleeper{}
	e := engine.New(s,
		engine.WithSleeper(sleeper.Sleep),
		engine.WithLogger(slog.New(slog.NewTextHandler(&buf, nil))))
	activity.NewExecutor(activity.Config{}, s).Register(e)
	c := workflow.NewController(retry.DefaultPolicy())
	c.PageSize = 10
	e.RegisterWorkflow(workflow.Name, c.Execute)

	assert.Equal(t, store.RunDone, startAndDrive(t, e, "run-1"))

	batches := 0
	for _, line := range strings.Split(buf.String(), "\n") {
		if !strings.Contains(line, "batch complete") {
			continue
		}
		batches++
		assert.Equal(t, 1, strings.Count(line, "generation="), line)
	}
	assert.Equal(t, 2, batches, "one calculation batch and one settlement batch")
}

func TestSettlement_PaginatesAcrossGenerations(t *testing.T) {
	s := testutil.NewStore(t)
	seedLearners(t, s, 25)

	var (
		mu              sync.Mutex
		calcGenerations = map[int64]int{}
		pages           atomic.Int64
		pendingAtSettle atomic.Int64
	)
	pendingAtSettle.Store(-1)

	// Pages are listed one per generation, so the page count identifies
	// the generation a calculation belongs to.
	wrap := func(name string, fn engine.ActivityFunc) engine.ActivityFunc {
		return func(ctx context.Context, input json.RawMessage) (any, error) {
			switch name {
			case workflow.ActivityListDueUncalculated:
				pages.Add(1)
			case workflow.ActivityCalculateForUnit:
				mu.Lock()
				calcGenerations[pages.Load()]++
				mu.Unlock()
			case workflow.ActivitySettleEntity:
				n, err := s.CountPending(ctx)
				assert.NoError(t, err)
				pendingAtSettle.Store(int64(n))
			}
			return fn(ctx, input)
		}
	}
	e := newSettlementEngine(t, s, s, 10, wrap)

	assert.Equal(t, store.RunDone, startAndDrive(t, e, "run-1"))

	run, err := e.Status(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), run.Generation)
	assert.Equal(t, map[int64]int{1: 10, 2: 10, 3: 5}, calcGenerations)
	assert.Equal(t, int64(0), pendingAtSettle.Load(), "settling starts after every batch resolved")

	settlements, err := s.ListSettlements(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, settlements, 3)
	total := decimal.Zero
	for _, st := range settlements {
		total = total.Add(st.TotalAmount)
	}
	assert.True(t, total.Equal(decimal.NewFromInt(325)), "sum of 1..25")
}

func TestSettlement_TransientFailuresAreRetried(t *testing.T) {
	s := testutil.NewStore(t)
	seedLearners(t, s, 3)
	flaky := testutil.NewFlakyLedger(s)
	flaky.FailNext(testutil.OpListDue, 2, nil)
	flaky.FailAfterCommit(2, nil)

	e := newSettlementEngine(t, s, flaky, 10, nil)
	assert.Equal(t, store.RunDone, startAndDrive(t, e, "run-1"))

	amounts, err := s.ListSettledAmounts(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, amounts, 3)
	settlements, err := s.ListSettlements(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, settlements, 3)
}

func TestSettlement_ExhaustedRetriesFailRunBeforeSettling(t *testing.T) {
	s := testutil.NewStore(t)
	seedLearners(t, s, 3)
	flaky := testutil.NewFlakyLedger(s)
	flaky.FailNext(testutil.OpTx, 1000, nil)

	e := newSettlementEngine(t, s, flaky, 10, nil)
	ctx := context.Background()
	_, err := e.Start(ctx, workflow.Name, "run-1", nil)
	require.NoError(t, err)
	status, err := e.Drive(ctx, "run-1")

	assert.Equal(t, store.RunFailed, status)
	assert.True(t, engine.IsActivityError(err))
	assert.Zero(t, flaky.Calls(testutil.OpListEntities), "no settling after a failed batch")

	settlements, err := s.ListSettlements(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, settlements)
}

func TestSettlement_DuplicateStartConflicts(t *testing.T) {
	s := testutil.NewStore(t)
	e := newSettlementEngine(t, s, s, 10, nil)
	ctx := context.Background()

	_, err := e.Start(ctx, workflow.Name, "run-1", nil)
	require.NoError(t, err)
	_, err = e.Start(ctx, workflow.Name, "run-1", nil)
	assert.ErrorIs(t, err, engine.ErrInstanceRunning)

	runs, err := s.ListRuns(ctx, "")
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestSettlement_CrashAndResumeSettlesExactlyOnce(t *testing.T) {
	s := testutil.NewStore(t)
	seedLearners(t, s, 12)

	// First process dies after a handful of calculations.
	ctx, crash := context.WithCancel(context.Background())
	var calculated atomic.Int64
	crashing := newSettlementEngine(t, s, s, 5, func(name string, fn engine.ActivityFunc) engine.ActivityFunc {
		return func(actx context.Context, input json.RawMessage) (any, error) {
			if name == workflow.ActivityCalculateForUnit && calculated.Add(1) == 7 {
				crash()
			}
			return fn(actx, input)
		}
	})
	_, err := crashing.Start(context.Background(), workflow.Name, "run-1", nil)
	require.NoError(t, err)
	status, err := crashing.Drive(ctx, "run-1")
	require.Error(t, err)
	assert.Equal(t, store.RunRunning, status)

	// A fresh process resumes from the store alone.
	recovered := newSettlementEngine(t, s, s, 5, nil)
	results, err := recovered.Resume(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, store.RunDone, results[0].Status)

	amounts, err := s.ListSettledAmounts(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, amounts, 12, "one payment per pending item")
	for _, a := range amounts {
		assert.True(t, a.IsPaid)
	}

	settlements, err := s.ListSettlements(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, settlements, 3, "one settlement per entity")
	total := decimal.Zero
	for _, st := range settlements {
		total = total.Add(st.TotalAmount)
	}
	assert.True(t, total.Equal(decimal.NewFromInt(78)), "sum of 1..12")
}
