package testutil

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/roach88/paysettle/internal/ledger"
	"github.com/roach88/paysettle/internal/store"
)

// ErrInjected is the default error returned by FlakyLedger.
var ErrInjected = errors.New("injected transient store failure")

// Ledger operations FlakyLedger can fail.
const (
	OpListDue      = "ListDueUncalculated"
	OpListEntities = "ListEntitiesWithUnpaid"
	OpTx           = "InTx"
)

type fault struct {
	remaining   int
	err         error
	afterCommit bool
}

// FlakyLedger wraps a store and injects failures, either before an
// operation runs or after a transaction commits (a lost acknowledgement).
// Safe for concurrent use.
type FlakyLedger struct {
	*store.Store

	mu     sync.Mutex
	faults map[string]*fault
	calls  map[string]int
}

// NewFlakyLedger wraps s.
func NewFlakyLedger(s *store.Store) *FlakyLedger {
	return &FlakyLedger{
		Store:  s,
		faults: make(map[string]*fault),
		calls:  make(map[string]int),
	}
}

// FailNext makes the next n calls of op fail with err (ErrInjected if nil)
// without touching the store.
func (l *FlakyLedger) FailNext(op string, n int, err error) {
	l.setFault(op, n, err, false)
}

// FailAfterCommit makes the next n transactions commit and then report err.
func (l *FlakyLedger) FailAfterCommit(n int, err error) {
	l.setFault(OpTx, n, err, true)
}

// Calls returns how many times op was invoked, failed or not.
func (l *FlakyLedger) Calls(op string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[op]
}

func (l *FlakyLedger) setFault(op string, n int, err error, afterCommit bool) {
	if err == nil {
		err = ErrInjected
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.faults[op] = &fault{remaining: n, err: err, afterCommit: afterCommit}
}

// take records a call and returns the fault to apply, if any.
func (l *FlakyLedger) take(op string) *fault {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls[op]++
	f := l.faults[op]
	if f == nil || f.remaining == 0 {
		return nil
	}
	f.remaining--
	return f
}

func (l *FlakyLedger) ListDueUncalculated(ctx context.Context, limit int) ([]ledger.WorkUnit, error) {
	if f := l.take(OpListDue); f != nil {
		return nil, f.err
	}
	return l.Store.ListDueUncalculated(ctx, limit)
}

func (l *FlakyLedger) ListEntitiesWithUnpaid(ctx context.Context) ([]int64, error) {
	if f := l.take(OpListEntities); f != nil {
		return nil, f.err
	}
	return l.Store.ListEntitiesWithUnpaid(ctx)
}

func (l *FlakyLedger) InTx(ctx context.Context, fn func(tx *store.Tx) error) error {
	f := l.take(OpTx)
	if f != nil && !f.afterCommit {
		return f.err
	}
	if err := l.Store.InTx(ctx, fn); err != nil {
		return err
	}
	if f != nil {
		return f.err
	}
	return nil
}

// NewStore opens a SQLite store in a temp directory, closed on cleanup.
func NewStore(t testing.TB) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "paysettle.db"))
	if err != nil {
		t.Fatalf("store.Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}
