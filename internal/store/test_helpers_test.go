package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/roach88/paysettle/internal/ledger"
)

// createTestStore creates a new on-disk store in a temp directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// pendingItem builds a due, uncalculated pending item.
func pendingItem(id string, subject, entity int64, amount string) ledger.PendingItem {
	return ledger.PendingItem{
		ID:            id,
		SubjectID:     subject,
		LegalEntityID: entity,
		Amount:        decimal.RequireFromString(amount),
		IsDue:         true,
	}
}

// seed inserts pending items and fails the test on error.
func seed(t *testing.T, s *Store, items ...ledger.PendingItem) {
	t.Helper()
	if _, err := s.SeedPendingItems(context.Background(), items); err != nil {
		t.Fatalf("SeedPendingItems() failed: %v", err)
	}
}
