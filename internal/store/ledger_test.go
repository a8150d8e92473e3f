package store

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/paysettle/internal/ledger"
)

func TestListDueUncalculated_DistinctOrderedAndLimited(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	seed(t, s,
		pendingItem("p1", 2, 20, "10.00"),
		pendingItem("p2", 1, 10, "5.00"),
		pendingItem("p3", 1, 10, "7.50"), // same unit as p2
		pendingItem("p4", 1, 20, "1.00"),
	)
	notDue := pendingItem("p5", 3, 30, "9.00")
	notDue.IsDue = false
	seed(t, s, notDue)

	units, err := s.ListDueUncalculated(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []ledger.WorkUnit{
		{SubjectID: 1, LegalEntityID: 10},
		{SubjectID: 1, LegalEntityID: 20},
		{SubjectID: 2, LegalEntityID: 20},
	}, units)

	units, err = s.ListDueUncalculated(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, units, 2)

	_, err = s.ListDueUncalculated(ctx, 0)
	assert.Error(t, err)
}

func TestListDueUncalculated_EmptyIsNonNil(t *testing.T) {
	s := createTestStore(t)

	units, err := s.ListDueUncalculated(context.Background(), 10)
	require.NoError(t, err)
	assert.NotNil(t, units)
	assert.Empty(t, units)
}

func TestSeedPendingItems_SkipsExisting(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	n, err := s.SeedPendingItems(ctx, []ledger.PendingItem{pendingItem("p1", 1, 10, "5.00")})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.SeedPendingItems(ctx, []ledger.PendingItem{
		pendingItem("p1", 1, 10, "999.00"),
		pendingItem("p2", 1, 10, "3.00"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	items, err := s.ListPendingItems(ctx)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.True(t, items[0].Amount.Equal(decimal.RequireFromString("5.00")), "existing row must not be overwritten")
}

func TestSeedPendingItems_RejectsSubCentAmounts(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.SeedPendingItems(ctx, []ledger.PendingItem{
		pendingItem("p1", 1, 10, "5.00"),
		pendingItem("p2", 1, 10, "0.125"),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "seed pending item p2")

	items, err := s.ListPendingItems(ctx)
	require.NoError(t, err)
	assert.Empty(t, items, "nothing is written when any amount is rejected")
}

func TestCalculateInTx_IsIdempotent(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	seed(t, s, pendingItem("p1", 1, 10, "5.00"))

	calculate := func(id string) (inserted, marked bool) {
		err := s.InTx(ctx, func(tx *Tx) error {
			var err error
			inserted, err = tx.InsertSettledAmount(ctx, ledger.SettledAmount{
				ID: id, PendingItemID: "p1", SubjectID: 1, LegalEntityID: 10,
				Amount: decimal.RequireFromString("5.00"),
			})
			if err != nil {
				return err
			}
			marked, err = tx.MarkCalculated(ctx, "p1")
			return err
		})
		require.NoError(t, err)
		return inserted, marked
	}

	inserted, marked := calculate("s1")
	assert.True(t, inserted)
	assert.True(t, marked)

	inserted, marked = calculate("s2")
	assert.False(t, inserted, "second payment for same pending item must be skipped")
	assert.False(t, marked, "already calculated")

	amounts, err := s.ListSettledAmounts(ctx, 0)
	require.NoError(t, err)
	require.Len(t, amounts, 1)
	assert.Equal(t, "s1", amounts[0].ID)
	assert.False(t, amounts[0].IsPaid)
	assert.Empty(t, amounts[0].SettlementID)

	pending, err := s.CountPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestPendingForUnit_OnlyDueUncalculated(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	calculated := pendingItem("p3", 1, 10, "1.00")
	calculated.IsCalculated = true
	seed(t, s,
		pendingItem("p2", 1, 10, "2.00"),
		pendingItem("p1", 1, 10, "1.00"),
		calculated,
		pendingItem("p4", 1, 11, "4.00"),
	)

	var items []ledger.PendingItem
	err := s.InTx(ctx, func(tx *Tx) error {
		var err error
		items, err = tx.PendingForUnit(ctx, ledger.WorkUnit{SubjectID: 1, LegalEntityID: 10})
		return err
	})
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "p1", items[0].ID)
	assert.Equal(t, "p2", items[1].ID)
}

func TestSettleInTx_ClaimsOnce(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	settledAt := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	seed(t, s,
		pendingItem("p1", 1, 10, "50.00"),
		pendingItem("p2", 2, 10, "30.00"),
		pendingItem("p3", 3, 11, "20.00"),
	)
	for i, id := range []string{"p1", "p2", "p3"} {
		items, err := s.ListPendingItems(ctx)
		require.NoError(t, err)
		p := items[i]
		require.Equal(t, id, p.ID)
		require.NoError(t, s.InTx(ctx, func(tx *Tx) error {
			_, err := tx.InsertSettledAmount(ctx, ledger.SettledAmount{
				ID: "sa-" + id, PendingItemID: id, SubjectID: p.SubjectID,
				LegalEntityID: p.LegalEntityID, Amount: p.Amount,
			})
			return err
		}))
	}

	entities, err := s.ListEntitiesWithUnpaid(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{10, 11}, entities)

	settle := func(settlementID string) int {
		var claimed int
		require.NoError(t, s.InTx(ctx, func(tx *Tx) error {
			var err error
			claimed, err = tx.ClaimUnpaid(ctx, 10, settlementID)
			if err != nil || claimed == 0 {
				return err
			}
			amounts, err := tx.ClaimedAmounts(ctx, settlementID)
			if err != nil {
				return err
			}
			total := decimal.Zero
			for _, a := range amounts {
				total = total.Add(a)
			}
			return tx.InsertSettlement(ctx, ledger.Settlement{
				ID: settlementID, LegalEntityID: 10, TotalAmount: total,
				SettledAt: settledAt, PaymentCount: claimed,
			})
		}))
		return claimed
	}

	assert.Equal(t, 2, settle("st1"))
	assert.Equal(t, 0, settle("st2"), "nothing left to claim")

	settlements, err := s.ListSettlements(ctx, 10)
	require.NoError(t, err)
	require.Len(t, settlements, 1)
	assert.Equal(t, "st1", settlements[0].ID)
	assert.True(t, settlements[0].TotalAmount.Equal(decimal.RequireFromString("80.00")))
	assert.Equal(t, 2, settlements[0].PaymentCount)
	assert.True(t, settlements[0].SettledAt.Equal(settledAt))

	amounts, err := s.ListSettledAmounts(ctx, 10)
	require.NoError(t, err)
	for _, a := range amounts {
		assert.True(t, a.IsPaid)
		assert.Equal(t, "st1", a.SettlementID)
	}

	entities, err = s.ListEntitiesWithUnpaid(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{11}, entities)
}
