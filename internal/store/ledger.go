package store

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/roach88/paysettle/internal/ledger"
)

// ListDueUncalculated returns up to limit distinct work units that still have
// due, uncalculated pending items. Ordered by (subject_id, legal_entity_id)
// so a replayed page is identical to the original.
func (s *Store) ListDueUncalculated(ctx context.Context, limit int) ([]ledger.WorkUnit, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("list due uncalculated: limit must be positive, got %d", limit)
	}

	rows, err := s.query(ctx, `
		SELECT DISTINCT subject_id, legal_entity_id
		FROM pending_items
		WHERE is_due = TRUE AND is_calculated = FALSE
		ORDER BY subject_id ASC, legal_entity_id ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list due uncalculated: %w", err)
	}
	defer rows.Close()

	units := []ledger.WorkUnit{}
	for rows.Next() {
		var u ledger.WorkUnit
		if err := rows.Scan(&u.SubjectID, &u.LegalEntityID); err != nil {
			return nil, fmt.Errorf("scan work unit: %w", err)
		}
		units = append(units, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate work units: %w", err)
	}

	return units, nil
}

// ListEntitiesWithUnpaid returns the distinct legal entities that have at
// least one unpaid settled amount, ascending.
func (s *Store) ListEntitiesWithUnpaid(ctx context.Context) ([]int64, error) {
	rows, err := s.query(ctx, `
		SELECT DISTINCT legal_entity_id
		FROM settled_amounts
		WHERE is_paid = FALSE
		ORDER BY legal_entity_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list entities with unpaid: %w", err)
	}
	defer rows.Close()

	entities := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan legal entity: %w", err)
		}
		entities = append(entities, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate legal entities: %w", err)
	}

	return entities, nil
}

// PendingForUnit returns the due, uncalculated pending items of a work unit,
// ordered by id.
func (t *Tx) PendingForUnit(ctx context.Context, unit ledger.WorkUnit) ([]ledger.PendingItem, error) {
	rows, err := t.query(ctx, `
		SELECT id, subject_id, legal_entity_id, amount, is_due, is_calculated
		FROM pending_items
		WHERE is_due = TRUE AND is_calculated = FALSE
		  AND subject_id = ? AND legal_entity_id = ?
		ORDER BY id ASC
	`, unit.SubjectID, unit.LegalEntityID)
	if err != nil {
		return nil, fmt.Errorf("pending for unit: %w", err)
	}
	defer rows.Close()

	var items []ledger.PendingItem
	for rows.Next() {
		var p ledger.PendingItem
		if err := rows.Scan(&p.ID, &p.SubjectID, &p.LegalEntityID, &p.Amount, &p.IsDue, &p.IsCalculated); err != nil {
			return nil, fmt.Errorf("scan pending item: %w", err)
		}
		items = append(items, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending items: %w", err)
	}

	return items, nil
}

// InsertSettledAmount records the payment for a pending item.
// ON CONFLICT(pending_item_id) DO NOTHING: a pending item that already has a
// payment is left alone and inserted is false.
func (t *Tx) InsertSettledAmount(ctx context.Context, sa ledger.SettledAmount) (inserted bool, err error) {
	result, err := t.exec(ctx, `
		INSERT INTO settled_amounts
		(id, pending_item_id, subject_id, legal_entity_id, amount, is_paid)
		VALUES (?, ?, ?, ?, ?, FALSE)
		ON CONFLICT(pending_item_id) DO NOTHING
	`,
		sa.ID,
		sa.PendingItemID,
		sa.SubjectID,
		sa.LegalEntityID,
		sa.Amount.String(),
	)
	if err != nil {
		return false, fmt.Errorf("insert settled amount: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert settled amount: rows affected: %w", err)
	}
	return n > 0, nil
}

// MarkCalculated flips is_calculated from false to true.
// Returns false when the item was already calculated.
func (t *Tx) MarkCalculated(ctx context.Context, pendingItemID string) (bool, error) {
	result, err := t.exec(ctx, `
		UPDATE pending_items SET is_calculated = TRUE
		WHERE id = ? AND is_calculated = FALSE
	`, pendingItemID)
	if err != nil {
		return false, fmt.Errorf("mark calculated: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark calculated: rows affected: %w", err)
	}
	return n > 0, nil
}

// ClaimUnpaid marks every unpaid settled amount of an entity as paid and tags
// it with settlementID. Returns the number of rows claimed. Rows claimed by an
// earlier settlement are never claimed again.
func (t *Tx) ClaimUnpaid(ctx context.Context, legalEntityID int64, settlementID string) (int, error) {
	result, err := t.exec(ctx, `
		UPDATE settled_amounts SET is_paid = TRUE, settlement_id = ?
		WHERE legal_entity_id = ? AND is_paid = FALSE
	`, settlementID, legalEntityID)
	if err != nil {
		return 0, fmt.Errorf("claim unpaid: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("claim unpaid: rows affected: %w", err)
	}
	return int(n), nil
}

// ClaimedAmounts returns the amounts of the settled amounts claimed by a
// settlement. Summing happens in Go so totals are exact in every dialect.
func (t *Tx) ClaimedAmounts(ctx context.Context, settlementID string) ([]decimal.Decimal, error) {
	rows, err := t.query(ctx, `
		SELECT amount FROM settled_amounts
		WHERE settlement_id = ?
		ORDER BY id ASC
	`, settlementID)
	if err != nil {
		return nil, fmt.Errorf("claimed amounts: %w", err)
	}
	defer rows.Close()

	var amounts []decimal.Decimal
	for rows.Next() {
		var a decimal.Decimal
		if err := rows.Scan(&a); err != nil {
			return nil, fmt.Errorf("scan amount: %w", err)
		}
		amounts = append(amounts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate amounts: %w", err)
	}

	return amounts, nil
}

// InsertSettlement records a summarised payment.
func (t *Tx) InsertSettlement(ctx context.Context, st ledger.Settlement) error {
	_, err := t.exec(ctx, `
		INSERT INTO settlements
		(id, legal_entity_id, total_amount, payment_count, settled_at)
		VALUES (?, ?, ?, ?, ?)
	`,
		st.ID,
		st.LegalEntityID,
		st.TotalAmount.String(),
		st.PaymentCount,
		st.SettledAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert settlement: %w", err)
	}
	return nil
}

// SeedPendingItems inserts pending items, skipping ids that already exist.
// Returns the number of new rows. Amounts must pass ledger.ValidateAmount.
func (s *Store) SeedPendingItems(ctx context.Context, items []ledger.PendingItem) (int, error) {
	for _, p := range items {
		if err := ledger.ValidateAmount(p.Amount); err != nil {
			return 0, fmt.Errorf("seed pending item %s: %w", p.ID, err)
		}
	}

	inserted := 0
	err := s.InTx(ctx, func(tx *Tx) error {
		for _, p := range items {
			result, err := tx.exec(ctx, `
				INSERT INTO pending_items
				(id, subject_id, legal_entity_id, amount, is_due, is_calculated)
				VALUES (?, ?, ?, ?, ?, ?)
				ON CONFLICT(id) DO NOTHING
			`, p.ID, p.SubjectID, p.LegalEntityID, p.Amount.String(), p.IsDue, p.IsCalculated)
			if err != nil {
				return fmt.Errorf("seed pending item %s: %w", p.ID, err)
			}
			n, err := result.RowsAffected()
			if err != nil {
				return fmt.Errorf("seed pending item %s: rows affected: %w", p.ID, err)
			}
			inserted += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// ListPendingItems returns every pending item ordered by id.
func (s *Store) ListPendingItems(ctx context.Context) ([]ledger.PendingItem, error) {
	rows, err := s.query(ctx, `
		SELECT id, subject_id, legal_entity_id, amount, is_due, is_calculated
		FROM pending_items
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list pending items: %w", err)
	}
	defer rows.Close()

	items := []ledger.PendingItem{}
	for rows.Next() {
		var p ledger.PendingItem
		if err := rows.Scan(&p.ID, &p.SubjectID, &p.LegalEntityID, &p.Amount, &p.IsDue, &p.IsCalculated); err != nil {
			return nil, fmt.Errorf("scan pending item: %w", err)
		}
		items = append(items, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending items: %w", err)
	}
	return items, nil
}

// ListSettledAmounts returns settled amounts, optionally filtered to one
// legal entity (entity <= 0 means all), ordered by id.
func (s *Store) ListSettledAmounts(ctx context.Context, legalEntityID int64) ([]ledger.SettledAmount, error) {
	query := `
		SELECT id, pending_item_id, subject_id, legal_entity_id, amount, is_paid, COALESCE(settlement_id, '')
		FROM settled_amounts`
	var args []any
	if legalEntityID > 0 {
		query += ` WHERE legal_entity_id = ?`
		args = append(args, legalEntityID)
	}
	query += ` ORDER BY id ASC`

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list settled amounts: %w", err)
	}
	defer rows.Close()

	amounts := []ledger.SettledAmount{}
	for rows.Next() {
		var sa ledger.SettledAmount
		if err := rows.Scan(&sa.ID, &sa.PendingItemID, &sa.SubjectID, &sa.LegalEntityID, &sa.Amount, &sa.IsPaid, &sa.SettlementID); err != nil {
			return nil, fmt.Errorf("scan settled amount: %w", err)
		}
		amounts = append(amounts, sa)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate settled amounts: %w", err)
	}
	return amounts, nil
}

// ListSettlements returns settlements, optionally filtered to one legal
// entity (entity <= 0 means all), ordered by settled_at then id.
func (s *Store) ListSettlements(ctx context.Context, legalEntityID int64) ([]ledger.Settlement, error) {
	query := `
		SELECT id, legal_entity_id, total_amount, payment_count, settled_at
		FROM settlements`
	var args []any
	if legalEntityID > 0 {
		query += ` WHERE legal_entity_id = ?`
		args = append(args, legalEntityID)
	}
	query += ` ORDER BY settled_at ASC, id ASC`

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list settlements: %w", err)
	}
	defer rows.Close()

	settlements := []ledger.Settlement{}
	for rows.Next() {
		var st ledger.Settlement
		var settledAt time.Time
		if err := rows.Scan(&st.ID, &st.LegalEntityID, &st.TotalAmount, &st.PaymentCount, &settledAt); err != nil {
			return nil, fmt.Errorf("scan settlement: %w", err)
		}
		st.SettledAt = settledAt.UTC()
		settlements = append(settlements, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate settlements: %w", err)
	}
	return settlements, nil
}

// CountPending returns the number of due pending items that are not yet
// calculated.
func (s *Store) CountPending(ctx context.Context) (int, error) {
	var n int
	err := s.queryRow(ctx, `
		SELECT COUNT(*) FROM pending_items
		WHERE is_due = TRUE AND is_calculated = FALSE
	`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return n, nil
}
