package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// WorkUnit identifies one learner's calculation work: all due pending items
// for a (subject, legal entity) pair. Produced by a query, never stored.
type WorkUnit struct {
	SubjectID     int64 `json:"subject_id" yaml:"subject_id"`
	LegalEntityID int64 `json:"legal_entity_id" yaml:"legal_entity_id"`
}

// String renders the unit for logs.
func (u WorkUnit) String() string {
	return fmt.Sprintf("subject=%d entity=%d", u.SubjectID, u.LegalEntityID)
}

// AmountScale is the number of decimal places an amount may carry. Both
// store dialects hold amounts exactly at this scale.
const AmountScale = 2

// ValidateAmount rejects negative amounts and amounts finer than AmountScale.
func ValidateAmount(d decimal.Decimal) error {
	if d.IsNegative() {
		return errors.New("amount must not be negative")
	}
	if !d.Equal(d.Truncate(AmountScale)) {
		return fmt.Errorf("amount %s has more than %d decimal places", d, AmountScale)
	}
	return nil
}

// PendingItem is a due amount awaiting calculation.
type PendingItem struct {
	ID            string          `json:"id" yaml:"id"`
	SubjectID     int64           `json:"subject_id" yaml:"subject_id"`
	LegalEntityID int64           `json:"legal_entity_id" yaml:"legal_entity_id"`
	Amount        decimal.Decimal `json:"amount" yaml:"amount"`
	IsDue         bool            `json:"is_due" yaml:"is_due"`
	IsCalculated  bool            `json:"is_calculated" yaml:"is_calculated"`
}

// Unit returns the work unit the item belongs to.
func (p PendingItem) Unit() WorkUnit {
	return WorkUnit{SubjectID: p.SubjectID, LegalEntityID: p.LegalEntityID}
}

// SettledAmount is the payment created from exactly one calculated PendingItem.
type SettledAmount struct {
	ID            string          `json:"id"`
	PendingItemID string          `json:"pending_item_id"`
	SubjectID     int64           `json:"subject_id"`
	LegalEntityID int64           `json:"legal_entity_id"`
	Amount        decimal.Decimal `json:"amount"`
	IsPaid        bool            `json:"is_paid"`
	SettlementID  string          `json:"settlement_id,omitempty"`
}

// Settlement is the summarised payment made to one legal entity in one
// settlement pass.
type Settlement struct {
	ID            string          `json:"id"`
	LegalEntityID int64           `json:"legal_entity_id"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	SettledAt     time.Time       `json:"settled_at"`
	PaymentCount  int             `json:"payment_count"`
}

// CalculationResult summarises one CalculatePaymentsForLearner call.
// Stale counts items another attempt or instance calculated first.
type CalculationResult struct {
	Unit    WorkUnit `json:"unit"`
	Created int      `json:"created"`
	Stale   int      `json:"stale"`
}

// SettlementResult summarises one PayLegalEntity call. Settled is false when
// the entity had nothing unpaid left to claim.
type SettlementResult struct {
	LegalEntityID int64           `json:"legal_entity_id"`
	Settled       bool            `json:"settled"`
	SettlementID  string          `json:"settlement_id,omitempty"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	PaymentCount  int             `json:"payment_count"`
}
