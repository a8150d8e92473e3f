// Package activity implements the side-effecting units of work scheduled by
// the settlement workflow.
//
// Every operation is safe to re-execute. Reads are pure. CalculateForUnit
// and SettleEntity commit all of their effects in a single transaction and
// are guarded so that a retry after a partial or lost prior execution never
// produces a second payment or a second settlement for the same money.
//
// Store errors are returned wrapped, never swallowed; the retry policy
// decides whether to try again.
package activity

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/roach88/paysettle/internal/ident"
	"github.com/roach88/paysettle/internal/ledger"
	"github.com/roach88/paysettle/internal/store"
)

// Ledger is the slice of the store the executor needs.
// *store.Store satisfies it.
type Ledger interface {
	ListDueUncalculated(ctx context.Context, limit int) ([]ledger.WorkUnit, error)
	ListEntitiesWithUnpaid(ctx context.Context) ([]int64, error)
	InTx(ctx context.Context, fn func(tx *store.Tx) error) error
}

// Config is fixed at construction.
type Config struct {
	// MaxPageSize bounds ListDueUncalculated requests. Zero means no bound.
	MaxPageSize int
}

// Executor runs ledger activities.
type Executor struct {
	cfg    Config
	ledger Ledger
	ids    ident.Generator
	now    func() time.Time
	logger *slog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithIDGenerator sets the generator for settled amount and settlement ids.
// Default: ident.UUIDv7Generator.
func WithIDGenerator(g ident.Generator) Option {
	return func(e *Executor) {
		e.ids = g
	}
}

// WithClock sets the wall clock used for settled_at.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) {
		e.now = now
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) {
		e.logger = l
	}
}

// NewExecutor creates an Executor over the given ledger.
func NewExecutor(cfg Config, l Ledger, opts ...Option) *Executor {
	e := &Executor{
		cfg:    cfg,
		ledger: l,
		ids:    ident.UUIDv7Generator{},
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ListDueUncalculated returns up to limit work units with due, uncalculated
// pending items.
func (e *Executor) ListDueUncalculated(ctx context.Context, limit int) ([]ledger.WorkUnit, error) {
	if e.cfg.MaxPageSize > 0 && limit > e.cfg.MaxPageSize {
		limit = e.cfg.MaxPageSize
	}
	units, err := e.ledger.ListDueUncalculated(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list due uncalculated: %w", err)
	}
	return units, nil
}

// ListEntitiesWithUnpaid returns the legal entities that have unpaid settled
// amounts.
func (e *Executor) ListEntitiesWithUnpaid(ctx context.Context) ([]int64, error) {
	entities, err := e.ledger.ListEntitiesWithUnpaid(ctx)
	if err != nil {
		return nil, fmt.Errorf("list entities with unpaid: %w", err)
	}
	return entities, nil
}

// CalculateForUnit converts every due, uncalculated pending item of unit into
// a settled amount and marks the item calculated, all in one transaction.
//
// A settled amount is keyed by its pending item, so an item converted by an
// earlier attempt or a concurrent instance is skipped rather than paid twice.
// Such items are reported as Stale.
func (e *Executor) CalculateForUnit(ctx context.Context, unit ledger.WorkUnit) (ledger.CalculationResult, error) {
	result := ledger.CalculationResult{Unit: unit}

	err := e.ledger.InTx(ctx, func(tx *store.Tx) error {
		result.Created, result.Stale = 0, 0

		items, err := tx.PendingForUnit(ctx, unit)
		if err != nil {
			return err
		}

		for _, item := range items {
			inserted, err := tx.InsertSettledAmount(ctx, ledger.SettledAmount{
				ID:            e.ids.Generate(),
				PendingItemID: item.ID,
				SubjectID:     item.SubjectID,
				LegalEntityID: item.LegalEntityID,
				Amount:        item.Amount,
			})
			if err != nil {
				return err
			}

			marked, err := tx.MarkCalculated(ctx, item.ID)
			if err != nil {
				return err
			}

			if !inserted || !marked {
				result.Stale++
				e.logger.Debug("stale work observation",
					"pending_item", item.ID,
					"unit", unit.String(),
					"inserted", inserted,
					"marked", marked)
				continue
			}
			result.Created++
		}
		return nil
	})
	if err != nil {
		return ledger.CalculationResult{}, fmt.Errorf("calculate for unit (%s): %w", unit, err)
	}

	e.logger.Debug("calculated payments",
		"unit", unit.String(),
		"created", result.Created,
		"stale", result.Stale)
	return result, nil
}

// SettleEntity pays every unpaid settled amount of a legal entity as one
// settlement.
//
// The unpaid rows are claimed (marked paid and tagged with a fresh
// settlement id) before they are summed, in the same transaction that inserts
// the settlement. Rows claimed by an earlier attempt are invisible to later
// ones, so re-execution never double-pays. With nothing left to claim the
// call is a no-op and no settlement is written.
func (e *Executor) SettleEntity(ctx context.Context, legalEntityID int64) (ledger.SettlementResult, error) {
	result := ledger.SettlementResult{LegalEntityID: legalEntityID, TotalAmount: decimal.Zero}
	settlementID := e.ids.Generate()

	err := e.ledger.InTx(ctx, func(tx *store.Tx) error {
		claimed, err := tx.ClaimUnpaid(ctx, legalEntityID, settlementID)
		if err != nil {
			return err
		}
		if claimed == 0 {
			return nil
		}

		amounts, err := tx.ClaimedAmounts(ctx, settlementID)
		if err != nil {
			return err
		}
		total := decimal.Zero
		for _, a := range amounts {
			total = total.Add(a)
		}

		if err := tx.InsertSettlement(ctx, ledger.Settlement{
			ID:            settlementID,
			LegalEntityID: legalEntityID,
			TotalAmount:   total,
			SettledAt:     e.now().UTC(),
			PaymentCount:  claimed,
		}); err != nil {
			return err
		}

		result = ledger.SettlementResult{
			LegalEntityID: legalEntityID,
			Settled:       true,
			SettlementID:  settlementID,
			TotalAmount:   total,
			PaymentCount:  claimed,
		}
		return nil
	})
	if err != nil {
		return ledger.SettlementResult{}, fmt.Errorf("settle entity %d: %w", legalEntityID, err)
	}

	if !result.Settled {
		e.logger.Debug("nothing to settle", "legal_entity", legalEntityID)
		return result, nil
	}
	e.logger.Info("settled legal entity",
		"legal_entity", legalEntityID,
		"settlement", result.SettlementID,
		"total", result.TotalAmount.String(),
		"payments", result.PaymentCount)
	return result, nil
}
