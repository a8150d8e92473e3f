// Package workflow holds the deterministic control logic of the payment
// settlement run.
//
// The controller never touches the ledger, the clock, randomness or
// goroutines. Everything it does goes through Context, which the execution
// substrate implements; given the same recorded history the controller
// makes the same scheduling decisions in the same order, which is what
// makes replay after a crash correct.
package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/paysettle/internal/ledger"
	"github.com/roach88/paysettle/internal/retry"
)

// Name is the registered name of the settlement workflow.
const Name = "PaymentOrchestrator"

// Activity names scheduled by the controller.
const (
	ActivityListDueUncalculated    = "ListDueUncalculated"
	ActivityListEntitiesWithUnpaid = "ListEntitiesWithUnpaid"
	ActivityCalculateForUnit       = "CalculatePaymentsForLearner"
	ActivitySettleEntity           = "PayLegalEntity"
)

// DefaultPageSize is the number of work units calculated per generation.
const DefaultPageSize = 10000

// DefaultMaxGenerations caps continuations of one run.
const DefaultMaxGenerations = 10000

// Phase is the externally visible stage of a run.
type Phase string

const (
	PhaseCalculating Phase = "Calculating"
	PhaseSettling    Phase = "Settling"
	PhaseDone        Phase = "Done"
	PhaseFailed      Phase = "Failed"
)

// RunInput is the input of one generation. ContinueAsNew carries it to the
// next generation.
type RunInput struct {
	Phase      Phase `json:"phase"`
	Generation int64 `json:"generation"`
}

// PageRequest is the input of ListDueUncalculated.
type PageRequest struct {
	Limit int `json:"limit"`
}

// Future is the handle of a scheduled activity.
type Future interface {
	// Get blocks until the activity resolves and decodes its output into
	// out (which may be nil). Returns the terminal failure, if any.
	Get(out any) error
}

// Context is the durable execution substrate as seen by the controller.
type Context interface {
	InstanceID() string
	Generation() int64

	// ScheduleWithRetry schedules activity with input under policy. The
	// returned future resolves to success or to a terminal failure once the
	// retry budget is spent.
	ScheduleWithRetry(activity string, input any, policy retry.Policy) Future

	// AwaitAll blocks until every future resolves and returns the first
	// failure in scheduling order, or nil.
	AwaitAll(futures []Future) error

	// ContinueAsNew ends the current generation. The run restarts with a
	// fresh history and the given input. The caller must return the error
	// it gets back.
	ContinueAsNew(input any) error

	// SetPhase records the phase on the run.
	SetPhase(phase Phase) error

	Logger() *slog.Logger
}

// GenerationLimitError is returned when a run would continue past the
// configured generation cap.
type GenerationLimitError struct {
	Generation int64
	Max        int64
}

func (e *GenerationLimitError) Error() string {
	return fmt.Sprintf("generation limit reached: generation %d, max %d", e.Generation, e.Max)
}

// IsGenerationLimit reports whether err is a GenerationLimitError.
func IsGenerationLimit(err error) bool {
	var ge *GenerationLimitError
	return errors.As(err, &ge)
}

// Controller sequences the calculating and settling phases.
type Controller struct {
	PageSize       int
	Policy         retry.Policy
	MaxGenerations int64
}

// NewController returns a controller with the default page size and
// generation cap.
func NewController(policy retry.Policy) Controller {
	return Controller{
		PageSize:       DefaultPageSize,
		Policy:         policy,
		MaxGenerations: DefaultMaxGenerations,
	}
}

// Run executes one generation of the workflow.
//
// A Calculating generation lists one page of work units and fans out one
// calculation per unit. When the page is non-empty it waits for all of them
// and continues as new; when it is empty the run moves on to Settling in
// the same generation. Settling fans out one settlement per legal entity
// with unpaid amounts and completes the run. Any terminal activity failure
// is returned and fails the run.
func (c Controller) Run(ctx Context, in RunInput) error {
	if in.Phase == "" {
		in.Phase = PhaseCalculating
	}

	switch in.Phase {
	case PhaseCalculating:
		more, err := c.calculate(ctx)
		if err != nil {
			return err
		}
		if more {
			return ctx.ContinueAsNew(RunInput{Phase: PhaseCalculating, Generation: ctx.Generation() + 1})
		}
		return c.settle(ctx)
	case PhaseSettling:
		return c.settle(ctx)
	default:
		return fmt.Errorf("workflow: cannot run from phase %q", in.Phase)
	}
}

// Execute decodes the generation input and runs it. A null or empty input
// starts in the Calculating phase.
func (c Controller) Execute(ctx Context, input json.RawMessage) error {
	var in RunInput
	if len(input) > 0 && string(input) != "null" {
		if err := json.Unmarshal(input, &in); err != nil {
			return fmt.Errorf("workflow: decode input: %w", err)
		}
	}
	return c.Run(ctx, in)
}

// calculate processes one page. Reports whether a continuation is needed.
//
// A run continues at most MaxGenerations times. Generation MaxGenerations
// may still find an empty page and settle; a non-empty page there fails the
// run before any calculation is scheduled.
func (c Controller) calculate(ctx Context) (bool, error) {
	if err := ctx.SetPhase(PhaseCalculating); err != nil {
		return false, err
	}

	page := ctx.ScheduleWithRetry(ActivityListDueUncalculated, PageRequest{Limit: c.pageSize()}, c.Policy)
	var units []ledger.WorkUnit
	if err := page.Get(&units); err != nil {
		return false, err
	}
	if len(units) == 0 {
		return false, nil
	}
	if c.MaxGenerations > 0 && ctx.Generation() >= c.MaxGenerations {
		return false, &GenerationLimitError{Generation: ctx.Generation(), Max: c.MaxGenerations}
	}

	futures := make([]Future, 0, len(units))
	for _, unit := range units {
		futures = append(futures, ctx.ScheduleWithRetry(ActivityCalculateForUnit, unit, c.Policy))
	}
	if err := ctx.AwaitAll(futures); err != nil {
		return false, err
	}

	ctx.Logger().Info("calculation batch complete", "units", len(units))
	return true, nil
}

func (c Controller) settle(ctx Context) error {
	if err := ctx.SetPhase(PhaseSettling); err != nil {
		return err
	}

	list := ctx.ScheduleWithRetry(ActivityListEntitiesWithUnpaid, nil, c.Policy)
	var entities []int64
	if err := list.Get(&entities); err != nil {
		return err
	}

	futures := make([]Future, 0, len(entities))
	for _, entity := range entities {
		futures = append(futures, ctx.ScheduleWithRetry(ActivitySettleEntity, entity, c.Policy))
	}
	if err := ctx.AwaitAll(futures); err != nil {
		return err
	}

	ctx.Logger().Info("settlement batch complete", "entities", len(entities))
	return nil
}

func (c Controller) pageSize() int {
	if c.PageSize <= 0 {
		return DefaultPageSize
	}
	return c.PageSize
}
