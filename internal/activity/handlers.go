package activity

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/roach88/paysettle/internal/engine"
	"github.com/roach88/paysettle/internal/ledger"
	"github.com/roach88/paysettle/internal/retry"
	"github.com/roach88/paysettle/internal/workflow"
)

// Handlers adapts the executor to the engine's activity signature, keyed by
// the activity names the workflow schedules.
func (e *Executor) Handlers() map[string]engine.ActivityFunc {
	return map[string]engine.ActivityFunc{
		workflow.ActivityListDueUncalculated: func(ctx context.Context, input json.RawMessage) (any, error) {
			var req workflow.PageRequest
			if err := decode(input, &req); err != nil {
				return nil, err
			}
			return e.ListDueUncalculated(ctx, req.Limit)
		},
		workflow.ActivityListEntitiesWithUnpaid: func(ctx context.Context, _ json.RawMessage) (any, error) {
			return e.ListEntitiesWithUnpaid(ctx)
		},
		workflow.ActivityCalculateForUnit: func(ctx context.Context, input json.RawMessage) (any, error) {
			var unit ledger.WorkUnit
			if err := decode(input, &unit); err != nil {
				return nil, err
			}
			return e.CalculateForUnit(ctx, unit)
		},
		workflow.ActivitySettleEntity: func(ctx context.Context, input json.RawMessage) (any, error) {
			var entity int64
			if err := decode(input, &entity); err != nil {
				return nil, err
			}
			return e.SettleEntity(ctx, entity)
		},
	}
}

// Register installs every handler on eng.
func (e *Executor) Register(eng *engine.Engine) {
	for name, fn := range e.Handlers() {
		eng.RegisterActivity(name, fn)
	}
}

// decode rejects malformed input as a permanent failure; retrying cannot fix
// it.
func decode(input json.RawMessage, v any) error {
	if err := json.Unmarshal(input, v); err != nil {
		return retry.Permanent(fmt.Errorf("decode activity input: %w", err))
	}
	return nil
}
