package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/paysettle/internal/ledger"
)

// SeedResult is the output of the seed command.
type SeedResult struct {
	Fixture  string `json:"fixture"`
	Items    int    `json:"items"`
	Inserted int    `json:"inserted"`
	Pending  int    `json:"pending"`
}

// NewSeedCommand creates the seed command.
func NewSeedCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "seed <fixture.yaml>",
		Short: "Load pending items from a YAML fixture",
		Long: `Insert the pending items of a YAML fixture into the ledger.
Items whose id already exists are skipped, so seeding twice is harmless.

Fixture format:
  pending_items:
    - id: p1
      subject_id: 1
      legal_entity_id: 7
      amount: "50.00"
      is_due: true`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSeed(rootOpts, args[0], cmd)
		},
	}
}

func runSeed(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	fixture, err := ledger.LoadFixture(path)
	if err != nil {
		return fail(formatter, ExitCommandError, ErrCodeInput, "invalid fixture", err)
	}

	a, err := openApp(opts, cmd, formatter)
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := context.Background()

	inserted, err := a.store.SeedPendingItems(ctx, fixture.PendingItems)
	if err != nil {
		return fail(formatter, ExitCommandError, ErrCodeStore, "failed to seed pending items", err)
	}
	pending, err := a.store.CountPending(ctx)
	if err != nil {
		return fail(formatter, ExitCommandError, ErrCodeStore, "failed to count pending items", err)
	}

	result := SeedResult{Fixture: path, Items: len(fixture.PendingItems), Inserted: inserted, Pending: pending}
	if formatter.Format == "json" {
		return formatter.Success(result)
	}
	fmt.Fprintf(formatter.Writer, "✓ Seeded %d of %d item(s) from %s; %d due and uncalculated\n",
		result.Inserted, result.Items, path, result.Pending)
	return nil
}
