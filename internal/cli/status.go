package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/paysettle/internal/store"
)

// HistoryView is the output of the history command.
type HistoryView struct {
	Run     store.Run            `json:"run"`
	Entries []store.HistoryEntry `json:"entries"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status [instance-id]",
		Short: "Show the status of one run, or list all runs",
		Example: `  paysettle status --db ./paysettle.db nightly
  paysettle status --db ./paysettle.db --format json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			instanceID := ""
			if len(args) == 1 {
				instanceID = args[0]
			}
			return runStatus(rootOpts, instanceID, cmd)
		},
	}
}

func runStatus(opts *RootOptions, instanceID string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	a, err := openApp(opts, cmd, formatter)
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := context.Background()

	if instanceID != "" {
		run, err := a.engine.Status(ctx, instanceID)
		if err != nil {
			return lookupFailed(formatter, instanceID, err)
		}
		return outputRun(formatter, run)
	}

	runs, err := a.store.ListRuns(ctx, "")
	if err != nil {
		return fail(formatter, ExitCommandError, ErrCodeStore, "failed to list runs", err)
	}
	if formatter.Format == "json" {
		return formatter.Success(runs)
	}
	if len(runs) == 0 {
		fmt.Fprintln(formatter.Writer, "No runs found in database.")
		return nil
	}
	for _, run := range runs {
		printRun(formatter.Writer, run)
	}
	return nil
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "history <instance-id>",
		Short: "Show the recorded activity history of a run's current generation",
		Long: `Show every activity scheduled in the current generation of a run, in
schedule order, with its recorded outcome. Earlier generations are
discarded when a run continues as new.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(rootOpts, args[0], cmd)
		},
	}
}

func runHistory(opts *RootOptions, instanceID string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	a, err := openApp(opts, cmd, formatter)
	if err != nil {
		return err
	}
	defer a.Close()

	run, entries, err := a.engine.History(context.Background(), instanceID)
	if err != nil {
		return lookupFailed(formatter, instanceID, err)
	}
	if entries == nil {
		entries = []store.HistoryEntry{}
	}

	if formatter.Format == "json" {
		return formatter.Success(HistoryView{Run: run, Entries: entries})
	}

	printRun(formatter.Writer, run)
	fmt.Fprintln(formatter.Writer)
	if len(entries) == 0 {
		fmt.Fprintln(formatter.Writer, "No activities recorded in this generation.")
		return nil
	}
	for _, e := range entries {
		inv := e.Invocation
		outcome, attempts := "pending", 0
		if e.Completion != nil {
			outcome, attempts = e.Completion.Outcome, e.Completion.Attempts
		}
		fmt.Fprintf(formatter.Writer, "  #%d %s %s (attempts %d) input=%s\n",
			inv.Seq, inv.Activity, outcome, attempts, inv.Input)
		if formatter.Verbose && e.Completion != nil {
			if e.Completion.Error != "" {
				fmt.Fprintf(formatter.Writer, "     error: %s\n", e.Completion.Error)
			} else {
				fmt.Fprintf(formatter.Writer, "     output: %s\n", e.Completion.Output)
			}
		}
	}
	return nil
}

func lookupFailed(f *OutputFormatter, instanceID string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fail(f, ExitCommandError, ErrCodeNotFound, fmt.Sprintf("instance %s not found", instanceID), nil)
	}
	return fail(f, ExitCommandError, ErrCodeStore, "failed to read instance", err)
}
