package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/paysettle/internal/engine"
	"github.com/roach88/paysettle/internal/store"
	"github.com/roach88/paysettle/internal/workflow"
)

// StartOptions holds flags for the start command.
type StartOptions struct {
	*RootOptions
	Workflow string
	Detach   bool
}

// NewStartCommand creates the start command.
func NewStartCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StartOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "start <instance-id>",
		Short: "Start a settlement run and drive it to completion",
		Long: `Start a settlement run under the given instance ID and drive it in the
foreground until it is Done or Failed.

An instance that is still Running cannot be started again (exit code 3).
A finished instance is restarted from scratch. If the command is
interrupted the run stays Running; continue it with "paysettle resume".

Exit codes:
  0 - Run finished Done
  1 - Run finished Failed, or was interrupted
  2 - Command error (config, database)
  3 - Instance already running

Examples:
  paysettle start --db ./paysettle.db nightly-2026-03-01
  paysettle start --config ./paysettle.yaml nightly --detach`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Workflow, "workflow", workflow.Name, "workflow to start")
	cmd.Flags().BoolVar(&opts.Detach, "detach", false, "record the run without driving it")

	return cmd
}

func runStart(opts *StartOptions, instanceID string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	a, err := openApp(opts.RootOptions, cmd, formatter)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext(cmd, a.logger)
	defer cancel()

	run, err := a.engine.Start(ctx, opts.Workflow, instanceID, workflow.RunInput{Phase: workflow.PhaseCalculating})
	switch {
	case errors.Is(err, engine.ErrInstanceRunning):
		return fail(formatter, ExitConflict, ErrCodeConflict,
			fmt.Sprintf("An instance with ID '%s' already exists.", instanceID), nil)
	case errors.Is(err, engine.ErrUnknownWorkflow):
		return fail(formatter, ExitCommandError, ErrCodeInput, fmt.Sprintf("unknown workflow %q", opts.Workflow), err)
	case err != nil:
		return fail(formatter, ExitCommandError, ErrCodeStore, "failed to start run", err)
	}
	formatter.VerboseLog("Started %s as %s", opts.Workflow, instanceID)

	if !opts.Detach {
		status, driveErr := a.engine.Drive(ctx, instanceID)
		run, err = a.engine.Status(ctx, instanceID)
		if err != nil {
			run = store.Run{InstanceID: instanceID, Workflow: opts.Workflow, Status: status}
		}
		if driveErr != nil {
			if status == store.RunFailed {
				_ = outputRun(formatter, run)
				return WrapExitError(ExitFailure, fmt.Sprintf("%s: run %s failed", ErrCodeRunFailed, instanceID), driveErr)
			}
			return fail(formatter, ExitFailure, ErrCodeInterrupted,
				fmt.Sprintf("run %s interrupted; resume it later", instanceID), driveErr)
		}
	}

	return outputRun(formatter, run)
}

func outputRun(f *OutputFormatter, run store.Run) error {
	if f.Format == "json" {
		return f.Success(run)
	}
	printRun(f.Writer, run)
	return nil
}

func printRun(w io.Writer, run store.Run) {
	mark := "•"
	switch run.Status {
	case store.RunDone:
		mark = "✓"
	case store.RunFailed:
		mark = "✗"
	}
	fmt.Fprintf(w, "%s %s %s (workflow %s, phase %s, generation %d)\n",
		mark, run.InstanceID, run.Status, run.Workflow, run.Phase, run.Generation)
	if run.Error != "" {
		fmt.Fprintf(w, "  error: %s\n", run.Error)
	}
}
