package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/paysettle/internal/engine"
	"github.com/roach88/paysettle/internal/store"
)

// ResumeSummary is the output of the resume command.
type ResumeSummary struct {
	Runs   []engine.ResumeResult `json:"runs"`
	Done   int                   `json:"done"`
	Failed int                   `json:"failed"`
}

// NewResumeCommand creates the resume command.
func NewResumeCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Drive every Running run to completion",
		Long: `Continue every run left Running by a crash or an interrupted command.

Recorded activity results are replayed, so nothing already calculated or
settled is executed again.

Examples:
  paysettle resume --db ./paysettle.db
  paysettle resume --config ./paysettle.yaml --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResume(rootOpts, cmd)
		},
	}
	return cmd
}

func runResume(opts *RootOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	a, err := openApp(opts, cmd, formatter)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext(cmd, a.logger)
	defer cancel()

	results, err := a.engine.Resume(ctx)
	if err != nil {
		return fail(formatter, ExitFailure, ErrCodeInterrupted, "resume interrupted", err)
	}

	summary := ResumeSummary{Runs: results}
	if summary.Runs == nil {
		summary.Runs = []engine.ResumeResult{}
	}
	for _, r := range results {
		switch r.Status {
		case store.RunDone:
			summary.Done++
		case store.RunFailed:
			summary.Failed++
		}
	}

	if formatter.Format == "json" {
		if err := formatter.Success(summary); err != nil {
			return err
		}
	} else {
		if len(results) == 0 {
			fmt.Fprintln(formatter.Writer, "No running instances.")
		}
		for _, r := range results {
			fmt.Fprintf(formatter.Writer, "  %s: %s\n", r.InstanceID, r.Status)
			if r.Error != "" && formatter.Verbose {
				fmt.Fprintf(formatter.Writer, "    %s\n", r.Error)
			}
		}
		if len(results) > 0 {
			fmt.Fprintf(formatter.Writer, "\nResumed %d run(s): %d done, %d failed\n", len(results), summary.Done, summary.Failed)
		}
	}

	if summary.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%s: %d run(s) failed", ErrCodeRunFailed, summary.Failed))
	}
	return nil
}
