package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/paysettle/internal/report"
)

// ExportOptions holds flags for the export command.
type ExportOptions struct {
	*RootOptions
	Entity int64
	Type   string
	Output string
}

// ExportResult is the output of the export command.
type ExportResult struct {
	Output      string `json:"output"`
	Type        string `json:"type"`
	Settlements int    `json:"settlements"`
	Bytes       int    `json:"bytes"`
}

// NewExportCommand creates the export command.
func NewExportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ExportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export settlement remittances as XLSX or PDF",
		Example: `  paysettle export --db ./paysettle.db --type xlsx -o remittance.xlsx
  paysettle export --db ./paysettle.db --entity 7 --type pdf -o entity-7.pdf`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(opts, cmd)
		},
	}

	cmd.Flags().Int64Var(&opts.Entity, "entity", 0, "legal entity to export (default all)")
	cmd.Flags().StringVar(&opts.Type, "type", "xlsx", "report type (xlsx|pdf)")
	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "output file path (required)")
	_ = cmd.MarkFlagRequired("output")

	return cmd
}

func runExport(opts *ExportOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	format, err := report.ParseFormat(opts.Type)
	if err != nil {
		return fail(formatter, ExitCommandError, ErrCodeInput, err.Error(), nil)
	}

	a, err := openApp(opts.RootOptions, cmd, formatter)
	if err != nil {
		return err
	}
	defer a.Close()

	rems, err := report.Collect(context.Background(), a.store, opts.Entity)
	if err != nil {
		return fail(formatter, ExitCommandError, ErrCodeStore, "failed to read settlements", err)
	}
	data, err := report.Build(format, rems, time.Now())
	if err != nil {
		return fail(formatter, ExitFailure, ErrCodeGeneric, "failed to render report", err)
	}
	if err := os.WriteFile(opts.Output, data, 0o644); err != nil {
		return fail(formatter, ExitCommandError, ErrCodeWriteFailed, fmt.Sprintf("writing output file: %v", err), nil)
	}

	result := ExportResult{Output: opts.Output, Type: string(format), Settlements: len(rems), Bytes: len(data)}
	if formatter.Format == "json" {
		return formatter.Success(result)
	}
	fmt.Fprintf(formatter.Writer, "✓ Exported %d settlement(s) to %s\n", result.Settlements, result.Output)
	return nil
}
