package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string
	Database   string // overrides database.dsn
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the paysettle CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "paysettle",
		Short: "paysettle - durable payment settlement",
		Long: `Calculates due payments per learner and settles them per legal entity.

Runs are durable: every activity result is recorded, so a run interrupted
by a crash or a signal resumes where it stopped without paying twice.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to YAML config file")
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "database DSN (overrides config)")

	cmd.AddCommand(NewStartCommand(opts))
	cmd.AddCommand(NewResumeCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewHistoryCommand(opts))
	cmd.AddCommand(NewSeedCommand(opts))
	cmd.AddCommand(NewExportCommand(opts))
	cmd.AddCommand(NewServeCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
