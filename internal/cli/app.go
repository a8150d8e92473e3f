package cli

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/paysettle/internal/activity"
	"github.com/roach88/paysettle/internal/config"
	"github.com/roach88/paysettle/internal/engine"
	"github.com/roach88/paysettle/internal/store"
	"github.com/roach88/paysettle/internal/workflow"
)

// app is the wiring shared by every command that touches the database.
type app struct {
	cfg    config.Config
	store  *store.Store
	engine *engine.Engine
	logger *slog.Logger
}

func newFormatter(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(), // Verbose logs go to stderr to avoid corrupting JSON
		Verbose:   opts.Verbose,
	}
}

func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// loadConfig reads --config and applies --db.
func loadConfig(opts *RootOptions) (config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return config.Config{}, err
	}
	if opts.Database != "" {
		cfg.Database.DSN = opts.Database
	}
	return cfg, nil
}

// openApp loads config, opens the store and wires the engine with the
// settlement workflow and its activities.
func openApp(opts *RootOptions, cmd *cobra.Command, f *OutputFormatter, engineOpts ...engine.Option) (*app, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, fail(f, ExitCommandError, ErrCodeConfig, "failed to load config", err)
	}
	logger := newLogger(cmd.ErrOrStderr(), opts.Verbose)

	f.VerboseLog("Opening %s database %s", cfg.Database.Driver, cfg.Database.DSN)
	st, err := store.OpenDriver(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, fail(f, ExitCommandError, ErrCodeStore, "failed to open database", err)
	}

	base := []engine.Option{
		engine.WithWorkers(cfg.Workers),
		engine.WithLogger(logger),
	}
	eng := engine.New(st, append(base, engineOpts...)...)

	exec := activity.NewExecutor(activity.Config{MaxPageSize: cfg.Workflow.PageSize}, st,
		activity.WithLogger(logger))
	exec.Register(eng)

	ctrl := workflow.NewController(cfg.Retry)
	ctrl.PageSize = cfg.Workflow.PageSize
	ctrl.MaxGenerations = cfg.Workflow.MaxGenerations
	eng.RegisterWorkflow(workflow.Name, ctrl.Execute)

	return &app{cfg: cfg, store: st, engine: eng, logger: logger}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Error("error closing database", "error", err)
	}
}

// signalContext derives a context cancelled on SIGINT or SIGTERM.
func signalContext(cmd *cobra.Command, logger *slog.Logger) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigChan)
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
