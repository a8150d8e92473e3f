package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/paysettle/internal/api"
	"github.com/roach88/paysettle/internal/engine"
	"github.com/roach88/paysettle/internal/metrics"
)

// shutdownTimeout bounds graceful HTTP shutdown.
const shutdownTimeout = 10 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Listen   string
	NoResume bool
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP trigger, status and metrics endpoints",
		Long: `Serve the HTTP API:

  POST /orchestrators/{workflow}/{instanceId}   start a run (202, 409, 404)
  GET  /runtime/instances/{instanceId}          run status
  GET  /runtime/instances/{instanceId}/history  recorded history
  GET  /metrics                                 Prometheus metrics

Runs left Running by a previous process are resumed on startup.
On SIGINT or SIGTERM the server stops accepting requests; runs still in
flight stay Running and are resumed by the next start.

Examples:
  paysettle serve --config ./paysettle.yaml
  paysettle serve --db ./paysettle.db --listen 127.0.0.1:8080`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "listen address (overrides config)")
	cmd.Flags().BoolVar(&opts.NoResume, "no-resume", false, "do not resume Running runs on startup")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	rec := metrics.New()
	a, err := openApp(opts.RootOptions, cmd, formatter, engine.WithObserver(rec))
	if err != nil {
		return err
	}
	defer a.Close()

	addr := a.cfg.HTTP.Listen
	if opts.Listen != "" {
		addr = opts.Listen
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fail(formatter, ExitCommandError, ErrCodeGeneric, fmt.Sprintf("failed to listen on %s", addr), err)
	}

	ctx, cancel := signalContext(cmd, a.logger)
	defer cancel()

	return serve(ctx, a, rec, ln, !opts.NoResume)
}

// serve runs the API on ln until ctx is cancelled.
func serve(ctx context.Context, a *app, rec *metrics.Recorder, ln net.Listener, resume bool) error {
	srv := api.NewServer(a.engine,
		api.WithJWTSecret(a.cfg.HTTP.JWTSecret),
		api.WithMetrics(rec.Handler()),
		api.WithLogger(a.logger),
		api.WithBaseContext(ctx))

	httpSrv := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	resumed := make(chan struct{})
	if resume {
		go func() {
			defer close(resumed)
			results, err := a.engine.Resume(ctx)
			if err != nil {
				a.logger.Error("resume failed", "error", err)
			}
			for _, r := range results {
				a.logger.Info("resumed run", "instance", r.InstanceID, "status", r.Status)
			}
		}()
	} else {
		close(resumed)
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server listening", "addr", ln.Addr().String())
		errCh <- httpSrv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return WrapExitError(ExitFailure, "http server error", err)
		}
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("http shutdown", "error", err)
		}
	}

	srv.Wait()
	<-resumed
	a.logger.Info("server stopped gracefully")
	return nil
}
