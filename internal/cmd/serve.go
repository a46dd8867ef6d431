package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/crust/internal/health"
	"github.com/felixgeelhaar/crust/internal/metrics"
	"github.com/felixgeelhaar/crust/internal/server"
	"github.com/felixgeelhaar/crust/internal/version"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var address string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP app shell",
		Long: `Run the HTTP app shell around a session controller.

Endpoints:
  /                 signed-in home (suspended users see the notice)
  /admin, /staff    role-gated pages
  /session          current snapshot and recent notices (JSON)
  /login, /logout   sign in and sign out
  /metrics          Prometheus metrics
  /health/live      liveness probe
  /health/ready     readiness probe (auth backend, stores, controller)
  /health/startup   startup probe (initial session check finished)

On SIGTERM or SIGINT readiness fails first, then connections drain for
up to server.shutdown_timeout.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg := opts.cfg
			if address != "" {
				cfg.Server.Address = address
			}

			reg, m := metrics.NewRegistry()
			a, err := newApp(ctx, cfg, opts.logger, m)
			if err != nil {
				return err
			}
			defer a.Close()

			ctrl, err := a.controller()
			if err != nil {
				return err
			}
			defer ctrl.Teardown()

			info := version.GetInfo()
			probes := health.NewProbeManager(info.Version)
			for _, c := range a.checkers {
				probes.AddChecker(c)
			}
			probes.AddChecker(health.NewSessionChecker(ctrl))

			srv := server.NewServer(server.Config{
				Address:         cfg.Server.Address,
				ReadTimeout:     cfg.Server.ReadTimeout,
				WriteTimeout:    cfg.Server.WriteTimeout,
				ShutdownTimeout: cfg.Server.ShutdownTimeout,
			}, server.Deps{
				Controller: ctrl,
				SignIn:     a.client,
				Notices:    a.notices,
				Probes:     probes,
				Metrics:    m,
				Gatherer:   reg,
				Logger:     opts.logger,
			})

			if err := ctrl.Initialize(ctx); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "crust %s listening on %s (session %s)\n",
				info.Version, cfg.Server.Address, ctrl.Snapshot().State)

			serverErr := make(chan error, 1)
			go func() {
				serverErr <- srv.Start()
			}()

			select {
			case err := <-serverErr:
				if !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("server error: %w", err)
				}
				return nil
			case <-ctx.Done():
			}

			opts.logger.Info("shutting down")
			if err := srv.Shutdown(context.WithoutCancel(ctx)); err != nil {
				return fmt.Errorf("shutdown: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&address, "address", "", "listen address (overrides server.address)")
	return cmd
}
