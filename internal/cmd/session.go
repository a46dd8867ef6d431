package cmd

import (
	"encoding/json"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/crust/internal/auth"
	crusterrors "github.com/felixgeelhaar/crust/internal/errors"
	"github.com/felixgeelhaar/crust/internal/notify"
	"github.com/felixgeelhaar/crust/internal/session"
	"github.com/felixgeelhaar/crust/internal/tui"
)

func newSessionCmd(opts *rootOptions) *cobra.Command {
	sessionCmd := &cobra.Command{
		Use:   "session",
		Short: "Watch or refresh the live session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	sessionCmd.AddCommand(newSessionWatchCmd(opts), newSessionRefreshCmd(opts))
	return sessionCmd
}

func newSessionWatchCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Keep the session alive and show every state change",
		Long: `Run the session controller in the foreground. The session is refreshed
five minutes before it expires; if a refresh fails the session is
signed out. In JSON mode the watch then ends.

In a terminal an interactive view is shown. With --json (or when stdout
is not a terminal) each snapshot is printed as one JSON line.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := newApp(ctx, opts.cfg, opts.logger, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			ctrl, err := a.controller()
			if err != nil {
				return err
			}
			defer ctrl.Teardown()

			snapshots, stop := ctrl.Watch()
			defer stop()

			if asJSON || !tui.IsInteractive() {
				unsubscribe := a.notices.Subscribe(func(m notify.Message) {
					opts.logger.Info("notice", "kind", string(m.Kind), "text", m.Text, "route", m.Route)
				})
				defer unsubscribe()

				if err := ctrl.Initialize(ctx); err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				for {
					select {
					case <-ctx.Done():
						return nil
					case snap, ok := <-snapshots:
						if !ok {
							return nil
						}
						if err := enc.Encode(snap); err != nil {
							return err
						}
						if snap.State == session.SignedOut {
							return nil
						}
					}
				}
			}

			model := tui.NewWatchModel(ctrl.Snapshot(), snapshots,
				tui.WithNextRefresh(ctrl.NextRefresh),
				tui.WithSignOut(func() tea.Msg {
					if err := ctrl.SignOut(ctx); err != nil {
						opts.logger.WithError(err).Debug("sign out from watch")
					}
					return nil
				}),
			)
			program := tea.NewProgram(model, tea.WithContext(ctx), tea.WithOutput(cmd.OutOrStdout()))

			unsubscribe := a.notices.Subscribe(func(m notify.Message) {
				program.Send(tui.NoticeMsg(m))
			})
			defer unsubscribe()

			go func() {
				if err := ctrl.Initialize(ctx); err != nil {
					opts.logger.WithError(err).Warn("session check failed")
				}
			}()

			if _, err := program.Run(); err != nil && ctx.Err() == nil {
				return fmt.Errorf("watch view failed: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print snapshots as JSON lines instead of the interactive view")
	return cmd
}

func newSessionRefreshCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Refresh the stored session now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := newApp(ctx, opts.cfg, opts.logger, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			if current, err := a.client.GetCurrentSession(ctx); err != nil {
				return backendError(opts.cfg, err)
			} else if current == nil {
				return crusterrors.NewSessionNotFoundError()
			}

			sess, err := a.client.RefreshSession(ctx)
			switch {
			case auth.IsAuthError(err, auth.ErrNoRefreshToken):
				return crusterrors.NewSessionNotFoundError()
			case auth.IsAuthError(err, auth.ErrRefreshFailed):
				return crusterrors.NewSessionExpiredError(err)
			case err != nil:
				return backendError(opts.cfg, err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Session refreshed; expires %s (token %s).\n",
				sess.ExpiresAt.Local().Format("2006-01-02 15:04:05"), auth.Fingerprint(sess.AccessToken))
			return nil
		},
	}
}
