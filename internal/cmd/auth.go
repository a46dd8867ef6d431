package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/crust/internal/auth"
	crusterrors "github.com/felixgeelhaar/crust/internal/errors"
	"github.com/felixgeelhaar/crust/internal/session"
	"github.com/felixgeelhaar/crust/internal/tui"
)

func newAuthCmd(opts *rootOptions) *cobra.Command {
	authCmd := &cobra.Command{
		Use:   "auth",
		Short: "Sign in, sign out and inspect the current session",
		Long: `Manage the signed-in session.

The session artifact is stored according to session.store: a JSON file
(default ~/.crust/session.json, mode 0600), redis, or memory.

Examples:
  crust auth login --email nonna@example.com
  crust auth status
  crust auth logout`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	authCmd.AddCommand(newAuthLoginCmd(opts), newAuthLogoutCmd(opts), newAuthStatusCmd(opts))
	return authCmd
}

func newAuthLoginCmd(opts *rootOptions) *cobra.Command {
	var creds tui.Credentials
	var noPrompt bool

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in with email and password",
		Long: `Sign in with email and password. Missing values are prompted for
when running in a terminal.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			if creds.Email == "" || creds.Password == "" {
				if noPrompt || !tui.ShouldPrompt() {
					return errors.New("required flag(s) \"email\" and \"password\" not set")
				}
				var err error
				if creds, err = tui.PromptForCredentials(creds); err != nil {
					return err
				}
			}
			if err := tui.ValidateEmail(creds.Email); err != nil {
				return err
			}

			a, err := newApp(ctx, opts.cfg, opts.logger, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			sess, err := a.client.SignInWithPassword(ctx, creds.Email, creds.Password)
			if err != nil {
				return backendError(opts.cfg, err)
			}

			p, perr := a.profiles.FetchProfile(ctx, sess.UserID)
			if perr != nil && !errors.Is(perr, auth.ErrProfileNotFound) {
				opts.logger.WithError(perr).Warn("profile fetch failed")
			}

			out := cmd.OutOrStdout()
			styles := tui.DefaultStyles()
			fmt.Fprintln(out, styles.Success.Render("Signed in")+" as "+displayName(sess, p))

			switch {
			case errors.Is(perr, auth.ErrProfileNotFound):
				fmt.Fprintln(out, styles.Warning.Render("No profile found; you have member access only."))
			case p != nil && p.IsSuspended:
				fmt.Fprintln(out, styles.Error.Render("This account is suspended.")+" The site will show the suspension notice.")
			case p != nil:
				fmt.Fprintln(out, "Roles: "+roleList(session.Snapshot{IsAdmin: p.IsAdmin, IsStaff: p.IsStaff}))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&creds.Email, "email", "", "account email")
	cmd.Flags().StringVar(&creds.Password, "password", "", "account password (prompted when omitted)")
	cmd.Flags().BoolVar(&noPrompt, "no-prompt", false, "fail instead of prompting for missing credentials")
	return cmd
}

func newAuthLogoutCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and remove the stored session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := newApp(ctx, opts.cfg, opts.logger, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			sess, err := a.client.GetCurrentSession(ctx)
			if err != nil {
				opts.logger.WithError(err).Debug("could not restore session before sign-out")
			}
			if err := a.client.SignOut(ctx); err != nil {
				return backendError(opts.cfg, err)
			}

			if sess == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "Not signed in.")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Signed out "+displayName(sess, nil)+".")
			return nil
		},
	}
}

// statusReport is the --json form of `auth status`.
type statusReport struct {
	Session          session.Snapshot `json:"session"`
	TokenFingerprint string           `json:"token_fingerprint,omitempty"`
	NextRefresh      *time.Time       `json:"next_refresh,omitempty"`
}

func newAuthStatusCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the current session and roles",
		Long: `Restore the stored session, refresh it if it is close to expiry,
load the profile and print the result.

Exits with code 5 when nobody is signed in and 4 when the account is
suspended.`,
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

			if err := ctrl.Initialize(ctx); err != nil {
				return err
			}

			report := statusReport{Session: ctrl.Snapshot()}
			if s := ctrl.Session(); s != nil {
				report.TokenFingerprint = auth.Fingerprint(s.AccessToken)
			}
			if at, ok := ctrl.NextRefresh(); ok {
				report.NextRefresh = &at
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(report); err != nil {
					return err
				}
			} else {
				renderStatus(out, report, time.Now())
			}

			switch snap := report.Session; {
			case !snap.SignedIn():
				return crusterrors.NewSessionNotFoundError()
			case snap.IsSuspended:
				return crusterrors.NewSessionSuspendedError(snap.User.Username)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the status as JSON")
	return cmd
}

func renderStatus(w io.Writer, r statusReport, now time.Time) {
	styles := tui.DefaultStyles()
	row := func(label, value string) string {
		return styles.Label.Render(label) + styles.Value.Render(value) + "\n"
	}

	var b strings.Builder
	snap := r.Session
	if u := snap.User; u != nil {
		name := u.Username
		if name == "" {
			name = "(no username)"
		}
		b.WriteString(row("User", name))
		if u.Email != "" {
			b.WriteString(row("Email", u.Email))
		}
		b.WriteString(row("User ID", u.ID))
		b.WriteString(row("Roles", roleList(snap)))
		b.WriteString(row("Expires", fmt.Sprintf("%s (in %s)", u.ExpiresAt.Local().Format(time.RFC3339), u.ExpiresAt.Sub(now).Round(time.Second))))
		if r.NextRefresh != nil {
			b.WriteString(row("Next refresh", r.NextRefresh.Local().Format(time.RFC3339)))
		}
		if r.TokenFingerprint != "" {
			b.WriteString(row("Token", r.TokenFingerprint))
		}
		if snap.IsSuspended {
			b.WriteString(row("", styles.Error.Render("account suspended")))
		}
	} else {
		b.WriteString(row("User", styles.Muted.Render("not signed in")))
	}

	fmt.Fprintln(w, styles.Title.Render("crust "+snap.State.String()))
	fmt.Fprintln(w, styles.Border.Render(strings.TrimRight(b.String(), "\n")))
}

func roleList(snap session.Snapshot) string {
	var roles []string
	if snap.IsAdmin {
		roles = append(roles, "admin")
	}
	if snap.IsStaff {
		roles = append(roles, "staff")
	}
	if len(roles) == 0 {
		return "member"
	}
	return strings.Join(roles, ", ")
}

func displayName(s *auth.Session, p *auth.Profile) string {
	if p != nil && p.Username != nil && *p.Username != "" {
		return *p.Username
	}
	if s == nil {
		return ""
	}
	if email := s.Email(); email != "" {
		return email
	}
	return s.UserID
}
