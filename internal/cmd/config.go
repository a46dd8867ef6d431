package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/crust/internal/config"
	"github.com/felixgeelhaar/crust/internal/tui"
)

func newConfigCmd(opts *rootOptions) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Write, show and check crust configuration",
		Long: `Manage crust configuration.

Values come from config.yaml (., ./.crust or ~/.crust) and can be
overridden with CRUST_* environment variables, e.g.

  CRUST_BACKEND_URL=https://xyz.supabase.co
  CRUST_BACKEND_ANON_KEY=...
  CRUST_SESSION_STORE=redis`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	configCmd.AddCommand(newConfigInitCmd(opts), newConfigShowCmd(opts), newConfigPathCmd(opts), newConfigValidateCmd(opts))
	return configCmd
}

func newConfigInitCmd(opts *rootOptions) *cobra.Command {
	var (
		path    string
		force   bool
		url     string
		anonKey string
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config file with the effective settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if path == "" {
				path = filepath.Join(config.Dir(), "config.yaml")
			}
			cfg := *opts.cfg
			if url != "" {
				cfg.Backend.URL = url
			}
			if anonKey != "" {
				cfg.Backend.AnonKey = anonKey
			}

			if _, err := os.Stat(path); err == nil && !force && tui.ShouldPrompt() {
				ok, err := tui.PromptForConfirmation(fmt.Sprintf("%s exists. Overwrite?", path), false)
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(cmd.OutOrStdout(), "Left existing config unchanged.")
					return nil
				}
				force = true
			}

			if err := config.WriteFile(path, &cfg, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)

			if err := cfg.Validate(); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "\nThe file is not usable yet:\n%v\n", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&path, "path", "", "where to write (default ~/.crust/config.yaml)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	cmd.Flags().StringVar(&url, "backend-url", "", "hosted backend project URL")
	cmd.Flags().StringVar(&anonKey, "anon-key", "", "hosted backend anon key")
	return cmd
}

func newConfigShowCmd(opts *rootOptions) *cobra.Command {
	var reveal bool

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := opts.cfg
			if !reveal {
				cfg = cfg.Redacted()
			}
			data, err := cfg.Marshal()
			if err != nil {
				return err
			}
			if opts.configUsed != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "# %s\n", opts.configUsed)
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "# defaults and environment (no config file found)")
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}

	cmd.Flags().BoolVar(&reveal, "reveal", false, "show secrets unmasked")
	return cmd
}

func newConfigPathCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Show which config file is in use",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.configUsed == "" {
				fmt.Fprintf(cmd.OutOrStdout(), "none (would write %s)\n", filepath.Join(config.Dir(), "config.yaml"))
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), opts.configUsed)
			return nil
		},
	}
}

func newConfigValidateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.cfg.Validate(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Configuration is valid.")
			return nil
		},
	}
}
