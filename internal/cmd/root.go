// Package cmd implements the crust command line.
package cmd

import (
	"context"
	"strings"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"

	"github.com/felixgeelhaar/crust/internal/config"
	"github.com/felixgeelhaar/crust/internal/log"
	"github.com/felixgeelhaar/crust/internal/telemetry"
	"github.com/felixgeelhaar/crust/internal/version"
)

// rootOptions is shared by every subcommand.
type rootOptions struct {
	configPath string
	logLevel   string
	logFormat  string

	cfg        *config.Config
	configUsed string
	logger     *log.Logger
	span       trace.Span
	shutdown   func(context.Context) error
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	root, _ := newRoot()
	return root
}

func newRoot() (*cobra.Command, *rootOptions) {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "crust",
		Short: "Session lifecycle tools for the pizza recipe and review site",
		Long: `crust keeps a signed-in session alive against the hosted backend.

It signs users in, refreshes their session five minutes before it
expires, derives their admin/staff/suspended roles from the profile
store, and signs them out cleanly when the session can no longer be
renewed.

Configuration is read from config.yaml in ., ./.crust or ~/.crust and
from CRUST_* environment variables (e.g. CRUST_BACKEND_URL).`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: opts.setup,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "config file (default searches ., ./.crust and ~/.crust)")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error")
	flags.StringVar(&opts.logFormat, "log-format", "", "log format: text or json")

	rootCmd.AddCommand(
		newAuthCmd(opts),
		newSessionCmd(opts),
		newServeCmd(opts),
		newConfigCmd(opts),
		newVersionCmd(),
	)
	return rootCmd, opts
}

// setup loads configuration, installs the logger and starts tracing.
func (o *rootOptions) setup(cmd *cobra.Command, args []string) error {
	cfg, used, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	if o.logFormat != "" {
		cfg.Log.Format = o.logFormat
	}
	o.cfg, o.configUsed = cfg, used

	o.logger = log.New(log.FromSettings(cfg.Log.Level, cfg.Log.Format, cmd.ErrOrStderr()))
	log.SetDefaultLogger(o.logger)
	if used != "" {
		o.logger.Debug("loaded config", "path", used)
	}

	if cfg.Telemetry.Enabled {
		tcfg := telemetry.DefaultConfig()
		tcfg.ServiceVersion = version.GetInfo().Version
		tcfg.Enabled = true
		tcfg.Endpoint = cfg.Telemetry.Endpoint
		tcfg.SampleRate = cfg.Telemetry.SampleRate
		tcfg.Runtime = cfg.Telemetry.Runtime
		shutdown, err := telemetry.InitProvider(cmd.Context(), tcfg)
		if err != nil {
			o.logger.WithError(err).Warn("tracing disabled")
		} else {
			o.shutdown = shutdown
		}
	}

	name := strings.ReplaceAll(strings.TrimPrefix(cmd.CommandPath(), cmd.Root().Name()+" "), " ", ".")
	ctx, span := telemetry.StartCommandSpan(cmd.Context(), name)
	cmd.SetContext(ctx)
	o.span = span
	return nil
}

// finish ends the command span and flushes the exporter. It runs whether
// or not the command failed.
func (o *rootOptions) finish(ctx context.Context, err error) {
	if o.span != nil {
		telemetry.RecordError(o.span, err)
		o.span.End()
	}
	if o.shutdown != nil {
		if serr := o.shutdown(context.WithoutCancel(ctx)); serr != nil && o.logger != nil {
			o.logger.WithError(serr).Debug("trace exporter shutdown")
		}
	}
}

// Execute runs the root command
func Execute() error {
	return ExecuteContext(context.Background())
}

// ExecuteContext runs the root command with ctx
func ExecuteContext(ctx context.Context) error {
	root, opts := newRoot()
	err := root.ExecuteContext(ctx)
	opts.finish(ctx, err)
	return err
}
