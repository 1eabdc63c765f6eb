package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"unimcp/internal/app"
	"unimcp/internal/domain"
)

type rootOptions struct {
	configPath string
	logLevel   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{logLevel: "info"}

	root := &cobra.Command{
		Use:           "unimcp",
		Short:         "Unified MCP gateway aggregating tools from HTTP, bridge and WebSocket sources",
		Version:       domain.GatewayVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	bindRootFlags(root.PersistentFlags(), opts)

	root.AddCommand(
		newServeCmd(opts),
		newValidateCmd(opts),
		newSourcesCmd(opts),
	)

	return root
}

func bindRootFlags(flags *pflag.FlagSet, opts *rootOptions) {
	flags.StringVar(&opts.configPath, "config", "", "path to YAML source table (default: built-in bridges)")
	flags.StringVar(&opts.logLevel, "log-level", opts.logLevel, "log level (debug, info, warn, error)")
}

// withLogger builds the logger for one command run and reports the command
// error through it.
func withLogger(opts *rootOptions, run func(logger *zap.Logger) error) error {
	logger, err := app.NewLogger(opts.logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}
	defer func() { _ = logger.Sync() }()

	if err := run(logger); err != nil {
		logger.Error("command failed", zap.Error(err))
		return err
	}
	return nil
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway on the primary and fallback ports",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLogger(opts, func(logger *zap.Logger) error {
				settings, err := app.LoadSettings()
				if err != nil {
					return err
				}

				ctx, cancel := signalAwareContext(cmd.Context())
				defer cancel()

				application := app.New(logger)
				return application.Serve(ctx, app.ServeConfig{
					ConfigPath: opts.configPath,
					Settings:   settings,
				})
			})
		},
	}

	return cmd
}

func newValidateCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the source table without starting the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLogger(opts, func(logger *zap.Logger) error {
				settings, err := app.LoadSettings()
				if err != nil {
					return err
				}
				application := app.New(logger)
				return application.ValidateConfig(cmd.Context(), app.ValidateConfig{
					ConfigPath: opts.configPath,
					Settings:   settings,
				})
			})
		},
	}

	return cmd
}

func newSourcesCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sources",
		Short: "Print the effective source table as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLogger(opts, func(logger *zap.Logger) error {
				settings, err := app.LoadSettings()
				if err != nil {
					return err
				}
				application := app.New(logger)
				return application.Sources(cmd.Context(), app.ValidateConfig{
					ConfigPath: opts.configPath,
					Settings:   settings,
				}, cmd.OutOrStdout())
			})
		},
	}

	return cmd
}

func signalAwareContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(signals)
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}
