package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"crewd/internal/app"
)

type serveOptions struct {
	configPath string
}

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	root := newRootCmd(logger)
	if err := root.Execute(); err != nil {
		logger.Fatal("command failed", zap.Error(err))
	}
}

func newRootCmd(logger *zap.Logger) *cobra.Command {
	opts := serveOptions{
		configPath: "crewd.yaml",
	}

	root := &cobra.Command{
		Use:   "crewd",
		Short: "Multi-tenant crew orchestrator with dynamic tool discovery",
	}

	bindCatalogFlags(root.PersistentFlags(), &opts)

	root.AddCommand(
		newServeCmd(logger, &opts),
		newValidateCmd(logger, &opts),
	)

	return root
}

func bindCatalogFlags(flags *pflag.FlagSet, opts *serveOptions) {
	flags.StringVar(&opts.configPath, "config", opts.configPath, "path to catalog config file")
}

func newServeCmd(logger *zap.Logger, opts *serveOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration core",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalAwareContext(cmd.Context())
			defer cancel()

			application := app.New(logger)
			return application.Serve(ctx, app.ServeConfig{
				ConfigPath: opts.configPath,
			})
		},
	}

	return cmd
}

func newValidateCmd(logger *zap.Logger, opts *serveOptions) *cobra.Command {
	var print bool

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate catalog configuration without serving",
		RunE: func(cmd *cobra.Command, args []string) error {
			application := app.New(logger)
			cfg, err := application.ValidateConfig(cmd.Context(), app.ValidateConfig{
				ConfigPath: opts.configPath,
			})
			if err != nil {
				return err
			}
			if print {
				return yaml.NewEncoder(cmd.OutOrStdout()).Encode(cfg)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&print, "print", false, "print the effective configuration as YAML")

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
