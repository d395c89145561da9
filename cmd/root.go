// Package cmd defines the raid-snapshot command line.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/raid-snapshot/internal/app"
	"github.com/JakeFAU/raid-snapshot/internal/config"
	"github.com/JakeFAU/raid-snapshot/internal/logging"
)

// Runner performs one snapshot run. The command closes it when done.
type Runner interface {
	Run(ctx context.Context) (app.Result, error)
	Close()
}

// newRunner is the pipeline factory. Tests swap it for a fake.
var newRunner = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (Runner, error) {
	p, err := app.New(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "raid-snapshot",
		Short: "Write a JSON snapshot of current and upcoming Pokebattler raids.",
		Long: `raid-snapshot fetches the Pokebattler raids listing once, extracts the
embedded raid schedule, joins it with the names, icons and difficulty shown in
the page, and writes the raids that are active or start within the upcoming
window to a JSON file.

Settings come from flags, RAIDS_* environment variables and an optional config
file, in that order of precedence.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath, cmd.Flags())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			logger, err := logging.New(logging.Config{
				Development: cfg.Logging.Development,
				Level:       cfg.Logging.Level,
			})
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			defer func() { _ = logger.Sync() }()
			zap.ReplaceGlobals(logger)

			runner, err := newRunner(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("initialize pipeline: %w", err)
			}
			defer runner.Close()

			res, err := runner.Run(cmd.Context())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d raids to %s\n", res.Count, res.Path)
			return err
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "optional config file (yaml, json or toml)")
	cmd.Flags().String("url", config.DefaultSourceURL, "raids listing URL")
	cmd.Flags().String("output", config.DefaultOutputPath, "snapshot file to write")

	return cmd
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "raid-snapshot: %v\n", err)
		zap.L().Fatal("snapshot run failed", zap.Error(err))
	}
}
