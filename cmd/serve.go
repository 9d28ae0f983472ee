package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/harvester/internal/app"
	"github.com/JakeFAU/harvester/internal/config"
)

// runner is the part of *app.App the serve command needs.
type runner interface {
	Run(ctx context.Context) error
}

// buildApp is the application factory; tests replace it.
var buildApp = func(ctx context.Context, cfg config.Config) (runner, error) {
	return app.Build(ctx, cfg)
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run a harvester process",
		Long: `Starts the role selected by broker.role: a standalone crawler, a producer
that runs discovery and publishes jobs, or a consumer that fetches jobs from
the broker. Blocks until SIGINT or SIGTERM, then shuts down gracefully.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if opts.logLevel != "" {
				cfg.Logging.Level = opts.logLevel
			}
			a, err := buildApp(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("build application: %w", err)
			}
			return a.Run(cmd.Context())
		},
	}
}
