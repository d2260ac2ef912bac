package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/docsift/docsift/internal/app"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the crawl API server",
		Long: `Starts the HTTP API for managing crawl jobs, exposing crawl control
under /v1/crawls, run history under /v1/runs, and Prometheus metrics on
/metrics. The server drains gracefully on SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			a, err := app.Build(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("build services: %w", err)
			}
			defer a.Close(cmd.Context())

			return a.Run(cmd.Context())
		},
	}
}
