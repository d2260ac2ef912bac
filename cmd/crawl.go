package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/docsift/docsift/internal/app"
	"github.com/docsift/docsift/internal/crawler"
	"github.com/docsift/docsift/internal/orchestrator"
)

func newCrawlCmd() *cobra.Command {
	var (
		maxPages int
		maxDepth int
		strategy string
		sourceID string
		name     string
	)

	cmd := &cobra.Command{
		Use:   "crawl <url>",
		Short: "Crawl one documentation site and report progress",
		Long: `Runs a single crawl to completion and prints live progress. The
configured stores are used as-is; with the default configuration the
results stay in memory, which makes this command a dry run for checking
what a site yields before wiring persistent backends.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			// Progress goes to the terminal display, not the log.
			cfg.Progress.LogEnabled = false

			a, err := app.Build(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("build services: %w", err)
			}
			defer a.Close(cmd.Context())

			orch := a.Orchestrator()
			jobID, err := orch.StartCrawl(cmd.Context(), args[0], orchestrator.Options{
				DisplayName:      name,
				SourceID:         sourceID,
				MaxPages:         maxPages,
				MaxDepth:         maxDepth,
				StrategyOverride: crawler.StrategyKind(strategy),
			})
			if err != nil {
				return fmt.Errorf("start crawl: %w", err)
			}

			job, err := watchJob(cmd, orch, jobID)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "\n%s: %d pages processed, %d succeeded, %d failed\n",
				job.Status, job.ProcessedPages, job.SuccessfulPages, job.FailedPages)
			if job.Status != orchestrator.StatusCompleted {
				if job.Error != "" {
					return errors.New(job.Error)
				}
				return fmt.Errorf("crawl finished with status %s", job.Status)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&maxPages, "max-pages", 0, "page budget for this crawl (0 uses the configured default)")
	cmd.Flags().IntVar(&maxDepth, "max-depth", 0, "link depth for this crawl (0 uses the configured default)")
	cmd.Flags().StringVar(&strategy, "strategy", "", "force a discovery strategy (single_page, frameset, sitemap, link_follow)")
	cmd.Flags().StringVar(&sourceID, "source", "", "source identifier stored with the results (defaults to the URL host)")
	cmd.Flags().StringVar(&name, "name", "", "display name for the job")

	return cmd
}

// watchJob polls the job until it is terminal, reprinting the progress
// display whenever it changes.
func watchJob(cmd *cobra.Command, orch *orchestrator.Orchestrator, jobID string) (orchestrator.BackgroundJob, error) {
	out := cmd.OutOrStdout()
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	var last string
	for {
		job, err := orch.Status(jobID)
		if err != nil {
			return orchestrator.BackgroundJob{}, fmt.Errorf("job status: %w", err)
		}
		if display := orch.ProgressDisplay(); display != last {
			fmt.Fprint(out, display)
			last = display
		}
		if job.Status.Terminal() {
			return job, nil
		}

		select {
		case <-cmd.Context().Done():
			// Ctrl-C: ask the orchestrator to stop, then report the final state.
			_ = orch.Cancel(jobID)
			orch.Wait()
			job, err := orch.Status(jobID)
			if err != nil {
				return orchestrator.BackgroundJob{}, cmd.Context().Err()
			}
			return job, nil
		case <-ticker.C:
		}
	}
}
