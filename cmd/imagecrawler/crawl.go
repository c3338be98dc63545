package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/image-crawler/internal/server"
)

type crawlOutput struct {
	JobID     string              `json:"job_id"`
	URLs      []string            `json:"urls"`
	Threads   int                 `json:"threads"`
	ImageURLs map[string][]string `json:"image_urls"`
}

func newCrawlCmd(opts *rootOptions) *cobra.Command {
	var threads int
	cmd := &cobra.Command{
		Use:   "crawl URL...",
		Short: "Crawl the given seed URLs once and print the images found as JSON",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("threads") {
				threads = cfg.Crawler.DefaultWorkers
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			app, err := server.Build(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("build application: %w", err)
			}
			defer func() {
				if cerr := app.Close(context.Background()); cerr != nil {
					logger.Warn("application close failed", zap.Error(cerr))
				}
			}()

			job, err := app.Crawl(ctx, args, threads)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(crawlOutput{
				JobID:     job.ID,
				URLs:      job.Seeds,
				Threads:   job.Workers,
				ImageURLs: job.Images,
			}); err != nil {
				return fmt.Errorf("write result: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&threads, "threads", "t", 1, "number of worker goroutines for the job")
	return cmd
}
