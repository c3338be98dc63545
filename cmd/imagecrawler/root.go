package main

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/image-crawler/internal/config"
	"github.com/JakeFAU/image-crawler/internal/logging"
)

type rootOptions struct {
	cfgFile string
	envFile string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "imagecrawler",
		Short: "Collects image URLs from seed pages and the pages they link to.",
		Long: `imagecrawler fetches each seed URL, follows the links found on it one
level deep and reports every image referenced by the seed and its children.
Jobs are submitted over HTTP (serve) or run once from the command line (crawl).`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&opts.cfgFile, "config", "", "path to a YAML config file")
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before the config")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newCrawlCmd(opts))
	return cmd
}

// load reads the optional dotenv file, then the config, then builds the logger.
func (o *rootOptions) load() (*config.Config, *zap.Logger, error) {
	if o.envFile != "" {
		if err := godotenv.Load(o.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, nil, fmt.Errorf("load env file %s: %w", o.envFile, err)
		}
	}
	cfg, err := config.Load(o.cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, nil, fmt.Errorf("logger init failed: %w", err)
	}
	return &cfg, logger, nil
}
