// Package cmd defines and implements the CLI commands for the regcrawler executable.
package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/regcrawler/internal/config"
	"github.com/JakeFAU/regcrawler/internal/logging"
)

// newCrawlCmd creates the 'crawl' subcommand. Flags override the config file
// and REGCRAWLER_* environment variables only when set explicitly.
func newCrawlCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Runs one crawl and prints its summary as JSON",
		Long: `Runs one crawl from the configured start URLs. In dry-run mode (the
default) records are collected in memory and only the summary is printed. In
full-run mode JSON, CSV and report files are written to the output folder,
raw HTML is archived and records are forwarded to the optional record store
and Pub/Sub topic.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCrawlCommand(cmd, root)
		},
	}

	cmd.Flags().String("mode", "", "run mode: dry-run or full-run")
	cmd.Flags().StringSlice("urls", nil, "start URLs, comma separated (replaces crawler.start_urls)")
	cmd.Flags().String("output", "", "output folder for full runs")
	cmd.Flags().String("metrics-addr", "", "serve /healthz, /metrics and /v1/progress on this address during the run")
	return cmd
}

func crawlFlags(cmd *cobra.Command) []config.Flag {
	return []config.Flag{
		{Key: "mode", Flag: cmd.Flags().Lookup("mode")},
		{Key: "crawler.start_urls", Flag: cmd.Flags().Lookup("urls")},
		{Key: "output.folder", Flag: cmd.Flags().Lookup("output")},
		{Key: "server.metrics_addr", Flag: cmd.Flags().Lookup("metrics-addr")},
	}
}

func runCrawlCommand(cmd *cobra.Command, root *rootOptions) error {
	cfg, err := config.Load(root.configFile, crawlFlags(cmd)...)
	if err != nil {
		return err
	}
	if root.verbose {
		cfg.Logging.Level = "debug"
	}

	logger, err := logging.New(logging.Options{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
		File:        cfg.Logging.File,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := runner.Close(); cerr != nil {
			logger.Warn("failed to close application services", zap.Error(cerr))
		}
	}()

	summary, err := runner.Run(ctx)
	if err != nil {
		return err
	}
	if !summary.DryRun {
		// Full runs already wrote every record to the output folder.
		summary.Records = nil
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(summary); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	if summary.Canceled {
		logger.Warn("crawl was interrupted; summary covers completed work only")
	}
	return nil
}
