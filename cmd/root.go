package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/regcrawler/internal/app"
	"github.com/JakeFAU/regcrawler/internal/config"
	"github.com/JakeFAU/regcrawler/internal/crawler"
)

// Runner is the part of app.App the commands use. Tests inject their own.
type Runner interface {
	RunID() string
	Run(ctx context.Context) (crawler.Summary, error)
	Close() error
}

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (Runner, error) {
	return app.New(ctx, cfg, app.Options{}, logger)
}

type rootOptions struct {
	configFile string
	verbose    bool
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "regcrawler",
		Short: "Crawls regulatory sites and extracts structured records.",
		Long: `regcrawler starts from a list of listing pages, follows links down to
document pages matched by configurable patterns, and extracts each document
into a structured record. Fetches are rate limited per host, retried with
exponential backoff and guarded by a per-host circuit breaker.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "config file (default searches ./config.yaml, /etc/regcrawler/, $HOME/.regcrawler)")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")

	cmd.AddCommand(newCrawlCmd(opts))
	return cmd
}

// Execute runs the CLI and returns the process exit code. Per-URL failures
// never change the exit code; invalid configuration and unusable output
// folders do.
func Execute() int {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		var cfgErr *crawler.ConfigError
		if errors.As(err, &cfgErr) {
			return 2
		}
		return 1
	}
	return 0
}
