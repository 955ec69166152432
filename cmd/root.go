// Package cmd defines and implements the CLI for the sitemapcrawl executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitemap-crawler/internal/logging"
)

// ErrNoSitemaps is returned when neither flags, arguments, config nor
// environment name a sitemap.
var ErrNoSitemaps = errors.New("no sitemap URLs supplied")

// newRootCmd creates the root command and binds its flags to a fresh Viper
// instance so tests never share state.
func newRootCmd() *cobra.Command {
	v := viper.New()
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "sitemapcrawl [flags] [sitemap-url...]",
		Short: "Fetch every URL listed in one or more sitemaps.",
		Long: `sitemapcrawl downloads each sitemap, extracts every <loc> entry and issues
a GET for it while keeping at most --max-concurrency requests in flight per
sitemap. Sitemaps are crawled in parallel. One line is printed per URL with
its status code, or the status text when the response was not 2xx.`,
		Example: `  sitemapcrawl -s https://example.com/sitemap.xml
  sitemapcrawl -c 4 -s https://a.example/sitemap.xml,https://b.example/sitemap.xml`,
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCrawl(cmd, v, cfgFile, args)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfgFile, "config", "", "optional config file (yaml, json or toml)")
	flags.StringSliceP("sitemap", "s", nil, "sitemap URL; repeat the flag or separate values with commas")
	flags.StringP("max-concurrency", "c", "10", "maximum concurrent fetches per sitemap; invalid values fall back to 10")
	flags.String("user-agent", "sitemapcrawl/1.0", "User-Agent header for every request")
	flags.Duration("timeout", 30*time.Second, "per-request timeout; 0 disables it")
	flags.Bool("prune-failed", false, "drop failed fetches from the pending set as well")
	flags.String("metrics-addr", "", "serve /metrics and /healthz on this address while crawling")
	flags.Bool("log-development", false, "use the human-friendly development logger")
	flags.String("log-level", "info", "minimum log level (debug, info, warn, error)")

	if err := bindFlags(v, flags); err != nil {
		panic(err)
	}

	return cmd
}

// flagBindings maps config keys to the flags that override them.
var flagBindings = map[string]string{
	"crawl.sitemaps":        "sitemap",
	"crawl.max_concurrency": "max-concurrency",
	"crawl.prune_failed":    "prune-failed",
	"http.user_agent":       "user-agent",
	"http.timeout":          "timeout",
	"metrics.addr":          "metrics-addr",
	"logging.development":   "log-development",
	"logging.level":         "log-level",
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for key, name := range flagBindings {
		flag := flags.Lookup(name)
		if flag == nil {
			return fmt.Errorf("bind %s: flag --%s not defined", key, name)
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("bind %s: %w", key, err)
		}
	}
	return nil
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err == nil {
		return
	}
	if !errors.Is(err, ErrNoSitemaps) {
		if logger, lerr := logging.New(logging.Options{}); lerr == nil {
			logger.Error("command execution failed", zap.Error(err))
			_ = logger.Sync()
		} else {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
	}
	os.Exit(1)
}
