package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitemap-crawler/internal/config"
	"github.com/JakeFAU/sitemap-crawler/internal/crawl"
	collyfetcher "github.com/JakeFAU/sitemap-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/sitemap-crawler/internal/logging"
	"github.com/JakeFAU/sitemap-crawler/internal/report"
	"github.com/JakeFAU/sitemap-crawler/internal/server"
	"github.com/JakeFAU/sitemap-crawler/internal/sitemap"
)

// Engine crawls a list of sitemaps.
type Engine interface {
	Run(ctx context.Context, sitemaps []string) ([]crawl.Summary, error)
}

// newEngine is the engine factory. It's a variable so tests can replace it.
var newEngine = func(cfg config.Config, out io.Writer, logger *zap.Logger) Engine {
	source := sitemap.NewSource(
		sitemap.WithUserAgent(cfg.HTTP.UserAgent),
		sitemap.WithTimeout(cfg.HTTP.Timeout),
		sitemap.WithLogger(logger),
	)
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent: cfg.HTTP.UserAgent,
		Timeout:   cfg.HTTP.Timeout,
	})
	return crawl.New(
		crawl.Config{
			MaxConcurrency: cfg.Crawl.MaxConcurrency,
			PruneFailed:    cfg.Crawl.PruneFailed,
		},
		source,
		fetcher,
		report.NewConsole(out),
		logger,
	)
}

func runCrawl(cmd *cobra.Command, v *viper.Viper, cfgFile string, args []string) error {
	cfg, err := config.Load(v, cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg.Crawl.Sitemaps = append(cfg.Crawl.Sitemaps, config.NormalizeSitemaps(args)...)
	if len(cfg.Crawl.Sitemaps) == 0 {
		_ = cmd.Help()
		return ErrNoSitemaps
	}

	logger, err := logging.New(logging.Options{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush
	restore := zap.ReplaceGlobals(logger)
	defer restore()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if cfg.Metrics.Addr != "" {
		srv := server.New(cfg.Metrics.Addr, logger)
		if err := srv.Start(ctx); err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("metrics server shutdown failed", zap.Error(err))
			}
		}()
	}

	logger.Info("crawl starting",
		zap.Strings("sitemaps", cfg.Crawl.Sitemaps),
		zap.Int("max_concurrency", cfg.Crawl.MaxConcurrency),
		zap.Duration("timeout", cfg.HTTP.Timeout),
	)
	start := time.Now()
	summaries, err := newEngine(cfg, cmd.OutOrStdout(), logger).Run(ctx, cfg.Crawl.Sitemaps)

	var succeeded, failed int64
	for _, s := range summaries {
		succeeded += s.Succeeded
		failed += s.Failed
	}
	logger.Info("crawl finished",
		zap.Int("sitemaps", len(summaries)),
		zap.Int64("succeeded", succeeded),
		zap.Int64("failed", failed),
		zap.Duration("elapsed", time.Since(start)),
	)

	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("crawl interrupted")
		}
		return fmt.Errorf("run crawl: %w", err)
	}
	return nil
}
