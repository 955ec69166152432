// Package crawl drives one bounded processor per sitemap and runs all
// sitemaps in parallel.
package crawl

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/sitemap-crawler/internal/metrics"
	"github.com/JakeFAU/sitemap-crawler/internal/processor"
	"github.com/JakeFAU/sitemap-crawler/internal/sitemap"
)

// Opener opens a sitemap for streaming.
type Opener interface {
	Open(ctx context.Context, url string) (*sitemap.Stream, error)
}

// Reporter receives progress events and per-URL results.
type Reporter interface {
	processor.Reporter
	Crawling(sitemaps []string)
	GettingSitemap(url string)
	Waiting()
	Done()
}

// Config controls every processor the Driver creates.
type Config struct {
	MaxConcurrency int
	PruneFailed    bool
}

// Summary describes the crawl of one sitemap.
type Summary struct {
	Sitemap   string
	RunID     string
	Locations int
	Succeeded int64
	Failed    int64
	// FailedURLs lists the locations whose fetch failed, in submission order.
	FailedURLs []string
	Err        error
}

// Driver wires a sitemap source and a fetcher into per-sitemap processors.
type Driver struct {
	cfg      Config
	source   Opener
	fetcher  processor.Fetcher
	reporter Reporter
	logger   *zap.Logger
}

// New constructs a Driver.
func New(cfg Config, source Opener, f processor.Fetcher, reporter Reporter, logger *zap.Logger) *Driver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{
		cfg:      cfg,
		source:   source,
		fetcher:  f,
		reporter: reporter,
		logger:   logger.Named("crawl"),
	}
}

// Run crawls every sitemap concurrently and returns once all of them have
// finished. Sitemaps are independent: one failing never stops the others.
// The first sitemap-level error is returned after every task has settled;
// per-URL failures are only reported.
func (d *Driver) Run(ctx context.Context, sitemaps []string) ([]Summary, error) {
	d.reporter.Crawling(sitemaps)

	summaries := make([]Summary, len(sitemaps))
	var g errgroup.Group
	for i, url := range sitemaps {
		g.Go(func() error {
			summaries[i] = d.crawlSitemap(ctx, url)
			return summaries[i].Err
		})
	}
	if err := g.Wait(); err != nil {
		return summaries, err
	}

	d.reporter.Done()
	return summaries, nil
}

func (d *Driver) crawlSitemap(ctx context.Context, url string) Summary {
	logger := d.logger.With(zap.String("sitemap", url))
	summary := Summary{Sitemap: url}

	d.reporter.GettingSitemap(url)
	stream, err := d.source.Open(ctx, url)
	if err != nil {
		summary.Err = fmt.Errorf("crawl sitemap %s: %w", url, err)
		metrics.ObserveSitemap("failed")
		logger.Error("sitemap unavailable", zap.Error(err))
		return summary
	}
	defer func() {
		if cerr := stream.Close(); cerr != nil {
			logger.Warn("failed to close sitemap", zap.Error(cerr))
		}
	}()

	proc := processor.New(processor.Config{
		MaxConcurrency: d.cfg.MaxConcurrency,
		PruneFailed:    d.cfg.PruneFailed,
		BaseContext:    ctx,
	}, d.fetcher, d.reporter, logger)
	summary.RunID = proc.ID()

	var feedErr error
	for loc, err := range stream.Locations() {
		if err != nil {
			feedErr = err
			break
		}
		summary.Locations++
		metrics.ObserveLocation()
		if _, err := proc.Submit(ctx, loc); err != nil {
			feedErr = err
			break
		}
	}

	// Locations already admitted still run to completion before reporting
	// a feed failure.
	d.reporter.Waiting()
	drainErr := proc.Drain(ctx)

	stats := proc.Stats()
	summary.Succeeded = stats.Succeeded
	summary.Failed = stats.Failed
	for _, h := range proc.Failed() {
		summary.FailedURLs = append(summary.FailedURLs, h.URL)
	}

	if err := errors.Join(feedErr, drainErr); err != nil {
		summary.Err = fmt.Errorf("crawl sitemap %s: %w", url, err)
		metrics.ObserveSitemap("failed")
		logger.Error("sitemap crawl failed",
			zap.Int("locations", summary.Locations),
			zap.Int64("succeeded", summary.Succeeded),
			zap.Int64("failed", summary.Failed),
			zap.Error(err),
		)
		return summary
	}

	metrics.ObserveSitemap("succeeded")
	logger.Info("sitemap crawled",
		zap.String("run_id", summary.RunID),
		zap.Int("locations", summary.Locations),
		zap.Int64("succeeded", summary.Succeeded),
		zap.Int64("failed", summary.Failed),
	)
	return summary
}
