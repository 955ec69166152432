// Package report prints crawl progress and per-URL outcomes as text lines.
package report

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/JakeFAU/sitemap-crawler/internal/fetcher"
)

// Console writes one line per event. Writes are serialized so concurrent
// results never interleave within a line.
type Console struct {
	mu sync.Mutex
	w  io.Writer
}

// NewConsole returns a Console writing to w.
func NewConsole(w io.Writer) *Console {
	return &Console{w: w}
}

// Crawling announces the sitemaps about to be crawled.
func (c *Console) Crawling(sitemaps []string) {
	c.println("Crawling sitemaps: " + strings.Join(sitemaps, ", "))
}

// GettingSitemap announces a sitemap download.
func (c *Console) GettingSitemap(url string) {
	c.println("Getting sitemap from " + url)
}

// Waiting announces that every location has been submitted.
func (c *Console) Waiting() {
	c.println("Waiting for crawlers to finish...")
}

// Done announces the end of the whole crawl.
func (c *Console) Done() {
	c.println("Crawling done.")
}

// Result prints the outcome of one fetch.
func (c *Console) Result(url string, status int, err error) {
	c.println(FormatResult(url, status, err))
}

// FormatResult renders a fetch outcome as "<outcome>\t<url>". The outcome is
// the numeric status on success, the status text for non-2xx responses, and
// the error text when no response was received.
func FormatResult(url string, status int, err error) string {
	var statusErr *fetcher.StatusError
	switch {
	case err == nil:
		return strconv.Itoa(status) + "\t" + url
	case errors.As(err, &statusErr):
		return fetcher.StatusText(statusErr.Code) + "\t" + url
	default:
		return err.Error() + "\t" + url
	}
}

func (c *Console) println(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = fmt.Fprintln(c.w, line)
}
