// Package sitemap retrieves sitemap documents and streams the locations they list.
//
// Only <loc> elements in the root element's namespace are extracted. Sitemap
// index documents are not expanded: their <loc> entries are yielded like any
// other location.
package sitemap

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/html/charset"

	"github.com/JakeFAU/sitemap-crawler/internal/fetcher"
)

// ErrStreamConsumed is yielded when a Stream is iterated more than once.
var ErrStreamConsumed = errors.New("sitemap stream already consumed")

// ErrResponseTimeout is returned when response headers do not arrive in time.
var ErrResponseTimeout = errors.New("sitemap response timed out")

// ErrEmptyDocument is yielded when the body holds no root element.
var ErrEmptyDocument = errors.New("sitemap document has no root element")

var gzipMagic = []byte{0x1f, 0x8b, 0x08}

// Source opens sitemap URLs over HTTP.
type Source struct {
	client    *http.Client
	userAgent string
	timeout   time.Duration
	logger    *zap.Logger
}

// Option configures a Source.
type Option func(*Source)

// WithHTTPClient sets the client used for sitemap requests.
func WithHTTPClient(client *http.Client) Option {
	return func(s *Source) {
		if client != nil {
			s.client = client
		}
	}
}

// WithUserAgent sets the User-Agent header sent with sitemap requests.
func WithUserAgent(ua string) Option {
	return func(s *Source) {
		s.userAgent = ua
	}
}

// WithTimeout bounds the wait for a sitemap's response headers. The body is
// streamed for as long as the crawl consumes it, so reading it is bounded
// only by the Open context. Zero disables the timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(s *Source) {
		s.timeout = timeout
	}
}

// WithLogger sets the logger used for request diagnostics.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Source) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewSource builds a Source. Without options it uses http.DefaultClient.
func NewSource(opts ...Option) *Source {
	s := &Source{
		client: http.DefaultClient,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open issues one GET for url and returns a Stream over its body. A non-2xx
// response fails immediately with a *fetcher.StatusError.
func (s *Source) Open(ctx context.Context, url string) (*Stream, error) {
	reqCtx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("build sitemap request: %w", err)
	}
	if s.userAgent != "" {
		req.Header.Set("User-Agent", s.userAgent)
	}
	req.Header.Set("Accept", "application/xml, text/xml;q=0.9, */*;q=0.8")

	var timer *time.Timer
	if s.timeout > 0 {
		timer = time.AfterFunc(s.timeout, cancel)
	}
	resp, err := s.client.Do(req)
	if timer != nil && !timer.Stop() {
		// The deadline fired; the body, if any, is no longer readable.
		if err == nil {
			_ = resp.Body.Close()
		}
		cancel()
		return nil, fmt.Errorf("get sitemap %s: %w after %s", url, ErrResponseTimeout, s.timeout)
	}
	if err != nil {
		cancel()
		return nil, fmt.Errorf("get sitemap %s: %w", url, err)
	}
	s.logger.Debug("sitemap response",
		zap.String("sitemap", url),
		zap.Int("status", resp.StatusCode),
		zap.String("content_type", resp.Header.Get("Content-Type")),
	)
	if !fetcher.IsSuccess(resp.StatusCode) {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		_ = resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("get sitemap: %w", &fetcher.StatusError{URL: url, Code: resp.StatusCode})
	}

	body, closers, err := decompress(resp.Body)
	if err != nil {
		_ = resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("open sitemap %s: %w", url, err)
	}
	return &Stream{
		url:     url,
		body:    body,
		closers: append(closers, resp.Body, cancelCloser(cancel)),
	}, nil
}

// cancelCloser releases a request context when its stream is closed.
type cancelCloser context.CancelFunc

func (c cancelCloser) Close() error {
	c()
	return nil
}

// decompress transparently unwraps gzip bodies, detected by magic bytes so
// that .xml.gz files served without Content-Encoding are handled too.
func decompress(r io.Reader) (io.Reader, []io.Closer, error) {
	br := bufio.NewReader(r)
	head, err := br.Peek(len(gzipMagic))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, nil, fmt.Errorf("peek body: %w", err)
	}
	if !bytes.Equal(head, gzipMagic) {
		return br, nil, nil
	}
	gz, err := gzip.NewReader(br)
	if err != nil {
		return nil, nil, fmt.Errorf("open gzip: %w", err)
	}
	return gz, []io.Closer{gz}, nil
}

// Stream is a single-use sequence of locations read lazily from one sitemap.
type Stream struct {
	url      string
	body     io.Reader
	closers  []io.Closer
	consumed atomic.Bool

	closeOnce sync.Once
	closeErr  error
}

// URL returns the sitemap address the stream was opened from.
func (s *Stream) URL() string {
	return s.url
}

// Locations returns the sequence of locations in document order. A parse
// failure is yielded as the final error. Iterating a second time yields
// ErrStreamConsumed.
func (s *Stream) Locations() iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if !s.consumed.CompareAndSwap(false, true) {
			yield("", ErrStreamConsumed)
			return
		}
		for loc, err := range Parse(s.body) {
			if err != nil {
				err = fmt.Errorf("sitemap %s: %w", s.url, err)
			}
			if !yield(loc, err) {
				return
			}
		}
	}
}

// Close releases the response body. It is safe to call more than once.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		for _, c := range s.closers {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if err := errors.Join(errs...); err != nil {
			s.closeErr = fmt.Errorf("close sitemap %s: %w", s.url, err)
		}
	})
	return s.closeErr
}

// Parse streams the trimmed text of every <loc> element in the default
// namespace declared on the root element (none if it declares no xmlns). Empty locations are skipped. Non-UTF-8
// documents are decoded according to their XML declaration.
func Parse(r io.Reader) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		dec := xml.NewDecoder(r)
		dec.CharsetReader = charset.NewReaderLabel

		var (
			rootSeen bool
			rootNS   string
		)
		for {
			tok, err := dec.Token()
			if errors.Is(err, io.EOF) {
				if !rootSeen {
					yield("", ErrEmptyDocument)
				}
				return
			}
			if err != nil {
				yield("", fmt.Errorf("parse xml: %w", err))
				return
			}

			start, ok := tok.(xml.StartElement)
			if !ok {
				continue
			}
			if !rootSeen {
				rootSeen = true
				rootNS = defaultNamespace(start)
				continue
			}
			if start.Name.Local != "loc" || start.Name.Space != rootNS {
				continue
			}

			var text string
			if err := dec.DecodeElement(&text, &start); err != nil {
				yield("", fmt.Errorf("parse loc: %w", err))
				return
			}
			loc := strings.TrimSpace(text)
			if loc == "" {
				continue
			}
			if !yield(loc, nil) {
				return
			}
		}
	}
}

// defaultNamespace returns the value of the element's xmlns attribute.
// Prefixed declarations such as xmlns:sm do not count.
func defaultNamespace(start xml.StartElement) string {
	for _, attr := range start.Attr {
		if attr.Name.Space == "" && attr.Name.Local == "xmlns" {
			return attr.Value
		}
	}
	return ""
}
