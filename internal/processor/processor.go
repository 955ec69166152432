// Package processor admits crawl work under a fixed concurrency ceiling,
// tracks every admitted fetch, and lets callers wait for outstanding work.
//
// A Processor owns N admission slots and a pending set of handles. Submit
// blocks until a slot is free, then runs the fetch on its own goroutine and
// returns the handle. A successful fetch removes its handle from the pending
// set; a failed fetch stays there so Failed can report it after Drain.
package processor

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/sitemap-crawler/internal/fetcher"
	"github.com/JakeFAU/sitemap-crawler/internal/metrics"
)

// DefaultMaxConcurrency is used when Config.MaxConcurrency is not positive.
const DefaultMaxConcurrency = 10

// ErrFetchPanicked marks a fetch that panicked instead of returning.
var ErrFetchPanicked = errors.New("fetch panicked")

// Fetcher retrieves a single work item.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (fetcher.Result, error)
}

// Reporter receives the outcome of every fetch as soon as it resolves.
type Reporter interface {
	Result(url string, status int, err error)
}

// Config controls Processor behavior.
//   - MaxConcurrency: number of admission slots (default 10).
//   - PruneFailed: drop failed handles from the pending set as well.
//   - BaseContext: parent context for every fetch (defaults to context.Background()).
type Config struct {
	MaxConcurrency int
	PruneFailed    bool
	BaseContext    context.Context
}

// Stats is a point-in-time summary of a Processor's work.
type Stats struct {
	Submitted int64
	Succeeded int64
	Failed    int64
	InFlight  int64
	Pending   int
}

// Processor runs fetches with at most MaxConcurrency in flight.
type Processor struct {
	id          string
	limit       int
	pruneFailed bool
	baseCtx     context.Context
	slots       *semaphore.Weighted
	fetcher     Fetcher
	reporter    Reporter
	logger      *zap.Logger

	mu      sync.Mutex
	pending map[uint64]*Handle
	nextID  uint64

	submitted atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	inFlight  atomic.Int64
}

// New constructs a Processor. A nil reporter discards results and a nil
// logger discards logs.
func New(cfg Config, f Fetcher, reporter Reporter, logger *zap.Logger) *Processor {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	id := newRunID()
	return &Processor{
		id:          id,
		limit:       cfg.MaxConcurrency,
		pruneFailed: cfg.PruneFailed,
		baseCtx:     cfg.BaseContext,
		slots:       semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
		fetcher:     f,
		reporter:    reporter,
		logger:      logger.With(zap.String("run_id", id)),
		pending:     make(map[uint64]*Handle),
	}
}

// newRunID returns a time-ordered UUIDv7, falling back to a random UUIDv4.
func newRunID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}

// ID returns the run identifier attached to this Processor's logs.
func (p *Processor) ID() string {
	return p.id
}

// Limit returns the number of admission slots.
func (p *Processor) Limit() int {
	return p.limit
}

// Submit waits for an admission slot, starts fetching url on a new goroutine
// and returns its handle. The returned error is non-nil only when ctx ends
// before a slot is acquired; fetch failures are reported through the
// Reporter and the handle, never returned here.
func (p *Processor) Submit(ctx context.Context, url string) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("submit %s: %w", url, err)
	}
	start := time.Now()
	if err := p.slots.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("submit %s: %w", url, err)
	}
	metrics.ObserveSlotWait(time.Since(start))

	h := p.track(url)
	p.submitted.Add(1)
	go p.run(h)
	return h, nil
}

// Drain blocks until every handle pending at the time of the call has
// settled. Handles admitted afterwards are not waited for.
func (p *Processor) Drain(ctx context.Context) error {
	snapshot := p.Pending()
	p.logger.Debug("draining", zap.Int("pending", len(snapshot)))
	for _, h := range snapshot {
		if err := h.Wait(ctx); err != nil {
			return fmt.Errorf("drain: %w", err)
		}
	}
	return nil
}

// Pending returns a snapshot of the pending set ordered by admission.
func (p *Processor) Pending() []*Handle {
	p.mu.Lock()
	out := make([]*Handle, 0, len(p.pending))
	for _, h := range p.pending {
		out = append(out, h)
	}
	p.mu.Unlock()
	slices.SortFunc(out, func(a, b *Handle) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// Failed returns the settled handles retained in the pending set because
// their fetch failed. It is always empty when PruneFailed is set.
func (p *Processor) Failed() []*Handle {
	var out []*Handle
	for _, h := range p.Pending() {
		if h.Settled() && h.Err() != nil {
			out = append(out, h)
		}
	}
	return out
}

// InFlight returns the number of fetches currently holding a slot.
func (p *Processor) InFlight() int {
	return int(p.inFlight.Load())
}

// Stats returns counters describing the work done so far.
func (p *Processor) Stats() Stats {
	p.mu.Lock()
	pending := len(p.pending)
	p.mu.Unlock()
	return Stats{
		Submitted: p.submitted.Load(),
		Succeeded: p.succeeded.Load(),
		Failed:    p.failed.Load(),
		InFlight:  p.inFlight.Load(),
		Pending:   pending,
	}
}

func (p *Processor) track(url string) *Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	h := newHandle(p.nextID, url)
	p.pending[h.ID] = h
	metrics.IncPending()
	return h
}

func (p *Processor) untrack(h *Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.pending[h.ID]; ok {
		delete(p.pending, h.ID)
		metrics.DecPending()
	}
}

func (p *Processor) run(h *Handle) {
	res, err := p.execute(h)
	p.finish(h, res, err)
}

// execute holds the admission slot for exactly the duration of the fetch.
func (p *Processor) execute(h *Handle) (res fetcher.Result, err error) {
	p.inFlight.Add(1)
	metrics.IncInFlight()
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			res = fetcher.Result{URL: h.URL, Duration: time.Since(start)}
			err = fmt.Errorf("%w: %v", ErrFetchPanicked, r)
		}
		p.inFlight.Add(-1)
		metrics.DecInFlight()
		p.slots.Release(1)
	}()
	return p.fetcher.Fetch(p.baseCtx, h.URL)
}

func (p *Processor) finish(h *Handle, res fetcher.Result, err error) {
	status := res.StatusCode
	var statusErr *fetcher.StatusError
	if errors.As(err, &statusErr) {
		status = statusErr.Code
	}
	if p.reporter != nil {
		p.reporter.Result(h.URL, status, err)
	}
	metrics.ObserveFetch(h.URL, status, res.Duration)

	if err == nil {
		p.succeeded.Add(1)
		p.untrack(h)
		h.settle(status, nil)
		return
	}

	p.failed.Add(1)
	fields := []zap.Field{zap.String("url", h.URL), zap.Int("status", status), zap.Error(err)}
	if errors.Is(err, ErrFetchPanicked) {
		p.logger.Error("fetch panicked", fields...)
	} else {
		p.logger.Warn("fetch failed", fields...)
	}
	if p.pruneFailed {
		p.untrack(h)
	}
	h.settle(status, err)
}
