package processor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitemap-crawler/internal/fetcher"
)

// TestSubmitNeverExceedsLimit checks the concurrency ceiling across limits and item counts.
func TestSubmitNeverExceedsLimit(t *testing.T) {
	t.Parallel()

	for _, limit := range []int{1, 2, 4, 10} {
		for _, items := range []int{0, 1, 5, 25} {
			t.Run(fmt.Sprintf("limit=%d/items=%d", limit, items), func(t *testing.T) {
				t.Parallel()

				f := newFakeFetcher(2 * time.Millisecond)
				rep := &recordingReporter{}
				p := New(Config{MaxConcurrency: limit}, f, rep, zap.NewNop())

				for i := 0; i < items; i++ {
					_, err := p.Submit(context.Background(), fmt.Sprintf("http://a/%d", i))
					require.NoError(t, err)
				}
				require.NoError(t, p.Drain(context.Background()))

				require.LessOrEqual(t, f.Peak(), limit)
				require.Len(t, rep.Lines(), items)
				for i := 0; i < items; i++ {
					require.Equal(t, 1, f.Calls(fmt.Sprintf("http://a/%d", i)))
				}
				require.Empty(t, p.Pending())
				require.Zero(t, p.InFlight())
			})
		}
	}
}

// TestSingleSlotSerializesFetches ensures a limit of one never overlaps fetches.
func TestSingleSlotSerializesFetches(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher(3 * time.Millisecond)
	p := New(Config{MaxConcurrency: 1}, f, nil, nil)
	for i := 0; i < 8; i++ {
		_, err := p.Submit(context.Background(), fmt.Sprintf("http://serial/%d", i))
		require.NoError(t, err)
	}
	require.NoError(t, p.Drain(context.Background()))
	require.Equal(t, 1, f.Peak())
	require.Equal(t, int64(8), p.Stats().Succeeded)
}

// TestNewDefaultsInvalidLimit verifies non-positive limits fall back to the default.
func TestNewDefaultsInvalidLimit(t *testing.T) {
	t.Parallel()

	require.Equal(t, DefaultMaxConcurrency, New(Config{}, newFakeFetcher(0), nil, nil).Limit())
	require.Equal(t, DefaultMaxConcurrency, New(Config{MaxConcurrency: -3}, newFakeFetcher(0), nil, nil).Limit())
	require.Equal(t, 3, New(Config{MaxConcurrency: 3}, newFakeFetcher(0), nil, nil).Limit())
}

// TestDrainWithNothingPendingReturnsImmediately covers the empty pending set.
func TestDrainWithNothingPendingReturnsImmediately(t *testing.T) {
	t.Parallel()

	p := New(Config{MaxConcurrency: 2}, newFakeFetcher(0), nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	require.NoError(t, p.Drain(ctx))
	require.Less(t, time.Since(start), 20*time.Millisecond)
}

// TestFailedFetchesAreRetained verifies failures are reported, swallowed and kept pending.
func TestFailedFetchesAreRetained(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher(time.Millisecond)
	f.FailWith("http://example/x", http.StatusNotFound)
	f.FailWith("http://example/down", http.StatusServiceUnavailable)
	rep := &recordingReporter{}
	p := New(Config{MaxConcurrency: 2}, f, rep, zap.NewNop())

	urls := []string{"http://example/ok-1", "http://example/x", "http://example/ok-2", "http://example/down"}
	for _, u := range urls {
		_, err := p.Submit(context.Background(), u)
		require.NoError(t, err)
	}
	require.NoError(t, p.Drain(context.Background()))

	pending := p.Pending()
	require.Len(t, pending, 2)
	require.Equal(t, "http://example/x", pending[0].URL)
	require.Equal(t, "http://example/down", pending[1].URL)
	require.Equal(t, http.StatusNotFound, pending[0].Status())

	var statusErr *fetcher.StatusError
	require.ErrorAs(t, pending[0].Err(), &statusErr)
	require.Equal(t, http.StatusNotFound, statusErr.Code)

	require.ElementsMatch(t, pending, p.Failed())
	require.ElementsMatch(t, []string{
		"200 http://example/ok-1",
		"404 http://example/x",
		"200 http://example/ok-2",
		"503 http://example/down",
	}, rep.Lines())

	stats := p.Stats()
	require.Equal(t, int64(4), stats.Submitted)
	require.Equal(t, int64(2), stats.Succeeded)
	require.Equal(t, int64(2), stats.Failed)
	require.Equal(t, 2, stats.Pending)

	// Waiting again on settled failures returns at once.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, p.Drain(ctx))
}

// TestPruneFailedEmptiesPendingSet checks the opt-in pruning of failed handles.
func TestPruneFailedEmptiesPendingSet(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher(0)
	f.FailWith("http://example/x", http.StatusNotFound)
	p := New(Config{MaxConcurrency: 1, PruneFailed: true}, f, nil, nil)

	h, err := p.Submit(context.Background(), "http://example/x")
	require.NoError(t, err)
	require.NoError(t, h.Wait(context.Background()))
	require.Error(t, h.Err())
	require.Empty(t, p.Pending())
	require.Empty(t, p.Failed())
}

// TestSubmitBlocksUntilSlotFrees verifies admission waits for capacity.
func TestSubmitBlocksUntilSlotFrees(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher(0)
	gate := f.Gate("http://slow/1")
	p := New(Config{MaxConcurrency: 1}, f, nil, nil)

	_, err := p.Submit(context.Background(), "http://slow/1")
	require.NoError(t, err)

	admitted := make(chan error, 1)
	go func() {
		_, err := p.Submit(context.Background(), "http://slow/2")
		admitted <- err
	}()

	select {
	case <-admitted:
		t.Fatal("second submit admitted while the only slot was held")
	case <-time.After(50 * time.Millisecond):
	}

	close(gate)
	select {
	case err := <-admitted:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("second submit was not admitted after the slot freed")
	}
	require.NoError(t, p.Drain(context.Background()))
	require.Equal(t, 1, f.Peak())
}

// TestSubmitCanceledWhileWaitingForSlot ensures cancellation surfaces to the submitter
// without consuming capacity.
func TestSubmitCanceledWhileWaitingForSlot(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher(0)
	gate := f.Gate("http://slow/1")
	p := New(Config{MaxConcurrency: 1}, f, nil, nil)

	_, err := p.Submit(context.Background(), "http://slow/1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	h, err := p.Submit(ctx, "http://slow/2")
	require.Nil(t, h)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, int64(1), p.Stats().Submitted)

	close(gate)
	_, err = p.Submit(context.Background(), "http://slow/3")
	require.NoError(t, err)
	require.NoError(t, p.Drain(context.Background()))
	require.Zero(t, f.Calls("http://slow/2"))
	require.Empty(t, p.Pending())
}

// TestSubmitWithCanceledContextIsRejected covers an already canceled submitter.
func TestSubmitWithCanceledContextIsRejected(t *testing.T) {
	t.Parallel()

	p := New(Config{MaxConcurrency: 4}, newFakeFetcher(0), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Submit(ctx, "http://a/1")
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, p.Pending())
}

// TestFetchPanicReleasesSlot verifies a panicking fetcher cannot erode capacity.
func TestFetchPanicReleasesSlot(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher(0)
	f.PanicOn("http://boom/1")
	rep := &recordingReporter{}
	p := New(Config{MaxConcurrency: 1}, f, rep, zap.NewNop())

	h, err := p.Submit(context.Background(), "http://boom/1")
	require.NoError(t, err)
	require.NoError(t, h.Wait(context.Background()))
	require.ErrorIs(t, h.Err(), ErrFetchPanicked)

	h2, err := p.Submit(context.Background(), "http://boom/2")
	require.NoError(t, err)
	require.NoError(t, h2.Wait(context.Background()))
	require.NoError(t, h2.Err())

	require.Len(t, p.Failed(), 1)
	require.Len(t, rep.Lines(), 2)
}

// TestDrainRespectsContext ensures drain gives up when its context ends.
func TestDrainRespectsContext(t *testing.T) {
	t.Parallel()

	f := newFakeFetcher(0)
	gate := f.Gate("http://slow/1")
	defer close(gate)
	p := New(Config{MaxConcurrency: 1}, f, nil, nil)

	_, err := p.Submit(context.Background(), "http://slow/1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, p.Drain(ctx), context.DeadlineExceeded)
}

// TestFetchUsesBaseContext verifies fetches run under the processor context, not the submit context.
func TestFetchUsesBaseContext(t *testing.T) {
	t.Parallel()

	type ctxKey struct{}
	base := context.WithValue(context.Background(), ctxKey{}, "base")
	var seen any
	f := fetcherFunc(func(ctx context.Context, url string) (fetcher.Result, error) {
		seen = ctx.Value(ctxKey{})
		return fetcher.Result{URL: url, StatusCode: http.StatusOK}, nil
	})
	p := New(Config{MaxConcurrency: 1, BaseContext: base}, f, nil, nil)

	submitCtx, cancel := context.WithCancel(context.Background())
	h, err := p.Submit(submitCtx, "http://a/1")
	require.NoError(t, err)
	cancel()
	require.NoError(t, h.Wait(context.Background()))
	require.NoError(t, h.Err())
	require.Equal(t, "base", seen)
}

// TestHandleAccessorsBeforeSettle verifies unsettled handles report nothing.
func TestHandleAccessorsBeforeSettle(t *testing.T) {
	t.Parallel()

	h := newHandle(1, "http://a/1")
	require.False(t, h.Settled())
	require.NoError(t, h.Err())
	require.Zero(t, h.Status())

	h.settle(http.StatusNotFound, errors.New("boom"))
	require.True(t, h.Settled())
	require.EqualError(t, h.Err(), "boom")
	require.Equal(t, http.StatusNotFound, h.Status())
	<-h.Done()
}

type fetcherFunc func(ctx context.Context, url string) (fetcher.Result, error)

func (f fetcherFunc) Fetch(ctx context.Context, url string) (fetcher.Result, error) {
	return f(ctx, url)
}

type fakeFetcher struct {
	delay time.Duration

	mu      sync.Mutex
	current int
	peak    int
	calls   map[string]int
	fail    map[string]int
	gates   map[string]chan struct{}
	panics  map[string]bool
}

func newFakeFetcher(delay time.Duration) *fakeFetcher {
	return &fakeFetcher{
		delay:  delay,
		calls:  make(map[string]int),
		fail:   make(map[string]int),
		gates:  make(map[string]chan struct{}),
		panics: make(map[string]bool),
	}
}

func (f *fakeFetcher) FailWith(url string, status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[url] = status
}

func (f *fakeFetcher) Gate(url string) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	gate := make(chan struct{})
	f.gates[url] = gate
	return gate
}

func (f *fakeFetcher) PanicOn(url string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.panics[url] = true
}

func (f *fakeFetcher) Fetch(_ context.Context, url string) (fetcher.Result, error) {
	f.mu.Lock()
	f.calls[url]++
	f.current++
	if f.current > f.peak {
		f.peak = f.current
	}
	gate := f.gates[url]
	status, failing := f.fail[url]
	shouldPanic := f.panics[url]
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.current--
		f.mu.Unlock()
	}()

	if gate != nil {
		<-gate
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if shouldPanic {
		panic("fetcher exploded")
	}
	if failing {
		return fetcher.Result{URL: url, StatusCode: status}, &fetcher.StatusError{URL: url, Code: status}
	}
	return fetcher.Result{URL: url, StatusCode: http.StatusOK}, nil
}

func (f *fakeFetcher) Peak() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peak
}

func (f *fakeFetcher) Calls(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

type recordingReporter struct {
	mu    sync.Mutex
	lines []string
}

func (r *recordingReporter) Result(url string, status int, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, fmt.Sprintf("%d %s", status, url))
}

func (r *recordingReporter) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...)
}
