package processor

import (
	"context"
	"fmt"
)

// Handle tracks one admitted fetch from admission until it settles.
type Handle struct {
	// ID is unique within the owning Processor and increases with admission order.
	ID uint64
	// URL is the work item passed to the fetcher.
	URL string

	done   chan struct{}
	status int
	err    error
}

func newHandle(id uint64, url string) *Handle {
	return &Handle{
		ID:   id,
		URL:  url,
		done: make(chan struct{}),
	}
}

// settle records the outcome and wakes every waiter. It must be called once.
func (h *Handle) settle(status int, err error) {
	h.status = status
	h.err = err
	close(h.done)
}

// Done returns a channel that is closed once the fetch has settled.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Settled reports whether the fetch has finished, successfully or not.
func (h *Handle) Settled() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the fetch settles or ctx ends. Waiting on a settled
// handle returns immediately. The fetch outcome is available from Err.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for %s: %w", h.URL, ctx.Err())
	}
}

// Err returns the fetch error, or nil if the fetch succeeded or has not settled yet.
func (h *Handle) Err() error {
	if !h.Settled() {
		return nil
	}
	return h.err
}

// Status returns the HTTP status observed by the fetch, or 0 if none was
// received or the fetch has not settled yet.
func (h *Handle) Status() int {
	if !h.Settled() {
		return 0
	}
	return h.status
}
