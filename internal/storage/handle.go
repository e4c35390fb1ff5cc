package storage

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Opener opens a queue backend.
type Opener func() (Queue, error)

// Handle is a lazily opened Queue. The first operation opens the backend;
// concurrent first operations share a single open and a failed open is
// retried by the next operation. Handle itself satisfies Queue.
type Handle struct {
	open  Opener
	group singleflight.Group

	mu     sync.RWMutex
	q      Queue
	closed bool
}

// NewHandle returns a Handle that opens its queue with open on first use.
func NewHandle(open Opener) *Handle {
	return &Handle{open: open}
}

// Acquire returns the opened queue, opening it if needed.
func (h *Handle) Acquire(ctx context.Context) (Queue, error) {
	h.mu.RLock()
	q, closed := h.q, h.closed
	h.mu.RUnlock()
	if closed {
		return nil, unavailable("acquire", ErrClosed)
	}
	if q != nil {
		return q, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v, err, _ := h.group.Do("open", func() (any, error) {
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.closed {
			return nil, unavailable("acquire", ErrClosed)
		}
		if h.q != nil {
			return h.q, nil
		}
		opened, err := h.open()
		if err != nil {
			if !errors.Is(err, ErrUnavailable) {
				err = unavailable("open", err)
			}
			return nil, err
		}
		h.q = opened
		return opened, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Queue), nil
}

func (h *Handle) Enqueue(ctx context.Context, rec QueuedRequest) (uint64, error) {
	q, err := h.Acquire(ctx)
	if err != nil {
		return 0, err
	}
	return q.Enqueue(ctx, rec)
}

func (h *Handle) ListPending(ctx context.Context) ([]QueuedRequest, error) {
	q, err := h.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return q.ListPending(ctx)
}

func (h *Handle) Remove(ctx context.Context, id uint64) (bool, error) {
	q, err := h.Acquire(ctx)
	if err != nil {
		return false, err
	}
	return q.Remove(ctx, id)
}

// Close closes the backend if it was ever opened. Later operations fail
// with ErrClosed.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	if h.q == nil {
		return nil
	}
	err := h.q.Close()
	h.q = nil
	return err
}
