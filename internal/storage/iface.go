package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnavailable marks failures of the backing store itself (closed,
	// unopenable, disk full). Callers see it wrapped around the cause.
	ErrUnavailable = errors.New("storage: queue store unavailable")
	ErrClosed      = errors.New("storage: queue store closed")
)

// QueuedRequest is one failed mutating call awaiting replay.
// It is immutable once stored; it is either pending or deleted.
// Headers holds one value per name; repeated fields are folded into a
// single line when the request is captured.
type QueuedRequest struct {
	ID         uint64            `json:"id"`
	URL        string            `json:"url"`
	Method     string            `json:"method"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
	EnqueuedAt time.Time         `json:"enqueued_at"`
}

// Queue is the durable pending-request store shared by the interception
// layer and the reconciler.
type Queue interface {
	// Enqueue persists rec and returns the id assigned to it. Ids are
	// strictly increasing and never reused.
	Enqueue(ctx context.Context, rec QueuedRequest) (uint64, error)
	// ListPending returns every pending record in insertion order.
	ListPending(ctx context.Context) ([]QueuedRequest, error)
	// Remove deletes a record. Removing an absent id reports false, nil.
	Remove(ctx context.Context, id uint64) (bool, error)
	Close() error
}

func unavailable(op string, err error) error {
	return &opError{op: op, err: err}
}

type opError struct {
	op  string
	err error
}

func (e *opError) Error() string { return "storage: " + e.op + ": " + e.err.Error() }

func (e *opError) Unwrap() []error { return []error{ErrUnavailable, e.err} }
