// Package cache holds response snapshots in named namespaces. A namespace
// is the unit of versioning: lifecycle code creates and deletes whole
// namespaces, the interception layer reads and writes single entries.
package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// ErrUnavailable wraps failures of the backing store.
var ErrUnavailable = errors.New("cache: store unavailable")

// Entry is a captured response.
type Entry struct {
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Body     []byte      `json:"body"`
	StoredAt time.Time   `json:"stored_at"`
}

// KeyedEntry pairs an entry with its key for batch writes.
type KeyedEntry struct {
	Key   string
	Entry Entry
}

// Store is a set of namespaces, each mapping keys to entries. Writing an
// existing key overwrites it.
type Store interface {
	Put(ctx context.Context, namespace, key string, e Entry) error
	// PutBatch writes all entries or none of them.
	PutBatch(ctx context.Context, namespace string, entries []KeyedEntry) error
	Match(ctx context.Context, namespace, key string) (Entry, bool, error)
	Namespaces(ctx context.Context) ([]string, error)
	// DeleteNamespace drops a namespace and every entry in it. It reports
	// whether the namespace existed.
	DeleteNamespace(ctx context.Context, namespace string) (bool, error)
	Close() error
}

// RequestKey is the identity of a request inside a namespace.
func RequestKey(method, url string) string {
	return method + " " + url
}

// FromResponse reads resp's body into an Entry and replaces the body so the
// response can still be returned to its caller.
func FromResponse(resp *http.Response) (Entry, error) {
	var body []byte
	if resp.Body != nil {
		b, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return Entry{}, fmt.Errorf("read response body: %w", err)
		}
		body = b
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
	return Entry{
		Status:   resp.StatusCode,
		Header:   resp.Header.Clone(),
		Body:     body,
		StoredAt: time.Now().UTC(),
	}, nil
}

// Response rebuilds an *http.Response for req from the entry.
func (e Entry) Response(req *http.Request) *http.Response {
	header := e.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	header.Set("Content-Length", strconv.Itoa(len(e.Body)))
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", e.Status, http.StatusText(e.Status)),
		StatusCode:    e.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       req,
	}
}

func wrap(op string, err error) error {
	return fmt.Errorf("cache: %s: %w", op, errors.Join(ErrUnavailable, err))
}
