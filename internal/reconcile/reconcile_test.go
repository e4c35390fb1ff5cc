package reconcile

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/Pakeating/registryweb/internal/metrics"
	"github.com/Pakeating/registryweb/internal/netsim"
	"github.com/Pakeating/registryweb/internal/storage"
)

type received struct {
	method      string
	path        string
	contentType string
	body        string
}

type fakeUpstream struct {
	srv *httptest.Server

	mu     sync.Mutex
	got    []received
	status int
}

func newFakeUpstream(t *testing.T, status int) *fakeUpstream {
	t.Helper()
	u := &fakeUpstream{status: status}
	u.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		u.mu.Lock()
		u.got = append(u.got, received{r.Method, r.URL.Path, r.Header.Get("Content-Type"), string(b)})
		status := u.status
		u.mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(u.srv.Close)
	return u
}

func (u *fakeUpstream) requests() []received {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]received(nil), u.got...)
}

func newQueue(t *testing.T) *storage.BoltQueue {
	t.Helper()
	q, err := storage.NewBoltQueue(t.TempDir())
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

func enqueue(t *testing.T, q storage.Queue, method, url, body string) uint64 {
	t.Helper()
	id, err := q.Enqueue(context.Background(), storage.QueuedRequest{
		URL:        url,
		Method:     method,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       body,
		EnqueuedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return id
}

func pendingCount(t *testing.T, q storage.Queue) int {
	t.Helper()
	recs, err := q.ListPending(context.Background())
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	return len(recs)
}

func TestRunSyncDeliversAndEmptiesQueue(t *testing.T) {
	up := newFakeUpstream(t, http.StatusOK)
	q := newQueue(t)
	enqueue(t, q, http.MethodPatch, up.srv.URL+"/api/proxy", `{"body":{"mealName":"Lentejas"}}`)
	enqueue(t, q, http.MethodPost, up.srv.URL+"/api/proxy", `{"endpoint":"pages"}`)

	m := &metrics.Metrics{}
	r := NewReconciler(q, netsim.NewSwitch(nil), nil, m)
	rep, err := r.RunSync(context.Background())
	if err != nil {
		t.Fatalf("run sync: %v", err)
	}
	if rep.Pending != 2 || rep.Delivered != 2 {
		t.Fatalf("unexpected report %+v", rep)
	}
	if n := pendingCount(t, q); n != 0 {
		t.Fatalf("expected empty queue, got %d", n)
	}

	got := up.requests()
	if len(got) != 2 {
		t.Fatalf("expected 2 replays, got %d", len(got))
	}
	want := received{http.MethodPatch, "/api/proxy", "application/json", `{"body":{"mealName":"Lentejas"}}`}
	if got[0] != want {
		t.Fatalf("first replay %+v, want %+v", got[0], want)
	}
	if got[1].method != http.MethodPost {
		t.Fatalf("replay order not preserved: %+v", got)
	}
	if m.SyncDelivered.Load() != 2 {
		t.Fatalf("expected sync_delivered 2, got %d", m.SyncDelivered.Load())
	}
}

func TestRunSyncKeepsRecordOnNetworkFailure(t *testing.T) {
	up := newFakeUpstream(t, http.StatusOK)
	q := newQueue(t)
	id := enqueue(t, q, http.MethodPatch, up.srv.URL+"/api/proxy", `{}`)

	net := netsim.NewSwitch(nil)
	net.SetOffline(true)
	r := NewReconciler(q, net, nil, nil)

	rep, err := r.RunSync(context.Background())
	if err != nil {
		t.Fatalf("run sync: %v", err)
	}
	if rep.Retained != 1 || rep.Delivered != 0 {
		t.Fatalf("unexpected report %+v", rep)
	}
	recs, _ := q.ListPending(context.Background())
	if len(recs) != 1 || recs[0].ID != id {
		t.Fatalf("expected record %d retained, got %+v", id, recs)
	}

	net.SetOffline(false)
	if rep, err = r.RunSync(context.Background()); err != nil || rep.Delivered != 1 {
		t.Fatalf("second run: rep=%+v err=%v", rep, err)
	}
	if n := pendingCount(t, q); n != 0 {
		t.Fatalf("expected empty queue after reconnect, got %d", n)
	}
}

func TestRunSyncDropsRejectedRecords(t *testing.T) {
	up := newFakeUpstream(t, http.StatusUnprocessableEntity)
	q := newQueue(t)
	enqueue(t, q, http.MethodPatch, up.srv.URL+"/api/proxy", `{"bad":true}`)

	rep, err := NewReconciler(q, nil, nil, nil).RunSync(context.Background())
	if err != nil {
		t.Fatalf("run sync: %v", err)
	}
	if rep.Rejected != 1 {
		t.Fatalf("expected 1 rejected, got %+v", rep)
	}
	if n := pendingCount(t, q); n != 0 {
		t.Fatalf("rejected record must be resolved, got %d pending", n)
	}
}

func TestRunSyncContinuesPastFailures(t *testing.T) {
	up := newFakeUpstream(t, http.StatusOK)
	q := newQueue(t)
	enqueue(t, q, http.MethodPatch, "http://127.0.0.1:1/unreachable", `{}`)
	enqueue(t, q, http.MethodPatch, up.srv.URL+"/api/proxy", `{}`)

	rep, err := NewReconciler(q, nil, nil, nil).RunSync(context.Background())
	if err != nil {
		t.Fatalf("run sync: %v", err)
	}
	if rep.Retained != 1 || rep.Delivered != 1 {
		t.Fatalf("unexpected report %+v", rep)
	}
	recs, _ := q.ListPending(context.Background())
	if len(recs) != 1 || recs[0].URL != "http://127.0.0.1:1/unreachable" {
		t.Fatalf("expected only unreachable record left, got %+v", recs)
	}
}

func TestOverlappingRunsTolerateRemovedRecords(t *testing.T) {
	up := newFakeUpstream(t, http.StatusOK)
	q := newQueue(t)
	for i := 0; i < 10; i++ {
		enqueue(t, q, http.MethodPatch, up.srv.URL+"/api/proxy", `{}`)
	}
	r := NewReconciler(q, nil, nil, nil)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.RunSync(context.Background()); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("overlapping run: %v", err)
	}
	if n := pendingCount(t, q); n != 0 {
		t.Fatalf("expected empty queue, got %d", n)
	}
}

type failingQueue struct {
	storage.Queue
	listErr   error
	removeErr error
	recs      []storage.QueuedRequest
}

func (f *failingQueue) ListPending(context.Context) ([]storage.QueuedRequest, error) {
	return f.recs, f.listErr
}

func (f *failingQueue) Remove(context.Context, uint64) (bool, error) {
	return false, f.removeErr
}

func TestRunSyncAbortsWhenListFails(t *testing.T) {
	q := &failingQueue{listErr: storage.ErrUnavailable}
	m := &metrics.Metrics{}
	_, err := NewReconciler(q, nil, nil, m).RunSync(context.Background())
	if !errors.Is(err, storage.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if m.SyncRunsAborted.Load() != 1 {
		t.Fatalf("expected aborted run counted")
	}
}

func TestRunSyncCountsRemoveFailures(t *testing.T) {
	up := newFakeUpstream(t, http.StatusOK)
	q := &failingQueue{
		removeErr: storage.ErrUnavailable,
		recs: []storage.QueuedRequest{
			{ID: 1, URL: up.srv.URL + "/api/proxy", Method: http.MethodPatch},
			{ID: 2, URL: up.srv.URL + "/api/proxy", Method: http.MethodPatch},
		},
	}
	rep, err := NewReconciler(q, nil, nil, nil).RunSync(context.Background())
	if err != nil {
		t.Fatalf("run sync: %v", err)
	}
	if rep.Delivered != 2 || rep.Failed != 2 {
		t.Fatalf("unexpected report %+v", rep)
	}
}

func TestDispatcherIgnoresOtherTags(t *testing.T) {
	up := newFakeUpstream(t, http.StatusOK)
	q := newQueue(t)
	enqueue(t, q, http.MethodPatch, up.srv.URL+"/api/proxy", `{}`)
	d := NewDispatcher("", NewReconciler(q, nil, nil, nil))

	if d.Tag() != DefaultTag {
		t.Fatalf("expected default tag, got %q", d.Tag())
	}
	if _, err := d.Signal(context.Background(), "sync-other"); !errors.Is(err, ErrUnknownTag) {
		t.Fatalf("expected ErrUnknownTag, got %v", err)
	}
	if n := pendingCount(t, q); n != 1 {
		t.Fatalf("other tag must not sync, %d pending", n)
	}
	rep, err := d.Signal(context.Background(), DefaultTag)
	if err != nil || rep.Delivered != 1 {
		t.Fatalf("signal: rep=%+v err=%v", rep, err)
	}
}

func TestRunSyncReusesUpstreamConnection(t *testing.T) {
	var mu sync.Mutex
	dials := 0
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"updated":true,"meal":{"id":"page-1","name":"Cocido"}}`)
	}))
	srv.Config.ConnState = func(_ net.Conn, st http.ConnState) {
		if st == http.StateNew {
			mu.Lock()
			dials++
			mu.Unlock()
		}
	}
	srv.Start()
	defer srv.Close()

	q := newQueue(t)
	for i := 0; i < 3; i++ {
		enqueue(t, q, http.MethodPatch, srv.URL+"/api/proxy", `{}`)
	}
	tr := &http.Transport{}
	defer tr.CloseIdleConnections()

	rep, err := NewReconciler(q, netsim.NewSwitch(tr), nil, nil).RunSync(context.Background())
	if err != nil {
		t.Fatalf("run sync: %v", err)
	}
	if rep.Delivered != 3 {
		t.Fatalf("unexpected report %+v", rep)
	}
	mu.Lock()
	defer mu.Unlock()
	if dials != 1 {
		t.Fatalf("expected replays to share one connection, got %d", dials)
	}
}
