// Package reconcile replays queued mutations once connectivity returns.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Pakeating/registryweb/internal/metrics"
	"github.com/Pakeating/registryweb/internal/storage"
)

// DefaultTag is the connectivity-restoration tag that triggers a sync.
const DefaultTag = "sync-pending-meals"

var ErrUnknownTag = errors.New("reconcile: unknown sync tag")

// Report summarizes one sync run.
type Report struct {
	Pending   int `json:"pending"`
	Delivered int `json:"delivered"`
	Rejected  int `json:"rejected"`
	Retained  int `json:"retained"`
	// Failed counts records that got a response but could not be removed.
	Failed int `json:"failed"`
}

// Reconciler replays pending records through the raw network. It must not be
// given the intercepting transport, or failed replays would be queued again.
type Reconciler struct {
	queue   storage.Queue
	network http.RoundTripper
	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

func NewReconciler(queue storage.Queue, network http.RoundTripper, logger *slog.Logger, m *metrics.Metrics) *Reconciler {
	if network == nil {
		network = http.DefaultTransport
	}
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = &metrics.Metrics{}
	}
	return &Reconciler{
		queue:   queue,
		network: network,
		logger:  logger.With("component", "reconcile"),
		metrics: m,
		tracer:  otel.Tracer("github.com/Pakeating/registryweb/internal/reconcile"),
	}
}

// RunSync replays every pending record once, in id order. A record that gets
// any response is removed; a record whose replay fails at the network stays
// queued for the next run. Runs may overlap.
func (r *Reconciler) RunSync(ctx context.Context) (Report, error) {
	ctx, span := r.tracer.Start(ctx, "reconcile.RunSync")
	defer span.End()
	r.metrics.SyncRunsTotal.Add(1)

	var rep Report
	pending, err := r.queue.ListPending(ctx)
	if err != nil {
		r.metrics.SyncRunsAborted.Add(1)
		span.SetStatus(codes.Error, err.Error())
		r.logger.ErrorContext(ctx, "sync aborted", "error", err)
		return rep, fmt.Errorf("reconcile: list pending: %w", err)
	}
	rep.Pending = len(pending)

	for _, rec := range pending {
		if err := ctx.Err(); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return rep, err
		}
		r.replay(ctx, rec, &rep)
	}

	span.SetAttributes(
		attribute.Int("sync.pending", rep.Pending),
		attribute.Int("sync.delivered", rep.Delivered),
		attribute.Int("sync.rejected", rep.Rejected),
		attribute.Int("sync.retained", rep.Retained),
	)
	if rep.Pending > 0 {
		r.logger.InfoContext(ctx, "sync finished",
			"pending", rep.Pending, "delivered", rep.Delivered, "rejected", rep.Rejected,
			"retained", rep.Retained, "failed", rep.Failed)
	}
	return rep, nil
}

func (r *Reconciler) replay(ctx context.Context, rec storage.QueuedRequest, rep *Report) {
	log := r.logger.With("id", rec.ID, "method", rec.Method, "url", rec.URL)

	req, err := rebuild(ctx, rec)
	if err != nil {
		// An unparseable record can never succeed; keep it for inspection.
		rep.Retained++
		r.metrics.SyncRetained.Add(1)
		log.ErrorContext(ctx, "rebuild queued request", "error", err)
		return
	}

	resp, err := r.network.RoundTrip(req)
	if err != nil {
		rep.Retained++
		r.metrics.SyncRetained.Add(1)
		log.WarnContext(ctx, "replay failed, keeping record", "error", err)
		return
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		rep.Delivered++
		r.metrics.SyncDelivered.Add(1)
		log.InfoContext(ctx, "replayed", "status", resp.StatusCode)
	} else {
		rep.Rejected++
		r.metrics.SyncRejected.Add(1)
		log.WarnContext(ctx, "replay rejected by upstream, dropping record", "status", resp.StatusCode)
	}

	if _, err := r.queue.Remove(ctx, rec.ID); err != nil {
		rep.Failed++
		r.metrics.SyncRemoveFailure.Add(1)
		log.ErrorContext(ctx, "remove replayed record", "error", err)
	}
}

func rebuild(ctx context.Context, rec storage.QueuedRequest) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, rec.Method, rec.URL, strings.NewReader(rec.Body))
	if err != nil {
		return nil, err
	}
	for name, value := range rec.Headers {
		req.Header.Set(name, value)
	}
	return req, nil
}

// Dispatcher routes connectivity-restoration signals to the reconciler.
type Dispatcher struct {
	tag        string
	reconciler *Reconciler
}

// NewDispatcher returns a dispatcher answering tag (DefaultTag when empty).
func NewDispatcher(tag string, rec *Reconciler) *Dispatcher {
	if tag == "" {
		tag = DefaultTag
	}
	return &Dispatcher{tag: tag, reconciler: rec}
}

func (d *Dispatcher) Tag() string { return d.tag }

// Signal runs a sync when tag is the designated one.
func (d *Dispatcher) Signal(ctx context.Context, tag string) (Report, error) {
	if tag != d.tag {
		return Report{}, fmt.Errorf("%w: %q", ErrUnknownTag, tag)
	}
	return d.reconciler.RunSync(ctx)
}
