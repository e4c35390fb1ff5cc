package offline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Pakeating/registryweb/internal/cache"
	"github.com/Pakeating/registryweb/internal/metrics"
	"github.com/Pakeating/registryweb/internal/storage"
)

const (
	// LookupCacheKey is the dynamic-cache key of the designated lookup.
	LookupCacheKey = "database-id-cache-key"

	QueuedMessage      = "La petición fue encolada."
	UnavailableMessage = "Sin conexión y sin datos en caché para la consulta."

	// HeaderQueueID carries the id of the queued record on a 202.
	HeaderQueueID = "X-Registry-Queue-Id"
)

// Options configures a Transport.
type Options struct {
	// Network performs the real requests. Defaults to http.DefaultTransport.
	Network http.RoundTripper
	Queue   storage.Queue
	Cache   cache.Store

	StaticCache  string
	DynamicCache string

	// Origin is the application's own origin; GETs to other origins are not
	// cached. Nil disables the check.
	Origin *url.URL
	Routes Routes

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Transport is the interception layer. It is safe for concurrent use; every
// request only contends on the shared stores.
type Transport struct {
	network      http.RoundTripper
	queue        storage.Queue
	cache        cache.Store
	staticCache  string
	dynamicCache string
	origin       *url.URL
	routes       Routes
	logger       *slog.Logger
	metrics      *metrics.Metrics
	tracer       trace.Tracer
	now          func() time.Time
}

// NewTransport builds a Transport from opts.
func NewTransport(opts Options) *Transport {
	t := &Transport{
		network:      opts.Network,
		queue:        opts.Queue,
		cache:        opts.Cache,
		staticCache:  opts.StaticCache,
		dynamicCache: opts.DynamicCache,
		origin:       opts.Origin,
		routes:       opts.Routes,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		tracer:       otel.Tracer("github.com/Pakeating/registryweb/internal/offline"),
		now:          time.Now,
	}
	if t.network == nil {
		t.network = http.DefaultTransport
	}
	if t.routes == (Routes{}) {
		t.routes = DefaultRoutes()
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	if t.metrics == nil {
		t.metrics = &metrics.Metrics{}
	}
	t.logger = t.logger.With("component", "offline")
	return t
}

// RoundTrip classifies req and runs the matching strategy.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx, span := t.tracer.Start(req.Context(), "offline.RoundTrip",
		trace.WithAttributes(
			attribute.String("http.request.method", req.Method),
			attribute.String("url.path", req.URL.Path),
		))
	defer span.End()
	req = req.WithContext(ctx)
	t.metrics.RequestsIntercepted.Add(1)

	var body []byte
	if t.routes.needsBody(req.Method, req.URL.Path) {
		b, err := bufferBody(req)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		body = b
	}

	strategy := Classify(req.Method, req.URL.Path, body, t.routes)
	span.SetAttributes(attribute.String("offline.strategy", strategy.String()))

	var (
		resp *http.Response
		err  error
	)
	switch strategy {
	case StrategyLookup:
		resp, err = t.lookup(req)
	case StrategyMutation:
		resp, err = t.mutation(req, body)
	case StrategyNetworkFirst:
		resp, err = t.networkFirst(req)
	default:
		resp, err = t.network.RoundTrip(req)
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	return resp, nil
}

// mutation sends req and queues it only when no response was obtained.
func (t *Transport) mutation(req *http.Request, body []byte) (*http.Response, error) {
	resp, err := t.network.RoundTrip(req)
	if err == nil {
		return resp, nil
	}
	if !t.networkFailure(req, err) {
		return nil, err
	}

	ctx := req.Context()
	rec := storage.QueuedRequest{
		URL:        req.URL.String(),
		Method:     req.Method,
		Headers:    snapshotHeaders(req.Header),
		Body:       string(body),
		EnqueuedAt: t.now().UTC(),
	}
	id, qerr := t.queue.Enqueue(ctx, rec)
	if qerr != nil {
		t.metrics.EnqueueFailures.Add(1)
		t.logger.ErrorContext(ctx, "queue mutation failed", "method", req.Method, "url", rec.URL, "network_error", err, "error", qerr)
		return nil, fmt.Errorf("offline: queue %s %s: %w", req.Method, rec.URL, qerr)
	}
	t.metrics.MutationsQueued.Add(1)
	t.logger.InfoContext(ctx, "mutation queued for sync", "id", id, "method", req.Method, "url", rec.URL, "network_error", err)

	queued := jsonResponse(req, http.StatusAccepted, QueuedMessage)
	queued.Header.Set(HeaderQueueID, strconv.FormatUint(id, 10))
	return queued, nil
}

// lookup caches successful lookups on LookupCacheKey and serves that entry
// (or a synthesized 503) when the network fails.
func (t *Transport) lookup(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	resp, err := t.network.RoundTrip(req)
	if err == nil {
		if isSuccess(resp.StatusCode) {
			if t.store(ctx, resp, LookupCacheKey) {
				t.metrics.LookupCacheWrites.Add(1)
			}
		}
		return resp, nil
	}
	if !t.networkFailure(req, err) {
		return nil, err
	}

	if e, ok := t.match(ctx, t.dynamicCache, LookupCacheKey); ok {
		t.metrics.LookupCacheHits.Add(1)
		t.logger.InfoContext(ctx, "lookup served from cache", "key", LookupCacheKey, "stored_at", e.StoredAt)
		return e.Response(req), nil
	}
	t.metrics.LookupUnavailable.Add(1)
	t.logger.WarnContext(ctx, "lookup unavailable offline", "network_error", err)
	return jsonResponse(req, http.StatusServiceUnavailable, UnavailableMessage), nil
}

// networkFirst caches successful same-origin GETs and falls back to the
// dynamic, then static, entry for the same request identity.
func (t *Transport) networkFirst(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	key := cache.RequestKey(req.Method, req.URL.String())
	resp, err := t.network.RoundTrip(req)
	if err == nil {
		if isSuccess(resp.StatusCode) && t.sameOrigin(req.URL) {
			if t.store(ctx, resp, key) {
				t.metrics.PageCacheWrites.Add(1)
			}
		}
		return resp, nil
	}
	if !t.networkFailure(req, err) {
		return nil, err
	}

	for _, ns := range []string{t.dynamicCache, t.staticCache} {
		if e, ok := t.match(ctx, ns, key); ok {
			t.metrics.PageCacheHits.Add(1)
			t.logger.DebugContext(ctx, "served from cache", "namespace", ns, "key", key)
			return e.Response(req), nil
		}
	}
	t.metrics.PageCacheMisses.Add(1)
	return nil, err
}

// store snapshots resp into the dynamic cache. A failed cache write does
// not fail the request.
func (t *Transport) store(ctx context.Context, resp *http.Response, key string) bool {
	e, err := cache.FromResponse(resp)
	if err != nil {
		t.logger.WarnContext(ctx, "snapshot response failed", "key", key, "error", err)
		return false
	}
	if err := t.cache.Put(ctx, t.dynamicCache, key, e); err != nil {
		t.logger.WarnContext(ctx, "cache write failed", "namespace", t.dynamicCache, "key", key, "error", err)
		return false
	}
	return true
}

func (t *Transport) match(ctx context.Context, namespace, key string) (cache.Entry, bool) {
	if namespace == "" {
		return cache.Entry{}, false
	}
	e, ok, err := t.cache.Match(ctx, namespace, key)
	if err != nil {
		t.logger.WarnContext(ctx, "cache read failed", "namespace", namespace, "key", key, "error", err)
		return cache.Entry{}, false
	}
	return e, ok
}

// networkFailure reports whether err means no response could be obtained.
// A request cancelled by its caller is not a network failure.
func (t *Transport) networkFailure(req *http.Request, err error) bool {
	if req.Context().Err() != nil {
		return false
	}
	t.metrics.NetworkFailures.Add(1)
	return true
}

func (t *Transport) sameOrigin(u *url.URL) bool {
	if t.origin == nil {
		return true
	}
	return strings.EqualFold(u.Scheme, t.origin.Scheme) && strings.EqualFold(u.Host, t.origin.Host)
}

// bufferBody reads req.Body into memory and replaces it so the request can
// still be sent.
func bufferBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	body, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("offline: read request body: %w", err)
	}
	req.Body = io.NopCloser(bytes.NewReader(body))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	req.ContentLength = int64(len(body))
	return body, nil
}

// snapshotHeaders flattens h to one value per name. Cookie lines are
// joined with "; " as RFC 6265 requires; every other field uses ", ".
func snapshotHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		name = http.CanonicalHeaderKey(name)
		sep := ", "
		if name == "Cookie" {
			sep = "; "
		}
		out[name] = strings.Join(values, sep)
	}
	return out
}

func isSuccess(status int) bool {
	return status >= 200 && status <= 299
}

func jsonResponse(req *http.Request, status int, message string) *http.Response {
	body, _ := json.Marshal(struct {
		Message string `json:"message"`
	}{Message: message})
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": []string{"application/json"}},
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}
