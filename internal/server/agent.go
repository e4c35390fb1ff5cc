package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/Pakeating/registryweb/internal/cache"
	"github.com/Pakeating/registryweb/internal/config"
	"github.com/Pakeating/registryweb/internal/lifecycle"
	"github.com/Pakeating/registryweb/internal/metrics"
	"github.com/Pakeating/registryweb/internal/netsim"
	"github.com/Pakeating/registryweb/internal/offline"
	"github.com/Pakeating/registryweb/internal/reconcile"
	"github.com/Pakeating/registryweb/internal/storage"
)

// UpstreamService is the gRPC health service name mirroring connectivity.
const UpstreamService = "upstream"

// Agent is a running offline agent: the local proxy in front of the
// application origin plus its admin surfaces.
type Agent struct {
	cfg      *config.Config
	upstream *url.URL
	logger   *slog.Logger
	metrics  *metrics.Metrics

	queue      *storage.Handle
	cache      cache.Store
	network    *netsim.Switch
	controller *offline.Controller
	reconciler *reconcile.Reconciler
	dispatcher *reconcile.Dispatcher
	lifecycle  *lifecycle.Manager

	httpServer *http.Server
	httpAddr   net.Addr
	grpcServer *grpc.Server
	grpcAddr   net.Addr
	health     *health.Server

	monitorMu sync.Mutex
	online    bool

	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewAgent opens the cache backend and wires every component. The queue
// backend is opened lazily on first use.
func NewAgent(cfg *config.Config, logger *slog.Logger) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("data dir: %w", err)
	}

	store, err := openCache(cfg)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}

	a := &Agent{
		cfg:      cfg,
		upstream: cfg.UpstreamURL(),
		logger:   logger.With("component", "agent"),
		metrics:  &metrics.Metrics{},
		queue:    storage.NewHandle(queueOpener(cfg)),
		cache:    store,
		network:  netsim.NewSwitch(http.DefaultTransport),
		stopCh:   make(chan struct{}),
	}
	a.controller = offline.NewController(a.network)
	a.reconciler = reconcile.NewReconciler(a.queue, a.network, logger, a.metrics)
	a.dispatcher = reconcile.NewDispatcher(cfg.SyncTag, a.reconciler)

	a.lifecycle, err = lifecycle.NewManager(lifecycle.Options{
		Version:   lifecycle.Version{ID: cfg.CacheVersion},
		Assets:    cfg.Assets,
		Origin:    a.upstream,
		Cache:     store,
		Network:   a.network,
		Claimer:   a.controller,
		Transport: a.newTransport,
		Logger:    logger,
		Metrics:   a.metrics,
	})
	if err != nil {
		store.Close()
		return nil, err
	}
	return a, nil
}

func openCache(cfg *config.Config) (cache.Store, error) {
	switch cfg.CacheBackend {
	case "memory":
		return cache.NewMemoryStore(), nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return cache.NewRedisStore(client, cfg.RedisPrefix), nil
	default:
		s, err := cache.NewBoltStore(cfg.DataDir)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

func queueOpener(cfg *config.Config) storage.Opener {
	return func() (storage.Queue, error) {
		if cfg.QueueBackend == "sqlite" {
			q, err := storage.OpenSQLiteQueue(cfg.SQLitePath())
			if err != nil {
				return nil, err
			}
			return q, nil
		}
		q, err := storage.NewBoltQueue(cfg.DataDir)
		if err != nil {
			return nil, err
		}
		return q, nil
	}
}

// newTransport builds the interception layer serving version v.
func (a *Agent) newTransport(v lifecycle.Version) http.RoundTripper {
	return offline.NewTransport(offline.Options{
		Network:      a.network,
		Queue:        a.queue,
		Cache:        a.cache,
		StaticCache:  v.StaticCache(),
		DynamicCache: v.DynamicCache(),
		Origin:       a.upstream,
		Routes: offline.Routes{
			MutatingProxy: a.cfg.MutatingProxyPath,
			API:           a.cfg.APIPrefix,
		},
		Logger:  a.logger,
		Metrics: a.metrics,
	})
}

// Start listens on the proxy and admin addresses and starts the
// connectivity monitor.
func (a *Agent) Start() error {
	lis, err := net.Listen("tcp", a.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.cfg.Addr, err)
	}
	a.httpAddr = lis.Addr()
	a.httpServer = &http.Server{
		Handler:           a.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if a.cfg.AdminGRPCAddr != "" {
		glis, err := net.Listen("tcp", a.cfg.AdminGRPCAddr)
		if err != nil {
			lis.Close()
			return fmt.Errorf("listen %s: %w", a.cfg.AdminGRPCAddr, err)
		}
		a.grpcAddr = glis.Addr()
		a.health = health.NewServer()
		a.health.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
		a.health.SetServingStatus(UpstreamService, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
		a.grpcServer = grpc.NewServer()
		grpc_health_v1.RegisterHealthServer(a.grpcServer, a.health)
		go func() {
			if err := a.grpcServer.Serve(glis); err != nil {
				a.logger.Error("grpc serve error", "error", err)
			}
		}()
	}

	go func() {
		if err := a.httpServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http serve error", "error", err)
		}
	}()

	if a.cfg.ProbeInterval > 0 {
		a.wg.Add(1)
		go a.monitorLoop()
	}

	a.logger.Info("listening", "addr", a.httpAddr.String(), "admin_grpc", addrString(a.grpcAddr), "upstream", a.upstream.String())
	return nil
}

// Upgrade installs and activates the configured version. When the install
// fails (typically because the origin is unreachable at boot) the clients
// are still claimed so that caches persisted by a previous run keep serving.
func (a *Agent) Upgrade(ctx context.Context) error {
	err := a.lifecycle.Upgrade(ctx)
	if err == nil {
		return nil
	}
	if a.controller.Version() == "" {
		v := a.lifecycle.Version()
		a.controller.Claim(v.ID, a.newTransport(v))
		a.logger.WarnContext(ctx, "upgrade failed, serving without precache", "version", v.ID, "error", err)
	}
	return err
}

// Stop shuts the agent down, waiting for in-flight proxy requests up to
// ctx's deadline.
func (a *Agent) Stop(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		close(a.stopCh)
		a.wg.Wait()

		if a.httpServer != nil {
			if err := a.httpServer.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("http shutdown: %w", err))
			}
		}
		if a.grpcServer != nil {
			a.health.Shutdown()
			a.grpcServer.GracefulStop()
		}
		if err := a.queue.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close queue: %w", err))
		}
		if err := a.cache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close cache: %w", err))
		}
		a.logger.Info("stopped")
	})
	return errors.Join(errs...)
}

// monitorLoop probes the origin and fires the sync signal whenever the
// origin becomes reachable again.
func (a *Agent) monitorLoop() {
	defer a.wg.Done()
	ticker := time.NewTicker(a.cfg.ProbeInterval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-a.stopCh
		cancel()
	}()

	a.checkConnectivity(ctx)
	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			a.checkConnectivity(ctx)
		}
	}
}

// checkConnectivity runs one probe and reacts to a state transition.
func (a *Agent) checkConnectivity(ctx context.Context) {
	online := a.probe(ctx)

	a.monitorMu.Lock()
	was := a.online
	a.online = online
	a.monitorMu.Unlock()

	if a.health != nil {
		status := grpc_health_v1.HealthCheckResponse_NOT_SERVING
		if online {
			status = grpc_health_v1.HealthCheckResponse_SERVING
		}
		a.health.SetServingStatus(UpstreamService, status)
	}
	if online == was {
		return
	}
	a.logger.InfoContext(ctx, "connectivity changed", "online", online)
	if !online {
		return
	}
	if _, err := a.dispatcher.Signal(ctx, a.dispatcher.Tag()); err != nil {
		a.logger.ErrorContext(ctx, "sync after reconnect failed", "error", err)
	}
}

// probe reports whether the origin answered at all. Any status counts.
func (a *Agent) probe(ctx context.Context) bool {
	timeout := a.cfg.ProbeInterval
	if timeout <= 0 || timeout > 5*time.Second {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	u := a.upstream.ResolveReference(&url.URL{Path: a.cfg.ProbePath})
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return false
	}
	resp, err := a.network.RoundTrip(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

// Online reports the last probed connectivity state.
func (a *Agent) Online() bool {
	a.monitorMu.Lock()
	defer a.monitorMu.Unlock()
	return a.online
}

// Addr returns the proxy's bound address, or nil before Start.
func (a *Agent) Addr() net.Addr { return a.httpAddr }

// GRPCAddr returns the admin gRPC address, or nil when disabled.
func (a *Agent) GRPCAddr() net.Addr { return a.grpcAddr }

// Metrics returns the agent's counters (for testing).
func (a *Agent) Metrics() *metrics.Metrics { return a.metrics }

// Network returns the fault-injecting network (for testing).
func (a *Agent) Network() *netsim.Switch { return a.network }

// Queue returns the durable queue (for testing).
func (a *Agent) Queue() storage.Queue { return a.queue }

// Cache returns the cache store (for testing).
func (a *Agent) Cache() cache.Store { return a.cache }

func addrString(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}
