// Package lifecycle installs and activates versions of the offline layer:
// precaching the asset manifest, collecting caches of older versions and
// taking over the clients.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"golang.org/x/sync/errgroup"

	"github.com/Pakeating/registryweb/internal/cache"
	"github.com/Pakeating/registryweb/internal/metrics"
)

const DefaultVersion = "v7"

var ErrInstallFailed = errors.New("lifecycle: install failed")

// DefaultAssets is the application shell precached at install time.
var DefaultAssets = []string{
	"/",
	"/loginPage",
	"/stats",
	"/favicon.svg",
	"/google.svg",
	"/icons/icon-192x192.svg",
	"/icons/icon-512x512.svg",
}

// Version identifies one deployment of the offline layer. IDs are opaque.
type Version struct {
	ID string
}

func (v Version) StaticCache() string  { return "static-cache-" + v.ID }
func (v Version) DynamicCache() string { return "dynamic-cache-" + v.ID }

// Whitelist lists the namespaces that survive activation of v.
func (v Version) Whitelist() []string {
	return []string{v.StaticCache(), v.DynamicCache()}
}

// Claimer takes over the clients for a version.
type Claimer interface {
	Claim(version string, rt http.RoundTripper)
}

// TransportFunc builds the intercepting transport serving a version.
type TransportFunc func(v Version) http.RoundTripper

type Options struct {
	Version Version
	Assets  []string
	Origin  *url.URL

	Cache     cache.Store
	Network   http.RoundTripper
	Claimer   Claimer
	Transport TransportFunc

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Manager drives Install and Activate for a single version.
type Manager struct {
	version   Version
	assets    []string
	origin    *url.URL
	cache     cache.Store
	network   http.RoundTripper
	claimer   Claimer
	transport TransportFunc
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

func NewManager(opts Options) (*Manager, error) {
	if opts.Version.ID == "" {
		return nil, errors.New("lifecycle: version id is required")
	}
	if opts.Origin == nil {
		return nil, errors.New("lifecycle: origin is required")
	}
	if opts.Cache == nil {
		return nil, errors.New("lifecycle: cache is required")
	}
	m := &Manager{
		version:   opts.Version,
		assets:    opts.Assets,
		origin:    opts.Origin,
		cache:     opts.Cache,
		network:   opts.Network,
		claimer:   opts.Claimer,
		transport: opts.Transport,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
	}
	if m.assets == nil {
		m.assets = DefaultAssets
	}
	if m.network == nil {
		m.network = http.DefaultTransport
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.metrics == nil {
		m.metrics = &metrics.Metrics{}
	}
	m.logger = m.logger.With("component", "lifecycle", "version", m.version.ID)
	return m, nil
}

func (m *Manager) Version() Version { return m.version }

// Install fetches every asset and stores them in the static namespace. The
// install is all-or-nothing: on any failure nothing is written.
func (m *Manager) Install(ctx context.Context) error {
	entries := make([]cache.KeyedEntry, len(m.assets))
	g, gctx := errgroup.WithContext(ctx)
	for i, asset := range m.assets {
		g.Go(func() error {
			e, err := m.fetch(gctx, asset)
			if err != nil {
				return err
			}
			entries[i] = e
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		m.metrics.InstallFailures.Add(1)
		m.logger.ErrorContext(ctx, "install failed", "error", err)
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}

	if err := m.cache.PutBatch(ctx, m.version.StaticCache(), entries); err != nil {
		m.metrics.InstallFailures.Add(1)
		m.logger.ErrorContext(ctx, "install failed", "error", err)
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}
	m.metrics.AssetsPrecached.Add(int64(len(entries)))
	m.logger.InfoContext(ctx, "installed", "assets", len(entries), "namespace", m.version.StaticCache())
	return nil
}

func (m *Manager) fetch(ctx context.Context, asset string) (cache.KeyedEntry, error) {
	ref, err := url.Parse(asset)
	if err != nil {
		return cache.KeyedEntry{}, fmt.Errorf("asset %q: %w", asset, err)
	}
	u := m.origin.ResolveReference(ref)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return cache.KeyedEntry{}, fmt.Errorf("asset %q: %w", asset, err)
	}
	resp, err := m.network.RoundTrip(req)
	if err != nil {
		return cache.KeyedEntry{}, fmt.Errorf("fetch %s: %w", u, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return cache.KeyedEntry{}, fmt.Errorf("fetch %s: status %d", u, resp.StatusCode)
	}
	e, err := cache.FromResponse(resp)
	if err != nil {
		return cache.KeyedEntry{}, fmt.Errorf("fetch %s: %w", u, err)
	}
	return cache.KeyedEntry{Key: cache.RequestKey(http.MethodGet, req.URL.String()), Entry: e}, nil
}

// Activate deletes every namespace outside the version's whitelist and then
// claims the clients. It returns the deleted namespaces.
func (m *Manager) Activate(ctx context.Context) ([]string, error) {
	names, err := m.cache.Namespaces(ctx)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: list caches: %w", err)
	}
	keep := make(map[string]struct{}, 2)
	for _, ns := range m.version.Whitelist() {
		keep[ns] = struct{}{}
	}

	var deleted []string
	for _, ns := range names {
		if _, ok := keep[ns]; ok {
			continue
		}
		found, err := m.cache.DeleteNamespace(ctx, ns)
		if err != nil {
			return deleted, fmt.Errorf("lifecycle: delete cache %s: %w", ns, err)
		}
		if found {
			deleted = append(deleted, ns)
			m.metrics.CachesDeleted.Add(1)
			m.logger.InfoContext(ctx, "deleted stale cache", "namespace", ns)
		}
	}

	if m.claimer != nil && m.transport != nil {
		m.claimer.Claim(m.version.ID, m.transport(m.version))
	}
	m.metrics.Activations.Add(1)
	m.logger.InfoContext(ctx, "activated", "deleted", len(deleted))
	return deleted, nil
}

// Upgrade installs the version and activates it without waiting for older
// clients to go away.
func (m *Manager) Upgrade(ctx context.Context) error {
	if err := m.Install(ctx); err != nil {
		return err
	}
	_, err := m.Activate(ctx)
	return err
}
