package config

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the agent configuration, read from REGISTRY_* variables.
type Config struct {
	Addr          string `env:"REGISTRY_ADDR" envDefault:"127.0.0.1:4321"`
	AdminGRPCAddr string `env:"REGISTRY_ADMIN_GRPC_ADDR" envDefault:"127.0.0.1:4322"`
	Upstream      string `env:"REGISTRY_UPSTREAM" envDefault:"http://localhost:8888"`
	DataDir       string `env:"REGISTRY_DATA_DIR" envDefault:"data"`

	QueueBackend string `env:"REGISTRY_QUEUE_BACKEND" envDefault:"bolt"`
	SQLiteDSN    string `env:"REGISTRY_SQLITE_DSN"`
	CacheBackend string `env:"REGISTRY_CACHE_BACKEND" envDefault:"bolt"`
	RedisAddr    string `env:"REGISTRY_REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPrefix  string `env:"REGISTRY_REDIS_PREFIX" envDefault:"registry_cache"`

	CacheVersion string   `env:"REGISTRY_CACHE_VERSION" envDefault:"v7"`
	Assets       []string `env:"REGISTRY_ASSETS" envSeparator:"," envDefault:"/,/loginPage,/stats,/favicon.svg,/google.svg,/icons/icon-192x192.svg,/icons/icon-512x512.svg"`

	MutatingProxyPath string `env:"REGISTRY_MUTATING_PROXY_PATH" envDefault:"/api/proxy"`
	APIPrefix         string `env:"REGISTRY_API_PREFIX" envDefault:"/api/"`

	SyncTag       string        `env:"REGISTRY_SYNC_TAG" envDefault:"sync-pending-meals"`
	ProbePath     string        `env:"REGISTRY_PROBE_PATH" envDefault:"/api/proxy"`
	ProbeInterval time.Duration `env:"REGISTRY_PROBE_INTERVAL" envDefault:"5s"`

	LogLevel     string `env:"REGISTRY_LOG_LEVEL" envDefault:"info"`
	OTelEndpoint string `env:"REGISTRY_OTEL_ENDPOINT"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load parses and validates the configuration.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := ParseEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []string
	if u, err := url.Parse(c.Upstream); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, "REGISTRY_UPSTREAM must be an absolute URL")
	}
	if c.DataDir == "" {
		errs = append(errs, "REGISTRY_DATA_DIR is required")
	}
	switch c.QueueBackend {
	case "bolt", "sqlite":
	default:
		errs = append(errs, "REGISTRY_QUEUE_BACKEND must be bolt or sqlite")
	}
	switch c.CacheBackend {
	case "bolt", "memory":
	case "redis":
		if c.RedisAddr == "" {
			errs = append(errs, "REGISTRY_REDIS_ADDR is required for the redis cache backend")
		}
	default:
		errs = append(errs, "REGISTRY_CACHE_BACKEND must be bolt, redis or memory")
	}
	if strings.TrimSpace(c.CacheVersion) == "" {
		errs = append(errs, "REGISTRY_CACHE_VERSION is required")
	}
	for _, a := range c.Assets {
		if !strings.HasPrefix(a, "/") {
			errs = append(errs, fmt.Sprintf("asset %q must be an absolute path", a))
		}
	}
	if !strings.HasPrefix(c.MutatingProxyPath, "/") {
		errs = append(errs, "REGISTRY_MUTATING_PROXY_PATH must start with /")
	}
	if !strings.HasPrefix(c.APIPrefix, "/") {
		errs = append(errs, "REGISTRY_API_PREFIX must start with /")
	}
	if c.SyncTag == "" {
		errs = append(errs, "REGISTRY_SYNC_TAG is required")
	}
	if c.ProbeInterval < 0 {
		errs = append(errs, "REGISTRY_PROBE_INTERVAL must not be negative")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// UpstreamURL returns the parsed upstream origin. Call after Validate.
func (c *Config) UpstreamURL() *url.URL {
	u, _ := url.Parse(c.Upstream)
	return u
}

// SQLitePath returns the sqlite DSN, defaulting to a file in DataDir.
func (c *Config) SQLitePath() string {
	if c.SQLiteDSN != "" {
		return c.SQLiteDSN
	}
	return filepath.Join(c.DataDir, "registry.sqlite")
}
