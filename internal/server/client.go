package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/Pakeating/registryweb/internal/reconcile"
	"github.com/Pakeating/registryweb/internal/storage"
)

// Client talks to a running agent's admin surfaces: the HTTP admin API and
// the gRPC health service.
type Client struct {
	baseURL  string
	grpcAddr string
	http     *http.Client

	mu   sync.Mutex
	conn *grpc.ClientConn
}

// NewClient creates a client for the agent at httpAddr (host:port) with its
// admin gRPC endpoint at grpcAddr.
func NewClient(httpAddr, grpcAddr string) *Client {
	base := httpAddr
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &Client{
		baseURL:  strings.TrimRight(base, "/") + AdminPrefix,
		grpcAddr: grpcAddr,
		http:     &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) Health(ctx context.Context) (HealthResponse, error) {
	var out HealthResponse
	err := c.do(ctx, http.MethodGet, "/health", nil, &out)
	return out, err
}

func (c *Client) Metrics(ctx context.Context) (map[string]int64, error) {
	var out map[string]int64
	err := c.do(ctx, http.MethodGet, "/metrics", nil, &out)
	return out, err
}

func (c *Client) Queue(ctx context.Context) ([]storage.QueuedRequest, error) {
	var out []storage.QueuedRequest
	err := c.do(ctx, http.MethodGet, "/queue", nil, &out)
	return out, err
}

func (c *Client) Sync(ctx context.Context, tag string) (reconcile.Report, error) {
	var out reconcile.Report
	err := c.do(ctx, http.MethodPost, "/sync/"+tag, nil, &out)
	return out, err
}

func (c *Client) Upgrade(ctx context.Context) (string, error) {
	var out struct {
		Version string `json:"version"`
	}
	err := c.do(ctx, http.MethodPost, "/lifecycle/upgrade", nil, &out)
	return out.Version, err
}

func (c *Client) SetNetwork(ctx context.Context, req NetworkRequest) (NetworkState, error) {
	var out NetworkState
	err := c.do(ctx, http.MethodPost, "/network", req, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e errorBody
		if json.NewDecoder(resp.Body).Decode(&e) == nil && e.Message != "" {
			return fmt.Errorf("%s %s: %d: %s", method, path, resp.StatusCode, e.Message)
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) connect() (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn, nil
	}
	if c.grpcAddr == "" {
		return nil, fmt.Errorf("admin gRPC address is not configured")
	}
	conn, err := grpc.NewClient(c.grpcAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	c.conn = conn
	return conn, nil
}

// CheckHealth asks the gRPC health service for service ("" for the agent
// itself, UpstreamService for origin connectivity).
func (c *Client) CheckHealth(ctx context.Context, service string) (grpc_health_v1.HealthCheckResponse_ServingStatus, error) {
	conn, err := c.connect()
	if err != nil {
		return grpc_health_v1.HealthCheckResponse_UNKNOWN, err
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	resp, err := grpc_health_v1.NewHealthClient(conn).Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: service})
	if err != nil {
		return grpc_health_v1.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}
